package buffer

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
	"launchpad.net/gommap"

	"github.com/buldo/kmsvideo/ioctl"
)

type sysDMAHeapAlloc struct {
	length    uint64
	fd        uint32
	fdFlags   uint32
	heapFlags uint64
}

// DMA_HEAP_IOCTL_ALLOC: _IOWR('H', 0x0, struct dma_heap_allocation_data)
var ioctlDMAHeapAlloc = ioctl.NewCode(ioctl.Read|ioctl.Write,
	uint16(unsafe.Sizeof(sysDMAHeapAlloc{})), 'H', 0x0)

const dmaHeapPath = "/dev/dma_heap"

// DMAHeapAllocator allocates DMA-BUFs from a kernel DMA heap. This is
// the zero-copy path: the same fd the decoder writes into is imported
// by the display device, no pixel ever crosses a CPU copy.
type DMAHeapAllocator struct {
	heap *os.File
}

// NewDMAHeapAllocator opens the named heap, usually "system" or the
// CMA heap exposed as "linux,cma" on devices whose scanout needs
// physically contiguous memory.
func NewDMAHeapAllocator(heapName string) (*DMAHeapAllocator, error) {
	heap, err := os.OpenFile(fmt.Sprintf("%s/%s", dmaHeapPath, heapName), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open dma heap %q: %w", heapName, err)
	}
	return &DMAHeapAllocator{heap: heap}, nil
}

func (a *DMAHeapAllocator) Allocate(size uint64) (Memory, error) {
	req := &sysDMAHeapAlloc{
		length:  size,
		fdFlags: uint32(os.O_RDWR | unix.O_CLOEXEC),
	}
	err := ioctl.Do(uintptr(a.heap.Fd()), uintptr(ioctlDMAHeapAlloc),
		uintptr(unsafe.Pointer(req)))
	if err != nil {
		return Memory{}, fmt.Errorf("dma heap allocation of %d bytes: %w", size, err)
	}

	data, err := gommap.MapAt(0, uintptr(req.fd), 0, int64(size),
		gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		closeFD(int(req.fd))
		return Memory{}, fmt.Errorf("mmap dma-buf: %w", err)
	}

	return Memory{
		FD:   int(req.fd),
		Data: data,
		Size: size,
	}, nil
}

func (a *DMAHeapAllocator) Free(mem Memory) error {
	var firstErr error
	if mem.Data != nil {
		if err := gommap.MMap(mem.Data).UnsafeUnmap(); err != nil {
			firstErr = fmt.Errorf("unmap dma-buf: %w", err)
		}
	}
	if err := closeFD(mem.FD); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close dma-buf fd: %w", err)
	}
	return firstErr
}

// Close releases the heap descriptor. Outstanding allocations stay
// valid; DMA-BUF lifetime is independent of the heap that minted it.
func (a *DMAHeapAllocator) Close() error {
	return a.heap.Close()
}
