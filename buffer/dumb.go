package buffer

import (
	"fmt"
	"os"
	"sync"

	"launchpad.net/gommap"

	"github.com/buldo/kmsvideo/kms"
)

// DumbAllocator satisfies the allocation contract with kernel dumb
// buffers, for hardware without a usable DMA heap. Each allocation is
// created on the card, mapped through its fake mmap offset, and
// exported as a DMA-BUF fd so downstream code sees the same shape as
// a heap allocation.
type DumbAllocator struct {
	file *os.File

	mu      sync.Mutex
	handles map[int]uint32 // exported fd -> dumb handle
}

func NewDumbAllocator(file *os.File) *DumbAllocator {
	return &DumbAllocator{
		file:    file,
		handles: make(map[int]uint32),
	}
}

func (a *DumbAllocator) Allocate(size uint64) (Memory, error) {
	// dumb creation is geometry-based; a single byte row keeps the
	// requested size exact
	dumb, err := kms.CreateDumb(a.file, uint32(size), 1, 8)
	if err != nil {
		return Memory{}, fmt.Errorf("create dumb buffer of %d bytes: %w", size, err)
	}

	offset, err := kms.MapDumb(a.file, dumb.Handle)
	if err != nil {
		kms.DestroyDumb(a.file, dumb.Handle)
		return Memory{}, fmt.Errorf("map dumb buffer: %w", err)
	}

	data, err := gommap.MapAt(0, a.file.Fd(), int64(offset), int64(dumb.Size),
		gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		kms.DestroyDumb(a.file, dumb.Handle)
		return Memory{}, fmt.Errorf("mmap dumb buffer: %w", err)
	}

	fd, err := kms.PrimeHandleToFD(a.file, dumb.Handle, 0)
	if err != nil {
		gommap.MMap(data).UnsafeUnmap()
		kms.DestroyDumb(a.file, dumb.Handle)
		return Memory{}, fmt.Errorf("export dumb buffer: %w", err)
	}

	a.mu.Lock()
	a.handles[fd] = dumb.Handle
	a.mu.Unlock()

	return Memory{
		FD:   fd,
		Data: data,
		Size: dumb.Size,
	}, nil
}

func (a *DumbAllocator) Free(mem Memory) error {
	a.mu.Lock()
	handle, ok := a.handles[mem.FD]
	delete(a.handles, mem.FD)
	a.mu.Unlock()

	var firstErr error
	if mem.Data != nil {
		if err := gommap.MMap(mem.Data).UnsafeUnmap(); err != nil {
			firstErr = fmt.Errorf("unmap dumb buffer: %w", err)
		}
	}
	if err := closeFD(mem.FD); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close dumb buffer fd: %w", err)
	}
	if ok {
		if err := kms.DestroyDumb(a.file, handle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("destroy dumb buffer: %w", err)
		}
	}
	return firstErr
}
