package buffer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buldo/kmsvideo/pixfmt"
)

type fakeAllocator struct {
	nextFD    int
	allocated map[int]uint64
	freed     []int
	failNext  bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{nextFD: 100, allocated: map[int]uint64{}}
}

func (a *fakeAllocator) Allocate(size uint64) (Memory, error) {
	if a.failNext {
		a.failNext = false
		return Memory{}, errors.New("out of memory")
	}
	fd := a.nextFD
	a.nextFD++
	a.allocated[fd] = size
	return Memory{FD: fd, Data: make([]byte, size), Size: size}, nil
}

func (a *fakeAllocator) Free(mem Memory) error {
	a.freed = append(a.freed, mem.FD)
	delete(a.allocated, mem.FD)
	return nil
}

type addFB2Call struct {
	width, height, format     uint32
	handles, pitches, offsets [4]uint32
}

type fakeDevice struct {
	nextHandle uint32
	nextFB     uint32

	primeErr error
	addErr   error

	addCalls      []addFB2Call
	removedFBs    []uint32
	closedHandles []uint32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{nextHandle: 1, nextFB: 1000}
}

func (d *fakeDevice) PrimeFDToHandle(fd int) (uint32, error) {
	if d.primeErr != nil {
		return 0, d.primeErr
	}
	h := d.nextHandle
	d.nextHandle++
	return h, nil
}

func (d *fakeDevice) AddFB2(width, height, format uint32, handles, pitches, offsets [4]uint32) (uint32, error) {
	if d.addErr != nil {
		return 0, d.addErr
	}
	d.addCalls = append(d.addCalls, addFB2Call{width, height, format, handles, pitches, offsets})
	fb := d.nextFB
	d.nextFB++
	return fb, nil
}

func (d *fakeDevice) RmFB(id uint32) error {
	d.removedFBs = append(d.removedFBs, id)
	return nil
}

func (d *fakeDevice) CloseHandle(handle uint32) error {
	d.closedHandles = append(d.closedHandles, handle)
	return nil
}

func TestAllocateWiresGeometry(t *testing.T) {
	alloc := newFakeAllocator()
	mgr := NewManager(newFakeDevice(), alloc, nil)

	buf, err := mgr.Allocate(1920, 1080, pixfmt.NV12)
	require.NoError(t, err)

	assert.Equal(t, uint32(1920), buf.Width)
	assert.Equal(t, uint32(1080), buf.Height)
	assert.Equal(t, uint32(1920), buf.Stride)
	assert.Equal(t, uint64(1920*1080*3/2), buf.Size())
	assert.Len(t, buf.Data(), 1920*1080*3/2)
	assert.Zero(t, buf.FramebufferID())
}

func TestAllocateFailurePropagates(t *testing.T) {
	alloc := newFakeAllocator()
	alloc.failNext = true
	mgr := NewManager(newFakeDevice(), alloc, nil)

	_, err := mgr.Allocate(640, 480, pixfmt.ARGB8888)
	assert.Error(t, err)
}

func TestCreateFramebufferMultiPlane(t *testing.T) {
	dev := newFakeDevice()
	mgr := NewManager(dev, newFakeAllocator(), nil)

	buf, err := mgr.Allocate(1920, 1080, pixfmt.NV12)
	require.NoError(t, err)

	fbID := mgr.CreateFramebuffer(buf)
	require.NotZero(t, fbID)
	assert.Equal(t, fbID, buf.FramebufferID())

	require.Len(t, dev.addCalls, 1)
	call := dev.addCalls[0]
	assert.Equal(t, pixfmt.NV12.FourCC, call.format)
	// one contiguous handle reused across both planes
	assert.Equal(t, [4]uint32{1, 1, 0, 0}, call.handles)
	assert.Equal(t, [4]uint32{1920, 1920, 0, 0}, call.pitches)
	assert.Equal(t, [4]uint32{0, 1920 * 1080, 0, 0}, call.offsets)
}

func TestCreateFramebufferIsCachedPerBuffer(t *testing.T) {
	dev := newFakeDevice()
	mgr := NewManager(dev, newFakeAllocator(), nil)

	buf, err := mgr.Allocate(640, 480, pixfmt.XRGB8888)
	require.NoError(t, err)

	first := mgr.CreateFramebuffer(buf)
	second := mgr.CreateFramebuffer(buf)
	assert.Equal(t, first, second)
	assert.Len(t, dev.addCalls, 1)
}

func TestCreateFramebufferKernelRejection(t *testing.T) {
	dev := newFakeDevice()
	dev.addErr = errors.New("EINVAL")
	mgr := NewManager(dev, newFakeAllocator(), nil)

	buf, err := mgr.Allocate(640, 480, pixfmt.YUV420)
	require.NoError(t, err)

	assert.Zero(t, mgr.CreateFramebuffer(buf))
	assert.Zero(t, buf.FramebufferID())
	// the imported handle must not leak when registration fails
	assert.Equal(t, []uint32{1}, dev.closedHandles)
}

func TestCreateFramebufferImportRejection(t *testing.T) {
	dev := newFakeDevice()
	dev.primeErr = errors.New("ENODEV")
	mgr := NewManager(dev, newFakeAllocator(), nil)

	buf, err := mgr.Allocate(640, 480, pixfmt.NV12)
	require.NoError(t, err)
	assert.Zero(t, mgr.CreateFramebuffer(buf))
	assert.Empty(t, dev.closedHandles)
}

func TestDisposeReleasesEverything(t *testing.T) {
	dev := newFakeDevice()
	alloc := newFakeAllocator()
	mgr := NewManager(dev, alloc, nil)

	realized, err := mgr.Allocate(1920, 1080, pixfmt.NV12)
	require.NoError(t, err)
	_, err = mgr.Allocate(1920, 1080, pixfmt.NV12)
	require.NoError(t, err)

	fbID := mgr.CreateFramebuffer(realized)
	require.NotZero(t, fbID)

	mgr.Dispose()

	assert.Equal(t, []uint32{fbID}, dev.removedFBs)
	assert.Equal(t, []uint32{1}, dev.closedHandles)
	assert.Len(t, alloc.freed, 2)
	assert.Empty(t, alloc.allocated)
	assert.Zero(t, realized.FramebufferID())
	assert.Equal(t, -1, realized.FD())
	assert.Nil(t, realized.Data())
}

func TestDisposeIsIdempotent(t *testing.T) {
	dev := newFakeDevice()
	alloc := newFakeAllocator()
	mgr := NewManager(dev, alloc, nil)

	buf, err := mgr.Allocate(640, 480, pixfmt.ARGB8888)
	require.NoError(t, err)
	require.NotZero(t, mgr.CreateFramebuffer(buf))

	mgr.Dispose()
	mgr.Dispose()

	assert.Len(t, dev.removedFBs, 1)
	assert.Len(t, dev.closedHandles, 1)
	assert.Len(t, alloc.freed, 1)

	_, err = mgr.Allocate(640, 480, pixfmt.ARGB8888)
	assert.Error(t, err)
}
