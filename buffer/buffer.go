// Package buffer owns the shared frame buffers that travel between a
// producer (typically a hardware decoder) and the display planes:
// allocation through an external Allocator, registration as kernel
// framebuffer objects, and guarded release of every kernel-visible
// handle on teardown.
package buffer

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/buldo/kmsvideo/kms"
	"github.com/buldo/kmsvideo/pixfmt"
)

// Memory is a raw DMA-capable allocation: a DMA-BUF file descriptor,
// its CPU mapping, and the byte size.
type Memory struct {
	FD   int
	Data []byte
	Size uint64
}

// Allocator is the external collaborator that provides raw buffer
// memory. The buffer layer never allocates memory itself.
type Allocator interface {
	// Allocate returns a mapped DMA-BUF of at least size bytes.
	Allocate(size uint64) (Memory, error)
	// Free releases an allocation previously returned by Allocate.
	Free(mem Memory) error
}

// Device is the slice of the DRM device the buffer layer talks to.
// *CardDevice is the production implementation; tests substitute a
// recording fake.
type Device interface {
	PrimeFDToHandle(fd int) (uint32, error)
	AddFB2(width, height, format uint32, handles, pitches, offsets [4]uint32) (uint32, error)
	RmFB(id uint32) error
	CloseHandle(handle uint32) error
}

// CardDevice binds Device to an open DRM card descriptor.
type CardDevice struct {
	File *os.File
}

func (d *CardDevice) PrimeFDToHandle(fd int) (uint32, error) {
	return kms.PrimeFDToHandle(d.File, fd)
}

func (d *CardDevice) AddFB2(width, height, format uint32, handles, pitches, offsets [4]uint32) (uint32, error) {
	return kms.AddFB2(d.File, width, height, format, handles, pitches, offsets)
}

func (d *CardDevice) RmFB(id uint32) error {
	return kms.RmFB(d.File, id)
}

func (d *CardDevice) CloseHandle(handle uint32) error {
	return kms.CloseHandle(d.File, handle)
}

// Buffer is one shareable frame buffer. Ownership is exclusive and
// moves explicitly: producer while filling, flip engine while queued
// or displayed, recycle pool once retired. It is never owned by two
// parties at once, so none of its state needs a lock.
type Buffer struct {
	Width  uint32
	Height uint32
	Stride uint32
	Format pixfmt.Format

	mem    Memory
	handle uint32 // GEM handle, 0 until the framebuffer is realized
	fbID   uint32 // kernel framebuffer id, 0 until realized
}

// FD exposes the DMA-BUF descriptor, -1 after release.
func (b *Buffer) FD() int { return b.mem.FD }

// Data is the CPU mapping of the backing memory, nil after release.
func (b *Buffer) Data() []byte { return b.mem.Data }

func (b *Buffer) Size() uint64 { return b.mem.Size }

// FramebufferID returns the kernel framebuffer id, 0 while the buffer
// has not been realized yet (or after disposal).
func (b *Buffer) FramebufferID() uint32 { return b.fbID }

// Manager allocates buffers and realizes them as kernel framebuffer
// objects, tracking everything it hands out for bulk release.
type Manager struct {
	dev   Device
	alloc Allocator
	log   *logrus.Entry

	mu       sync.Mutex
	buffers  []*Buffer
	disposed bool
}

func NewManager(dev Device, alloc Allocator, log *logrus.Entry) *Manager {
	return &Manager{
		dev:   dev,
		alloc: alloc,
		log:   ensureLogger(log),
	}
}

// Allocate requests backing memory for one WxH frame in the given
// format and wraps it with its geometry. The caller owns the buffer
// until it submits it for display.
func (m *Manager) Allocate(width, height uint32, format pixfmt.Format) (*Buffer, error) {
	layout := format.Layout(width, height)
	mem, err := m.alloc.Allocate(layout.FullSize)
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes for %s %dx%d: %w",
			layout.FullSize, format.Name, width, height, err)
	}

	buf := &Buffer{
		Width:  width,
		Height: height,
		Stride: layout.Stride,
		Format: format,
		mem:    mem,
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		m.alloc.Free(mem)
		return nil, fmt.Errorf("buffer manager already disposed")
	}
	m.buffers = append(m.buffers, buf)
	m.mu.Unlock()
	return buf, nil
}

// CreateFramebuffer realizes the buffer as a kernel framebuffer
// object: import the DMA-BUF as a GEM handle, describe each format
// plane over the one contiguous handle, register. Returns the new id,
// or 0 if the kernel rejected it; rejection is a recoverable signal
// the caller may answer with a different present path, not an error.
func (m *Manager) CreateFramebuffer(buf *Buffer) uint32 {
	if buf.fbID != 0 {
		return buf.fbID
	}

	handle, err := m.dev.PrimeFDToHandle(buf.mem.FD)
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"fd":     buf.mem.FD,
			"format": buf.Format.Name,
		}).Warn("DMA-BUF import rejected")
		return 0
	}

	layout := buf.Format.Layout(buf.Width, buf.Height)
	pitches := buf.Format.PlanePitches(buf.Width)

	var handles, pitchArr, offsets [4]uint32
	for i := 0; i < buf.Format.PlaneCount(); i++ {
		// storage is contiguous, one physical handle serves all planes
		handles[i] = handle
		pitchArr[i] = pitches[i]
		offsets[i] = uint32(layout.PlaneOffsets[i])
	}

	fbID, err := m.dev.AddFB2(buf.Width, buf.Height, buf.Format.FourCC,
		handles, pitchArr, offsets)
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"format": buf.Format.Name,
			"width":  buf.Width,
			"height": buf.Height,
		}).Warn("framebuffer registration rejected")
		m.dev.CloseHandle(handle)
		return 0
	}

	buf.handle = handle
	buf.fbID = fbID
	m.log.WithFields(logrus.Fields{
		"fb":     fbID,
		"format": buf.Format.Name,
		"width":  buf.Width,
		"height": buf.Height,
	}).Debug("framebuffer registered")
	return fbID
}

// Dispose removes every framebuffer this manager created and releases
// every tracked buffer. Safe after partial failures and idempotent;
// a second call finds nothing left to do.
func (m *Manager) Dispose() {
	m.mu.Lock()
	buffers := m.buffers
	m.buffers = nil
	m.disposed = true
	m.mu.Unlock()

	for _, buf := range buffers {
		m.release(buf)
	}
}

// release tears one buffer down in strict order: framebuffer id, GEM
// handle, then backing memory. Each handle is zeroed as it goes so a
// re-entry cannot free it twice.
func (m *Manager) release(buf *Buffer) {
	if buf.fbID != 0 {
		if err := m.dev.RmFB(buf.fbID); err != nil {
			m.log.WithError(err).WithField("fb", buf.fbID).Warn("framebuffer removal failed")
		}
		buf.fbID = 0
	}
	if buf.handle != 0 {
		if err := m.dev.CloseHandle(buf.handle); err != nil {
			m.log.WithError(err).WithField("handle", buf.handle).Warn("handle close failed")
		}
		buf.handle = 0
	}
	if buf.mem.FD >= 0 || buf.mem.Data != nil {
		if err := m.alloc.Free(buf.mem); err != nil {
			m.log.WithError(err).WithField("fd", buf.mem.FD).Warn("buffer free failed")
		}
		buf.mem = Memory{FD: -1}
	}
}

func ensureLogger(log *logrus.Entry) *logrus.Entry {
	if log != nil {
		return log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// closeFD is shared by the allocators.
func closeFD(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
