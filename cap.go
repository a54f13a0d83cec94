package kmsvideo

import (
	"os"
	"unsafe"

	"github.com/buldo/kmsvideo/ioctl"
)

type (
	capability struct {
		cap uint64
		val uint64
	}

	clientCapability struct {
		cap uint64
		val uint64
	}
)

// Driver capabilities (DRM_CAP_*).
const (
	CapDumbBuffer = iota + 1
	CapVBlankHighCRTC
	CapDumbPreferredDepth
	CapDumbPreferShadow
	CapPrime
	CapTimestampMonotonic
	CapAsyncPageFlip

	CapCursorWidth  = 0x8
	CapCursorHeight = 0x9

	CapAddFB2Modifiers = 0x10
)

// Client capabilities (DRM_CLIENT_CAP_*). These are opt-ins: the kernel
// hides universal planes and the atomic API until the client declares
// it understands them.
const (
	ClientCapStereo3D = iota + 1
	ClientCapUniversalPlanes
	ClientCapAtomic
)

func GetCap(file *os.File, capid uint64) (uint64, error) {
	cap := &capability{}
	cap.cap = capid
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLGetCap),
		uintptr(unsafe.Pointer(cap)))
	if err != nil {
		return 0, err
	}
	return cap.val, nil
}

func HasDumbBuffer(file *os.File) bool {
	val, err := GetCap(file, CapDumbBuffer)
	return err == nil && val != 0
}

// HasAsyncPageFlip reports whether the driver accepts page flips that
// do not wait for VBlank. The flip engine uses this to pick its
// present mode at construction.
func HasAsyncPageFlip(file *os.File) bool {
	val, err := GetCap(file, CapAsyncPageFlip)
	return err == nil && val != 0
}

// HasPrime reports whether the driver can import and export DMA-BUF
// file descriptors, which zero-copy buffer sharing depends on.
func HasPrime(file *os.File) bool {
	val, err := GetCap(file, CapPrime)
	return err == nil && val != 0
}

func SetClientCap(file *os.File, capid, val uint64) error {
	cap := &clientCapability{cap: capid, val: val}
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLSetClientCap),
		uintptr(unsafe.Pointer(cap)))
}

// EnableAtomic opts the descriptor into universal planes and atomic
// modesetting. Universal planes must be enabled first; the kernel
// enables it implicitly with atomic, but being explicit keeps the
// failure point obvious on drivers without atomic support.
func EnableAtomic(file *os.File) error {
	if err := SetClientCap(file, ClientCapUniversalPlanes, 1); err != nil {
		return err
	}
	return SetClientCap(file, ClientCapAtomic, 1)
}
