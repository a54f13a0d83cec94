package flip

import "errors"

var (
	// ErrPlaneNotAtomic means a plane is missing mandatory atomic
	// properties; the caller must fall back to a non-atomic present
	// mode.
	ErrPlaneNotAtomic = errors.New("plane does not expose the mandatory atomic properties")

	// ErrFramebufferRejected means the kernel refused to register a
	// framebuffer over the submitted buffer. The buffer has already
	// been recycled.
	ErrFramebufferRejected = errors.New("kernel rejected framebuffer registration")

	// ErrEngineClosed is returned for submissions after Cleanup.
	ErrEngineClosed = errors.New("flip engine already cleaned up")

	// ErrListenerWedged means the event thread did not stop within
	// its grace period. The kernel may still hold a reference to a
	// plane about to be torn down, so this must never be ignored.
	ErrListenerWedged = errors.New("kernel event listener failed to stop in time")

	// ErrNoOverlayPlane is returned by overlay submissions when the
	// display has no overlay plane.
	ErrNoOverlayPlane = errors.New("display has no overlay plane")
)
