// Package flip is the plane presentation engine: it submits frame
// buffers to kernel display planes with atomic commits, tracks which
// buffer is in flight versus on screen, reacts to VBlank-synchronized
// completion events on a dedicated listener thread, and recycles
// retired buffers back to the producer. Under load only the newest
// submitted frame is ever shown; older undisplayed frames are dropped
// and recycled immediately.
package flip

import (
	"os"

	"github.com/buldo/kmsvideo/kms"
)

// CommitDevice is the slice of the kernel the engine commits through.
// *KernelDevice is the production implementation; tests substitute a
// recording fake.
type CommitDevice interface {
	AtomicCommit(req *kms.AtomicRequest, flags uint32, userData uint64) error
	SetPlane(planeID, crtcID, fbID uint32, crtcW, crtcH, srcW, srcH uint32) error
}

// PropertySource is where plane property ids and names come from.
type PropertySource interface {
	ObjectProperties(objID, objType uint32) (*kms.ObjectProperties, error)
	PropertyName(propID uint32) (string, error)
}

// KernelDevice binds CommitDevice and PropertySource to an open DRM
// card descriptor.
type KernelDevice struct {
	File *os.File
}

func (d *KernelDevice) AtomicCommit(req *kms.AtomicRequest, flags uint32, userData uint64) error {
	return req.Commit(d.File, flags, userData)
}

func (d *KernelDevice) SetPlane(planeID, crtcID, fbID uint32, crtcW, crtcH, srcW, srcH uint32) error {
	return kms.SetPlane(d.File, planeID, crtcID, fbID,
		0, 0, crtcW, crtcH,
		0, 0, srcW<<16, srcH<<16)
}

func (d *KernelDevice) ObjectProperties(objID, objType uint32) (*kms.ObjectProperties, error) {
	return kms.GetObjectProperties(d.File, objID, objType)
}

func (d *KernelDevice) PropertyName(propID uint32) (string, error) {
	prop, err := kms.GetProperty(d.File, propID)
	if err != nil {
		return "", err
	}
	return prop.Name, nil
}
