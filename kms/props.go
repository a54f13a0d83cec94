package kms

import (
	"bytes"
	"os"
	"unsafe"

	"github.com/buldo/kmsvideo/ioctl"
)

// Object types accepted by the object-property ioctl
// (DRM_MODE_OBJECT_*).
const (
	ObjectAny       = 0
	ObjectCRTC      = 0xcccccccc
	ObjectConnector = 0xc0c0c0c0
	ObjectEncoder   = 0xafafafaf
	ObjectMode      = 0xdededede
	ObjectProperty  = 0xb0b0b0b0
	ObjectFB        = 0xfbfbfbfb
	ObjectBlob      = 0xbbbbbbbb
	ObjectPlane     = 0xeeeeeeee
)

type (
	sysObjGetProperties struct {
		propsPtr      uint64
		propValuesPtr uint64
		countProps    uint32
		objID         uint32
		objType       uint32
	}

	sysGetProperty struct {
		valuesPtr      uint64
		enumBlobPtr    uint64
		propID         uint32
		flags          uint32
		name           [PropNameLen]byte
		countValues    uint32
		countEnumBlobs uint32
	}

	// ObjectProperties is the raw (property id, value) set attached to
	// one KMS object.
	ObjectProperties struct {
		ObjectID uint32
		Props    []uint32
		Values   []uint64
	}

	Property struct {
		ID    uint32
		Flags uint32
		Name  string
	}
)

var (
	// DRM_IOWR(0xAA, struct drm_mode_get_property)
	IOCTLModeGetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetProperty{})), IOCTLBase, 0xAA)

	// DRM_IOWR(0xB9, struct drm_mode_obj_get_properties)
	IOCTLModeObjGetProperties = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysObjGetProperties{})), IOCTLBase, 0xB9)
)

// GetObjectProperties reads the property id/value pairs of one object.
// The usual two-phase dance: first call sizes the arrays, second fills
// them.
func GetObjectProperties(file *os.File, objID, objType uint32) (*ObjectProperties, error) {
	oprops := &sysObjGetProperties{
		objID:   objID,
		objType: objType,
	}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeObjGetProperties),
		uintptr(unsafe.Pointer(oprops)))
	if err != nil {
		return nil, err
	}

	ret := &ObjectProperties{ObjectID: objID}
	if oprops.countProps == 0 {
		return ret, nil
	}

	props := make([]uint32, oprops.countProps)
	values := make([]uint64, oprops.countProps)
	oprops.propsPtr = uint64(uintptr(unsafe.Pointer(&props[0])))
	oprops.propValuesPtr = uint64(uintptr(unsafe.Pointer(&values[0])))

	err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeObjGetProperties),
		uintptr(unsafe.Pointer(oprops)))
	if err != nil {
		return nil, err
	}

	ret.Props = props[:oprops.countProps]
	ret.Values = values[:oprops.countProps]
	return ret, nil
}

// GetProperty resolves a property id to its name and flags. Enum
// values and blobs are not fetched; the presentation layer only needs
// names to match ids.
func GetProperty(file *os.File, propID uint32) (*Property, error) {
	prop := &sysGetProperty{propID: propID}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetProperty),
		uintptr(unsafe.Pointer(prop)))
	if err != nil {
		return nil, err
	}

	name := prop.name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return &Property{
		ID:    prop.propID,
		Flags: prop.flags,
		Name:  string(name),
	}, nil
}
