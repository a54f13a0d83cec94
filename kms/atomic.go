package kms

import (
	"os"
	"sort"
	"unsafe"

	"github.com/buldo/kmsvideo/ioctl"
)

// Flags for AtomicRequest.Commit (DRM_MODE_PAGE_FLIP_* and
// DRM_MODE_ATOMIC_*). PageFlipEvent makes the kernel queue a
// completion event readable on the device descriptor; AtomicNonblock
// returns before the flip lands, which is what keeps the engine's
// submit path O(1).
const (
	PageFlipEvent = 0x01
	PageFlipAsync = 0x02

	AtomicTestOnly     = 0x0100
	AtomicNonblock     = 0x0200
	AtomicAllowModeset = 0x0400
)

type sysAtomic struct {
	flags         uint32
	countObjs     uint32
	objsPtr       uint64
	countPropsPtr uint64
	propsPtr      uint64
	propValuesPtr uint64
	reserved      uint64
	userData      uint64
}

type atomicProp struct {
	objID  uint32
	propID uint32
	value  uint64
}

// AtomicRequest accumulates (object, property, value) triples for one
// atomic commit. Add never fails; kernel rejection surfaces from
// Commit. A request is single-use: commit it and drop it.
type AtomicRequest struct {
	props []atomicProp
}

func NewAtomicRequest() *AtomicRequest {
	return &AtomicRequest{}
}

// Add records a property write. A later Add for the same (object,
// property) pair overrides the earlier one.
func (r *AtomicRequest) Add(objID, propID uint32, value uint64) {
	r.props = append(r.props, atomicProp{objID: objID, propID: propID, value: value})
}

// Len returns the number of recorded writes after override collapse.
func (r *AtomicRequest) Len() int {
	_, props, _, _ := r.encode()
	return len(props)
}

// encode flattens the triples into the four parallel arrays the atomic
// ioctl wants: object ids, per-object property counts, property ids,
// values. The kernel requires entries grouped per object; like libdrm
// we sort by (object, property) and keep the last write for duplicate
// pairs.
func (r *AtomicRequest) encode() (objs []uint32, props []uint32, values []uint64, countProps []uint32) {
	if len(r.props) == 0 {
		return nil, nil, nil, nil
	}

	sorted := make([]atomicProp, len(r.props))
	copy(sorted, r.props)
	// stable keeps insertion order within a pair so the last Add wins
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].objID != sorted[j].objID {
			return sorted[i].objID < sorted[j].objID
		}
		return sorted[i].propID < sorted[j].propID
	})

	deduped := sorted[:0]
	for _, p := range sorted {
		if n := len(deduped); n > 0 &&
			deduped[n-1].objID == p.objID && deduped[n-1].propID == p.propID {
			deduped[n-1] = p
			continue
		}
		deduped = append(deduped, p)
	}

	for _, p := range deduped {
		if n := len(objs); n == 0 || objs[n-1] != p.objID {
			objs = append(objs, p.objID)
			countProps = append(countProps, 0)
		}
		countProps[len(countProps)-1]++
		props = append(props, p.propID)
		values = append(values, p.value)
	}
	return objs, props, values, countProps
}

// Value reports the effective value recorded for one (object,
// property) pair, after override collapse.
func (r *AtomicRequest) Value(objID, propID uint32) (uint64, bool) {
	var (
		value uint64
		found bool
	)
	for _, p := range r.props {
		if p.objID == objID && p.propID == propID {
			value = p.value
			found = true
		}
	}
	return value, found
}

// Commit issues the atomic ioctl. userData is echoed back verbatim in
// the completion event when flags carries PageFlipEvent, which is how
// completions find their way back to the engine that committed.
func (r *AtomicRequest) Commit(file *os.File, flags uint32, userData uint64) error {
	objs, props, values, countProps := r.encode()
	if len(objs) == 0 {
		return nil
	}

	atomic := &sysAtomic{
		flags:         flags,
		countObjs:     uint32(len(objs)),
		objsPtr:       uint64(uintptr(unsafe.Pointer(&objs[0]))),
		countPropsPtr: uint64(uintptr(unsafe.Pointer(&countProps[0]))),
		propsPtr:      uint64(uintptr(unsafe.Pointer(&props[0]))),
		propValuesPtr: uint64(uintptr(unsafe.Pointer(&values[0]))),
		userData:      userData,
	}
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeAtomic),
		uintptr(unsafe.Pointer(atomic)))
}

// DRM_IOWR(0xBC, struct drm_mode_atomic)
var IOCTLModeAtomic = ioctl.NewCode(ioctl.Read|ioctl.Write,
	uint16(unsafe.Sizeof(sysAtomic{})), IOCTLBase, 0xBC)
