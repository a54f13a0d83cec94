package flip

import (
	"fmt"

	"github.com/buldo/kmsvideo/kms"
)

// PlaneProperties maps the semantic atomic properties of one plane to
// the numeric ids the kernel assigned them. Resolved once at engine
// construction, read-only afterwards.
type PlaneProperties struct {
	PlaneID uint32

	// mandatory for atomic presentation
	FBID   uint32
	CrtcID uint32
	CrtcX  uint32
	CrtcY  uint32
	CrtcW  uint32
	CrtcH  uint32
	SrcX   uint32
	SrcY   uint32
	SrcW   uint32
	SrcH   uint32

	// optional compositing controls, 0 when the plane lacks them
	ZPos      uint32
	Alpha     uint32
	BlendMode uint32
}

// ResolvePlaneProperties queries the plane's kernel property list once
// and matches ids by name. It never mutates kernel state.
func ResolvePlaneProperties(src PropertySource, planeID uint32) (*PlaneProperties, error) {
	oprops, err := src.ObjectProperties(planeID, kms.ObjectPlane)
	if err != nil {
		return nil, fmt.Errorf("query plane %d properties: %w", planeID, err)
	}

	props := &PlaneProperties{PlaneID: planeID}
	for _, propID := range oprops.Props {
		name, err := src.PropertyName(propID)
		if err != nil {
			return nil, fmt.Errorf("resolve property %d of plane %d: %w", propID, planeID, err)
		}
		switch name {
		case "FB_ID":
			props.FBID = propID
		case "CRTC_ID":
			props.CrtcID = propID
		case "CRTC_X":
			props.CrtcX = propID
		case "CRTC_Y":
			props.CrtcY = propID
		case "CRTC_W":
			props.CrtcW = propID
		case "CRTC_H":
			props.CrtcH = propID
		case "SRC_X":
			props.SrcX = propID
		case "SRC_Y":
			props.SrcY = propID
		case "SRC_W":
			props.SrcW = propID
		case "SRC_H":
			props.SrcH = propID
		case "zpos":
			props.ZPos = propID
		case "alpha":
			props.Alpha = propID
		case "pixel blend mode":
			props.BlendMode = propID
		}
	}
	return props, nil
}

// IsValid reports whether every mandatory property id resolved.
// Planes that fail this cannot be driven atomically.
func (p *PlaneProperties) IsValid() bool {
	return p.FBID != 0 && p.CrtcID != 0 &&
		p.CrtcX != 0 && p.CrtcY != 0 && p.CrtcW != 0 && p.CrtcH != 0 &&
		p.SrcX != 0 && p.SrcY != 0 && p.SrcW != 0 && p.SrcH != 0
}

// AddFrame fills an atomic request with the full-frame geometry:
// destination rectangle covering the plane extent, source rectangle
// covering the buffer in 16.16 fixed point.
func (p *PlaneProperties) AddFrame(req *kms.AtomicRequest, crtcID, fbID uint32,
	srcW, srcH, dstW, dstH uint32) {
	req.Add(p.PlaneID, p.FBID, uint64(fbID))
	req.Add(p.PlaneID, p.CrtcID, uint64(crtcID))
	req.Add(p.PlaneID, p.CrtcX, 0)
	req.Add(p.PlaneID, p.CrtcY, 0)
	req.Add(p.PlaneID, p.CrtcW, uint64(dstW))
	req.Add(p.PlaneID, p.CrtcH, uint64(dstH))
	req.Add(p.PlaneID, p.SrcX, 0)
	req.Add(p.PlaneID, p.SrcY, 0)
	req.Add(p.PlaneID, p.SrcW, uint64(srcW)<<16)
	req.Add(p.PlaneID, p.SrcH, uint64(srcH)<<16)
}

// AddDisable fills an atomic request that detaches the plane.
func (p *PlaneProperties) AddDisable(req *kms.AtomicRequest) {
	req.Add(p.PlaneID, p.FBID, 0)
	req.Add(p.PlaneID, p.CrtcID, 0)
}
