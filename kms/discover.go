package kms

import (
	"fmt"
	"os"
)

type (
	// Display is everything needed to light up one output: the
	// connector/CRTC pair, the mode to program, and the primary plane
	// plus an optional overlay.
	Display struct {
		Connector uint32
		Crtc      uint32
		CrtcIndex int
		Mode      Info

		PrimaryPlane uint32
		OverlayPlane uint32 // 0 when the CRTC has no spare overlay

		SavedCrtc *Crtc
	}
)

// DiscoverDisplay walks the device in the spirit of the classic
// modeset.c example: first connected connector, its preferred mode, a
// CRTC that can drive it, and the planes that CRTC can composite.
// Plane classification needs the universal-planes client cap enabled
// beforehand.
func DiscoverDisplay(file *os.File) (*Display, error) {
	res, err := GetResources(file)
	if err != nil {
		return nil, fmt.Errorf("cannot retrieve resources: %w", err)
	}

	for _, connID := range res.Connectors {
		conn, err := GetConnector(file, connID)
		if err != nil {
			return nil, fmt.Errorf("cannot retrieve connector %d: %w", connID, err)
		}
		if conn.Connection != Connected || len(conn.Modes) == 0 {
			continue
		}

		disp := &Display{
			Connector: conn.ID,
			Mode:      conn.Modes[0],
		}
		if err := findCrtc(file, res, conn, disp); err != nil {
			return nil, fmt.Errorf("no usable crtc for connector %d: %w", conn.ID, err)
		}
		if err := findPlanes(file, disp); err != nil {
			return nil, err
		}

		// snapshot for restore on teardown; some drivers report no
		// current mode, which is fine
		if saved, err := GetCrtc(file, disp.Crtc); err == nil {
			disp.SavedCrtc = saved
		}
		return disp, nil
	}

	return nil, fmt.Errorf("no connected connector found")
}

func findCrtc(file *os.File, res *Resources, conn *Connector, disp *Display) error {
	// prefer the CRTC already driving this connector
	if conn.EncoderID != 0 {
		enc, err := GetEncoder(file, conn.EncoderID)
		if err == nil && enc.CrtcID != 0 {
			disp.Crtc = enc.CrtcID
			disp.CrtcIndex = crtcIndex(res, enc.CrtcID)
			return nil
		}
	}

	for _, encID := range conn.Encoders {
		enc, err := GetEncoder(file, encID)
		if err != nil {
			return fmt.Errorf("cannot retrieve encoder %d: %w", encID, err)
		}
		for i, crtcID := range res.Crtcs {
			if enc.PossibleCrtcs&(1<<uint(i)) == 0 {
				continue
			}
			disp.Crtc = crtcID
			disp.CrtcIndex = i
			return nil
		}
	}
	return fmt.Errorf("no crtc matches any encoder of connector %d", conn.ID)
}

func crtcIndex(res *Resources, crtcID uint32) int {
	for i, id := range res.Crtcs {
		if id == crtcID {
			return i
		}
	}
	return -1
}

// findPlanes picks the primary plane bound to the display's CRTC and
// the first compatible overlay. Plane type comes from the "type" enum
// property.
func findPlanes(file *os.File, disp *Display) error {
	planeIDs, err := GetPlaneResources(file)
	if err != nil {
		return fmt.Errorf("cannot list planes: %w", err)
	}

	crtcBit := uint32(1) << uint(disp.CrtcIndex)
	for _, id := range planeIDs {
		plane, err := GetPlane(file, id)
		if err != nil {
			return fmt.Errorf("cannot retrieve plane %d: %w", id, err)
		}
		if plane.PossibleCrtcs&crtcBit == 0 {
			continue
		}

		typ, err := planeType(file, id)
		if err != nil {
			return err
		}
		switch typ {
		case PlaneTypePrimary:
			if disp.PrimaryPlane == 0 {
				disp.PrimaryPlane = id
			}
		case PlaneTypeOverlay:
			if disp.OverlayPlane == 0 {
				disp.OverlayPlane = id
			}
		}
	}

	if disp.PrimaryPlane == 0 {
		return fmt.Errorf("no primary plane for crtc %d", disp.Crtc)
	}
	return nil
}

func planeType(file *os.File, planeID uint32) (uint64, error) {
	oprops, err := GetObjectProperties(file, planeID, ObjectPlane)
	if err != nil {
		return 0, fmt.Errorf("cannot read plane %d properties: %w", planeID, err)
	}
	for i, propID := range oprops.Props {
		prop, err := GetProperty(file, propID)
		if err != nil {
			return 0, err
		}
		if prop.Name == "type" {
			return oprops.Values[i], nil
		}
	}
	return 0, fmt.Errorf("plane %d has no type property", planeID)
}

// RestoreCrtc puts back the CRTC configuration captured at discovery
// time. A nil snapshot is a no-op.
func (d *Display) RestoreCrtc(file *os.File) error {
	if d.SavedCrtc == nil {
		return nil
	}
	conn := d.Connector
	return SetCrtc(file, d.SavedCrtc.ID, d.SavedCrtc.BufferID,
		d.SavedCrtc.X, d.SavedCrtc.Y, &conn, 1, &d.SavedCrtc.Mode)
}
