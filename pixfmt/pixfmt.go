// Package pixfmt is the pixel-format catalog: FourCC codes as the
// kernel expects them in a framebuffer registration, per-plane bit
// depths, and the derived size/stride/offset layout for a contiguous
// allocation.
package pixfmt

// FourCC builds a DRM format code from its four ascii bytes.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Format is an immutable pixel-format descriptor. bits holds the
// effective bits per full-resolution pixel of each plane, so plane
// sizes are always width*height*bits/8. vsub is the vertical
// subsampling of each plane, needed to turn a plane size back into a
// row pitch.
type Format struct {
	Name   string
	FourCC uint32

	bits []uint32
	vsub []uint32
}

// The catalog. Packed RGB first, then the multi-planar YUV layouts
// hardware decoders hand out.
var (
	ARGB8888 = Format{"ARGB8888", FourCC('A', 'R', '2', '4'), []uint32{32}, []uint32{1}}
	XRGB8888 = Format{"XRGB8888", FourCC('X', 'R', '2', '4'), []uint32{32}, []uint32{1}}
	RGB565   = Format{"RGB565", FourCC('R', 'G', '1', '6'), []uint32{16}, []uint32{1}}

	// packed 4:2:2
	YUYV = Format{"YUYV", FourCC('Y', 'U', 'Y', 'V'), []uint32{16}, []uint32{1}}
	UYVY = Format{"UYVY", FourCC('U', 'Y', 'V', 'Y'), []uint32{16}, []uint32{1}}

	// 2-plane 4:2:0: full-res Y, half-res interleaved chroma
	NV12 = Format{"NV12", FourCC('N', 'V', '1', '2'), []uint32{8, 4}, []uint32{1, 2}}
	NV21 = Format{"NV21", FourCC('N', 'V', '2', '1'), []uint32{8, 4}, []uint32{1, 2}}

	// 3-plane 4:2:0
	YUV420 = Format{"YUV420", FourCC('Y', 'U', '1', '2'), []uint32{8, 2, 2}, []uint32{1, 2, 2}}
	YVU420 = Format{"YVU420", FourCC('Y', 'V', '1', '2'), []uint32{8, 2, 2}, []uint32{1, 2, 2}}
)

var catalog = []Format{
	ARGB8888, XRGB8888, RGB565,
	YUYV, UYVY,
	NV12, NV21,
	YUV420, YVU420,
}

// FromFourCC resolves a kernel format code against the catalog.
func FromFourCC(code uint32) (Format, bool) {
	for _, f := range catalog {
		if f.FourCC == code {
			return f, true
		}
	}
	return Format{}, false
}

func (f Format) PlaneCount() int {
	return len(f.bits)
}

// Layout describes how a WxH image in this format occupies one
// contiguous allocation.
type Layout struct {
	// FullSize is the byte size of the whole allocation.
	FullSize uint64
	// PlaneOffsets are the byte offsets of each plane, a running
	// prefix sum of the plane sizes.
	PlaneOffsets []uint64
	// Stride is the row pitch of plane 0 in bytes.
	Stride uint32
}

// Layout computes sizes and offsets for a WxH image. Width and height
// should be even for subsampled formats; odd sizes round the chroma
// planes down, matching what the hardware would scan out anyway.
func (f Format) Layout(width, height uint32) Layout {
	offsets := make([]uint64, len(f.bits))
	var total uint64
	for i, bits := range f.bits {
		offsets[i] = total
		total += uint64(width) * uint64(height) * uint64(bits) / 8
	}
	return Layout{
		FullSize:     total,
		PlaneOffsets: offsets,
		Stride:       width * f.bits[0] / 8,
	}
}

// PlanePitches gives the per-plane row pitch in bytes, as a
// framebuffer registration wants it. A plane's pitch is its size
// divided by its row count, which collapses to width*bits*vsub/8.
func (f Format) PlanePitches(width uint32) []uint32 {
	pitches := make([]uint32, len(f.bits))
	for i := range f.bits {
		pitches[i] = width * f.bits[i] * f.vsub[i] / 8
	}
	return pitches
}
