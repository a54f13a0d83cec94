package pixfmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFourCC(t *testing.T) {
	assert.Equal(t, uint32(0x3231564e), FourCC('N', 'V', '1', '2'))
	assert.Equal(t, uint32(0x34325241), FourCC('A', 'R', '2', '4'))
}

func TestLayoutMatchesPerPlaneFormula(t *testing.T) {
	cases := []struct {
		format Format
		bits   []uint64 // per-plane bits per full-res pixel
	}{
		{ARGB8888, []uint64{32}},
		{XRGB8888, []uint64{32}},
		{RGB565, []uint64{16}},
		{YUYV, []uint64{16}},
		{NV12, []uint64{8, 4}},
		{NV21, []uint64{8, 4}},
		{YUV420, []uint64{8, 2, 2}},
		{YVU420, []uint64{8, 2, 2}},
	}

	const w, h = 1920, 1080
	for _, tc := range cases {
		t.Run(tc.format.Name, func(t *testing.T) {
			layout := tc.format.Layout(w, h)

			var want uint64
			for _, bits := range tc.bits {
				want += w * h * bits / 8
			}
			assert.Equal(t, want, layout.FullSize)
			assert.Equal(t, uint32(w*tc.bits[0]/8), layout.Stride)

			require.Len(t, layout.PlaneOffsets, len(tc.bits))
			var running uint64
			for i, bits := range tc.bits {
				assert.Equal(t, running, layout.PlaneOffsets[i], "plane %d offset", i)
				running += w * h * bits / 8
			}
		})
	}
}

func TestLayoutOffsetsStrictlyIncreasing(t *testing.T) {
	layout := YUV420.Layout(640, 480)
	require.Len(t, layout.PlaneOffsets, 3)
	for i := 1; i < len(layout.PlaneOffsets); i++ {
		assert.Greater(t, layout.PlaneOffsets[i], layout.PlaneOffsets[i-1])
	}
}

func TestPlanePitches(t *testing.T) {
	// NV12 chroma is interleaved at half vertical resolution, so both
	// planes share the luma pitch
	assert.Equal(t, []uint32{1920, 1920}, NV12.PlanePitches(1920))
	// planar 4:2:0 chroma rows are half width
	assert.Equal(t, []uint32{1920, 960, 960}, YUV420.PlanePitches(1920))
	assert.Equal(t, []uint32{1920 * 4}, ARGB8888.PlanePitches(1920))
}

func TestFromFourCC(t *testing.T) {
	f, ok := FromFourCC(FourCC('Y', 'U', '1', '2'))
	require.True(t, ok)
	assert.Equal(t, "YUV420", f.Name)
	assert.Equal(t, 3, f.PlaneCount())

	_, ok = FromFourCC(0)
	assert.False(t, ok)
}
