package flip

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buldo/kmsvideo/kms"
)

// fakePropertySource serves a plane's property table from a map.
type fakePropertySource struct {
	planeID uint32
	props   map[string]uint32
	values  map[uint32]uint64
}

func (s *fakePropertySource) ObjectProperties(objID, objType uint32) (*kms.ObjectProperties, error) {
	if objID != s.planeID || objType != kms.ObjectPlane {
		return nil, errors.New("no such object")
	}
	out := &kms.ObjectProperties{ObjectID: objID}
	for _, id := range s.props {
		out.Props = append(out.Props, id)
		out.Values = append(out.Values, s.values[id])
	}
	return out, nil
}

func (s *fakePropertySource) PropertyName(propID uint32) (string, error) {
	for name, id := range s.props {
		if id == propID {
			return name, nil
		}
	}
	return "", errors.New("unknown property")
}

func fullPropertyTable() map[string]uint32 {
	return map[string]uint32{
		"FB_ID": 11, "CRTC_ID": 12,
		"CRTC_X": 13, "CRTC_Y": 14, "CRTC_W": 15, "CRTC_H": 16,
		"SRC_X": 17, "SRC_Y": 18, "SRC_W": 19, "SRC_H": 20,
		"zpos": 21, "alpha": 22, "pixel blend mode": 23,
		"IN_FENCE_FD": 24, // unrelated properties must be ignored
	}
}

func TestResolvePlaneProperties(t *testing.T) {
	src := &fakePropertySource{planeID: 40, props: fullPropertyTable()}

	props, err := ResolvePlaneProperties(src, 40)
	require.NoError(t, err)

	assert.True(t, props.IsValid())
	assert.Equal(t, uint32(11), props.FBID)
	assert.Equal(t, uint32(12), props.CrtcID)
	assert.Equal(t, uint32(19), props.SrcW)
	assert.Equal(t, uint32(21), props.ZPos)
	assert.Equal(t, uint32(22), props.Alpha)
	assert.Equal(t, uint32(23), props.BlendMode)
}

func TestResolveMissingMandatoryProperty(t *testing.T) {
	table := fullPropertyTable()
	delete(table, "SRC_W")
	src := &fakePropertySource{planeID: 40, props: table}

	props, err := ResolvePlaneProperties(src, 40)
	require.NoError(t, err)
	assert.False(t, props.IsValid())
}

func TestResolveOptionalPropertiesAbsent(t *testing.T) {
	table := fullPropertyTable()
	delete(table, "zpos")
	delete(table, "alpha")
	delete(table, "pixel blend mode")
	src := &fakePropertySource{planeID: 40, props: table}

	props, err := ResolvePlaneProperties(src, 40)
	require.NoError(t, err)
	assert.True(t, props.IsValid())
	assert.Zero(t, props.ZPos)
	assert.Zero(t, props.Alpha)
	assert.Zero(t, props.BlendMode)
}

func TestEngineRefusesNonAtomicPlane(t *testing.T) {
	table := fullPropertyTable()
	delete(table, "SRC_W")
	src := &fakePropertySource{planeID: 40, props: table}
	props, err := ResolvePlaneProperties(src, 40)
	require.NoError(t, err)

	_, err = NewEngine(&fakeCommitDevice{}, newFakeFBSource(), props, 1, 1920, 1080, Options{
		Mode:     PresentAtomicEvent,
		Listener: pipeListener(t),
	})
	assert.ErrorIs(t, err, ErrPlaneNotAtomic)

	_, err = NewEngine(&fakeCommitDevice{}, newFakeFBSource(), props, 1, 1920, 1080, Options{
		Mode: PresentAtomicSync,
	})
	assert.ErrorIs(t, err, ErrPlaneNotAtomic)

	// the legacy path does not need atomic properties
	_, err = NewEngine(&fakeCommitDevice{}, newFakeFBSource(), props, 1, 1920, 1080, Options{
		Mode: PresentLegacy,
	})
	assert.NoError(t, err)
}

func TestAddFrameGeometry(t *testing.T) {
	props := &PlaneProperties{
		PlaneID: 40,
		FBID:    11, CrtcID: 12,
		CrtcX: 13, CrtcY: 14, CrtcW: 15, CrtcH: 16,
		SrcX: 17, SrcY: 18, SrcW: 19, SrcH: 20,
	}

	req := kms.NewAtomicRequest()
	props.AddFrame(req, 7, 900, 1280, 720, 1920, 1080)

	expect := map[uint32]uint64{
		11: 900, 12: 7,
		13: 0, 14: 0, 15: 1920, 16: 1080,
		17: 0, 18: 0,
		19: 1280 << 16, // 16.16 fixed point
		20: 720 << 16,
	}
	for propID, want := range expect {
		got, ok := req.Value(40, propID)
		require.True(t, ok, "property %d missing", propID)
		assert.Equal(t, want, got, "property %d", propID)
	}
}
