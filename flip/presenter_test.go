package flip

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buldo/kmsvideo/kms"
)

type presenterFixture struct {
	presenter *Presenter
	dev       *fakeCommitDevice
	fbs       *fakeFBSource

	setCrtcCalls []uint32 // fb ids
	restored     int
}

func newPresenterFixture(t *testing.T, withOverlay bool) *presenterFixture {
	t.Helper()

	dev := &fakeCommitDevice{planeID: 40, fbProp: 11}
	fbs := newFakeFBSource()
	listener := pipeListener(t)

	primary, err := NewEngine(dev, fbs, validProps(), 7, 1920, 1080, Options{
		Mode:     PresentAtomicEvent,
		Listener: listener,
	})
	require.NoError(t, err)

	f := &presenterFixture{dev: dev, fbs: fbs}
	p := &Presenter{
		display: &kms.Display{Crtc: 7, Connector: 30},
		fbs:     fbs,
		log:     ensureLogger(nil),
		primary: primary,
	}
	p.setCrtc = func(crtcID, fbID uint32, conn *uint32, mode *kms.Info) error {
		f.setCrtcCalls = append(f.setCrtcCalls, fbID)
		return nil
	}
	p.restoreCrtc = func() error {
		f.restored++
		return nil
	}

	if withOverlay {
		overlayProps := validProps()
		overlayProps.PlaneID = 41
		p.overlay, err = NewEngine(dev, fbs, overlayProps, 7, 1920, 1080, Options{
			Mode:     PresentAtomicEvent,
			Listener: listener,
		})
		require.NoError(t, err)
	}

	f.presenter = p
	return f
}

func TestFirstPrimaryFrameSetsModeLegacy(t *testing.T) {
	f := newPresenterFixture(t, false)
	a := frame()

	require.NoError(t, f.presenter.SubmitPrimary(a))

	// the very first frame goes out through the legacy mode set, not
	// an atomic commit
	assert.Equal(t, []uint32{900}, f.setCrtcCalls)
	assert.Equal(t, 0, f.dev.commitCount())
	assert.Equal(t, StateDisplayed, f.presenter.primary.State())

	require.NoError(t, f.presenter.SubmitPrimary(frame()))
	assert.Len(t, f.setCrtcCalls, 1)
	assert.Equal(t, 1, f.dev.commitCount())
}

func TestFailedModeSetRecyclesFrame(t *testing.T) {
	f := newPresenterFixture(t, false)
	f.presenter.setCrtc = func(uint32, uint32, *uint32, *kms.Info) error {
		return errors.New("EINVAL")
	}

	a := frame()
	require.Error(t, f.presenter.SubmitPrimary(a))

	recycled := f.presenter.RecycledPrimary()
	require.Len(t, recycled, 1)
	assert.Same(t, a, recycled[0])

	// next attempt still tries the mode set
	f.presenter.setCrtc = func(_, fbID uint32, _ *uint32, _ *kms.Info) error {
		f.setCrtcCalls = append(f.setCrtcCalls, fbID)
		return nil
	}
	require.NoError(t, f.presenter.SubmitPrimary(frame()))
	assert.Len(t, f.setCrtcCalls, 1)
}

func TestSubmitOverlayWithoutOverlayPlane(t *testing.T) {
	f := newPresenterFixture(t, false)
	assert.ErrorIs(t, f.presenter.SubmitOverlay(frame()), ErrNoOverlayPlane)
	assert.Nil(t, f.presenter.RecycledOverlay())
}

func TestOverlaySubmissionsFlowToOverlayEngine(t *testing.T) {
	f := newPresenterFixture(t, true)

	require.NoError(t, f.presenter.SubmitOverlay(frame()))
	assert.Equal(t, 1, f.dev.commitCount())
	assert.Equal(t, StateCommitInFlight, f.presenter.overlay.State())
	assert.Equal(t, StateIdle, f.presenter.primary.State())
}

func TestPresenterCleanupWithWedgedListener(t *testing.T) {
	f := newPresenterFixture(t, false)
	listener, release := wedgedListener(t)
	f.presenter.listener = listener

	assert.ErrorIs(t, f.presenter.Cleanup(), ErrListenerWedged)
	assert.Zero(t, f.restored)
	assert.False(t, f.presenter.primary.cleaned)

	close(release)
	require.Eventually(t, func() bool {
		return f.presenter.Cleanup() == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.restored)
	assert.True(t, f.presenter.primary.cleaned)
}

func TestCleanupOrderAndIdempotence(t *testing.T) {
	f := newPresenterFixture(t, true)

	require.NoError(t, f.presenter.SubmitPrimary(frame()))
	require.NoError(t, f.presenter.SubmitOverlay(frame()))

	// the restore seam observes teardown order: both engines must be
	// done before the CRTC goes back to its saved state
	f.presenter.restoreCrtc = func() error {
		assert.True(t, f.presenter.overlay.cleaned)
		assert.True(t, f.presenter.primary.cleaned)
		f.restored++
		return nil
	}

	require.NoError(t, f.presenter.Cleanup())
	assert.Equal(t, 1, f.restored)

	require.NoError(t, f.presenter.Cleanup())
	assert.Equal(t, 1, f.restored)

	assert.ErrorIs(t, f.presenter.SubmitPrimary(frame()), ErrEngineClosed)
	assert.ErrorIs(t, f.presenter.SubmitOverlay(frame()), ErrEngineClosed)
}
