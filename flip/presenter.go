package flip

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/buldo/kmsvideo/buffer"
	"github.com/buldo/kmsvideo/kms"
)

// PresenterOptions configures a Presenter.
type PresenterOptions struct {
	Mode PresentMode

	// Overlay compositing defaults, applied when the overlay plane
	// exposes the matching properties.
	OverlayZPos  *uint64
	OverlayAlpha *uint64

	Logger *logrus.Entry
}

// Presenter drives a primary and an optional overlay plane sharing
// one CRTC and display mode. It programs the mode once with the
// legacy call, then each plane's engine runs independently; its own
// added responsibility is teardown order, overlay before primary, so
// nothing references a CRTC mode already disabled.
type Presenter struct {
	file    *os.File
	display *kms.Display
	fbs     FramebufferSource
	log     *logrus.Entry

	listener *EventListener
	primary  *Engine
	overlay  *Engine

	modeSet bool
	cleaned bool

	// kernel entry points, swappable in tests
	setCrtc     func(crtcID, fbID uint32, conn *uint32, mode *kms.Info) error
	restoreCrtc func() error
}

// NewPresenter resolves plane properties, builds the engines, and in
// event mode starts the single listener both engines share. The
// display comes from kms.DiscoverDisplay; fbs is the buffer manager
// that realizes framebuffers.
func NewPresenter(file *os.File, display *kms.Display, fbs FramebufferSource,
	opts PresenterOptions) (*Presenter, error) {
	log := ensureLogger(opts.Logger)
	dev := &KernelDevice{File: file}

	p := &Presenter{
		file:    file,
		display: display,
		fbs:     fbs,
		log:     log,
	}
	p.setCrtc = func(crtcID, fbID uint32, conn *uint32, mode *kms.Info) error {
		return kms.SetCrtc(file, crtcID, fbID, 0, 0, conn, 1, mode)
	}
	p.restoreCrtc = func() error {
		return display.RestoreCrtc(file)
	}

	if opts.Mode == PresentAtomicEvent {
		p.listener = NewEventListener(file, log)
	}

	dstW := uint32(display.Mode.Hdisplay)
	dstH := uint32(display.Mode.Vdisplay)

	primaryProps, err := ResolvePlaneProperties(dev, display.PrimaryPlane)
	if err != nil {
		return nil, err
	}
	p.primary, err = NewEngine(dev, fbs, primaryProps, display.Crtc, dstW, dstH, Options{
		Mode:     opts.Mode,
		Listener: p.listener,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("primary plane engine: %w", err)
	}

	if display.OverlayPlane != 0 {
		overlayProps, err := ResolvePlaneProperties(dev, display.OverlayPlane)
		if err != nil {
			return nil, err
		}
		p.overlay, err = NewEngine(dev, fbs, overlayProps, display.Crtc, dstW, dstH, Options{
			Mode:     opts.Mode,
			Listener: p.listener,
			ZPos:     opts.OverlayZPos,
			Alpha:    opts.OverlayAlpha,
			Logger:   log,
		})
		if err != nil {
			return nil, fmt.Errorf("overlay plane engine: %w", err)
		}
	}

	if p.listener != nil {
		p.listener.Start()
	}
	return p, nil
}

// SubmitPrimary presents a frame on the primary plane. The first
// frame programs the display mode through the legacy mode-set call;
// atomic mode-setting is not reliable for the very first mode change
// on all hardware. Every later frame flows through the flip engine.
func (p *Presenter) SubmitPrimary(buf *buffer.Buffer) error {
	if p.cleaned {
		return ErrEngineClosed
	}
	if !p.modeSet {
		return p.setModeWith(buf)
	}
	return p.primary.Submit(buf)
}

func (p *Presenter) setModeWith(buf *buffer.Buffer) error {
	fbID := p.fbs.CreateFramebuffer(buf)
	if fbID == 0 {
		p.primary.recycle(buf)
		return ErrFramebufferRejected
	}

	conn := p.display.Connector
	mode := p.display.Mode
	if err := p.setCrtc(p.display.Crtc, fbID, &conn, &mode); err != nil {
		p.primary.recycle(buf)
		return fmt.Errorf("initial mode set on crtc %d: %w", p.display.Crtc, err)
	}
	if err := p.primary.AdoptDisplayed(buf); err != nil {
		return err
	}
	p.modeSet = true
	p.log.WithFields(logrus.Fields{
		"crtc":   p.display.Crtc,
		"width":  mode.Hdisplay,
		"height": mode.Vdisplay,
		"fb":     fbID,
	}).Info("display mode set")
	return nil
}

// SubmitOverlay presents a frame on the overlay plane.
func (p *Presenter) SubmitOverlay(buf *buffer.Buffer) error {
	if p.cleaned {
		return ErrEngineClosed
	}
	if p.overlay == nil {
		return ErrNoOverlayPlane
	}
	return p.overlay.Submit(buf)
}

// RecycledPrimary drains the primary plane's retired buffers.
func (p *Presenter) RecycledPrimary() []*buffer.Buffer {
	return p.primary.GetRecycledBuffers()
}

// RecycledOverlay drains the overlay plane's retired buffers.
func (p *Presenter) RecycledOverlay() []*buffer.Buffer {
	if p.overlay == nil {
		return nil
	}
	return p.overlay.GetRecycledBuffers()
}

// Cleanup stops the shared listener, tears the engines down overlay
// first, and restores the CRTC captured at discovery. Idempotent. A
// wedged listener aborts the teardown without marking it done: the
// kernel may still reference the planes, and proceeding would free
// state it can touch, so a retry keeps failing until the thread is
// confirmed gone.
func (p *Presenter) Cleanup() error {
	if p.cleaned {
		return nil
	}

	if p.listener != nil {
		if err := p.listener.Stop(); err != nil {
			return err
		}
	}
	p.cleaned = true

	if p.overlay != nil {
		if err := p.overlay.Cleanup(); err != nil {
			return err
		}
	}
	if err := p.primary.Cleanup(); err != nil {
		return err
	}

	if err := p.restoreCrtc(); err != nil {
		p.log.WithError(err).Warn("CRTC restore failed")
	}
	return nil
}
