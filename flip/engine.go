package flip

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/buldo/kmsvideo/buffer"
	"github.com/buldo/kmsvideo/kms"
)

// State of one plane's presentation lifecycle.
type State int

const (
	// StateIdle: nothing has ever been submitted.
	StateIdle State = iota
	// StateDisplayed: a buffer is on screen, no commit in flight.
	StateDisplayed
	// StateCommitInFlight: an atomic commit has been issued and its
	// completion event is pending.
	StateCommitInFlight
)

// PresentMode selects how frames reach the plane. Chosen once at
// construction from the device's capabilities; the state machine is
// the same, the sync modes just collapse commit and completion into
// one step.
type PresentMode int

const (
	// PresentAtomicEvent: non-blocking atomic commits with page-flip
	// completion events. The full pipelined path.
	PresentAtomicEvent PresentMode = iota
	// PresentAtomicSync: blocking atomic commits paced by VBlank, for
	// drivers that reject non-blocking plane updates.
	PresentAtomicSync
	// PresentLegacy: non-atomic SetPlane, for planes without usable
	// atomic properties.
	PresentLegacy
)

// FramebufferSource realizes a buffer as a kernel framebuffer,
// returning 0 when the kernel rejects it. *buffer.Manager is the
// production implementation.
type FramebufferSource interface {
	CreateFramebuffer(buf *buffer.Buffer) uint32
}

// Options configures an Engine.
type Options struct {
	Mode PresentMode

	// Listener delivers completion events in PresentAtomicEvent mode.
	// Engines sharing a device descriptor must share one listener.
	Listener *EventListener

	// OwnListener makes Cleanup stop the listener thread. Set it for
	// a standalone engine; a presenter sharing one listener between
	// engines stops it itself.
	OwnListener bool

	// Optional plane compositing controls, applied on every commit
	// when the plane exposes the matching property.
	ZPos      *uint64
	Alpha     *uint64
	BlendMode *uint64

	Logger *logrus.Entry
}

// Engine owns one plane's presentation lifecycle. All public entry
// points run on the producer thread; handleFlipComplete runs on the
// listener thread. Both serialize on mu, which guards the state and
// buffer references and is never held across a blocking kernel call
// (event-mode commits carry the non-blocking flag).
type Engine struct {
	dev   CommitDevice
	fbs   FramebufferSource
	props *PlaneProperties
	log   *logrus.Entry

	crtcID     uint32
	dstW, dstH uint32
	mode       PresentMode

	listener     *EventListener
	ownsListener bool
	token        uint64

	zpos, alpha, blendMode *uint64

	mu        sync.Mutex
	state     State
	displayed *buffer.Buffer
	inFlight  *buffer.Buffer
	queued    *buffer.Buffer
	recycled  []*buffer.Buffer
	cleaned   bool
}

// NewEngine builds the engine for one plane. crtcID and the dstW/dstH
// plane extent come from the display mode. In PresentAtomicEvent mode
// the plane must expose all mandatory atomic properties and a
// listener is required; planes that fail validation must be driven
// through a fallback mode instead.
func NewEngine(dev CommitDevice, fbs FramebufferSource, props *PlaneProperties,
	crtcID, dstW, dstH uint32, opts Options) (*Engine, error) {
	log := ensureLogger(opts.Logger).WithField("plane", props.PlaneID)

	switch opts.Mode {
	case PresentAtomicEvent, PresentAtomicSync:
		if !props.IsValid() {
			return nil, fmt.Errorf("plane %d: %w", props.PlaneID, ErrPlaneNotAtomic)
		}
	}
	if opts.Mode == PresentAtomicEvent && opts.Listener == nil {
		return nil, fmt.Errorf("plane %d: event mode needs an event listener", props.PlaneID)
	}

	e := &Engine{
		dev:          dev,
		fbs:          fbs,
		props:        props,
		log:          log,
		crtcID:       crtcID,
		dstW:         dstW,
		dstH:         dstH,
		mode:         opts.Mode,
		listener:     opts.Listener,
		ownsListener: opts.OwnListener,
		zpos:         opts.ZPos,
		alpha:        opts.Alpha,
		blendMode:    opts.BlendMode,
	}
	if e.listener != nil {
		e.token = e.listener.Register(e.handleFlipComplete)
	}
	return e, nil
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Submit hands a filled buffer to the engine for display. Ownership
// transfers with the call: the producer must not touch the buffer
// again until it comes back through GetRecycledBuffers. Submissions
// while a commit is in flight never block and never reach the kernel;
// the newest buffer simply replaces any queued predecessor, which is
// recycled immediately (latest-frame-wins).
func (e *Engine) Submit(buf *buffer.Buffer) error {
	if e.mode != PresentAtomicEvent {
		return e.submitSync(buf)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cleaned {
		e.recycled = append(e.recycled, buf)
		return ErrEngineClosed
	}

	if e.state == StateCommitInFlight {
		if e.queued != nil {
			e.recycled = append(e.recycled, e.queued)
			e.log.Debug("dropping stale queued frame")
		}
		e.queued = buf
		return nil
	}

	return e.commitLocked(buf)
}

// commitLocked issues a non-blocking atomic commit for buf and, only
// if the commit call succeeds, marks it in flight. On any failure the
// buffer goes straight to the recycle list and the state is left
// untouched; a live pipeline must survive a single bad commit.
func (e *Engine) commitLocked(buf *buffer.Buffer) error {
	fbID := e.fbs.CreateFramebuffer(buf)
	if fbID == 0 {
		e.recycled = append(e.recycled, buf)
		return ErrFramebufferRejected
	}

	req := e.buildFrameRequest(fbID, buf.Width, buf.Height)
	err := e.dev.AtomicCommit(req, kms.PageFlipEvent|kms.AtomicNonblock, e.token)
	if err != nil {
		e.recycled = append(e.recycled, buf)
		e.log.WithError(err).WithField("fb", fbID).Warn("atomic commit rejected, frame dropped")
		return fmt.Errorf("atomic commit on plane %d: %w", e.props.PlaneID, err)
	}

	e.inFlight = buf
	e.state = StateCommitInFlight
	return nil
}

// submitSync is the degraded path for PresentAtomicSync and
// PresentLegacy: the kernel call completes the flip before returning,
// so there is no in-flight window and no listener. The call happens
// outside the lock because it blocks until VBlank.
func (e *Engine) submitSync(buf *buffer.Buffer) error {
	e.mu.Lock()
	if e.cleaned {
		e.recycled = append(e.recycled, buf)
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.mu.Unlock()

	fbID := e.fbs.CreateFramebuffer(buf)
	if fbID == 0 {
		e.mu.Lock()
		e.recycled = append(e.recycled, buf)
		e.mu.Unlock()
		return ErrFramebufferRejected
	}

	var err error
	if e.mode == PresentAtomicSync {
		req := e.buildFrameRequest(fbID, buf.Width, buf.Height)
		err = e.dev.AtomicCommit(req, 0, 0)
	} else {
		err = e.dev.SetPlane(e.props.PlaneID, e.crtcID, fbID,
			e.dstW, e.dstH, buf.Width, buf.Height)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cleaned {
		// a teardown ran while the kernel call was blocking; the
		// plane is already disabled, so the frame only gets recycled
		e.recycled = append(e.recycled, buf)
		return ErrEngineClosed
	}
	if err != nil {
		e.recycled = append(e.recycled, buf)
		e.log.WithError(err).WithField("fb", fbID).Warn("plane update rejected, frame dropped")
		return fmt.Errorf("plane update on plane %d: %w", e.props.PlaneID, err)
	}
	if e.displayed != nil {
		e.recycled = append(e.recycled, e.displayed)
	}
	e.displayed = buf
	e.state = StateDisplayed
	return nil
}

func (e *Engine) buildFrameRequest(fbID, srcW, srcH uint32) *kms.AtomicRequest {
	req := kms.NewAtomicRequest()
	e.props.AddFrame(req, e.crtcID, fbID, srcW, srcH, e.dstW, e.dstH)
	if e.zpos != nil && e.props.ZPos != 0 {
		req.Add(e.props.PlaneID, e.props.ZPos, *e.zpos)
	}
	if e.alpha != nil && e.props.Alpha != 0 {
		req.Add(e.props.PlaneID, e.props.Alpha, *e.alpha)
	}
	if e.blendMode != nil && e.props.BlendMode != 0 {
		req.Add(e.props.PlaneID, e.props.BlendMode, *e.blendMode)
	}
	return req
}

// Probe asks the kernel to validate a full frame commit for buf on
// this plane without applying it. Useful before committing to a pixel
// format or geometry: a clean probe means later commits of identical
// shape will not be rejected for configuration reasons. Not available
// in legacy mode, which has no test-only equivalent.
func (e *Engine) Probe(buf *buffer.Buffer) error {
	if e.mode == PresentLegacy {
		return ErrPlaneNotAtomic
	}
	fbID := e.fbs.CreateFramebuffer(buf)
	if fbID == 0 {
		return ErrFramebufferRejected
	}
	req := e.buildFrameRequest(fbID, buf.Width, buf.Height)
	if err := e.dev.AtomicCommit(req, kms.AtomicTestOnly, 0); err != nil {
		return fmt.Errorf("test-only commit on plane %d: %w", e.props.PlaneID, err)
	}
	return nil
}

// handleFlipComplete runs on the listener thread when the kernel
// reports that the in-flight commit landed at VBlank. The previously
// displayed buffer retires to the recycle list, the committed buffer
// becomes the displayed one, and any queued frame is committed
// immediately so no VBlank interval is wasted.
func (e *Engine) handleFlipComplete(ev kms.FlipCompleteEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cleaned || e.state != StateCommitInFlight {
		e.log.WithField("sequence", ev.Sequence).Debug("ignoring stray flip completion")
		return
	}

	if e.displayed != nil {
		e.recycled = append(e.recycled, e.displayed)
	}
	e.displayed = e.inFlight
	e.inFlight = nil
	e.state = StateDisplayed

	if e.queued != nil {
		next := e.queued
		e.queued = nil
		// failure already recycled the buffer; nothing else to do
		_ = e.commitLocked(next)
	}
}

// AdoptDisplayed records a buffer that was put on screen outside the
// engine, such as the legacy mode-setting call that lights up the
// primary plane. Only valid before anything has been submitted.
func (e *Engine) AdoptDisplayed(buf *buffer.Buffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cleaned {
		return ErrEngineClosed
	}
	if e.state != StateIdle || e.displayed != nil {
		return fmt.Errorf("plane %d already presenting", e.props.PlaneID)
	}
	e.displayed = buf
	e.state = StateDisplayed
	return nil
}

// recycle returns a buffer to the recycle list without presenting it.
func (e *Engine) recycle(buf *buffer.Buffer) {
	e.mu.Lock()
	e.recycled = append(e.recycled, buf)
	e.mu.Unlock()
}

// GetRecycledBuffers drains the recycle list, transferring ownership
// of the returned buffers back to the caller.
func (e *Engine) GetRecycledBuffers() []*buffer.Buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.recycled
	e.recycled = nil
	return out
}

// Cleanup is terminal and idempotent. It detaches the engine from the
// event stream (stopping the listener thread outright when the engine
// owns it), disables the plane, and moves every held buffer to the
// recycle list so the owner can release them. A wedged listener is
// escalated: the kernel may still reference the plane, so buffers and
// plane state are deliberately left alone and the engine is not marked
// cleaned; a retry keeps failing until the thread is confirmed gone.
func (e *Engine) Cleanup() error {
	e.mu.Lock()
	if e.cleaned {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if e.listener != nil {
		e.listener.Unregister(e.token)
		if e.ownsListener {
			if err := e.listener.Stop(); err != nil {
				// the kernel may still dispatch into this plane;
				// freeing anything now would hand it dangling state
				return err
			}
		}
	}

	e.mu.Lock()
	if e.cleaned {
		e.mu.Unlock()
		return nil
	}
	e.cleaned = true
	e.mu.Unlock()

	e.disablePlane()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, buf := range []*buffer.Buffer{e.displayed, e.inFlight, e.queued} {
		if buf != nil {
			e.recycled = append(e.recycled, buf)
		}
	}
	e.displayed, e.inFlight, e.queued = nil, nil, nil
	e.state = StateIdle
	e.log.Debug("engine cleaned up")
	return nil
}

func (e *Engine) disablePlane() {
	var err error
	if e.mode == PresentLegacy {
		err = e.dev.SetPlane(e.props.PlaneID, 0, 0, 0, 0, 0, 0)
	} else {
		req := kms.NewAtomicRequest()
		e.props.AddDisable(req)
		err = e.dev.AtomicCommit(req, kms.AtomicAllowModeset, 0)
	}
	if err != nil {
		e.log.WithError(err).Warn("plane disable failed")
	}
}

func ensureLogger(log *logrus.Entry) *logrus.Entry {
	if log != nil {
		return log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
