package flip

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/buldo/kmsvideo/kms"
)

// eventRouter fans completion events out to the engine that issued
// the commit. The commit's user-data value is a registration token,
// so events land correctly no matter which listener read them, and a
// completion arriving after its engine unregistered is dropped
// instead of touching freed state.
type eventRouter struct {
	mu      sync.Mutex
	next    uint64
	targets map[uint64]func(kms.FlipCompleteEvent)
}

func newEventRouter() *eventRouter {
	return &eventRouter{next: 1, targets: make(map[uint64]func(kms.FlipCompleteEvent))}
}

func (r *eventRouter) register(fn func(kms.FlipCompleteEvent)) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	token := r.next
	r.next++
	r.targets[token] = fn
	return token
}

func (r *eventRouter) unregister(token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, token)
}

func (r *eventRouter) dispatch(ev kms.FlipCompleteEvent) bool {
	r.mu.Lock()
	fn := r.targets[ev.UserData]
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}

// pollInterval bounds how long the listener thread sleeps in poll, so
// a stop request is observed promptly even on an idle display.
const pollInterval = 100 * time.Millisecond

// defaultStopGrace is how long Stop waits for the listener thread
// before declaring it wedged.
const defaultStopGrace = 2 * time.Second

// EventListener runs a dedicated thread that polls the display device
// descriptor and dispatches page-flip completion events to their
// engines. It never issues commits itself. One listener per
// descriptor: two blocking readers on one DRM fd would race for the
// same event bytes.
type EventListener struct {
	file   *os.File
	router *eventRouter
	log    *logrus.Entry
	grace  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	startOnce sync.Once
	started   atomic.Bool
}

func NewEventListener(file *os.File, log *logrus.Entry) *EventListener {
	return &EventListener{
		file:   file,
		router: newEventRouter(),
		log:    ensureLogger(log),
		grace:  defaultStopGrace,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Register installs a completion callback and returns the token to
// pass as commit user data. The callback runs on the listener thread;
// the kernel may complete a commit at any time after the commit call,
// so the target must be safe to enter from that thread immediately.
func (l *EventListener) Register(fn func(kms.FlipCompleteEvent)) uint64 {
	return l.router.register(fn)
}

func (l *EventListener) Unregister(token uint64) {
	l.router.unregister(token)
}

// Start launches the listener thread. Idempotent.
func (l *EventListener) Start() {
	l.startOnce.Do(func() {
		l.started.Store(true)
		go l.run()
	})
}

func (l *EventListener) run() {
	defer close(l.done)

	fd := int32(l.file.Fd())
	l.log.WithField("fd", fd).Debug("event listener started")

	for {
		select {
		case <-l.stop:
			l.log.Debug("event listener stopping")
			return
		default:
		}

		fds := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(pollInterval.Milliseconds()))
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			l.log.WithError(err).Error("event poll failed, listener exiting")
			return
		}
		if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		events, err := kms.ReadEvents(l.file)
		if err != nil {
			if err == io.EOF {
				return
			}
			l.log.WithError(err).Warn("event read failed")
			continue
		}
		for _, ev := range events {
			if !l.router.dispatch(ev) {
				l.log.WithFields(logrus.Fields{
					"user_data": ev.UserData,
					"crtc":      ev.CrtcID,
				}).Debug("dropping completion with no registered target")
			}
		}
	}
}

// Stop cancels the listener thread and waits for it with a bounded
// join. A thread that does not stop within the grace period means the
// kernel may still reference a plane about to be torn down; that is
// escalated as ErrListenerWedged, never swallowed. Idempotent on the
// success path.
func (l *EventListener) Stop() error {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	if !l.started.Load() {
		return nil
	}

	select {
	case <-l.done:
		return nil
	case <-time.After(l.grace):
		l.log.WithField("grace", l.grace).Error("event listener did not stop, abandoning thread")
		return ErrListenerWedged
	}
}
