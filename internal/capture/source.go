package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/ayusman/gazegrid/internal/geometry"
)

// DefaultPermitTimeout bounds the wait for the device permit.
const DefaultPermitTimeout = 2500 * time.Microsecond

var (
	// ErrPermitTimeout is returned when the device permit could not be taken
	// in time. The attempt that hit it has failed and is not retried.
	ErrPermitTimeout = errors.New("timed out waiting for the device permit")
	// ErrClosedDuringOpen is returned by Open when Close was requested while
	// the device was being opened. The device has been released again.
	ErrClosedDuringOpen = errors.New("source closed while opening")
	// ErrConfigure wraps failures to set up the capture session.
	ErrConfigure = errors.New("configure capture session")
)

// Handler receives frames that were requested with Trigger. It runs on the
// stream goroutine and must hand work off instead of blocking.
type Handler func(ctx context.Context, f Frame)

// Options configures a Source.
type Options struct {
	DeviceID      int
	TargetSize    geometry.Size
	PermitTimeout time.Duration
	Logger        logrus.FieldLogger
}

// Source runs one capture session on a Device. It streams frames
// continuously while open, keeps the latest one for preview, and routes
// exactly one frame to the Handler per accepted Trigger.
type Source struct {
	dev    Device
	opts   Options
	log    logrus.FieldLogger
	permit *semaphore.Weighted

	mu           sync.Mutex
	state        State
	listeners    []Listener
	handler      Handler
	size         geometry.Size
	devOpen      bool
	opening      bool
	pendingClose bool
	cancel       context.CancelFunc
	done         chan struct{}
	err          error
	started      time.Time

	latest atomic.Pointer[Frame]
	seq    atomic.Uint64
}

// NewSource creates an idle Source for the device.
func NewSource(dev Device, opts Options) *Source {
	if opts.PermitTimeout <= 0 {
		opts.PermitTimeout = DefaultPermitTimeout
	}
	if opts.TargetSize == (geometry.Size{}) {
		opts.TargetSize = geometry.Size{Width: DefaultWidth, Height: DefaultHeight}
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Source{
		dev:    dev,
		opts:   opts,
		log:    log.WithField("component", "capture"),
		permit: semaphore.NewWeighted(1),
		state:  StateIdle,
	}
}

// SetHandler sets the receiver of requested frames.
func (s *Source) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// AddListener registers a state change listener.
func (s *Source) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// State returns the current state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Size returns the configured frame size of the current session.
func (s *Source) Size() geometry.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Err returns the error that ended the last session, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Latest returns the most recently streamed frame.
func (s *Source) Latest() (Frame, bool) {
	f := s.latest.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// Open acquires the device, picks the frame size closest to the target and
// starts streaming. Opening an already streaming source is a no-op.
func (s *Source) Open(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer s.permit.Release(1)

	s.mu.Lock()
	if s.devOpen && s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	// A Close arriving from here on, teardown included, is deferred.
	s.opening = true
	s.pendingClose = false
	s.mu.Unlock()

	// Reap a stream that stopped on a device error.
	s.teardown(EventClosed)

	s.mu.Lock()
	if s.pendingClose {
		s.opening = false
		s.pendingClose = false
		s.mu.Unlock()
		return ErrClosedDuringOpen
	}
	s.mu.Unlock()

	size, err := s.openDevice()

	s.mu.Lock()
	s.opening = false
	if err != nil {
		s.err = err
		s.transitionLocked(EventError)
		s.mu.Unlock()
		return err
	}
	if s.pendingClose {
		s.pendingClose = false
		s.mu.Unlock()
		if cerr := s.dev.Close(); cerr != nil {
			s.log.WithError(cerr).Warn("close device after cancelled open")
		}
		return ErrClosedDuringOpen
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.devOpen = true
	s.size = size
	s.err = nil
	s.cancel = cancel
	s.done = done
	s.started = time.Now()
	s.transitionLocked(EventOpened)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"device": s.opts.DeviceID,
		"width":  size.Width,
		"height": size.Height,
	}).Info("capture session opened")

	go s.stream(streamCtx, done)
	return nil
}

func (s *Source) openDevice() (geometry.Size, error) {
	if err := s.dev.Open(s.opts.DeviceID); err != nil {
		return geometry.Size{}, fmt.Errorf("open device %d: %w", s.opts.DeviceID, err)
	}

	fail := func(err error) (geometry.Size, error) {
		s.dev.Close()
		return geometry.Size{}, fmt.Errorf("%w: %w", ErrConfigure, err)
	}

	sizes, err := s.dev.SupportedSizes()
	if err != nil {
		return fail(err)
	}
	size, ok := geometry.PreferredFrameSize(sizes, s.opts.TargetSize)
	if !ok {
		return fail(errors.New("device reports no frame sizes"))
	}
	if err := s.dev.Configure(size); err != nil {
		return fail(err)
	}
	return size, nil
}

// Close stops the stream and releases the device. If the permit is held by
// an Open in progress, the close is recorded and that Open releases the
// device before returning ErrClosedDuringOpen.
func (s *Source) Close() error {
	if err := s.acquire(context.Background()); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.opening {
			s.pendingClose = true
			return nil
		}
		return fmt.Errorf("close: %w", err)
	}
	defer s.permit.Release(1)

	return s.teardown(EventClosed)
}

// teardown must be called with the permit held.
func (s *Source) teardown(e Event) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	wasOpen := s.devOpen
	s.cancel, s.done = nil, nil
	s.devOpen = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var err error
	if wasOpen {
		err = s.dev.Close()
		s.log.Info("capture session closed")
	}

	s.mu.Lock()
	s.transitionLocked(e)
	s.mu.Unlock()
	return err
}

// Trigger asks for the next frame to be routed to the Handler. It reports
// false when the source is idle. A trigger while a capture is already
// requested is absorbed.
func (s *Source) Trigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return false
	}
	s.transitionLocked(EventTrigger)
	return true
}

func (s *Source) acquire(ctx context.Context) error {
	if s.permit.TryAcquire(1) {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, s.opts.PermitTimeout)
	defer cancel()
	if err := s.permit.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPermitTimeout
	}
	return nil
}

// transitionLocked must be called with s.mu held.
func (s *Source) transitionLocked(e Event) {
	prev := s.state
	next := Transition(prev, e)
	if prev == next {
		return
	}
	s.state = next
	s.log.WithFields(logrus.Fields{
		"from":  prev.String(),
		"to":    next.String(),
		"event": e.String(),
	}).Debug("capture state transition")
	for _, l := range s.listeners {
		l(prev, next, e)
	}
}

func (s *Source) stream(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		f, err := s.dev.Read()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e := EventError
			if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrEndOfStream) {
				e = EventDisconnected
			}
			s.mu.Lock()
			s.err = err
			wasOpen := s.devOpen
			s.devOpen = false
			s.transitionLocked(e)
			s.mu.Unlock()

			s.log.WithError(err).Warn("capture stream stopped")
			if wasOpen {
				if cerr := s.dev.Close(); cerr != nil {
					s.log.WithError(cerr).Warn("close device after stream error")
				}
			}
			return
		}

		f.Sequence = s.seq.Add(1)
		f.Timestamp = time.Since(s.started)
		s.latest.Store(&f)

		s.mu.Lock()
		requested := s.state == StateCaptureRequested
		if requested {
			s.transitionLocked(EventFrameDelivered)
		}
		h := s.handler
		s.mu.Unlock()

		if requested && h != nil {
			h(ctx, f)
		}
	}
}
