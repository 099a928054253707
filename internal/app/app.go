// Package app wires the capture source, the gaze pipeline and the diagnostics
// store into the running gazegrid application.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/gazegrid/internal/capture"
	"github.com/ayusman/gazegrid/internal/classifier"
	"github.com/ayusman/gazegrid/internal/detector"
	"github.com/ayusman/gazegrid/internal/geometry"
	"github.com/ayusman/gazegrid/internal/grid"
	"github.com/ayusman/gazegrid/internal/pipeline"
	"github.com/ayusman/gazegrid/internal/store"
)

const (
	// DefaultInterval is the time between automatic capture requests.
	DefaultInterval = 700 * time.Millisecond
	// diagnosticsBuffer bounds the queue to the store writer.
	diagnosticsBuffer = 64
)

var (
	// ErrDetectionRunning is returned by SetArity while detection is on.
	ErrDetectionRunning = errors.New("detection is running")
	// ErrNotStarted is returned by operations that need an open session.
	ErrNotStarted = errors.New("capture is not started")
)

// Config holds configuration options for the application.
type Config struct {
	Device        capture.Device
	DeviceID      int
	SourceName    string
	FrameSize     geometry.Size
	PermitTimeout time.Duration

	Detector detector.Detector
	Models   *classifier.ModelSet
	Arity    grid.Arity
	Screen   geometry.Size
	Policy   pipeline.TrackingPolicy

	// Interval is the time between automatic capture requests while
	// detection is enabled.
	Interval time.Duration

	// Store is optional. When set, sessions and estimates are recorded and
	// the grid arity is persisted.
	Store *store.Store
	// Diagnostics records passes without an estimate as well.
	Diagnostics bool

	Logger logrus.FieldLogger
}

// Stats counts what the application has done since it was created.
type Stats struct {
	Passes             uint64        `json:"passes"`
	Estimated          uint64        `json:"estimated"`
	NoFace             uint64        `json:"no_face"`
	EyesUnavailable    uint64        `json:"eyes_unavailable"`
	Failures           uint64        `json:"failures"`
	Dropped            uint64        `json:"dropped"`
	DiagnosticsDropped uint64        `json:"diagnostics_dropped"`
	LastPass           time.Duration `json:"last_pass_ns"`
}

// Status is a snapshot of the application state.
type Status struct {
	Running   bool   `json:"running"`
	Capture   string `json:"capture"`
	Enabled   bool   `json:"enabled"`
	Arity     int    `json:"arity"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ResultCallback is called after every completed pass.
type ResultCallback func(pipeline.Result)

// App is the main application that runs gaze estimation on camera frames.
type App struct {
	config   Config
	log      logrus.FieldLogger
	source   *capture.Source
	grid     *grid.Config[classifier.Classifier]
	pipeline *pipeline.Orchestrator

	enabled  atomic.Bool
	inFlight atomic.Bool
	passes   sync.WaitGroup

	// mu serializes Start, Stop and failure handling.
	mu     sync.Mutex
	stopCh chan struct{}
	loops  sync.WaitGroup
	sink   atomic.Pointer[diagSink]
	gen    atomic.Uint64

	infoMu    sync.RWMutex
	running   bool
	sessionID string
	lastErr   string

	callbacksMu sync.RWMutex
	callbacks   []ResultCallback

	stats struct {
		passes, estimated, noFace, eyesUnavailable atomic.Uint64
		failures, dropped, diagDropped             atomic.Uint64
		lastPass                                   atomic.Int64
	}
}

// New creates a new App instance with the given configuration.
func New(config Config) (*App, error) {
	if config.Device == nil {
		return nil, errors.New("no capture device")
	}
	if config.Detector == nil {
		return nil, errors.New("no detector")
	}
	if config.Models == nil || config.Models.Len() == 0 {
		return nil, classifier.ErrModelNotLoaded
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if !config.Arity.Valid() {
		config.Arity = grid.DefaultArity
	}
	if config.SourceName == "" {
		config.SourceName = "camera"
	}

	log := config.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	a := &App{
		config: config,
		log:    log.WithField("component", "app"),
	}

	arity := a.restoreArity(config.Arity)
	cfg, err := grid.NewConfig[classifier.Classifier](arity, config.Models.Get)
	if err != nil {
		return nil, err
	}
	a.grid = cfg

	a.pipeline = pipeline.New(config.Detector, cfg, pipeline.Options{
		Screen: config.Screen,
		Policy: config.Policy,
		Budget: config.Interval,
		Logger: log,
	})

	a.source = capture.NewSource(config.Device, capture.Options{
		DeviceID:      config.DeviceID,
		TargetSize:    config.FrameSize,
		PermitTimeout: config.PermitTimeout,
		Logger:        log,
	})
	a.source.SetHandler(a.onFrame)
	a.source.AddListener(a.onTransition)

	return a, nil
}

// restoreArity returns the persisted arity when it has a model, otherwise
// the configured one.
func (a *App) restoreArity(fallback grid.Arity) grid.Arity {
	if a.config.Store == nil {
		return fallback
	}
	n, err := a.config.Store.Settings().GetInt(store.SettingGridArity, int(fallback))
	if err != nil {
		a.log.WithError(err).Warn("failed to read persisted grid arity")
		return fallback
	}
	persisted := grid.Arity(n)
	if _, ok := a.config.Models.Get(persisted); !ok {
		return fallback
	}
	return persisted
}

// Start opens the capture session and starts the automatic capture loop.
// Starting a running App is a no-op.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isRunning() {
		return nil
	}

	a.gen.Add(1)
	if err := a.source.Open(ctx); err != nil {
		a.setInfo(false, "", err.Error())
		return fmt.Errorf("start capture: %w", err)
	}

	a.stopCh = make(chan struct{})
	sessionID := ""

	if a.config.Store != nil {
		size := a.source.Size()
		sess := &store.Session{
			DeviceID:    a.config.DeviceID,
			Source:      a.config.SourceName,
			FrameWidth:  size.Width,
			FrameHeight: size.Height,
			Arity:       int(a.grid.Arity()),
		}
		if err := a.config.Store.Sessions().Create(sess); err != nil {
			a.log.WithError(err).Warn("failed to record session")
		} else {
			sessionID = sess.ID
			sink := &diagSink{sessionID: sess.ID, ch: make(chan *store.Estimate, diagnosticsBuffer)}
			a.loops.Add(1)
			go a.writeDiagnostics(sink)
			a.sink.Store(sink)
		}
	}
	a.setInfo(true, sessionID, "")

	a.loops.Add(1)
	go a.runTicker(a.stopCh)

	a.log.Info("detection pipeline started")
	return nil
}

// Stop closes the capture session and waits for the running pass.
func (a *App) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopLocked(store.SessionStopped, "")
}

func (a *App) stopLocked(status store.SessionStatus, reason string) error {
	if !a.isRunning() {
		return nil
	}
	a.gen.Add(1)

	close(a.stopCh)
	err := a.source.Close()
	a.passes.Wait()

	if sink := a.sink.Swap(nil); sink != nil {
		close(sink.ch)
	}
	a.loops.Wait()

	a.infoMu.Lock()
	sessionID := a.sessionID
	a.running = false
	if reason != "" {
		a.lastErr = reason
	}
	a.infoMu.Unlock()

	if sessionID != "" {
		if serr := a.config.Store.Sessions().End(sessionID, status, reason); serr != nil {
			a.log.WithError(serr).Warn("failed to record session end")
		}
	}

	a.pipeline.ResetTracking()
	a.log.WithField("status", string(status)).Info("detection pipeline stopped")
	return err
}

// fail halts capture after an error the pipeline cannot recover from.
func (a *App) fail(gen uint64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen.Load() != gen {
		return
	}
	a.enabled.Store(false)
	if serr := a.stopLocked(store.SessionFailed, err.Error()); serr != nil {
		a.log.WithError(serr).Warn("error closing capture after failure")
	}
}

// Close stops capture and releases the detector and models.
func (a *App) Close() error {
	err := a.Stop()
	if derr := a.config.Detector.Close(); derr != nil && err == nil {
		err = derr
	}
	if merr := a.config.Models.Close(); merr != nil && err == nil {
		err = merr
	}
	return err
}

// SetEnabled turns automatic detection on or off. Turning it off forgets the
// tracked face.
func (a *App) SetEnabled(enabled bool) {
	if a.enabled.Swap(enabled) == enabled {
		return
	}
	if !enabled {
		a.pipeline.ResetTracking()
	}
	if a.config.Store != nil {
		v := 0
		if enabled {
			v = 1
		}
		if err := a.config.Store.Settings().SetInt(store.SettingAutoStart, v); err != nil {
			a.log.WithError(err).Warn("failed to persist detection state")
		}
	}
	a.log.WithField("enabled", enabled).Info("detection toggled")
}

// IsEnabled returns whether automatic detection is on.
func (a *App) IsEnabled() bool {
	return a.enabled.Load()
}

// Trigger requests a single capture regardless of the automatic setting.
func (a *App) Trigger() error {
	if !a.source.Trigger() {
		return ErrNotStarted
	}
	return nil
}

// SetArity switches the grid arity and its model. It is refused while
// detection is enabled.
func (a *App) SetArity(arity grid.Arity) error {
	if a.enabled.Load() {
		return ErrDetectionRunning
	}
	if err := a.grid.Set(arity); err != nil {
		return err
	}
	if a.config.Store != nil {
		if err := a.config.Store.Settings().SetInt(store.SettingGridArity, int(arity)); err != nil {
			a.log.WithError(err).Warn("failed to persist grid arity")
		}
	}
	a.log.WithField("arity", int(arity)).Info("grid arity changed")
	return nil
}

// Arity returns the active grid arity.
func (a *App) Arity() grid.Arity {
	return a.grid.Arity()
}

// Arities lists the arities that have a model.
func (a *App) Arities() []grid.Arity {
	return a.config.Models.Arities()
}

// OnResult registers a callback for completed passes. Callbacks run on the
// pass goroutine and should return quickly.
func (a *App) OnResult(cb ResultCallback) {
	a.callbacksMu.Lock()
	defer a.callbacksMu.Unlock()
	a.callbacks = append(a.callbacks, cb)
}

// Latest returns the most recent preview frame.
func (a *App) Latest() (capture.Frame, bool) {
	return a.source.Latest()
}

// Store returns the diagnostics store, which may be nil.
func (a *App) Store() *store.Store {
	return a.config.Store
}

// Status returns a snapshot of the application state.
func (a *App) Status() Status {
	a.infoMu.RLock()
	defer a.infoMu.RUnlock()
	return Status{
		Running:   a.running,
		Capture:   a.source.State().String(),
		Enabled:   a.enabled.Load(),
		Arity:     int(a.grid.Arity()),
		SessionID: a.sessionID,
		Error:     a.lastErr,
	}
}

// Stats returns the pass counters.
func (a *App) Stats() Stats {
	return Stats{
		Passes:             a.stats.passes.Load(),
		Estimated:          a.stats.estimated.Load(),
		NoFace:             a.stats.noFace.Load(),
		EyesUnavailable:    a.stats.eyesUnavailable.Load(),
		Failures:           a.stats.failures.Load(),
		Dropped:            a.stats.dropped.Load(),
		DiagnosticsDropped: a.stats.diagDropped.Load(),
		LastPass:           time.Duration(a.stats.lastPass.Load()),
	}
}

func (a *App) isRunning() bool {
	a.infoMu.RLock()
	defer a.infoMu.RUnlock()
	return a.running
}

func (a *App) setInfo(running bool, sessionID, lastErr string) {
	a.infoMu.Lock()
	defer a.infoMu.Unlock()
	a.running, a.sessionID, a.lastErr = running, sessionID, lastErr
}

func (a *App) runTicker(stop <-chan struct{}) {
	defer a.loops.Done()

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if a.enabled.Load() {
				a.source.Trigger()
			}
		}
	}
}

// onTransition runs under the source lock and must not call back into it.
func (a *App) onTransition(prev, next capture.State, e capture.Event) {
	if next != capture.StateIdle || (e != capture.EventDisconnected && e != capture.EventError) {
		return
	}
	gen := a.gen.Load()
	go func() {
		err := a.source.Err()
		if err == nil {
			err = fmt.Errorf("capture session ended: %s", e)
		}
		a.log.WithError(err).Error("capture session lost")
		a.fail(gen, err)
	}()
}
