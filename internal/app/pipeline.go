package app

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/gazegrid/internal/capture"
	"github.com/ayusman/gazegrid/internal/pipeline"
	"github.com/ayusman/gazegrid/internal/store"
)

// Diagnostics writer batching.
const (
	diagnosticsBatch = 16
	diagnosticsFlush = 500 * time.Millisecond
)

type diagSink struct {
	sessionID string
	ch        chan *store.Estimate
}

// onFrame receives a requested frame on the stream goroutine. At most one
// pass runs at a time; frames arriving while one is running are dropped.
func (a *App) onFrame(ctx context.Context, f capture.Frame) {
	if !a.inFlight.CompareAndSwap(false, true) {
		a.stats.dropped.Add(1)
		a.log.WithField("frame", f.Sequence).Debug("pass in flight, dropping frame")
		return
	}

	gen := a.gen.Load()
	a.passes.Add(1)
	go func() {
		defer a.passes.Done()
		defer a.inFlight.Store(false)
		a.runPass(ctx, gen, f)
	}()
}

// runPass processes one frame and fans the result out.
//
// Pass logic:
// 1. Run the pipeline on the frame
// 2. Invariant violations halt capture
// 3. Other errors are counted and logged
// 4. Results update the counters, reach the callbacks and are queued for
// the store
func (a *App) runPass(ctx context.Context, gen uint64, f capture.Frame) {
	res, err := a.pipeline.Process(ctx, f)
	a.stats.passes.Add(1)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		a.stats.failures.Add(1)
		if errors.Is(err, pipeline.ErrInvariant) {
			a.log.WithError(err).WithField("frame", f.Sequence).Error("invariant violated, halting capture")
			go a.fail(gen, err)
			return
		}
		a.log.WithError(err).WithField("frame", f.Sequence).Warn("pass failed")
		return
	}

	a.stats.lastPass.Store(int64(res.Timings.Total))
	switch res.Outcome {
	case pipeline.OutcomeEstimated:
		a.stats.estimated.Add(1)
		a.log.WithFields(logrus.Fields{
			"frame":  res.FrameSequence,
			"class":  res.Class,
			"region": res.Region.String(),
		}).Debug("gaze estimated")
	case pipeline.OutcomeNoFace:
		a.stats.noFace.Add(1)
	case pipeline.OutcomeEyesUnavailable:
		a.stats.eyesUnavailable.Add(1)
	}

	a.callbacksMu.RLock()
	callbacks := a.callbacks
	a.callbacksMu.RUnlock()
	for _, cb := range callbacks {
		cb(res)
	}

	if res.Outcome == pipeline.OutcomeEstimated || a.config.Diagnostics {
		a.record(res)
	}
}

// record queues a result for the store writer without blocking.
func (a *App) record(res pipeline.Result) {
	sink := a.sink.Load()
	if sink == nil {
		return
	}
	e := ToEstimate(res)
	e.SessionID = sink.sessionID

	select {
	case sink.ch <- e:
	default:
		a.stats.diagDropped.Add(1)
	}
}

// writeDiagnostics drains the sink in batches until it is closed.
func (a *App) writeDiagnostics(sink *diagSink) {
	defer a.loops.Done()

	ticker := time.NewTicker(diagnosticsFlush)
	defer ticker.Stop()

	batch := make([]*store.Estimate, 0, diagnosticsBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.config.Store.Estimates().CreateBatch(batch); err != nil {
			a.log.WithError(err).WithField("count", len(batch)).Warn("failed to store estimates")
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-sink.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= diagnosticsBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// ToEstimate converts a pipeline result into its stored form.
func ToEstimate(res pipeline.Result) *store.Estimate {
	timings := res.Timings.Fields()
	ms := make(map[string]float64, len(timings))
	for k, v := range timings {
		if f, ok := v.(float64); ok {
			ms[k] = f
		}
	}

	return &store.Estimate{
		FrameSeq:      res.FrameSequence,
		Outcome:       res.Outcome.String(),
		Arity:         int(res.Arity),
		Class:         res.Class,
		Probabilities: res.Probabilities,
		Region: store.Region{
			X: res.Region.Min.X,
			Y: res.Region.Min.Y,
			W: res.Region.Dx(),
			H: res.Region.Dy(),
		},
		Face:      res.Face,
		Landmarks: res.Landmarks,
		Tracked:   res.Tracked,
		Timings:   ms,
		TotalMs:   ms["total_ms"],
	}
}
