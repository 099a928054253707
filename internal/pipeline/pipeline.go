// Package pipeline turns a captured frame into a gaze estimate: face and
// landmark detection, eye crops, classifier inference and the mapping of the
// winning class onto a screen region.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/ayusman/gazegrid/internal/capture"
	"github.com/ayusman/gazegrid/internal/classifier"
	"github.com/ayusman/gazegrid/internal/detector"
	"github.com/ayusman/gazegrid/internal/geometry"
	"github.com/ayusman/gazegrid/internal/grid"
	"github.com/ayusman/gazegrid/internal/tensor"
)

// ErrInvariant marks a pass that produced data the rest of the system cannot
// interpret. Callers should stop capturing when they see it.
var ErrInvariant = errors.New("pipeline invariant violated")

// Face search bounds for a full detection, in pixels.
const (
	MinFaceSize = 30
	MaxFaceSize = 300
)

// Outcome classifies a completed pass.
type Outcome int

const (
	OutcomeNoFace Outcome = iota
	OutcomeEyesUnavailable
	OutcomeEstimated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoFace:
		return "no_face"
	case OutcomeEyesUnavailable:
		return "eyes_unavailable"
	case OutcomeEstimated:
		return "estimated"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Timings records how long each step of a pass took.
type Timings struct {
	Convert   time.Duration
	Detect    time.Duration
	Landmarks time.Duration
	Tensors   time.Duration
	Inference time.Duration
	Total     time.Duration
}

// Fields returns the timings in milliseconds for structured logging.
func (t Timings) Fields() logrus.Fields {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return logrus.Fields{
		"convert_ms":   ms(t.Convert),
		"detect_ms":    ms(t.Detect),
		"landmarks_ms": ms(t.Landmarks),
		"tensors_ms":   ms(t.Tensors),
		"inference_ms": ms(t.Inference),
		"total_ms":     ms(t.Total),
	}
}

// Result is the output of one pass.
type Result struct {
	Outcome       Outcome
	Face          geometry.FaceBox
	Landmarks     geometry.LandmarkSet
	Tracked       bool
	Class         int
	Probabilities []float32
	Region        image.Rectangle
	Arity         grid.Arity
	FrameSequence uint64
	Timings       Timings
}

// TrackedFaceState is the face carried from one pass to the next. Values are
// never modified once published.
type TrackedFaceState struct {
	Face      geometry.FaceBox
	Landmarks geometry.LandmarkSet
	Present   bool
	// TrackedFrames counts consecutive passes that used tracking instead of
	// a full detection.
	TrackedFrames int
}

// TrackingPolicy controls when a full detection replaces tracking.
type TrackingPolicy struct {
	// MaxTrackedFrames forces a full detection after this many consecutive
	// tracked passes. Zero never forces one.
	MaxTrackedFrames int
	// RedetectOnTrackLoss runs a full detection in the same pass when
	// tracking loses the face.
	RedetectOnTrackLoss bool
}

// DefaultTrackingPolicy returns the policy used by the application.
func DefaultTrackingPolicy() TrackingPolicy {
	return TrackingPolicy{MaxTrackedFrames: 30}
}

// Options configures an Orchestrator.
type Options struct {
	// Screen is the area regions are mapped onto. Zero means the frame size.
	Screen  geometry.Size
	Offsets geometry.ReferenceOffsets
	Policy  TrackingPolicy
	// Budget is the expected upper bound for a pass. Slower passes are
	// logged with their timings. Zero disables the check.
	Budget time.Duration
	Logger logrus.FieldLogger
}

// Orchestrator runs passes over frames. Process is not meant to be called
// concurrently; the tracked state it keeps assumes passes happen in order.
type Orchestrator struct {
	detector detector.Detector
	grid     *grid.Config[classifier.Classifier]
	opts     Options
	log      logrus.FieldLogger
	tracked  atomic.Pointer[TrackedFaceState]
}

// New creates an Orchestrator.
func New(det detector.Detector, cfg *grid.Config[classifier.Classifier], opts Options) *Orchestrator {
	if opts.Offsets == (geometry.ReferenceOffsets{}) {
		opts.Offsets = geometry.DefaultReferenceOffsets
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	o := &Orchestrator{
		detector: det,
		grid:     cfg,
		opts:     opts,
		log:      log.WithField("component", "pipeline"),
	}
	o.tracked.Store(&TrackedFaceState{})
	return o
}

// Tracked returns the current tracked face.
func (o *Orchestrator) Tracked() TrackedFaceState {
	return *o.tracked.Load()
}

// ResetTracking forgets the tracked face so the next pass runs a full
// detection.
func (o *Orchestrator) ResetTracking() {
	o.tracked.Store(&TrackedFaceState{})
}

// Process runs one pass over f. A missing face or unusable eyes are normal
// outcomes and return a nil error.
func (o *Orchestrator) Process(ctx context.Context, f capture.Frame) (Result, error) {
	start := time.Now()
	sel := o.grid.Snapshot()
	res := Result{Arity: sel.Arity, FrameSequence: f.Sequence, Class: -1}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	step := time.Now()
	color, err := f.ToMat()
	if err != nil {
		return res, fmt.Errorf("convert frame %d: %w", f.Sequence, err)
	}
	defer color.Close()
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(color, &gray, gocv.ColorBGRToGray)
	res.Timings.Convert = time.Since(step)

	if err := ctx.Err(); err != nil {
		return res, err
	}

	step = time.Now()
	face, tracked, err := o.locateFace(&gray)
	res.Timings.Detect = time.Since(step)
	if err != nil {
		return res, fmt.Errorf("detect face: %w", err)
	}
	if !face.Valid() {
		o.tracked.Store(&TrackedFaceState{})
		return o.finish(res, start), nil
	}
	res.Face, res.Tracked = face, tracked

	if err := ctx.Err(); err != nil {
		return res, err
	}

	step = time.Now()
	landmarks, ok, err := o.detector.DetectLandmarks(&gray, face)
	res.Timings.Landmarks = time.Since(step)
	if err != nil {
		return res, fmt.Errorf("detect landmarks: %w", err)
	}
	if !ok {
		landmarks = nil
	}
	o.publish(face, landmarks, tracked)
	res.Landmarks = landmarks

	if err := ctx.Err(); err != nil {
		return res, err
	}

	step = time.Now()
	inputs, ok, err := tensor.BuildClassifierInputs(&color, landmarks, o.opts.Offsets)
	res.Timings.Tensors = time.Since(step)
	if err != nil {
		return res, fmt.Errorf("build inputs: %w", err)
	}
	if !ok {
		res.Outcome = OutcomeEyesUnavailable
		return o.finish(res, start), nil
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	step = time.Now()
	probs, err := sel.Model.Infer(inputs)
	res.Timings.Inference = time.Since(step)
	if err != nil {
		return res, fmt.Errorf("infer: %w", err)
	}
	if len(probs) != int(sel.Arity) {
		return res, fmt.Errorf("%w: classifier returned %d probabilities for arity %d",
			ErrInvariant, len(probs), sel.Arity)
	}

	screen := o.opts.Screen
	if screen.Width <= 0 || screen.Height <= 0 {
		screen = geometry.Size{Width: f.Width, Height: f.Height}
	}
	class := grid.ArgMax(probs)
	region, err := grid.MapClassToRegion(class, sel.Arity, screen.Width, screen.Height)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrInvariant, err)
	}

	res.Outcome = OutcomeEstimated
	res.Class = class
	res.Probabilities = probs
	res.Region = region
	return o.finish(res, start), nil
}

// locateFace tracks the prior face when the policy allows it and falls back
// to a full detection otherwise. tracked reports which path found the face.
func (o *Orchestrator) locateFace(gray *gocv.Mat) (face geometry.FaceBox, tracked bool, err error) {
	prior := o.Tracked()
	policy := o.opts.Policy

	if prior.Present && (policy.MaxTrackedFrames == 0 || prior.TrackedFrames < policy.MaxTrackedFrames) {
		box, ok, err := o.detector.TrackFace(gray, prior.Face)
		if err != nil {
			return geometry.FaceBox{}, false, err
		}
		if ok {
			return box, true, nil
		}
		if !policy.RedetectOnTrackLoss {
			return geometry.FaceBox{}, false, nil
		}
		o.log.Debug("tracking lost the face, running full detection")
	}

	box, ok, err := o.detector.DetectFace(gray, MinFaceSize, MaxFaceSize, true)
	if err != nil || !ok {
		return geometry.FaceBox{}, false, err
	}
	return box, false, nil
}

func (o *Orchestrator) publish(face geometry.FaceBox, landmarks geometry.LandmarkSet, tracked bool) {
	next := &TrackedFaceState{Face: face, Landmarks: landmarks, Present: true}
	if tracked {
		next.TrackedFrames = o.Tracked().TrackedFrames + 1
	}
	o.tracked.Store(next)
}

func (o *Orchestrator) finish(res Result, start time.Time) Result {
	res.Timings.Total = time.Since(start)
	entry := o.log.WithFields(res.Timings.Fields()).WithFields(logrus.Fields{
		"frame":   res.FrameSequence,
		"outcome": res.Outcome.String(),
	})
	if o.opts.Budget > 0 && res.Timings.Total > o.opts.Budget {
		entry.Warnf("pass exceeded budget of %s", o.opts.Budget)
	} else {
		entry.Debug("pass complete")
	}
	return res
}
