package pipeline

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/ayusman/gazegrid/internal/capture"
	"github.com/ayusman/gazegrid/internal/classifier"
	"github.com/ayusman/gazegrid/internal/detector"
	"github.com/ayusman/gazegrid/internal/geometry"
	"github.com/ayusman/gazegrid/internal/grid"
)

const (
	frameW = 640
	frameH = 480
)

var centeredFace = image.Rect(220, 140, 420, 340)

type fixture struct {
	det   *detector.MockDetector
	model *classifier.MockClassifier
	orch  *Orchestrator
	frame capture.Frame
}

func newFixture(t *testing.T, opts Options, probs ...float32) *fixture {
	t.Helper()

	det := detector.NewMockDetector()
	model := classifier.NewMockClassifier(probs...)
	set := classifier.NewModelSet()
	set.Put(grid.Arity4, model)
	set.Put(grid.Arity9, classifier.NewMockClassifier(make([]float32, 9)...))

	cfg, err := grid.NewConfig[classifier.Classifier](grid.Arity4, set.Get)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	frame := capture.SolidFrame(frameW, frameH, 90, 90, 90)
	frame.Sequence = 7
	return &fixture{det: det, model: model, orch: New(det, cfg, opts), frame: frame}
}

func (f *fixture) showFace(r image.Rectangle) {
	f.det.SetFace(geometry.FaceBoxFromPixels(r, frameW, frameH))
	f.det.SetLandmarks(detector.SyntheticLandmarks(r))
}

func TestProcess_NoFace(t *testing.T) {
	f := newFixture(t, Options{}, 0.25, 0.25, 0.25, 0.25)

	res, err := f.orch.Process(context.Background(), f.frame)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != OutcomeNoFace {
		t.Errorf("expected %s, got %s", OutcomeNoFace, res.Outcome)
	}
	if res.Region != (image.Rectangle{}) {
		t.Errorf("expected no region, got %v", res.Region)
	}
	if f.model.Calls() != 0 {
		t.Errorf("classifier should not run, ran %d times", f.model.Calls())
	}
	if f.orch.Tracked().Present {
		t.Error("tracked state should be absent")
	}

	minSize, maxSize, frontOnly := f.det.LastDetectParams()
	if minSize != MinFaceSize || maxSize != MaxFaceSize || !frontOnly {
		t.Errorf("unexpected detect params %d %d %v", minSize, maxSize, frontOnly)
	}
}

func TestProcess_RightEyeOutsideFrame(t *testing.T) {
	f := newFixture(t, Options{}, 0.25, 0.25, 0.25, 0.25)
	f.showFace(image.Rect(500, 140, 700, 340))

	res, err := f.orch.Process(context.Background(), f.frame)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != OutcomeEyesUnavailable {
		t.Errorf("expected %s, got %s", OutcomeEyesUnavailable, res.Outcome)
	}
	if f.model.Calls() != 0 {
		t.Errorf("classifier should not run, ran %d times", f.model.Calls())
	}
	if !f.orch.Tracked().Present {
		t.Error("face should still be tracked")
	}
}

func TestProcess_Estimate(t *testing.T) {
	f := newFixture(t, Options{}, 0.1, 0.7, 0.05, 0.15)
	f.showFace(centeredFace)

	res, err := f.orch.Process(context.Background(), f.frame)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Outcome != OutcomeEstimated {
		t.Fatalf("expected %s, got %s", OutcomeEstimated, res.Outcome)
	}
	if res.Class != 1 {
		t.Errorf("expected class 1, got %d", res.Class)
	}

	want, err := grid.MapClassToRegion(1, grid.Arity4, frameW, frameH)
	if err != nil {
		t.Fatalf("MapClassToRegion() error = %v", err)
	}
	if res.Region != want {
		t.Errorf("expected region %v, got %v", want, res.Region)
	}
	if res.Region != image.Rect(320, 240, 640, 480) {
		t.Errorf("class 1 of 4 should be the lower right cell, got %v", res.Region)
	}
	if res.FrameSequence != 7 || res.Arity != grid.Arity4 {
		t.Errorf("unexpected metadata seq=%d arity=%d", res.FrameSequence, res.Arity)
	}
	if len(f.model.LastInputs()) != 4 {
		t.Errorf("expected 4 classifier inputs, got %d", len(f.model.LastInputs()))
	}
	if res.Timings.Total <= 0 {
		t.Error("expected total timing to be recorded")
	}
}

func TestProcess_ScreenSize(t *testing.T) {
	f := newFixture(t, Options{Screen: geometry.Size{Width: 1920, Height: 1080}}, 0, 0, 1, 0)
	f.showFace(centeredFace)

	res, err := f.orch.Process(context.Background(), f.frame)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Region != image.Rect(0, 0, 960, 540) {
		t.Errorf("class 2 of 4 should be the upper left screen cell, got %v", res.Region)
	}
}

func TestProcess_ProbabilityLengthMismatch(t *testing.T) {
	f := newFixture(t, Options{}, 0.5, 0.5)
	f.showFace(centeredFace)

	_, err := f.orch.Process(context.Background(), f.frame)
	if !errors.Is(err, ErrInvariant) {
		t.Errorf("expected ErrInvariant, got %v", err)
	}
}

func TestProcess_DetectorError(t *testing.T) {
	f := newFixture(t, Options{}, 0.25, 0.25, 0.25, 0.25)
	boom := errors.New("service died")
	f.det.SetError(boom)

	if _, err := f.orch.Process(context.Background(), f.frame); !errors.Is(err, boom) {
		t.Errorf("expected detector error, got %v", err)
	}
}

func TestProcess_Cancelled(t *testing.T) {
	f := newFixture(t, Options{}, 0.25, 0.25, 0.25, 0.25)
	f.showFace(centeredFace)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.orch.Process(ctx, f.frame); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if detect, _, _ := f.det.Calls(); detect != 0 {
		t.Errorf("detector should not run after cancellation, ran %d times", detect)
	}
}

func TestProcess_ArityFromSnapshot(t *testing.T) {
	det := detector.NewMockDetector()
	nine := classifier.NewMockClassifier(0, 0, 0, 0, 0, 0, 0, 0, 1)
	set := classifier.NewModelSet()
	set.Put(grid.Arity4, classifier.NewMockClassifier(1, 0, 0, 0))
	set.Put(grid.Arity9, nine)

	cfg, err := grid.NewConfig[classifier.Classifier](grid.Arity4, set.Get)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if err := cfg.Set(grid.Arity9); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	det.SetFace(geometry.FaceBoxFromPixels(centeredFace, frameW, frameH))
	det.SetLandmarks(detector.SyntheticLandmarks(centeredFace))
	orch := New(det, cfg, Options{})

	res, err := orch.Process(context.Background(), capture.SolidFrame(frameW, frameH, 0, 0, 0))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Arity != grid.Arity9 || res.Class != 8 || nine.Calls() != 1 {
		t.Errorf("expected the 9-class model to pick class 8, got arity=%d class=%d", res.Arity, res.Class)
	}
	if res.Region != image.Rect(0, 320, 213, 480) {
		t.Errorf("unexpected region %v", res.Region)
	}
}

func TestTracking(t *testing.T) {
	t.Run("second pass tracks", func(t *testing.T) {
		f := newFixture(t, Options{Policy: DefaultTrackingPolicy()}, 0.25, 0.25, 0.25, 0.25)
		f.showFace(centeredFace)

		for i := 0; i < 3; i++ {
			if _, err := f.orch.Process(context.Background(), f.frame); err != nil {
				t.Fatalf("Process() error = %v", err)
			}
		}

		detect, track, _ := f.det.Calls()
		if detect != 1 || track != 2 {
			t.Errorf("expected 1 detection and 2 tracks, got %d and %d", detect, track)
		}
		if got := f.orch.Tracked().TrackedFrames; got != 2 {
			t.Errorf("expected 2 tracked frames, got %d", got)
		}
	})

	t.Run("max tracked frames forces detection", func(t *testing.T) {
		f := newFixture(t, Options{Policy: TrackingPolicy{MaxTrackedFrames: 2}}, 0.25, 0.25, 0.25, 0.25)
		f.showFace(centeredFace)

		for i := 0; i < 4; i++ {
			if _, err := f.orch.Process(context.Background(), f.frame); err != nil {
				t.Fatalf("Process() error = %v", err)
			}
		}

		// detect, track, track, detect
		detect, track, _ := f.det.Calls()
		if detect != 2 || track != 2 {
			t.Errorf("expected 2 detections and 2 tracks, got %d and %d", detect, track)
		}
		if got := f.orch.Tracked().TrackedFrames; got != 0 {
			t.Errorf("expected counter reset after detection, got %d", got)
		}
	})

	t.Run("track loss without redetect", func(t *testing.T) {
		f := newFixture(t, Options{}, 0.25, 0.25, 0.25, 0.25)
		f.showFace(centeredFace)
		f.orch.Process(context.Background(), f.frame)

		f.det.SetTrackedFace(geometry.FaceBox{})
		res, err := f.orch.Process(context.Background(), f.frame)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if res.Outcome != OutcomeNoFace || f.orch.Tracked().Present {
			t.Errorf("expected the face to be dropped, got %s", res.Outcome)
		}
		if detect, _, _ := f.det.Calls(); detect != 1 {
			t.Errorf("expected no redetection, got %d detections", detect)
		}
	})

	t.Run("track loss with redetect", func(t *testing.T) {
		f := newFixture(t, Options{Policy: TrackingPolicy{RedetectOnTrackLoss: true}}, 0.25, 0.25, 0.25, 0.25)
		f.showFace(centeredFace)
		f.orch.Process(context.Background(), f.frame)

		f.det.SetTrackedFace(geometry.FaceBox{})
		res, err := f.orch.Process(context.Background(), f.frame)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if res.Outcome != OutcomeEstimated || res.Tracked {
			t.Errorf("expected a detected estimate, got %s tracked=%v", res.Outcome, res.Tracked)
		}
		if detect, _, _ := f.det.Calls(); detect != 2 {
			t.Errorf("expected a redetection, got %d detections", detect)
		}
	})

	t.Run("reset", func(t *testing.T) {
		f := newFixture(t, Options{}, 0.25, 0.25, 0.25, 0.25)
		f.showFace(centeredFace)
		f.orch.Process(context.Background(), f.frame)

		before := f.orch.Tracked()
		f.orch.ResetTracking()
		if f.orch.Tracked().Present {
			t.Error("expected absent state after reset")
		}
		if !before.Present {
			t.Error("snapshot taken before reset should not change")
		}

		f.orch.Process(context.Background(), f.frame)
		if detect, track, _ := f.det.Calls(); detect != 2 || track != 0 {
			t.Errorf("expected full detection after reset, got %d detections %d tracks", detect, track)
		}
	})
}

func TestTimingsFields(t *testing.T) {
	fields := Timings{Detect: 1500 * time.Microsecond, Total: 3 * time.Millisecond}.Fields()
	if fields["detect_ms"] != 1.5 || fields["total_ms"] != 3.0 {
		t.Errorf("unexpected fields %v", fields)
	}
}
