package server

import (
	"image"
	"testing"
	"time"

	"github.com/ayusman/gazegrid/internal/app"
	"github.com/ayusman/gazegrid/internal/capture"
	"github.com/ayusman/gazegrid/internal/classifier"
	"github.com/ayusman/gazegrid/internal/detector"
	"github.com/ayusman/gazegrid/internal/geometry"
	"github.com/ayusman/gazegrid/internal/grid"
	"github.com/ayusman/gazegrid/internal/store"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	return newTestAppWithStore(t, nil)
}

func newTestAppWithStore(t *testing.T, st *store.Store) *app.App {
	t.Helper()

	device := capture.NewMockDevice([]capture.Frame{capture.SolidFrame(640, 480, 80, 80, 80)}, true)
	device.SetReadDelay(5 * time.Millisecond)

	face := image.Rect(220, 140, 420, 340)
	det := detector.NewMockDetector()
	det.SetFace(geometry.FaceBoxFromPixels(face, 640, 480))
	det.SetLandmarks(detector.SyntheticLandmarks(face))

	models := classifier.NewModelSet()
	models.Put(grid.Arity4, classifier.NewMockClassifier(0.1, 0.7, 0.05, 0.15))

	a, err := app.New(app.Config{
		Device:   device,
		Detector: det,
		Models:   models,
		Interval: time.Hour,
		Store:    st,
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}
