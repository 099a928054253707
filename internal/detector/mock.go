package detector

import (
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/gazegrid/internal/geometry"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu sync.Mutex

	face      geometry.FaceBox
	hasFace   bool
	tracked   geometry.FaceBox
	hasTrack  bool
	landmarks geometry.LandmarkSet
	err       error

	detectCalls   int
	trackCalls    int
	landmarkCalls int
	lastMinSize   int
	lastMaxSize   int
	lastFrontOnly bool
}

// NewMockDetector creates a detector that finds nothing.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetFace sets the face returned by DetectFace and, unless SetTrackedFace is
// called, by TrackFace. A zero box means no face.
func (m *MockDetector) SetFace(face geometry.FaceBox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.face, m.hasFace = face, face.Valid()
	m.tracked, m.hasTrack = face, face.Valid()
}

// SetTrackedFace overrides the TrackFace result.
func (m *MockDetector) SetTrackedFace(face geometry.FaceBox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked, m.hasTrack = face, face.Valid()
}

// SetLandmarks sets the landmarks returned by DetectLandmarks.
func (m *MockDetector) SetLandmarks(l geometry.LandmarkSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.landmarks = l
}

// SetError makes every call fail with err.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockDetector) DetectFace(gray *gocv.Mat, minSize, maxSize int, frontOnly bool) (geometry.FaceBox, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detectCalls++
	m.lastMinSize, m.lastMaxSize, m.lastFrontOnly = minSize, maxSize, frontOnly
	if m.err != nil {
		return geometry.FaceBox{}, false, m.err
	}
	return m.face, m.hasFace, nil
}

func (m *MockDetector) TrackFace(gray *gocv.Mat, prior geometry.FaceBox) (geometry.FaceBox, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackCalls++
	if m.err != nil {
		return geometry.FaceBox{}, false, m.err
	}
	return m.tracked, m.hasTrack, nil
}

func (m *MockDetector) DetectLandmarks(gray *gocv.Mat, face geometry.FaceBox) (geometry.LandmarkSet, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.landmarkCalls++
	if m.err != nil {
		return nil, false, m.err
	}
	return m.landmarks, m.landmarks.Complete(), nil
}

// Close is a no-op for the mock detector.
func (m *MockDetector) Close() error {
	return nil
}

// Calls returns how often each method ran.
func (m *MockDetector) Calls() (detect, track, landmarks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detectCalls, m.trackCalls, m.landmarkCalls
}

// LastDetectParams returns the arguments of the last DetectFace call.
func (m *MockDetector) LastDetectParams() (minSize, maxSize int, frontOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMinSize, m.lastMaxSize, m.lastFrontOnly
}

// SyntheticLandmarks lays out a plausible 49-point face inside the pixel
// rectangle: eyebrows 0-9, nose 10-18, left eye 19-24, right eye 25-30 and
// mouth 31-48. Each eye spans a fifth of the face width.
func SyntheticLandmarks(face image.Rectangle) geometry.LandmarkSet {
	x, y := float64(face.Min.X), float64(face.Min.Y)
	w, h := float64(face.Dx()), float64(face.Dy())
	at := func(fx, fy float64) geometry.Point {
		return geometry.Point{X: x + fx*w, Y: y + fy*h}
	}

	l := make(geometry.LandmarkSet, 0, geometry.NumLandmarks)

	for i := 0; i < 5; i++ {
		l = append(l, at(0.15+0.05*float64(i), 0.28))
	}
	for i := 0; i < 5; i++ {
		l = append(l, at(0.60+0.05*float64(i), 0.28))
	}
	for i := 0; i < 4; i++ {
		l = append(l, at(0.5, 0.42+0.06*float64(i)))
	}
	for i := 0; i < 5; i++ {
		l = append(l, at(0.40+0.05*float64(i), 0.64))
	}

	// corners at offsets 0 and 3, lids in between
	eye := func(cx float64) {
		l = append(l,
			at(cx-0.1, 0.40),
			at(cx-0.035, 0.38),
			at(cx+0.035, 0.38),
			at(cx+0.1, 0.40),
			at(cx+0.035, 0.42),
			at(cx-0.035, 0.42),
		)
	}
	eye(0.3)
	eye(0.7)

	for i := 0; i < 12; i++ {
		l = append(l, at(0.35+0.3*float64(i)/11, 0.78))
	}
	for i := 0; i < 6; i++ {
		l = append(l, at(0.40+0.2*float64(i)/5, 0.80))
	}

	return l
}
