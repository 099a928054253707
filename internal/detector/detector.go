// Package detector provides face and facial landmark detection for the gaze
// pipeline. Not finding a face or landmarks is reported with ok=false and a
// nil error; errors are reserved for failures of the detector itself.
package detector

import (
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/gazegrid/internal/geometry"
)

// FaceFinder locates a face in a grayscale frame.
type FaceFinder interface {
	// DetectFace runs a full search for faces between minSize and maxSize
	// pixels wide. With frontOnly set, profile faces are ignored.
	DetectFace(gray *gocv.Mat, minSize, maxSize int, frontOnly bool) (geometry.FaceBox, bool, error)

	// TrackFace looks for the face near its previous position.
	TrackFace(gray *gocv.Mat, prior geometry.FaceBox) (geometry.FaceBox, bool, error)
}

// LandmarkFinder fits the facial landmark model inside a face box.
type LandmarkFinder interface {
	DetectLandmarks(gray *gocv.Mat, face geometry.FaceBox) (geometry.LandmarkSet, bool, error)
}

// Detector combines face finding and landmark fitting.
type Detector interface {
	FaceFinder
	LandmarkFinder

	// Close releases any resources held by the detector.
	Close() error
}

// Config holds configuration options for detection.
type Config struct {
	// CascadePath is the frontal face Haar cascade.
	CascadePath string
	// ProfileCascadePath is an optional profile face cascade used when
	// frontOnly is false.
	ProfileCascadePath string
	// ScaleFactor and MinNeighbors tune the cascade search.
	ScaleFactor  float64
	MinNeighbors int
	// TrackMargin grows the prior face box on each side, as a fraction of
	// its size, to form the tracking search window.
	TrackMargin float64

	// ServiceScript is the landmark service entry point. Empty means search
	// the usual install locations.
	ServiceScript string
	// Python is the interpreter for the service. Empty means a virtualenv
	// beside the script, then python3.
	Python string
	// IdleTimeout stops the service after a period without requests.
	IdleTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		CascadePath:  "data/haarcascade_frontalface_default.xml",
		ScaleFactor:  1.1,
		MinNeighbors: 3,
		TrackMargin:  0.25,
		IdleTimeout:  30 * time.Second,
	}
}

// Combine builds a Detector from separate face and landmark stages. Close
// closes each stage that has a Close method.
func Combine(faces FaceFinder, landmarks LandmarkFinder) Detector {
	return &combined{faces: faces, landmarks: landmarks}
}

type combined struct {
	faces     FaceFinder
	landmarks LandmarkFinder
}

func (c *combined) DetectFace(gray *gocv.Mat, minSize, maxSize int, frontOnly bool) (geometry.FaceBox, bool, error) {
	return c.faces.DetectFace(gray, minSize, maxSize, frontOnly)
}

func (c *combined) TrackFace(gray *gocv.Mat, prior geometry.FaceBox) (geometry.FaceBox, bool, error) {
	return c.faces.TrackFace(gray, prior)
}

func (c *combined) DetectLandmarks(gray *gocv.Mat, face geometry.FaceBox) (geometry.LandmarkSet, bool, error) {
	return c.landmarks.DetectLandmarks(gray, face)
}

func (c *combined) Close() error {
	var first error
	for _, stage := range []any{c.faces, c.landmarks} {
		if cl, ok := stage.(interface{ Close() error }); ok {
			if err := cl.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
