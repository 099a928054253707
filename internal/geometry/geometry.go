// Package geometry provides the frame-space math used by the gaze pipeline:
// face boxes, landmark sets, eye crop rectangles and camera size selection.
// Everything in this package is pure and safe for concurrent use.
package geometry

import (
	"image"
	"math"
)

// Point is a landmark position in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a frame or screen size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns Width*Height.
func (s Size) Area() int {
	return s.Width * s.Height
}

// Ratio returns Width/Height, or 0 for a degenerate size.
func (s Size) Ratio() float64 {
	if s.Height == 0 {
		return 0
	}
	return float64(s.Width) / float64(s.Height)
}

// FaceBox is a face bounding box normalized to the frame, all fields in [0,1].
type FaceBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Valid reports whether the box has a positive extent.
func (b FaceBox) Valid() bool {
	return b.W > 0 && b.H > 0
}

// Pixels converts the box back into frame pixels.
func (b FaceBox) Pixels(frameW, frameH int) image.Rectangle {
	x0 := int(math.Round(b.X * float64(frameW)))
	y0 := int(math.Round(b.Y * float64(frameH)))
	x1 := int(math.Round((b.X + b.W) * float64(frameW)))
	y1 := int(math.Round((b.Y + b.H) * float64(frameH)))
	return image.Rect(x0, y0, x1, y1)
}

// FaceBoxFromPixels normalizes a pixel rectangle against the frame size.
func FaceBoxFromPixels(r image.Rectangle, frameW, frameH int) FaceBox {
	if frameW <= 0 || frameH <= 0 {
		return FaceBox{}
	}
	return FaceBox{
		X: float64(r.Min.X) / float64(frameW),
		Y: float64(r.Min.Y) / float64(frameH),
		W: float64(r.Dx()) / float64(frameW),
		H: float64(r.Dy()) / float64(frameH),
	}
}

// LandmarkSet is an ordered set of facial landmarks in frame pixels.
// A nil or short set means the landmarks are absent.
type LandmarkSet []Point

// Complete reports whether the set carries every landmark of the model.
func (l LandmarkSet) Complete() bool {
	return len(l) >= NumLandmarks
}
