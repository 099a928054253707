package geometry

import (
	"image"
	"math"
)

// Landmark layout of the 49-point face model.
const (
	NumLandmarks = 49

	// Left is the eye on the left side of the image.
	LeftEyeFirst = 19
	LeftEyeOuter = 19
	LeftEyeInner = 22

	RightEyeFirst = 25
	RightEyeInner = 25
	RightEyeOuter = 28

	eyePoints = 6
)

// Eye crop geometry.
const (
	EyeCropWidth  = 60
	EyeCropHeight = 36

	// EyeMarginRatio is added on both sides of the corner-to-corner span.
	EyeMarginRatio = 0.3
)

// Side selects an eye.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// EyeCropRect is the pixel rectangle an eye patch is cropped from.
type EyeCropRect struct {
	Rect image.Rectangle
	Side Side
}

// ReferenceOffsets normalizes the eye position features.
type ReferenceOffsets [2]float64

// DefaultReferenceOffsets are the offsets the shipped classifiers were trained with.
var DefaultReferenceOffsets = ReferenceOffsets{7, 85}

type eyeLandmarks struct {
	center Point
	inner  Point
	outer  Point
	minX   float64
	maxX   float64
}

func eyeOf(l LandmarkSet, side Side) (eyeLandmarks, bool) {
	if !l.Complete() {
		return eyeLandmarks{}, false
	}

	first, inner, outer := LeftEyeFirst, LeftEyeInner, LeftEyeOuter
	if side == Right {
		first, inner, outer = RightEyeFirst, RightEyeInner, RightEyeOuter
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range l[first : first+eyePoints] {
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}

	return eyeLandmarks{
		center: Point{X: (minX + maxX) / 2, Y: (minY + maxY) / 2},
		inner:  l[inner],
		outer:  l[outer],
		minX:   minX,
		maxX:   maxX,
	}, true
}

// DeriveEyeCropRect returns the crop rectangle around one eye. The box keeps
// the 60:36 aspect of the classifier input and is centered on the eye. It is
// absent when the landmarks are incomplete, the eye is degenerate, or any part
// of the box falls outside [0,frameW)x[0,frameH). The box is never clamped.
func DeriveEyeCropRect(l LandmarkSet, frameW, frameH int, side Side) (EyeCropRect, bool) {
	eye, ok := eyeOf(l, side)
	if !ok {
		return EyeCropRect{}, false
	}

	span := math.Max(math.Abs(eye.outer.X-eye.inner.X), eye.maxX-eye.minX)
	if !(span > 0) {
		return EyeCropRect{}, false
	}

	width := span * (1 + 2*EyeMarginRatio)
	height := width * EyeCropHeight / EyeCropWidth

	x0 := int(math.Round(eye.center.X - width/2))
	y0 := int(math.Round(eye.center.Y - height/2))
	w := int(math.Round(width))
	h := int(math.Round(height))
	if w < 1 || h < 1 {
		return EyeCropRect{}, false
	}

	r := image.Rect(x0, y0, x0+w, y0+h)
	if !r.In(image.Rect(0, 0, frameW, frameH)) {
		return EyeCropRect{}, false
	}

	return EyeCropRect{Rect: r, Side: side}, true
}

// DeriveEyePosition returns the 4-value position feature for one eye:
// the eye center relative to its inner corner scaled by offsets[0], then the
// outer corner relative to the inner corner scaled by offsets[1].
func DeriveEyePosition(l LandmarkSet, side Side, offsets ReferenceOffsets) ([4]float32, bool) {
	eye, ok := eyeOf(l, side)
	if !ok || offsets[0] == 0 || offsets[1] == 0 {
		return [4]float32{}, false
	}

	return [4]float32{
		float32((eye.center.X - eye.inner.X) / offsets[0]),
		float32((eye.center.Y - eye.inner.Y) / offsets[0]),
		float32((eye.outer.X - eye.inner.X) / offsets[1]),
		float32((eye.outer.Y - eye.inner.Y) / offsets[1]),
	}, true
}
