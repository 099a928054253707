// Package tensor turns eye regions of a color frame into classifier inputs.
package tensor

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/ayusman/gazegrid/internal/geometry"
)

// ErrNoRect is returned when asked to crop an empty rectangle.
var ErrNoRect = errors.New("no crop rectangle")

// Classifier input names and shapes.
const (
	InputEyeLeft  = "eye_left_1"
	InputPosLeft  = "pos_left_1"
	InputEyeRight = "eye_right_1"
	InputPosRight = "pos_right_1"

	EyeChannels = 3
	EyeLen      = geometry.EyeCropHeight * geometry.EyeCropWidth * EyeChannels
	PosLen      = 4
)

var (
	eyeShape = []int{geometry.EyeCropHeight, geometry.EyeCropWidth, EyeChannels}
	posShape = []int{PosLen, 1}
)

// NamedTensor is one named classifier input. Data is laid out row-major in
// Shape order.
type NamedTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// EyeTensor is the pair of inputs derived from one eye.
type EyeTensor struct {
	Side geometry.Side
	// Image is 36x60 RGB, channel innermost, raw 0-255 values.
	Image []float32
	// Position is the eye position feature.
	Position [PosLen]float32
}

// BuildEyeImage crops rect from a BGR frame, resamples it to 60x36 with
// nearest-neighbour interpolation and flattens it as RGB floats.
func BuildEyeImage(color *gocv.Mat, rect image.Rectangle) ([]float32, error) {
	if rect.Empty() {
		return nil, ErrNoRect
	}
	if color == nil || color.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	if color.Channels() != 3 {
		return nil, fmt.Errorf("expected a 3-channel frame, got %d channels", color.Channels())
	}
	if !rect.In(image.Rect(0, 0, color.Cols(), color.Rows())) {
		return nil, fmt.Errorf("crop %v outside %dx%d frame", rect, color.Cols(), color.Rows())
	}

	region := color.Region(rect)
	defer region.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(region, &resized, image.Pt(geometry.EyeCropWidth, geometry.EyeCropHeight), 0, 0, gocv.InterpolationNearestNeighbor)

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(resized, &rgb, gocv.ColorBGRToRGB)

	raw := rgb.ToBytes()
	if len(raw) != EyeLen {
		return nil, fmt.Errorf("eye crop has %d values, want %d", len(raw), EyeLen)
	}

	out := make([]float32, EyeLen)
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

// BuildEye derives the crop and position inputs for one eye. It reports
// false when the eye crop is unavailable.
func BuildEye(color *gocv.Mat, l geometry.LandmarkSet, side geometry.Side, offsets geometry.ReferenceOffsets) (EyeTensor, bool, error) {
	rect, ok := geometry.DeriveEyeCropRect(l, color.Cols(), color.Rows(), side)
	if !ok {
		return EyeTensor{}, false, nil
	}
	pos, ok := geometry.DeriveEyePosition(l, side, offsets)
	if !ok {
		return EyeTensor{}, false, nil
	}

	img, err := BuildEyeImage(color, rect.Rect)
	if err != nil {
		return EyeTensor{}, false, fmt.Errorf("build %s eye: %w", side, err)
	}
	return EyeTensor{Side: side, Image: img, Position: pos}, true, nil
}

// BuildClassifierInputs assembles the four classifier inputs in the order
// eye_left_1, pos_left_1, eye_right_1, pos_right_1. The left eye is built
// first; if either eye is unavailable the whole set is abandoned and false
// is reported.
func BuildClassifierInputs(color *gocv.Mat, l geometry.LandmarkSet, offsets geometry.ReferenceOffsets) ([]NamedTensor, bool, error) {
	if color == nil || color.Empty() {
		return nil, false, fmt.Errorf("empty frame")
	}

	left, ok, err := BuildEye(color, l, geometry.Left, offsets)
	if err != nil || !ok {
		return nil, false, err
	}
	right, ok, err := BuildEye(color, l, geometry.Right, offsets)
	if err != nil || !ok {
		return nil, false, err
	}

	return []NamedTensor{
		{Name: InputEyeLeft, Shape: eyeShape, Data: left.Image},
		{Name: InputPosLeft, Shape: posShape, Data: left.Position[:]},
		{Name: InputEyeRight, Shape: eyeShape, Data: right.Image},
		{Name: InputPosRight, Shape: posShape, Data: right.Position[:]},
	}, true, nil
}

// Len returns the number of elements Shape describes.
func (t NamedTensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}
