// Package capture owns the camera session: device access, the preview stream
// and the capture-request state machine that decides which frame is analyzed.
package capture

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

// Format is the pixel layout of Frame.Data.
type Format int

const (
	// FormatNV21 is a full-resolution luminance plane followed by an
	// interleaved half-resolution VU plane.
	FormatNV21 Format = iota
	// FormatBGR is packed 8-bit BGR, as produced by OpenCV capture.
	FormatBGR
)

func (f Format) String() string {
	switch f {
	case FormatNV21:
		return "nv21"
	case FormatBGR:
		return "bgr"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Frame is a single image delivered by a Source.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    Format
	Sequence  uint64
	Timestamp time.Duration
}

// expectedLen returns the byte length Data must have for the frame's format.
func (f Frame) expectedLen() int {
	switch f.Format {
	case FormatNV21:
		return f.Width * f.Height * 3 / 2
	case FormatBGR:
		return f.Width * f.Height * 3
	default:
		return -1
	}
}

// ToMat converts the frame into a BGR Mat. The caller must close the result.
func (f Frame) ToMat() (gocv.Mat, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return gocv.NewMat(), fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	// NV21 subsamples chroma 2x2, so both sides must be even.
	if f.Format == FormatNV21 && (f.Width%2 != 0 || f.Height%2 != 0) {
		return gocv.NewMat(), fmt.Errorf("nv21 frame size %dx%d is not even", f.Width, f.Height)
	}
	if n := f.expectedLen(); n < 0 || len(f.Data) != n {
		return gocv.NewMat(), fmt.Errorf("frame data is %d bytes, %s %dx%d needs %d",
			len(f.Data), f.Format, f.Width, f.Height, n)
	}

	switch f.Format {
	case FormatNV21:
		yuv, err := gocv.NewMatFromBytes(f.Height*3/2, f.Width, gocv.MatTypeCV8UC1, f.Data)
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("wrap nv21 frame: %w", err)
		}
		defer yuv.Close()

		bgr := gocv.NewMat()
		gocv.CvtColor(yuv, &bgr, gocv.ColorYUVToBGRNV21)
		return bgr, nil

	default:
		wrapped, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("wrap bgr frame: %w", err)
		}
		defer wrapped.Close()

		// Detach from f.Data so the Mat outlives the frame buffer.
		return wrapped.Clone(), nil
	}
}

// FrameFromMat copies a BGR Mat into a Frame.
func FrameFromMat(m gocv.Mat) (Frame, error) {
	if m.Empty() {
		return Frame{}, fmt.Errorf("empty mat")
	}
	if m.Type() != gocv.MatTypeCV8UC3 {
		return Frame{}, fmt.Errorf("unsupported mat type %v", m.Type())
	}
	return Frame{
		Data:   m.ToBytes(),
		Width:  m.Cols(),
		Height: m.Rows(),
		Format: FormatBGR,
	}, nil
}
