package capture

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/gazegrid/internal/geometry"
)

// Default capture settings.
const (
	DefaultWidth  = 640
	DefaultHeight = 480
)

var (
	// ErrDeviceNotOpen is returned when reading from a closed device.
	ErrDeviceNotOpen = errors.New("device is not open")
	// ErrDisconnected is returned by Read when the device went away.
	ErrDisconnected = errors.New("device disconnected")
	// ErrEndOfStream is returned by Read when a recorded source is exhausted.
	ErrEndOfStream = errors.New("end of stream")
)

// Device is the hardware capability behind a Source. Implementations do not
// need to be safe for concurrent use; the Source serializes access.
type Device interface {
	// Open acquires the device handle.
	Open(id int) error
	// SupportedSizes lists the frame sizes the device can deliver.
	SupportedSizes() ([]geometry.Size, error)
	// Configure sets up the repeating stream at the given size.
	Configure(size geometry.Size) error
	// Read blocks for the next frame of the stream.
	Read() (Frame, error)
	// Close releases the device handle.
	Close() error
}

// probeSizes are the resolutions a webcam is asked for when listing sizes.
var probeSizes = []geometry.Size{
	{Width: 320, Height: 240},
	{Width: 640, Height: 360},
	{Width: 640, Height: 480},
	{Width: 800, Height: 600},
	{Width: 1280, Height: 720},
	{Width: 1280, Height: 960},
	{Width: 1920, Height: 1080},
}

// CameraDevice captures from a local camera through OpenCV.
type CameraDevice struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	mu      sync.Mutex
}

// NewCameraDevice creates a closed camera device.
func NewCameraDevice() *CameraDevice {
	return &CameraDevice{}
}

// Open opens the camera with the given index.
func (c *CameraDevice) Open(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture != nil {
		return nil
	}

	capture, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return fmt.Errorf("open camera %d: %w", id, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("open camera %d: device unavailable", id)
	}

	c.capture = capture
	c.mat = gocv.NewMat()
	return nil
}

// SupportedSizes asks the driver for each common resolution and keeps the
// ones it reports back. OpenCV has no portable way to enumerate modes.
func (c *CameraDevice) SupportedSizes() ([]geometry.Size, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil, ErrDeviceNotOpen
	}

	seen := make(map[geometry.Size]bool)
	var sizes []geometry.Size
	for _, s := range probeSizes {
		c.capture.Set(gocv.VideoCaptureFrameWidth, float64(s.Width))
		c.capture.Set(gocv.VideoCaptureFrameHeight, float64(s.Height))
		got := geometry.Size{
			Width:  int(c.capture.Get(gocv.VideoCaptureFrameWidth)),
			Height: int(c.capture.Get(gocv.VideoCaptureFrameHeight)),
		}
		if got.Width > 0 && got.Height > 0 && !seen[got] {
			seen[got] = true
			sizes = append(sizes, got)
		}
	}
	return sizes, nil
}

// Configure sets the stream resolution.
func (c *CameraDevice) Configure(size geometry.Size) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return ErrDeviceNotOpen
	}

	c.capture.Set(gocv.VideoCaptureFrameWidth, float64(size.Width))
	c.capture.Set(gocv.VideoCaptureFrameHeight, float64(size.Height))

	w := int(c.capture.Get(gocv.VideoCaptureFrameWidth))
	h := int(c.capture.Get(gocv.VideoCaptureFrameHeight))
	if w != size.Width || h != size.Height {
		return fmt.Errorf("camera delivered %dx%d, requested %dx%d", w, h, size.Width, size.Height)
	}
	return nil
}

// Read grabs the next frame and copies it out as BGR.
func (c *CameraDevice) Read() (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return Frame{}, ErrDeviceNotOpen
	}

	if ok := c.capture.Read(&c.mat); !ok {
		return Frame{}, ErrDisconnected
	}
	if c.mat.Empty() {
		return Frame{}, fmt.Errorf("captured frame is empty")
	}

	return FrameFromMat(c.mat)
}

// Close releases the camera.
func (c *CameraDevice) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil
	}

	err := c.capture.Close()
	c.mat.Close()
	c.capture = nil
	return err
}

// FileDevice replays a recorded video as if it were a camera.
type FileDevice struct {
	path    string
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// NewFileDevice creates a device that reads frames from a video file.
func NewFileDevice(path string) *FileDevice {
	return &FileDevice{path: path}
}

// Open opens the video file. The id is ignored.
func (f *FileDevice) Open(int) error {
	if f.capture != nil {
		return nil
	}
	capture, err := gocv.VideoCaptureFile(f.path)
	if err != nil {
		return fmt.Errorf("open video %s: %w", f.path, err)
	}
	f.capture = capture
	f.mat = gocv.NewMat()
	return nil
}

// SupportedSizes returns the native size of the recording.
func (f *FileDevice) SupportedSizes() ([]geometry.Size, error) {
	if f.capture == nil {
		return nil, ErrDeviceNotOpen
	}
	return []geometry.Size{{
		Width:  int(f.capture.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(f.capture.Get(gocv.VideoCaptureFrameHeight)),
	}}, nil
}

// Configure accepts only the native size of the recording.
func (f *FileDevice) Configure(size geometry.Size) error {
	sizes, err := f.SupportedSizes()
	if err != nil {
		return err
	}
	if size != sizes[0] {
		return fmt.Errorf("recording is %dx%d, cannot deliver %dx%d",
			sizes[0].Width, sizes[0].Height, size.Width, size.Height)
	}
	return nil
}

// FrameCount returns the number of frames in the recording, or -1 if the
// container does not say.
func (f *FileDevice) FrameCount() int {
	if f.capture == nil {
		return -1
	}
	n := int(f.capture.Get(gocv.VideoCaptureFrameCount))
	if n <= 0 {
		return -1
	}
	return n
}

// Read returns the next frame or ErrEndOfStream.
func (f *FileDevice) Read() (Frame, error) {
	if f.capture == nil {
		return Frame{}, ErrDeviceNotOpen
	}
	if ok := f.capture.Read(&f.mat); !ok || f.mat.Empty() {
		return Frame{}, ErrEndOfStream
	}
	return FrameFromMat(f.mat)
}

// Close releases the file.
func (f *FileDevice) Close() error {
	if f.capture == nil {
		return nil
	}
	err := f.capture.Close()
	f.mat.Close()
	f.capture = nil
	return err
}
