package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/ayusman/gazegrid/internal/geometry"
)

// MockDevice plays back pre-built frames for testing.
type MockDevice struct {
	frames []Frame
	index  int
	loop   bool
	sizes  []geometry.Size

	openErr      error
	configureErr error
	readErr      error
	openDelay    time.Duration
	readDelay    time.Duration
	closeDelay   time.Duration

	mu         sync.Mutex
	open       bool
	configured geometry.Size
	opens      int
	closes     int
}

// NewMockDevice creates a device that returns frames in order. With loop set
// it restarts from the first frame, otherwise Read returns ErrEndOfStream.
func NewMockDevice(frames []Frame, loop bool) *MockDevice {
	return &MockDevice{
		frames: frames,
		loop:   loop,
		sizes:  []geometry.Size{{Width: DefaultWidth, Height: DefaultHeight}},
	}
}

// SetSizes replaces the sizes the device reports.
func (d *MockDevice) SetSizes(sizes []geometry.Size) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sizes = sizes
}

// SetOpenError makes the next Open calls fail.
func (d *MockDevice) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// SetConfigureError makes Configure fail.
func (d *MockDevice) SetConfigureError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configureErr = err
}

// SetReadError makes Read fail until cleared.
func (d *MockDevice) SetReadError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

// SetOpenDelay makes Open block for the given duration.
func (d *MockDevice) SetOpenDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openDelay = delay
}

// SetReadDelay paces Read like a real camera.
func (d *MockDevice) SetReadDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readDelay = delay
}

// SetCloseDelay makes Close block for the given duration.
func (d *MockDevice) SetCloseDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeDelay = delay
}

func (d *MockDevice) Open(int) error {
	d.mu.Lock()
	delay, err := d.openDelay, d.openErr
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	d.index = 0
	d.opens++
	return nil
}

func (d *MockDevice) SupportedSizes() ([]geometry.Size, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, ErrDeviceNotOpen
	}
	return d.sizes, nil
}

func (d *MockDevice) Configure(size geometry.Size) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrDeviceNotOpen
	}
	if d.configureErr != nil {
		return d.configureErr
	}
	d.configured = size
	return nil
}

func (d *MockDevice) Read() (Frame, error) {
	d.mu.Lock()
	delay := d.readDelay
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return Frame{}, ErrDeviceNotOpen
	}
	if d.readErr != nil {
		return Frame{}, d.readErr
	}
	if len(d.frames) == 0 {
		return Frame{}, fmt.Errorf("no frames available")
	}
	if d.index >= len(d.frames) {
		if !d.loop {
			return Frame{}, ErrEndOfStream
		}
		d.index = 0
	}

	f := d.frames[d.index]
	f.Data = append([]byte(nil), f.Data...)
	d.index++
	return f, nil
}

func (d *MockDevice) Close() error {
	d.mu.Lock()
	delay := d.closeDelay
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		d.closes++
	}
	d.open = false
	return nil
}

// IsOpen reports whether the device handle is held.
func (d *MockDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Configured returns the size passed to the last Configure call.
func (d *MockDevice) Configured() geometry.Size {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configured
}

// Counts returns how many times the device was opened and closed.
func (d *MockDevice) Counts() (opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

// SolidFrame builds a BGR frame filled with one color.
func SolidFrame(w, h int, b, g, r byte) Frame {
	data := make([]byte, w*h*3)
	for i := 0; i < len(data); i += 3 {
		data[i], data[i+1], data[i+2] = b, g, r
	}
	return Frame{Data: data, Width: w, Height: h, Format: FormatBGR}
}
