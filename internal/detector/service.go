package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/gazegrid/internal/geometry"
)

// ErrServiceNotFound is returned when no landmark service script can be found.
var ErrServiceNotFound = errors.New("landmark service not found")

const defaultServiceScript = "scripts/landmark_service.py"

// ServiceDetector implements Detector with an external landmark service
// process. Frames are sent as length-prefixed JSON headers followed by a
// length-prefixed PNG image; each request is answered with one JSON line.
type ServiceDetector struct {
	config  Config
	command []string

	mu   sync.Mutex
	proc *serviceProc
	idle *time.Timer
}

// NewServiceDetector resolves the service command. The process is started
// lazily on the first request and stopped after Config.IdleTimeout.
func NewServiceDetector(config Config, command ...string) (*ServiceDetector, error) {
	if len(command) == 0 {
		script := config.ServiceScript
		if script == "" {
			script = defaultServiceScript
		}
		path := findAsset(script)
		if path == "" {
			return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, script)
		}
		command = []string{serviceInterpreter(config.Python, path), path}
	}

	return &ServiceDetector{config: config, command: command}, nil
}

type serviceRequest struct {
	Op        string          `json:"op"`
	Version   int             `json:"version,omitempty"`
	MinSize   int             `json:"min_size,omitempty"`
	MaxSize   int             `json:"max_size,omitempty"`
	FrontOnly bool            `json:"front_only,omitempty"`
	Face      *serviceRect    `json:"face,omitempty"`
	Frame     serviceFrameDim `json:"frame"`
}

type serviceFrameDim struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type serviceRect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

type serviceResponse struct {
	Face      *serviceRect `json:"face"`
	Landmarks [][2]float64 `json:"landmarks"`
	Error     string       `json:"error"`

	// Set only in the hello reply.
	Version int `json:"version,omitempty"`
	Points  int `json:"points,omitempty"`
}

// DetectFace asks the service for a full face search.
func (d *ServiceDetector) DetectFace(gray *gocv.Mat, minSize, maxSize int, frontOnly bool) (geometry.FaceBox, bool, error) {
	resp, err := d.call(gray, serviceRequest{
		Op:        "detect",
		MinSize:   minSize,
		MaxSize:   maxSize,
		FrontOnly: frontOnly,
	})
	if err != nil {
		return geometry.FaceBox{}, false, err
	}
	return resp.faceBox(gray.Cols(), gray.Rows())
}

// TrackFace asks the service to follow the face from its prior position.
func (d *ServiceDetector) TrackFace(gray *gocv.Mat, prior geometry.FaceBox) (geometry.FaceBox, bool, error) {
	if !prior.Valid() {
		return geometry.FaceBox{}, false, nil
	}
	resp, err := d.call(gray, serviceRequest{
		Op:   "track",
		Face: toServiceRect(prior.Pixels(gray.Cols(), gray.Rows())),
	})
	if err != nil {
		return geometry.FaceBox{}, false, err
	}
	return resp.faceBox(gray.Cols(), gray.Rows())
}

// DetectLandmarks fits the 49-point model inside the face box.
func (d *ServiceDetector) DetectLandmarks(gray *gocv.Mat, face geometry.FaceBox) (geometry.LandmarkSet, bool, error) {
	if !face.Valid() {
		return nil, false, nil
	}
	resp, err := d.call(gray, serviceRequest{
		Op:   "landmarks",
		Face: toServiceRect(face.Pixels(gray.Cols(), gray.Rows())),
	})
	if err != nil {
		return nil, false, err
	}
	if len(resp.Landmarks) == 0 {
		return nil, false, nil
	}
	if len(resp.Landmarks) != geometry.NumLandmarks {
		return nil, false, fmt.Errorf("service returned %d landmarks, want %d", len(resp.Landmarks), geometry.NumLandmarks)
	}

	set := make(geometry.LandmarkSet, len(resp.Landmarks))
	for i, p := range resp.Landmarks {
		set[i] = geometry.Point{X: p[0], Y: p[1]}
	}
	return set, true, nil
}

// Close shuts down the service process.
func (d *ServiceDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *ServiceDetector) call(gray *gocv.Mat, req serviceRequest) (serviceResponse, error) {
	if gray == nil || gray.Empty() {
		return serviceResponse{}, fmt.Errorf("empty frame")
	}

	buf, err := gocv.IMEncode(gocv.PNGFileExt, *gray)
	if err != nil {
		return serviceResponse{}, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	req.Frame = serviceFrameDim{Width: gray.Cols(), Height: gray.Rows()}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.proc == nil {
		proc, err := startService(d.command)
		if err != nil {
			return serviceResponse{}, err
		}
		d.proc = proc
	}

	resp, err := d.proc.roundTrip(req, buf.GetBytes())
	if err != nil {
		// The stream is out of step after a failed exchange.
		d.stopLocked()
		return serviceResponse{}, err
	}
	if resp.Error != "" {
		return serviceResponse{}, fmt.Errorf("landmark service: %s", resp.Error)
	}

	d.armIdleLocked()
	return resp, nil
}

// writeRequest frames one request on the service's stdin.
func writeRequest(w io.Writer, req serviceRequest, img []byte) error {
	header, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	length := make([]byte, 4)
	for _, part := range [][]byte{header, img} {
		binary.BigEndian.PutUint32(length, uint32(len(part)))
		if _, err := w.Write(length); err != nil {
			return fmt.Errorf("write length: %w", err)
		}
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("write data: %w", err)
		}
	}
	return nil
}

// readResponse reads one JSON line from the service.
func readResponse(r *bufio.Reader) (serviceResponse, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return serviceResponse{}, fmt.Errorf("read response: %w", err)
	}

	var resp serviceResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return serviceResponse{}, fmt.Errorf("parse response: %w", err)
	}
	return resp, nil
}

func (r serviceResponse) faceBox(frameW, frameH int) (geometry.FaceBox, bool, error) {
	if r.Face == nil || r.Face.W <= 0 || r.Face.H <= 0 {
		return geometry.FaceBox{}, false, nil
	}
	rect := image.Rect(r.Face.X, r.Face.Y, r.Face.X+r.Face.W, r.Face.Y+r.Face.H)
	return geometry.FaceBoxFromPixels(rect, frameW, frameH), true, nil
}

func toServiceRect(r image.Rectangle) *serviceRect {
	return &serviceRect{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// serviceProtocolVersion is sent in the hello request. A service that
// answers with another version is refused.
const serviceProtocolVersion = 1

// serviceProc is one running landmark service that has completed the hello
// exchange.
type serviceProc struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out *bufio.Reader
}

// startService launches the service and checks that it speaks this
// protocol and fits the landmark model the classifiers were trained on.
func startService(command []string) (*serviceProc, error) {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stderr = os.Stderr

	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("landmark service stdin: %w", err)
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("landmark service stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start landmark service: %w", err)
	}

	p := &serviceProc{cmd: cmd, in: in, out: bufio.NewReader(out)}
	hello, err := p.roundTrip(serviceRequest{Op: "hello", Version: serviceProtocolVersion}, nil)
	switch {
	case err != nil:
		err = fmt.Errorf("landmark service hello: %w", err)
	case hello.Error != "":
		err = fmt.Errorf("landmark service hello: %s", hello.Error)
	case hello.Version != serviceProtocolVersion:
		err = fmt.Errorf("landmark service speaks protocol %d, want %d", hello.Version, serviceProtocolVersion)
	case hello.Points != geometry.NumLandmarks:
		err = fmt.Errorf("landmark service fits %d points, want %d", hello.Points, geometry.NumLandmarks)
	}
	if err != nil {
		p.stop()
		return nil, err
	}
	return p, nil
}

func (p *serviceProc) roundTrip(req serviceRequest, img []byte) (serviceResponse, error) {
	if err := writeRequest(p.in, req, img); err != nil {
		return serviceResponse{}, err
	}
	return readResponse(p.out)
}

// stop closes stdin, which ends the service's request loop, and reaps it.
func (p *serviceProc) stop() error {
	p.in.Close()
	return p.cmd.Wait()
}

func (d *ServiceDetector) stopLocked() error {
	if d.idle != nil {
		d.idle.Stop()
		d.idle = nil
	}
	if d.proc == nil {
		return nil
	}
	err := d.proc.stop()
	d.proc = nil
	return err
}

// armIdleLocked restarts the idle countdown. A countdown that fires after
// being replaced leaves the process alone.
func (d *ServiceDetector) armIdleLocked() {
	if d.config.IdleTimeout <= 0 {
		return
	}
	if d.idle != nil {
		d.idle.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d.config.IdleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.idle == t {
			d.stopLocked()
		}
	})
	d.idle = t
}

// serviceInterpreter picks the Python that runs script: the configured one,
// then a virtualenv beside the script or one level up, then python3.
func serviceInterpreter(configured, script string) string {
	if configured != "" {
		return configured
	}
	dir := filepath.Dir(script)
	for _, venv := range []string{filepath.Join(dir, "venv"), filepath.Join(dir, "..", "venv")} {
		python := filepath.Join(venv, "bin", "python")
		if info, err := os.Stat(python); err == nil && !info.IsDir() {
			return python
		}
	}
	return "python3"
}
