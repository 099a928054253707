package detector

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/gazegrid/internal/geometry"
)

// CascadeDetector finds faces with OpenCV Haar cascades.
type CascadeDetector struct {
	config  Config
	frontal gocv.CascadeClassifier
	profile *gocv.CascadeClassifier
	mu      sync.Mutex
}

// NewCascadeDetector loads the configured cascades. A missing frontal
// cascade is an error; a missing profile cascade only disables profile search.
func NewCascadeDetector(config Config) (*CascadeDetector, error) {
	path := findAsset(config.CascadePath)
	if path == "" {
		return nil, fmt.Errorf("face cascade %q not found", config.CascadePath)
	}

	frontal := gocv.NewCascadeClassifier()
	if !frontal.Load(path) {
		frontal.Close()
		return nil, fmt.Errorf("load face cascade %s", path)
	}

	d := &CascadeDetector{config: config, frontal: frontal}

	if config.ProfileCascadePath != "" {
		if p := findAsset(config.ProfileCascadePath); p != "" {
			profile := gocv.NewCascadeClassifier()
			if profile.Load(p) {
				d.profile = &profile
			} else {
				profile.Close()
			}
		}
	}

	return d, nil
}

// DetectFace returns the first face found by the frontal cascade, then by the
// profile cascade unless frontOnly is set.
func (d *CascadeDetector) DetectFace(gray *gocv.Mat, minSize, maxSize int, frontOnly bool) (geometry.FaceBox, bool, error) {
	if gray == nil || gray.Empty() {
		return geometry.FaceBox{}, false, fmt.Errorf("empty frame")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.search(*gray, minSize, maxSize, frontOnly)
	if !ok {
		return geometry.FaceBox{}, false, nil
	}
	return geometry.FaceBoxFromPixels(r, gray.Cols(), gray.Rows()), true, nil
}

// TrackFace searches a window around the prior face for a face of similar
// size.
func (d *CascadeDetector) TrackFace(gray *gocv.Mat, prior geometry.FaceBox) (geometry.FaceBox, bool, error) {
	if gray == nil || gray.Empty() {
		return geometry.FaceBox{}, false, fmt.Errorf("empty frame")
	}
	if !prior.Valid() {
		return geometry.FaceBox{}, false, nil
	}

	w, h := gray.Cols(), gray.Rows()
	face := prior.Pixels(w, h)
	window := TrackWindow(face, d.config.TrackMargin, w, h)
	if window.Empty() {
		return geometry.FaceBox{}, false, nil
	}

	size := face.Dx()
	if face.Dy() > size {
		size = face.Dy()
	}

	roi := gray.Region(window)
	defer roi.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.search(roi, size/2, size*3/2, false)
	if !ok {
		return geometry.FaceBox{}, false, nil
	}
	return geometry.FaceBoxFromPixels(r.Add(window.Min), w, h), true, nil
}

// DetectLandmarks is not supported by cascades.
func (d *CascadeDetector) DetectLandmarks(*gocv.Mat, geometry.FaceBox) (geometry.LandmarkSet, bool, error) {
	return nil, false, fmt.Errorf("cascade detector has no landmark model")
}

// Close releases the cascades.
func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.frontal.Close()
	if d.profile != nil {
		d.profile.Close()
		d.profile = nil
	}
	return err
}

func (d *CascadeDetector) search(img gocv.Mat, minSize, maxSize int, frontOnly bool) (image.Rectangle, bool) {
	minPt := image.Pt(minSize, minSize)
	maxPt := image.Pt(maxSize, maxSize)

	faces := d.frontal.DetectMultiScaleWithParams(img, d.config.ScaleFactor, d.config.MinNeighbors, 0, minPt, maxPt)
	if len(faces) > 0 {
		return faces[0], true
	}
	if frontOnly || d.profile == nil {
		return image.Rectangle{}, false
	}

	faces = d.profile.DetectMultiScaleWithParams(img, d.config.ScaleFactor, d.config.MinNeighbors, 0, minPt, maxPt)
	if len(faces) > 0 {
		return faces[0], true
	}
	return image.Rectangle{}, false
}

// TrackWindow grows face by margin of its size on every side and clips the
// result to the frame.
func TrackWindow(face image.Rectangle, margin float64, frameW, frameH int) image.Rectangle {
	dx := int(math.Round(float64(face.Dx()) * margin))
	dy := int(math.Round(float64(face.Dy()) * margin))
	return image.Rect(face.Min.X-dx, face.Min.Y-dy, face.Max.X+dx, face.Max.Y+dy).
		Intersect(image.Rect(0, 0, frameW, frameH))
}

// findAsset resolves a data file against the working directory, the
// executable's directory and ~/.gazegrid.
func findAsset(path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		return ""
	}

	var execDir string
	if execPath, err := os.Executable(); err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		path,
		filepath.Join("..", path),
		filepath.Join(execDir, path),
		filepath.Join(os.Getenv("HOME"), ".gazegrid", path),
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}
	return ""
}
