package classifier

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"runtime"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/gazegrid/internal/tensor"
)

// DefaultOutputName is the probability output of the shipped models.
const DefaultOutputName = "prob"

// DNNClassifier runs a frozen graph through the OpenCV DNN module.
type DNNClassifier struct {
	net    gocv.Net
	output string
	mu     sync.Mutex
}

// NewDNNLoader returns a Loader that reads models with OpenCV and reads
// probabilities from the named output.
func NewDNNLoader(output string) Loader {
	return func(path string) (Classifier, error) {
		return NewDNNClassifier(path, output)
	}
}

// NewDNNClassifier loads the model at path.
func NewDNNClassifier(path, output string) (*DNNClassifier, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	net := gocv.ReadNet(path, "")
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("model %s could not be read", path)
	}
	if output == "" {
		output = DefaultOutputName
	}
	return &DNNClassifier{net: net, output: output}, nil
}

// Infer feeds every input, runs the graph and copies out the probabilities.
// Each input gets a leading batch dimension of 1.
func (c *DNNClassifier) Infer(inputs []tensor.NamedTensor) ([]float32, error) {
	blobs := make([]gocv.Mat, 0, len(inputs))
	raw := make([][]byte, 0, len(inputs))
	defer func() {
		for _, b := range blobs {
			b.Close()
		}
	}()

	for _, in := range inputs {
		if len(in.Data) != in.Len() {
			return nil, fmt.Errorf("input %s has %d values for shape %v", in.Name, len(in.Data), in.Shape)
		}
		sizes := append([]int{1}, in.Shape...)
		data := float32Bytes(in.Data)
		blob, err := gocv.NewMatWithSizesFromBytes(sizes, gocv.MatTypeCV32F, data)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Name, err)
		}
		blobs = append(blobs, blob)
		raw = append(raw, data)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, in := range inputs {
		c.net.SetInput(blobs[i], in.Name)
	}

	out := c.net.Forward(c.output)
	defer out.Close()
	if out.Empty() {
		return nil, fmt.Errorf("model produced no output %q", c.output)
	}

	probs, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	// the blobs may share memory with raw until the forward pass is done
	runtime.KeepAlive(raw)
	return append([]float32(nil), probs...), nil
}

// Close releases the network.
func (c *DNNClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.net.Close()
}

// float32Bytes encodes values in the host byte order OpenCV expects.
func float32Bytes(values []float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.NativeEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}
