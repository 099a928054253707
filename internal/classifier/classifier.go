// Package classifier runs the trained gaze classifiers. Each grid arity has
// its own model producing one probability per screen region.
package classifier

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ayusman/gazegrid/internal/grid"
	"github.com/ayusman/gazegrid/internal/tensor"
)

// ErrModelNotLoaded is returned when no model exists for an arity.
var ErrModelNotLoaded = errors.New("model not loaded")

// Classifier maps a set of named inputs to class probabilities.
type Classifier interface {
	Infer(inputs []tensor.NamedTensor) ([]float32, error)
	Close() error
}

// ModelSet holds one classifier per arity.
type ModelSet struct {
	mu     sync.RWMutex
	models map[grid.Arity]Classifier
}

// NewModelSet creates an empty set.
func NewModelSet() *ModelSet {
	return &ModelSet{models: make(map[grid.Arity]Classifier)}
}

// Loader opens the model stored at path.
type Loader func(path string) (Classifier, error)

// LoadModelSet loads a model for every arity in paths. Any failure closes
// what was loaded and returns the error, so a partially usable set is never
// returned.
func LoadModelSet(paths map[grid.Arity]string, load Loader) (*ModelSet, error) {
	set := NewModelSet()
	for _, a := range grid.Arities {
		path, ok := paths[a]
		if !ok || path == "" {
			continue
		}
		c, err := load(path)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("load %d-class model: %w", a, err)
		}
		set.Put(a, c)
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("%w: no model paths configured", ErrModelNotLoaded)
	}
	return set, nil
}

// Put registers c for arity a, closing any model it replaces.
func (s *ModelSet) Put(a grid.Arity, c Classifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.models[a]; ok && old != c {
		old.Close()
	}
	s.models[a] = c
}

// Get returns the classifier for arity a.
func (s *ModelSet) Get(a grid.Arity) (Classifier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.models[a]
	return c, ok
}

// Arities lists the arities with a loaded model.
func (s *ModelSet) Arities() []grid.Arity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []grid.Arity
	for _, a := range grid.Arities {
		if _, ok := s.models[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Len returns the number of loaded models.
func (s *ModelSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.models)
}

// Close releases every model.
func (s *ModelSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for a, c := range s.models {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.models, a)
	}
	return first
}
