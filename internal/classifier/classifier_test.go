package classifier

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/ayusman/gazegrid/internal/grid"
	"github.com/ayusman/gazegrid/internal/tensor"
)

func TestLoadModelSet(t *testing.T) {
	t.Run("loads every configured arity", func(t *testing.T) {
		loaded := map[string]*MockClassifier{}
		load := func(path string) (Classifier, error) {
			m := NewMockClassifier()
			loaded[path] = m
			return m, nil
		}

		set, err := LoadModelSet(map[grid.Arity]string{
			grid.Arity4: "c4.pb",
			grid.Arity9: "c9.pb",
		}, load)
		if err != nil {
			t.Fatalf("LoadModelSet() error = %v", err)
		}

		got := set.Arities()
		if len(got) != 2 || got[0] != grid.Arity4 || got[1] != grid.Arity9 {
			t.Errorf("Arities() = %v", got)
		}
		if _, ok := set.Get(grid.Arity6); ok {
			t.Error("expected no 6-class model")
		}
		if c, ok := set.Get(grid.Arity9); !ok || c != loaded["c9.pb"] {
			t.Error("expected the 9-class model to be the one loaded from c9.pb")
		}

		if err := set.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		for path, m := range loaded {
			if !m.Closed() {
				t.Errorf("%s was not closed", path)
			}
		}
	})

	t.Run("any failure refuses the whole set", func(t *testing.T) {
		var opened []*MockClassifier
		load := func(path string) (Classifier, error) {
			if path == "bad.pb" {
				return nil, errors.New("corrupt")
			}
			m := NewMockClassifier()
			opened = append(opened, m)
			return m, nil
		}

		_, err := LoadModelSet(map[grid.Arity]string{
			grid.Arity4: "c4.pb",
			grid.Arity6: "bad.pb",
		}, load)
		if err == nil {
			t.Fatal("expected an error")
		}
		for _, m := range opened {
			if !m.Closed() {
				t.Error("models loaded before the failure should be closed")
			}
		}
	})

	t.Run("no paths", func(t *testing.T) {
		_, err := LoadModelSet(nil, func(string) (Classifier, error) { return NewMockClassifier(), nil })
		if !errors.Is(err, ErrModelNotLoaded) {
			t.Errorf("expected ErrModelNotLoaded, got %v", err)
		}
	})
}

func TestModelSet_PutReplaces(t *testing.T) {
	set := NewModelSet()
	first := NewMockClassifier()
	second := NewMockClassifier()

	set.Put(grid.Arity4, first)
	set.Put(grid.Arity4, second)

	if !first.Closed() {
		t.Error("replaced model should be closed")
	}
	if c, _ := set.Get(grid.Arity4); c != second {
		t.Error("expected the replacement to be active")
	}
}

func TestMockClassifier(t *testing.T) {
	m := NewMockClassifier(0.1, 0.9)
	inputs := []tensor.NamedTensor{{Name: tensor.InputPosLeft, Shape: []int{4, 1}, Data: make([]float32, 4)}}

	probs, err := m.Infer(inputs)
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if len(probs) != 2 || probs[1] != 0.9 {
		t.Errorf("unexpected probabilities %v", probs)
	}
	if m.Calls() != 1 || len(m.LastInputs()) != 1 {
		t.Errorf("expected one recorded call, got %d", m.Calls())
	}

	m.SetError(errors.New("boom"))
	if _, err := m.Infer(inputs); err == nil {
		t.Error("expected configured error")
	}
}

func TestFloat32Bytes(t *testing.T) {
	values := []float32{0, 1.5, -2, 255}
	b := float32Bytes(values)
	if len(b) != 16 {
		t.Fatalf("expected 16 bytes, got %d", len(b))
	}
	for i, want := range values {
		got := math.Float32frombits(binary.NativeEndian.Uint32(b[4*i:]))
		if got != want {
			t.Errorf("value %d = %f, want %f", i, got, want)
		}
	}
}

func TestNewDNNClassifier_MissingModel(t *testing.T) {
	if _, err := NewDNNClassifier("does/not/exist.pb", ""); err == nil {
		t.Error("expected an error for a missing model")
	}
}
