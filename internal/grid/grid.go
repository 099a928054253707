// Package grid maps classifier outputs onto screen regions.
package grid

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strconv"
)

// ErrInvariant is returned when a class or arity cannot be mapped. It always
// indicates a mismatch between the active classifier and the grid.
var ErrInvariant = errors.New("grid invariant violated")

// Arity is the number of screen regions a classifier distinguishes.
type Arity int

// Supported arities.
const (
	Arity4 Arity = 4
	Arity6 Arity = 6
	Arity9 Arity = 9
)

// DefaultArity is used when nothing else is configured.
const DefaultArity = Arity4

// Arities lists every supported arity in ascending order.
var Arities = []Arity{Arity4, Arity6, Arity9}

// Valid reports whether a is a supported arity.
func (a Arity) Valid() bool {
	_, ok := layouts[a]
	return ok
}

func (a Arity) String() string {
	return strconv.Itoa(int(a))
}

// ParseArity converts "4", "6" or "9" into an Arity.
func ParseArity(s string) (Arity, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse arity %q: %w", s, err)
	}
	a := Arity(n)
	if !a.Valid() {
		return 0, fmt.Errorf("unsupported arity %d", n)
	}
	return a, nil
}

// cell is a zero-based (column, row) position in the grid.
type cell struct {
	col, row int
}

type layout struct {
	cols, rows int
	cells      []cell
}

// Class to cell tables. Classes run down each column, and columns are
// numbered from the right edge of the screen.
var layouts = map[Arity]layout{
	Arity4: {
		cols: 2, rows: 2,
		cells: []cell{{1, 0}, {1, 1}, {0, 0}, {0, 1}},
	},
	Arity6: {
		cols: 2, rows: 3,
		cells: []cell{{1, 0}, {1, 1}, {1, 2}, {0, 0}, {0, 1}, {0, 2}},
	},
	Arity9: {
		cols: 3, rows: 3,
		cells: []cell{
			{2, 0}, {2, 1}, {2, 2},
			{1, 0}, {1, 1}, {1, 2},
			{0, 0}, {0, 1}, {0, 2},
		},
	},
}

// Dimensions returns the number of columns and rows for the arity.
func (a Arity) Dimensions() (cols, rows int, ok bool) {
	l, ok := layouts[a]
	return l.cols, l.rows, ok
}

// MapClassToRegion returns the screen rectangle for a class index. Cell
// edges are placed at i*screenW/cols and j*screenH/rows so the regions of
// one arity tile the screen without gaps or overlap.
func MapClassToRegion(class int, arity Arity, screenW, screenH int) (image.Rectangle, error) {
	l, ok := layouts[arity]
	if !ok {
		return image.Rectangle{}, fmt.Errorf("%w: unknown arity %d", ErrInvariant, arity)
	}
	if class < 0 || class >= len(l.cells) {
		return image.Rectangle{}, fmt.Errorf("%w: class %d out of range for arity %d", ErrInvariant, class, arity)
	}

	c := l.cells[class]
	return image.Rect(
		c.col*screenW/l.cols,
		c.row*screenH/l.rows,
		(c.col+1)*screenW/l.cols,
		(c.row+1)*screenH/l.rows,
	), nil
}

// ArgMax returns the index of the largest probability. The first index wins
// ties and NaN entries never win. It returns 0 when every entry is NaN and
// -1 for an empty slice.
func ArgMax(probs []float32) int {
	if len(probs) == 0 {
		return -1
	}
	best := -1
	for i, p := range probs {
		if math.IsNaN(float64(p)) {
			continue
		}
		if best < 0 || probs[best] < p {
			best = i
		}
	}
	if best < 0 {
		return 0
	}
	return best
}
