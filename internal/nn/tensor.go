package nn

import (
	"fmt"
	"math/rand"
	"sort"
)

// Tensor is a named row-major matrix of graph leaves. Vectors are stored as
// a single row.
type Tensor struct {
	Name string
	Rows [][]*Value
}

// NewTensor allocates a rows x cols tensor filled by fill.
func NewTensor(name string, rows, cols int, fill func() float64) *Tensor {
	t := &Tensor{Name: name, Rows: make([][]*Value, rows)}
	for i := range t.Rows {
		row := make([]*Value, cols)
		for j := range row {
			row[j] = V(fill())
		}
		t.Rows[i] = row
	}
	return t
}

// Uniform returns an initializer drawing from U(-bound, bound).
func Uniform(rng *rand.Rand, bound float64) func() float64 {
	return func() float64 {
		return (rng.Float64()*2 - 1) * bound
	}
}

// Shape returns rows and columns.
func (t *Tensor) Shape() (int, int) {
	if len(t.Rows) == 0 {
		return 0, 0
	}
	return len(t.Rows), len(t.Rows[0])
}

// Size is the number of scalars held.
func (t *Tensor) Size() int {
	r, c := t.Shape()
	return r * c
}

// Each visits every scalar in row-major order.
func (t *Tensor) Each(fn func(i int, v *Value)) {
	i := 0
	for _, row := range t.Rows {
		for _, v := range row {
			fn(i, v)
			i++
		}
	}
}

// StateDict maps tensor names to their values.
type StateDict map[string][][]float64

// Keys returns the tensor names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExportState snapshots params into a StateDict.
func ExportState(params []*Tensor) StateDict {
	sd := make(StateDict, len(params))
	for _, p := range params {
		rows := make([][]float64, len(p.Rows))
		for i, row := range p.Rows {
			rows[i] = Data(row)
		}
		sd[p.Name] = rows
	}
	return sd
}

// ImportState overwrites params in place from sd. Every tensor must be
// present with a matching shape and sd must not carry unknown names.
func ImportState(params []*Tensor, sd StateDict) error {
	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p.Name] = true
		src, ok := sd[p.Name]
		if !ok {
			return fmt.Errorf("missing tensor %q", p.Name)
		}
		rows, cols := p.Shape()
		if len(src) != rows {
			return fmt.Errorf("tensor %q: got %d rows, want %d", p.Name, len(src), rows)
		}
		for i, row := range src {
			if len(row) != cols {
				return fmt.Errorf("tensor %q row %d: got %d cols, want %d", p.Name, i, len(row), cols)
			}
		}
	}
	for name := range sd {
		if !known[name] {
			return fmt.Errorf("unexpected tensor %q", name)
		}
	}
	for _, p := range params {
		src := sd[p.Name]
		for i, row := range p.Rows {
			for j, v := range row {
				v.Data = src[i][j]
			}
		}
	}
	return nil
}

// ZeroGrad clears the accumulated gradient of every scalar in params.
func ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.Each(func(_ int, v *Value) { v.Grad = 0 })
	}
}
