// Package nn is a scalar reverse-mode autograd engine plus the layers,
// optimizer and learning-rate schedule used to train the sequence aggregator.
//
// Gradients accumulate into leaves across Backward calls until ZeroGrad,
// which is what gradient accumulation over several mini-batches relies on.
package nn

import "math"

// Value is a scalar node in a computation graph.
type Value struct {
	Data float64
	Grad float64

	children []*Value
	local    []float64
}

// V wraps x as a graph leaf.
func V(x float64) *Value {
	return &Value{Data: x}
}

// Constants wraps a plain vector as graph leaves.
func Constants(xs []float64) []*Value {
	out := make([]*Value, len(xs))
	for i, x := range xs {
		out[i] = V(x)
	}
	return out
}

// Data copies the forward values out of a vector of nodes.
func Data(xs []*Value) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = x.Data
	}
	return out
}

func Add(a, b *Value) *Value {
	return &Value{Data: a.Data + b.Data, children: []*Value{a, b}, local: []float64{1, 1}}
}

func Sub(a, b *Value) *Value {
	return &Value{Data: a.Data - b.Data, children: []*Value{a, b}, local: []float64{1, -1}}
}

func Mul(a, b *Value) *Value {
	return &Value{Data: a.Data * b.Data, children: []*Value{a, b}, local: []float64{b.Data, a.Data}}
}

// Scale multiplies a by a constant.
func Scale(a *Value, k float64) *Value {
	return &Value{Data: a.Data * k, children: []*Value{a}, local: []float64{k}}
}

func Tanh(a *Value) *Value {
	t := math.Tanh(a.Data)
	return &Value{Data: t, children: []*Value{a}, local: []float64{1 - t*t}}
}

func Sigmoid(a *Value) *Value {
	s := 1 / (1 + math.Exp(-a.Data))
	return &Value{Data: s, children: []*Value{a}, local: []float64{s * (1 - s)}}
}

func ReLU(a *Value) *Value {
	val, grad := 0.0, 0.0
	if a.Data > 0 {
		val, grad = a.Data, 1
	}
	return &Value{Data: val, children: []*Value{a}, local: []float64{grad}}
}

// Dot is the inner product of a and b as a single node. It panics on a
// length mismatch, which is always a wiring bug.
func Dot(a, b []*Value) *Value {
	if len(a) != len(b) {
		panic("nn: dot of vectors with different lengths")
	}
	n := len(a)
	out := &Value{
		children: make([]*Value, 0, 2*n),
		local:    make([]float64, 0, 2*n),
	}
	for i := 0; i < n; i++ {
		out.Data += a[i].Data * b[i].Data
	}
	out.children = append(out.children, a...)
	out.children = append(out.children, b...)
	for i := 0; i < n; i++ {
		out.local = append(out.local, b[i].Data)
	}
	for i := 0; i < n; i++ {
		out.local = append(out.local, a[i].Data)
	}
	return out
}

// Sum adds all xs as a single node.
func Sum(xs []*Value) *Value {
	out := &Value{children: xs, local: make([]float64, len(xs))}
	for i, x := range xs {
		out.Data += x.Data
		out.local[i] = 1
	}
	return out
}

// MSE is the mean squared error of preds against targets.
func MSE(preds []*Value, targets []float64) *Value {
	if len(preds) != len(targets) {
		panic("nn: mse of vectors with different lengths")
	}
	sq := make([]*Value, len(preds))
	for i, p := range preds {
		d := Sub(p, V(targets[i]))
		sq[i] = Mul(d, d)
	}
	return Scale(Sum(sq), 1/float64(len(preds)))
}

// Backward propagates d(root)/d(node) into every node reachable from root.
// Leaf gradients are added to, never reset.
func Backward(root *Value) {
	topo := topoSort(root)
	root.Grad += 1
	for i := len(topo) - 1; i >= 0; i-- {
		v := topo[i]
		for j, child := range v.children {
			child.Grad += v.local[j] * v.Grad
		}
	}
}

// topoSort returns the graph below root in post-order. It walks iteratively
// since LSTM graphs over long documents get deep.
func topoSort(root *Value) []*Value {
	type frame struct {
		v    *Value
		next int
	}
	var order []*Value
	visited := map[*Value]bool{root: true}
	stack := []frame{{v: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.v.children) {
			child := top.v.children[top.next]
			top.next++
			if !visited[child] {
				visited[child] = true
				stack = append(stack, frame{v: child})
			}
			continue
		}
		order = append(order, top.v)
		stack = stack[:len(stack)-1]
	}
	return order
}
