// Package inference defines the contract between the detection pipeline and
// the model executor, and an ONNX Runtime implementation of it.
package inference

import (
	"context"

	"github.com/pkg/errors"
)

// ErrModelUnavailable is terminal for a detection session: the model or the
// runtime could not be loaded.
var ErrModelUnavailable = errors.New("model unavailable")

// Tensor is a dense float32 buffer with its shape.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NewTensor checks that data holds exactly the elements shape describes.
func NewTensor(shape []int64, data []float32) (Tensor, error) {
	n, err := elements(shape)
	if err != nil {
		return Tensor{}, err
	}
	if int64(len(data)) != n {
		return Tensor{}, errors.Errorf("tensor shape %v needs %d values, got %d", shape, n, len(data))
	}
	return Tensor{Shape: shape, Data: data}, nil
}

// Elements is the product of the shape's dimensions.
func (t Tensor) Elements() int64 {
	n, err := elements(t.Shape)
	if err != nil {
		return -1
	}
	return n
}

func elements(shape []int64) (int64, error) {
	if len(shape) == 0 {
		return 0, errors.New("tensor shape is empty")
	}
	n := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return 0, errors.Errorf("tensor shape %v has a non-positive dimension", shape)
		}
		n *= d
	}
	return n, nil
}

// Outputs maps output names to tensors and remembers the order the engine
// produced them in.
type Outputs struct {
	names   []string
	tensors map[string]Tensor
}

// NewOutputs returns an empty output set.
func NewOutputs() *Outputs {
	return &Outputs{tensors: make(map[string]Tensor)}
}

// Set stores t under name, keeping the first insertion position.
func (o *Outputs) Set(name string, t Tensor) {
	if _, ok := o.tensors[name]; !ok {
		o.names = append(o.names, name)
	}
	o.tensors[name] = t
}

// Get returns the tensor stored under name.
func (o *Outputs) Get(name string) (Tensor, bool) {
	if o == nil {
		return Tensor{}, false
	}
	t, ok := o.tensors[name]
	return t, ok
}

// Names lists output names in engine order.
func (o *Outputs) Names() []string {
	if o == nil {
		return nil
	}
	return append([]string(nil), o.names...)
}

// Len is the number of outputs.
func (o *Outputs) Len() int {
	if o == nil {
		return 0
	}
	return len(o.names)
}

// SelectOutput returns the output called name, falling back to the first
// output when no output has that name.
func SelectOutput(o *Outputs, name string) (string, Tensor, bool) {
	if t, ok := o.Get(name); ok {
		return name, t, true
	}
	if o.Len() == 0 {
		return "", Tensor{}, false
	}
	first := o.names[0]
	return first, o.tensors[first], true
}

// Engine executes the detection model on one input tensor.
type Engine interface {
	Run(ctx context.Context, input Tensor) (*Outputs, error)
	Close() error
}
