package inference

import (
	"testing"

	"go.viam.com/test"
)

func TestNewTensor(t *testing.T) {
	tensor, err := NewTensor([]int64{1, 2, 3}, make([]float32, 6))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tensor.Elements(), test.ShouldEqual, 6)

	_, err = NewTensor([]int64{1, 2, 3}, make([]float32, 5))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "needs 6 values")

	_, err = NewTensor([]int64{1, -1, 6}, make([]float32, 6))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewTensor(nil, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSelectOutput(t *testing.T) {
	out := NewOutputs()
	out.Set("boxes", Tensor{Shape: []int64{1, 1, 6}, Data: make([]float32, 6)})
	out.Set("output0", Tensor{Shape: []int64{1, 20, 2}, Data: make([]float32, 40)})

	t.Run("canonical name wins", func(t *testing.T) {
		name, tensor, ok := SelectOutput(out, "output0")
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, name, test.ShouldEqual, "output0")
		test.That(t, tensor.Shape, test.ShouldResemble, []int64{1, 20, 2})
	})

	t.Run("falls back to first output", func(t *testing.T) {
		name, tensor, ok := SelectOutput(out, "detections")
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, name, test.ShouldEqual, "boxes")
		test.That(t, tensor.Shape, test.ShouldResemble, []int64{1, 1, 6})
	})

	t.Run("empty outputs", func(t *testing.T) {
		_, _, ok := SelectOutput(NewOutputs(), "output0")
		test.That(t, ok, test.ShouldBeFalse)
		_, _, ok = SelectOutput(nil, "output0")
		test.That(t, ok, test.ShouldBeFalse)
	})
}

func TestOutputsKeepInsertionOrder(t *testing.T) {
	out := NewOutputs()
	out.Set("b", Tensor{})
	out.Set("a", Tensor{})
	out.Set("b", Tensor{Shape: []int64{1}})
	test.That(t, out.Names(), test.ShouldResemble, []string{"b", "a"})
	test.That(t, out.Len(), test.ShouldEqual, 2)

	got, ok := out.Get("b")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.Shape, test.ShouldResemble, []int64{1})
}
