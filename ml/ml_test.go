package ml

import (
	"testing"

	"go.viam.com/test"
	"gorgonia.org/tensor"
)

func TestTensors(t *testing.T) {
	input := NewFloat32(1, 4, 3, 3)
	test.That(t, input.Shape(), test.ShouldResemble, tensor.Shape{1, 4, 3, 3})

	data, err := Float32s(input)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(data), test.ShouldEqual, 36)
	data[5] = 0.5
	again, err := Float32s(input)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again[5], test.ShouldEqual, float32(0.5))

	ts := Tensors{"image": input}
	name, only, err := ts.Only()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, name, test.ShouldEqual, "image")
	test.That(t, only, test.ShouldEqual, input)

	ts["other"] = NewFloat32(1)
	test.That(t, ts.Names(), test.ShouldResemble, []string{"image", "other"})
	_, _, err = ts.Only()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "got 2")
}

func TestFloat32sWrongType(t *testing.T) {
	ints := tensor.New(tensor.WithShape(2), tensor.WithBacking([]int32{1, 2}))
	_, err := Float32s(ints)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Float32s(nil)
	test.That(t, err, test.ShouldNotBeNil)
}
