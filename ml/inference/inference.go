// Package inference loads model files and runs them on the local machine.
package inference

import (
	"strconv"

	"github.com/pkg/errors"
)

// InTensorType is a wrapper around a string that details the allowed input tensor types.
type InTensorType string

// UInt8 and Float32 are the currently supported input tensor types.
const (
	UInt8   = InTensorType("UInt8")
	Float32 = InTensorType("Float32")
)

// ErrUnsupported is returned by every loader when the binary was built without tflite support.
var ErrUnsupported = errors.New("tflite support not compiled in (built with no_tflite or no_cgo)")

// TFLiteInfo holds information about a model that are useful for creating input tensors bytes.
type TFLiteInfo struct {
	InputHeight       int
	InputWidth        int
	InputChannels     int
	InputShape        []int
	InputTensorType   InTensorType
	InputTensorCount  int
	OutputTensorCount int
	OutputTensorNames []string
	OutputTensorTypes []string
	OutputShapes      [][]int
}

// OutputKey is the name Infer gives output `i`: the tensor name with its index appended, so two
// outputs sharing a name stay apart.
func (info *TFLiteInfo) OutputKey(i int) string {
	return info.OutputTensorNames[i] + ":" + strconv.Itoa(i)
}

func (info *TFLiteInfo) validate() error {
	if info.InputTensorCount != 1 {
		return errors.Errorf("expected a single input tensor, model has %d", info.InputTensorCount)
	}
	if len(info.InputShape) != 4 {
		return errors.Errorf("expected input shape [1,H,W,C], got %v", info.InputShape)
	}
	if info.OutputTensorCount < 1 {
		return errors.New("model has no output tensors")
	}
	return nil
}
