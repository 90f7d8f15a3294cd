// Package mlmodel defines the service that takes in a map of input tensors, passes them through
// an inference engine, and returns a map of output tensors.
package mlmodel

import (
	"context"

	"github.com/pkg/errors"

	"github.com/mhss/shade/ml"
)

// Service is the model abstraction the detection session runs frames through.
type Service interface {
	Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error)
	Metadata(ctx context.Context) (MLMetadata, error)
	Close(ctx context.Context) error
}

// MLMetadata contains the metadata of the model file, such as the name of the model, what
// kind of model it is, and the expected tensor/array shape and types of the inputs and outputs.
type MLMetadata struct {
	ModelName        string
	ModelType        string // e.g. object_detector
	ModelDescription string
	Inputs           []TensorInfo
	Outputs          []TensorInfo
}

// TensorInfo contains the information necessary to interpret a tensor.
type TensorInfo struct {
	Name        string // e.g. detections
	Description string
	DataType    string // e.g. uint8, float32, int
	Shape       []int  // -1 means the dimension is not known ahead of time
	Extra       map[string]interface{}
}

// SingleInput returns the only input of the model.
func (mm MLMetadata) SingleInput() (TensorInfo, error) {
	if len(mm.Inputs) != 1 {
		return TensorInfo{}, errors.Errorf("model %q has %d inputs, expected 1", mm.ModelName, len(mm.Inputs))
	}
	return mm.Inputs[0], nil
}
