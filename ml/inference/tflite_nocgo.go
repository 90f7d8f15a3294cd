//go:build no_tflite || no_cgo

package inference

import (
	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/ml"
)

// TFLiteStruct is unusable in builds without tflite.
type TFLiteStruct struct {
	Info *TFLiteInfo
}

// TFLiteModelLoader is unusable in builds without tflite.
type TFLiteModelLoader struct{}

// NewDefaultTFLiteModelLoader always fails with ErrUnsupported.
func NewDefaultTFLiteModelLoader(logger logging.Logger) (*TFLiteModelLoader, error) {
	return nil, ErrUnsupported
}

// NewTFLiteModelLoader always fails with ErrUnsupported.
func NewTFLiteModelLoader(numThreads int, logger logging.Logger) (*TFLiteModelLoader, error) {
	return nil, ErrUnsupported
}

// Load always fails with ErrUnsupported.
func (loader *TFLiteModelLoader) Load(modelPath string) (*TFLiteStruct, error) {
	return nil, ErrUnsupported
}

// Infer always fails with ErrUnsupported.
func (t *TFLiteStruct) Infer(inputTensors ml.Tensors) (ml.Tensors, error) {
	return nil, ErrUnsupported
}

// Close is a no-op.
func (t *TFLiteStruct) Close() error {
	return nil
}
