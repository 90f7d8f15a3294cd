// Package tflitecpu runs tflite model files on the host's CPU, as an implementation of the ML
// model service.
package tflitecpu

import (
	"context"
	fp "path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/ml"
	inf "github.com/mhss/shade/ml/inference"
	"github.com/mhss/shade/services/mlmodel"
)

// TFLiteConfig contains the parameters specific to a tflite_cpu implementation of the ML model
// service.
type TFLiteConfig struct {
	ModelPath  string `json:"model_path"`
	NumThreads int    `json:"num_threads"`
}

// Model is a struct that implements the TensorflowLite CPU implementation of the ML model
// service.
type Model struct {
	conf     TFLiteConfig
	model    *inf.TFLiteStruct
	metadata mlmodel.MLMetadata
	logger   logging.Logger
	// names maps the interpreter's output keys to the names in metadata.
	names map[string]string

	renameOnce sync.Once
	results    ml.Tensors
}

// NewTFLiteCPUModel is a constructor that builds a tflite cpu implementation of the ML model
// service.
func NewTFLiteCPUModel(ctx context.Context, params *TFLiteConfig, logger logging.Logger) (mlmodel.Service, error) {
	if params == nil {
		return nil, errors.New("could not find parameters")
	}
	var loader *inf.TFLiteModelLoader
	var err error
	if params.NumThreads <= 0 {
		loader, err = inf.NewDefaultTFLiteModelLoader(logger)
	} else {
		loader, err = inf.NewTFLiteModelLoader(params.NumThreads, logger)
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get loader")
	}

	path := params.ModelPath
	if fullpath, err := fp.Abs(params.ModelPath); err == nil {
		path = fullpath
	}
	model, err := loader.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not add model from location %s", path)
	}

	m := &Model{conf: *params, model: model, logger: logger, names: outputNames(model.Info)}
	m.metadata = m.fillMetadata()
	logger.Infow("loaded tflite model",
		"path", path, "input", model.Info.InputShape, "outputs", model.Info.OutputShapes)
	return m, nil
}

// Infer runs the model. Outputs are named as in Metadata. The returned tensors are reused by the
// next call.
func (m *Model) Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
	outTensors, err := m.model.Infer(tensors)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't infer from model %q", m.conf.ModelPath)
	}
	// The interpreter hands back the same tensors every call, so the renamed view is built once.
	m.renameOnce.Do(func() {
		m.results = make(ml.Tensors, len(outTensors))
		for key, tensor := range outTensors {
			name, ok := m.names[key]
			if !ok {
				name = key
			}
			m.results[name] = tensor
		}
	})
	return m.results, nil
}

// Metadata describes the model from the interpreter's view of its tensors.
func (m *Model) Metadata(ctx context.Context) (mlmodel.MLMetadata, error) {
	return m.metadata, nil
}

// Close releases the interpreter.
func (m *Model) Close(ctx context.Context) error {
	return m.model.Close()
}

func (m *Model) fillMetadata() mlmodel.MLMetadata {
	info := m.model.Info
	out := mlmodel.MLMetadata{
		ModelName: strings.TrimSuffix(fp.Base(m.conf.ModelPath), fp.Ext(m.conf.ModelPath)),
		ModelType: "tflite_detector",
	}

	in := mlmodel.TensorInfo{Name: "image", Shape: info.InputShape}
	switch info.InputTensorType {
	case inf.UInt8:
		in.DataType = "uint8"
	case inf.Float32:
		in.DataType = "float32"
	}
	out.Inputs = []mlmodel.TensorInfo{in}

	for i := 0; i < info.OutputTensorCount && i < len(info.OutputTensorTypes); i++ {
		out.Outputs = append(out.Outputs, mlmodel.TensorInfo{
			Name:     m.names[info.OutputKey(i)],
			DataType: strings.ToLower(info.OutputTensorTypes[i]),
			Shape:    info.OutputShapes[i],
		})
	}
	return out
}

// outputNames names each output after its tflite tensor with the `:<index>` suffix removed. Names
// that would collide keep the suffix.
func outputNames(info *inf.TFLiteInfo) map[string]string {
	seen := make(map[string]int, info.OutputTensorCount)
	for i := 0; i < info.OutputTensorCount; i++ {
		seen[trimOrdinal(info.OutputKey(i))]++
	}
	names := make(map[string]string, info.OutputTensorCount)
	for i := 0; i < info.OutputTensorCount; i++ {
		key := info.OutputKey(i)
		name := trimOrdinal(key)
		if seen[name] > 1 {
			name = key
		}
		names[key] = name
	}
	return names
}

func trimOrdinal(name string) string {
	parts := strings.Split(name, ":")
	if len(parts) < 2 {
		return name
	}
	if _, err := strconv.Atoi(parts[len(parts)-1]); err != nil {
		return name
	}
	trimmed := strings.Join(parts[:len(parts)-1], ":")
	if trimmed == "" {
		return name
	}
	return trimmed
}
