//go:build !no_tflite && !no_cgo

package inference

import (
	"runtime"
	"sync"

	tflite "github.com/mattn/go-tflite"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/ml"
	"github.com/mhss/shade/utils"
)

// TFLiteStruct holds information, model and interpreter of a tflite model in go.
type TFLiteStruct struct {
	mu          sync.Mutex
	model       *tflite.Model
	interpreter *tflite.Interpreter
	options     *tflite.InterpreterOptions
	outputs     ml.Tensors
	closed      bool
	Info        *TFLiteInfo
}

// TFLiteModelLoader holds functions that sets up a tflite model to be used.
type TFLiteModelLoader struct {
	newModelFromFile   func(path string) *tflite.Model
	newInterpreter     func(model *tflite.Model, options *tflite.InterpreterOptions) *tflite.Interpreter
	interpreterOptions *tflite.InterpreterOptions
	logger             logging.Logger
}

// NewDefaultTFLiteModelLoader returns the default loader when using tflite, using one thread per
// CPU.
func NewDefaultTFLiteModelLoader(logger logging.Logger) (*TFLiteModelLoader, error) {
	return NewTFLiteModelLoader(runtime.NumCPU(), logger)
}

// NewTFLiteModelLoader returns a loader that allows you to set threads when using tflite.
func NewTFLiteModelLoader(numThreads int, logger logging.Logger) (*TFLiteModelLoader, error) {
	if numThreads <= 0 {
		return nil, errors.New("numThreads must be a positive integer")
	}

	options := tflite.NewInterpreterOptions()
	if options == nil {
		return nil, errors.New("interpreter options failed to be created")
	}
	options.SetNumThread(numThreads)
	options.SetErrorReporter(func(msg string, _ interface{}) {
		logger.Warnw("tflite", "msg", msg)
	}, nil)

	return &TFLiteModelLoader{
		newModelFromFile:   tflite.NewModelFromFile,
		newInterpreter:     tflite.NewInterpreter,
		interpreterOptions: options,
		logger:             logger,
	}, nil
}

// Load returns a TFLite struct that is ready to be used for inferences. The loader's options are
// handed to the returned struct, so each loader can load at most one model.
func (loader *TFLiteModelLoader) Load(modelPath string) (*TFLiteStruct, error) {
	if loader.interpreterOptions == nil {
		return nil, errors.New("loader has already been used")
	}
	tFLiteModel := loader.newModelFromFile(modelPath)
	if tFLiteModel == nil {
		return nil, errors.Errorf("failed to load model from %s", modelPath)
	}
	guard := utils.NewGuard(func() { tFLiteModel.Delete() })
	defer guard.OnFail()

	interpreter := loader.newInterpreter(tFLiteModel, loader.interpreterOptions)
	if interpreter == nil {
		return nil, errors.New("failed to create interpreter")
	}
	interpreterGuard := utils.NewGuard(func() { interpreter.Delete() })
	defer interpreterGuard.OnFail()

	if status := interpreter.AllocateTensors(); status != tflite.OK {
		return nil, errors.Errorf("failed to allocate tensors, status %v", status)
	}

	info, err := getInfo(interpreter)
	if err != nil {
		return nil, err
	}
	if err := info.validate(); err != nil {
		return nil, errors.Wrapf(err, "unusable model %s", modelPath)
	}

	outputs := ml.Tensors{}
	for i := 0; i < info.OutputTensorCount; i++ {
		out := interpreter.GetOutputTensor(i)
		if out.Type() != tflite.Float32 {
			return nil, errors.Errorf("output tensor %d has type %v, only float32 outputs are supported", i, out.Type())
		}
		outputs[info.OutputKey(i)] = ml.NewFloat32(info.OutputShapes[i]...)
	}

	guard.Success()
	interpreterGuard.Success()
	ret := &TFLiteStruct{
		model:       tFLiteModel,
		interpreter: interpreter,
		options:     loader.interpreterOptions,
		outputs:     outputs,
		Info:        info,
	}
	loader.interpreterOptions = nil
	return ret, nil
}

func getInfo(inter *tflite.Interpreter) (*TFLiteInfo, error) {
	if inter.GetInputTensorCount() < 1 {
		return nil, errors.New("model has no input tensors")
	}
	input := inter.GetInputTensor(0)
	inputShape := make([]int, input.NumDims())
	for i := range inputShape {
		inputShape[i] = input.Dim(i)
	}

	var inputType InTensorType
	switch input.Type() {
	case tflite.UInt8:
		inputType = UInt8
	case tflite.Float32:
		inputType = Float32
	default:
		return nil, errors.Errorf("unsupported input tensor type %v", input.Type())
	}

	info := &TFLiteInfo{
		InputShape:        inputShape,
		InputTensorType:   inputType,
		InputTensorCount:  inter.GetInputTensorCount(),
		OutputTensorCount: inter.GetOutputTensorCount(),
	}
	if len(inputShape) == 4 {
		info.InputHeight = inputShape[1]
		info.InputWidth = inputShape[2]
		info.InputChannels = inputShape[3]
	}
	for i := 0; i < info.OutputTensorCount; i++ {
		out := inter.GetOutputTensor(i)
		shape := make([]int, out.NumDims())
		for d := range shape {
			shape[d] = out.Dim(d)
		}
		info.OutputTensorNames = append(info.OutputTensorNames, out.Name())
		info.OutputTensorTypes = append(info.OutputTensorTypes, out.Type().String())
		info.OutputShapes = append(info.OutputShapes, shape)
	}
	return info, nil
}

// Infer copies the single input tensor into the interpreter and runs it. The returned tensors are
// owned by the TFLiteStruct and overwritten by the next call.
func (t *TFLiteStruct) Infer(inputTensors ml.Tensors) (ml.Tensors, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("model is closed")
	}

	_, in, err := inputTensors.Only()
	if err != nil {
		return nil, err
	}
	if !in.Shape().Eq(tensor.Shape(t.Info.InputShape)) {
		return nil, errors.Errorf("input shape %v does not match model input %v", in.Shape(), t.Info.InputShape)
	}
	input := t.interpreter.GetInputTensor(0)
	if status := input.CopyFromBuffer(in.Data()); status != tflite.OK {
		return nil, errors.Errorf("copying to buffer failed, status %v", status)
	}

	if status := t.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.Errorf("invoke failed, status %v", status)
	}

	for i := 0; i < t.Info.OutputTensorCount; i++ {
		out := t.interpreter.GetOutputTensor(i)
		dst, err := ml.Float32s(t.outputs[t.Info.OutputKey(i)])
		if err != nil {
			return nil, err
		}
		copy(dst, out.Float32s())
	}
	return t.outputs, nil
}

// Close should be called at the end of using the interpreter to delete related models and
// interpreters.
func (t *TFLiteStruct) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.interpreter.Delete()
	t.options.Delete()
	t.model.Delete()
	return nil
}
