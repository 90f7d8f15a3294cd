package objectdetection

import (
	"context"
	"image"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/ml"
	"github.com/mhss/shade/rimage"
	"github.com/mhss/shade/services/mlmodel"
	"github.com/mhss/shade/utils"
)

// DefaultConfidencePercent is the confidence threshold used when none is configured.
const DefaultConfidencePercent = 60

// ErrNotReady is returned by Detect when no model is loaded.
var ErrNotReady = errors.New("detection session is not ready")

// ModelLoader opens the model artifact at `path`.
type ModelLoader func(ctx context.Context, path string) (mlmodel.Service, error)

// Result is the outcome of one Detect call: either BoxesFound or Empty.
type Result interface {
	// Frame is the image that was passed to Detect.
	Frame() *image.RGBA
	isResult()
}

// BoxesFound carries the boxes of a frame with at least one detection. Boxes is only valid until
// the next Detect call on the same session.
type BoxesFound struct {
	Boxes []DetectionBox
	Image *image.RGBA
}

// Empty is returned for a frame without detections, handing the frame back to the caller.
type Empty struct {
	Image *image.RGBA
}

// Frame returns the detected frame.
func (r BoxesFound) Frame() *image.RGBA { return r.Image }

// Frame returns the detected frame.
func (r Empty) Frame() *image.RGBA { return r.Image }

func (BoxesFound) isResult() {}
func (Empty) isResult()      {}

// Session wraps one loaded detection model. Setup, Detect and Clear must be serialized by the
// caller; UpdateThreshold and Ready may be called from anywhere.
type Session struct {
	modelPath     string
	loader        ModelLoader
	logger        logging.Logger
	postprocess   Postprocessor
	maxDetections int

	ready     atomic.Bool
	threshold atomic.Float32

	model      mlmodel.Service
	inputs     ml.Tensors
	inputData  []float32
	resized    *image.RGBA
	outputName string
	channels   int
	tensorW    int
	tensorH    int
	scratch    []DetectionBox
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithPostprocessor filters boxes after extraction. Repeated options run in the order given.
func WithPostprocessor(pp Postprocessor) SessionOption {
	return func(s *Session) {
		s.postprocess = Chain(s.postprocess, pp)
	}
}

// WithMaxDetections overrides MaxDetections.
func WithMaxDetections(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.maxDetections = n
		}
	}
}

// NewSession returns a session for the model at `modelPath`. Nothing is loaded until Setup.
func NewSession(modelPath string, loader ModelLoader, logger logging.Logger, opts ...SessionOption) *Session {
	s := &Session{
		modelPath:     modelPath,
		loader:        loader,
		logger:        logger,
		maxDetections: MaxDetections,
	}
	s.threshold.Store(DefaultConfidencePercent / 100.)
	for _, opt := range opts {
		opt(s)
	}
	s.scratch = make([]DetectionBox, 0, s.maxDetections)
	return s
}

// Setup loads the model and sizes the input and output buffers from its metadata. On error the
// session stays not ready and nothing stays loaded.
func (s *Session) Setup(ctx context.Context, threshold float32) error {
	if err := s.Clear(ctx); err != nil {
		s.logger.Warnw("error releasing previous model", "error", err)
	}
	s.threshold.Store(threshold)

	stopSlowLog := utils.SlowLogger(ctx, clock.New(), "still loading model", "path", s.modelPath, s.logger)
	model, err := s.loader(ctx, s.modelPath)
	stopSlowLog()
	if err != nil {
		return errors.Wrapf(err, "cannot load model %s", s.modelPath)
	}
	guard := utils.NewGuard(func() {
		if err := model.Close(ctx); err != nil {
			s.logger.Warnw("error closing rejected model", "error", err)
		}
	})
	defer guard.OnFail()

	md, err := model.Metadata(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot read model metadata")
	}
	in, err := md.SingleInput()
	if err != nil {
		return err
	}
	shape := in.Shape
	if len(shape) != 4 || shape[0] != 1 || shape[1] <= 0 || shape[2] <= 0 || shape[3] != 3 {
		return errors.Errorf("unusable input shape %v, expected [1,H,W,3]", shape)
	}
	if in.DataType != "" && in.DataType != "float32" {
		return errors.Errorf("unusable input type %q, expected float32", in.DataType)
	}
	out, err := pickOutput(md.Outputs)
	if err != nil {
		return err
	}

	height, width := shape[1], shape[2]
	input := ml.NewFloat32(shape...)
	inputData, err := ml.Float32s(input)
	if err != nil {
		return err
	}
	inputName := in.Name
	if inputName == "" {
		inputName = "image"
	}

	s.model = model
	s.inputs = ml.Tensors{inputName: input}
	s.inputData = inputData
	s.resized = image.NewRGBA(image.Rect(0, 0, width, height))
	s.outputName = out.Name
	s.channels = out.Shape[2]
	s.tensorW, s.tensorH = width, height
	guard.Success()
	s.ready.Store(true)

	s.logger.Infow("detection model ready",
		"path", s.modelPath, "tensor_width", width, "tensor_height", height,
		"candidates", out.Shape[1], "channels", s.channels)
	return nil
}

func pickOutput(outputs []mlmodel.TensorInfo) (mlmodel.TensorInfo, error) {
	for _, out := range outputs {
		if len(out.Shape) == 3 && out.Shape[0] == 1 && out.Shape[1] > 0 && out.Shape[2] >= MinChannels {
			return out, nil
		}
	}
	shapes := make([][]int, 0, len(outputs))
	for _, out := range outputs {
		shapes = append(shapes, out.Shape)
	}
	return mlmodel.TensorInfo{}, errors.Errorf("no usable output among %v, expected [1,N,C] with C >= %d", shapes, MinChannels)
}

// Detect runs one frame through the model. The image is only read during the call and is
// returned unchanged inside the result.
func (s *Session) Detect(ctx context.Context, img *image.RGBA) (Result, error) {
	if !s.ready.Load() {
		return nil, ErrNotReady
	}

	rimage.ScaleNearest(s.resized, s.resized.Rect, img, img.Rect)
	if err := rimage.NormalizeInto(s.inputData, s.resized); err != nil {
		return nil, err
	}

	outputs, err := s.model.Infer(ctx, s.inputs)
	if err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}
	output, ok := outputs[s.outputName]
	if !ok {
		if _, only, err := outputs.Only(); err == nil {
			output = only
		} else {
			return nil, errors.Errorf("model returned no %q output, got %v", s.outputName, outputs.Names())
		}
	}
	data, err := ml.Float32s(output)
	if err != nil {
		return nil, err
	}

	boxes, found := ExtractBoxes(data, s.channels, s.threshold.Load(), s.maxDetections, s.scratch)
	if found && s.postprocess != nil {
		boxes = s.postprocess(boxes)
		found = len(boxes) > 0
	}
	s.scratch = boxes[:0]
	if !found {
		return Empty{Image: img}, nil
	}
	return BoxesFound{Boxes: boxes, Image: img}, nil
}

// UpdateThreshold changes the confidence threshold used by future Detect calls.
func (s *Session) UpdateThreshold(threshold float32) {
	s.threshold.Store(threshold)
}

// Threshold returns the current confidence threshold.
func (s *Session) Threshold() float32 {
	return s.threshold.Load()
}

// Ready reports whether a model is loaded.
func (s *Session) Ready() bool {
	return s.ready.Load()
}

// TensorSize returns the model input width and height, or zeros before Setup.
func (s *Session) TensorSize() (int, int) {
	return s.tensorW, s.tensorH
}

// ModelPath returns the artifact this session loads.
func (s *Session) ModelPath() string {
	return s.modelPath
}

// Clear releases the model. Calling it again, or before Setup, is a no-op.
func (s *Session) Clear(ctx context.Context) error {
	s.ready.Store(false)
	if s.model == nil {
		return nil
	}
	model := s.model
	s.model = nil
	s.inputs = nil
	s.inputData = nil
	return model.Close(ctx)
}
