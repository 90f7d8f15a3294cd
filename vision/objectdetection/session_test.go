package objectdetection

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/ml"
	"github.com/mhss/shade/services/mlmodel"
)

type fakeModel struct {
	md        mlmodel.MLMetadata
	output    []float32
	inferErr  error
	calls     int
	closed    int
	lastInput []float32
}

func newFakeModel(width, height, candidates int) *fakeModel {
	return &fakeModel{
		md: mlmodel.MLMetadata{
			Inputs:  []mlmodel.TensorInfo{{Name: "images", DataType: "float32", Shape: []int{1, height, width, 3}}},
			Outputs: []mlmodel.TensorInfo{{Name: "output0", DataType: "float32", Shape: []int{1, candidates, 6}}},
		},
		output: make([]float32, candidates*6),
	}
}

func (f *fakeModel) Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
	f.calls++
	if f.inferErr != nil {
		return nil, f.inferErr
	}
	in, err := ml.Float32s(tensors["images"])
	if err != nil {
		return nil, err
	}
	f.lastInput = append(f.lastInput[:0], in...)
	out := ml.NewFloat32(1, len(f.output)/6, 6)
	data, _ := ml.Float32s(out)
	copy(data, f.output)
	return ml.Tensors{"output0": out}, nil
}

func (f *fakeModel) Metadata(ctx context.Context) (mlmodel.MLMetadata, error) {
	return f.md, nil
}

func (f *fakeModel) Close(ctx context.Context) error {
	f.closed++
	return nil
}

func (f *fakeModel) setCandidates(cands ...candidate) {
	for i := range f.output {
		f.output[i] = 0
	}
	copy(f.output, flatten(6, cands...))
}

func loaderFor(models ...*fakeModel) (ModelLoader, *[]string) {
	var paths []string
	return func(ctx context.Context, path string) (mlmodel.Service, error) {
		paths = append(paths, path)
		if len(models) == 0 {
			return nil, errors.New("no such model")
		}
		m := models[0]
		models = models[1:]
		return m, nil
	}, &paths
}

func solidFrame(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestSessionNotReady(t *testing.T) {
	model := newFakeModel(4, 4, 10)
	loader, paths := loaderFor(model)
	s := NewSession("shade_small.tflite", loader, logging.NewTestLogger(t))

	res, err := s.Detect(context.Background(), solidFrame(8, 8, color.RGBA{}))
	test.That(t, errors.Is(err, ErrNotReady), test.ShouldBeTrue)
	test.That(t, res, test.ShouldBeNil)
	test.That(t, *paths, test.ShouldBeEmpty)
	test.That(t, model.calls, test.ShouldEqual, 0)
	test.That(t, s.Clear(context.Background()), test.ShouldBeNil)
}

func TestSessionDetect(t *testing.T) {
	ctx := context.Background()
	model := newFakeModel(4, 2, 10)
	loader, paths := loaderFor(model)
	s := NewSession("shade_small.tflite", loader, logging.NewTestLogger(t))

	test.That(t, s.Setup(ctx, 0.6), test.ShouldBeNil)
	test.That(t, s.Ready(), test.ShouldBeTrue)
	test.That(t, *paths, test.ShouldResemble, []string{"shade_small.tflite"})
	w, h := s.TensorSize()
	test.That(t, w, test.ShouldEqual, 4)
	test.That(t, h, test.ShouldEqual, 2)

	frame := solidFrame(40, 20, color.RGBA{255, 0, 51, 255})
	model.setCandidates(candidate{0.1, 0.1, 0.5, 0.5, 0.9, 0})
	res, err := s.Detect(ctx, frame)
	test.That(t, err, test.ShouldBeNil)
	found, ok := res.(BoxesFound)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, cmp.Diff([]DetectionBox{{0.1, 0.1, 0.5, 0.5}}, found.Boxes), test.ShouldBeEmpty)
	test.That(t, found.Frame(), test.ShouldEqual, frame)

	// The frame was resized to the 4x2 tensor and scaled to [0, 1].
	test.That(t, model.lastInput, test.ShouldHaveLength, 4*2*3)
	test.That(t, model.lastInput[0], test.ShouldAlmostEqual, 1.0, 1e-6)
	test.That(t, model.lastInput[1], test.ShouldAlmostEqual, 0.0, 1e-6)
	test.That(t, model.lastInput[2], test.ShouldAlmostEqual, 0.2, 1e-6)

	// Raising the threshold needs no reload.
	s.UpdateThreshold(0.95)
	test.That(t, s.Threshold(), test.ShouldEqual, float32(0.95))
	res, err = s.Detect(ctx, frame)
	test.That(t, err, test.ShouldBeNil)
	empty, ok := res.(Empty)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, empty.Frame(), test.ShouldEqual, frame)
	test.That(t, *paths, test.ShouldHaveLength, 1)

	test.That(t, s.Clear(ctx), test.ShouldBeNil)
	test.That(t, s.Clear(ctx), test.ShouldBeNil)
	test.That(t, model.closed, test.ShouldEqual, 1)
	_, err = s.Detect(ctx, frame)
	test.That(t, err, test.ShouldEqual, ErrNotReady)
}

func TestSessionInferenceError(t *testing.T) {
	ctx := context.Background()
	model := newFakeModel(4, 4, 10)
	loader, _ := loaderFor(model)
	s := NewSession("m", loader, logging.NewTestLogger(t))
	test.That(t, s.Setup(ctx, 0.5), test.ShouldBeNil)

	model.inferErr = errors.New("delegate crashed")
	_, err := s.Detect(ctx, solidFrame(8, 8, color.RGBA{}))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "delegate crashed")
	// A failed frame does not unload the model.
	test.That(t, s.Ready(), test.ShouldBeTrue)
}

func TestSessionSetupFailures(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	loader, _ := loaderFor()
	s := NewSession("missing.tflite", loader, logger)
	err := s.Setup(ctx, 0.6)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "missing.tflite")
	test.That(t, s.Ready(), test.ShouldBeFalse)

	for name, mutate := range map[string]func(*fakeModel){
		"bad input rank":   func(m *fakeModel) { m.md.Inputs[0].Shape = []int{320, 320} },
		"bad input depth":  func(m *fakeModel) { m.md.Inputs[0].Shape = []int{1, 320, 320, 1} },
		"uint8 input":      func(m *fakeModel) { m.md.Inputs[0].DataType = "uint8" },
		"no inputs":        func(m *fakeModel) { m.md.Inputs = nil },
		"too few channels": func(m *fakeModel) { m.md.Outputs[0].Shape = []int{1, 300, 4} },
		"no outputs":       func(m *fakeModel) { m.md.Outputs = nil },
	} {
		t.Run(name, func(t *testing.T) {
			model := newFakeModel(320, 320, 300)
			mutate(model)
			loader, _ := loaderFor(model)
			s := NewSession("m", loader, logger)
			test.That(t, s.Setup(ctx, 0.6), test.ShouldNotBeNil)
			test.That(t, s.Ready(), test.ShouldBeFalse)
			// The rejected model is released.
			test.That(t, model.closed, test.ShouldEqual, 1)
		})
	}
}

func TestSessionPostprocessor(t *testing.T) {
	ctx := context.Background()
	model := newFakeModel(4, 4, 10)
	loader, _ := loaderFor(model)
	s := NewSession("m", loader, logging.NewTestLogger(t), WithPostprocessor(NewAreaFilter(0.05)), WithMaxDetections(2))
	test.That(t, s.Setup(ctx, 0.5), test.ShouldBeNil)

	model.setCandidates(
		candidate{0.1, 0.1, 0.15, 0.15, 0.9, 0},
		candidate{0.1, 0.1, 0.6, 0.6, 0.8, 0},
		candidate{0.2, 0.2, 0.7, 0.7, 0.7, 0},
		candidate{0.3, 0.3, 0.8, 0.8, 0.6, 0},
	)
	res, err := s.Detect(ctx, solidFrame(8, 8, color.RGBA{}))
	test.That(t, err, test.ShouldBeNil)
	found, ok := res.(BoxesFound)
	test.That(t, ok, test.ShouldBeTrue)
	// The cap applies before filtering, the tiny box is dropped afterwards.
	test.That(t, cmp.Diff([]DetectionBox{{0.1, 0.1, 0.6, 0.6}}, found.Boxes), test.ShouldBeEmpty)

	model.setCandidates(candidate{0.1, 0.1, 0.15, 0.15, 0.9, 0})
	res, err = s.Detect(ctx, solidFrame(8, 8, color.RGBA{}))
	test.That(t, err, test.ShouldBeNil)
	_, ok = res.(Empty)
	test.That(t, ok, test.ShouldBeTrue)
}

func TestSessionPostprocessorsRunInOrder(t *testing.T) {
	ctx := context.Background()
	model := newFakeModel(4, 4, 10)
	loader, _ := loaderFor(model)
	var seen []int
	counter := func(in []DetectionBox) []DetectionBox {
		seen = append(seen, len(in))
		return in
	}
	s := NewSession("m", loader, logging.NewTestLogger(t),
		WithPostprocessor(counter), WithPostprocessor(NewAreaFilter(0.05)), WithPostprocessor(counter))
	test.That(t, s.Setup(ctx, 0.5), test.ShouldBeNil)

	model.setCandidates(
		candidate{0.1, 0.1, 0.15, 0.15, 0.9, 0},
		candidate{0.1, 0.1, 0.6, 0.6, 0.8, 0},
	)
	res, err := s.Detect(ctx, solidFrame(8, 8, color.RGBA{}))
	test.That(t, err, test.ShouldBeNil)
	found, ok := res.(BoxesFound)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, found.Boxes, test.ShouldHaveLength, 1)
	test.That(t, seen, test.ShouldResemble, []int{2, 1})
}
