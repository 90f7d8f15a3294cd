package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/pkg/errors"

	"github.com/mhss/shade/capture"
	"github.com/mhss/shade/ml"
	"github.com/mhss/shade/overlay"
	"github.com/mhss/shade/services/mlmodel"
)

const (
	tensorSize = 8
	candidates = 4
)

// fakeModel answers every Infer with the candidates last set.
type fakeModel struct {
	size     int
	mu       sync.Mutex
	output   []float32
	inferErr error
	calls    int
	closed   int
}

func newFakeModel(size int) *fakeModel {
	return &fakeModel{size: size, output: make([]float32, candidates*6)}
}

// setBoxes sets the candidates returned by later Infer calls, each as
// x1, y1, x2, y2, confidence, class.
func (m *fakeModel) setBoxes(rows ...[6]float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.output {
		m.output[i] = 0
	}
	for i, row := range rows {
		copy(m.output[i*6:], row[:])
	}
}

func (m *fakeModel) Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.inferErr != nil {
		return nil, m.inferErr
	}
	out := ml.NewFloat32(1, candidates, 6)
	data, err := ml.Float32s(out)
	if err != nil {
		return nil, err
	}
	copy(data, m.output)
	return ml.Tensors{"detections": out}, nil
}

func (m *fakeModel) Metadata(ctx context.Context) (mlmodel.MLMetadata, error) {
	return mlmodel.MLMetadata{
		ModelName: "fake",
		Inputs:    []mlmodel.TensorInfo{{Name: "image", DataType: "float32", Shape: []int{1, m.size, m.size, 3}}},
		Outputs:   []mlmodel.TensorInfo{{Name: "detections", DataType: "float32", Shape: []int{1, candidates, 6}}},
	}, nil
}

func (m *fakeModel) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *fakeModel) stats() (calls, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, m.closed
}

// fakeLoader serves models by path and records what was loaded.
type fakeLoader struct {
	mu     sync.Mutex
	models map[string]*fakeModel
	loaded []string
}

func (l *fakeLoader) load(ctx context.Context, path string) (mlmodel.Service, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = append(l.loaded, path)
	m, ok := l.models[path]
	if !ok {
		return nil, errors.Errorf("no model at %s", path)
	}
	return m, nil
}

func (l *fakeLoader) paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loaded...)
}

type fakeSurface struct {
	mu      sync.Mutex
	width   int
	height  int
	renders [][]overlay.Patch
	clears  int
}

func (s *fakeSurface) Size() (int, int) { return s.width, s.height }

func (s *fakeSurface) Render(patches []overlay.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renders = append(s.renders, append([]overlay.Patch(nil), patches...))
	return nil
}

func (s *fakeSurface) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func (s *fakeSurface) counts() (renders, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.renders), s.clears
}

func (s *fakeSurface) lastRender() []overlay.Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.renders) == 0 {
		return nil
	}
	return s.renders[len(s.renders)-1]
}

// fakeSource is a resizable capture source fed by the test.
type fakeSource struct {
	frames    chan capture.Frame
	mu        sync.Mutex
	resizes   []image.Point
	rotations []int
	resizeErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan capture.Frame)}
}

func (s *fakeSource) Frames() <-chan capture.Frame { return s.frames }

func (s *fakeSource) Close(ctx context.Context) error { return nil }

func (s *fakeSource) Resize(ctx context.Context, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resizeErr != nil {
		return s.resizeErr
	}
	s.resizes = append(s.resizes, image.Pt(width, height))
	return nil
}

func (s *fakeSource) Rotate(ctx context.Context, degrees int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotations = append(s.rotations, degrees)
	return nil
}

func solidFrame(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	return img
}
