package tflitecpu

import (
	"context"
	"testing"

	"go.viam.com/test"

	"github.com/mhss/shade/logging"
	inf "github.com/mhss/shade/ml/inference"
)

func TestTrimOrdinal(t *testing.T) {
	test.That(t, trimOrdinal("Identity:0"), test.ShouldEqual, "Identity")
	test.That(t, trimOrdinal("a:b:3"), test.ShouldEqual, "a:b")
	test.That(t, trimOrdinal("plain"), test.ShouldEqual, "plain")
	test.That(t, trimOrdinal("name:x"), test.ShouldEqual, "name:x")
	test.That(t, trimOrdinal(":0"), test.ShouldEqual, ":0")
}

func TestMissingModel(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := NewTFLiteCPUModel(context.Background(), nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewTFLiteCPUModel(context.Background(), &TFLiteConfig{ModelPath: "/not/a/model.tflite", NumThreads: 1}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMetadataNamesMatchInferKeys(t *testing.T) {
	info := &inf.TFLiteInfo{
		InputShape:        []int{1, 320, 320, 3},
		InputTensorType:   inf.Float32,
		InputTensorCount:  1,
		OutputTensorCount: 4,
		OutputTensorNames: []string{"Identity", "Identity_1", "scores", "scores"},
		OutputTensorTypes: []string{"Float32", "Float32", "Float32", "Float32"},
		OutputShapes:      [][]int{{1, 10, 4}, {1, 10}, {1, 10}, {1, 10}},
	}
	m := &Model{
		conf:  TFLiteConfig{ModelPath: "/models/detector.tflite"},
		model: &inf.TFLiteStruct{Info: info},
		names: outputNames(info),
	}
	md := m.fillMetadata()
	test.That(t, md.ModelName, test.ShouldEqual, "detector")
	test.That(t, md.Inputs[0].DataType, test.ShouldEqual, "float32")

	var names []string
	for _, out := range md.Outputs {
		names = append(names, out.Name)
	}
	test.That(t, names, test.ShouldResemble, []string{"Identity", "Identity_1", "scores:2", "scores:3"})

	// Infer renames the interpreter's keys through the same table.
	for i, want := range names {
		test.That(t, m.names[info.OutputKey(i)], test.ShouldEqual, want)
	}
	test.That(t, md.Outputs[0].Shape, test.ShouldResemble, []int{1, 10, 4})
}
