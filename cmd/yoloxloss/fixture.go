package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolox/geometry"
	"github.com/nvr-ai/go-yolox/loss"
)

// array is a dense float32 array in NCHW layout.
type array struct {
	Shape []int     `yaml:"shape"`
	Data  []float32 `yaml:"data"`
}

type levelFixture struct {
	ClassScores    array `yaml:"class_scores"`
	BoxPredictions array `yaml:"box_predictions"`
	Objectness     array `yaml:"objectness"`
}

type imageFixture struct {
	// Boxes are (x1, y1, x2, y2).
	Boxes  [][4]float32 `yaml:"boxes"`
	Labels []int        `yaml:"labels"`
}

// batchFixture is a recorded batch of head outputs and ground truth.
type batchFixture struct {
	Levels []levelFixture `yaml:"levels"`
	Images []imageFixture `yaml:"images"`
}

func loadBatch(path string) (*batchFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "can't read batch %s", path)
	}
	var b batchFixture
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, errors.Wrapf(err, "can't parse batch %s", path)
	}
	return &b, nil
}

func (a array) dense() (*tensor.Dense, error) {
	size := 1
	for _, d := range a.Shape {
		if d < 1 {
			return nil, errors.Errorf("invalid shape %v", a.Shape)
		}
		size *= d
	}
	if len(a.Shape) == 0 || size != len(a.Data) {
		return nil, errors.Errorf("shape %v needs %d values, got %d", a.Shape, size, len(a.Data))
	}
	backing := append([]float32(nil), a.Data...)
	return tensor.New(tensor.WithShape(a.Shape...), tensor.WithBacking(backing)), nil
}

// headOutputs converts the fixture into loss inputs.
func (b *batchFixture) headOutputs() (loss.HeadOutputs, []loss.GroundTruth, error) {
	var out loss.HeadOutputs
	for i, l := range b.Levels {
		cls, err := l.ClassScores.dense()
		if err != nil {
			return out, nil, errors.Wrapf(err, "level %d class_scores", i)
		}
		box, err := l.BoxPredictions.dense()
		if err != nil {
			return out, nil, errors.Wrapf(err, "level %d box_predictions", i)
		}
		obj, err := l.Objectness.dense()
		if err != nil {
			return out, nil, errors.Wrapf(err, "level %d objectness", i)
		}
		out.ClassScores = append(out.ClassScores, cls)
		out.BoxPredictions = append(out.BoxPredictions, box)
		out.Objectness = append(out.Objectness, obj)
	}

	gts := make([]loss.GroundTruth, len(b.Images))
	for i, img := range b.Images {
		for _, bx := range img.Boxes {
			gts[i].Boxes = append(gts[i].Boxes, geometry.Box{X1: bx[0], Y1: bx[1], X2: bx[2], Y2: bx[3]})
		}
		gts[i].Labels = img.Labels
	}
	return out, gts, nil
}
