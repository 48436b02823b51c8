package loss

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolox/codec"
	"github.com/nvr-ai/go-yolox/priors"
)

// ErrShapeMismatch is returned when head outputs do not match the configured
// levels, classes or batch.
var ErrShapeMismatch = errors.New("head output shape mismatch")

// HeadOutputs are the raw per-level predictions of the detection head. Each
// slice holds one float32 tensor per feature level, ordered like the
// configured strides:
//
//	ClassScores:    (batch, num_classes, H, W) class logits
//	BoxPredictions: (batch, 4, H, W) regression deltas
//	Objectness:     (batch, 1, H, W) objectness logits
type HeadOutputs struct {
	ClassScores    []*tensor.Dense
	BoxPredictions []*tensor.Dense
	Objectness     []*tensor.Dense
}

// levelView is one feature level with its backing data resolved.
type levelView struct {
	height, width int
	cls, box, obj []float32
}

// imagePredictions are the predictions of one image flattened across levels
// in prior order.
type imagePredictions struct {
	classLogits [][]float32
	deltas      []codec.Delta
	objectness  []float32
}

// flattenOutputs checks the head outputs against the configuration and
// reorders them into per-image, per-prior rows.
//
// Arguments:
//   - out: The raw head outputs.
//   - numClasses: Expected class channel count.
//   - numLevels: Expected number of feature levels.
//
// Returns:
//   - One imagePredictions per batch element.
//   - The feature map shapes, one per level.
//   - ErrShapeMismatch on any inconsistency.
func flattenOutputs(out HeadOutputs, numClasses, numLevels int) ([]imagePredictions, []priors.FeatureShape, error) {
	if len(out.ClassScores) != numLevels || len(out.BoxPredictions) != numLevels || len(out.Objectness) != numLevels {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "%d strides configured but got %d/%d/%d class/box/objectness levels",
			numLevels, len(out.ClassScores), len(out.BoxPredictions), len(out.Objectness))
	}

	batch := -1
	levels := make([]levelView, numLevels)
	shapes := make([]priors.FeatureShape, numLevels)
	for l := 0; l < numLevels; l++ {
		cls, clsShape, err := float32Data(out.ClassScores[l], numClasses)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "class scores, level %d", l)
		}
		box, boxShape, err := float32Data(out.BoxPredictions[l], 4)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "box predictions, level %d", l)
		}
		obj, objShape, err := float32Data(out.Objectness[l], 1)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "objectness, level %d", l)
		}
		if !sameGrid(clsShape, boxShape) || !sameGrid(clsShape, objShape) {
			return nil, nil, errors.Wrapf(ErrShapeMismatch, "level %d: shapes %v, %v, %v disagree",
				l, clsShape, boxShape, objShape)
		}
		if batch == -1 {
			batch = clsShape[0]
		} else if clsShape[0] != batch {
			return nil, nil, errors.Wrapf(ErrShapeMismatch, "level %d has batch %d, want %d", l, clsShape[0], batch)
		}
		levels[l] = levelView{height: clsShape[2], width: clsShape[3], cls: cls, box: box, obj: obj}
		shapes[l] = priors.FeatureShape{Height: clsShape[2], Width: clsShape[3]}
	}

	numPriors := 0
	for _, lv := range levels {
		numPriors += lv.height * lv.width
	}

	images := make([]imagePredictions, batch)
	for n := 0; n < batch; n++ {
		img := imagePredictions{
			classLogits: make([][]float32, 0, numPriors),
			deltas:      make([]codec.Delta, 0, numPriors),
			objectness:  make([]float32, 0, numPriors),
		}
		for _, lv := range levels {
			hw := lv.height * lv.width
			for p := 0; p < hw; p++ {
				row := make([]float32, numClasses)
				for c := range row {
					row[c] = lv.cls[(n*numClasses+c)*hw+p]
				}
				img.classLogits = append(img.classLogits, row)

				var d codec.Delta
				for c := range d {
					d[c] = lv.box[(n*4+c)*hw+p]
				}
				img.deltas = append(img.deltas, d)
				img.objectness = append(img.objectness, lv.obj[n*hw+p])
			}
		}
		images[n] = img
	}
	return images, shapes, nil
}

// float32Data validates a (B, C, H, W) float32 tensor and returns its
// contiguous backing data.
func float32Data(t *tensor.Dense, channels int) ([]float32, tensor.Shape, error) {
	if t == nil {
		return nil, nil, errors.Wrap(ErrShapeMismatch, "nil tensor")
	}
	if t.Dims() != 4 {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "expected 4 dims, got shape %v", t.Shape())
	}
	if t.Dtype() != tensor.Float32 {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "expected float32, got %v", t.Dtype())
	}
	shape := t.Shape().Clone()
	if shape[1] != channels {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "expected %d channels, got shape %v", channels, shape)
	}
	if shape[0] < 1 || shape[2] < 1 || shape[3] < 1 {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "empty dimension in shape %v", shape)
	}
	if t.IsMaterializable() {
		m, ok := t.Materialize().(*tensor.Dense)
		if !ok {
			return nil, nil, errors.New("can't materialize tensor view")
		}
		t = m
	}
	data, ok := t.Data().([]float32)
	if !ok || len(data) != shape.TotalSize() {
		return nil, nil, errors.Errorf("unexpected backing data for shape %v", shape)
	}
	return data, shape, nil
}

func sameGrid(a, b tensor.Shape) bool {
	return a[0] == b[0] && a[2] == b[2] && a[3] == b[3]
}
