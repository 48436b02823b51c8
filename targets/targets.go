// Package targets - turns one image's SimOTA assignment into dense training
// targets for the classification, objectness, box and L1 loss terms.
package targets

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolox/assign"
	"github.com/nvr-ai/go-yolox/codec"
	"github.com/nvr-ai/go-yolox/geometry"
	"github.com/nvr-ai/go-yolox/priors"
)

// ErrLabelRange is returned when a ground-truth label is not a valid class.
var ErrLabelRange = errors.New("ground-truth label out of range")

// ImageInput holds the detached head predictions and ground truth of one
// image, flattened across feature levels.
type ImageInput struct {
	// ClassLogits has one row of numClasses logits per prior.
	ClassLogits [][]float32
	// ObjectnessLogits has one logit per prior.
	ObjectnessLogits []float32
	// Priors are the top-left grid priors with strides attached.
	Priors []priors.Prior
	// Decoded holds the decoded box of every prior.
	Decoded []geometry.Box
	// GroundTruth boxes, possibly empty.
	GroundTruth []geometry.Box
	// Labels parallel to GroundTruth.
	Labels []int
}

// ImageTargets are the training targets of one image.
type ImageTargets struct {
	// ClassTargets has one row per positive: one-hot of the matched label
	// scaled by the matched IoU.
	ClassTargets [][]float32
	// ObjectnessTargets has one entry per prior: 1 for positives, else 0.
	ObjectnessTargets []float32
	// BoxTargets holds the matched ground-truth box of each positive.
	BoxTargets []geometry.Box
	// L1Targets holds the encoded deltas of each positive; nil unless the
	// L1 term is enabled.
	L1Targets []codec.Delta
	// ForegroundMask is true at positive priors.
	ForegroundMask []bool
	// PositiveIndices lists the positive priors in ascending order.
	PositiveIndices []int
	// NumPositives is len(PositiveIndices).
	NumPositives int
	// Assignment is the raw assigner output, nil when the image has no
	// ground truth.
	Assignment *assign.Result
}

// ObjectnessDense returns the objectness targets as an (n, 1) tensor, or nil
// when there are no priors.
func (t *ImageTargets) ObjectnessDense() *tensor.Dense {
	if len(t.ObjectnessTargets) == 0 {
		return nil
	}
	backing := append([]float32(nil), t.ObjectnessTargets...)
	return tensor.New(tensor.WithShape(len(backing), 1), tensor.WithBacking(backing))
}

// Builder builds per-image targets. It is stateless apart from its
// configuration and safe for concurrent use.
type Builder struct {
	numClasses int
	useL1      bool
	assigner   *assign.Assigner
}

// NewBuilder creates a target builder.
//
// Arguments:
//   - numClasses: Number of object classes.
//   - useL1: Whether to produce L1 targets.
//   - assigner: The SimOTA assigner.
//
// Returns:
//   - The builder.
func NewBuilder(numClasses int, useL1 bool, assigner *assign.Assigner) (*Builder, error) {
	if numClasses < 1 {
		return nil, errors.Errorf("num_classes must be positive, got %d", numClasses)
	}
	if assigner == nil {
		return nil, errors.New("targets: nil assigner")
	}
	return &Builder{numClasses: numClasses, useL1: useL1, assigner: assigner}, nil
}

// Build computes the targets of one image.
//
// Arguments:
//   - in: Detached predictions, priors and ground truth of the image.
//
// Returns:
//   - The image targets.
//   - An error if the inputs are inconsistent or a label is out of range.
func (b *Builder) Build(in ImageInput) (*ImageTargets, error) {
	numPriors := len(in.Priors)
	if len(in.ClassLogits) != numPriors || len(in.ObjectnessLogits) != numPriors || len(in.Decoded) != numPriors {
		return nil, errors.Errorf("targets: %d priors, %d class rows, %d objectness, %d decoded",
			numPriors, len(in.ClassLogits), len(in.ObjectnessLogits), len(in.Decoded))
	}
	if len(in.Labels) != len(in.GroundTruth) {
		return nil, errors.Errorf("targets: %d ground-truth boxes but %d labels", len(in.GroundTruth), len(in.Labels))
	}
	for j, l := range in.Labels {
		if l < 0 || l >= b.numClasses {
			return nil, errors.Wrapf(ErrLabelRange, "label %d of ground truth %d, %d classes", l, j, b.numClasses)
		}
	}

	out := &ImageTargets{
		ObjectnessTargets: make([]float32, numPriors),
		ForegroundMask:    make([]bool, numPriors),
	}
	if len(in.GroundTruth) == 0 {
		return out, nil
	}

	scores := make([][]float32, numPriors)
	centered := make([]priors.Prior, numPriors)
	for i := range in.Priors {
		if len(in.ClassLogits[i]) != b.numClasses {
			return nil, errors.Errorf("targets: prior %d has %d class logits, want %d", i, len(in.ClassLogits[i]), b.numClasses)
		}
		obj := sigmoid(in.ObjectnessLogits[i])
		row := make([]float32, b.numClasses)
		for k, logit := range in.ClassLogits[i] {
			row[k] = sigmoid(logit) * obj
		}
		scores[i] = row
		centered[i] = in.Priors[i].Centered()
	}

	res, err := b.assigner.Assign(assign.Input{
		Scores:      scores,
		Priors:      centered,
		Decoded:     in.Decoded,
		GroundTruth: in.GroundTruth,
		Labels:      in.Labels,
	})
	if err != nil {
		return nil, errors.Wrap(err, "assignment failed")
	}
	out.Assignment = res

	sampling, err := Sample(res, in.Priors, in.GroundTruth)
	if err != nil {
		return nil, err
	}

	out.PositiveIndices = sampling.PositiveIndices
	out.NumPositives = sampling.NumPositives()
	out.BoxTargets = sampling.PositiveGroundTruthBoxes
	out.ClassTargets = make([][]float32, out.NumPositives)
	for p, idx := range sampling.PositiveIndices {
		row := make([]float32, b.numClasses)
		row[sampling.PositiveLabels[p]] = res.Assignments[idx].IoU
		out.ClassTargets[p] = row
		out.ObjectnessTargets[idx] = 1
		out.ForegroundMask[idx] = true
	}
	if b.useL1 {
		out.L1Targets = make([]codec.Delta, out.NumPositives)
		for p, gt := range sampling.PositiveGroundTruthBoxes {
			out.L1Targets[p] = codec.EncodeL1(gt, sampling.PositivePriors[p])
		}
	}
	return out, nil
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}
