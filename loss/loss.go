// Package loss - YOLOX training loss: flattens multi-level head outputs,
// assigns targets per image with SimOTA and reduces the batch into the
// classification, box, objectness and optional L1 terms.
package loss

import (
	"sort"
	"time"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/nvr-ai/go-yolox/assign"
	"github.com/nvr-ai/go-yolox/codec"
	"github.com/nvr-ai/go-yolox/geometry"
	"github.com/nvr-ai/go-yolox/priors"
	"github.com/nvr-ai/go-yolox/targets"
)

// giouEps is the denominator epsilon of the box term.
const giouEps = 1e-16

// Term names one loss component.
type Term string

const (
	TermClassification Term = "classification"
	TermBox            Term = "box"
	TermObjectness     Term = "objectness"
	TermL1             Term = "l1"
)

// GroundTruth holds the annotated boxes of one image. Boxes are (x1, y1, x2,
// y2) in input pixels and Labels are class indices parallel to Boxes.
type GroundTruth struct {
	Boxes  []geometry.Box
	Labels []int
}

// ImageStats describes the assignment of one image.
type ImageStats struct {
	Index          int
	NumGroundTruth int
	Candidates     int
	Positives      int
	Conflicts      int
	Duration       time.Duration
}

// Result is the output of one loss computation.
type Result struct {
	// Terms maps each loss name to its weighted, normalized value. TermL1 is
	// present only when the L1 term is enabled.
	Terms map[Term]float64
	// TotalPositives is the normalizer: the positive count of the batch,
	// floored at 1.
	TotalPositives int
	// Images has one entry per batch element, in batch order.
	Images []ImageStats
}

// Total is the sum of all loss terms.
func (r *Result) Total() float64 {
	names := make([]string, 0, len(r.Terms))
	for t := range r.Terms {
		names = append(names, string(t))
	}
	sort.Strings(names)
	vals := make([]float64, len(names))
	for i, name := range names {
		vals[i] = r.Terms[Term(name)]
	}
	return floats.Sum(vals)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(log logs.Log) Option {
	return func(a *Aggregator) {
		a.log = log
	}
}

// Aggregator computes the YOLOX loss for batches of head outputs. It holds no
// per-batch state and may be shared between goroutines.
type Aggregator struct {
	cfg       Config
	generator *priors.Generator
	builder   *targets.Builder
	log       logs.Log
}

// New creates an aggregator.
//
// Arguments:
//   - cfg: The loss configuration. It is copied and not modified afterwards.
//   - opts: Optional settings such as WithLogger.
//
// Returns:
//   - The aggregator.
//   - An error wrapping ErrInvalidConfig if cfg does not validate.
func New(cfg Config, opts ...Option) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Strides = append([]priors.Stride(nil), cfg.Strides...)

	assigner, err := assign.New(cfg.Assigner)
	if err != nil {
		return nil, errors.Wrap(err, "can't create assigner")
	}
	builder, err := targets.NewBuilder(cfg.NumClasses, cfg.UseL1, assigner)
	if err != nil {
		return nil, errors.Wrap(err, "can't create target builder")
	}

	a := &Aggregator{
		cfg:       cfg,
		generator: priors.NewGenerator(cfg.Strides, cfg.PriorOffset),
		builder:   builder,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Config returns the configuration the aggregator was built with.
func (a *Aggregator) Config() Config {
	cfg := a.cfg
	cfg.Strides = append([]priors.Stride(nil), a.cfg.Strides...)
	return cfg
}

// Compute evaluates the loss of one batch.
//
// Arguments:
//   - out: The raw head outputs, one tensor per level and kind.
//   - gts: Ground truth of every image, len(gts) == batch size.
//
// Returns:
//   - The loss terms and per-image assignment statistics.
//   - ErrShapeMismatch if the outputs do not fit the configuration, or the
//     error of the first image whose targets could not be built.
func (a *Aggregator) Compute(out HeadOutputs, gts []GroundTruth) (*Result, error) {
	images, shapes, err := flattenOutputs(out, a.cfg.NumClasses, a.generator.NumLevels())
	if err != nil {
		return nil, err
	}
	if len(gts) != len(images) {
		return nil, errors.Wrapf(ErrShapeMismatch, "batch of %d images but %d ground-truth entries", len(images), len(gts))
	}

	levels, err := a.generator.GridPriors(shapes)
	if err != nil {
		return nil, err
	}
	ps := priors.Flatten(levels)

	inputs := make([]targets.ImageInput, len(images))
	decoded := make([][]geometry.Box, len(images))
	for n, img := range images {
		boxes, err := codec.DecodeAll(ps, img.deltas)
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", n)
		}
		decoded[n] = boxes
		inputs[n] = targets.ImageInput{
			ClassLogits:      img.classLogits,
			ObjectnessLogits: img.objectness,
			Priors:           ps,
			Decoded:          boxes,
			GroundTruth:      gts[n].Boxes,
			Labels:           gts[n].Labels,
		}
	}

	built, durations, err := a.buildTargets(inputs)
	if err != nil {
		return nil, err
	}

	stats := make([]ImageStats, len(built))
	counts := make([]int, len(built))
	for n, t := range built {
		stats[n] = ImageStats{
			Index:          n,
			NumGroundTruth: len(gts[n].Boxes),
			Positives:      t.NumPositives,
			Duration:       durations[n],
		}
		if t.Assignment != nil {
			stats[n].Candidates = t.Assignment.Candidates
			stats[n].Conflicts = t.Assignment.Conflicts
		}
		counts[n] = t.NumPositives
		a.debugf("image %d: %d ground truth, %d candidates, %d positives, %d conflicts in %v",
			n, stats[n].NumGroundTruth, stats[n].Candidates, stats[n].Positives, stats[n].Conflicts, durations[n])
	}

	var clsSums, boxSums, objSums, l1Sums []float64
	for n, t := range built {
		img := images[n]
		for i, logit := range img.objectness {
			objSums = append(objSums, bceWithLogits(logit, t.ObjectnessTargets[i]))
		}
		for p, idx := range t.PositiveIndices {
			for c, logit := range img.classLogits[idx] {
				clsSums = append(clsSums, bceWithLogits(logit, t.ClassTargets[p][c]))
			}
			boxSums = append(boxSums, boxLoss(decoded[n][idx], t.BoxTargets[p]))
			if a.cfg.UseL1 {
				l1Sums = append(l1Sums, l1Loss(img.deltas[idx], t.L1Targets[p]))
			}
		}
	}

	total := totalPositives(counts)
	norm := float64(total)
	w := a.cfg.Weights
	res := &Result{
		Terms: map[Term]float64{
			TermClassification: float64(w.Class) * floats.Sum(clsSums) / norm,
			TermBox:            float64(w.Box) * floats.Sum(boxSums) / norm,
			TermObjectness:     float64(w.Objectness) * floats.Sum(objSums) / norm,
		},
		TotalPositives: total,
		Images:         stats,
	}
	if a.cfg.UseL1 {
		res.Terms[TermL1] = float64(w.L1) * floats.Sum(l1Sums) / norm
	}

	a.infof("batch of %d images, %d priors each, %d positives: cls %.4f box %.4f obj %.4f",
		len(images), len(ps), total, res.Terms[TermClassification], res.Terms[TermBox], res.Terms[TermObjectness])
	return res, nil
}

// totalPositives is the sum of per-image positive counts, floored at 1.
func totalPositives(counts []int) int {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total < 1 {
		return 1
	}
	return total
}

// bceWithLogits is binary cross-entropy on a logit in its stable form:
// max(x, 0) - x*y + log(1 + exp(-|x|)).
func bceWithLogits(x, y float32) float64 {
	return float64(math32.Max(x, 0) - x*y + math32.Log1p(math32.Exp(-math32.Abs(x))))
}

// boxLoss is 1 - (1 - GIoU loss)^2 for one positive.
func boxLoss(pred, target geometry.Box) float64 {
	g := float64(geometry.GeneralizedIoULoss(pred, target, giouEps))
	return 1 - (1-g)*(1-g)
}

func l1Loss(pred, target codec.Delta) float64 {
	var s float32
	for c := range pred {
		s += math32.Abs(pred[c] - target[c])
	}
	return float64(s)
}

func (a *Aggregator) debugf(format string, args ...any) {
	if a.log != nil {
		a.log.Debugf(format, args...)
	}
}

func (a *Aggregator) infof(format string, args ...any) {
	if a.log != nil {
		a.log.Infof(format, args...)
	}
}
