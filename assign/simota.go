// Package assign - SimOTA dynamic-k assignment of ground-truth boxes to priors.
//
// For one image, the assigner keeps only priors that fall inside a ground-truth
// box or near its center, prices every (candidate, ground truth) pair with a
// classification plus overlap cost, lets each ground truth take its k cheapest
// candidates where k follows from the summed overlap of its best candidates,
// and finally resolves priors claimed twice in favour of the cheapest ground
// truth.
package assign

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/nvr-ai/go-yolox/geometry"
	"github.com/nvr-ai/go-yolox/priors"
)

const (
	// highCost excludes pairs that fail the in-box and in-center test.
	highCost = 1e8
	// overlapEps guards the log in the overlap cost.
	overlapEps = 1e-7
	// bceLogFloor matches the usual clamp of log(p) in binary cross-entropy.
	bceLogFloor = -100
)

// ErrShapeMismatch is returned when the per-prior or per-ground-truth inputs
// disagree in length.
var ErrShapeMismatch = errors.New("assign: input shape mismatch")

// Input is everything the assigner needs for one image.
type Input struct {
	// Scores holds one row of per-class confidences in [0, 1] per prior.
	Scores [][]float32
	// Priors in center form: (x, y) is the cell center, strides attached.
	Priors []priors.Prior
	// Decoded holds the predicted box of every prior.
	Decoded []geometry.Box
	// GroundTruth boxes of the image, possibly empty.
	GroundTruth []geometry.Box
	// Labels holds the class of every ground-truth box.
	Labels []int
}

func (in *Input) validate() error {
	n := len(in.Decoded)
	if len(in.Priors) != n || len(in.Scores) != n {
		return errors.Wrapf(ErrShapeMismatch, "%d decoded boxes, %d priors, %d score rows",
			n, len(in.Priors), len(in.Scores))
	}
	if len(in.Labels) != len(in.GroundTruth) {
		return errors.Wrapf(ErrShapeMismatch, "%d ground-truth boxes but %d labels",
			len(in.GroundTruth), len(in.Labels))
	}
	if n == 0 || len(in.GroundTruth) == 0 {
		return nil
	}
	numClasses := len(in.Scores[0])
	for i, row := range in.Scores {
		if len(row) != numClasses {
			return errors.Wrapf(ErrShapeMismatch, "score row %d has %d classes, want %d", i, len(row), numClasses)
		}
	}
	for j, l := range in.Labels {
		if l < 0 || l >= numClasses {
			return errors.Errorf("assign: label %d of ground truth %d outside [0, %d)", l, j, numClasses)
		}
	}
	return nil
}

// Assigner runs SimOTA with a fixed configuration. It holds no per-call state
// and is safe for concurrent use.
type Assigner struct {
	cfg Config
}

// New creates an assigner.
//
// Arguments:
//   - cfg: The matching parameters.
//
// Returns:
//   - The assigner, or an error if cfg is invalid.
func New(cfg Config) (*Assigner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Assigner{cfg: cfg}, nil
}

// Config returns the assigner's parameters.
func (a *Assigner) Config() Config {
	return a.cfg
}

// Assign computes the assignment for one image.
//
// Arguments:
//   - in: Scores, center-form priors, decoded boxes and ground truth.
//
// Returns:
//   - One Assignment per prior. With no ground truth, no priors, or no
//     candidate prior, every prior is background.
//   - An error if the input slices are inconsistent.
func (a *Assigner) Assign(in Input) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	numPriors := len(in.Decoded)
	numGT := len(in.GroundTruth)
	if numGT == 0 || numPriors == 0 {
		return newBackgroundResult(numPriors, numGT), nil
	}

	cands := a.candidates(in.Priors, in.GroundTruth)
	res := newBackgroundResult(numPriors, numGT)
	res.Candidates = len(cands.index)
	if len(cands.index) == 0 {
		return res, nil
	}

	ious, cost := a.costMatrix(in, cands)
	m := dynamicKMatching(cost, ious, a.cfg.CandidateTopK)
	res.DynamicK = m.dynamicK
	res.Conflicts = m.conflicts

	for c, gt := range m.matched {
		if gt < 0 {
			continue
		}
		res.Assignments[cands.index[c]] = Assignment{
			Kind:        Matched,
			GroundTruth: gt,
			IoU:         float32(ious.At(c, gt)),
			Label:       in.Labels[gt],
		}
	}
	return res, nil
}

// candidateSet lists the priors that passed the loose filter.
type candidateSet struct {
	// index holds prior indices in ascending order.
	index []int
	// strict[c*numGT+j] is true when candidate c is both inside ground truth
	// j and inside its center region.
	strict []bool
}

// candidates applies the in-box / in-center tests. A prior is a candidate if
// it passes either test for any ground truth. The center region is a square
// of half-size CenterRadius*stride around the ground-truth center, using the
// prior's own stride.
func (a *Assigner) candidates(ps []priors.Prior, gts []geometry.Box) candidateSet {
	numGT := len(gts)
	centers := make([][2]float32, numGT)
	for j, g := range gts {
		cx, cy := g.Center()
		centers[j] = [2]float32{cx, cy}
	}

	var set candidateSet
	inBox := make([]bool, numGT)
	inCenter := make([]bool, numGT)
	for i, p := range ps {
		hit := false
		rx := a.cfg.CenterRadius * p.StrideX
		ry := a.cfg.CenterRadius * p.StrideY
		for j, g := range gts {
			inBox[j] = g.Contains(p.X, p.Y)
			region := geometry.Box{
				X1: centers[j][0] - rx,
				Y1: centers[j][1] - ry,
				X2: centers[j][0] + rx,
				Y2: centers[j][1] + ry,
			}
			inCenter[j] = region.Contains(p.X, p.Y)
			hit = hit || inBox[j] || inCenter[j]
		}
		if !hit {
			continue
		}
		set.index = append(set.index, i)
		for j := range gts {
			set.strict = append(set.strict, inBox[j] && inCenter[j])
		}
	}
	return set
}

// costMatrix returns the candidate x ground-truth generalized IoU matrix and
// the combined cost matrix.
func (a *Assigner) costMatrix(in Input, cands candidateSet) (*mat.Dense, *mat.Dense) {
	numCand := len(cands.index)
	numGT := len(in.GroundTruth)
	ious := mat.NewDense(numCand, numGT, nil)
	cost := mat.NewDense(numCand, numGT, nil)

	numClasses := len(in.Scores[0])
	neg := make([]float32, numClasses)
	pos := make([]float32, numClasses)
	for c, i := range cands.index {
		// Scores are square-rooted before the cross-entropy against the
		// one-hot label. With label l the summed BCE is
		// sum_k -log(1-q_k) + log(1-q_l) - log(q_l).
		var negSum float32
		for k, s := range in.Scores[i] {
			q := math32.Sqrt(s)
			pos[k] = -clampedLog(q)
			neg[k] = -clampedLog(1 - q)
			negSum += neg[k]
		}
		box := in.Decoded[i]
		for j, gt := range in.GroundTruth {
			iou := geometry.GeneralizedIoU(box, gt)
			ious.Set(c, j, float64(iou))

			l := in.Labels[j]
			clsCost := negSum - neg[l] + pos[l]
			iouCost := -math32.Log(math32.Max(iou+overlapEps, overlapEps))

			total := float64(a.cfg.ClsWeight*clsCost) + float64(a.cfg.IoUWeight*iouCost)
			if !cands.strict[c*numGT+j] {
				total += highCost
			}
			cost.Set(c, j, total)
		}
	}
	return ious, cost
}

func clampedLog(x float32) float32 {
	if x <= 0 {
		return bceLogFloor
	}
	return math32.Max(math32.Log(x), bceLogFloor)
}

// matching is the outcome of dynamicKMatching.
type matching struct {
	// matched[c] is the ground truth of candidate c, or -1.
	matched   []int
	dynamicK  []int
	conflicts int
}

// dynamicKMatching lets every ground truth pick its k cheapest candidates,
// where k is the floor of the sum of its topK best IoUs, at least 1. Cost ties
// are broken by lower candidate index. A candidate picked by several ground
// truths is given to the ground truth with the lowest cost in its row, ties
// going to the lower ground-truth index.
func dynamicKMatching(cost, ious *mat.Dense, topK int) matching {
	numCand, numGT := cost.Dims()
	m := matching{
		matched:  make([]int, numCand),
		dynamicK: make([]int, numGT),
	}
	// picks[c] lists the ground truths that selected candidate c.
	picks := make([][]int, numCand)

	col := make([]float64, numCand)
	order := make([]int, numCand)
	for j := 0; j < numGT; j++ {
		mat.Col(col, j, ious)
		best := append([]float64(nil), col...)
		sort.Sort(sort.Reverse(sort.Float64Slice(best)))
		k := int(floats.Sum(best[:min(topK, numCand)]))
		k = max(min(k, numCand), 1)
		m.dynamicK[j] = k

		mat.Col(col, j, cost)
		for c := range order {
			order[c] = c
		}
		sort.SliceStable(order, func(x, y int) bool {
			return col[order[x]] < col[order[y]]
		})
		for _, c := range order[:k] {
			picks[c] = append(picks[c], j)
		}
	}

	for c, p := range picks {
		switch len(p) {
		case 0:
			m.matched[c] = -1
		case 1:
			m.matched[c] = p[0]
		default:
			m.conflicts++
			m.matched[c] = floats.MinIdx(cost.RawRowView(c))
		}
	}
	return m
}
