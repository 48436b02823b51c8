package targets

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-yolox/assign"
	"github.com/nvr-ai/go-yolox/geometry"
	"github.com/nvr-ai/go-yolox/priors"
)

// SamplingResult splits the priors of one image into positive and negative
// samples and gathers, for every positive, its matched ground truth.
type SamplingResult struct {
	// PositiveIndices are the prior indices matched to a ground truth.
	PositiveIndices []int
	// NegativeIndices are the prior indices assigned to background.
	NegativeIndices []int
	// PositivePriors and NegativePriors are the priors at those indices.
	PositivePriors []priors.Prior
	NegativePriors []priors.Prior
	// PositiveGroundTruthIndices holds the 0-based ground-truth index of each
	// positive.
	PositiveGroundTruthIndices []int
	// PositiveGroundTruthBoxes holds the matched box of each positive.
	PositiveGroundTruthBoxes []geometry.Box
	// PositiveLabels holds the matched class of each positive.
	PositiveLabels []int
	// NumGroundTruth is the number of ground-truth boxes of the image.
	NumGroundTruth int
}

// Sample derives the positive and negative index sets from an assignment.
//
// Arguments:
//   - res: The assignment of the image.
//   - ps: The priors the assignment refers to.
//   - gts: The ground-truth boxes of the image.
//
// Returns:
//   - The sampling result.
//   - An error if the assignment does not fit the priors or references a
//     ground truth that does not exist.
func Sample(res *assign.Result, ps []priors.Prior, gts []geometry.Box) (*SamplingResult, error) {
	if len(res.Assignments) != len(ps) {
		return nil, errors.Errorf("sample: %d assignments for %d priors", len(res.Assignments), len(ps))
	}
	s := &SamplingResult{NumGroundTruth: len(gts)}
	for i, a := range res.Assignments {
		if a.Kind != assign.Matched {
			s.NegativeIndices = append(s.NegativeIndices, i)
			s.NegativePriors = append(s.NegativePriors, ps[i])
			continue
		}
		if len(gts) == 0 {
			return nil, errors.New("sample: positive assignment without ground-truth boxes")
		}
		if a.GroundTruth < 0 || a.GroundTruth >= len(gts) {
			return nil, errors.Errorf("sample: prior %d assigned to ground truth %d of %d", i, a.GroundTruth, len(gts))
		}
		s.PositiveIndices = append(s.PositiveIndices, i)
		s.PositivePriors = append(s.PositivePriors, ps[i])
		s.PositiveGroundTruthIndices = append(s.PositiveGroundTruthIndices, a.GroundTruth)
		s.PositiveGroundTruthBoxes = append(s.PositiveGroundTruthBoxes, gts[a.GroundTruth])
		s.PositiveLabels = append(s.PositiveLabels, a.Label)
	}
	return s, nil
}

// NumPositives is the number of positive samples.
func (s *SamplingResult) NumPositives() int {
	return len(s.PositiveIndices)
}
