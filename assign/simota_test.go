package assign

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/nvr-ai/go-yolox/geometry"
	"github.com/nvr-ai/go-yolox/priors"
)

func newAssigner(t *testing.T) *Assigner {
	t.Helper()
	a, err := New(DefaultConfig())
	require.NoError(t, err)
	return a
}

func uniformScores(n, classes int, v float32) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, classes)
		for k := range out[i] {
			out[i][k] = v
		}
	}
	return out
}

// centeredGrid returns the cell-center priors of a single stride-8 level.
func centeredGrid(t *testing.T, h, w int) []priors.Prior {
	t.Helper()
	g := priors.NewGenerator([]priors.Stride{priors.Square(8)}, 0.5)
	ps, err := g.SingleLevel(priors.FeatureShape{Height: h, Width: w}, 0)
	require.NoError(t, err)
	return ps
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.CandidateTopK = 0
	_, err := New(bad)
	assert.Error(t, err)

	bad = DefaultConfig()
	bad.CenterRadius = 0
	assert.Error(t, bad.Validate())
}

func TestAssign_NoGroundTruth(t *testing.T) {
	ps := centeredGrid(t, 4, 4)
	res, err := newAssigner(t).Assign(Input{
		Scores:  uniformScores(16, 3, 0.5),
		Priors:  ps,
		Decoded: make([]geometry.Box, 16),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.NumGroundTruth)
	assert.Equal(t, make([]int, 16), res.Codes())
	assert.Equal(t, make([]float32, 16), res.MaxIoUs())
	for _, l := range res.Labels() {
		assert.Equal(t, -1, l)
	}
	assert.Zero(t, res.NumPositives())
	assert.Len(t, res.Negatives(), 16)
}

func TestAssign_NoPriors(t *testing.T) {
	res, err := newAssigner(t).Assign(Input{
		GroundTruth: []geometry.Box{{X1: 0, Y1: 0, X2: 10, Y2: 10}},
		Labels:      []int{0},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Assignments)
	assert.Equal(t, 1, res.NumGroundTruth)
}

func TestAssign_FullGridScenario(t *testing.T) {
	ps := centeredGrid(t, 2, 2)
	gt := geometry.Box{X1: 0, Y1: 0, X2: 16, Y2: 16}
	decoded := []geometry.Box{
		gt,
		gt,
		{X1: 0, Y1: 0, X2: 4, Y2: 4},
		{X1: 12, Y1: 12, X2: 16, Y2: 16},
	}

	res, err := newAssigner(t).Assign(Input{
		Scores:      uniformScores(4, 1, 0.5),
		Priors:      ps,
		Decoded:     decoded,
		GroundTruth: []geometry.Box{gt},
		Labels:      []int{0},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Candidates)
	assert.Equal(t, 0, res.Conflicts)
	require.Len(t, res.DynamicK, 1)
	// 1 + 1 + 0.0625 + 0.0625 floors to 2.
	assert.Equal(t, 2, res.DynamicK[0])
	assert.GreaterOrEqual(t, res.DynamicK[0], 1)
	assert.LessOrEqual(t, res.DynamicK[0], 4)

	want := []Assignment{
		{Kind: Matched, GroundTruth: 0, IoU: 1, Label: 0},
		{Kind: Matched, GroundTruth: 0, IoU: 1, Label: 0},
		background,
		background,
	}
	if diff := cmp.Diff(want, res.Assignments, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("assignments mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{1, 1, 0, 0}, res.Codes())
	assert.Equal(t, []int{0, 1}, res.Positives())
}

func TestAssign_NoCandidates(t *testing.T) {
	ps := centeredGrid(t, 2, 2)
	res, err := newAssigner(t).Assign(Input{
		Scores:      uniformScores(4, 2, 0.5),
		Priors:      ps,
		Decoded:     make([]geometry.Box, 4),
		GroundTruth: []geometry.Box{{X1: 1000, Y1: 1000, X2: 1010, Y2: 1010}},
		Labels:      []int{1},
	})
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	assert.Zero(t, res.NumPositives())
	assert.Equal(t, []int{-1, -1, -1, -1}, res.Labels())
}

// conflictInput has three priors in a row and two ground truths that both
// consider the middle prior their cheapest candidate.
func conflictInput(gts []geometry.Box, labels []int) Input {
	return Input{
		Scores: uniformScores(3, 1, 0.25),
		Priors: []priors.Prior{
			{X: 4, Y: 4, StrideX: 8, StrideY: 8},
			{X: 12, Y: 4, StrideX: 8, StrideY: 8},
			{X: 20, Y: 4, StrideX: 8, StrideY: 8},
		},
		Decoded: []geometry.Box{
			{X1: 0, Y1: 0, X2: 4, Y2: 8},
			{X1: 3, Y1: 0, X2: 19, Y2: 8},
			{X1: 20, Y1: 0, X2: 24, Y2: 8},
		},
		GroundTruth: gts,
		Labels:      labels,
	}
}

func TestAssign_ConflictResolution(t *testing.T) {
	a := newAssigner(t)
	gtA := geometry.Box{X1: 0, Y1: 0, X2: 16, Y2: 8}
	gtB := geometry.Box{X1: 8, Y1: 0, X2: 24, Y2: 8}

	alone, err := a.Assign(conflictInput([]geometry.Box{gtB}, []int{0}))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0}, alone.Codes())
	assert.Zero(t, alone.Conflicts)

	both, err := a.Assign(conflictInput([]geometry.Box{gtA, gtB}, []int{0, 0}))
	require.NoError(t, err)
	assert.Equal(t, 3, both.Candidates)
	assert.Equal(t, []int{1, 1}, both.DynamicK)
	assert.Equal(t, 1, both.Conflicts)
	// The middle prior goes to A, which overlaps its decoded box more.
	assert.Equal(t, []int{0, 1, 0}, both.Codes())

	countFor := func(r *Result, gt int) int {
		n := 0
		for _, as := range r.Assignments {
			if as.Kind == Matched && as.GroundTruth == gt {
				n++
			}
		}
		return n
	}
	assert.Equal(t, countFor(alone, 0)-1, countFor(both, 1))
}

func TestAssign_ShapeMismatch(t *testing.T) {
	a := newAssigner(t)
	_, err := a.Assign(Input{
		Scores:  uniformScores(2, 1, 0.5),
		Priors:  make([]priors.Prior, 3),
		Decoded: make([]geometry.Box, 3),
	})
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = a.Assign(Input{
		Scores:      uniformScores(1, 1, 0.5),
		Priors:      make([]priors.Prior, 1),
		Decoded:     make([]geometry.Box, 1),
		GroundTruth: []geometry.Box{{X1: 0, Y1: 0, X2: 1, Y2: 1}},
	})
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = a.Assign(Input{
		Scores:      uniformScores(1, 2, 0.5),
		Priors:      make([]priors.Prior, 1),
		Decoded:     make([]geometry.Box, 1),
		GroundTruth: []geometry.Box{{X1: 0, Y1: 0, X2: 1, Y2: 1}},
		Labels:      []int{2},
	})
	assert.Error(t, err)
}

func TestAssign_InvariantsOnDenseScene(t *testing.T) {
	ps := centeredGrid(t, 8, 8)
	decoded := make([]geometry.Box, len(ps))
	for i, p := range ps {
		decoded[i] = geometry.FromCenter(p.X+1, p.Y-1, 20, 14)
	}
	gts := []geometry.Box{
		{X1: 2, Y1: 2, X2: 30, Y2: 26},
		{X1: 20, Y1: 10, X2: 44, Y2: 40},
		{X1: 36, Y1: 36, X2: 62, Y2: 60},
	}
	scores := uniformScores(len(ps), 3, 0.3)
	res, err := newAssigner(t).Assign(Input{
		Scores:      scores,
		Priors:      ps,
		Decoded:     decoded,
		GroundTruth: gts,
		Labels:      []int{0, 1, 2},
	})
	require.NoError(t, err)

	perGT := make([]int, len(gts))
	for _, code := range res.Codes() {
		require.GreaterOrEqual(t, code, 0)
		require.LessOrEqual(t, code, len(gts))
		if code > 0 {
			perGT[code-1]++
		}
	}
	for j, k := range res.DynamicK {
		assert.GreaterOrEqual(t, k, 1, "ground truth %d", j)
		assert.LessOrEqual(t, k, DefaultConfig().CandidateTopK, "ground truth %d", j)
	}
	total := 0
	for _, n := range perGT {
		total += n
	}
	assert.Equal(t, res.NumPositives(), total)
	assert.Equal(t, len(ps), len(res.Positives())+len(res.Negatives()))
}

func TestDynamicKMatching_TieBreakAndFloor(t *testing.T) {
	// Four candidates with identical cost for the single ground truth.
	cost := mat.NewDense(4, 1, []float64{2, 2, 2, 2})
	ious := mat.NewDense(4, 1, []float64{0.9, 0.8, 0.7, 0.1})
	m := dynamicKMatching(cost, ious, 10)
	assert.Equal(t, []int{2}, m.dynamicK)
	assert.Equal(t, []int{0, 0, -1, -1}, m.matched, "ties go to the lower candidate index")

	// Negative overlaps still match one candidate.
	ious = mat.NewDense(4, 1, []float64{-0.5, -0.4, -0.2, -0.9})
	m = dynamicKMatching(cost, ious, 10)
	assert.Equal(t, []int{1}, m.dynamicK)
	assert.Equal(t, []int{0, -1, -1, -1}, m.matched)

	// topK limits how many IoUs are summed.
	ious = mat.NewDense(4, 1, []float64{1, 1, 1, 1})
	m = dynamicKMatching(cost, ious, 3)
	assert.Equal(t, []int{3}, m.dynamicK)
}

func TestDynamicKMatching_Conflict(t *testing.T) {
	cost := mat.NewDense(3, 2, []float64{
		5, 6,
		1, 2,
		3, 4,
	})
	ious := mat.NewDense(3, 2, []float64{
		0.2, 0.1,
		0.9, 0.8,
		0.5, 0.6,
	})
	m := dynamicKMatching(cost, ious, 10)
	assert.Equal(t, []int{1, 1}, m.dynamicK)
	assert.Equal(t, 1, m.conflicts)
	assert.Equal(t, []int{-1, 0, -1}, m.matched)
}
