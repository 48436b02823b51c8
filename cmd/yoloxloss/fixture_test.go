package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-yolox/geometry"
	"github.com/nvr-ai/go-yolox/loss"
)

func TestLoadBatch(t *testing.T) {
	b, err := loadBatch("testdata/batch.yaml")
	require.NoError(t, err)
	require.Len(t, b.Levels, 1)
	require.Len(t, b.Images, 1)

	out, gts, err := b.headOutputs()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 2, 2}, []int(out.BoxPredictions[0].Shape()))
	assert.Equal(t, []loss.GroundTruth{{
		Boxes:  []geometry.Box{{X1: 0, Y1: 0, X2: 16, Y2: 16}},
		Labels: []int{0},
	}}, gts)
}

func TestFixtureLoss(t *testing.T) {
	cfg, err := loss.LoadConfig("testdata/loss.yaml")
	require.NoError(t, err)
	b, err := loadBatch("testdata/batch.yaml")
	require.NoError(t, err)
	out, gts, err := b.headOutputs()
	require.NoError(t, err)

	agg, err := loss.New(cfg)
	require.NoError(t, err)
	res, err := agg.Compute(out, gts)
	require.NoError(t, err)

	assert.Equal(t, 2, res.TotalPositives)
	assert.InDelta(t, 2*math.Ln2, res.Terms[loss.TermObjectness], 1e-5)
	assert.InDelta(t, math.Ln2, res.Terms[loss.TermClassification], 1e-5)
	assert.Contains(t, res.Terms, loss.TermL1)
}

func TestArrayDense_Errors(t *testing.T) {
	_, err := array{Shape: []int{1, 2}, Data: []float32{1}}.dense()
	assert.Error(t, err)

	_, err = array{Shape: []int{0, 2}}.dense()
	assert.Error(t, err)

	_, err = array{}.dense()
	assert.Error(t, err)
}
