package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoCluster builds an observation set with two well-separated 1-D clusters
// so Baum-Welch has an easy, checkable target to converge toward.
func twoCluster(n int) [][]float64 {
	var obs [][]float64
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			obs = append(obs, []float64{0.0})
		} else {
			obs = append(obs, []float64{10.0})
		}
	}
	return obs
}

func TestGaussLogPDFPeaksAtMean(t *testing.T) {
	atMean := gaussLogPDF(5, 5, 1)
	off := gaussLogPDF(7, 5, 1)
	assert.Greater(t, atMean, off)
}

func TestForwardBackwardGammaSumsToOne(t *testing.T) {
	h := NewGaussianHMM(2, 1)
	obs := twoCluster(20)
	gamma, loglik := h.forwardBackward(obs)
	require.Len(t, gamma, 20)
	assert.False(t, math.IsInf(loglik, -1))
	for _, row := range gamma {
		sum := 0.0
		for _, p := range row {
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestFitBaumWelchSeparatesClusters(t *testing.T) {
	h := NewGaussianHMM(2, 1)
	obs := twoCluster(40)
	h.FitBaumWelch(obs, 50, 1e-6)

	means := []float64{h.Mean[0][0], h.Mean[1][0]}
	lo, hi := means[0], means[1]
	if lo > hi {
		lo, hi = hi, lo
	}
	assert.InDelta(t, 0.0, lo, 2.0)
	assert.InDelta(t, 10.0, hi, 2.0)
}

func TestInferReturnsValidPosterior(t *testing.T) {
	h := NewGaussianHMM(3, 1)
	obs := twoCluster(30)
	h.FitBaumWelch(obs, 30, 1e-6)

	posterior, state := h.Infer(obs)
	require.Len(t, posterior, 3)
	assert.GreaterOrEqual(t, state, 0)
	assert.Less(t, state, 3)
	sum := 0.0
	for _, p := range posterior {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestStateOrderByMeanIsAscending(t *testing.T) {
	h := NewGaussianHMM(3, 2)
	h.Mean[0] = []float64{5, 0}
	h.Mean[1] = []float64{-2, 0}
	h.Mean[2] = []float64{1, 0}

	order := h.StateOrderByMean(0)
	require.Len(t, order, 3)
	assert.Equal(t, 1, order[0]) // mean -2
	assert.Equal(t, 2, order[1]) // mean 1
	assert.Equal(t, 0, order[2]) // mean 5
}
