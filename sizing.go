// FILE: sizing.go
// Package main – optional Kelly-fraction size multiplier (§9 open question).
//
// Off by default (KELLY_SIZER_ENABLED=false). A tiny logistic-regression
// edge estimator — adapted from the teacher's AIMicroModel (model.go) —
// scores the probability the next candle closes up, and KellyMultiplier
// converts such a probability into a fractional-Kelly multiplier. Nothing
// in the orchestrator or reducer calls edgeModel or KellyMultiplier, so
// enabling KELLY_SIZER_ENABLED changes no order size.
package main

import "math"

// edgeModel is the same shape as the teacher's AIMicroModel: a 4-feature
// logistic head over (ret1, ret5, rsi14/100, zscore20).
type edgeModel struct {
	w []float64
	b float64
}

func newEdgeModel() *edgeModel {
	return &edgeModel{w: []float64{0, 0, 0, 0}, b: 0}
}

// sigmoid returns 1/(1+e^-x) with simple clamping for numerical stability,
// carried over from the teacher's AIMicroModel verbatim.
func sigmoid(x float64) float64 {
	if x > 20 {
		return 1
	}
	if x < -20 {
		return 0
	}
	return 1 / (1 + math.Exp(-x))
}

func (m *edgeModel) predict(features []float64) float64 {
	if len(features) != len(m.w) {
		return 0.5
	}
	z := m.b
	for i := range features {
		z += m.w[i] * features[i]
	}
	return sigmoid(z)
}

// fit performs simple online gradient steps on cross-entropy loss, grounded
// on AIMicroModel.fit (model.go); training input is this slot's own recent
// candle history rather than a global market-wide fit.
func (m *edgeModel) fit(c []Candle, lr float64, epochs int) {
	if len(c) < 40 {
		return
	}
	feats, labels := buildEdgeDataset(c)
	for e := 0; e < epochs; e++ {
		for i := range feats {
			p := m.predict(feats[i])
			grad := p - labels[i]
			for j := range m.w {
				m.w[j] -= lr * grad * feats[i][j]
			}
			m.b -= lr * grad
		}
	}
}

func buildEdgeDataset(c []Candle) ([][]float64, []float64) {
	var feats [][]float64
	var labels []float64
	rsis := RSI(c, 14)
	zs := ZScore(c, 20)
	for i := 21; i < len(c)-1; i++ {
		ret1 := (c[i].Close - c[i-1].Close) / c[i-1].Close
		ret5 := (c[i].Close - c[i-5].Close) / c[i-5].Close
		feats = append(feats, []float64{ret1, ret5, rsis[i] / 100.0, zs[i]})
		up := 0.0
		if c[i+1].Close > c[i].Close {
			up = 1.0
		}
		labels = append(labels, up)
	}
	return feats, labels
}

// KellyMultiplier converts an edge probability pUp (for a long-biased leg;
// pass 1-pUp for a short-biased leg) and a payoff ratio (profit_pct /
// effective risk per unit) into a fractional-Kelly size multiplier,
// clamped to [1, KellyMaxMultiplier]. A multiplier is never below 1: this
// sizer only ever scales UP a favorable edge, never scales a base size
// down (that's the rebalancer's/backoff's job).
func KellyMultiplier(pUp, payoffRatio float64, cfg Config) float64 {
	if !cfg.KellySizerEnabled {
		return 1.0
	}
	if payoffRatio <= 0 {
		return 1.0
	}
	// Standard Kelly fraction f* = p - (1-p)/b, halved (fractional Kelly)
	// for the usual overconfidence/variance-drag guard.
	f := pUp - (1-pUp)/payoffRatio
	f *= 0.5
	if f <= 0 {
		return 1.0
	}
	mult := 1.0 + f
	return math.Min(mult, cfg.KellyMaxMultiplier)
}
