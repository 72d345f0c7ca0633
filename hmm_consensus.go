// FILE: hmm_consensus.go
// Package main – multi-timeframe HMM consensus and tertiary transition
// confirmation (§4.6.1, §4.6.2).
//
// The consensus label is derived from primary/secondary agreement, never
// from sign(bias) alone — that was the bug this layer exists to fix: a
// blended bias can point bullish while both detectors individually read
// RANGING, which must never surface as a directional consensus label.
package main

import "time"

// ConsensusLabel classifies how primary and secondary detectors agree.
type ConsensusLabel int

const (
	ConsensusFull ConsensusLabel = iota
	Consensus1mCooling
	Consensus15mNeutral
	ConsensusConflict
)

// ConsensusOutput is the blended regime view the rebalancer consumes.
type ConsensusOutput struct {
	Label              ConsensusLabel
	Regime             Regime
	Confidence         float64
	Bias               float64
	ConsensusProbs     []float64 // weighted P[bear], P[range], P[bull]
}

// ComputeConsensus blends primary (1m-style) and secondary (15m-style)
// detector outputs per §4.6.1. w1+w15 must sum to 1; callers normalize.
func ComputeConsensus(primary, secondary DetectorOutput, w1, w15 float64) ConsensusOutput {
	out := ConsensusOutput{}

	probs := blendPosteriors(primary.Posterior, secondary.Posterior, w1, w15)
	out.ConsensusProbs = probs

	switch {
	case !primary.Trained && !secondary.Trained:
		out.Label = ConsensusConflict
		out.Regime = RegimeRanging
		out.Confidence = 0
		return out

	case primary.Regime == secondary.Regime:
		out.Label = ConsensusFull
		out.Regime = primary.Regime
		out.Confidence = w1*primary.EffectiveConfidence + w15*secondary.EffectiveConfidence

	case primary.Regime == RegimeRanging && secondary.Regime != RegimeRanging:
		out.Label = Consensus1mCooling
		out.Regime = secondary.Regime
		out.Confidence = secondary.EffectiveConfidence

	case secondary.Regime == RegimeRanging && primary.Regime != RegimeRanging:
		out.Label = Consensus15mNeutral
		out.Regime = RegimeRanging
		out.Confidence = 0

	default:
		// Both directional but disagreeing (one bull, one bear): conflict.
		out.Label = ConsensusConflict
		out.Regime = RegimeRanging
		out.Confidence = 0
	}

	out.Bias = w1*primary.BiasSignal + w15*secondary.BiasSignal
	return out
}

func blendPosteriors(a, b []float64, wa, wb float64) []float64 {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var av, bv float64
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		out[i] = wa*av + wb*bv
	}
	return out
}

// TertiaryTransition tracks a pending regime change on the tertiary
// (1h-style) detector, requiring sustained confirmation before it's
// considered real (§4.6.2).
type TertiaryTransition struct {
	From            Regime
	To              Regime
	ConfirmCount    int
	Confirmed       bool
	ChangedAt       time.Time
}

// UpdateTertiaryTransition advances or opens a transition record given the
// tertiary detector's latest regime at candle cadence. requiredCandles is
// HMM_ACCUM_CONFIRMATION_CANDLES.
func UpdateTertiaryTransition(state *TertiaryTransition, current Regime, requiredCandles int, now time.Time) *TertiaryTransition {
	if state == nil {
		return &TertiaryTransition{From: current, To: current, ConfirmCount: 0, Confirmed: true, ChangedAt: now}
	}
	if current != state.To {
		return &TertiaryTransition{From: state.To, To: current, ConfirmCount: 1, Confirmed: false, ChangedAt: now}
	}
	if !state.Confirmed {
		state.ConfirmCount++
		state.Confirmed = state.ConfirmCount >= requiredCandles && state.To != state.From
	}
	return state
}

// TransitionAgeSec reports the seconds since the transition record opened,
// surfaced verbatim on the status payload (§6.3).
func (t *TertiaryTransition) TransitionAgeSec(now time.Time) float64 {
	if t == nil || t.ChangedAt.IsZero() {
		return 0
	}
	return now.Sub(t.ChangedAt).Seconds()
}
