// FILE: hmm_detector.go
// Package main – single-timeframe HMM regime detector.
//
// A RegimeDetector owns one GaussianHMM instance plus its training/labeling
// state. The orchestrator runs up to three (primary/secondary/tertiary,
// §4.6); each is fed candles at its own cadence and is otherwise identical.
package main

import (
	"math"
	"time"
)

// Regime is the three-way label a detector (or the consensus stage)
// assigns, always ordered BEARISH < RANGING < BULLISH by construction.
type Regime int

const (
	RegimeBearish Regime = iota
	RegimeRanging
	RegimeBullish
)

func (r Regime) String() string {
	switch r {
	case RegimeBearish:
		return "BEARISH"
	case RegimeBullish:
		return "BULLISH"
	default:
		return "RANGING"
	}
}

// TrainingDepth classifies how much history a detector has trained on,
// each tier carrying a confidence modifier per §4.6.
type TrainingDepth int

const (
	DepthShallow TrainingDepth = iota
	DepthBaseline
	DepthDeep
	DepthFull
)

func (d TrainingDepth) String() string {
	switch d {
	case DepthBaseline:
		return "baseline"
	case DepthDeep:
		return "deep"
	case DepthFull:
		return "full"
	default:
		return "shallow"
	}
}

func (d TrainingDepth) confidenceModifier() float64 {
	switch d {
	case DepthBaseline:
		return 0.85
	case DepthDeep:
		return 0.95
	case DepthFull:
		return 1.00
	default:
		return 0.70
	}
}

func classifyTrainingDepth(samples, target int) TrainingDepth {
	if target <= 0 {
		return DepthShallow
	}
	ratio := float64(samples) / float64(target)
	switch {
	case ratio >= 1.0:
		return DepthFull
	case ratio >= 0.75:
		return DepthDeep
	case ratio >= 0.4:
		return DepthBaseline
	default:
		return DepthShallow
	}
}

// DetectorOutput is what a RegimeDetector reports after each inference.
type DetectorOutput struct {
	Regime             Regime
	RawConfidence      float64
	EffectiveConfidence float64
	BiasSignal         float64 // HMM_BIAS_GAIN * (P[bull] - P[bear]), zeroed below threshold
	Posterior          []float64
	Trained            bool
	TrainingDepth      TrainingDepth
	LastTrainTS        time.Time
}

// RegimeDetector extracts features from candles, trains a 3-state Gaussian
// HMM via Baum-Welch and reports a labeled, confidence-scored regime.
type RegimeDetector struct {
	Name string
	hmm  *GaussianHMM
	// stateOrder[Regime position] -> raw EM label, the raw labels sorted by
	// EMA-spread mean (feature index 1), recomputed after each training pass.
	stateOrder    []int
	trained       bool
	lastTrainTS   time.Time
	trainingDepth TrainingDepth
}

// NewRegimeDetector builds a detector with the conventional 3-state,
// 4-feature (MACD-hist slope, EMA-spread %, RSI zone, volume ratio) model.
func NewRegimeDetector(name string, states int) *RegimeDetector {
	return &RegimeDetector{Name: name, hmm: NewGaussianHMM(states, 4)}
}

// featureIndexEMASpread is the feature used for state label remapping
// (§4.6: "sort the three states by the learned EMA-spread mean").
const featureIndexEMASpread = 1

// extractFeatures builds the four-dimensional observation series for
// candles c, using emaFast/emaSlow periods for the spread feature and rsiN
// for the zone feature.
func extractFeatures(c []Candle, emaFast, emaSlow, rsiN, volN int) [][]float64 {
	if len(c) == 0 {
		return nil
	}
	macdHist := MACDHistogram(c, emaFast, emaSlow, 9)
	fast := EMA(c, emaFast)
	slow := EMA(c, emaSlow)
	rsi := RSI(c, rsiN)
	volRatio := VolumeRatio(c, volN)

	out := make([][]float64, len(c))
	for i := range c {
		macdSlope := 0.0
		if i > 0 && !math.IsNaN(macdHist[i]) && !math.IsNaN(macdHist[i-1]) {
			macdSlope = macdHist[i] - macdHist[i-1]
		}
		spreadPct := 0.0
		if slow[i] != 0 && !math.IsNaN(slow[i]) && !math.IsNaN(fast[i]) {
			spreadPct = (fast[i] - slow[i]) / slow[i]
		}
		rsiZone := (rsi[i] - 50.0) / 50.0
		out[i] = []float64{macdSlope, spreadPct, rsiZone, volRatio[i]}
	}
	return out
}

// MaybeTrain retrains the detector when enough candles are available and
// either it has never trained or the retrain interval has elapsed.
func (d *RegimeDetector) MaybeTrain(now time.Time, c []Candle, cfg Config) {
	if !cfg.HMMEnabled {
		return
	}
	if d.trained && now.Sub(d.lastTrainTS) < time.Duration(cfg.HMMRetrainIntervalSec)*time.Second {
		return
	}
	window := c
	if len(window) > cfg.HMMTrainingCandles {
		window = window[len(window)-cfg.HMMTrainingCandles:]
	}
	if len(window) < cfg.HMMMinTrainSamples {
		return
	}
	feats := extractFeatures(window, 12, 26, 14, 20)
	feats = dropWarmup(feats, 26)
	if len(feats) < cfg.HMMMinTrainSamples {
		return
	}
	d.hmm.FitBaumWelch(feats, 50, 1e-4)
	d.stateOrder = d.hmm.StateOrderByMean(featureIndexEMASpread)
	d.trained = true
	d.lastTrainTS = now
	d.trainingDepth = classifyTrainingDepth(len(window), cfg.HMMTrainingCandles)
}

// PersistState exports the detector's training metadata for the status
// payload/snapshot (§6.3, §6.4). It's audit-trail only: the Baum-Welch
// model parameters themselves aren't serialized, so Restore() never feeds
// this back into a live detector — retraining from scratch on boot is the
// documented behavior, not a missing feature.
func (d *RegimeDetector) PersistState() DetectorPersistState {
	return DetectorPersistState{
		Trained:       d.trained,
		LastTrainTS:   d.lastTrainTS,
		TrainingDepth: d.trainingDepth,
		QualityTier:   d.trainingDepth.String(),
		ConfidenceMod: d.trainingDepth.confidenceModifier(),
	}
}

// dropWarmup strips the leading rows whose indicators haven't reached
// full lookback (e.g. the slow EMA seed period), which would otherwise
// feed zero/placeholder values into training.
func dropWarmup(feats [][]float64, warmup int) [][]float64 {
	if warmup >= len(feats) {
		return nil
	}
	return feats[warmup:]
}

// Infer runs inference over the last windowSize candles and returns the
// labeled, confidence-scored output. Degrades to RANGING/0/0 per §4.6.3
// when HMM is disabled, the detector isn't trained, or there are no candles.
func (d *RegimeDetector) Infer(c []Candle, cfg Config) DetectorOutput {
	if !cfg.HMMEnabled || !d.trained || len(c) == 0 {
		return DetectorOutput{Regime: RegimeRanging, TrainingDepth: d.trainingDepth}
	}
	window := c
	if len(window) > cfg.HMMInferenceWindow {
		window = window[len(window)-cfg.HMMInferenceWindow:]
	}
	feats := extractFeatures(window, 12, 26, 14, 20)
	if len(feats) == 0 {
		return DetectorOutput{Regime: RegimeRanging, TrainingDepth: d.trainingDepth}
	}
	posterior, rawState := d.hmm.Infer(feats)
	if rawState < 0 || rawState >= len(d.stateOrder) {
		return DetectorOutput{Regime: RegimeRanging, TrainingDepth: d.trainingDepth}
	}

	// Remap raw EM labels onto the stable BEARISH/RANGING/BULLISH axis via
	// the sorted state order computed at training time.
	rank := make([]int, len(d.stateOrder))
	for pos, raw := range d.stateOrder {
		rank[raw] = pos
	}
	regime := Regime(rank[rawState])

	pBear, pBull := 0.0, 0.0
	for raw, pos := range rank {
		if pos == 0 {
			pBear = posterior[raw]
		}
		if pos == len(rank)-1 {
			pBull = posterior[raw]
		}
	}

	rawConf := posterior[rawState]
	modifier := d.trainingDepth.confidenceModifier()
	effConf := math.Min(math.Max(rawConf*modifier, 0), 1)

	bias := cfg.HMMBiasGain * (pBull - pBear)
	if effConf < cfg.HMMConfidenceThreshold {
		bias = 0
		regime = RegimeRanging
	}

	return DetectorOutput{
		Regime:              regime,
		RawConfidence:       rawConf,
		EffectiveConfidence: effConf,
		BiasSignal:          bias,
		Posterior:           posterior,
		Trained:             true,
		TrainingDepth:       d.trainingDepth,
		LastTrainTS:         d.lastTrainTS,
	}
}
