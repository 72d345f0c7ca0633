package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRebalConfig() Config {
	var cfg Config
	cfg.TrendFastHalflifeSec = 60
	cfg.TrendSlowHalflifeSec = 600
	cfg.TrendDeadZone = 0.002
	cfg.TrendIdleSensitivity = 0.5
	cfg.TrendIdleFloor = 0.1
	cfg.TrendIdleCeiling = 0.6
	cfg.TrendBaseIdleTarget = 0.3
	cfg.TrendHysteresisSec = 900
	cfg.TrendMinSamples = 3

	cfg.HMMBlendWithTrend = 0.5
	cfg.RebalKp = 0.8
	cfg.RebalKd = 0.2
	cfg.RebalMaxSkew = 1.0
	cfg.RebalNeutralBand = 0.02
	cfg.RebalMaxSlew = 0.1
	cfg.RebalSignFlipMaxPerHour = 3
	cfg.RebalSensitivity = 0.5
	cfg.RebalMaxSizeMult = 1.5
	return cfg
}

func TestUpdateTrendColdStartNoScore(t *testing.T) {
	cfg := testRebalConfig()
	st := &TrendState{}
	now := time.Now().UTC()

	UpdateTrend(st, 100, now, cfg)
	assert.Equal(t, 0.0, st.Score, "first sample under TrendMinSamples must not produce a score")
}

func TestUpdateTrendProducesPositiveScoreOnUptrend(t *testing.T) {
	cfg := testRebalConfig()
	st := &TrendState{}
	now := time.Now().UTC()
	price := 100.0
	for i := 0; i < 50; i++ {
		price += 1
		now = now.Add(time.Second)
		UpdateTrend(st, price, now, cfg)
	}
	assert.Greater(t, st.Score, 0.0, "a sustained uptrend should score positive (fast EMA above slow EMA)")
}

func TestDynamicIdleTargetClampsToFloorCeiling(t *testing.T) {
	cfg := testRebalConfig()
	st := &TrendState{Score: 10} // absurdly large to force clamping
	now := time.Now().UTC()
	target := dynamicIdleTarget(st, cfg, now)
	assert.GreaterOrEqual(t, target, cfg.TrendIdleFloor)
	assert.LessOrEqual(t, target, cfg.TrendIdleCeiling)
}

func TestDynamicIdleTargetHysteresisHoldsAfterBigJump(t *testing.T) {
	cfg := testRebalConfig()
	st := &TrendState{Score: 0, SmoothTarget: cfg.TrendBaseIdleTarget}
	now := time.Now().UTC()

	st.Score = 1.0 // forces a big jump in raw target
	first := dynamicIdleTarget(st, cfg, now)
	require.False(t, st.HoldUntil.IsZero(), "a jump beyond 0.02 must arm the hold")

	// Within the hold window, repeated calls must return the same value.
	second := dynamicIdleTarget(st, cfg, now.Add(time.Second))
	assert.Equal(t, first, second)
}

func TestUpdateRebalancerNeutralBandZeroesSkew(t *testing.T) {
	cfg := testRebalConfig()
	rs := &RebalancerState{}
	now := time.Now().UTC()

	out := UpdateRebalancer(rs, 300, 1000, 0, 0, 0.3, CapacityOK, now, cfg) // idleRatio=0.3, target=0.3 -> err=0
	assert.Equal(t, 0.0, out.Skew)
	assert.Equal(t, 1.0, out.SizeMultLegA)
	assert.Equal(t, 1.0, out.SizeMultLegB)
}

func TestUpdateRebalancerCapacityBandForcesZeroSkew(t *testing.T) {
	cfg := testRebalConfig()
	rs := &RebalancerState{}
	now := time.Now().UTC()

	out := UpdateRebalancer(rs, 900, 1000, 0, 0, 0.3, CapacityStop, now, cfg) // large idle error, but capacity stopped
	assert.Equal(t, 0.0, out.Skew)
}

func TestUpdateRebalancerFavorsLegBOnPositiveSkew(t *testing.T) {
	cfg := testRebalConfig()
	cfg.RebalNeutralBand = 0 // disable dead-band so a clear error produces skew
	rs := &RebalancerState{}
	now := time.Now().UTC()

	// idleRatio far above target -> positive error -> positive skew (favor leg B).
	var out RebalancerOutput
	for i := 0; i < 5; i++ {
		now = now.Add(time.Minute)
		out = UpdateRebalancer(rs, 900, 1000, 0, 0, 0.3, CapacityOK, now, cfg)
	}
	assert.GreaterOrEqual(t, out.Skew, 0.0)
	assert.GreaterOrEqual(t, out.SizeMultLegB, 1.0)
}

func TestUpdateRebalancerSlewRateBounded(t *testing.T) {
	cfg := testRebalConfig()
	cfg.RebalNeutralBand = 0
	cfg.RebalMaxSlew = 0.01 // tight bound to make clamping observable
	rs := &RebalancerState{}
	now := time.Now().UTC()

	first := UpdateRebalancer(rs, 900, 1000, 0, 0, 0.3, CapacityOK, now, cfg)
	now = now.Add(time.Minute)
	second := UpdateRebalancer(rs, 900, 1000, 0, 0, 0.3, CapacityOK, now, cfg)

	assert.LessOrEqual(t, second.Skew-first.Skew, cfg.RebalMaxSlew+1e-9)
}
