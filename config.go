// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// Config holds every knob the orchestrator and its subsystems use. It is
// built in two passes: an optional YAML file read through viper (layered
// config, grounded on 0xtitan6-polymarket-mm/internal/config/config.go),
// then environment variables applied on top — env always wins, matching
// viper's AutomaticEnv precedence. loadBotEnv() (env.go) hydrates the
// process environment from .env first, same boot order the teacher used.
package main

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// vStr/vFloat/vInt/vBool read a key from the optional YAML layer, falling
// back to def when the key was never set in the file. loadConfig then runs
// env vars over the result, so precedence is hardcoded-default < YAML <
// environment, matching viper's own AutomaticEnv override order.
func vStr(v *viper.Viper, key, def string) string {
	if !v.IsSet(key) {
		return def
	}
	return v.GetString(key)
}

func vFloat(v *viper.Viper, key string, def float64) float64 {
	if !v.IsSet(key) {
		return def
	}
	return v.GetFloat64(key)
}

func vInt(v *viper.Viper, key string, def int) int {
	if !v.IsSet(key) {
		return def
	}
	return v.GetInt(key)
}

func vBool(v *viper.Viper, key string, def bool) bool {
	if !v.IsSet(key) {
		return def
	}
	return v.GetBool(key)
}

// Config is the full set of runtime knobs. Engine carries the reducer's
// immutable-per-run parameters (§3); the remaining fields are ops-level
// orchestrator/rebalancer/HMM tunables (SPEC_FULL §4.3, 4.4, 4.6).
type Config struct {
	ProductID string

	Engine EngineConfig

	// Orchestrator
	PollIntervalSec      int
	StalePriceMaxAgeSec  int
	MaxConsecutiveErrors int
	DailyLossLimit       float64
	MaxOpenOrderHeadroom int // entry-velocity scheduler cap ceiling

	// Rebalancer / trend
	RebalanceIntervalSec    int
	HMMBlendWithTrend       float64 // blend weight for trend_score vs hmm_bias
	RebalKp                 float64
	RebalKd                 float64
	RebalMaxSkew            float64
	RebalNeutralBand        float64
	RebalMaxSlew            float64
	RebalSignFlipMaxPerHour int
	RebalSensitivity        float64
	RebalMaxSizeMult        float64

	TrendFastHalflifeSec float64
	TrendSlowHalflifeSec float64
	TrendDeadZone        float64
	TrendIdleSensitivity float64
	TrendIdleFloor       float64
	TrendIdleCeiling     float64
	TrendBaseIdleTarget  float64
	TrendHysteresisSec   int
	TrendMinSamples      int

	// HMM
	HMMEnabled             bool
	HMMStates              int
	HMMTrainingCandles     int
	HMMMinTrainSamples     int
	HMMRetrainIntervalSec  int
	HMMInferenceWindow     int
	HMMConfidenceThreshold float64
	HMMBiasGain            float64
	HMMSecondaryWeight     float64
	HMMAccumConfirmCandles int

	// Kelly sizer (off by default; §9 open question)
	KellySizerEnabled  bool
	KellyMaxMultiplier float64

	// Ops
	Port   int
	DBPath string
}

// loadConfig reads an optional YAML file via viper, then environment
// variables, and returns a fully populated Config with safe defaults.
func loadConfig(yamlPath string) Config {
	v := viper.New()
	v.SetConfigType("yaml")
	if yamlPath != "" {
		v.SetConfigFile(yamlPath)
		_ = v.ReadInConfig() // missing/invalid file: fall through to env+defaults
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := Config{
		ProductID: getEnv("PRODUCT_ID", vStr(v, "product_id", "DOGE-USD")),

		Engine: EngineConfig{
			EntryPct:                getEnvFloat("ENTRY_PCT", vFloat(v, "entry_pct", 0.2)),
			EntryPctA:               getEnvFloat("ENTRY_PCT_A", vFloat(v, "entry_pct_a", 0)),
			EntryPctB:               getEnvFloat("ENTRY_PCT_B", vFloat(v, "entry_pct_b", 0)),
			ProfitPct:               getEnvFloat("PROFIT_PCT", vFloat(v, "profit_pct", 1.0)),
			RefreshPct:              getEnvFloat("REFRESH_PCT", vFloat(v, "refresh_pct", 0.5)),
			OrderSizeUSD:            getEnvFloat("ORDER_SIZE_USD", vFloat(v, "order_size_usd", 20.0)),
			PriceDecimals:           getEnvInt("PRICE_DECIMALS", vInt(v, "price_decimals", 6)),
			VolumeDecimals:          getEnvInt("VOLUME_DECIMALS", vInt(v, "volume_decimals", 1)),
			MinVolume:               getEnvFloat("MIN_VOLUME", vFloat(v, "min_volume", 1.0)),
			MinCostUSD:              getEnvFloat("MIN_COST_USD", vFloat(v, "min_cost_usd", 5.0)),
			MakerFeePct:             getEnvFloat("MAKER_FEE_PCT", vFloat(v, "maker_fee_pct", 0.25)),
			StalePriceMaxAgeSec:     getEnvInt("STALE_PRICE_MAX_AGE_SEC", vInt(v, "stale_price_max_age_sec", 120)),
			S1OrphanAfterSec:        getEnvInt("S1_ORPHAN_AFTER_SEC", vInt(v, "s1_orphan_after_sec", 3600)),
			S2OrphanAfterSec:        getEnvInt("S2_ORPHAN_AFTER_SEC", vInt(v, "s2_orphan_after_sec", 1800)),
			LossBackoffStart:        getEnvInt("LOSS_BACKOFF_START", vInt(v, "loss_backoff_start", 2)),
			LossCooldownStart:       getEnvInt("LOSS_COOLDOWN_START", vInt(v, "loss_cooldown_start", 3)),
			LossCooldownSec:         getEnvInt("LOSS_COOLDOWN_SEC", vInt(v, "loss_cooldown_sec", 900)),
			ReentryBaseCooldownSec:  getEnvInt("REENTRY_BASE_COOLDOWN_SEC", vInt(v, "reentry_base_cooldown_sec", 0)),
			BackoffFactor:           getEnvFloat("BACKOFF_FACTOR", vFloat(v, "backoff_factor", 0.5)),
			BackoffMaxMultiplier:    getEnvFloat("BACKOFF_MAX_MULTIPLIER", vFloat(v, "backoff_max_multiplier", 3.0)),
			MaxConsecutiveRefreshes: getEnvInt("MAX_CONSECUTIVE_REFRESHES", vInt(v, "max_consecutive_refreshes", 5)),
			RefreshCooldownSec:      getEnvInt("REFRESH_COOLDOWN_SEC", vInt(v, "refresh_cooldown_sec", 600)),
			MaxRecoverySlots:        getEnvInt("MAX_RECOVERY_SLOTS", vInt(v, "max_recovery_slots", 5)),
			StickyModeEnabled:       getEnvBool("STICKY_MODE_ENABLED", vBool(v, "sticky_mode_enabled", false)),
		},

		PollIntervalSec:      getEnvInt("POLL_INTERVAL_SECONDS", vInt(v, "poll_interval_seconds", 15)),
		StalePriceMaxAgeSec:  getEnvInt("STALE_PRICE_MAX_AGE_SEC", vInt(v, "stale_price_max_age_sec", 120)),
		MaxConsecutiveErrors: getEnvInt("MAX_CONSECUTIVE_ERRORS", vInt(v, "max_consecutive_errors", 5)),
		DailyLossLimit:       getEnvFloat("DAILY_LOSS_LIMIT", vFloat(v, "daily_loss_limit", 50.0)),
		MaxOpenOrderHeadroom: getEnvInt("MAX_OPEN_ORDER_HEADROOM", vInt(v, "max_open_order_headroom", 20)),

		RebalanceIntervalSec:    getEnvInt("REBALANCE_INTERVAL_SEC", vInt(v, "rebalance_interval_sec", 300)),
		HMMBlendWithTrend:       getEnvFloat("HMM_BLEND_WITH_TREND", vFloat(v, "hmm_blend_with_trend", 0.5)),
		RebalKp:                 getEnvFloat("REBAL_KP", vFloat(v, "rebal_kp", 0.8)),
		RebalKd:                 getEnvFloat("REBAL_KD", vFloat(v, "rebal_kd", 0.2)),
		RebalMaxSkew:            getEnvFloat("REBAL_MAX_SKEW", vFloat(v, "rebal_max_skew", 1.0)),
		RebalNeutralBand:        getEnvFloat("REBAL_NEUTRAL_BAND", vFloat(v, "rebal_neutral_band", 0.02)),
		RebalMaxSlew:            getEnvFloat("REBAL_MAX_SLEW", vFloat(v, "rebal_max_slew", 0.1)),
		RebalSignFlipMaxPerHour: getEnvInt("REBAL_SIGN_FLIP_MAX_PER_HOUR", vInt(v, "rebal_sign_flip_max_per_hour", 3)),
		RebalSensitivity:        getEnvFloat("REBAL_SENSITIVITY", vFloat(v, "rebal_sensitivity", 0.5)),
		RebalMaxSizeMult:        getEnvFloat("REBAL_MAX_SIZE_MULT", vFloat(v, "rebal_max_size_mult", 1.5)),

		TrendFastHalflifeSec: getEnvFloat("TREND_FAST_HALFLIFE_SEC", vFloat(v, "trend_fast_halflife_sec", 1800)),
		TrendSlowHalflifeSec: getEnvFloat("TREND_SLOW_HALFLIFE_SEC", vFloat(v, "trend_slow_halflife_sec", 21600)),
		TrendDeadZone:        getEnvFloat("TREND_DEAD_ZONE", vFloat(v, "trend_dead_zone", 0.002)),
		TrendIdleSensitivity: getEnvFloat("TREND_IDLE_SENSITIVITY", vFloat(v, "trend_idle_sensitivity", 0.5)),
		TrendIdleFloor:       getEnvFloat("TREND_IDLE_FLOOR", vFloat(v, "trend_idle_floor", 0.1)),
		TrendIdleCeiling:     getEnvFloat("TREND_IDLE_CEILING", vFloat(v, "trend_idle_ceiling", 0.6)),
		TrendBaseIdleTarget:  getEnvFloat("TREND_BASE_IDLE_TARGET", vFloat(v, "trend_base_idle_target", 0.3)),
		TrendHysteresisSec:   getEnvInt("TREND_HYSTERESIS_SEC", vInt(v, "trend_hysteresis_sec", 900)),
		TrendMinSamples:      getEnvInt("TREND_MIN_SAMPLES", vInt(v, "trend_min_samples", 20)),

		HMMEnabled:             getEnvBool("HMM_ENABLED", vBool(v, "hmm_enabled", true)),
		HMMStates:              getEnvInt("HMM_STATES", vInt(v, "hmm_states", 3)),
		HMMTrainingCandles:     getEnvInt("HMM_TRAINING_CANDLES", vInt(v, "hmm_training_candles", 500)),
		HMMMinTrainSamples:     getEnvInt("HMM_MIN_TRAIN_SAMPLES", vInt(v, "hmm_min_train_samples", 100)),
		HMMRetrainIntervalSec:  getEnvInt("HMM_RETRAIN_INTERVAL_SEC", vInt(v, "hmm_retrain_interval_sec", 21600)),
		HMMInferenceWindow:     getEnvInt("HMM_INFERENCE_WINDOW", vInt(v, "hmm_inference_window", 20)),
		HMMConfidenceThreshold: getEnvFloat("HMM_CONFIDENCE_THRESHOLD", vFloat(v, "hmm_confidence_threshold", 0.55)),
		HMMBiasGain:            getEnvFloat("HMM_BIAS_GAIN", vFloat(v, "hmm_bias_gain", 0.5)),
		HMMSecondaryWeight:     getEnvFloat("HMM_SECONDARY_WEIGHT", vFloat(v, "hmm_secondary_weight", 0.7)),
		HMMAccumConfirmCandles: getEnvInt("HMM_ACCUM_CONFIRMATION_CANDLES", vInt(v, "hmm_accum_confirmation_candles", 3)),

		KellySizerEnabled:  getEnvBool("KELLY_SIZER_ENABLED", vBool(v, "kelly_sizer_enabled", false)),
		KellyMaxMultiplier: getEnvFloat("KELLY_MAX_MULTIPLIER", vFloat(v, "kelly_max_multiplier", 2.0)),

		Port:   getEnvInt("PORT", vInt(v, "port", 8080)),
		DBPath: getEnv("DB_PATH", vStr(v, "db_path", "pairbot.db")),
	}
	return cfg
}

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}
