package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrchestratorConfig() Config {
	return Config{
		Engine: EngineConfig{
			EntryPct: 1.0, ProfitPct: 0.5, RefreshPct: 2.0,
			OrderSizeUSD: 100, PriceDecimals: 4, VolumeDecimals: 4,
			MinVolume: 0.0001, MinCostUSD: 5, MakerFeePct: 0.1,
			S1OrphanAfterSec: 3600, S2OrphanAfterSec: 7200,
			MaxRecoverySlots: 5,
		},
		PollIntervalSec:      1,
		StalePriceMaxAgeSec:  3600,
		MaxConsecutiveErrors: 5,
		DailyLossLimit:       50,
		MaxOpenOrderHeadroom: 20,
		HMMBlendWithTrend:    0.5,
		RebalMaxSkew:         1,
		RebalMaxSlew:         1,
		RebalMaxSizeMult:     1.5,
		TrendBaseIdleTarget:  0.3,
		TrendIdleFloor:       0.1,
		TrendIdleCeiling:     0.6,
		TrendMinSamples:      20,
		HMMStates:            3,
		HMMSecondaryWeight:   0.7,
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *PaperExchangeGateway) {
	t.Helper()
	cfg := testOrchestratorConfig()
	gw := NewPaperExchangeGateway(100, cfg.Engine.MakerFeePct)
	store, err := NewGormPersistenceStore(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	o := NewOrchestrator(cfg, gw, store)
	require.NoError(t, o.Restore(context.Background()))
	return o, gw
}

func TestRestoreWithNoSnapshotSeedsOneSlot(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	assert.Len(t, o.slots, 1)
	assert.Equal(t, ModeInit, o.mode)
}

func TestTickBootstrapsAndPlacesDualLegEntries(t *testing.T) {
	o, gw := newTestOrchestrator(t)
	_ = gw

	o.tick(context.Background(), time.Now().UTC())

	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.slots[0]
	require.Len(t, st.Orders, 2)
	for _, ord := range st.Orders {
		assert.NotEmpty(t, ord.TxID, "entries should be placed against the gateway within the first tick's drain")
	}
}

func TestTickRunsToCompletionAcrossFillCycle(t *testing.T) {
	o, gw := newTestOrchestrator(t)
	now := time.Now().UTC()

	o.tick(context.Background(), now)

	// Move the paper price far enough to cross the sell entry, then tick
	// again so pollFills synthesizes the Fill event and books the exit.
	gw.SetPrice(102)
	now = now.Add(time.Second)
	o.tick(context.Background(), now)

	o.mu.Lock()
	st := o.slots[0]
	phase := derivePhase(st.Orders)
	o.mu.Unlock()
	assert.Equal(t, PhaseS1a, phase, "a filled sell entry should leave a buy exit (leg A) in flight")
}

func TestEntryVelocityCapTightensWithHeadroom(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.MaxOpenOrderHeadroom = 4
	st := o.slots[0]
	st.Orders = []OrderState{
		{LocalID: 1}, {LocalID: 2}, {LocalID: 3},
	}
	assert.Equal(t, 2, o.entryVelocityCap(), "1 order of headroom out of 4 is exactly a quarter, which falls in the second tier")
}

func TestDailyLossLockEngagesAndClearsNextDay(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.mu.Lock()
	o.cfg.DailyLossLimit = 10
	o.slots[0].TodayRealizedLoss = 25
	now := time.Now().UTC()
	o.evaluateDailyLossLock(now)
	locked := o.dailyLoss.LockedDate == utcDay(now)
	o.mu.Unlock()
	assert.True(t, locked)

	o.mu.Lock()
	tomorrow := now.Add(24 * time.Hour)
	o.evaluateDailyLossLock(tomorrow)
	stillLocked := o.dailyLoss.LockedDate == utcDay(tomorrow)
	o.mu.Unlock()
	assert.False(t, stillLocked, "UTC day rollover must clear a stale lock before re-evaluating")
}

func TestHaltIsStickyAcrossTicks(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.mu.Lock()
	o.halt("invariant violation: duplicate local_id 1")
	o.mu.Unlock()

	o.tick(context.Background(), time.Now().UTC())

	o.mu.Lock()
	mode := o.mode
	o.mu.Unlock()
	assert.Equal(t, ModeHalted, mode, "a halted orchestrator must not auto-resume on price/loss-lock evaluation")
}

func TestSnapshotRoundTripsThroughRestore(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.tick(context.Background(), time.Now().UTC())

	o.mu.Lock()
	o.pauseReason = "operator pause"
	o.mode = ModePaused
	snap := o.snapshotLocked()
	o.mu.Unlock()
	require.NoError(t, o.store.SaveSnapshot(snap))

	cfg := testOrchestratorConfig()
	gw2 := NewPaperExchangeGateway(100, cfg.Engine.MakerFeePct)
	o2 := NewOrchestrator(cfg, gw2, o.store)
	require.NoError(t, o2.Restore(context.Background()))

	assert.Equal(t, ModePaused, o2.mode)
	assert.Len(t, o2.slots, 1)
}
