package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormPersistenceStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewGormPersistenceStore(filepath.Join(dir, "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLoadSnapshotMissingReturnsNotOK(t *testing.T) {
	store := newTestStore(t)
	_, ok, err := store.LoadSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveAndLoadSnapshotRoundTrips(t *testing.T) {
	store := newTestStore(t)

	snap := Snapshot{
		Mode:            "RUNNING",
		NextSlotID:      2,
		SeenFillTxIDs:   []string{"tx-1", "tx-2"},
		Slots:           map[int]*PairState{0: NewPairState(0, EngineConfig{})},
		TotalProfit:     12.5,
		TotalSettledUSD: 12.0,
	}
	require.NoError(t, store.SaveSnapshot(snap))

	loaded, ok, err := store.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "RUNNING", loaded.Mode)
	assert.Equal(t, 2, loaded.NextSlotID)
	assert.ElementsMatch(t, []string{"tx-1", "tx-2"}, loaded.SeenFillTxIDs)
	assert.Equal(t, 12.5, loaded.TotalProfit)
}

func TestSaveSnapshotOverwritesPreviousBlob(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveSnapshot(Snapshot{Mode: "RUNNING", TotalProfit: 1}))
	require.NoError(t, store.SaveSnapshot(Snapshot{Mode: "PAUSED", TotalProfit: 2}))

	loaded, ok, err := store.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PAUSED", loaded.Mode)
	assert.Equal(t, 2.0, loaded.TotalProfit)
}

func TestAppendFillRoundsMonetaryFields(t *testing.T) {
	store := newTestStore(t)
	err := store.AppendFill(fillRow{
		TxID:   "tx-round",
		SlotID: 0,
		Side:   string(SideBuy),
		Price:  100.123456789123,
		Volume: 0.000000001239,
		FeeUSD: 0.010000000051,
	})
	require.NoError(t, err)

	var row fillRow
	require.NoError(t, store.db.First(&row, "tx_id = ?", "tx-round").Error)
	assert.Equal(t, decimalRound(100.123456789123), row.Price)
}

func TestAppendFillUniqueTxIDRejectsDuplicate(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AppendFill(fillRow{TxID: "dup", SlotID: 0, Price: 1, Volume: 1}))
	err := store.AppendFill(fillRow{TxID: "dup", SlotID: 0, Price: 2, Volume: 2})
	assert.Error(t, err, "duplicate tx_id must violate the unique index backing exactly-once fill accounting")
}

func TestApplySnapshotDefaultsBackfillsSettledUSD(t *testing.T) {
	snap := &Snapshot{Mode: "RUNNING", TotalProfit: 42}
	applySnapshotDefaults(snap)
	assert.Equal(t, 42.0, snap.TotalSettledUSD)
	assert.NotNil(t, snap.Slots)
}

func TestApplySnapshotDefaultsRevertsTransientHaltToInit(t *testing.T) {
	cases := []string{"process exit", "signal 15", "signal 2", ""}
	for _, reason := range cases {
		snap := &Snapshot{Mode: "HALTED", PauseReason: reason}
		applySnapshotDefaults(snap)
		assert.Equal(t, "INIT", snap.Mode, "reason=%q", reason)
		assert.Empty(t, snap.PauseReason)
	}
}

func TestApplySnapshotDefaultsKeepsPermanentHalt(t *testing.T) {
	snap := &Snapshot{Mode: "HALTED", PauseReason: "invariant violation: duplicate local_id 3"}
	applySnapshotDefaults(snap)
	assert.Equal(t, "HALTED", snap.Mode)
}

func TestIsTransientPauseReason(t *testing.T) {
	assert.True(t, isTransientPauseReason("process exit"))
	assert.True(t, isTransientPauseReason("signal 9"))
	assert.False(t, isTransientPauseReason("operator pause"))
	assert.False(t, isTransientPauseReason("daily loss limit"))
}

func TestDecimalRoundNormalizesToEightPlaces(t *testing.T) {
	got := decimalRound(1.0 / 3.0)
	assert.InDelta(t, 0.33333333, got, 1e-9)
}

func TestAppendExitOutcomeRoundsMonetaryFields(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AppendExitOutcome(exitOutcomeRow{
		SlotID: 0, TradeLeg: string(LegA), Cycle: 1,
		NetProfit: 1.000000000049, SettledUSD: 2.000000000051,
		ExitTime: time.Now().UTC(),
	}))

	var row exitOutcomeRow
	require.NoError(t, store.db.First(&row).Error)
	assert.Equal(t, decimalRound(1.000000000049), row.NetProfit)
}
