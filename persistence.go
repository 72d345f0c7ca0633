// FILE: persistence.go
// Package main – PersistenceStore (§6.2) backed by gorm/sqlite.
//
// The store keeps one blob row (bot_state, key __v1__) holding the full
// orchestrator snapshot as JSON, plus append-only tables for fills,
// bot_events and exit_outcomes. The blob approach mirrors the teacher's
// saveState/loadState idiom (trader.go: snapshot under a read lock, write
// without holding it) but swaps the bare os.WriteFile+os.Rename pair for a
// real embedded database, grounded on 0xtitan6-polymarket-mm's gorm+sqlite
// persistence layer.
package main

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// decimalRound normalizes a monetary float to 8 decimal places at the
// persistence boundary, same spot the teacher's reconciliation code avoided
// float drift — using shopspring/decimal rather than hand-rolled rounding
// since the append-only tables double as the PnL audit trail.
func decimalRound(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(8).Float64()
	return f
}

// stateBlobRow is the single-row key-value table holding the serialized
// Snapshot. Schema is additive; columns may be stripped by the backend, so
// writers stay column-tolerant and readers default missing keys (§6.2).
type stateBlobRow struct {
	Key       string `gorm:"primaryKey"`
	Payload   string
	UpdatedAt time.Time
}

// fillRow is one append-only exactly-once-accounted fill.
type fillRow struct {
	ID        uint `gorm:"primaryKey"`
	TxID      string `gorm:"uniqueIndex"`
	SlotID    int
	Side      string
	Price     float64
	Volume    float64
	FeeUSD    float64
	FilledAt  time.Time
	CreatedAt time.Time
}

// botEventRow is an append-only operator/system event log row.
type botEventRow struct {
	ID        uint `gorm:"primaryKey"`
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// exitOutcomeRow is an append-only booked-cycle outcome row, one per
// CycleRecord, kept for downstream PnL auditing. Nothing in this package
// reads it back; the control surface's audit_pnl command is a no-op.
type exitOutcomeRow struct {
	ID         uint `gorm:"primaryKey"`
	SlotID     int
	TradeLeg   string
	Cycle      int
	NetProfit  float64
	SettledUSD float64
	FromRecovery bool
	ExitTime   time.Time
}

// PersistenceStore is the narrow interface the orchestrator depends on.
type PersistenceStore interface {
	SaveSnapshot(snap Snapshot) error
	LoadSnapshot() (Snapshot, bool, error)
	AppendFill(f fillRow) error
	AppendEvent(kind, detail string) error
	AppendExitOutcome(o exitOutcomeRow) error
	Close() error
}

// GormPersistenceStore is the sqlite-backed PersistenceStore.
type GormPersistenceStore struct {
	db *gorm.DB
}

// NewGormPersistenceStore opens (creating if absent) the sqlite database at
// path and migrates the append-only/blob tables.
func NewGormPersistenceStore(path string) (*GormPersistenceStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&stateBlobRow{}, &fillRow{}, &botEventRow{}, &exitOutcomeRow{}); err != nil {
		return nil, err
	}
	return &GormPersistenceStore{db: db}, nil
}

const snapshotBlobKey = "__v1__"

// SaveSnapshot upserts the single bot_state blob row. The orchestrator's
// tick calls it with the orchestrator mutex still held; only the final
// save in Run happens after the mutex is released.
//
// Plain Save() won't do here: the primary key is a fixed non-empty string,
// so gorm would treat every call as an Update and silently affect zero rows
// until a row happens to exist. Clauses(OnConflict) forces a real upsert.
func (g *GormPersistenceStore) SaveSnapshot(snap Snapshot) error {
	bs, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	row := stateBlobRow{Key: snapshotBlobKey, Payload: string(bs), UpdatedAt: time.Now().UTC()}
	return g.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// LoadSnapshot returns the stored snapshot, or ok=false if none exists yet.
func (g *GormPersistenceStore) LoadSnapshot() (Snapshot, bool, error) {
	var row stateBlobRow
	err := g.db.First(&row, "key = ?", snapshotBlobKey).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(row.Payload), &snap); err != nil {
		return Snapshot{}, false, err
	}
	applySnapshotDefaults(&snap)
	return snap, true, nil
}

func (g *GormPersistenceStore) AppendFill(f fillRow) error {
	f.CreatedAt = time.Now().UTC()
	f.Price = decimalRound(f.Price)
	f.Volume = decimalRound(f.Volume)
	f.FeeUSD = decimalRound(f.FeeUSD)
	return g.db.Clauses().Create(&f).Error
}

func (g *GormPersistenceStore) AppendEvent(kind, detail string) error {
	return g.db.Create(&botEventRow{Kind: kind, Detail: detail, CreatedAt: time.Now().UTC()}).Error
}

func (g *GormPersistenceStore) AppendExitOutcome(o exitOutcomeRow) error {
	o.NetProfit = decimalRound(o.NetProfit)
	o.SettledUSD = decimalRound(o.SettledUSD)
	return g.db.Create(&o).Error
}

func (g *GormPersistenceStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Snapshot is the full persisted format (§6.4). Missing fields default to
// documented safe values on load via applySnapshotDefaults.
type Snapshot struct {
	Mode            string
	PauseReason     string
	NextSlotID      int
	NextEventID     int
	SeenFillTxIDs   []string
	Slots           map[int]*PairState
	Rebalancer      RebalancerState
	Trend           TrendState
	DailyLossLock   DailyLossLockState
	HMMPrimary      DetectorPersistState
	HMMSecondary    DetectorPersistState
	HMMTertiary     DetectorPersistState
	TertiaryTrans   *TertiaryTransition
	TotalSettledUSD float64
	TotalProfit     float64
}

// DetectorPersistState is the persisted subset of a RegimeDetector's
// training/label state (§6.4: _hmm_regime_state, _hmm_last_train_ts, ...).
type DetectorPersistState struct {
	Trained       bool
	LastTrainTS   time.Time
	TrainingDepth TrainingDepth
	QualityTier   string
	ConfidenceMod float64
}

// DailyLossLockState tracks the UTC-day loss lock (§4.3 step 5).
type DailyLossLockState struct {
	LockedDate   string // YYYY-MM-DD, empty if not locked
	RealizedLoss float64
	LastEvalDate string // YYYY-MM-DD of the last evaluateDailyLossLock call, drives per-slot rollover reset
}

// applySnapshotDefaults fills documented safe defaults for fields that may
// be absent in an older persisted snapshot (§6.4), e.g. total_settled_usd
// defaulting to total_profit.
func applySnapshotDefaults(s *Snapshot) {
	if s.Slots == nil {
		s.Slots = map[int]*PairState{}
	}
	if s.TotalSettledUSD == 0 && s.TotalProfit != 0 {
		s.TotalSettledUSD = s.TotalProfit
	}
	if s.Mode == "" {
		s.Mode = "INIT"
	}
	// §4.3.3: a HALTED snapshot with a transient pause reason reverts to
	// INIT so startup doesn't inherit a stale sticky halt from a clean
	// shutdown or signal.
	if s.Mode == "HALTED" && (s.PauseReason == "" || isTransientPauseReason(s.PauseReason)) {
		s.Mode = "INIT"
		s.PauseReason = ""
	}
}

func isTransientPauseReason(reason string) bool {
	if reason == "process exit" {
		return true
	}
	if len(reason) > 7 && reason[:7] == "signal " {
		return true
	}
	return false
}
