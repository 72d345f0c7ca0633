// FILE: types.go
// Package main – Core data model for the paired inventory-cycle reducer.
//
// Defines the entities the reducer (reducer.go) operates on: PairState and
// its owned collections (OrderState, RecoveryOrder, CycleRecord), the
// EngineConfig knobs that parameterize every transition, and the closed
// Event/Action sum types the reducer consumes and emits.
//
// Event and Action are modeled as tagged structs (a Kind enum plus a union
// of optional payload fields) rather than an interface hierarchy.
package main

import "time"

// OrderSide is the side of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderRole distinguishes an entry order from the exit it funds.
type OrderRole string

const (
	RoleEntry OrderRole = "entry"
	RoleExit  OrderRole = "exit"
)

// TradeLeg is the A (short) or B (long) side of the paired strategy.
type TradeLeg string

const (
	LegA TradeLeg = "A"
	LegB TradeLeg = "B"
)

// Phase is the structural label derived from a slot's orders. Never stored;
// always recomputed by derivePhase.
type Phase string

const (
	PhaseS0  Phase = "S0"
	PhaseS1a Phase = "S1a"
	PhaseS1b Phase = "S1b"
	PhaseS2  Phase = "S2"
)

// ModeSource records why a degraded single-leg fallback is active.
type ModeSource string

const (
	ModeSourceNone    ModeSource = "none"
	ModeSourceBalance ModeSource = "balance"
	ModeSourceRegime  ModeSource = "regime"
)

// OrphanReason labels why an exit was moved into the recovery set.
type OrphanReason string

const (
	ReasonS1Timeout          OrphanReason = "s1_timeout"
	ReasonS2Timeout          OrphanReason = "s2_timeout"
	ReasonRecoveryCapEvict   OrphanReason = "recovery_cap_evict_priority"
)

// EngineConfig holds the immutable-per-run knobs the reducer reads. One
// EngineConfig is shared by every slot; per-leg overrides are optional.
type EngineConfig struct {
	EntryPct          float64 // base entry distance, percent
	EntryPctA         float64 // optional per-leg override; 0 means "use EntryPct"
	EntryPctB         float64
	ProfitPct         float64
	RefreshPct        float64
	OrderSizeUSD      float64
	PriceDecimals     int
	VolumeDecimals    int
	MinVolume         float64
	MinCostUSD        float64
	MakerFeePct       float64
	StalePriceMaxAgeSec int

	S1OrphanAfterSec int
	S2OrphanAfterSec int

	LossBackoffStart      int // consecutive losses at which sizing backoff begins
	LossCooldownStart     int // consecutive losses at which a cooldown is set
	LossCooldownSec       int
	ReentryBaseCooldownSec int
	BackoffFactor         float64
	BackoffMaxMultiplier  float64

	MaxConsecutiveRefreshes int
	RefreshCooldownSec      int

	MaxRecoverySlots  int
	StickyModeEnabled bool
}

// entryPctForLeg resolves the effective base entry_pct for a leg, honoring
// an optional per-leg override.
func (c EngineConfig) entryPctForLeg(leg TradeLeg) float64 {
	if leg == LegA && c.EntryPctA > 0 {
		return c.EntryPctA
	}
	if leg == LegB && c.EntryPctB > 0 {
		return c.EntryPctB
	}
	return c.EntryPct
}

// OrderState is a locally tracked order. It carries no txid until the
// orchestrator places it on the exchange and patches the id back via
// applyOrderTxid.
type OrderState struct {
	LocalID  int
	Side     OrderSide
	Role     OrderRole
	Price    float64
	Volume   float64
	TradeID  TradeLeg
	Cycle    int
	TxID     string
	PlacedAt time.Time

	EntryPrice    float64 // 0 for entry roles; >0 for exit roles
	EntryFee      float64
	EntryFilledAt time.Time

	RegimeAtEntry *int // opaque HMM regime label, optional
}

// RecoveryOrder is an orphaned exit tracked independently of the active set.
type RecoveryOrder struct {
	RecoveryID int
	Side       OrderSide
	Price      float64
	Volume     float64
	TradeID    TradeLeg
	Cycle      int
	EntryPrice float64
	OrphanedAt time.Time
	EntryFee   float64
	EntryFilledAt time.Time
	TxID       string
	Reason     OrphanReason
	RegimeAtEntry *int
}

// CycleRecord is an append-only record of a completed (entry, exit) pair.
type CycleRecord struct {
	TradeID     TradeLeg
	Cycle       int
	EntryPrice  float64
	ExitPrice   float64
	Volume      float64
	GrossProfit float64
	Fees        float64
	NetProfit   float64
	EntryFee    float64
	ExitFee     float64
	QuoteFee    float64
	SettledUSD  float64
	EntryTime   time.Time
	ExitTime    time.Time
	FromRecovery bool
	RegimeAtEntry *int
}

// LegCounters tracks per-leg loss streaks, cooldowns and refresh state.
type LegCounters struct {
	ConsecutiveLosses   int
	CooldownUntil       time.Time
	ConsecutiveRefresh  int
	LastRefreshDir      int // +1 (up) / -1 (down) / 0 (none yet)
	RefreshCooldownUntil time.Time
}

// PairState is the per-slot mutable state. Owned exclusively by its slot;
// mutated only through the reducer's transition function.
type PairState struct {
	SlotID int

	MarketPrice float64
	Now         time.Time

	Orders    []OrderState
	Recoveries []RecoveryOrder
	Cycles    []CycleRecord

	CycleA int // ≥ 1
	CycleB int // ≥ 1

	NextOrderID    int
	NextRecoveryID int

	TotalProfit     float64
	TotalSettledUSD float64
	TotalFees       float64
	TodayRealizedLoss float64
	TotalRoundTrips int

	S2EnteredAt *time.Time

	LastPriceUpdateAt time.Time

	LegCounters map[TradeLeg]*LegCounters

	LongOnly   bool
	ShortOnly  bool
	ModeSource ModeSource

	ProfitPctRuntime float64
}

// NewPairState builds a zero-value slot ready for bootstrap, with the
// invariant-required ≥1 cycle counters and runtime profit target seeded
// from config.
func NewPairState(slotID int, cfg EngineConfig) *PairState {
	return &PairState{
		SlotID:           slotID,
		CycleA:           1,
		CycleB:           1,
		NextOrderID:      1,
		NextRecoveryID:   1,
		ProfitPctRuntime: cfg.ProfitPct,
		LegCounters: map[TradeLeg]*LegCounters{
			LegA: {},
			LegB: {},
		},
	}
}

func (s *PairState) legCounters(leg TradeLeg) *LegCounters {
	if s.LegCounters == nil {
		s.LegCounters = map[TradeLeg]*LegCounters{}
	}
	lc, ok := s.LegCounters[leg]
	if !ok {
		lc = &LegCounters{}
		s.LegCounters[leg] = lc
	}
	return lc
}

// clone produces a deep-enough copy for the reducer's copy-on-write style:
// slices are copied so the caller's original state is never mutated in
// place, keeping transition pure from the caller's point of view.
func (s *PairState) clone() *PairState {
	n := *s
	n.Orders = append([]OrderState(nil), s.Orders...)
	n.Recoveries = append([]RecoveryOrder(nil), s.Recoveries...)
	n.Cycles = append([]CycleRecord(nil), s.Cycles...)
	n.LegCounters = make(map[TradeLeg]*LegCounters, len(s.LegCounters))
	for leg, lc := range s.LegCounters {
		cp := *lc
		n.LegCounters[leg] = &cp
	}
	if s.S2EnteredAt != nil {
		t := *s.S2EnteredAt
		n.S2EnteredAt = &t
	}
	return &n
}

// ---- Events ----

// EventKind tags the variant of an Event.
type EventKind string

const (
	EventPriceTick       EventKind = "price_tick"
	EventTimerTick       EventKind = "timer_tick"
	EventFill            EventKind = "fill"
	EventRecoveryFill    EventKind = "recovery_fill"
	EventRecoveryCancel  EventKind = "recovery_cancel"
)

// Event is a closed sum type; Kind selects which payload fields are valid.
type Event struct {
	Kind EventKind
	Now  time.Time

	// PriceTick
	Price float64

	// Fill / RecoveryFill / RecoveryCancel
	LocalID       int // Fill
	RecoveryID    int // RecoveryFill / RecoveryCancel
	FillPrice     float64
	FillFee       float64
	FillTxID      string
}

// ---- Actions ----

// ActionKind tags the variant of an Action.
type ActionKind string

const (
	ActionPlaceOrder  ActionKind = "place_order"
	ActionCancelOrder ActionKind = "cancel_order"
	ActionOrphanOrder ActionKind = "orphan_order"
	ActionBookCycle   ActionKind = "book_cycle"
)

// Action is a closed sum type describing a side effect the orchestrator
// must execute against the exchange or persistence layer.
type Action struct {
	Kind ActionKind

	// PlaceOrder
	Order *OrderState

	// CancelOrder / OrphanOrder
	LocalID    int
	RecoveryID int
	TxID       string
	Reason     OrphanReason

	// BookCycle
	Cycle *CycleRecord
}

// derivePhase computes the structural phase from the slot's active orders.
// Phase is never stored; it is recomputed on every read.
func derivePhase(orders []OrderState) Phase {
	var buyExit, sellExit, buyEntry, sellEntry bool
	for _, o := range orders {
		switch {
		case o.Role == RoleExit && o.Side == SideBuy:
			buyExit = true
		case o.Role == RoleExit && o.Side == SideSell:
			sellExit = true
		case o.Role == RoleEntry && o.Side == SideBuy:
			buyEntry = true
		case o.Role == RoleEntry && o.Side == SideSell:
			sellEntry = true
		}
	}
	switch {
	case buyExit && sellExit:
		return PhaseS2
	case buyExit && buyEntry:
		return PhaseS1a
	case sellExit && sellEntry:
		return PhaseS1b
	default:
		return PhaseS0
	}
}

// applyOrderTxid is the side-channel operator that stamps an exchange-
// assigned txid onto a local order once placed. It is monotonic: a
// non-empty txid is never rewritten.
func applyOrderTxid(s *PairState, localID int, txid string) *PairState {
	n := s.clone()
	for i := range n.Orders {
		if n.Orders[i].LocalID == localID && n.Orders[i].TxID == "" {
			n.Orders[i].TxID = txid
		}
	}
	return n
}

// applyOrderRegimeAtEntry stamps the HMM regime label observed at entry
// time onto a local order without disturbing any other field.
func applyOrderRegimeAtEntry(s *PairState, localID int, regime int) *PairState {
	n := s.clone()
	for i := range n.Orders {
		if n.Orders[i].LocalID == localID {
			r := regime
			n.Orders[i].RegimeAtEntry = &r
		}
	}
	return n
}

func oppositeSide(s OrderSide) OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func legForSide(side OrderSide) TradeLeg {
	// A (short) leg sells first / enters short; B (long) leg buys first.
	if side == SideSell {
		return LegA
	}
	return LegB
}
