// FILE: orchestrator.go
// Package main – single-threaded cooperative main loop (§4.3, §5).
//
// The Orchestrator owns every slot's PairState, the exchange/persistence
// collaborators, and the rebalancer/HMM subsystems. Per tick it walks the
// ordered step list in §4.3; the reducer itself stays pure and is only
// ever invoked from here. A mutex guards state so the control surface's
// HTTP handlers (control.go) read a consistent view while the loop
// goroutine runs. tick holds the mutex for the whole iteration, exchange
// and persistence calls included, so a handler waits for the tick to end.
package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Mode is the orchestrator's run state (§4.3.3).
type Mode string

const (
	ModeInit    Mode = "INIT"
	ModeRunning Mode = "RUNNING"
	ModePaused  Mode = "PAUSED"
	ModeHalted  Mode = "HALTED"
)

// simpleBudget is a per-loop exchange-call budget counter (§5).
type simpleBudget struct {
	remaining int
}

func (b *simpleBudget) Spend(calls int) bool {
	if b.remaining < calls {
		return false
	}
	b.remaining -= calls
	return true
}

// pendingEntry is a deferred entry placement awaiting scheduler headroom
// (§4.3.2).
type pendingEntry struct {
	SlotID int
	Action Action
}

// Orchestrator is the process-level owner of every slot and subsystem.
type Orchestrator struct {
	mu sync.Mutex

	cfg     Config
	gateway ExchangeGateway
	store   PersistenceStore

	mode        Mode
	pauseReason string

	slots       map[int]*PairState
	nextSlotID  int
	nextEventID int

	seenFillTxIDs map[string]bool
	pendingEntry  []pendingEntry

	consecutiveErrors int
	lastPriceTS       time.Time
	lastPrice         float64

	rebalancer    RebalancerState
	rebalOut      RebalancerOutput
	trend         TrendState
	dailyLoss     DailyLossLockState

	hmmPrimary   *RegimeDetector
	hmmSecondary *RegimeDetector
	hmmTertiary  *RegimeDetector
	candles1m    []Candle
	candles15m   []Candle
	candles1h    []Candle
	tertiaryTr   *TertiaryTransition
}

// NewOrchestrator builds an orchestrator in mode INIT with no slots.
func NewOrchestrator(cfg Config, gw ExchangeGateway, store PersistenceStore) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		gateway:       gw,
		store:         store,
		mode:          ModeInit,
		slots:         map[int]*PairState{},
		seenFillTxIDs: map[string]bool{},
		hmmPrimary:    NewRegimeDetector("primary", cfg.HMMStates),
		hmmSecondary:  NewRegimeDetector("secondary", cfg.HMMStates),
		hmmTertiary:   NewRegimeDetector("tertiary", cfg.HMMStates),
	}
}

// Restore loads a persisted snapshot, if any: slots, the seen-fill set and
// the subsystem state. It does not reconcile with the exchange: tracked
// txids are not checked against open orders and trade history is not
// replayed for fills missed while the process was down.
func (o *Orchestrator) Restore(ctx context.Context) error {
	snap, ok, err := o.store.LoadSnapshot()
	if err != nil {
		return err
	}
	if !ok {
		o.mode = ModeInit
		o.AddSlot()
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mode = Mode(snap.Mode)
	o.pauseReason = snap.PauseReason
	o.nextSlotID = snap.NextSlotID
	o.nextEventID = snap.NextEventID
	o.slots = snap.Slots
	o.seenFillTxIDs = map[string]bool{}
	for _, id := range snap.SeenFillTxIDs {
		o.seenFillTxIDs[id] = true
	}
	o.rebalancer = snap.Rebalancer
	o.trend = snap.Trend
	o.dailyLoss = snap.DailyLossLock
	o.tertiaryTr = snap.TertiaryTrans
	// snap.HMMPrimary/Secondary/Tertiary are audit-trail only (written by
	// snapshotLocked via RegimeDetector.PersistState): the Baum-Welch model
	// itself never round-trips through the snapshot, so there's nothing
	// there to feed back into o.hmmPrimary/Secondary/Tertiary. They retrain
	// from scratch on the next MaybeTrain call, same as a cold start.
	if len(o.slots) == 0 {
		o.addSlotLocked()
	}
	return nil
}

// AddSlot appends a new slot with a fresh PairState (control surface
// add_slot command and first-boot bootstrap both call this).
func (o *Orchestrator) AddSlot() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.addSlotLocked()
}

func (o *Orchestrator) addSlotLocked() int {
	id := o.nextSlotID
	o.nextSlotID++
	o.slots[id] = NewPairState(id, o.cfg.Engine)
	return id
}

// Run drives the cooperative loop at cfg.pollInterval() until ctx is
// cancelled. On cancellation it drains the in-flight tick to completion,
// persists a transient-pause snapshot, then returns (§5: "drain the
// current tick to completion, then stop").
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			if o.mode != ModeHalted {
				o.pauseReason = "signal N"
			}
			snap := o.snapshotLocked()
			o.mu.Unlock()
			if err := o.store.SaveSnapshot(snap); err != nil {
				log.Error().Err(err).Msg("final snapshot save failed")
			}
			return
		case now := <-ticker.C:
			o.tick(ctx, now)
		}
	}
}

// tick runs one full loop iteration per the ordered step list in §4.3.
func (o *Orchestrator) tick(ctx context.Context, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	budget := &simpleBudget{remaining: o.cfg.MaxOpenOrderHeadroom*3 + 10}

	// Step 2: refresh price (non-strict).
	price, ts, err := o.gateway.GetPrice(ctx)
	budget.Spend(1)
	if err != nil {
		o.recordError()
		return
	}
	o.lastPrice, o.lastPriceTS = price, ts
	if now.Sub(o.lastPriceTS) > time.Duration(o.cfg.StalePriceMaxAgeSec)*time.Second {
		o.pause("stale price")
		return
	}
	if o.mode == ModeHalted {
		return
	}
	if o.mode == ModeInit {
		o.mode = ModeRunning
	}

	// Step 5: daily-loss lock (UTC-day sum of negative net_profit).
	o.evaluateDailyLossLock(now)
	if o.dailyLoss.LockedDate == utcDay(now) {
		o.pause("daily loss limit")
		return
	}
	if o.mode == ModePaused && o.pauseReason == "daily loss limit" {
		o.resumeLocked()
	}

	// Step 7: per-slot PriceTick/TimerTick.
	orderSizes := o.orderSizesLocked()
	ids := o.sortedSlotIDs()
	for _, id := range ids {
		o.bootstrapIfEmpty(id, price, now)
		st := o.slots[id]
		n1, acts1 := transition(st, Event{Kind: EventPriceTick, Price: price, Now: now}, o.cfg.Engine, o.cfg.Engine.OrderSizeUSD, orderSizes)
		o.applyActions(ctx, id, n1, acts1)
		st2 := o.slots[id]
		n2, acts2 := transition(st2, Event{Kind: EventTimerTick, Now: now}, o.cfg.Engine, o.cfg.Engine.OrderSizeUSD, orderSizes)
		o.applyActions(ctx, id, n2, acts2)

		violations := checkInvariants(o.slots[id], o.cfg.Engine)
		if len(violations) > 0 && !isBypassed(o.slots[id], violations, o.cfg.Engine, o.cfg.Engine.OrderSizeUSD) {
			o.halt("invariant violation: " + violations[0])
			return
		}
	}

	// Step 8: poll tracked order txids, synthesize Fill events.
	o.pollFills(ctx, budget)

	// Step 9: auto soft-close farthest recoveries over utilization threshold.
	o.autoSoftCloseIfOverUtilized()

	// Step 6/4.3.2: drain pending-entry queue within remaining headroom.
	o.drainPendingEntries(ctx, budget)

	// Step 10: rebalancer + HMM update.
	o.updateRebalancerAndHMM(now)

	// Step 11: persist snapshot.
	snap := o.snapshotLocked()
	if err := o.store.SaveSnapshot(snap); err != nil {
		log.Error().Err(err).Msg("snapshot save failed")
	}
}

// bootstrapIfEmpty places the initial dual-leg (or single-leg, under a
// fallback mode) entry orders for a slot with no orders yet. There is no
// BootstrapEvent in the reducer's closed event set — phase S0 with <=1
// entries is transient by construction (§4.2's bootstrap-pending bypass),
// so the orchestrator seeds the missing entries directly.
func (o *Orchestrator) bootstrapIfEmpty(slotID int, price float64, now time.Time) {
	st := o.slots[slotID]
	if len(st.Orders) > 0 || price <= 0 {
		return
	}
	n := st.clone()
	n.MarketPrice = price
	n.Now = now
	addEntry := func(side OrderSide, leg TradeLeg) {
		entryPct := o.cfg.Engine.entryPctForLeg(leg)
		var entryPrice float64
		if side == SideSell {
			entryPrice = roundTo(price*(1+entryPct/100.0), o.cfg.Engine.PriceDecimals)
		} else {
			entryPrice = roundTo(price*(1-entryPct/100.0), o.cfg.Engine.PriceDecimals)
		}
		volume := roundTo(o.cfg.Engine.OrderSizeUSD/price, o.cfg.Engine.VolumeDecimals)
		ord := OrderState{LocalID: n.NextOrderID, Side: side, Role: RoleEntry, Price: entryPrice, Volume: volume, TradeID: leg, Cycle: 1, PlacedAt: now}
		n.NextOrderID++
		n.Orders = append(n.Orders, ord)
		o.pendingEntry = append(o.pendingEntry, pendingEntry{SlotID: slotID, Action: Action{Kind: ActionPlaceOrder, Order: &n.Orders[len(n.Orders)-1]}})
	}
	if !n.ShortOnly {
		addEntry(SideSell, LegA)
	}
	if !n.LongOnly {
		addEntry(SideBuy, LegB)
	}
	o.slots[slotID] = n
}

func (o *Orchestrator) applyActions(ctx context.Context, slotID int, newState *PairState, actions []Action) {
	o.slots[slotID] = newState
	for _, a := range actions {
		switch a.Kind {
		case ActionPlaceOrder:
			if a.Order != nil {
				o.pendingEntry = append(o.pendingEntry, pendingEntry{SlotID: slotID, Action: a})
				mtxOrdersPlaced.WithLabelValues(string(a.Order.Side), string(a.Order.Role)).Inc()
			}
		case ActionCancelOrder:
			if a.TxID != "" {
				_ = o.gateway.CancelOrder(ctx, a.TxID)
			}
		case ActionOrphanOrder:
			observeOrphan(a.Reason)
		case ActionBookCycle:
			if a.Cycle != nil {
				observeCycle(a.Cycle.TradeID, a.Cycle.NetProfit)
				mtxNetProfitUSD.WithLabelValues(itoa(slotID)).Add(a.Cycle.NetProfit)
				_ = o.store.AppendExitOutcome(exitOutcomeRow{
					SlotID: slotID, TradeLeg: string(a.Cycle.TradeID), Cycle: a.Cycle.Cycle,
					NetProfit: a.Cycle.NetProfit, SettledUSD: a.Cycle.SettledUSD,
					FromRecovery: a.Cycle.FromRecovery, ExitTime: a.Cycle.ExitTime,
				})
			}
		}
	}
}

// drainPendingEntries places as many queued entry orders as the
// entry-velocity scheduler's adaptive cap allows this loop (§4.3.2).
func (o *Orchestrator) drainPendingEntries(ctx context.Context, budget *simpleBudget) {
	cap := o.entryVelocityCap()
	placed := 0
	var remaining []pendingEntry
	for _, pe := range o.pendingEntry {
		if placed >= cap || !budget.Spend(1) {
			remaining = append(remaining, pe)
			continue
		}
		ord := pe.Action.Order
		if ord == nil {
			continue
		}
		txid, err := o.gateway.PlaceOrder(ctx, ord.Side, ord.Role, ord.Price, ord.Volume, true)
		if err != nil {
			o.recordError()
			remaining = append(remaining, pe)
			continue
		}
		if st, ok := o.slots[pe.SlotID]; ok {
			o.slots[pe.SlotID] = applyOrderTxid(st, ord.LocalID, txid)
		}
		placed++
	}
	o.pendingEntry = remaining
}

// autoSoftCloseIfOverUtilized cancels the single farthest recovery across
// all slots once open-order utilization crosses 80% of MaxOpenOrderHeadroom
// (§4.3 step 9).
func (o *Orchestrator) autoSoftCloseIfOverUtilized() {
	open := 0
	for _, s := range o.slots {
		open += len(s.Orders) + len(s.Recoveries)
	}
	if o.cfg.MaxOpenOrderHeadroom <= 0 {
		return
	}
	utilization := float64(open) / float64(o.cfg.MaxOpenOrderHeadroom)
	if utilization > 0.8 {
		o.softCloseFarthest(1)
	}
}

// entryVelocityCap tightens as open-order headroom decreases (§4.3.2).
func (o *Orchestrator) entryVelocityCap() int {
	open := 0
	for _, s := range o.slots {
		open += len(s.Orders)
	}
	headroom := o.cfg.MaxOpenOrderHeadroom - open
	switch {
	case headroom <= 0:
		return 1
	case headroom < o.cfg.MaxOpenOrderHeadroom/4:
		return 1
	case headroom < o.cfg.MaxOpenOrderHeadroom/2:
		return 2
	case headroom < o.cfg.MaxOpenOrderHeadroom*3/4:
		return 3
	default:
		return 5
	}
}

// pollFills queries exchange order status for every tracked active-order
// txid and synthesizes a Fill event for each one the exchange reports as
// no longer open, enforcing exactly-once via seen_fill_txids (§4.3 step 8).
// No Cancel event is synthesized, and recovery txids are not polled.
func (o *Orchestrator) pollFills(ctx context.Context, budget *simpleBudget) {
	orderSizes := o.orderSizesLocked()
	for _, id := range o.sortedSlotIDs() {
		st := o.slots[id]
		var txids []string
		for _, ord := range st.Orders {
			if ord.TxID != "" {
				txids = append(txids, ord.TxID)
			}
		}
		if len(txids) == 0 {
			continue
		}
		if !budget.Spend(1) {
			return
		}
		statuses, err := o.gateway.QueryOrders(ctx, txids)
		if err != nil {
			o.recordError()
			continue
		}
		for _, ord := range st.Orders {
			status, ok := statuses[ord.TxID]
			if !ok || status.Open || o.seenFillTxIDs[ord.TxID] {
				continue
			}
			o.seenFillTxIDs[ord.TxID] = true
			_ = o.store.AppendFill(fillRow{
				TxID: ord.TxID, SlotID: id, Side: string(ord.Side),
				Price: status.FillPrice, Volume: status.FilledVol,
				FeeUSD: status.FillFeeUSD, FilledAt: time.Now().UTC(),
			})
			ev := Event{
				Kind: EventFill, Now: time.Now().UTC(), LocalID: ord.LocalID,
				FillPrice: status.FillPrice, FillFee: status.FillFeeUSD, FillTxID: ord.TxID,
			}
			n, acts := transition(o.slots[id], ev, o.cfg.Engine, o.cfg.Engine.OrderSizeUSD, orderSizes)
			o.applyActions(ctx, id, n, acts)
		}
	}
}

// evaluateDailyLossLock sums today's realized loss across slots and
// engages/clears the circuit breaker (§4.3 step 5). TodayRealizedLoss is
// accumulated by bookCycle as a non-negative running total (reducer.go), so
// the lock engages when it's positive, not negative. On a UTC-day rollover
// every slot's counter is reset to zero — otherwise it's an all-time loss
// sum, not "today's" — before the new day's total is computed.
func (o *Orchestrator) evaluateDailyLossLock(now time.Time) {
	today := utcDay(now)
	if o.dailyLoss.LastEvalDate != "" && o.dailyLoss.LastEvalDate != today {
		for _, s := range o.slots {
			s.TodayRealizedLoss = 0
		}
		o.dailyLoss = DailyLossLockState{} // UTC rollover auto-clear
	}
	o.dailyLoss.LastEvalDate = today

	var loss float64
	for _, s := range o.slots {
		if s.TodayRealizedLoss > 0 {
			loss += s.TodayRealizedLoss
		}
	}
	o.dailyLoss.RealizedLoss = loss
	if loss >= o.cfg.DailyLossLimit && o.cfg.DailyLossLimit > 0 {
		o.dailyLoss.LockedDate = today
	}
	setDailyLossLocked(o.dailyLoss.LockedDate == today)
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// updateRebalancerAndHMM runs the HMM detectors, computes consensus, then
// feeds trend score + HMM bias into the PD rebalancer (§4.3 step 10). The
// trend and rebalancer update runs at most once per REBALANCE_INTERVAL_SEC.
func (o *Orchestrator) updateRebalancerAndHMM(now time.Time) {
	o.hmmPrimary.MaybeTrain(now, o.candles1m, o.cfg)
	o.hmmSecondary.MaybeTrain(now, o.candles15m, o.cfg)
	o.hmmTertiary.MaybeTrain(now, o.candles1h, o.cfg)

	primaryOut := o.hmmPrimary.Infer(o.candles1m, o.cfg)
	secondaryOut := o.hmmSecondary.Infer(o.candles15m, o.cfg)
	tertiaryOut := o.hmmTertiary.Infer(o.candles1h, o.cfg)

	observeHMM("primary", primaryOut)
	observeHMM("secondary", secondaryOut)
	observeHMM("tertiary", tertiaryOut)

	o.tertiaryTr = UpdateTertiaryTransition(o.tertiaryTr, tertiaryOut.Regime, o.cfg.HMMAccumConfirmCandles, now)

	w15 := o.cfg.HMMSecondaryWeight
	w1 := 1 - w15
	consensus := ComputeConsensus(primaryOut, secondaryOut, w1, w15)
	observeHMM("consensus", DetectorOutput{Regime: consensus.Regime, EffectiveConfidence: consensus.Confidence})

	interval := time.Duration(o.cfg.RebalanceIntervalSec) * time.Second
	if !o.rebalancer.LastUpdate.IsZero() && now.Sub(o.rebalancer.LastUpdate) < interval {
		return
	}

	target := UpdateTrend(&o.trend, o.lastPrice, now, o.cfg)
	mtxDynamicIdleTarget.Set(target)

	idleUSD, totalUSD := o.inventorySnapshot()
	mtxIdleRatio.Set(safeDiv(idleUSD, totalUSD))

	band := CapacityOK
	out := UpdateRebalancer(&o.rebalancer, idleUSD, totalUSD, o.trend.Score, consensus.Bias, target, band, now, o.cfg)
	mtxRebalSkew.Set(out.Skew)
	o.rebalOut = out
}

// orderSizesLocked builds the favored-leg order_sizes map (§4.4 "size
// actuation") the reducer consumes for its next entries, applying the PD
// rebalancer's last-computed per-leg multiplier on top of the base entry
// size. Callers hold o.mu.
func (o *Orchestrator) orderSizesLocked() map[TradeLeg]float64 {
	base := o.cfg.Engine.OrderSizeUSD
	return map[TradeLeg]float64{
		LegA: base * nonZeroOr1(o.rebalOut.SizeMultLegA),
		LegB: base * nonZeroOr1(o.rebalOut.SizeMultLegB),
	}
}

func nonZeroOr1(mult float64) float64 {
	if mult <= 0 {
		return 1
	}
	return mult
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// inventorySnapshot estimates idle vs total USD across slots from balances.
func (o *Orchestrator) inventorySnapshot() (idleUSD, totalUSD float64) {
	bal, err := o.gateway.GetBalance(context.Background())
	if err != nil {
		return 0, 0
	}
	usd := bal["USD"].Available
	base := bal["BASE"].Available
	totalUSD = usd + base*o.lastPrice
	idleUSD = usd
	return
}

func (o *Orchestrator) sortedSlotIDs() []int {
	ids := make([]int, 0, len(o.slots))
	for id := range o.slots {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (o *Orchestrator) recordError() {
	o.consecutiveErrors++
	mtxConsecutiveErrors.Set(float64(o.consecutiveErrors))
	if o.consecutiveErrors >= o.cfg.MaxConsecutiveErrors {
		o.pause("max consecutive errors")
	}
}

func (o *Orchestrator) pause(reason string) {
	if o.mode == ModeHalted {
		return
	}
	o.mode = ModePaused
	o.pauseReason = reason
}

func (o *Orchestrator) halt(reason string) {
	o.mode = ModeHalted
	o.pauseReason = reason
	log.Error().Str("reason", reason).Msg("orchestrator halted")
}

func (o *Orchestrator) resumeLocked() {
	o.consecutiveErrors = 0
	o.mode = ModeRunning
	o.pauseReason = ""
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	txids := make([]string, 0, len(o.seenFillTxIDs))
	for id := range o.seenFillTxIDs {
		txids = append(txids, id)
	}
	var totalProfit, totalSettled float64
	for _, s := range o.slots {
		totalProfit += s.TotalProfit
		totalSettled += s.TotalSettledUSD
	}
	return Snapshot{
		Mode: string(o.mode), PauseReason: o.pauseReason,
		NextSlotID: o.nextSlotID, NextEventID: o.nextEventID,
		SeenFillTxIDs: txids, Slots: o.slots,
		Rebalancer: o.rebalancer, Trend: o.trend, DailyLossLock: o.dailyLoss,
		TertiaryTrans: o.tertiaryTr,
		HMMPrimary:    o.hmmPrimary.PersistState(),
		HMMSecondary:  o.hmmSecondary.PersistState(),
		HMMTertiary:   o.hmmTertiary.PersistState(),
		TotalProfit:   totalProfit, TotalSettledUSD: totalSettled,
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
