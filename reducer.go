// FILE: reducer.go
// Package main – The pure event-sourced reducer for the pair-state machine.
//
// transition is the hard-engineering nucleus of the bot: a deterministic,
// side-effect-free function (state, event, config) -> (state', actions).
// It never touches the network or a clock other than the Now carried on
// the event/state, and never panics on malformed input — callers run the
// invariant checker (invariants.go) against its output instead.
package main

import (
	"math"
	"sort"
	"time"
)

// transition is the reducer entry point. order_sizes optionally overrides
// the per-leg USD notional used when sizing a brand-new entry.
func transition(state *PairState, ev Event, cfg EngineConfig, orderSizeUSD float64, orderSizes map[TradeLeg]float64) (*PairState, []Action) {
	switch ev.Kind {
	case EventPriceTick:
		return reducePriceTick(state, ev, cfg)
	case EventTimerTick:
		return reduceTimerTick(state, ev, cfg)
	case EventFill:
		return reduceFill(state, ev, cfg, orderSizeUSD, orderSizes)
	case EventRecoveryFill:
		return reduceRecoveryFill(state, ev, cfg)
	case EventRecoveryCancel:
		return reduceRecoveryCancel(state, ev)
	default:
		return state, nil
	}
}

// roundTo rounds x to n decimal places, half-away-from-zero.
func roundTo(x float64, n int) float64 {
	if n < 0 {
		n = 0
	}
	p := math.Pow(10, float64(n))
	if x >= 0 {
		return math.Floor(x*p+0.5) / p
	}
	return math.Ceil(x*p-0.5) / p
}

// backoffMultiplier scales the entry distance outward after consecutive
// losses on a leg, capped at BackoffMaxMultiplier.
func backoffMultiplier(losses int, cfg EngineConfig) float64 {
	if losses < cfg.LossBackoffStart || cfg.LossBackoffStart <= 0 {
		return 1
	}
	steps := float64(losses - cfg.LossBackoffStart + 1)
	mult := 1 + steps*cfg.BackoffFactor
	if cfg.BackoffMaxMultiplier > 0 && mult > cfg.BackoffMaxMultiplier {
		mult = cfg.BackoffMaxMultiplier
	}
	return mult
}

// effectiveEntryPct is p_eff: base_entry_pct_for_leg * backoff_multiplier/100,
// expressed directly as a fraction (already divided by 100).
func effectiveEntryPct(leg TradeLeg, cfg EngineConfig, losses int) float64 {
	base := cfg.entryPctForLeg(leg)
	mult := backoffMultiplier(losses, cfg)
	return (base * mult) / 100.0
}

// exitPrice implements the bit-exact post-rounded exit formula from §4.1.4.
func exitPrice(entryFill, market float64, side OrderSide, cfg EngineConfig, leg TradeLeg, profitPctRuntime float64) float64 {
	p := profitPctRuntime / 100.0
	e := cfg.entryPctForLeg(leg) / 100.0
	var raw float64
	if side == SideSell {
		raw = math.Max(entryFill*(1+p), market*(1+e))
	} else {
		raw = math.Min(entryFill*(1-p), market*(1-e))
	}
	return roundTo(raw, cfg.PriceDecimals)
}

// ---- PriceTick ----

func reducePriceTick(state *PairState, ev Event, cfg EngineConfig) (*PairState, []Action) {
	n := state.clone()
	n.MarketPrice = ev.Price
	n.Now = ev.Now
	n.LastPriceUpdateAt = ev.Now

	if n.MarketPrice <= 0 {
		return n, nil
	}

	// Scan entries for stale refresh; at most one refresh per tick.
	for i := range n.Orders {
		o := n.Orders[i]
		if o.Role != RoleEntry {
			continue
		}
		driftPct := math.Abs(o.Price-n.MarketPrice) / n.MarketPrice * 100.0
		if driftPct <= cfg.RefreshPct {
			continue
		}
		lc := n.legCounters(o.TradeID)
		if n.Now.Before(lc.RefreshCooldownUntil) {
			continue
		}
		if cfg.MaxConsecutiveRefreshes > 0 && lc.ConsecutiveRefresh >= cfg.MaxConsecutiveRefreshes {
			lc.RefreshCooldownUntil = n.Now.Add(time.Duration(cfg.RefreshCooldownSec) * time.Second)
			lc.ConsecutiveRefresh = 0
			return n, nil
		}

		losses := lc.ConsecutiveLosses
		pEff := effectiveEntryPct(o.TradeID, cfg, losses)
		var newPrice float64
		var dir int
		if o.Side == SideBuy {
			newPrice = roundTo(n.MarketPrice*(1-pEff), cfg.PriceDecimals)
			dir = -1
		} else {
			newPrice = roundTo(n.MarketPrice*(1+pEff), cfg.PriceDecimals)
			dir = 1
		}
		if dir == lc.LastRefreshDir {
			lc.ConsecutiveRefresh++
		} else {
			lc.ConsecutiveRefresh = 1
			lc.LastRefreshDir = dir
		}

		cancelled := o
		actions := []Action{
			{Kind: ActionCancelOrder, LocalID: cancelled.LocalID, TxID: cancelled.TxID},
		}
		newOrder := OrderState{
			LocalID:  n.NextOrderID,
			Side:     cancelled.Side,
			Role:     RoleEntry,
			Price:    newPrice,
			Volume:   cancelled.Volume,
			TradeID:  cancelled.TradeID,
			Cycle:    cancelled.Cycle,
			PlacedAt: n.Now,
			RegimeAtEntry: cancelled.RegimeAtEntry,
		}
		n.NextOrderID++
		n.Orders[i] = newOrder
		actions = append(actions, Action{Kind: ActionPlaceOrder, Order: &newOrder})
		return n, actions
	}

	return n, nil
}

// ---- TimerTick ----

func reduceTimerTick(state *PairState, ev Event, cfg EngineConfig) (*PairState, []Action) {
	n := state.clone()
	n.Now = ev.Now

	phase := derivePhase(n.Orders)
	if phase == PhaseS2 && n.S2EnteredAt == nil {
		t := n.Now
		n.S2EnteredAt = &t
	} else if phase != PhaseS2 && n.S2EnteredAt != nil {
		n.S2EnteredAt = nil
	}

	if cfg.StickyModeEnabled {
		return n, nil
	}

	if phase == PhaseS1a || phase == PhaseS1b {
		for i := range n.Orders {
			o := n.Orders[i]
			if o.Role != RoleExit {
				continue
			}
			age := ageOf(o, n.Now)
			if age < time.Duration(cfg.S1OrphanAfterSec)*time.Second {
				continue
			}
			if n.MarketPrice <= 0 {
				continue
			}
			movedAway := (o.Side == SideSell && o.Price > n.MarketPrice) || (o.Side == SideBuy && o.Price < n.MarketPrice)
			if !movedAway {
				continue
			}
			return orphanOrder(n, o.LocalID, ReasonS1Timeout, cfg)
		}
		return n, nil
	}

	if phase == PhaseS2 && n.S2EnteredAt != nil && n.MarketPrice > 0 {
		if n.Now.Sub(*n.S2EnteredAt) >= time.Duration(cfg.S2OrphanAfterSec)*time.Second {
			var victim *OrderState
			var victimDist float64
			for i := range n.Orders {
				o := n.Orders[i]
				if o.Role != RoleExit {
					continue
				}
				dist := math.Abs(o.Price-n.MarketPrice) / n.MarketPrice
				if victim == nil || dist > victimDist {
					v := o
					victim = &v
					victimDist = dist
				}
			}
			if victim != nil {
				ns, actions := orphanOrder(n, victim.LocalID, ReasonS2Timeout, cfg)
				ns.S2EnteredAt = nil
				return ns, actions
			}
		}
	}

	return n, nil
}

func ageOf(o OrderState, now time.Time) time.Duration {
	ref := o.EntryFilledAt
	if ref.IsZero() {
		ref = o.PlacedAt
	}
	if ref.IsZero() {
		return 0
	}
	return now.Sub(ref)
}

// ---- FillEvent ----

func reduceFill(state *PairState, ev Event, cfg EngineConfig, orderSizeUSD float64, orderSizes map[TradeLeg]float64) (*PairState, []Action) {
	n := state.clone()
	n.Now = ev.Now

	idx := -1
	for i := range n.Orders {
		if n.Orders[i].LocalID == ev.LocalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return n, nil
	}
	o := n.Orders[idx]

	if o.Role == RoleEntry {
		n.TotalFees += ev.FillFee
		exit := OrderState{
			LocalID:       n.NextOrderID,
			Side:          oppositeSide(o.Side),
			Role:          RoleExit,
			Volume:        o.Volume,
			TradeID:       o.TradeID,
			Cycle:         o.Cycle,
			PlacedAt:      n.Now,
			EntryPrice:    ev.FillPrice,
			EntryFee:      ev.FillFee,
			EntryFilledAt: n.Now,
			RegimeAtEntry: o.RegimeAtEntry,
		}
		exit.Price = exitPrice(ev.FillPrice, n.MarketPrice, exit.Side, cfg, o.TradeID, n.ProfitPctRuntime)
		n.NextOrderID++
		n.Orders = append(n.Orders[:idx], n.Orders[idx+1:]...)
		n.Orders = append(n.Orders, exit)
		return n, []Action{{Kind: ActionPlaceOrder, Order: &exit}}
	}

	// Exit fill: book the cycle, update counters, advance cycle#, reopen entry.
	n.Orders = append(n.Orders[:idx], n.Orders[idx+1:]...)
	cyc := bookCycle(n, o.TradeID, o.Cycle, o.EntryPrice, ev.FillPrice, o.Volume, o.EntryFee, ev.FillFee, false, o.RegimeAtEntry, n.Now)
	applyLossCounters(n, o.TradeID, cyc.NetProfit, cfg, n.Now)
	advanceCycleCounter(n, o.TradeID, o.Cycle)

	actions := []Action{{Kind: ActionBookCycle, Cycle: cyc}}
	if entryActions := maybeReenter(n, o.TradeID, cfg, orderSizeUSD, orderSizes); len(entryActions) > 0 {
		actions = append(actions, entryActions...)
	}
	return n, actions
}

// maybeReenter places a follow-up entry on the leg that just closed a
// cycle, subject to fallback mode restrictions and the leg's cooldown.
func maybeReenter(n *PairState, leg TradeLeg, cfg EngineConfig, orderSizeUSD float64, orderSizes map[TradeLeg]float64) []Action {
	if leg == LegA && n.LongOnly {
		return nil
	}
	if leg == LegB && n.ShortOnly {
		return nil
	}
	lc := n.legCounters(leg)
	if n.Now.Before(lc.CooldownUntil) {
		return nil
	}
	if n.MarketPrice <= 0 {
		return nil
	}
	side := SideBuy
	if leg == LegA {
		side = SideSell
	}
	pEff := effectiveEntryPct(leg, cfg, lc.ConsecutiveLosses)
	var price float64
	if side == SideBuy {
		price = roundTo(n.MarketPrice*(1-pEff), cfg.PriceDecimals)
	} else {
		price = roundTo(n.MarketPrice*(1+pEff), cfg.PriceDecimals)
	}
	if orderSizeUSD < cfg.MinCostUSD {
		return nil // min-size wait bypass; invariant checker tolerates this transient S0
	}
	// Size actuation (§4.4): the favored-leg multiplier scales the order
	// only after the fund guard above has cleared the unscaled base size.
	usd := orderSizeUSD
	if v, ok := orderSizes[leg]; ok && v > 0 {
		usd = v
	}
	volume := roundTo(usd/price, cfg.VolumeDecimals)
	if volume < cfg.MinVolume {
		return nil
	}
	cycleNum := n.CycleA
	if leg == LegB {
		cycleNum = n.CycleB
	}
	entry := OrderState{
		LocalID:  n.NextOrderID,
		Side:     side,
		Role:     RoleEntry,
		Price:    price,
		Volume:   volume,
		TradeID:  leg,
		Cycle:    cycleNum,
		PlacedAt: n.Now,
	}
	n.NextOrderID++
	n.Orders = append(n.Orders, entry)
	return []Action{{Kind: ActionPlaceOrder, Order: &entry}}
}

// ---- RecoveryFillEvent / RecoveryCancelEvent ----

func reduceRecoveryFill(state *PairState, ev Event, cfg EngineConfig) (*PairState, []Action) {
	n := state.clone()
	n.Now = ev.Now
	idx := -1
	for i := range n.Recoveries {
		if n.Recoveries[i].RecoveryID == ev.RecoveryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return n, nil
	}
	r := n.Recoveries[idx]
	n.Recoveries = append(n.Recoveries[:idx], n.Recoveries[idx+1:]...)

	cyc := bookCycle(n, r.TradeID, r.Cycle, r.EntryPrice, ev.FillPrice, r.Volume, r.EntryFee, ev.FillFee, true, r.RegimeAtEntry, n.Now)
	applyLossCounters(n, r.TradeID, cyc.NetProfit, cfg, n.Now)
	return n, []Action{{Kind: ActionBookCycle, Cycle: cyc}}
}

func reduceRecoveryCancel(state *PairState, ev Event) (*PairState, []Action) {
	n := state.clone()
	n.Now = ev.Now
	for i := range n.Recoveries {
		if n.Recoveries[i].RecoveryID == ev.RecoveryID {
			n.Recoveries = append(n.Recoveries[:i], n.Recoveries[i+1:]...)
			break
		}
	}
	return n, nil
}

// ---- Cycle booking (§4.1.6) ----

func bookCycle(n *PairState, leg TradeLeg, cycle int, entryPrice, exitPx, volume, entryFee, exitFee float64, fromRecovery bool, regime *int, now time.Time) *CycleRecord {
	var gross, quoteFee float64
	if leg == LegA {
		gross = (entryPrice - exitPx) * volume
		quoteFee = entryFee
	} else {
		gross = (exitPx - entryPrice) * volume
		quoteFee = exitFee
	}
	fees := entryFee + exitFee
	net := gross - fees
	settled := gross - quoteFee

	cyc := &CycleRecord{
		TradeID:      leg,
		Cycle:        cycle,
		EntryPrice:   entryPrice,
		ExitPrice:    exitPx,
		Volume:       volume,
		GrossProfit:  gross,
		Fees:         fees,
		NetProfit:    net,
		EntryFee:     entryFee,
		ExitFee:      exitFee,
		QuoteFee:     quoteFee,
		SettledUSD:   settled,
		ExitTime:     now,
		FromRecovery: fromRecovery,
		RegimeAtEntry: regime,
	}
	n.Cycles = append(n.Cycles, *cyc)
	n.TotalProfit += net
	n.TotalSettledUSD += settled
	n.TotalFees += fees
	n.TotalRoundTrips++
	if net < 0 {
		n.TodayRealizedLoss += -net
	}
	return cyc
}

// applyLossCounters implements §4.1.7.
func applyLossCounters(n *PairState, leg TradeLeg, net float64, cfg EngineConfig, now time.Time) {
	lc := n.legCounters(leg)
	if net < 0 {
		lc.ConsecutiveLosses++
	} else {
		lc.ConsecutiveLosses = 0
	}
	if cfg.LossCooldownStart > 0 && lc.ConsecutiveLosses >= cfg.LossCooldownStart {
		candidate := now.Add(time.Duration(cfg.LossCooldownSec) * time.Second)
		if candidate.After(lc.CooldownUntil) {
			lc.CooldownUntil = candidate
		}
	}
	if cfg.ReentryBaseCooldownSec > 0 {
		candidate := now.Add(time.Duration(cfg.ReentryBaseCooldownSec) * time.Second)
		if candidate.After(lc.CooldownUntil) {
			lc.CooldownUntil = candidate
		}
	}
}

func advanceCycleCounter(n *PairState, leg TradeLeg, cycle int) {
	if leg == LegA {
		if cycle+1 > n.CycleA {
			n.CycleA = cycle + 1
		}
	} else {
		if cycle+1 > n.CycleB {
			n.CycleB = cycle + 1
		}
	}
}

// ---- Orphan / eviction (§4.1.8) ----

// orphanOrder moves the victim order into the recovery set; if the set then
// exceeds MaxRecoverySlots, evictRecoveries removes recoveries by distance
// priority, which can include the one just added.
func orphanOrder(n *PairState, localID int, reason OrphanReason, cfg EngineConfig) (*PairState, []Action) {
	idx := -1
	for i := range n.Orders {
		if n.Orders[i].LocalID == localID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return n, nil
	}
	o := n.Orders[idx]
	n.Orders = append(n.Orders[:idx], n.Orders[idx+1:]...)
	advanceCycleCounter(n, o.TradeID, o.Cycle)

	// §4.1.7: every orphan, not just a booked cycle close, adds the base
	// reentry cooldown to the leg so a freshly-orphaned leg doesn't
	// immediately reenter.
	if cfg.ReentryBaseCooldownSec > 0 {
		lc := n.legCounters(o.TradeID)
		candidate := n.Now.Add(time.Duration(cfg.ReentryBaseCooldownSec) * time.Second)
		if candidate.After(lc.CooldownUntil) {
			lc.CooldownUntil = candidate
		}
	}

	rec := RecoveryOrder{
		RecoveryID:    n.NextRecoveryID,
		Side:          o.Side,
		Price:         o.Price,
		Volume:        o.Volume,
		TradeID:       o.TradeID,
		Cycle:         o.Cycle,
		EntryPrice:    o.EntryPrice,
		OrphanedAt:    n.Now,
		EntryFee:      o.EntryFee,
		EntryFilledAt: o.EntryFilledAt,
		TxID:          o.TxID,
		Reason:        reason,
		RegimeAtEntry: o.RegimeAtEntry,
	}
	n.NextRecoveryID++

	actions := []Action{{Kind: ActionOrphanOrder, LocalID: localID, TxID: o.TxID, Reason: reason}}

	n.Recoveries = append(n.Recoveries, rec)
	if cfg.MaxRecoverySlots > 0 && len(n.Recoveries) > cfg.MaxRecoverySlots {
		evictActions := evictRecoveries(n, cfg)
		actions = append(actions, evictActions...)
	}
	return n, actions
}

// evictRecoveries evicts recoveries (farthest from market first, then
// oldest, then lowest id) until the slot is back within MaxRecoverySlots,
// booking each one as a cycle closed at the current market price (entry
// price when the market price is unknown), so its net can be a gain or a loss.
func evictRecoveries(n *PairState, cfg EngineConfig) []Action {
	var actions []Action
	for len(n.Recoveries) > cfg.MaxRecoverySlots {
		market := n.MarketPrice
		sort.SliceStable(n.Recoveries, func(i, j int) bool {
			di := evictDistance(n.Recoveries[i], market)
			dj := evictDistance(n.Recoveries[j], market)
			if di != dj {
				return di > dj
			}
			if !n.Recoveries[i].OrphanedAt.Equal(n.Recoveries[j].OrphanedAt) {
				return n.Recoveries[i].OrphanedAt.Before(n.Recoveries[j].OrphanedAt)
			}
			return n.Recoveries[i].RecoveryID < n.Recoveries[j].RecoveryID
		})
		victim := n.Recoveries[0]
		n.Recoveries = n.Recoveries[1:]

		price := market
		if price <= 0 {
			price = victim.EntryPrice
		}
		cyc := bookCycle(n, victim.TradeID, victim.Cycle, victim.EntryPrice, price, victim.Volume, victim.EntryFee, 0, true, victim.RegimeAtEntry, n.Now)
		// §4.1.7: counters update on each booked cycle, eviction included.
		applyLossCounters(n, victim.TradeID, cyc.NetProfit, cfg, n.Now)
		actions = append(actions,
			Action{Kind: ActionCancelOrder, RecoveryID: victim.RecoveryID, TxID: victim.TxID, Reason: ReasonRecoveryCapEvict},
			Action{Kind: ActionBookCycle, Cycle: cyc},
		)
	}
	return actions
}

func evictDistance(r RecoveryOrder, market float64) float64 {
	if market <= 0 {
		return 0
	}
	return math.Abs(r.Price-market) / market
}
