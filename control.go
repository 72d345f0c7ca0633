// FILE: control.go
// Package main – ControlSurface HTTP JSON API (§6.3).
//
// Exposes /status (GET) and /command (POST) on the same mux as /metrics
// and /healthz, mirroring main.go's teacher-style single-mux HTTP server.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
)

// statusPayload mirrors §6.3's stable top-level blocks.
type statusPayload struct {
	Mode               string                 `json:"mode"`
	PauseReason        string                 `json:"pause_reason"`
	Slots              map[int]slotView       `json:"slots"`
	CapacityFillHealth string                 `json:"capacity_fill_health"`
	Rebalancer         RebalancerState        `json:"rebalancer"`
	Trend              TrendState             `json:"trend"`
	DailyLossLimit     DailyLossLockState     `json:"daily_loss_limit"`
	EntryScheduler     entrySchedulerView     `json:"entry_scheduler"`
	HMMRegime          DetectorOutput         `json:"hmm_regime"`
	HMMSecondary       DetectorOutput         `json:"hmm_secondary"`
	HMMTertiary        DetectorOutput         `json:"hmm_tertiary"`
	ConsensusProbs     []float64              `json:"consensus_probabilities"`
}

type slotView struct {
	Phase      Phase  `json:"phase"`
	Alias      string `json:"alias"`
	*PairState `json:"state"`
}

type entrySchedulerView struct {
	Cap     int `json:"cap"`
	Pending int `json:"pending"`
}

func (o *Orchestrator) statusPayload() statusPayload {
	o.mu.Lock()
	defer o.mu.Unlock()

	slots := make(map[int]slotView, len(o.slots))
	for id, s := range o.slots {
		slots[id] = slotView{Phase: derivePhase(s.Orders), Alias: "slot-" + itoa(id), PairState: s}
	}

	primaryOut := o.hmmPrimary.Infer(o.candles1m, o.cfg)
	secondaryOut := o.hmmSecondary.Infer(o.candles15m, o.cfg)
	tertiaryOut := o.hmmTertiary.Infer(o.candles1h, o.cfg)
	w15 := o.cfg.HMMSecondaryWeight
	consensus := ComputeConsensus(primaryOut, secondaryOut, 1-w15, w15)

	return statusPayload{
		Mode: string(o.mode), PauseReason: o.pauseReason, Slots: slots,
		CapacityFillHealth: "ok",
		Rebalancer:         o.rebalancer, Trend: o.trend, DailyLossLimit: o.dailyLoss,
		EntryScheduler: entrySchedulerView{Cap: o.entryVelocityCap(), Pending: len(o.pendingEntry)},
		HMMRegime:      primaryOut, HMMSecondary: secondaryOut, HMMTertiary: tertiaryOut,
		ConsensusProbs: consensus.ConsensusProbs,
	}
}

// RegisterControlSurface wires /status and /command onto mux.
func (o *Orchestrator) RegisterControlSurface(mux *http.ServeMux) {
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(o.statusPayload())
	})
	mux.HandleFunc("/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Command string            `json:"command"`
			Args    map[string]string `json:"args"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := o.HandleCommand(req.Command, req.Args); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// HandleCommand dispatches the control-surface command set (§6.3).
func (o *Orchestrator) HandleCommand(cmd string, args map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch cmd {
	case "pause":
		o.mode = ModePaused
		o.pauseReason = "operator pause"
	case "resume":
		if o.mode != ModeHalted {
			o.resumeLocked()
		}
	case "add_slot":
		o.addSlotLocked()
	case "remove_slot":
		id, err := strconv.Atoi(args["slot_id"])
		if err != nil {
			return err
		}
		delete(o.slots, id)
	case "remove_slots":
		for id := range o.slots {
			delete(o.slots, id)
		}
	case "set_entry_pct":
		pct, err := strconv.ParseFloat(args["entry_pct"], 64)
		if err != nil {
			return err
		}
		o.cfg.Engine.EntryPct = pct
	case "set_profit_pct":
		pct, err := strconv.ParseFloat(args["profit_pct"], 64)
		if err != nil {
			return err
		}
		o.cfg.Engine.ProfitPct = pct
		for _, s := range o.slots {
			s.ProfitPctRuntime = pct
		}
	case "soft_close", "soft_close_next":
		o.softCloseFarthest(1)
	case "cancel_stale_recoveries":
		o.cancelStaleRecoveries()
	case "reconcile_drift":
		// No reconciliation against the exchange runs here or at
		// startup; this only clears the consecutive-error counter so the
		// next tick re-evaluates from a clean slate.
		o.consecutiveErrors = 0
	case "audit_pnl":
		// Read-only: totals are already in the status payload/persistence
		// exit_outcomes table; nothing to mutate.
	default:
		return errUnknownCommand(cmd)
	}
	return nil
}

type errUnknownCommand string

func (e errUnknownCommand) Error() string { return "unknown command: " + string(e) }

// softCloseFarthest cancels the n recoveries farthest from market across
// all slots (used by the auto soft-close step and the operator command).
func (o *Orchestrator) softCloseFarthest(n int) {
	type cand struct {
		slotID int
		idx    int
		dist   float64
	}
	var all []cand
	for id, s := range o.slots {
		for i, r := range s.Recoveries {
			all = append(all, cand{slotID: id, idx: i, dist: evictDistance(r, s.MarketPrice)})
		}
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].dist > all[i].dist {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if n > len(all) {
		n = len(all)
	}
	for i := 0; i < n; i++ {
		s := o.slots[all[i].slotID]
		r := s.Recoveries[all[i].idx]
		if r.TxID != "" {
			_ = o.gateway.CancelOrder(context.Background(), r.TxID)
		}
		s.Recoveries = append(s.Recoveries[:all[i].idx], s.Recoveries[all[i].idx+1:]...)
	}
}

func (o *Orchestrator) cancelStaleRecoveries() {
	for _, s := range o.slots {
		var kept []RecoveryOrder
		for _, r := range s.Recoveries {
			age := s.Now.Sub(r.OrphanedAt).Seconds()
			if age > float64(o.cfg.Engine.S2OrphanAfterSec)*4 {
				if r.TxID != "" {
					_ = o.gateway.CancelOrder(context.Background(), r.TxID)
				}
				continue
			}
			kept = append(kept, r)
		}
		s.Recoveries = kept
	}
}
