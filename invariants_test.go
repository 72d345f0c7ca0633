package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckInvariantsCleanS2(t *testing.T) {
	cfg := testEngineConfig()
	now := time.Now().UTC()
	s := NewPairState(0, cfg)
	s.Now = now
	t2 := now
	s.S2EnteredAt = &t2
	s.Orders = []OrderState{
		{LocalID: 1, Side: SideSell, Role: RoleExit, Price: 110, Volume: 1, TradeID: LegA, Cycle: 1, EntryPrice: 100},
		{LocalID: 2, Side: SideBuy, Role: RoleExit, Price: 90, Volume: 1, TradeID: LegB, Cycle: 1, EntryPrice: 100},
	}
	assert.Equal(t, PhaseS2, derivePhase(s.Orders))
	assert.Empty(t, checkInvariants(s, cfg))
}

func TestCheckInvariantsFlagsS2WithoutEnteredAt(t *testing.T) {
	cfg := testEngineConfig()
	s := NewPairState(0, cfg)
	s.Orders = []OrderState{
		{LocalID: 1, Side: SideSell, Role: RoleExit, Price: 110, Volume: 1, TradeID: LegA, Cycle: 1, EntryPrice: 100},
		{LocalID: 2, Side: SideBuy, Role: RoleExit, Price: 90, Volume: 1, TradeID: LegB, Cycle: 1, EntryPrice: 100},
	}
	violations := checkInvariants(s, cfg)
	assert.Contains(t, violations, "phase S2 without s2_entered_at")
}

func TestCheckInvariantsFlagsRecoveryCapBreach(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxRecoverySlots = 1
	s := NewPairState(0, cfg)
	s.Recoveries = []RecoveryOrder{
		{RecoveryID: 1, Side: SideBuy, Price: 90, Volume: 1, TradeID: LegB, Cycle: 1},
		{RecoveryID: 2, Side: SideSell, Price: 110, Volume: 1, TradeID: LegA, Cycle: 1},
	}
	violations := checkInvariants(s, cfg)
	assert.Contains(t, violations, "recovery_orders 2 exceeds max_recovery_slots 1")
}

func TestIsBypassedRejectsMixedViolations(t *testing.T) {
	cfg := testEngineConfig()
	s := NewPairState(0, cfg)
	s.Orders = []OrderState{
		{LocalID: 1, Side: SideBuy, Role: RoleEntry, Price: 99, Volume: 1, TradeID: LegB, Cycle: 1},
	}
	violations := []string{"S0 missing an expected entry", "duplicate local_id 1"}
	assert.False(t, isBypassed(s, violations, cfg, cfg.OrderSizeUSD), "a bypassable shape alongside any other violation must still halt")
}

func TestExpectedS0EntryCountSingleLegFallback(t *testing.T) {
	cfg := testEngineConfig()
	s := NewPairState(0, cfg)
	s.ShortOnly = true
	assert.Equal(t, 1, expectedS0EntryCount(s))
	s.ShortOnly = false
	assert.Equal(t, 2, expectedS0EntryCount(s))
}
