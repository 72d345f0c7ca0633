// FILE: exchange.go
// Package main – ExchangeGateway boundary.
//
// ExchangeGateway is the minimal surface the orchestrator needs against a
// spot venue (§6.1). It is treated as an opaque collaborator by design:
// the real REST/auth wrapper lives outside this module's scope. A single
// in-memory PaperExchangeGateway is provided so the orchestrator has a
// runnable end-to-end path for dry-run mode and tests, mirroring the
// teacher's broker_paper.go (simulate fills off the latest known price,
// no network calls).
package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Balance is the available balance for a single asset.
type Balance struct {
	Asset     string
	Available float64
}

// OrderStatus is the venue-reported status of a previously placed order.
type OrderStatus struct {
	TxID       string
	Open       bool
	FilledVol  float64
	FillPrice  float64
	FillFeeUSD float64
}

// TradeFill is an aggregated fill returned by trade-history queries,
// keyed by the order txid it belongs to.
type TradeFill struct {
	TxID       string
	Price      float64
	Volume     float64
	FeeUSD     float64
	FilledAt   time.Time
}

// BudgetCounter is the per-loop private-API budget (§5). The orchestrator
// spends from it around its own price, order-status and placement calls;
// the ExchangeGateway methods do not take it.
type BudgetCounter interface {
	Spend(calls int) bool // false if the budget is exhausted
}

// ExchangeGateway is the opaque collaborator described in §6.1. Every
// operation should honor ctx's deadline; a real implementation wraps a
// specific venue's REST/auth layer, which is out of scope here.
type ExchangeGateway interface {
	GetBalance(ctx context.Context) (map[string]Balance, error)
	GetPrice(ctx context.Context) (price float64, ts time.Time, err error)

	PlaceOrder(ctx context.Context, side OrderSide, role OrderRole, price, volume float64, postOnly bool) (txid string, err error)
	CancelOrder(ctx context.Context, txid string) error
	QueryOrders(ctx context.Context, txids []string) (map[string]OrderStatus, error)

	GetTradeHistory(ctx context.Context, since time.Time) ([]TradeFill, error)
	GetOHLC(ctx context.Context, interval string, since time.Time) ([]Candle, error)
}

// PaperExchangeGateway simulates a venue entirely in memory: an open order
// fills at its own limit price once the paper price has reached it, as
// seen by the next QueryOrders call. It exists so
// the orchestrator and reducer have a runnable dry-run path, not as a
// faithful market simulator.
type PaperExchangeGateway struct {
	mu     sync.Mutex
	price  float64
	orders map[string]*paperOrder
	feePct float64
}

type paperOrder struct {
	side   OrderSide
	role   OrderRole
	price  float64
	volume float64
	open   bool
}

// NewPaperExchangeGateway seeds a paper venue at startPrice with the given
// maker fee percentage applied to every simulated fill.
func NewPaperExchangeGateway(startPrice, feePct float64) *PaperExchangeGateway {
	return &PaperExchangeGateway{price: startPrice, orders: map[string]*paperOrder{}, feePct: feePct}
}

func (p *PaperExchangeGateway) SetPrice(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
}

func (p *PaperExchangeGateway) GetBalance(ctx context.Context) (map[string]Balance, error) {
	return map[string]Balance{
		"USD":  {Asset: "USD", Available: 1_000_000},
		"BASE": {Asset: "BASE", Available: 1_000_000},
	}, nil
}

func (p *PaperExchangeGateway) GetPrice(ctx context.Context) (float64, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.price <= 0 {
		return 0, time.Time{}, errors.New("paper gateway: no price seeded")
	}
	return p.price, time.Now().UTC(), nil
}

func (p *PaperExchangeGateway) PlaceOrder(ctx context.Context, side OrderSide, role OrderRole, price, volume float64, postOnly bool) (string, error) {
	if volume <= 0 || price <= 0 {
		return "", errors.New("paper gateway: invalid order")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	txid := uuid.New().String()
	p.orders[txid] = &paperOrder{side: side, role: role, price: price, volume: volume, open: true}
	return txid, nil
}

func (p *PaperExchangeGateway) CancelOrder(ctx context.Context, txid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[txid]; ok {
		o.open = false
	}
	return nil
}

// QueryOrders fills any open order whose limit price has been crossed by
// the current paper price.
func (p *PaperExchangeGateway) QueryOrders(ctx context.Context, txids []string) (map[string]OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]OrderStatus, len(txids))
	for _, id := range txids {
		o, ok := p.orders[id]
		if !ok {
			continue
		}
		st := OrderStatus{TxID: id, Open: o.open}
		crossed := (o.side == SideBuy && p.price <= o.price) || (o.side == SideSell && p.price >= o.price)
		if o.open && crossed {
			o.open = false
			st.Open = false
			st.FilledVol = o.volume
			st.FillPrice = o.price
			st.FillFeeUSD = o.price * o.volume * p.feePct / 100.0
		}
		out[id] = st
	}
	return out, nil
}

func (p *PaperExchangeGateway) GetTradeHistory(ctx context.Context, since time.Time) ([]TradeFill, error) {
	return nil, nil
}

func (p *PaperExchangeGateway) GetOHLC(ctx context.Context, interval string, since time.Time) ([]Candle, error) {
	return nil, errors.New("paper gateway: no candle feed, seed history directly")
}
