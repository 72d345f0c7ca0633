// FILE: backtest.go
// Package main – CSV loader and reducer-replay backtest runner.
//
// What's here:
//   • loadCSV(path) -> []Candle    : reads time,open,high,low,close,volume
//   • runBacktest(csvPath, cfg)
//       - replays PriceTick/TimerTick through the pure reducer for a single
//         slot, one candle at a time
//       - fills entries/exits synthetically whenever the candle's
//         high/low range crosses the order's own limit price
//       - logs a summary of cycles booked, net profit and recoveries
//
// Notes:
//   • Time column accepts RFC3339 or UNIX seconds.
//   • Unknown columns are ignored; headers are case-insensitive.
package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// loadCSV reads a generic candle CSV with headers:
// time|timestamp, open, high, low, close, volume
func loadCSV(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var out []Candle
	var headers []string
	rowIdx := 0

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rowIdx == 0 {
			headers = rec
			rowIdx++
			continue
		}
		row := map[string]string{}
		for j, h := range headers {
			k := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				row[k] = strings.TrimSpace(rec[j])
			}
		}
		ts := first(row, "time", "timestamp")
		op := first(row, "open")
		hp := first(row, "high")
		lp := first(row, "low")
		cp := first(row, "close")
		vp := first(row, "volume", "vol")
		if ts == "" || op == "" || cp == "" {
			continue
		}
		tt, err := parseTimeFlexible(ts)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(op, 64)
		h, _ := strconv.ParseFloat(hp, 64)
		l, _ := strconv.ParseFloat(lp, 64)
		c, _ := strconv.ParseFloat(cp, 64)
		v, _ := strconv.ParseFloat(vp, 64)
		out = append(out, Candle{Time: tt, Open: o, High: h, Low: l, Close: c, Volume: v})
		rowIdx++
	}

	sortCandles(out)
	return out, nil
}

// parseTimeFlexible supports RFC3339 or UNIX seconds.
func parseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

// sortCandles ensures ascending time.
func sortCandles(c []Candle) {
	sort.Slice(c, func(i, j int) bool { return c[i].Time.Before(c[j].Time) })
}

// first returns the first non-empty value for keys in m.
func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

// runBacktest replays candles through the pure reducer for a single slot,
// synthesizing fills whenever the candle range crosses an order's limit
// price. It never touches the exchange gateway or persistence store.
func runBacktest(csvPath string, cfg Config) {
	candles, err := loadCSV(csvPath)
	if err != nil {
		log.Fatal().Err(err).Msg("backtest load")
	}
	if len(candles) < 10 {
		log.Fatal().Int("rows", len(candles)).Msg("need at least 10 candles")
	}

	state := NewPairState(0, cfg.Engine)
	wins, losses, orphans := 0, 0, 0

	for _, c := range candles {
		state.MarketPrice = c.Close
		state.Now = c.Time

		if len(state.Orders) == 0 {
			state = bootstrapBacktestSlot(state, cfg.Engine, c.Close, c.Time)
		}

		next, _ := transition(state, Event{Kind: EventPriceTick, Price: c.Close, Now: c.Time}, cfg.Engine, cfg.Engine.OrderSizeUSD, nil)
		state = next
		next, acts := transition(state, Event{Kind: EventTimerTick, Now: c.Time}, cfg.Engine, cfg.Engine.OrderSizeUSD, nil)
		state = next
		for _, a := range acts {
			if a.Kind == ActionOrphanOrder {
				orphans++
			}
		}

		state = fillCrossedOrders(state, c, cfg, &wins, &losses)
	}

	log.Info().
		Int("candles", len(candles)).
		Int("wins", wins).Int("losses", losses).Int("orphans", orphans).
		Float64("net_profit", state.TotalProfit).
		Float64("total_settled_usd", state.TotalSettledUSD).
		Msg("backtest complete")
}

func bootstrapBacktestSlot(s *PairState, cfg EngineConfig, price float64, now time.Time) *PairState {
	n := s.clone()
	add := func(side OrderSide, leg TradeLeg) {
		entryPct := cfg.entryPctForLeg(leg)
		var entryPrice float64
		if side == SideSell {
			entryPrice = roundTo(price*(1+entryPct/100.0), cfg.PriceDecimals)
		} else {
			entryPrice = roundTo(price*(1-entryPct/100.0), cfg.PriceDecimals)
		}
		volume := roundTo(cfg.OrderSizeUSD/price, cfg.VolumeDecimals)
		n.Orders = append(n.Orders, OrderState{LocalID: n.NextOrderID, Side: side, Role: RoleEntry, Price: entryPrice, Volume: volume, TradeID: leg, Cycle: 1, PlacedAt: now})
		n.NextOrderID++
	}
	if !n.ShortOnly {
		add(SideSell, LegA)
	}
	if !n.LongOnly {
		add(SideBuy, LegB)
	}
	return n
}

// fillCrossedOrders synthesizes a Fill event for any order whose limit
// price falls within the candle's high/low range.
func fillCrossedOrders(s *PairState, c Candle, cfg Config, wins, losses *int) *PairState {
	for _, o := range append([]OrderState(nil), s.Orders...) {
		crossed := (o.Side == SideBuy && c.Low <= o.Price) || (o.Side == SideSell && c.High >= o.Price)
		if !crossed {
			continue
		}
		fee := o.Price * o.Volume * cfg.Engine.MakerFeePct / 100.0
		ev := Event{Kind: EventFill, Now: c.Time, LocalID: o.LocalID, FillPrice: o.Price, FillFee: fee}
		next, acts := transition(s, ev, cfg.Engine, cfg.Engine.OrderSizeUSD, nil)
		s = next
		for _, a := range acts {
			if a.Kind == ActionBookCycle && a.Cycle != nil {
				if a.Cycle.NetProfit >= 0 {
					*wins++
				} else {
					*losses++
				}
			}
		}
	}
	return s
}
