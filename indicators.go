// FILE: indicators.go
// Package main – Technical indicators for the trend/HMM feature pipeline.
//
// This file implements lightweight TA helpers used by the rebalancer's
// trend score and the HMM detectors' feature extraction:
//   • SMA(c, n)       – Simple Moving Average of Close
//   • EMA(c, n)       – Exponential Moving Average of Close
//   • RSI(c, n)       – Relative Strength Index (Wilder's smoothing)
//   • ZScore(c, n)    – Rolling Z-Score of Close
//   • MACDHistogram   – MACD histogram (12/26/9 by default)
//   • VolumeRatio     – current volume vs its rolling average
//
// Notes
//   - All functions accept a slice of Candle.
//   - Outputs are aligned to input length; unavailable lookbacks emit NaN/0 as noted.
//   - Keep these fast and allocation-light; they're called every HMM feature pass.
package main

import (
	"math"
)

// SMA returns the n-period simple moving average of Close, aligned to c.
// For indices < n-1, the function returns NaN.
func SMA(c []Candle, n int) []float64 {
	out := make([]float64, len(c))
	if n <= 0 || len(c) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum float64
	for i := range c {
		sum += c[i].Close
		if i >= n {
			sum -= c[i-n].Close
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// RSI returns the n-period Relative Strength Index using Wilder’s smoothing.
// Indices before the first full window are zero (0).
func RSI(c []Candle, n int) []float64 {
	out := make([]float64, len(c))
	if n <= 0 || len(c) == 0 {
		return out
	}
	var gain, loss float64
	for i := 1; i < len(c); i++ {
		d := c[i].Close - c[i-1].Close
		if i <= n {
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
			if i == n {
				avgGain := gain / float64(n)
				avgLoss := loss / float64(n)
				rs := 0.0
				if avgLoss != 0 {
					rs = avgGain / avgLoss
				}
				out[i] = 100.0 - (100.0 / (1.0 + rs))
			}
		} else {
			// Wilder smoothing
			if d > 0 {
				gain = (gain*float64(n-1) + d) / float64(n)
				loss = (loss*float64(n-1) + 0) / float64(n)
			} else {
				gain = (gain*float64(n-1) + 0) / float64(n)
				loss = (loss*float64(n-1) - d) / float64(n)
			}
			rs := 0.0
			if loss != 0 {
				rs = gain / loss
			}
			out[i] = 100.0 - (100.0 / (1.0 + rs))
		}
	}
	return out
}

// ZScore returns the rolling z-score of Close over window n, aligned to c.
// For indices < n-1, the function returns 0.
func ZScore(c []Candle, n int) []float64 {
	out := make([]float64, len(c))
	if n <= 1 || len(c) == 0 {
		return out
	}
	var sum, sumSq float64
	for i := range c {
		x := c[i].Close
		sum += x
		sumSq += x * x
		if i >= n {
			y := c[i-n].Close
			sum -= y
			sumSq -= y * y
		}
		if i >= n-1 {
			mean := sum / float64(n)
			variance := (sumSq / float64(n)) - (mean * mean)
			std := math.Sqrt(math.Max(variance, 1e-12))
			out[i] = (x - mean) / std
		} else {
			out[i] = 0
		}
	}
	return out
}

// EMA returns the n-period exponential moving average of Close, aligned to
// c. The seed value is a plain SMA over the first n closes.
func EMA(c []Candle, n int) []float64 {
	out := make([]float64, len(c))
	if n <= 0 || len(c) == 0 {
		return out
	}
	alpha := 2.0 / (float64(n) + 1.0)
	var seedSum float64
	for i := range c {
		if i < n {
			seedSum += c[i].Close
			if i == n-1 {
				out[i] = seedSum / float64(n)
			}
			continue
		}
		out[i] = alpha*c[i].Close + (1-alpha)*out[i-1]
	}
	return out
}

// MACDHistogram returns the MACD histogram (MACD line minus its signal
// line) using the conventional 12/26/9 EMAs.
func MACDHistogram(c []Candle, fast, slow, signal int) []float64 {
	out := make([]float64, len(c))
	if len(c) == 0 {
		return out
	}
	emaFast := EMA(c, fast)
	emaSlow := EMA(c, slow)
	macd := make([]Candle, len(c))
	for i := range c {
		macd[i] = Candle{Time: c[i].Time, Close: emaFast[i] - emaSlow[i]}
	}
	sig := EMA(macd, signal)
	for i := range c {
		out[i] = macd[i].Close - sig[i]
	}
	return out
}

// VolumeRatio returns Volume[i] / rolling-average-Volume[i] over window n.
// A ratio of 1 means average participation; unavailable lookbacks return 1.
func VolumeRatio(c []Candle, n int) []float64 {
	out := make([]float64, len(c))
	if n <= 0 || len(c) == 0 {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	var sum float64
	for i := range c {
		sum += c[i].Volume
		if i >= n {
			sum -= c[i-n].Volume
		}
		if i >= n-1 {
			avg := sum / float64(n)
			if avg <= 0 {
				out[i] = 1
			} else {
				out[i] = c[i].Volume / avg
			}
		} else {
			out[i] = 1
		}
	}
	return out
}
