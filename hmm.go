// FILE: hmm.go
// Package main – Gaussian Hidden Markov Model core.
//
// A small diagonal-covariance Gaussian HMM: forward-backward inference and
// Baum-Welch parameter re-estimation. No third-party HMM library is used
// here; none of the example repos ship one, so this numerics core stays on
// the standard library by necessity (see DESIGN.md).
package main

import "math"

// GaussianHMM is a K-state, D-dimensional diagonal-covariance HMM.
type GaussianHMM struct {
	K     int         // number of hidden states
	D     int         // feature dimensionality
	Pi    []float64   // initial state distribution, len K
	A     [][]float64 // transition matrix, K x K
	Mean  [][]float64 // per-state mean, K x D
	Var   [][]float64 // per-state diagonal variance, K x D
}

// NewGaussianHMM builds an HMM with a uniform prior, self-biased
// transitions, zero means and unit variances. FitBaumWelch reseeds the
// means and variances from the data (seedFromData) before training.
func NewGaussianHMM(k, d int) *GaussianHMM {
	h := &GaussianHMM{K: k, D: d}
	h.Pi = make([]float64, k)
	h.A = make([][]float64, k)
	h.Mean = make([][]float64, k)
	h.Var = make([][]float64, k)
	for i := 0; i < k; i++ {
		h.Pi[i] = 1.0 / float64(k)
		h.A[i] = make([]float64, k)
		for j := 0; j < k; j++ {
			if i == j {
				h.A[i][j] = 0.8
			} else {
				h.A[i][j] = 0.2 / float64(k-1)
			}
		}
		h.Mean[i] = make([]float64, d)
		h.Var[i] = make([]float64, d)
		for f := 0; f < d; f++ {
			h.Var[i][f] = 1.0
		}
	}
	return h
}

// seedFromData spreads initial per-state means across the observation
// set's per-feature range, so Baum-Welch starts from distinguishable
// states instead of all states sharing the global mean.
func (h *GaussianHMM) seedFromData(obs [][]float64) {
	if len(obs) == 0 {
		return
	}
	lo := make([]float64, h.D)
	hi := make([]float64, h.D)
	for f := 0; f < h.D; f++ {
		lo[f] = obs[0][f]
		hi[f] = obs[0][f]
	}
	for _, o := range obs {
		for f := 0; f < h.D; f++ {
			lo[f] = math.Min(lo[f], o[f])
			hi[f] = math.Max(hi[f], o[f])
		}
	}
	var gvar []float64 = make([]float64, h.D)
	for f := 0; f < h.D; f++ {
		spread := hi[f] - lo[f]
		if spread <= 0 {
			spread = 1
		}
		gvar[f] = math.Max(spread*spread/12.0, 1e-6)
	}
	for i := 0; i < h.K; i++ {
		frac := 0.5
		if h.K > 1 {
			frac = float64(i) / float64(h.K-1)
		}
		for f := 0; f < h.D; f++ {
			h.Mean[i][f] = lo[f] + frac*(hi[f]-lo[f])
			h.Var[i][f] = gvar[f]
		}
	}
}

func gaussLogPDF(x, mean, variance float64) float64 {
	v := math.Max(variance, 1e-9)
	return -0.5*math.Log(2*math.Pi*v) - (x-mean)*(x-mean)/(2*v)
}

// emissionLogProb returns log P(obs[t] | state i) under the diagonal
// Gaussian emission model.
func (h *GaussianHMM) emissionLogProb(obs []float64, state int) float64 {
	lp := 0.0
	for f := 0; f < h.D; f++ {
		lp += gaussLogPDF(obs[f], h.Mean[state][f], h.Var[state][f])
	}
	return lp
}

// forwardBackward runs the scaled forward-backward algorithm and returns
// the per-timestep state posteriors (gamma) plus the total log-likelihood.
func (h *GaussianHMM) forwardBackward(obs [][]float64) (gamma [][]float64, loglik float64) {
	n := len(obs)
	if n == 0 {
		return nil, math.Inf(-1)
	}
	k := h.K
	alpha := make([][]float64, n)
	scale := make([]float64, n)
	emis := make([][]float64, n)
	for t := 0; t < n; t++ {
		emis[t] = make([]float64, k)
		for i := 0; i < k; i++ {
			emis[t][i] = math.Exp(h.emissionLogProb(obs[t], i))
		}
	}

	alpha[0] = make([]float64, k)
	for i := 0; i < k; i++ {
		alpha[0][i] = h.Pi[i] * emis[0][i]
		scale[0] += alpha[0][i]
	}
	scale[0] = math.Max(scale[0], 1e-300)
	for i := 0; i < k; i++ {
		alpha[0][i] /= scale[0]
	}

	for t := 1; t < n; t++ {
		alpha[t] = make([]float64, k)
		for j := 0; j < k; j++ {
			s := 0.0
			for i := 0; i < k; i++ {
				s += alpha[t-1][i] * h.A[i][j]
			}
			alpha[t][j] = s * emis[t][j]
			scale[t] += alpha[t][j]
		}
		scale[t] = math.Max(scale[t], 1e-300)
		for j := 0; j < k; j++ {
			alpha[t][j] /= scale[t]
		}
	}

	beta := make([][]float64, n)
	beta[n-1] = make([]float64, k)
	for i := 0; i < k; i++ {
		beta[n-1][i] = 1.0
	}
	for t := n - 2; t >= 0; t-- {
		beta[t] = make([]float64, k)
		for i := 0; i < k; i++ {
			s := 0.0
			for j := 0; j < k; j++ {
				s += h.A[i][j] * emis[t+1][j] * beta[t+1][j]
			}
			beta[t][i] = s / scale[t+1]
		}
	}

	gamma = make([][]float64, n)
	for t := 0; t < n; t++ {
		gamma[t] = make([]float64, k)
		denom := 0.0
		for i := 0; i < k; i++ {
			gamma[t][i] = alpha[t][i] * beta[t][i]
			denom += gamma[t][i]
		}
		denom = math.Max(denom, 1e-300)
		for i := 0; i < k; i++ {
			gamma[t][i] /= denom
		}
	}

	for t := 0; t < n; t++ {
		loglik += math.Log(scale[t])
	}
	return gamma, loglik
}

// xi computes the pairwise transition posteriors needed by the Baum-Welch
// M-step, reusing the emission probabilities computed for gamma.
func (h *GaussianHMM) xi(obs [][]float64, gamma [][]float64) [][][]float64 {
	n := len(obs)
	k := h.K
	out := make([][][]float64, n-1)
	for t := 0; t < n-1; t++ {
		out[t] = make([][]float64, k)
		denom := 0.0
		raw := make([][]float64, k)
		for i := 0; i < k; i++ {
			raw[i] = make([]float64, k)
			for j := 0; j < k; j++ {
				e := math.Exp(h.emissionLogProb(obs[t+1], j))
				raw[i][j] = gamma[t][i] * h.A[i][j] * e
				denom += raw[i][j]
			}
		}
		denom = math.Max(denom, 1e-300)
		for i := 0; i < k; i++ {
			out[t][i] = make([]float64, k)
			for j := 0; j < k; j++ {
				out[t][i][j] = raw[i][j] / denom
			}
		}
	}
	return out
}

// FitBaumWelch runs up to maxIter EM iterations, stopping early once the
// log-likelihood improvement drops below tol. obs must have at least 2 rows.
func (h *GaussianHMM) FitBaumWelch(obs [][]float64, maxIter int, tol float64) float64 {
	if len(obs) < 2 {
		return math.Inf(-1)
	}
	h.seedFromData(obs)
	prevLL := math.Inf(-1)
	n := len(obs)
	k := h.K

	for iter := 0; iter < maxIter; iter++ {
		gamma, ll := h.forwardBackward(obs)
		xiT := h.xi(obs, gamma)

		newPi := make([]float64, k)
		copy(newPi, gamma[0])

		newA := make([][]float64, k)
		for i := 0; i < k; i++ {
			newA[i] = make([]float64, k)
			denom := 0.0
			for t := 0; t < n-1; t++ {
				denom += gamma[t][i]
			}
			denom = math.Max(denom, 1e-300)
			for j := 0; j < k; j++ {
				num := 0.0
				for t := 0; t < n-1; t++ {
					num += xiT[t][i][j]
				}
				newA[i][j] = num / denom
			}
		}

		newMean := make([][]float64, k)
		newVar := make([][]float64, k)
		for i := 0; i < k; i++ {
			newMean[i] = make([]float64, h.D)
			newVar[i] = make([]float64, h.D)
			wsum := 0.0
			for t := 0; t < n; t++ {
				wsum += gamma[t][i]
			}
			wsum = math.Max(wsum, 1e-300)
			for f := 0; f < h.D; f++ {
				m := 0.0
				for t := 0; t < n; t++ {
					m += gamma[t][i] * obs[t][f]
				}
				m /= wsum
				v := 0.0
				for t := 0; t < n; t++ {
					d := obs[t][f] - m
					v += gamma[t][i] * d * d
				}
				v /= wsum
				newMean[i][f] = m
				newVar[i][f] = math.Max(v, 1e-6)
			}
		}

		h.Pi, h.A, h.Mean, h.Var = newPi, newA, newMean, newVar

		if math.Abs(ll-prevLL) < tol {
			prevLL = ll
			break
		}
		prevLL = ll
	}
	return prevLL
}

// Infer runs forward-backward under the current parameters and returns the
// posterior distribution over states for the final timestep, plus the
// argmax state index.
func (h *GaussianHMM) Infer(obs [][]float64) (posterior []float64, state int) {
	if len(obs) == 0 {
		return nil, -1
	}
	gamma, _ := h.forwardBackward(obs)
	last := gamma[len(gamma)-1]
	best := 0
	for i := 1; i < len(last); i++ {
		if last[i] > last[best] {
			best = i
		}
	}
	return last, best
}

// StateOrderByMean returns state indices sorted ascending by their mean on
// the given feature, used to remap arbitrary EM state labels onto a stable
// bearish/neutral/bullish ordering (§4.6: "remap by sorted emission mean").
func (h *GaussianHMM) StateOrderByMean(feature int) []int {
	order := make([]int, h.K)
	for i := range order {
		order[i] = i
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && h.Mean[order[j-1]][feature] > h.Mean[order[j]][feature]; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}
	return order
}
