package usecase

import "math"

const (
	minSignalObservations = 5
	momentumWindow        = 3

	neutralConfidence = 0.5
	trendWeight       = 0.3
	momentumWeight    = 0.2

	// volatilityScale maps the standard deviation of returns onto the
	// damping factor: 1 - stddev*volatilityScale, floored at 0.5.
	volatilityScale = 10.0
	minDamping      = 0.5
)

// SignalReading is the per-cycle score for one symbol.
type SignalReading struct {
	Confidence float64 `json:"confidence"` // [0.5, 1.0]
	Velocity   float64 `json:"velocity"`   // mean of the most recent returns
}

// SignalEngine scores symbols from their recent price history.
type SignalEngine struct {
	history *PriceHistoryStore
}

func NewSignalEngine(history *PriceHistoryStore) *SignalEngine {
	return &SignalEngine{history: history}
}

// Score reads the current history for symbol. With fewer than five
// observations it returns the neutral reading.
func (e *SignalEngine) Score(symbol string) SignalReading {
	return scorePrices(e.history.Snapshot(symbol))
}

func scorePrices(prices []float64) SignalReading {
	neutral := SignalReading{Confidence: neutralConfidence}
	if len(prices) < minSignalObservations {
		return neutral
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	if len(returns) < momentumWindow {
		return neutral
	}

	positive := 0
	for _, r := range returns {
		if r > 0 {
			positive++
		}
	}
	fractionPositive := float64(positive) / float64(len(returns))
	trendStrength := math.Abs(fractionPositive-0.5) * 2

	avgAll := mean(returns)
	recent := mean(returns[len(returns)-momentumWindow:])

	momentum := 0.0
	if sign(recent) != 0 && sign(recent) == sign(avgAll) {
		momentum = 1.0
	}

	damping := 1 - stddev(returns, avgAll)*volatilityScale
	damping = clamp(damping, minDamping, 1.0)

	confidence := neutralConfidence + (trendWeight*trendStrength+momentumWeight*momentum)*damping

	return SignalReading{
		Confidence: clamp(confidence, neutralConfidence, 1.0),
		Velocity:   recent,
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation around m.
func stddev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sq float64
	for _, x := range xs {
		d := x - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
