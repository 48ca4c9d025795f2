// Package performance derives risk metrics from an agent's equity curve.
// Nothing here is persisted; metrics are recomputed on read.
package performance

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/camuig/arena-trader/internal/storage"
)

type Metrics struct {
	AccountValue  float64 `json:"account_value"`
	StartingValue float64 `json:"starting_value"`
	ROI           float64 `json:"roi_pct"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
	MaxDrawdown   float64 `json:"max_drawdown_pct"`
	Volatility    float64 `json:"volatility_pct"`
	Points        int     `json:"points"`
}

// Compute builds metrics from chronologically ordered points. The starting
// value is prepended to the curve so the first cycle's move counts.
func Compute(startingValue, currentValue float64, points []storage.PerformancePoint) Metrics {
	curve := make([]float64, 0, len(points)+1)
	if startingValue > 0 {
		curve = append(curve, startingValue)
	}
	for _, p := range points {
		curve = append(curve, p.AccountValue)
	}

	returns := Returns(curve)
	m := Metrics{
		AccountValue:  currentValue,
		StartingValue: startingValue,
		SharpeRatio:   Sharpe(returns),
		MaxDrawdown:   MaxDrawdown(curve) * 100,
		Points:        len(points),
	}
	if len(returns) > 1 {
		m.Volatility = stat.StdDev(returns, nil) * 100
	}
	if startingValue > 0 {
		m.ROI = (currentValue - startingValue) / startingValue * 100
	}
	return m
}

// Returns converts a value series into simple per-period returns.
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			continue
		}
		out = append(out, (values[i]-values[i-1])/values[i-1])
	}
	return out
}

// Sharpe is the per-period Sharpe ratio with a zero risk-free rate.
func Sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std
}

// MaxDrawdown is the largest peak-to-trough decline as a fraction of the peak.
func MaxDrawdown(values []float64) float64 {
	var peak, worst float64
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
