package marketdata

import (
	"math"

	"github.com/markcheno/go-talib"
)

// ComputeIndicators derives the indicator set from daily closes. Indicators
// that need more history than available stay zero.
func ComputeIndicators(closes []float64) Indicators {
	var ind Indicators
	if len(closes) > 14 {
		ind.RSI14 = last(talib.Rsi(closes, 14))
	}
	if len(closes) >= 20 {
		ind.SMA20 = last(talib.Sma(closes, 20))
	}
	if len(closes) >= 12 {
		ind.EMA12 = last(talib.Ema(closes, 12))
	}
	if len(closes) >= 26 {
		ind.EMA26 = last(talib.Ema(closes, 26))
		if ind.EMA12 != 0 {
			ind.MACD = ind.EMA12 - ind.EMA26
		}
	}
	return ind
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
