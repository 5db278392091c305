package signals

import (
	"math"

	"smc-trade-bot-go/internal/exchange"
)

// ATR is Wilder's average true range. Windows shorter than period+1 use
// every available bar.
func ATR(candles []exchange.Candle, period int) float64 {
	if len(candles) < 2 || period < 1 {
		return 0
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1].Close
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
		trs = append(trs, tr)
	}
	return wilder(trs, period)
}

// RSI is Wilder's relative strength index of closes. It returns 50 when
// there is not enough data to say anything.
func RSI(candles []exchange.Candle, period int) float64 {
	if len(candles) < 2 || period < 1 {
		return 50
	}
	gains := make([]float64, 0, len(candles)-1)
	losses := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		d := candles[i].Close - candles[i-1].Close
		gains = append(gains, math.Max(d, 0))
		losses = append(losses, math.Max(-d, 0))
	}
	avgGain, avgLoss := wilder(gains, period), wilder(losses, period)
	switch {
	case avgGain == 0 && avgLoss == 0:
		return 50
	case avgLoss == 0:
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// VolumeRatio compares the latest bar's volume with the mean of the period
// bars before it.
func VolumeRatio(candles []exchange.Candle, period int) float64 {
	if len(candles) < 2 || period < 1 {
		return 0
	}
	last := len(candles) - 1
	start := last - period
	if start < 0 {
		start = 0
	}
	sum := 0.0
	for _, c := range candles[start:last] {
		sum += c.Volume
	}
	mean := sum / float64(last-start)
	if mean <= 0 {
		return 0
	}
	return candles[last].Volume / mean
}

// ATRPercent is the ATR relative to the latest close.
func ATRPercent(candles []exchange.Candle, period int) float64 {
	if len(candles) == 0 || candles[len(candles)-1].Close <= 0 {
		return 0
	}
	return ATR(candles, period) / candles[len(candles)-1].Close * 100
}

func wilder(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	p := period
	if p > len(values) {
		p = len(values)
	}
	avg := 0.0
	for _, v := range values[:p] {
		avg += v
	}
	avg /= float64(p)
	for _, v := range values[p:] {
		avg = (avg*float64(p-1) + v) / float64(p)
	}
	return avg
}
