package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/camuig/arena-trader/internal/storage"
)

var (
	wholeUnit  = decimal.NewFromInt(1)
	cryptoUnit = decimal.New(1, -4)
)

// LotStep is the smallest tradable quantity for an asset class.
func LotStep(class storage.AssetClass) decimal.Decimal {
	if class == storage.AssetCrypto {
		return cryptoUnit
	}
	return wholeUnit
}

// RoundQuantity rounds qty down to a whole number of lots.
func RoundQuantity(qty float64, class storage.AssetClass) float64 {
	if qty <= 0 {
		return 0
	}
	step := LotStep(class)
	return dec(qty).Div(step).Floor().Mul(step).InexactFloat64()
}

// ScaleQuantity returns qty*ratio rounded down to whole lots.
func ScaleQuantity(qty, ratio float64, class storage.AssetClass) float64 {
	if qty <= 0 || ratio <= 0 {
		return 0
	}
	step := LotStep(class)
	return dec(qty).Mul(dec(ratio)).Div(step).Floor().Mul(step).InexactFloat64()
}

// QuantityForAmount converts a dollar amount into a lot-rounded quantity.
func QuantityForAmount(amount, price float64, class storage.AssetClass) float64 {
	if amount <= 0 || price <= 0 {
		return 0
	}
	step := LotStep(class)
	return dec(amount).Div(dec(price)).Div(step).Floor().Mul(step).InexactFloat64()
}

// RoundPrice rounds to cents, or to 6 places for sub-dollar instruments.
func RoundPrice(p float64) float64 {
	if p < 1 {
		return dec(p).Round(6).InexactFloat64()
	}
	return dec(p).Round(2).InexactFloat64()
}

// Notional is qty*price computed in decimal.
func Notional(qty, price float64) float64 {
	return dec(qty).Mul(dec(price)).InexactFloat64()
}
