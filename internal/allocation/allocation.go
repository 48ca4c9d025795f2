// Package allocation breaks an agent's book down by asset class.
package allocation

import (
	"math"
	"sort"

	"github.com/camuig/arena-trader/internal/storage"
)

type ClassAllocation struct {
	AssetClass    storage.AssetClass `json:"asset_class"`
	MarketValue   float64            `json:"market_value"`
	Percent       float64            `json:"percent"`
	UnrealizedPnL float64            `json:"unrealized_pnl"`
	Positions     int                `json:"positions"`
}

type Breakdown struct {
	AccountValue float64           `json:"account_value"`
	Cash         float64           `json:"cash"`
	CashPercent  float64           `json:"cash_percent"`
	Classes      []ClassAllocation `json:"classes"`
}

// Calculate groups position market value by asset class. Percentages are
// relative to account value (cash plus signed market value); shorts
// contribute negative value.
func Calculate(cash float64, positions []storage.Position) Breakdown {
	byClass := make(map[storage.AssetClass]*ClassAllocation)
	total := cash
	for _, p := range positions {
		c, ok := byClass[p.AssetClass]
		if !ok {
			c = &ClassAllocation{AssetClass: p.AssetClass}
			byClass[p.AssetClass] = c
		}
		mv := p.MarketValue()
		c.MarketValue += mv
		c.UnrealizedPnL += p.UnrealizedPnL()
		c.Positions++
		total += mv
	}

	b := Breakdown{
		AccountValue: total,
		Cash:         cash,
		CashPercent:  percent(cash, total),
		Classes:      make([]ClassAllocation, 0, len(byClass)),
	}
	for _, c := range byClass {
		c.Percent = percent(c.MarketValue, total)
		b.Classes = append(b.Classes, *c)
	}
	sort.Slice(b.Classes, func(i, j int) bool {
		if b.Classes[i].MarketValue != b.Classes[j].MarketValue {
			return b.Classes[i].MarketValue > b.Classes[j].MarketValue
		}
		return b.Classes[i].AssetClass < b.Classes[j].AssetClass
	})
	return b
}

func percent(part, total float64) float64 {
	if total == 0 || math.IsNaN(total) {
		return 0
	}
	return part / total * 100
}
