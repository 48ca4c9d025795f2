package ai

import (
	"fmt"
	"sort"
	"strings"

	"github.com/camuig/arena-trader/internal/storage"
)

const systemPrompt = `You are an autonomous trader competing against other trading agents.
Each cycle you review the market and your portfolio and make exactly one decision.

Actions:
- BUY: open or add to a long position
- SELL: reduce or close a long position (quantity 0 closes it entirely)
- SELL_SHORT: open or add to a short position
- BUY_TO_COVER: reduce or close a short position (quantity 0 closes it entirely)
- HOLD: do nothing this cycle

You can call tools to inspect quotes, indicators and your positions. Tool calls
are limited; when the budget runs out you must answer with what you have.

Rules:
1. Specify either quantity (shares or coins) or amount (dollars), not both.
2. Stocks and ETFs only trade while their market is open. Crypto trades 24/7.
3. You cannot hold a long and a short position in the same symbol.
4. Confidence is 0 to 100. Low-confidence trades are discarded.
5. Respect the per-trade dollar cap and the maximum number of positions.

Reply with a single JSON object and nothing else:
{
  "action": "BUY",
  "symbol": "AAPL",
  "quantity": 10,
  "amount": 0,
  "reasoning": "why",
  "confidence": 70,
  "risk_assessment": "what can go wrong",
  "target_price": 160.0,
  "stop_loss": 145.0,
  "invalidation_condition": "close below 145"
}`

const finalAnswerPrompt = "Tool budget is exhausted. Reply now with your final decision as a single JSON object."

func BuildUserPrompt(dc *DecisionContext) string {
	var sb strings.Builder

	sb.WriteString("## Portfolio\n")
	roi := 0.0
	if dc.StartingValue > 0 {
		roi = (dc.AccountValue - dc.StartingValue) / dc.StartingValue * 100
	}
	sb.WriteString(fmt.Sprintf("Account value: $%.2f (ROI %+.2f%%) / Cash: $%.2f\n", dc.AccountValue, roi, dc.Cash))
	sb.WriteString(fmt.Sprintf("Limits: max %d positions, max $%.0f per trade\n\n", dc.MaxPositions, dc.MaxTradeUSD))

	if len(dc.Positions) > 0 {
		sb.WriteString("### Open positions\n")
		for _, p := range dc.Positions {
			sb.WriteString(fmt.Sprintf("- %s %s: %g @ entry %.2f, now %.2f, P&L %+.2f (%+.1f%%)\n",
				p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL(), p.UnrealizedPnLPercent()))
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("No open positions.\n\n")
	}

	sb.WriteString("## Markets\n")
	for _, class := range []storage.AssetClass{storage.AssetStock, storage.AssetETF, storage.AssetCrypto} {
		state := "closed"
		if dc.MarketOpen[class] {
			state = "open"
		}
		sb.WriteString(fmt.Sprintf("- %s: %s\n", class, state))
	}
	sb.WriteString("\n")

	symbols := make([]string, 0, len(dc.Snapshot.Quotes))
	for sym := range dc.Snapshot.Quotes {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	sb.WriteString(fmt.Sprintf("## Quotes (as of %s)\n", dc.Snapshot.FetchedAt.UTC().Format("2006-01-02 15:04 MST")))
	sb.WriteString("| Symbol | Class | Price | Change% | RSI14 |\n")
	sb.WriteString("|--------|-------|-------|---------|-------|\n")
	for _, sym := range symbols {
		q := dc.Snapshot.Quotes[sym]
		stale := ""
		if q.Stale {
			stale = " (stale)"
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %.2f%s | %+.2f | %.1f |\n",
			sym, q.AssetClass, q.Price, stale, q.ChangePercent, q.Indicators.RSI14))
	}

	if dc.Budget != nil {
		sb.WriteString(fmt.Sprintf("\nYou have %d tool calls available.", dc.Budget.Remaining()))
	}
	sb.WriteString("\nDecide and reply in JSON.")

	return sb.String()
}
