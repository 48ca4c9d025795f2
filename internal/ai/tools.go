package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/camuig/arena-trader/internal/allocation"
)

const symbolParam = `{"type":"object","properties":{"symbol":{"type":"string","description":"Ticker, e.g. AAPL or BTC-USD"}},"required":["symbol"]}`
const noParams = `{"type":"object","properties":{}}`

var toolDefinitions = []openai.Tool{
	tool("get_quote", "Latest price and daily change for a symbol.", symbolParam),
	tool("get_indicators", "RSI14, SMA20, EMA12, EMA26 and MACD for a symbol.", symbolParam),
	tool("get_position", "Your open position in a symbol, if any.", symbolParam),
	tool("get_portfolio", "Cash, account value, positions and allocation by asset class.", noParams),
	tool("get_market_status", "Which asset classes can trade right now.", noParams),
}

func tool(name, description, params string) openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  json.RawMessage(params),
		},
	}
}

type symbolArgs struct {
	Symbol string `json:"symbol"`
}

// runTool answers a tool call from the decision context. Errors are returned
// to the model as JSON so it can recover.
func runTool(dc *DecisionContext, name, arguments string) string {
	result, err := dispatchTool(dc, name, arguments)
	if err != nil {
		return toJSON(map[string]string{"error": err.Error()})
	}
	return toJSON(result)
}

func dispatchTool(dc *DecisionContext, name, arguments string) (any, error) {
	var args symbolArgs
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %v", err)
		}
	}
	args.Symbol = strings.ToUpper(strings.TrimSpace(args.Symbol))

	switch name {
	case "get_quote":
		q, ok := dc.Snapshot.Quote(args.Symbol)
		if !ok {
			return nil, fmt.Errorf("no quote for %q", args.Symbol)
		}
		return map[string]any{
			"symbol":         q.Symbol,
			"name":           q.Name,
			"asset_class":    q.AssetClass,
			"price":          q.Price,
			"change":         q.Change,
			"change_percent": q.ChangePercent,
			"stale":          q.Stale,
		}, nil
	case "get_indicators":
		q, ok := dc.Snapshot.Quote(args.Symbol)
		if !ok {
			return nil, fmt.Errorf("no data for %q", args.Symbol)
		}
		return q.Indicators, nil
	case "get_position":
		p, ok := dc.Position(args.Symbol)
		if !ok {
			return map[string]any{"symbol": args.Symbol, "open": false}, nil
		}
		return map[string]any{
			"symbol":             p.Symbol,
			"open":               true,
			"side":               p.Side,
			"quantity":           p.Quantity,
			"entry_price":        p.EntryPrice,
			"current_price":      p.CurrentPrice,
			"unrealized_pnl":     p.UnrealizedPnL(),
			"unrealized_pnl_pct": p.UnrealizedPnLPercent(),
		}, nil
	case "get_portfolio":
		return map[string]any{
			"cash":          dc.Cash,
			"account_value": dc.AccountValue,
			"positions":     dc.Positions,
			"allocation":    allocation.Calculate(dc.Cash, dc.Positions),
		}, nil
	case "get_market_status":
		return dc.MarketOpen, nil
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"encode result"}`
	}
	return string(b)
}
