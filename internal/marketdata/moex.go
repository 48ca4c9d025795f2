package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	moexBaseURL   = "https://iss.moex.com/iss"
	moexBoardPath = "/engines/stock/markets/shares/boards/TQBR/securities"
)

// MOEX serves Russian equities from the public ISS API (TQBR board).
type MOEX struct {
	client *resty.Client
}

func NewMOEX() *MOEX {
	return NewMOEXWithBaseURL(moexBaseURL)
}

func NewMOEXWithBaseURL(baseURL string) *MOEX {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &MOEX{client: client}
}

type issTable struct {
	Columns []string        `json:"columns"`
	Data    [][]interface{} `json:"data"`
}

func (t issTable) index(col string) int {
	for i, c := range t.Columns {
		if c == col {
			return i
		}
	}
	return -1
}

func (t issTable) float(row []interface{}, idx int) float64 {
	if idx < 0 || idx >= len(row) {
		return 0
	}
	return toFloat64(row[idx])
}

type issMarketResponse struct {
	Marketdata issTable `json:"marketdata"`
}

type issCandlesResponse struct {
	Candles issTable `json:"candles"`
}

func (m *MOEX) GetSnapshot(ctx context.Context, symbols []string) (Snapshot, error) {
	snap := Snapshot{Quotes: make(map[string]Quote, len(symbols)), FetchedAt: time.Now()}
	if len(symbols) == 0 {
		return snap, nil
	}

	var iss issMarketResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"iss.meta":           "off",
			"iss.only":           "marketdata",
			"securities":         strings.Join(symbols, ","),
			"marketdata.columns": "SECID,LAST,LASTCHANGE,LASTCHANGEPRCNT",
		}).
		SetResult(&iss).
		Get(moexBoardPath + ".json")
	if err != nil {
		return snap, fmt.Errorf("fetch MOEX marketdata: %w", err)
	}
	if resp.IsError() {
		return snap, fmt.Errorf("MOEX ISS returned status %d", resp.StatusCode())
	}

	table := iss.Marketdata
	secIdx, lastIdx := table.index("SECID"), table.index("LAST")
	chgIdx, pctIdx := table.index("LASTCHANGE"), table.index("LASTCHANGEPRCNT")
	if secIdx < 0 || lastIdx < 0 {
		return snap, fmt.Errorf("unexpected marketdata columns: %v", table.Columns)
	}

	for _, row := range table.Data {
		if secIdx >= len(row) {
			continue
		}
		ticker, _ := row[secIdx].(string)
		last := table.float(row, lastIdx)
		if ticker == "" || last == 0 {
			continue // приостановленные торги
		}
		snap.Quotes[ticker] = Quote{
			Symbol:        ticker,
			Price:         last,
			Change:        table.float(row, chgIdx),
			ChangePercent: table.float(row, pctIdx),
			AsOf:          snap.FetchedAt,
		}
	}
	return snap, nil
}

func (m *MOEX) GetCloses(ctx context.Context, symbol string, days int) ([]float64, error) {
	from := time.Now().AddDate(0, 0, -days).Format("2006-01-02")

	var iss issCandlesResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"iss.meta": "off",
			"interval": "24",
			"from":     from,
		}).
		SetResult(&iss).
		Get(fmt.Sprintf("%s/%s/candles.json", moexBoardPath, symbol))
	if err != nil {
		return nil, fmt.Errorf("fetch MOEX candles %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("MOEX candles %s returned status %d", symbol, resp.StatusCode())
	}

	closeIdx := iss.Candles.index("close")
	if closeIdx < 0 {
		return nil, fmt.Errorf("unexpected candles columns: %v", iss.Candles.Columns)
	}
	closes := make([]float64, 0, len(iss.Candles.Data))
	for _, row := range iss.Candles.Data {
		if c := iss.Candles.float(row, closeIdx); c > 0 {
			closes = append(closes, c)
		}
	}
	return closes, nil
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
