package broker

import (
	"fmt"
	"sync"
)

type instrumentInfo struct {
	uid    string
	ticker string
	name   string
	lot    int64
}

// instrumentCache maps tickers and instrument UIDs both ways. Entries never
// expire; lot sizes change rarely enough for a process lifetime.
type instrumentCache struct {
	conn     *TinkoffClient
	byTick   sync.Map // ticker -> instrumentInfo
	byUIDMap sync.Map // uid -> instrumentInfo
}

func newInstrumentCache(conn *TinkoffClient) *instrumentCache {
	return &instrumentCache{conn: conn}
}

func (c *instrumentCache) store(info instrumentInfo) {
	c.byTick.Store(info.ticker, info)
	c.byUIDMap.Store(info.uid, info)
}

func (c *instrumentCache) byUID(uid string) (instrumentInfo, error) {
	if cached, ok := c.byUIDMap.Load(uid); ok {
		return cached.(instrumentInfo), nil
	}

	resp, err := c.conn.Client.NewInstrumentsServiceClient().InstrumentByUid(uid)
	if err != nil {
		return instrumentInfo{}, fmt.Errorf("instrument by uid %s: %w", uid, err)
	}
	inst := resp.GetInstrument()
	info := instrumentInfo{
		uid:    uid,
		ticker: inst.GetTicker(),
		name:   inst.GetName(),
		lot:    int64(inst.GetLot()),
	}
	if info.lot < 1 {
		info.lot = 1
	}
	c.store(info)
	return info, nil
}

func (c *instrumentCache) byTicker(ticker string) (instrumentInfo, error) {
	if cached, ok := c.byTick.Load(ticker); ok {
		return cached.(instrumentInfo), nil
	}

	resp, err := c.conn.Client.NewInstrumentsServiceClient().FindInstrument(ticker)
	if err != nil {
		return instrumentInfo{}, fmt.Errorf("find instrument %s: %w", ticker, err)
	}

	found := resp.GetInstruments()
	if len(found) == 0 {
		return instrumentInfo{}, fmt.Errorf("instrument not found: %s", ticker)
	}
	uid := found[0].GetUid()
	for _, inst := range found {
		if inst.GetTicker() == ticker && inst.GetApiTradeAvailableFlag() {
			uid = inst.GetUid()
			break
		}
	}
	return c.byUID(uid)
}
