package marketdata

import (
	"time"

	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/storage"
)

var (
	newYork = loadLocation("America/New_York", -5)
	moscow  = loadLocation("Europe/Moscow", 3)
)

func loadLocation(name string, fallbackHours int) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.FixedZone(name, fallbackHours*60*60)
	}
	return loc
}

// USMarketOpen reports the NYSE regular session: 09:30-16:00 ET on weekdays.
// Exchange holidays are not modeled.
func USMarketOpen(t time.Time) bool {
	now := t.In(newYork)
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= 570 && minutes < 960
}

// MOEXOpen reports the MOEX main session: 10:00-18:50 MSK on weekdays.
func MOEXOpen(t time.Time) bool {
	now := t.In(moscow)
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= 600 && minutes <= 1130
}

// Clock answers market-open questions per asset class.
type Clock struct {
	Now    func() time.Time
	IsOpen func(t time.Time) bool // session for stock/etf
}

func NewUSClock() *Clock {
	return &Clock{Now: time.Now, IsOpen: USMarketOpen}
}

func NewMOEXClock() *Clock {
	return &Clock{Now: time.Now, IsOpen: MOEXOpen}
}

// ClockFromConfig follows the session of the exchange market data comes from.
func ClockFromConfig(cfg *config.Config) *Clock {
	if cfg.Market.Provider == "moex" {
		return NewMOEXClock()
	}
	return NewUSClock()
}

func (c *Clock) Open(class storage.AssetClass) bool {
	if class == storage.AssetCrypto {
		return true
	}
	return c.IsOpen(c.Now())
}

// AnyOpen reports whether at least one of the classes can trade now.
func (c *Clock) AnyOpen(classes []storage.AssetClass) bool {
	for _, cl := range classes {
		if c.Open(cl) {
			return true
		}
	}
	return false
}
