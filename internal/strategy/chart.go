package strategy

import (
	"log/slog"
	"sync"
	"time"
)

// MaxBars is the number of bars a chart retains.
const MaxBars = 200

// DefaultUnits is the bar volume used when a chart is created with a
// non-positive one.
const DefaultUnits = 1_000_000

// HistoricalBar is one OHLCV row used for warm start. Timestamp is in
// milliseconds. Rows with a nil field are skipped.
type HistoricalBar struct {
	TimestampMs *int64
	Open        *float64
	High        *float64
	Low         *float64
	Close       *float64
	Volume      *float64
}

// Signal is the latest smoothed state read by the trading loop.
type Signal struct {
	StartTime   int64   `json:"start_time"`
	Close       float64 `json:"close"`
	VpinShort   float64 `json:"vpin_short"`
	VpinLong    float64 `json:"vpin_long"`
	BounceShort float64 `json:"bounce_short"`
	BounceLong  float64 `json:"bounce_long"`
}

// Chart turns a tick stream into volume bars.
// OnTick and LoadHistory must come from one goroutine; reads may come from any.
type Chart struct {
	mu         sync.RWMutex
	symbol     string
	units      float64
	longAlpha  float64
	shortAlpha float64
	bars       []Bar
}

// NewChart creates an empty chart. units is the volume per bar; the window
// sizes set the EWMA coefficients as 2/(N+1). Non-positive units fall back to
// DefaultUnits and windows below one are raised to one.
func NewChart(symbol string, units float64, longWindow, shortWindow int) *Chart {
	if !(units > 0) {
		slog.Warn("Invalid chart units, using default",
			slog.Float64("units", units), slog.Float64("default", DefaultUnits))
		units = DefaultUnits
	}
	longWindow = max(longWindow, 1)
	shortWindow = max(shortWindow, 1)
	return &Chart{
		symbol:     symbol,
		units:      units,
		longAlpha:  2.0 / (float64(longWindow) + 1.0),
		shortAlpha: 2.0 / (float64(shortWindow) + 1.0),
		bars:       make([]Bar, 0, MaxBars),
	}
}

// Units returns the volume per bar.
func (c *Chart) Units() float64 {
	return c.units
}

// OnTick consumes one trade. It returns true if at least one bar was opened.
func (c *Chart) OnTick(seconds int64, price float64, dir int, volume float64) bool {
	return c.Advance(seconds, price, dir, volume) > 0
}

// Advance consumes one trade and returns how many bars it opened. A large
// trade can fill and close several bars at once.
func (c *Chart) Advance(seconds int64, price float64, dir int, volume float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	opened := 0
	if len(c.bars) == 0 {
		c.openBar(seconds, price)
		opened++
	}

	remaining := volume
	for remaining > 0 {
		if c.bars[len(c.bars)-1].TotalVolume >= c.units {
			c.openBar(seconds, price)
			opened++
		}
		active := &c.bars[len(c.bars)-1]
		slice := remaining
		if room := c.units - active.TotalVolume; room < slice {
			slice = room
		}
		c.apply(seconds, price, dir, slice)
		remaining -= slice
	}

	// Finalising pass with the leftover (zero) volume.
	c.apply(seconds, price, dir, remaining)

	return opened
}

// openBar appends a bar, dropping the oldest when full. Only the bounce
// extreme and its direction carry over.
func (c *Chart) openBar(seconds int64, price float64) {
	if len(c.bars) >= MaxBars {
		copy(c.bars, c.bars[1:])
		c.bars = c.bars[:len(c.bars)-1]
	}

	bar := newBar(seconds, price, c.units)
	if n := len(c.bars); n > 0 {
		bar.BouncePrice = c.bars[n-1].BouncePrice
		bar.BounceDirection = c.bars[n-1].BounceDirection
	} else {
		bar.BouncePrice = price
	}
	c.bars = append(c.bars, bar)
}

func (c *Chart) apply(seconds int64, price float64, dir int, volume float64) {
	n := len(c.bars)
	active := &c.bars[n-1]
	active.add(seconds, price, dir, volume)

	if n > 2 {
		active.blend(&c.bars[n-2], c.units, c.longAlpha, c.shortAlpha)
	} else {
		active.seed(c.units)
	}
}

// LoadHistory replaces the chart with historical bars. Returns how many rows were used.
func (c *Chart) LoadHistory(rows []HistoricalBar) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bars = c.bars[:0]
	for _, r := range rows {
		if r.TimestampMs == nil || r.Open == nil || r.High == nil || r.Low == nil || r.Close == nil || r.Volume == nil {
			continue
		}
		c.openBar(*r.TimestampMs/1000, *r.Open)
		b := &c.bars[len(c.bars)-1]
		b.Open = *r.Open
		b.High = *r.High
		b.Low = *r.Low
		b.Close = *r.Close
		b.TotalVolume = *r.Volume
	}

	if n := len(c.bars); n > 0 {
		last := c.bars[n-1]
		slog.Info("Chart warm started",
			slog.String("symbol", c.symbol),
			slog.Int("bars", n),
			slog.String("last_start", time.Unix(last.StartTime, 0).UTC().Format(time.RFC3339)),
			slog.Float64("close", last.Close))
	}
	return len(c.bars)
}

// Len returns the number of bars.
func (c *Chart) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bars)
}

// Latest returns a copy of the active bar.
func (c *Chart) Latest() (Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.bars) == 0 {
		return Bar{}, false
	}
	return c.bars[len(c.bars)-1], true
}

// LastClosed returns a copy of the bar before the active one.
func (c *Chart) LastClosed() (Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.bars) < 2 {
		return Bar{}, false
	}
	return c.bars[len(c.bars)-2], true
}

// ClosedBars returns copies of the n most recent closed bars, oldest first.
// n is clamped to the number of closed bars retained.
func (c *Chart) ClosedBars(n int) []Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	closed := len(c.bars) - 1
	n = min(n, closed)
	if n <= 0 {
		return nil
	}
	out := make([]Bar, n)
	copy(out, c.bars[closed-n:closed])
	return out
}

// Bars returns a copy of every bar, oldest first.
func (c *Chart) Bars() []Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Bar, len(c.bars))
	copy(out, c.bars)
	return out
}

// Signal returns the smoothed values of the active bar.
func (c *Chart) Signal() (Signal, bool) {
	bar, ok := c.Latest()
	if !ok {
		return Signal{}, false
	}
	return Signal{
		StartTime:   bar.StartTime,
		Close:       bar.Close,
		VpinShort:   bar.VpinShort,
		VpinLong:    bar.VpinLong,
		BounceShort: bar.BounceShort,
		BounceLong:  bar.BounceLong,
	}, true
}
