package strategy_test

import (
	"testing"

	"vpin_mm/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buy  = 1
	sell = -1
)

func TestChart_ThreeTicksOneBar(t *testing.T) {
	c := strategy.NewChart("XBTUSD", 300, 30, 5)

	assert.True(t, c.OnTick(1000, 100, buy, 100), "first tick opens the first bar")
	assert.False(t, c.OnTick(1001, 101, sell, 100))
	assert.False(t, c.OnTick(1002, 99, buy, 100))

	require.Equal(t, 1, c.Len())
	bar, ok := c.Latest()
	require.True(t, ok)

	assert.Equal(t, 99.0, bar.Close)
	assert.Equal(t, 300.0, bar.TotalVolume)
	assert.Equal(t, 101.0, bar.High)
	assert.Equal(t, 99.0, bar.Low)
	assert.Equal(t, 100.0, bar.Open)
	assert.Equal(t, 200.0, bar.BuyVolume)
	assert.Equal(t, 100.0, bar.SellVolume)
	assert.Equal(t, int64(1002), bar.EndTime)
	assert.InDelta(t, 100*100+99*100, bar.BuyNotional, 1e-9)
}

func TestChart_StartTimeAlignedToUnits(t *testing.T) {
	c := strategy.NewChart("XBTUSD", 300, 30, 5)
	c.OnTick(1000, 100, buy, 1)

	bar, _ := c.Latest()
	assert.Equal(t, int64(900), bar.StartTime)
	assert.Equal(t, int64(1000), bar.EndTime)
}

func TestChart_ExactBucketOpensBarOnNextCall(t *testing.T) {
	c := strategy.NewChart("XBTUSD", 300, 30, 5)

	c.OnTick(1000, 100, buy, 300)
	require.Equal(t, 1, c.Len(), "a full bucket does not open the next bar by itself")

	assert.True(t, c.OnTick(1001, 100, sell, 50))
	require.Equal(t, 2, c.Len())

	bars := c.Bars()
	assert.Equal(t, 300.0, bars[0].TotalVolume)
	assert.Equal(t, 50.0, bars[1].TotalVolume)
}

func TestChart_VolumeConservation(t *testing.T) {
	c := strategy.NewChart("XBTUSD", 300, 30, 5)
	c.OnTick(1000, 100, buy, 100)

	before := totalVolume(c.Bars())
	assert.True(t, c.OnTick(1001, 101, sell, 1000))
	after := c.Bars()

	assert.Equal(t, 1000.0, totalVolume(after)-before)
	require.Len(t, after, 4)
	assert.Equal(t, []float64{300, 300, 300, 200}, volumes(after))
	for _, b := range after[1:] {
		assert.Equal(t, 0.0, b.BuyVolume)
	}
}

func TestChart_AdvanceCountsOpenedBars(t *testing.T) {
	c := strategy.NewChart("XBTUSD", 300, 30, 5)
	assert.Equal(t, 1, c.Advance(1000, 100, buy, 100))
	assert.Equal(t, 0, c.Advance(1001, 100, buy, 100))
	assert.Equal(t, 3, c.Advance(1002, 101, sell, 1000))

	closed := c.ClosedBars(3)
	require.Len(t, closed, 3)
	for _, b := range closed {
		assert.Equal(t, 300.0, b.TotalVolume)
	}
	assert.Equal(t, 200.0, closed[0].BuyVolume)
	assert.Equal(t, 300.0, closed[1].SellVolume)

	assert.Len(t, c.ClosedBars(10), 3, "clamped to the closed bars")
	assert.Nil(t, c.ClosedBars(0))
}

func TestChart_NonPositiveUnitsFallBack(t *testing.T) {
	for _, units := range []float64{0, -5} {
		c := strategy.NewChart("XBTUSD", units, 0, 0)
		assert.Equal(t, float64(strategy.DefaultUnits), c.Units())

		assert.True(t, c.OnTick(1000, 100, buy, 100))
		bar, ok := c.Latest()
		require.True(t, ok)
		assert.Equal(t, 100.0, bar.TotalVolume)
	}
}

func TestChart_SmoothedEqualsRawWithTwoBars(t *testing.T) {
	c := strategy.NewChart("XBTUSD", 300, 30, 5)
	c.OnTick(1000, 100, buy, 100)
	c.OnTick(1001, 101, sell, 100)
	c.OnTick(1002, 99, buy, 100)
	c.OnTick(1003, 98, sell, 30) // second bar

	for _, b := range c.Bars() {
		raw := b.Imbalance(300)
		assert.Equal(t, raw, b.VpinLong)
		assert.Equal(t, raw, b.VpinShort)
		assert.Equal(t, b.Close, b.PriceLong)
		assert.Equal(t, b.Close, b.PriceShort)
		assert.Equal(t, float64(b.BounceCount), b.BounceLong)
		assert.Equal(t, float64(b.BounceCount), b.BounceShort)
	}
}

func TestChart_BlendsFromThirdBar(t *testing.T) {
	// long alpha 0.5, short alpha 1
	c := strategy.NewChart("XBTUSD", 10, 3, 1)

	c.OnTick(1, 100, buy, 10)
	c.OnTick(2, 100, sell, 10)
	c.OnTick(3, 110, buy, 10)

	bars := c.Bars()
	require.Len(t, bars, 3)

	assert.Equal(t, 100.0, bars[0].VpinLong)
	assert.Equal(t, -100.0, bars[1].VpinLong)

	third := bars[2]
	assert.InDelta(t, 0, third.VpinLong, 1e-9)
	assert.InDelta(t, 100, third.VpinShort, 1e-9)
	assert.InDelta(t, 105, third.PriceLong, 1e-9)
	assert.InDelta(t, 110, third.PriceShort, 1e-9)
	assert.Equal(t, int64(1), third.BounceCount)
	assert.InDelta(t, 0.5, third.BounceLong, 1e-9)
	assert.InDelta(t, 1, third.BounceShort, 1e-9)
}

func TestChart_BounceTracking(t *testing.T) {
	c := strategy.NewChart("XBTUSD", 300, 30, 5)
	c.OnTick(1000, 100, buy, 100) // extreme seeded at 100
	c.OnTick(1001, 101, sell, 100)
	c.OnTick(1002, 99, buy, 100)

	bar, _ := c.Latest()
	assert.Equal(t, int64(0), bar.BounceCount)
	assert.Equal(t, -1, bar.BounceDirection)
	assert.Equal(t, 99.0, bar.BouncePrice)

	// Only the extreme and its direction carry into the next bar.
	c.OnTick(1003, 99, sell, 10)
	next, _ := c.Latest()
	assert.Equal(t, 99.0, next.BouncePrice)
	assert.Equal(t, -1, next.BounceDirection)
	assert.Equal(t, int64(0), next.BounceCount)
}

func TestChart_Retention(t *testing.T) {
	c := strategy.NewChart("XBTUSD", 1, 30, 5)
	for i := 0; i < strategy.MaxBars+5; i++ {
		c.OnTick(int64(i), 100, buy, 1)
	}

	bars := c.Bars()
	require.Len(t, bars, strategy.MaxBars)
	assert.Equal(t, int64(5), bars[0].StartTime)
	assert.Equal(t, int64(strategy.MaxBars+4), bars[len(bars)-1].StartTime)
}

func TestChart_LoadHistory(t *testing.T) {
	c := strategy.NewChart("XBTUSD", 300, 30, 5)
	c.OnTick(1000, 100, buy, 10)

	ts := func(v int64) *int64 { return &v }
	f := func(v float64) *float64 { return &v }

	n := c.LoadHistory([]strategy.HistoricalBar{
		{TimestampMs: ts(1_500_000), Open: f(10), High: f(12), Low: f(9), Close: f(11), Volume: f(300)},
		{TimestampMs: ts(1_800_000), Open: f(11), High: nil, Low: f(9), Close: f(11), Volume: f(300)},
		{TimestampMs: ts(2_100_000), Open: f(11), High: f(13), Low: f(10), Close: f(12), Volume: f(250)},
	})

	assert.Equal(t, 2, n)
	bars := c.Bars()
	require.Len(t, bars, 2)
	assert.Equal(t, int64(1500), bars[0].StartTime)
	assert.Equal(t, 12.0, bars[0].High)
	assert.Equal(t, 11.0, bars[0].Close)
	assert.Equal(t, 250.0, bars[1].TotalVolume)
	assert.Equal(t, int64(2100), bars[1].StartTime)

	// Live ticks continue from the loaded state.
	c.OnTick(2200, 12.5, buy, 50)
	require.Equal(t, 2, c.Len())
	last, _ := c.Latest()
	assert.Equal(t, 300.0, last.TotalVolume)
	assert.Equal(t, 12.5, last.Close)
}

func TestChart_Signal(t *testing.T) {
	c := strategy.NewChart("XBTUSD", 300, 30, 5)
	_, ok := c.Signal()
	assert.False(t, ok)
	_, ok = c.LastClosed()
	assert.False(t, ok)

	c.OnTick(1000, 100, buy, 150)
	sig, ok := c.Signal()
	require.True(t, ok)
	assert.InDelta(t, 50, sig.VpinShort, 1e-9)
	assert.Equal(t, 100.0, sig.Close)

	c.OnTick(1001, 100, sell, 200)
	closed, ok := c.LastClosed()
	require.True(t, ok)
	assert.Equal(t, 300.0, closed.TotalVolume)
}

func TestChart_ZeroVolumeTick(t *testing.T) {
	c := strategy.NewChart("XBTUSD", 300, 30, 5)
	assert.True(t, c.OnTick(1000, 100, buy, 0))

	bar, _ := c.Latest()
	assert.Equal(t, 0.0, bar.TotalVolume)
	assert.Equal(t, int64(1), bar.TotalCount)
}

func totalVolume(bars []strategy.Bar) float64 {
	var v float64
	for _, b := range bars {
		v += b.TotalVolume
	}
	return v
}

func volumes(bars []strategy.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.TotalVolume
	}
	return out
}
