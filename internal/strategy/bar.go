package strategy

import (
	"math"
)

// Bar is one volume bucket of trade activity.
// Buy* fields count buy-initiated ticks (direction +1), Sell* the rest.
type Bar struct {
	StartTime int64 `json:"start_time"` // unix seconds
	EndTime   int64 `json:"end_time"`

	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`

	TotalCount    int64   `json:"total_count"`
	TotalVolume   float64 `json:"total_volume"`
	TotalNotional float64 `json:"total_notional"`
	BuyCount      int64   `json:"buy_count"`
	BuyVolume     float64 `json:"buy_volume"`
	BuyNotional   float64 `json:"buy_notional"`
	SellCount     int64   `json:"sell_count"`
	SellVolume    float64 `json:"sell_volume"`
	SellNotional  float64 `json:"sell_notional"`

	PriceLong  float64 `json:"price_long"`
	PriceShort float64 `json:"price_short"`
	VpinLong   float64 `json:"vpin_long"`
	VpinShort  float64 `json:"vpin_short"`

	BounceCount     int64   `json:"bounce_count"`
	BounceDirection int     `json:"bounce_direction"` // +1 last extreme was a high, -1 a low
	BouncePrice     float64 `json:"bounce_price"`
	BounceLong      float64 `json:"bounce_long"`
	BounceShort     float64 `json:"bounce_short"`
}

// newBar opens a bucket at the tick's time truncated to a multiple of units.
func newBar(seconds int64, price, units float64) Bar {
	start := int64(math.Trunc(float64(seconds)/units) * units)
	return Bar{
		StartTime:  start,
		EndTime:    start,
		Open:       price,
		High:       price,
		Low:        price,
		Close:      price,
		PriceLong:  price,
		PriceShort: price,
	}
}

// Imbalance is the raw order-flow imbalance of the bar in percent of units.
func (b *Bar) Imbalance(units float64) float64 {
	return (b.BuyVolume - b.SellVolume) / units * 100.0
}

// add folds one volume slice into the raw fields.
func (b *Bar) add(seconds int64, price float64, dir int, volume float64) {
	b.EndTime = seconds

	if b.High < price {
		b.High = price
	}
	if b.Low > price {
		b.Low = price
	}
	b.Close = price

	notional := price * volume
	b.TotalVolume += volume
	b.TotalNotional += notional
	b.TotalCount++
	if dir == 1 {
		b.BuyCount++
		b.BuyVolume += volume
		b.BuyNotional += notional
	} else {
		b.SellCount++
		b.SellVolume += volume
		b.SellNotional += notional
	}

	switch {
	case price > b.BouncePrice:
		b.BounceCount++
		b.BouncePrice = price
		b.BounceDirection = 1
	case price < b.BouncePrice:
		b.BounceCount--
		b.BouncePrice = price
		b.BounceDirection = -1
	}
}

// seed sets the smoothed fields to the bar's own raw values.
func (b *Bar) seed(units float64) {
	imb := b.Imbalance(units)
	b.PriceLong = b.Close
	b.PriceShort = b.Close
	b.VpinLong = imb
	b.VpinShort = imb
	b.BounceLong = float64(b.BounceCount)
	b.BounceShort = float64(b.BounceCount)
}

// blend smooths the raw values against the previous bar.
func (b *Bar) blend(prev *Bar, units, longAlpha, shortAlpha float64) {
	imb := b.Imbalance(units)
	bounce := float64(b.BounceCount)

	b.PriceLong = ewma(prev.PriceLong, b.Close, longAlpha)
	b.PriceShort = ewma(prev.PriceShort, b.Close, shortAlpha)
	b.VpinLong = ewma(prev.VpinLong, imb, longAlpha)
	b.VpinShort = ewma(prev.VpinShort, imb, shortAlpha)
	b.BounceLong = ewma(prev.BounceLong, bounce, longAlpha)
	b.BounceShort = ewma(prev.BounceShort, bounce, shortAlpha)
}

func ewma(prev, raw, alpha float64) float64 {
	return (1-alpha)*prev + alpha*raw
}
