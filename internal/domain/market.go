package domain

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Instrument states reported by the exchange.
const (
	InstrumentOpen = "Open"
)

// Instrument is the typed view of an "instrument" row.
type Instrument struct {
	Symbol                       string   `json:"symbol"`
	State                        string   `json:"state"`
	TickSize                     float64  `json:"tickSize"`
	Multiplier                   float64  `json:"multiplier"`
	UnderlyingToSettleMultiplier *float64 `json:"underlyingToSettleMultiplier"`
	QuoteToSettleMultiplier      *float64 `json:"quoteToSettleMultiplier"`
	IsQuanto                     bool     `json:"isQuanto"`
	IsInverse                    bool     `json:"isInverse"`
	InitMargin                   float64  `json:"initMargin"`
	MaintMargin                  float64  `json:"maintMargin"`
	MarkPrice                    *float64 `json:"markPrice"`
	LastPrice                    *float64 `json:"lastPrice"`
	BidPrice                     *float64 `json:"bidPrice"`
	AskPrice                     *float64 `json:"askPrice"`
	MidPrice                     *float64 `json:"midPrice"`
	IndicativeSettlePrice        *float64 `json:"indicativeSettlePrice"`
	Timestamp                    string   `json:"timestamp"`
}

// IsIndex reports whether the symbol names an index (".BXBT" and friends).
func (i Instrument) IsIndex() bool {
	return strings.HasPrefix(i.Symbol, ".")
}

// TickLog is the number of decimal places implied by the tick size.
func (i Instrument) TickLog() int32 {
	d, err := decimal.NewFromString(strconv.FormatFloat(i.TickSize, 'f', -1, 64))
	if err != nil {
		return 0
	}
	return -d.Exponent()
}

// Round rounds a price to the instrument's tick precision.
func (i Instrument) Round(price float64) float64 {
	f, _ := decimal.NewFromFloat(price).Round(i.TickLog()).Float64()
	return f
}

// FormatPrice renders a price with the instrument's tick precision.
func (i Instrument) FormatPrice(price float64) string {
	return decimal.NewFromFloat(price).StringFixed(i.TickLog())
}

// Cost is the settlement-currency value of qty contracts at price.
func (i Instrument) Cost(qty, price float64) float64 {
	var perContract float64
	if i.Multiplier >= 0 {
		perContract = i.Multiplier * price
	} else {
		perContract = i.Multiplier / price
	}
	return math.Abs(qty * perContract)
}

// MarginFor is the initial margin required for qty contracts at price.
func (i Instrument) MarginFor(qty, price float64) float64 {
	return i.Cost(qty, price) * i.InitMargin
}

// SettleMultiplier is the contract multiplier expressed in settlement units.
func (i Instrument) SettleMultiplier() float64 {
	if i.UnderlyingToSettleMultiplier != nil && *i.UnderlyingToSettleMultiplier != 0 {
		return i.Multiplier / *i.UnderlyingToSettleMultiplier
	}
	if i.QuoteToSettleMultiplier != nil && *i.QuoteToSettleMultiplier != 0 {
		return i.Multiplier / *i.QuoteToSettleMultiplier
	}
	return i.Multiplier
}

// Trade is the typed view of a "trade" row.
type Trade struct {
	Timestamp  string  `json:"timestamp"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	Price      float64 `json:"price"`
	TrdMatchID string  `json:"trdMatchID"`
}

// Quote is the typed view of a "quote" row.
type Quote struct {
	Timestamp string   `json:"timestamp"`
	Symbol    string   `json:"symbol"`
	BidSize   *float64 `json:"bidSize"`
	BidPrice  *float64 `json:"bidPrice"`
	AskPrice  *float64 `json:"askPrice"`
	AskSize   *float64 `json:"askSize"`
}

// OrderBook is the typed view of an "orderBook10" row.
// Each level is [price, size].
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      [][]float64 `json:"bids"`
	Asks      [][]float64 `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

// BidDepth sums resting size on the bid side.
func (b OrderBook) BidDepth() float64 {
	return sumLevels(b.Bids)
}

// AskDepth sums resting size on the ask side.
func (b OrderBook) AskDepth() float64 {
	return sumLevels(b.Asks)
}

func sumLevels(levels [][]float64) float64 {
	var total float64
	for _, lvl := range levels {
		if len(lvl) >= 2 {
			total += lvl[1]
		}
	}
	return total
}

// Ticker is best bid/ask/mid derived from an instrument row.
type Ticker struct {
	Last float64 `json:"last"`
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
	Mid  float64 `json:"mid"`
}

// TradeBin is one row of /trade/bucketed. Any field may be null for empty bins.
type TradeBin struct {
	Timestamp string   `json:"timestamp"`
	Symbol    string   `json:"symbol"`
	Open      *float64 `json:"open"`
	High      *float64 `json:"high"`
	Low       *float64 `json:"low"`
	Close     *float64 `json:"close"`
	Volume    *float64 `json:"volume"`
}
