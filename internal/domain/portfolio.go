package domain

// FutureType classifies how a contract's value relates to its price.
type FutureType string

const (
	FutureQuanto  FutureType = "Quanto"
	FutureInverse FutureType = "Inverse"
	FutureLinear  FutureType = "Linear"
)

// FutureTypeOf derives the contract type from instrument flags.
func FutureTypeOf(inst Instrument) FutureType {
	switch {
	case inst.IsQuanto:
		return FutureQuanto
	case inst.IsInverse:
		return FutureInverse
	default:
		return FutureLinear
	}
}

// PortfolioItem is one contract's contribution to the portfolio delta.
type PortfolioItem struct {
	Symbol     string     `json:"symbol"`
	CurrentQty float64    `json:"currentQty"`
	FutureType FutureType `json:"futureType"`
	Multiplier float64    `json:"multiplier"`
	MarkPrice  float64    `json:"markPrice"`
	Spot       float64    `json:"spot"`
}

// Delta is the currency exposure of a portfolio valued at spot and at mark.
type Delta struct {
	Spot      float64 `json:"spot"`
	MarkPrice float64 `json:"mark_price"`
	Basis     float64 `json:"basis"`
}

// CalcDelta sums per-contract exposure. Inverse contracts with a zero spot or
// mark price contribute nothing on that side.
func CalcDelta(items []PortfolioItem) Delta {
	var d Delta
	for _, it := range items {
		switch it.FutureType {
		case FutureQuanto:
			d.Spot += it.CurrentQty * it.Multiplier * it.Spot
			d.MarkPrice += it.CurrentQty * it.Multiplier * it.MarkPrice
		case FutureInverse:
			if it.Spot != 0 {
				d.Spot += (it.Multiplier / it.Spot) * it.CurrentQty
			}
			if it.MarkPrice != 0 {
				d.MarkPrice += (it.Multiplier / it.MarkPrice) * it.CurrentQty
			}
		case FutureLinear:
			d.Spot += it.Multiplier * it.CurrentQty
			d.MarkPrice += it.Multiplier * it.CurrentQty
		}
	}
	d.Basis = d.MarkPrice - d.Spot
	return d
}
