package domain

// Order sides and statuses as spelled by the exchange.
const (
	SideBuy  = "Buy"
	SideSell = "Sell"

	OrderStatusNew             = "New"
	OrderStatusPartiallyFilled = "PartiallyFilled"
	OrderStatusFilled          = "Filled"
	OrderStatusCanceled        = "Canceled"

	// ExecInstPostOnly keeps every order on the maker side of the book.
	ExecInstPostOnly = "ParticipateDoNotInitiate"
)

// Order is the typed view of an "order" row, also used as a REST response.
type Order struct {
	OrderID   string  `json:"orderID"`
	ClOrdID   string  `json:"clOrdID"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	OrderQty  float64 `json:"orderQty"`
	Price     float64 `json:"price"`
	LeavesQty float64 `json:"leavesQty"`
	CumQty    float64 `json:"cumQty"`
	OrdStatus string  `json:"ordStatus"`
	ExecInst  string  `json:"execInst"`
	Text      string  `json:"text,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// IsOpen checks if the order is still resting.
func (o *Order) IsOpen() bool {
	return o.LeavesQty > 0
}

// OrderRequest is one order in a place / bulk-create / bulk-amend call.
// Quantity is signed on creation: negative sells.
type OrderRequest struct {
	OrderID  string  `json:"orderID,omitempty"`
	ClOrdID  string  `json:"clOrdID,omitempty"`
	Symbol   string  `json:"symbol,omitempty"`
	Side     string  `json:"side,omitempty"`
	OrderQty float64 `json:"orderQty,omitempty"`
	Price    float64 `json:"price,omitempty"`
	ExecInst string  `json:"execInst,omitempty"`
}

// Position is the typed view of a "position" row.
type Position struct {
	Symbol          string  `json:"symbol"`
	Account         int64   `json:"account,omitempty"`
	Currency        string  `json:"currency,omitempty"`
	CurrentQty      float64 `json:"currentQty"`
	MarkPrice       float64 `json:"markPrice"`
	AvgEntryPrice   float64 `json:"avgEntryPrice"`
	MarginCallPrice float64 `json:"marginCallPrice"`
	Leverage        float64 `json:"leverage,omitempty"`
	IsOpen          bool    `json:"isOpen,omitempty"`
}

// Margin is the typed view of a "margin" row. Amounts are in satoshis (XBt).
type Margin struct {
	Account         int64   `json:"account"`
	Currency        string  `json:"currency"`
	WalletBalance   float64 `json:"walletBalance"`
	MarginBalance   float64 `json:"marginBalance"`
	AvailableMargin float64 `json:"availableMargin"`
	MarginLeverage  float64 `json:"marginLeverage"`
	Amount          float64 `json:"amount"`
}

// SatoshisPerXBT converts XBt amounts to XBT.
const SatoshisPerXBT = 100_000_000
