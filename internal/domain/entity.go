package domain

import (
	"time"
)

// ExecutionRecord is a fill observed on the order stream
type ExecutionRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	OrderID    string    `gorm:"index" json:"order_id"`
	ClOrdID    string    `gorm:"index" json:"cl_ord_id"`
	Symbol     string    `gorm:"index" json:"symbol"`
	Side       string    `json:"side"`
	Qty        float64   `json:"qty"`   // Contracts filled by this update
	Price      float64   `json:"price"` // Order limit price
	CumQty     float64   `json:"cum_qty"`
	ExecutedAt time.Time `gorm:"index" json:"executed_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// CommandRecord tracks a write command by its idempotency token
type CommandRecord struct {
	ClOrdID   string    `gorm:"primaryKey" json:"cl_ord_id"`
	Verb      string    `json:"verb"`
	Path      string    `json:"path"`
	Symbol    string    `json:"symbol"`
	OrderQty  float64   `json:"order_qty"`
	Price     float64   `json:"price"`
	Status    string    `gorm:"index" json:"status"` // "sent", "ok", "recovered", "failed"
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Command journal statuses.
const (
	CommandSent      = "sent"
	CommandOK        = "ok"
	CommandRecovered = "recovered"
	CommandFailed    = "failed"
)
