package domain

import (
	"context"
)

// ExchangeWorker defines the interface for exchange WebSocket connectors
type ExchangeWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// TickSink receives trade ticks for the tracked symbol.
// dir is +1 for buy-initiated and -1 otherwise.
type TickSink interface {
	OnTick(seconds int64, price float64, dir int, volume float64) bool
}

// ExecutionHandler is told about fills detected on the order table.
type ExecutionHandler interface {
	OnExecution(rec ExecutionRecord)
}

// CommandJournal persists write commands keyed by their idempotency token.
type CommandJournal interface {
	RecordCommand(rec *CommandRecord) error
	UpdateCommandStatus(clOrdID, status, errMsg string) error
}

// BarPublisher fans closed bars out to other processes.
type BarPublisher interface {
	PublishBar(symbol string, payload []byte) error
}
