package event

import (
	"sync"
	"time"

	"vpin_mm/internal/domain"
)

// Table actions carried by stream frames.
const (
	ActionPartial = "partial"
	ActionInsert  = "insert"
	ActionUpdate  = "update"
	ActionDelete  = "delete"

	// ActionReset is local only: the transport sends it after a reconnect so
	// that the mirror drops every table before the new partials arrive.
	ActionReset = "reset"
)

// TableEvent is one decoded table frame on its way to the mirror.
type TableEvent struct {
	Table      string
	Action     string
	Keys       []string
	Rows       []domain.Record
	ReceivedAt time.Time
}

// tableEventPool provides sync.Pool for high-frequency event allocation.
// Use this to reduce GC pressure in the hotpath.
//
// Usage:
//
//	ev := AcquireTableEvent()
//	ev.Table = "trade"
//	// ... use event ...
//	ReleaseTableEvent(ev)  // Return to pool after processing
var tableEventPool = sync.Pool{
	New: func() interface{} {
		return &TableEvent{}
	},
}

// AcquireTableEvent gets a TableEvent from the pool.
// The returned event has zero values and must be initialized.
func AcquireTableEvent() *TableEvent {
	return tableEventPool.Get().(*TableEvent)
}

// ReleaseTableEvent returns a TableEvent to the pool.
// Rows are handed to the mirror by reference, so the slices are dropped, not truncated.
func ReleaseTableEvent(ev *TableEvent) {
	if ev == nil {
		return
	}
	ev.Table = ""
	ev.Action = ""
	ev.Keys = nil
	ev.Rows = nil
	ev.ReceivedAt = time.Time{}

	tableEventPool.Put(ev)
}

// NewResetEvent builds the event that clears the mirror after a reconnect.
func NewResetEvent() *TableEvent {
	ev := AcquireTableEvent()
	ev.Action = ActionReset
	ev.ReceivedAt = time.Now()
	return ev
}

// Warmup pre-allocates event objects to reduce GC pressure at startup.
// It acquires and releases a batch of events.
func Warmup() {
	const batchSize = 256

	evs := make([]*TableEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquireTableEvent())
	}
	for _, ev := range evs {
		ReleaseTableEvent(ev)
	}
}
