package engine

import (
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"vpin_mm/internal/domain"
	"vpin_mm/internal/event"
	"vpin_mm/internal/infra"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedTick struct {
	seconds int64
	price   float64
	dir     int
	volume  float64
}

type tickRecorder struct{ ticks []recordedTick }

func (r *tickRecorder) OnTick(seconds int64, price float64, dir int, volume float64) bool {
	r.ticks = append(r.ticks, recordedTick{seconds, price, dir, volume})
	return false
}

type execRecorder struct{ recs []domain.ExecutionRecord }

func (r *execRecorder) OnExecution(rec domain.ExecutionRecord) { r.recs = append(r.recs, rec) }

func newTestMirror(t *testing.T, opts ...MirrorOption) (*Mirror, *infra.Metrics) {
	t.Helper()
	metrics := infra.NewMetrics(prometheus.NewRegistry())
	opts = append([]MirrorOption{WithMetrics(metrics)}, opts...)
	return NewMirror("XBTUSD", 10, opts...), metrics
}

func frame(t *testing.T, table, action string, keys []string, rows string) *event.TableEvent {
	t.Helper()
	recs, err := domain.DecodeRecords([]byte(rows))
	require.NoError(t, err)
	return &event.TableEvent{Table: table, Action: action, Keys: keys, Rows: recs}
}

func apply(t *testing.T, m *Mirror, ev *event.TableEvent) {
	t.Helper()
	require.NoError(t, m.Apply(ev))
}

func TestMirror_OrderFilledIsRemoved(t *testing.T) {
	m, _ := newTestMirror(t)

	apply(t, m, frame(t, "order", event.ActionPartial, []string{"orderID"},
		`[{"orderID":"o1","clOrdID":"mm_bitmex_a","symbol":"XBTUSD","side":"Buy","orderQty":100,"price":7000,"leavesQty":100,"cumQty":0}]`))
	require.Len(t, m.Orders(), 1)

	apply(t, m, frame(t, "order", event.ActionUpdate, nil, `[{"orderID":"o1","leavesQty":0}]`))

	assert.Empty(t, m.Orders())
	assert.True(t, m.HasTable("order"))
}

func TestMirror_UpdateMergesAndDropsUnknown(t *testing.T) {
	m, metrics := newTestMirror(t)

	// Update before partial: no keys yet, dropped.
	apply(t, m, frame(t, "position", event.ActionUpdate, nil, `[{"symbol":"XBTUSD","currentQty":5}]`))
	assert.Empty(t, m.Positions())

	apply(t, m, frame(t, "position", event.ActionPartial, []string{"account", "symbol", "currency"},
		`[{"account":1,"symbol":"XBTUSD","currency":"XBt","currentQty":10,"markPrice":7000}]`))
	apply(t, m, frame(t, "position", event.ActionUpdate, nil,
		`[{"account":1,"symbol":"XBTUSD","currency":"XBt","currentQty":25},{"account":2,"symbol":"XBTUSD","currency":"XBt","currentQty":1}]`))

	positions := m.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, 25.0, positions[0].CurrentQty)
	assert.Equal(t, 7000.0, positions[0].MarkPrice, "untouched fields survive a shallow merge")
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.DroppedUpdates.WithLabelValues("position")))
}

func TestMirror_NumericKeysMatchAcrossSpellings(t *testing.T) {
	m, metrics := newTestMirror(t)
	keys := []string{"symbol", "id", "side"}

	apply(t, m, frame(t, domain.TableOrderBookL2, event.ActionPartial, keys,
		`[{"symbol":"XBTUSD","id":8799000,"side":"Sell","size":10}]`))
	apply(t, m, frame(t, domain.TableOrderBookL2, event.ActionUpdate, nil,
		`[{"symbol":"XBTUSD","id":8799000.0,"side":"Sell","size":30}]`))

	rows := m.Records(domain.TableOrderBookL2)
	require.Len(t, rows, 1)
	size, ok := rows[0].Float("size")
	require.True(t, ok)
	assert.Equal(t, 30.0, size)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.DroppedUpdates.WithLabelValues(domain.TableOrderBookL2)))

	apply(t, m, frame(t, domain.TableOrderBookL2, event.ActionDelete, nil,
		`[{"symbol":"XBTUSD","id":8.799e6,"side":"Sell"}]`))
	assert.Empty(t, m.Records(domain.TableOrderBookL2))
}

func TestKeyPart(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{json.Number("1"), "1"},
		{json.Number("1.0"), "1"},
		{json.Number("1e0"), "1"},
		{1.0, "1"},
		{int64(1), "1"},
		{json.Number("10000.5"), "10000.5"},
		{"XBTUSD", "XBTUSD"},
		{true, "true"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, keyPart(tt.in), "%v", tt.in)
	}
}

func TestMirror_DeleteToleratesMiss(t *testing.T) {
	m, _ := newTestMirror(t)

	apply(t, m, frame(t, "order", event.ActionPartial, []string{"orderID"},
		`[{"orderID":"a","leavesQty":1},{"orderID":"b","leavesQty":1}]`))
	apply(t, m, frame(t, "order", event.ActionDelete, nil, `[{"orderID":"a"},{"orderID":"zzz"}]`))

	rows := m.Records("order")
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0].Str("orderID"))
}

func TestMirror_InsertUpsertsOnExistingKey(t *testing.T) {
	m, _ := newTestMirror(t)

	apply(t, m, frame(t, "instrument", event.ActionPartial, []string{"symbol"},
		`[{"symbol":"XBTUSD","tickSize":0.5,"state":"Open"}]`))
	apply(t, m, frame(t, "instrument", event.ActionInsert, nil,
		`[{"symbol":"XBTUSD","state":"Closed"},{"symbol":"ETHUSD","tickSize":0.05}]`))

	rows := m.Records("instrument")
	require.Len(t, rows, 2)
	inst, err := m.Instrument("XBTUSD")
	require.NoError(t, err)
	assert.Equal(t, "Closed", inst.State)
	assert.Equal(t, 0.5, inst.TickSize)
}

func TestMirror_TradeInsertForwardsTicksWithReceiptTime(t *testing.T) {
	rec := &tickRecorder{}
	fixed := time.Unix(1_700_000_123, 0)
	m, _ := newTestMirror(t, WithTickSink(rec), WithClock(func() time.Time { return fixed }))

	apply(t, m, frame(t, "trade", event.ActionPartial, []string{}, `[]`))
	apply(t, m, frame(t, "trade", event.ActionInsert, nil, `[
		{"timestamp":"2017-01-01T00:00:00.000Z","symbol":"XBTUSD","side":"Buy","size":100,"price":7000},
		{"timestamp":"2017-01-01T00:00:00.000Z","symbol":"ETHUSD","side":"Buy","size":5,"price":300},
		{"timestamp":"2017-01-01T00:00:00.000Z","symbol":"XBTUSD","side":"Sell","size":20,"price":6999.5}
	]`))

	require.Len(t, rec.ticks, 2)
	assert.Equal(t, recordedTick{fixed.Unix(), 7000, 1, 100}, rec.ticks[0])
	assert.Equal(t, recordedTick{fixed.Unix(), 6999.5, -1, 20}, rec.ticks[1])
	assert.Len(t, m.Trades(), 3, "every symbol is mirrored, only the tracked one is forwarded")

	// Receipt time carried by the frame wins over the clock.
	received := time.Unix(1_700_000_500, 0)
	ev := frame(t, "trade", event.ActionInsert, nil, `[{"symbol":"XBTUSD","side":"Buy","size":1,"price":7001}]`)
	ev.ReceivedAt = received
	apply(t, m, ev)
	assert.Equal(t, received.Unix(), rec.ticks[2].seconds)
}

func TestMirror_Retention(t *testing.T) {
	m, _ := newTestMirror(t) // max len 10

	apply(t, m, frame(t, "trade", event.ActionPartial, []string{}, `[]`))
	apply(t, m, frame(t, "order", event.ActionPartial, []string{"orderID"}, `[]`))
	for i := 0; i < 11; i++ {
		apply(t, m, frame(t, "trade", event.ActionInsert, nil,
			fmt.Sprintf(`[{"symbol":"ETHUSD","side":"Buy","size":1,"price":%d}]`, i)))
		apply(t, m, frame(t, "order", event.ActionInsert, nil,
			fmt.Sprintf(`[{"orderID":"o%d","leavesQty":1}]`, i)))
	}

	trades := m.Trades()
	require.Len(t, trades, 5)
	assert.Equal(t, 6.0, trades[0].Price, "newest half is kept")
	assert.Equal(t, 10.0, trades[4].Price)

	assert.Len(t, m.Orders(), 11, "orders are never truncated")
}

func TestMirror_ExecutionDetection(t *testing.T) {
	execs := &execRecorder{}
	m, metrics := newTestMirror(t, WithExecutionHandler(execs))

	apply(t, m, frame(t, "instrument", event.ActionPartial, []string{"symbol"}, `[{"symbol":"XBTUSD","tickSize":0.5}]`))
	apply(t, m, frame(t, "order", event.ActionPartial, []string{"orderID"},
		`[{"orderID":"o1","clOrdID":"mm_1","symbol":"XBTUSD","side":"Sell","orderQty":100,"price":7000.5,"leavesQty":100,"cumQty":0}]`))

	apply(t, m, frame(t, "order", event.ActionUpdate, nil, `[{"orderID":"o1","cumQty":40,"leavesQty":60}]`))
	// No progress: not an execution.
	apply(t, m, frame(t, "order", event.ActionUpdate, nil, `[{"orderID":"o1","cumQty":40}]`))
	// Canceled: not an execution even if cumQty moved.
	apply(t, m, frame(t, "order", event.ActionUpdate, nil, `[{"orderID":"o1","cumQty":50,"ordStatus":"Canceled","leavesQty":0}]`))

	require.Len(t, execs.recs, 1)
	got := execs.recs[0]
	assert.Equal(t, "o1", got.OrderID)
	assert.Equal(t, "Sell", got.Side)
	assert.Equal(t, 40.0, got.Qty)
	assert.Equal(t, 7000.5, got.Price)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Executions.WithLabelValues("Sell")))
	assert.Empty(t, m.Orders())
}

func TestMirror_Readiness(t *testing.T) {
	m, _ := newTestMirror(t)
	assert.False(t, m.HasMarketData())
	assert.False(t, m.HasAccountData())

	for _, name := range []string{"instrument", "trade", "quote"} {
		apply(t, m, frame(t, name, event.ActionPartial, []string{}, `[]`))
	}
	assert.False(t, m.HasMarketData())
	apply(t, m, frame(t, "orderBook10", event.ActionPartial, []string{"symbol"}, `[]`))
	assert.True(t, m.HasMarketData())

	for _, name := range []string{"margin", "position", "order"} {
		apply(t, m, frame(t, name, event.ActionPartial, []string{}, `[]`))
	}
	assert.True(t, m.HasAccountData())

	apply(t, m, &event.TableEvent{Action: event.ActionReset})
	assert.False(t, m.HasMarketData())
	assert.False(t, m.HasAccountData())
}

func TestMirror_UnknownAction(t *testing.T) {
	m, _ := newTestMirror(t)
	err := m.Apply(&event.TableEvent{Table: "order", Action: "upsert"})
	assert.True(t, errors.Is(err, domain.ErrUnknownAction))
}

func TestMirror_MalformedRowDropped(t *testing.T) {
	m, _ := newTestMirror(t)
	apply(t, m, frame(t, "order", event.ActionPartial, []string{"orderID"},
		`[{"orderID":"ok","price":1,"leavesQty":1},{"orderID":"bad","price":"x"}]`))

	rows := m.Records("order")
	require.Len(t, rows, 1)
	assert.Equal(t, "ok", rows[0].Str("orderID"))
}

func TestMirror_ReadsAreCopies(t *testing.T) {
	m, _ := newTestMirror(t)
	apply(t, m, frame(t, "margin", event.ActionPartial, []string{"account", "currency"},
		`[{"account":1,"currency":"XBt","walletBalance":100}]`))

	rows := m.Records("margin")
	rows[0]["walletBalance"] = 0

	margins := m.Margins()
	require.Len(t, margins, 1)
	assert.Equal(t, 100.0, margins[0].WalletBalance)
	assert.Equal(t, []string{"account", "currency"}, m.Keys("margin"))
}

func TestMirror_OrderBook(t *testing.T) {
	m, _ := newTestMirror(t)
	apply(t, m, frame(t, "orderBook10", event.ActionPartial, []string{"symbol"},
		`[{"symbol":"XBTUSD","bids":[[7000,10],[6999.5,5]],"asks":[[7000.5,3]]}]`))
	apply(t, m, frame(t, "orderBook10", event.ActionUpdate, nil,
		`[{"symbol":"XBTUSD","asks":[[7000.5,8],[7001,2]]}]`))

	book, ok := m.OrderBook("XBTUSD")
	require.True(t, ok)
	assert.Equal(t, 15.0, book.BidDepth())
	assert.Equal(t, 10.0, book.AskDepth())

	_, ok = m.OrderBook("ETHUSD")
	assert.False(t, ok)
}

// referenceModel replays the same operations on a plain map keyed by orderID.
func TestMirror_MatchesReferenceModel(t *testing.T) {
	m, _ := newTestMirror(t)
	ref := map[string]float64{}

	ops := []struct {
		action string
		id     string
		qty    float64
	}{
		{event.ActionInsert, "a", 1},
		{event.ActionInsert, "b", 2},
		{event.ActionUpdate, "a", 5},
		{event.ActionDelete, "b", 0},
		{event.ActionUpdate, "c", 9}, // miss
		{event.ActionInsert, "c", 3},
		{event.ActionDelete, "zz", 0}, // miss
		{event.ActionUpdate, "c", 4},
	}

	apply(t, m, frame(t, "execution", event.ActionPartial, []string{"execID"}, `[]`))
	for _, op := range ops {
		row := fmt.Sprintf(`[{"execID":%q,"lastQty":%v}]`, op.id, op.qty)
		apply(t, m, frame(t, "execution", op.action, nil, row))
		switch op.action {
		case event.ActionInsert:
			ref[op.id] = op.qty
		case event.ActionUpdate:
			if _, ok := ref[op.id]; ok {
				ref[op.id] = op.qty
			}
		case event.ActionDelete:
			delete(ref, op.id)
		}
	}

	got := map[string]float64{}
	for _, r := range m.Records("execution") {
		q, _ := r.Float("lastQty")
		got[r.Str("execID")] = q
	}
	assert.Equal(t, ref, got)

	ids := make([]string, 0, len(got))
	for id := range got {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "c"}, ids)
}
