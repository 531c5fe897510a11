package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vpin_mm/internal/domain"
	"vpin_mm/internal/event"
	"vpin_mm/internal/infra"
)

// DefaultMaxTableLen bounds every table except order and orderBookL2.
const DefaultMaxTableLen = 200

var (
	marketTables  = []string{domain.TableInstrument, domain.TableTrade, domain.TableQuote, domain.TableOrderBook10}
	accountTables = []string{domain.TableMargin, domain.TablePosition, domain.TableOrder}
)

// Mirror is the local replica of the exchange's realtime tables.
// Apply is called from a single goroutine (the Sequencer); every read
// accessor takes the read lock and returns copies.
type Mirror struct {
	mu     sync.RWMutex
	tables map[string]*table

	symbol  string
	maxLen  int
	ticks   domain.TickSink
	onExec  domain.ExecutionHandler
	now     func() time.Time
	metrics *infra.Metrics
	logger  *slog.Logger
}

// MirrorOption customises a Mirror.
type MirrorOption func(*Mirror)

// WithTickSink forwards trade inserts of the tracked symbol to sink.
func WithTickSink(sink domain.TickSink) MirrorOption {
	return func(m *Mirror) { m.ticks = sink }
}

// WithExecutionHandler is told about every fill detected on the order table.
func WithExecutionHandler(h domain.ExecutionHandler) MirrorOption {
	return func(m *Mirror) { m.onExec = h }
}

// WithClock overrides the receipt clock used when an event carries no receipt time.
func WithClock(now func() time.Time) MirrorOption {
	return func(m *Mirror) { m.now = now }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(metrics *infra.Metrics) MirrorOption {
	return func(m *Mirror) { m.metrics = metrics }
}

// NewMirror creates an empty mirror tracking symbol.
func NewMirror(symbol string, maxLen int, opts ...MirrorOption) *Mirror {
	if maxLen <= 0 {
		maxLen = DefaultMaxTableLen
	}
	m := &Mirror{
		tables:  make(map[string]*table),
		symbol:  symbol,
		maxLen:  maxLen,
		now:     time.Now,
		metrics: infra.GlobalMetrics,
		logger:  slog.Default().With("module", "mirror"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type tick struct {
	seconds int64
	price   float64
	dir     int
	volume  float64
}

// Apply mutates the tables according to one stream frame.
// Row-level problems are logged and skipped; only an unknown action is an error.
func (m *Mirror) Apply(ev *event.TableEvent) error {
	var (
		ticks []tick
		execs []domain.ExecutionRecord
		err   error
	)

	m.mu.Lock()
	switch ev.Action {
	case event.ActionReset:
		m.tables = make(map[string]*table)
	case event.ActionPartial:
		m.applyPartial(ev)
	case event.ActionInsert:
		ticks = m.applyInsert(ev)
	case event.ActionUpdate:
		execs = m.applyUpdate(ev)
	case event.ActionDelete:
		m.applyDelete(ev)
	default:
		err = fmt.Errorf("%w: %q on table %q", domain.ErrUnknownAction, ev.Action, ev.Table)
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if ev.Table != "" {
		m.metrics.StreamEvents.WithLabelValues(ev.Table, ev.Action).Inc()
	}

	if m.ticks != nil {
		for _, t := range ticks {
			m.ticks.OnTick(t.seconds, t.price, t.dir, t.volume)
		}
	}
	for _, rec := range execs {
		m.metrics.Executions.WithLabelValues(rec.Side).Inc()
		if m.onExec != nil {
			m.onExec.OnExecution(rec)
		}
	}
	return nil
}

func (m *Mirror) tableFor(name string) *table {
	t, ok := m.tables[name]
	if !ok {
		t = newTable(name)
		m.tables[name] = t
	}
	return t
}

// validRows drops rows that do not decode into the table's typed shape.
func (m *Mirror) validRows(name string, rows []domain.Record) []domain.Record {
	out := rows[:0:0]
	for _, row := range rows {
		if err := domain.ValidateRow(name, row); err != nil {
			m.logger.Warn("Dropping malformed row", slog.String("table", name), slog.Any("error", err))
			continue
		}
		out = append(out, row)
	}
	return out
}

func (m *Mirror) applyPartial(ev *event.TableEvent) {
	m.logger.Debug("partial", slog.String("table", ev.Table), slog.Int("rows", len(ev.Rows)))
	t := m.tableFor(ev.Table)
	t.setKeys(ev.Keys)
	for _, row := range m.validRows(ev.Table, ev.Rows) {
		t.upsert(row)
	}
}

func (m *Mirror) applyInsert(ev *event.TableEvent) []tick {
	t := m.tableFor(ev.Table)
	rows := m.validRows(ev.Table, ev.Rows)
	for _, row := range rows {
		t.upsert(row)
	}

	var ticks []tick
	if ev.Table == domain.TableTrade {
		received := ev.ReceivedAt
		if received.IsZero() {
			received = m.now()
		}
		for _, row := range rows {
			if row.Str("symbol") != m.symbol {
				continue
			}
			price, okPrice := row.Float("price")
			size, okSize := row.Float("size")
			if !okPrice || !okSize {
				continue
			}
			dir := -1
			if row.Str("side") == domain.SideBuy {
				dir = 1
			}
			ticks = append(ticks, tick{seconds: received.Unix(), price: price, dir: dir, volume: size})
		}
	}

	if ev.Table != domain.TableOrder && ev.Table != domain.TableOrderBookL2 && len(t.rows) > m.maxLen {
		t.truncate(m.maxLen / 2)
	}
	return ticks
}

func (m *Mirror) applyUpdate(ev *event.TableEvent) []domain.ExecutionRecord {
	t := m.tableFor(ev.Table)
	var execs []domain.ExecutionRecord

	for _, upd := range m.validRows(ev.Table, ev.Rows) {
		item, pos, ok := t.find(upd)
		if !ok {
			// Arrived before the partial or for a row we already dropped.
			m.logger.Debug("update without match", slog.String("table", ev.Table))
			m.metrics.DroppedUpdates.WithLabelValues(ev.Table).Inc()
			continue
		}

		if ev.Table == domain.TableOrder {
			if rec, filled := m.detectExecution(item, upd, ev.ReceivedAt); filled {
				execs = append(execs, rec)
			}
		}

		item.Merge(upd)

		if ev.Table == domain.TableOrder {
			if leaves, ok := item.Float("leavesQty"); ok && leaves <= 0 {
				t.removeAt(pos)
			}
		}
	}
	return execs
}

// detectExecution compares the incoming cumQty against the stored one.
func (m *Mirror) detectExecution(item, upd domain.Record, at time.Time) (domain.ExecutionRecord, bool) {
	if upd.Str("ordStatus") == domain.OrderStatusCanceled {
		return domain.ExecutionRecord{}, false
	}
	newCum, ok := upd.Float("cumQty")
	if !ok {
		return domain.ExecutionRecord{}, false
	}
	oldCum, _ := item.Float("cumQty")
	executed := newCum - oldCum
	if executed <= 0 {
		return domain.ExecutionRecord{}, false
	}

	symbol := item.Str("symbol")
	price, _ := item.Float("price")
	priceStr := fmt.Sprint(price)
	if inst, err := m.instrumentLocked(symbol); err == nil {
		priceStr = inst.FormatPrice(price)
	}
	m.logger.Info(fmt.Sprintf("Execution: %s %v Contracts of %s at %s", item.Str("side"), executed, symbol, priceStr))

	if at.IsZero() {
		at = m.now()
	}
	return domain.ExecutionRecord{
		OrderID:    item.Str("orderID"),
		ClOrdID:    item.Str("clOrdID"),
		Symbol:     symbol,
		Side:       item.Str("side"),
		Qty:        executed,
		Price:      price,
		CumQty:     newCum,
		ExecutedAt: at,
	}, true
}

func (m *Mirror) applyDelete(ev *event.TableEvent) {
	t := m.tableFor(ev.Table)
	for _, row := range ev.Rows {
		_, pos, ok := t.find(row)
		if !ok {
			m.metrics.DroppedUpdates.WithLabelValues(ev.Table).Inc()
			continue
		}
		t.removeAt(pos)
	}
}

// ======================================================================================
// Readiness
// ======================================================================================

// HasMarketData reports whether instrument, trade, quote and orderBook10 arrived.
func (m *Mirror) HasMarketData() bool {
	return m.hasAll(marketTables)
}

// HasAccountData reports whether margin, position and order arrived.
func (m *Mirror) HasAccountData() bool {
	return m.hasAll(accountTables)
}

func (m *Mirror) hasAll(names []string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range names {
		if _, ok := m.tables[n]; !ok {
			return false
		}
	}
	return true
}

// HasTable reports whether any frame for name was seen.
func (m *Mirror) HasTable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tables[name]
	return ok
}

// ======================================================================================
// Reads (copies)
// ======================================================================================

// Records returns a copy of every row of a table.
func (m *Mirror) Records(name string) []domain.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[name]
	if !ok {
		return nil
	}
	return t.snapshot()
}

// Keys returns the key fields announced by the table's partial.
func (m *Mirror) Keys(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[name]
	if !ok {
		return nil
	}
	return append([]string(nil), t.keys...)
}

// Instrument returns the instrument row for symbol.
func (m *Mirror) Instrument(symbol string) (domain.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instrumentLocked(symbol)
}

func (m *Mirror) instrumentLocked(symbol string) (domain.Instrument, error) {
	t, ok := m.tables[domain.TableInstrument]
	if ok {
		for _, row := range t.rows {
			if row.Str("symbol") != symbol {
				continue
			}
			var inst domain.Instrument
			if err := row.Decode(&inst); err != nil {
				return domain.Instrument{}, fmt.Errorf("decode instrument %s: %w", symbol, err)
			}
			return inst, nil
		}
	}
	return domain.Instrument{}, fmt.Errorf("%w: %s", domain.ErrInstrumentNotFound, symbol)
}

// Orders returns every order row.
func (m *Mirror) Orders() []domain.Order {
	return decodeRows[domain.Order](m, domain.TableOrder)
}

// Positions returns every position row.
func (m *Mirror) Positions() []domain.Position {
	return decodeRows[domain.Position](m, domain.TablePosition)
}

// Margins returns every margin row.
func (m *Mirror) Margins() []domain.Margin {
	return decodeRows[domain.Margin](m, domain.TableMargin)
}

// Trades returns the retained trade rows, oldest first.
func (m *Mirror) Trades() []domain.Trade {
	return decodeRows[domain.Trade](m, domain.TableTrade)
}

// OrderBook returns the orderBook10 row for symbol.
func (m *Mirror) OrderBook(symbol string) (domain.OrderBook, bool) {
	for _, b := range decodeRows[domain.OrderBook](m, domain.TableOrderBook10) {
		if b.Symbol == symbol {
			return b, true
		}
	}
	return domain.OrderBook{}, false
}

func decodeRows[T any](m *Mirror, name string) []T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[name]
	if !ok {
		return nil
	}
	out := make([]T, 0, len(t.rows))
	for _, row := range t.rows {
		var v T
		if err := row.Decode(&v); err != nil {
			m.logger.Warn("Skipping undecodable row", slog.String("table", name), slog.Any("error", err))
			continue
		}
		out = append(out, v)
	}
	return out
}
