package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"vpin_mm/internal/domain"
	"vpin_mm/internal/engine"
	"vpin_mm/internal/event"
	"vpin_mm/internal/infra"
	"vpin_mm/internal/strategy"

	json "github.com/goccy/go-json"
)

// noOrderPrice stands in for the price of a missing best order.
const noOrderPrice = 1 << 32

// Commands is the REST surface the facade drives.
type Commands interface {
	PlaceOrder(ctx context.Context, qty, price float64) (domain.Order, error)
	CreateBulk(ctx context.Context, orders []domain.OrderRequest) ([]domain.Order, error)
	AmendBulk(ctx context.Context, orders []domain.OrderRequest) ([]domain.Order, error)
	Cancel(ctx context.Context, orderIDs ...string) ([]domain.Order, error)
	CancelBulk(ctx context.Context, orders []domain.Order) ([]domain.Order, error)
	OpenOrders(ctx context.Context) ([]domain.Order, error)
	TradeBucketed(ctx context.Context, binSize string, count int) ([]domain.TradeBin, error)
}

// Transport is the realtime connection feeding the mirror.
type Transport interface {
	domain.ExchangeWorker
	Exited() bool
}

// TransportFactory builds the transport once the facade owns an inbox.
type TransportFactory func(inbox chan<- *event.TableEvent, ready func() bool) Transport

// Option customises an Exchange.
type Option func(*Exchange)

// WithExecutionHandler receives fills detected by the mirror.
func WithExecutionHandler(h domain.ExecutionHandler) Option {
	return func(e *Exchange) { e.onExec = h }
}

// WithBarPublisher receives every closed bar as JSON.
func WithBarPublisher(p domain.BarPublisher) Option {
	return func(e *Exchange) { e.publisher = p }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *infra.Metrics) Option {
	return func(e *Exchange) { e.metrics = m }
}

// WithSleep replaces the pause between cancel attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Exchange) { e.sleep = sleep }
}

// Exchange is the single entry point of the trading loop: reads come from the
// mirror and chart, writes go through the command client.
type Exchange struct {
	symbol    string
	prefix    string
	contracts []string
	auth      bool
	binSize   string

	minPosition  float64
	maxPosition  float64
	minContracts float64

	restInterval  time.Duration
	errorInterval time.Duration

	mirror    *engine.Mirror
	seq       *engine.Sequencer
	chart     *strategy.Chart
	client    Commands
	transport Transport
	publisher domain.BarPublisher
	onExec    domain.ExecutionHandler
	metrics   *infra.Metrics
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExchange wires the mirror, sequencer and chart for cfg's symbol.
func NewExchange(cfg *infra.Config, client Commands, dial TransportFactory, opts ...Option) *Exchange {
	e := &Exchange{
		symbol:        cfg.BitMEX.Symbol,
		prefix:        cfg.BitMEX.OrderIDPrefix,
		contracts:     cfg.BitMEX.Contracts,
		auth:          cfg.BitMEX.WSAuth && cfg.BitMEX.APIKey != "" && cfg.BitMEX.APISecret != "",
		binSize:       cfg.Chart.BinSize,
		minPosition:   cfg.Risk.MinPosition,
		maxPosition:   cfg.Risk.MaxPosition,
		minContracts:  cfg.Risk.MinContracts,
		restInterval:  cfg.APIRestInterval(),
		errorInterval: cfg.APIErrorInterval(),
		chart:         strategy.NewChart(cfg.BitMEX.Symbol, cfg.Chart.Units, cfg.Chart.LongWindow, cfg.Chart.ShortWindow),
		client:        client,
		metrics:       infra.GlobalMetrics,
		logger:        slog.Default().With("module", "exchange"),
		sleep:         sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}

	mirrorOpts := []engine.MirrorOption{engine.WithTickSink(e), engine.WithMetrics(e.metrics)}
	if e.onExec != nil {
		mirrorOpts = append(mirrorOpts, engine.WithExecutionHandler(e.onExec))
	}
	e.mirror = engine.NewMirror(e.symbol, cfg.Stream.MaxTableLen, mirrorOpts...)
	e.seq = engine.NewSequencer(cfg.Stream.InboxSize, e.mirror)
	if dial != nil {
		e.transport = dial(e.seq.Inbox(), e.Ready)
	}
	return e
}

// ============================================================
// Lifecycle
// ============================================================

// Connect starts the sequencer and blocks until the transport is ready.
func (e *Exchange) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.seq.Run(runCtx)
	}()

	if e.transport == nil {
		return domain.ErrNotConnected
	}
	if err := e.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	return nil
}

// Ready reports whether the mirror holds every table Connect waits for.
func (e *Exchange) Ready() bool {
	if !e.mirror.HasMarketData() {
		return false
	}
	return !e.auth || e.mirror.HasAccountData()
}

// Close stops the transport and the sequencer.
func (e *Exchange) Close() {
	if e.transport != nil {
		e.transport.Disconnect()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// WarmStart seeds the chart with closed trade bins.
func (e *Exchange) WarmStart(ctx context.Context) (int, error) {
	bins, err := e.client.TradeBucketed(ctx, e.binSize, strategy.MaxBars)
	if err != nil {
		return 0, fmt.Errorf("warm start: %w", err)
	}

	// newest first on the wire
	rows := make([]strategy.HistoricalBar, 0, len(bins))
	for i := len(bins) - 1; i >= 0; i-- {
		b := bins[i]
		row := strategy.HistoricalBar{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
		if ts, err := time.Parse(time.RFC3339, b.Timestamp); err == nil {
			ms := ts.UnixMilli()
			row.TimestampMs = &ms
		}
		rows = append(rows, row)
	}
	return e.chart.LoadHistory(rows), nil
}

// IsOpen reports whether the realtime connection is still usable.
func (e *Exchange) IsOpen() bool {
	return e.transport != nil && !e.transport.Exited()
}

// Mirror exposes the table store.
func (e *Exchange) Mirror() *engine.Mirror { return e.mirror }

// Chart exposes the bar engine.
func (e *Exchange) Chart() *strategy.Chart { return e.chart }

// Symbol returns the tracked symbol.
func (e *Exchange) Symbol() string { return e.symbol }

// ============================================================
// Tick routing
// ============================================================

// OnTick feeds the chart and publishes every bar the tick closed.
func (e *Exchange) OnTick(seconds int64, price float64, dir int, volume float64) bool {
	wasEmpty := e.chart.Len() == 0
	opened := e.chart.Advance(seconds, price, dir, volume)
	if opened > 0 {
		e.metrics.BarsCreated.Add(float64(opened))
		closed := opened
		if wasEmpty {
			closed-- // the first bar closes nothing
		}
		e.publishClosed(closed)
	}
	if sig, ok := e.chart.Signal(); ok {
		e.metrics.SetSignal(sig.VpinShort, sig.VpinLong, sig.BounceShort, sig.BounceLong)
	}
	return opened > 0
}

func (e *Exchange) publishClosed(n int) {
	if e.publisher == nil || n <= 0 {
		return
	}
	for _, bar := range e.chart.ClosedBars(n) {
		payload, err := json.Marshal(bar)
		if err != nil {
			e.logger.Warn("Failed to encode bar", slog.Any("error", err))
			continue
		}
		if err := e.publisher.PublishBar(e.symbol, payload); err != nil {
			e.logger.Warn("Failed to publish bar", slog.Any("error", err))
		}
	}
}

// ============================================================
// Reads
// ============================================================

// Instrument returns the instrument row for symbol.
func (e *Exchange) Instrument(symbol string) (domain.Instrument, error) {
	return e.mirror.Instrument(symbol)
}

// Ticker derives last/bid/ask/mid from the instrument, rounded to tick size.
func (e *Exchange) Ticker(symbol string) (domain.Ticker, error) {
	inst, err := e.mirror.Instrument(symbol)
	if err != nil {
		return domain.Ticker{}, err
	}

	var t domain.Ticker
	if inst.IsIndex() {
		mark := value(inst.MarkPrice)
		t = domain.Ticker{Last: mark, Buy: mark, Sell: mark, Mid: mark}
	} else {
		bid := orElse(inst.BidPrice, inst.LastPrice)
		ask := orElse(inst.AskPrice, inst.LastPrice)
		t = domain.Ticker{Last: value(inst.LastPrice), Buy: bid, Sell: ask, Mid: (bid + ask) / 2}
	}

	return domain.Ticker{
		Last: inst.Round(t.Last),
		Buy:  inst.Round(t.Buy),
		Sell: inst.Round(t.Sell),
		Mid:  inst.Round(t.Mid),
	}, nil
}

// Position returns the position of symbol, or a zero stub.
func (e *Exchange) Position(symbol string) domain.Position {
	for _, p := range e.mirror.Positions() {
		if p.Symbol == symbol {
			return p
		}
	}
	return domain.Position{Symbol: symbol}
}

// Delta is the current contract position of symbol.
func (e *Exchange) Delta(symbol string) float64 {
	return e.Position(symbol).CurrentQty
}

// Margin returns the first margin row.
func (e *Exchange) Margin() (domain.Margin, bool) {
	margins := e.mirror.Margins()
	if len(margins) == 0 {
		return domain.Margin{}, false
	}
	return margins[0], true
}

// MarketDepth returns the top-10 book of symbol.
func (e *Exchange) MarketDepth(symbol string) (domain.OrderBook, bool) {
	return e.mirror.OrderBook(symbol)
}

// OpenOrders returns our live orders as seen by the stream.
func (e *Exchange) OpenOrders() []domain.Order {
	orders := e.mirror.Orders()
	out := orders[:0]
	for _, o := range orders {
		if strings.HasPrefix(o.ClOrdID, e.prefix) && o.LeavesQty > 0 {
			out = append(out, o)
		}
	}
	return out
}

// RecentTrades returns the retained trades, oldest first.
func (e *Exchange) RecentTrades() []domain.Trade {
	return e.mirror.Trades()
}

// Portfolio collects the delta inputs of every configured contract.
func (e *Exchange) Portfolio() ([]domain.PortfolioItem, error) {
	items := make([]domain.PortfolioItem, 0, len(e.contracts))
	for _, symbol := range e.contracts {
		inst, err := e.mirror.Instrument(symbol)
		if err != nil {
			return nil, err
		}
		items = append(items, domain.PortfolioItem{
			Symbol:     symbol,
			CurrentQty: e.Position(symbol).CurrentQty,
			FutureType: domain.FutureTypeOf(inst),
			Multiplier: inst.SettleMultiplier(),
			MarkPrice:  value(inst.MarkPrice),
			Spot:       value(inst.IndicativeSettlePrice),
		})
	}
	return items, nil
}

// CalcDelta is the currency delta of the portfolio.
func (e *Exchange) CalcDelta() (domain.Delta, error) {
	items, err := e.Portfolio()
	if err != nil {
		return domain.Delta{}, err
	}
	return domain.CalcDelta(items), nil
}

// HighestBuy returns our best bid from REST, or a sentinel far below the market.
func (e *Exchange) HighestBuy(ctx context.Context) (domain.Order, error) {
	orders, err := e.client.OpenOrders(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	best := domain.Order{Side: domain.SideBuy, Price: -noOrderPrice}
	found := false
	for _, o := range orders {
		if o.Side == domain.SideBuy && (!found || o.Price > best.Price) {
			best, found = o, true
		}
	}
	return best, nil
}

// LowestSell returns our best offer from REST, or a sentinel far above the market.
func (e *Exchange) LowestSell(ctx context.Context) (domain.Order, error) {
	orders, err := e.client.OpenOrders(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	best := domain.Order{Side: domain.SideSell, Price: noOrderPrice}
	found := false
	for _, o := range orders {
		if o.Side == domain.SideSell && (!found || o.Price < best.Price) {
			best, found = o, true
		}
	}
	return best, nil
}

// LatestVPIN returns the short-horizon vpin and bounce of the active bar.
func (e *Exchange) LatestVPIN() (vpin, bounce float64, ok bool) {
	sig, ok := e.chart.Signal()
	if !ok {
		return 0, 0, false
	}
	return sig.VpinShort, sig.BounceShort, true
}

// LatestSignal returns every smoothed value of the active bar.
func (e *Exchange) LatestSignal() (strategy.Signal, bool) {
	return e.chart.Signal()
}

// ============================================================
// Boundary checks
// ============================================================

// MarketNotOpen reports whether symbol cannot be quoted because it is not trading.
func (e *Exchange) MarketNotOpen(symbol string) bool {
	inst, err := e.mirror.Instrument(symbol)
	if err != nil {
		e.logger.Warn("Instrument unavailable", slog.String("symbol", symbol), slog.Any("error", err))
		return true
	}
	if inst.State != domain.InstrumentOpen {
		e.logger.Warn(fmt.Sprintf("The instrument %s is not open. State: %s", symbol, inst.State))
		return true
	}
	return false
}

// OrderBookEmpty reports whether symbol has no mid price.
func (e *Exchange) OrderBookEmpty(symbol string) bool {
	inst, err := e.mirror.Instrument(symbol)
	if err != nil || inst.MidPrice == nil {
		e.logger.Warn("Orderbook is empty, cannot quote")
		return true
	}
	return false
}

// EnoughLiquidity reports whether both book sides hold at least MinContracts.
func (e *Exchange) EnoughLiquidity(symbol string) bool {
	book, ok := e.mirror.OrderBook(symbol)
	if !ok {
		e.logger.Info("Neither side has enough liquidity")
		return false
	}

	enoughAsk := book.AskDepth() >= e.minContracts
	enoughBid := book.BidDepth() >= e.minContracts
	switch {
	case !enoughBid && !enoughAsk:
		e.logger.Info("Neither side has enough liquidity")
	case !enoughBid:
		e.logger.Info("Bid side is not liquid enough")
	case !enoughAsk:
		e.logger.Info("Ask side is not liquid enough")
	}
	return enoughAsk && enoughBid
}

// ShortPositionLimitExceeded reports whether the position is at or below the minimum.
func (e *Exchange) ShortPositionLimitExceeded(symbol string) bool {
	return e.Delta(symbol) <= e.minPosition
}

// LongPositionLimitExceeded reports whether the position is at or above the maximum.
func (e *Exchange) LongPositionLimitExceeded(symbol string) bool {
	return e.Delta(symbol) >= e.maxPosition
}

// PositionLimits returns the configured bounds.
func (e *Exchange) PositionLimits() (lo, hi float64) {
	return e.minPosition, e.maxPosition
}

// ============================================================
// Writes
// ============================================================

// PlaceOrder sends one post-only order. Negative qty sells.
func (e *Exchange) PlaceOrder(ctx context.Context, qty, price float64) (domain.Order, error) {
	return e.client.PlaceOrder(ctx, qty, price)
}

// CreateBulk places several orders in one request.
func (e *Exchange) CreateBulk(ctx context.Context, orders []domain.OrderRequest) ([]domain.Order, error) {
	return e.client.CreateBulk(ctx, orders)
}

// AmendBulk amends several orders in one request.
func (e *Exchange) AmendBulk(ctx context.Context, orders []domain.OrderRequest) ([]domain.Order, error) {
	return e.client.AmendBulk(ctx, orders)
}

// CancelBulk cancels several orders in one request.
func (e *Exchange) CancelBulk(ctx context.Context, orders []domain.Order) ([]domain.Order, error) {
	return e.client.CancelBulk(ctx, orders)
}

// CancelOrder cancels one order, retrying transient failures until the
// request succeeds or ctx ends. Missing credentials fail at once.
func (e *Exchange) CancelOrder(ctx context.Context, order domain.Order) error {
	e.logger.Info("Canceling: " + e.describe(order))
	for {
		if _, err := e.client.Cancel(ctx, order.OrderID); err != nil {
			if errors.Is(err, domain.ErrAuthRequired) || errors.Is(err, domain.ErrDuplicateMismatch) {
				return err
			}
			e.logger.Info("Cancel failed, retrying", slog.Any("error", err))
			if err := e.sleep(ctx, e.errorInterval); err != nil {
				return err
			}
			continue
		}
		return e.sleep(ctx, e.restInterval)
	}
}

// CancelAll cancels every open order of ours, read over REST so that orders
// the stream has not reported yet are included.
func (e *Exchange) CancelAll(ctx context.Context) error {
	e.logger.Info("Resetting current position. Canceling all existing orders.")

	orders, err := e.client.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}

	if len(orders) > 0 {
		ids := make([]string, 0, len(orders))
		for _, o := range orders {
			e.logger.Info("Canceling: " + e.describe(o))
			ids = append(ids, o.OrderID)
		}
		if _, err := e.client.Cancel(ctx, ids...); err != nil {
			return fmt.Errorf("cancel all: %w", err)
		}
	}

	return e.sleep(ctx, e.restInterval)
}

func (e *Exchange) describe(o domain.Order) string {
	price := fmt.Sprintf("%v", o.Price)
	if inst, err := e.mirror.Instrument(e.symbol); err == nil {
		price = inst.FormatPrice(o.Price)
	}
	return fmt.Sprintf("%s %d @ %s", o.Side, int64(math.Round(o.OrderQty)), price)
}

// ============================================================
// Helpers
// ============================================================

func value(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// orElse returns *p unless it is nil or zero, then the fallback.
func orElse(p, fallback *float64) float64 {
	if p != nil && *p != 0 {
		return *p
	}
	return value(fallback)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ domain.TickSink = (*Exchange)(nil)
