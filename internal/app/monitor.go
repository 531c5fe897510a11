package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vpin_mm/internal/domain"
)

// Facade is the part of the exchange facade the status loop reads.
type Facade interface {
	IsOpen() bool
	Symbol() string
	Position(symbol string) domain.Position
	Delta(symbol string) float64
	Margin() (domain.Margin, bool)
	PositionLimits() (lo, hi float64)
	ShortPositionLimitExceeded(symbol string) bool
	LongPositionLimitExceeded(symbol string) bool
	CalcDelta() (domain.Delta, error)
	MarketNotOpen(symbol string) bool
	OrderBookEmpty(symbol string) bool
	EnoughLiquidity(symbol string) bool
	LatestVPIN() (vpin, bounce float64, ok bool)
	CancelAll(ctx context.Context) error
}

// Status is the outcome of one monitor pass.
type Status string

const (
	StatusReady         Status = "ready"
	StatusMarketClosed  Status = "market_closed"
	StatusBookEmpty     Status = "book_empty"
	StatusThinLiquidity Status = "thin_liquidity"
)

// Monitor logs account and signal status every interval until the stream dies.
type Monitor struct {
	ex          Facade
	symbol      string
	interval    time.Duration
	logger      *slog.Logger
	startingQty float64
}

// NewMonitor creates a status loop over ex.
func NewMonitor(ex Facade, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		ex:       ex,
		symbol:   ex.Symbol(),
		interval: interval,
		logger:   logger.With("module", "monitor"),
	}
}

// Init records the starting position and clears our resting orders.
func (m *Monitor) Init(ctx context.Context) error {
	m.startingQty = m.ex.Delta(m.symbol)
	if err := m.ex.CancelAll(ctx); err != nil {
		if errors.Is(err, domain.ErrAuthRequired) {
			m.logger.Warn("No API key configured; running read-only.")
			return nil
		}
		return err
	}
	return nil
}

// Run calls Step every interval. It returns nil on cancellation and an error
// once the realtime connection is gone.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.Step(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Step performs one status pass.
func (m *Monitor) Step() (Status, error) {
	if !m.ex.IsOpen() {
		m.logger.Error("Realtime data connection unexpectedly closed, restarting.")
		return "", domain.NewNetworkError("monitor", domain.ErrConnectionFailed)
	}

	m.printStatus()

	switch {
	case m.ex.MarketNotOpen(m.symbol):
		return StatusMarketClosed, nil
	case m.ex.OrderBookEmpty(m.symbol):
		return StatusBookEmpty, nil
	case !m.ex.EnoughLiquidity(m.symbol):
		return StatusThinLiquidity, nil
	}

	if vpin, bounce, ok := m.ex.LatestVPIN(); ok {
		m.logger.Info("Volume clock signal",
			slog.Float64("vpin", vpin),
			slog.Float64("bounce", bounce))
	}
	return StatusReady, nil
}

func (m *Monitor) printStatus() {
	if margin, ok := m.ex.Margin(); ok {
		m.logger.Info(fmt.Sprintf("Current XBT Balance: %.6f", margin.MarginBalance/domain.SatoshisPerXBT))
	}

	pos := m.ex.Position(m.symbol)
	m.logger.Info(fmt.Sprintf("Current Contract Position: %v", pos.CurrentQty))

	lo, hi := m.ex.PositionLimits()
	m.logger.Info(fmt.Sprintf("Position limits: %v/%v", lo, hi))
	if m.ex.ShortPositionLimitExceeded(m.symbol) {
		m.logger.Warn("Short delta limit exceeded")
	}
	if m.ex.LongPositionLimitExceeded(m.symbol) {
		m.logger.Warn("Long delta limit exceeded")
	}

	if pos.CurrentQty != 0 {
		m.logger.Info("Open position",
			slog.Float64("avgCostPrice", pos.AvgEntryPrice),
			slog.Float64("markPrice", pos.MarkPrice),
			slog.Float64("marginCallPrice", pos.MarginCallPrice))
	}

	m.logger.Info(fmt.Sprintf("Contracts Traded This Run: %v", pos.CurrentQty-m.startingQty))

	if delta, err := m.ex.CalcDelta(); err == nil {
		m.logger.Info(fmt.Sprintf("Total Contract Delta: %.4f XBT", delta.Spot))
	} else {
		m.logger.Debug("Delta unavailable", slog.Any("error", err))
	}
}
