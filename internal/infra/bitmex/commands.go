package bitmex

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"vpin_mm/internal/domain"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type bulkRequest struct {
	Orders []domain.OrderRequest `json:"orders"`
}

type cancelRequest struct {
	OrderID []string `json:"orderID"`
}

type leverageRequest struct {
	Symbol   string  `json:"symbol"`
	Leverage float64 `json:"leverage"`
}

// defaultToken returns prefix + base64(uuid) without padding.
func (c *Client) defaultToken() string {
	id := uuid.New()
	return c.prefix + strings.TrimRight(base64.StdEncoding.EncodeToString(id[:]), "=\n")
}

func (c *Client) requireAuth(op string) error {
	if !c.signer.HasCredentials() {
		return fmt.Errorf("%s: %w", op, domain.ErrAuthRequired)
	}
	return nil
}

// ============================================================
// Writes
// ============================================================

// Buy places a post-only limit buy.
func (c *Client) Buy(ctx context.Context, qty, price float64) (domain.Order, error) {
	return c.PlaceOrder(ctx, qty, price)
}

// Sell places a post-only limit sell.
func (c *Client) Sell(ctx context.Context, qty, price float64) (domain.Order, error) {
	return c.PlaceOrder(ctx, -qty, price)
}

// PlaceOrder sends one limit order. Negative qty sells.
func (c *Client) PlaceOrder(ctx context.Context, qty, price float64) (domain.Order, error) {
	if err := c.requireAuth("place order"); err != nil {
		return domain.Order{}, err
	}
	if price < 0 {
		return domain.Order{}, fmt.Errorf("%w: %v", domain.ErrInvalidPrice, price)
	}

	order := domain.OrderRequest{
		Symbol:   c.symbol,
		OrderQty: qty,
		Price:    price,
		ClOrdID:  c.newToken(),
		ExecInst: domain.ExecInstPostOnly,
	}
	req := &request{
		verb:   http.MethodPost,
		path:   "/order",
		body:   order,
		orders: []domain.OrderRequest{order},
	}

	body, err := c.submit(ctx, req)
	if err != nil {
		return domain.Order{}, err
	}
	var out domain.Order
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return out, nil
}

// CreateBulk stamps each order with a fresh token, the symbol and post-only,
// then submits them in one request.
func (c *Client) CreateBulk(ctx context.Context, orders []domain.OrderRequest) ([]domain.Order, error) {
	if err := c.requireAuth("create bulk"); err != nil {
		return nil, err
	}

	stamped := make([]domain.OrderRequest, len(orders))
	for i, o := range orders {
		if o.Price < 0 {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPrice, o.Price)
		}
		o.ClOrdID = c.newToken()
		o.Symbol = c.symbol
		o.ExecInst = domain.ExecInstPostOnly
		stamped[i] = o
	}

	req := &request{
		verb:   http.MethodPost,
		path:   "/order/bulk",
		body:   bulkRequest{Orders: stamped},
		orders: stamped,
	}
	body, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeOrders(body)
}

// AmendBulk amends existing orders. Failures are returned, never fatal.
func (c *Client) AmendBulk(ctx context.Context, orders []domain.OrderRequest) ([]domain.Order, error) {
	if err := c.requireAuth("amend bulk"); err != nil {
		return nil, err
	}
	body, err := c.do(ctx, &request{
		verb:    http.MethodPut,
		path:    "/order/bulk",
		body:    bulkRequest{Orders: orders},
		rethrow: true,
	})
	if err != nil {
		return nil, err
	}
	return decodeOrders(body)
}

// Cancel cancels orders by exchange ID. Orders already gone yield (nil, nil).
func (c *Client) Cancel(ctx context.Context, orderIDs ...string) ([]domain.Order, error) {
	if err := c.requireAuth("cancel"); err != nil {
		return nil, err
	}
	c.logger.Info("BitMex cancel order", slog.Any("order_ids", orderIDs))

	body, err := c.do(ctx, &request{
		verb: http.MethodDelete,
		path: "/order",
		body: cancelRequest{OrderID: orderIDs},
	})
	if err != nil || body == nil {
		return nil, err
	}
	return decodeOrders(body)
}

// CancelBulk cancels the given orders in one request.
func (c *Client) CancelBulk(ctx context.Context, orders []domain.Order) ([]domain.Order, error) {
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.OrderID)
	}
	return c.Cancel(ctx, ids...)
}

// SetLeverage switches the symbol to isolated margin at the given leverage.
func (c *Client) SetLeverage(ctx context.Context, leverage float64, rethrow bool) (domain.Position, error) {
	if err := c.requireAuth("set leverage"); err != nil {
		return domain.Position{}, err
	}
	body, err := c.do(ctx, &request{
		verb:    http.MethodPost,
		path:    "/position/leverage",
		body:    leverageRequest{Symbol: c.symbol, Leverage: leverage},
		rethrow: rethrow,
	})
	if err != nil {
		return domain.Position{}, err
	}
	var pos domain.Position
	if err := json.Unmarshal(body, &pos); err != nil {
		return domain.Position{}, fmt.Errorf("decode position: %w", err)
	}
	return pos, nil
}

// submit wraps do with the command journal.
func (c *Client) submit(ctx context.Context, req *request) ([]byte, error) {
	if c.journal != nil {
		for _, o := range req.orders {
			rec := &domain.CommandRecord{
				ClOrdID:  o.ClOrdID,
				Verb:     req.verb,
				Path:     req.path,
				Symbol:   o.Symbol,
				OrderQty: o.OrderQty,
				Price:    o.Price,
				Status:   domain.CommandSent,
			}
			if err := c.journal.RecordCommand(rec); err != nil {
				c.logger.Warn("Failed to journal command", slog.String("clOrdID", o.ClOrdID), slog.Any("error", err))
			}
		}
	}

	body, err := c.do(ctx, req)

	if c.journal != nil {
		status, msg := domain.CommandOK, ""
		switch {
		case err != nil:
			status, msg = domain.CommandFailed, err.Error()
		case req.recovered:
			status = domain.CommandRecovered
		}
		for _, o := range req.orders {
			if jerr := c.journal.UpdateCommandStatus(o.ClOrdID, status, msg); jerr != nil {
				c.logger.Warn("Failed to update command", slog.String("clOrdID", o.ClOrdID), slog.Any("error", jerr))
			}
		}
	}
	return body, err
}

// ============================================================
// Reads
// ============================================================

// OpenOrders returns the live orders of the symbol placed by this client.
func (c *Client) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	if err := c.requireAuth("open orders"); err != nil {
		return nil, err
	}
	orders, err := c.getOrders(ctx, map[string]any{
		"ordStatus.isTerminated": false,
		"symbol":                 c.symbol,
	})
	if err != nil {
		return nil, err
	}

	out := orders[:0]
	for _, o := range orders {
		if strings.HasPrefix(o.ClOrdID, c.prefix) {
			out = append(out, o)
		}
	}
	return out, nil
}

// OrdersByClOrdID looks an order up by its idempotency token.
func (c *Client) OrdersByClOrdID(ctx context.Context, clOrdID string) ([]domain.Order, error) {
	return c.getOrders(ctx, map[string]any{"clOrdID": clOrdID})
}

func (c *Client) getOrders(ctx context.Context, filter map[string]any) ([]domain.Order, error) {
	q, err := filterQuery(filter)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, &request{verb: http.MethodGet, path: "/order", query: q})
	if err != nil {
		return nil, err
	}
	return decodeOrders(body)
}

// Instruments lists instruments matching filter. A nil filter lists all.
func (c *Client) Instruments(ctx context.Context, filter map[string]any) ([]domain.Instrument, error) {
	q, err := filterQuery(filter)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, &request{verb: http.MethodGet, path: "/instrument", query: q, rethrow: true})
	if err != nil {
		return nil, err
	}
	var out []domain.Instrument
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	return out, nil
}

// TradeBucketed returns the newest count closed bins of the symbol, newest first.
func (c *Client) TradeBucketed(ctx context.Context, binSize string, count int) ([]domain.TradeBin, error) {
	q := url.Values{}
	q.Set("binSize", binSize)
	q.Set("symbol", c.symbol)
	q.Set("count", strconv.Itoa(count))
	q.Set("partial", "false")
	q.Set("reverse", "true")

	body, err := c.do(ctx, &request{verb: http.MethodGet, path: "/trade/bucketed", query: q, rethrow: true})
	if err != nil {
		return nil, err
	}
	var out []domain.TradeBin
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode trade bins: %w", err)
	}
	return out, nil
}

func filterQuery(filter map[string]any) (url.Values, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	q := url.Values{}
	q.Set("filter", string(raw))
	return q, nil
}

func decodeOrders(body []byte) ([]domain.Order, error) {
	var out []domain.Order
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return out, nil
}

// sameOrder reports whether an order found by clOrdID is the one we sent.
// The exchange reports quantity unsigned with an explicit side.
func sameOrder(sent domain.OrderRequest, got domain.Order) bool {
	if sent.Symbol != got.Symbol {
		return false
	}
	if !decimal.NewFromFloat(math.Abs(sent.OrderQty)).Equal(decimal.NewFromFloat(got.OrderQty)) {
		return false
	}
	if !decimal.NewFromFloat(sent.Price).Equal(decimal.NewFromFloat(got.Price)) {
		return false
	}
	side := sent.Side
	if side == "" {
		side = domain.SideBuy
		if sent.OrderQty < 0 {
			side = domain.SideSell
		}
	}
	return got.Side == "" || got.Side == side
}
