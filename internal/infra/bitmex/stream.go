package bitmex

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"vpin_mm/internal/domain"
	"vpin_mm/internal/event"
	"vpin_mm/internal/infra"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const readinessPollInterval = 100 * time.Millisecond

// =====================================================
// Stream - BitMEX realtime WebSocket
// =====================================================

// Stream subscribes to the realtime tables of one symbol and forwards every
// table frame to the sequencer inbox.
type Stream struct {
	wsURL   string
	symbol  string
	signer  *Signer
	auth    bool
	inbox   chan<- *event.TableEvent
	ready   func() bool
	metrics *infra.Metrics
	logger  *slog.Logger
	exit    func(code int)

	connectTimeout time.Duration
	pingInterval   time.Duration
	readTimeout    time.Duration

	conn       *websocket.Conn
	connCancel context.CancelFunc
	mu         sync.RWMutex
	writeMu    sync.Mutex
	connected  bool
	exited     bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// StreamOption customises a Stream.
type StreamOption func(*Stream)

// WithReadiness makes Connect wait until ready reports true.
func WithReadiness(ready func() bool) StreamOption {
	return func(s *Stream) { s.ready = ready }
}

// WithStreamExitFunc replaces os.Exit for fatal stream statuses.
func WithStreamExitFunc(exit func(code int)) StreamOption {
	return func(s *Stream) { s.exit = exit }
}

// WithStreamMetrics overrides the metrics sink.
func WithStreamMetrics(m *infra.Metrics) StreamOption {
	return func(s *Stream) { s.metrics = m }
}

// NewStream creates a realtime worker. Private tables are subscribed when
// ws_auth is set and the signer has credentials.
func NewStream(cfg *infra.Config, signer *Signer, inbox chan<- *event.TableEvent, opts ...StreamOption) *Stream {
	s := &Stream{
		wsURL:          cfg.BitMEX.WSURL,
		symbol:         cfg.BitMEX.Symbol,
		signer:         signer,
		auth:           cfg.BitMEX.WSAuth && signer.HasCredentials(),
		inbox:          inbox,
		ready:          func() bool { return true },
		metrics:        infra.GlobalMetrics,
		logger:         slog.Default().With("module", "bitmex_stream"),
		exit:           os.Exit,
		connectTimeout: cfg.ConnectTimeout(),
		pingInterval:   cfg.PingInterval(),
		readTimeout:    cfg.ReadTimeout(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Topics returns the subscription list sent in the connect URL.
func (s *Stream) Topics() []string {
	topics := []string{
		"quote:" + s.symbol,
		"trade:" + s.symbol,
		"orderBook10:" + s.symbol,
		"instrument",
	}
	if s.auth {
		topics = append(topics,
			"order:"+s.symbol,
			"execution:"+s.symbol,
			"margin",
			"position",
		)
	}
	return topics
}

func (s *Stream) endpoint() (string, string, error) {
	u, err := url.Parse(s.wsURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid ws url: %w", err)
	}
	path := u.Path
	// commas stay literal, as the exchange expects
	u.RawQuery = "subscribe=" + strings.Join(s.Topics(), ",")
	return u.String(), path, nil
}

// Connect dials the socket and blocks until the first connection is live and
// the readiness predicate holds. After that the worker reconnects on its own.
func (s *Stream) Connect(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	err := s.dial(dialCtx, ctx)
	cancel()
	if err != nil {
		s.markExited()
		s.logger.Error("Couldn't connect to WS! Exiting.", slog.Any("error", err))
		return domain.NewFatalNetworkError("connect", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}

	s.wg.Add(1)
	go s.connectionLoop(ctx)

	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()
	for !s.ready() {
		select {
		case <-ctx.Done():
			s.markExited()
			return ctx.Err()
		case <-ticker.C:
		}
		if s.Exited() {
			return domain.ErrConnectionFailed
		}
	}

	s.logger.Info("Got all market data. Starting.", slog.String("symbol", s.symbol), slog.Bool("auth", s.auth))
	return nil
}

// dial opens one connection. The ping loop is bound to runCtx.
func (s *Stream) dial(dialCtx, runCtx context.Context) error {
	target, path, err := s.endpoint()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.connectTimeout}
	header := make(http.Header)
	header.Set("User-Agent", "vpinbot")
	if s.auth {
		for k, v := range s.signer.GenerateHeaders(http.MethodGet, path, "") {
			header.Set(k, v)
		}
	}

	conn, _, err := dialer.DialContext(dialCtx, target, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	connCtx, connCancel := context.WithCancel(runCtx)
	s.mu.Lock()
	s.conn = conn
	s.connCancel = connCancel
	s.connected = true
	s.mu.Unlock()
	s.metrics.SetConnected(true)

	s.wg.Add(1)
	go s.pingLoop(connCtx)

	s.logger.Info("Connected to WS.", slog.String("url", target))
	return nil
}

func (s *Stream) connectionLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("BitMEX stream panic recovered", slog.Any("panic", r))
			s.markExited()
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	for {
		s.readLoop(ctx)
		s.closeConnection()
		if ctx.Err() != nil || s.Exited() {
			return
		}

		// Tables from the old connection are stale; new partials follow the redial.
		s.publish(ctx, event.NewResetEvent())

		for {
			delay := bo.NextBackOff()
			s.metrics.Reconnects.Inc()
			s.logger.Warn("Websocket Closed, reconnecting", slog.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
			err := s.dial(dialCtx, ctx)
			cancel()
			if err == nil {
				bo.Reset()
				break
			}
			s.logger.Warn("Reconnect failed", slog.Any("error", err))
		}
	}
}

func (s *Stream) threadSafeWrite(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return domain.ErrNotConnected
	}
	return conn.WriteMessage(messageType, data)
}

func (s *Stream) pingLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.threadSafeWrite(websocket.TextMessage, []byte("ping")); err != nil {
				s.logger.Warn("BitMEX ping failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Stream) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("BitMEX read error", slog.Any("error", err))
			}
			return
		}

		if string(message) == "pong" {
			continue
		}
		s.handleMessage(ctx, message, time.Now())
	}
}

type frame struct {
	Info      string          `json:"info"`
	Subscribe string          `json:"subscribe"`
	Success   bool            `json:"success"`
	Status    int             `json:"status"`
	Error     string          `json:"error"`
	Table     string          `json:"table"`
	Action    string          `json:"action"`
	Keys      []string        `json:"keys"`
	Data      json.RawMessage `json:"data"`
}

func (s *Stream) handleMessage(ctx context.Context, message []byte, receivedAt time.Time) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		s.logger.Warn("Unparseable frame", slog.Any("error", err), slog.Int("bytes", len(message)))
		return
	}

	switch {
	case f.Subscribe != "":
		if f.Success {
			s.logger.Debug("Subscribed", slog.String("topic", f.Subscribe))
			return
		}
		s.logger.Error("Unable to subscribe. Exiting.", slog.String("topic", f.Subscribe), slog.String("error", f.Error))
		s.fatal()

	case f.Status != 0:
		if f.Status == http.StatusUnauthorized {
			s.logger.Error("API Key incorrect, please check and restart.")
			s.fatal()
			return
		}
		s.logger.Error("Stream error status", slog.Int("status", f.Status), slog.String("error", f.Error))

	case f.Action != "":
		rows, err := domain.DecodeRecords(f.Data)
		if err != nil {
			s.logger.Warn("Bad table data", slog.String("table", f.Table), slog.Any("error", err))
			return
		}
		ev := event.AcquireTableEvent()
		ev.Table = f.Table
		ev.Action = f.Action
		ev.Keys = f.Keys
		ev.Rows = rows
		ev.ReceivedAt = receivedAt
		s.publish(ctx, ev)

	case f.Info != "":
		s.logger.Info("Stream info", slog.String("info", f.Info))
	}
}

// publish blocks while the inbox is full. Table frames cannot be dropped
// without corrupting the mirror.
func (s *Stream) publish(ctx context.Context, ev *event.TableEvent) {
	select {
	case s.inbox <- ev:
	case <-ctx.Done():
		event.ReleaseTableEvent(ev)
	}
}

func (s *Stream) fatal() {
	s.markExited()
	s.closeConnection()
	s.exit(1)
}

func (s *Stream) markExited() {
	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()
}

func (s *Stream) closeConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.connected {
		s.connected = false
		s.metrics.SetConnected(false)
	}
}

// Disconnect closes the connection and waits for the worker goroutines.
func (s *Stream) Disconnect() {
	s.markExited()
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConnection()
	s.wg.Wait()
	s.logger.Info("BitMEX WebSocket disconnected")
}

// IsConnected returns connection status
func (s *Stream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Exited reports whether the stream gave up for good.
func (s *Stream) Exited() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exited
}

var _ domain.ExchangeWorker = (*Stream)(nil)
