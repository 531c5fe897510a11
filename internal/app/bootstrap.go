package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vpin_mm/internal/domain"
	"vpin_mm/internal/event"
	"vpin_mm/internal/infra"
	"vpin_mm/internal/infra/bitmex"
	"vpin_mm/internal/infra/natsbus"
	"vpin_mm/internal/infra/storage"
	"vpin_mm/internal/service"
)

const shutdownTimeout = 10 * time.Second

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Storage   *storage.Storage
	Client    *bitmex.Client
	Publisher *natsbus.Publisher
	Exchange  *service.Exchange
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads config and builds every component. Nothing touches the
// network except the optional NATS connection.
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping VPIN market maker...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(infra.ConfigPath())
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	if pending, err := store.PendingCommands(); err == nil && len(pending) > 0 {
		slog.Warn("Commands without a recorded outcome from a previous run",
			slog.Int("count", len(pending)),
			slog.String("first", pending[0].ClOrdID))
	}
	slog.Info("✅ Journal initialized")

	// 4. REST client
	client, err := bitmex.NewClient(cfg, bitmex.WithJournal(store))
	if err != nil {
		return err
	}
	b.Client = client
	slog.Info("✅ BitMEX client ready",
		slog.String("symbol", client.Symbol()),
		slog.Bool("authenticated", client.Signer().HasCredentials()))

	// 5. Bar fan-out (optional)
	opts := []service.Option{service.WithExecutionHandler(store)}
	if cfg.NATS.URL != "" {
		pub, err := natsbus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		b.Publisher = pub
		opts = append(opts, service.WithBarPublisher(pub))
		slog.Info("✅ NATS bar publisher connected", slog.String("subject", pub.Subject(cfg.BitMEX.Symbol)))
	}

	// 6. Exchange facade over the realtime stream
	event.Warmup()
	dial := func(inbox chan<- *event.TableEvent, ready func() bool) service.Transport {
		return bitmex.NewStream(cfg, client.Signer(), inbox, bitmex.WithReadiness(ready))
	}
	b.Exchange = service.NewExchange(cfg, client, dial, opts...)
	return nil
}

// Start connects the stream and seeds the chart from history.
func (b *Bootstrap) Start(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, b.Config.ConnectTimeout()+30*time.Second)
	defer cancel()
	if err := b.Exchange.Connect(connectCtx); err != nil {
		return err
	}
	slog.Info("✅ Realtime stream connected")

	if b.Config.BitMEX.Leverage > 0 && b.Client.Signer().HasCredentials() {
		if _, err := b.Client.SetLeverage(ctx, b.Config.BitMEX.Leverage, true); err != nil {
			slog.Warn("Failed to set leverage", slog.Any("error", err))
		}
	}

	if b.Config.Chart.WarmStart {
		n, err := b.Exchange.WarmStart(ctx)
		if err != nil {
			slog.Warn("Warm start failed, chart starts empty", slog.Any("error", err))
		} else {
			slog.Info("✨ Chart warmed from history", slog.Int("bins", n))
		}
	}
	return nil
}

// Shutdown cancels our resting orders and releases every resource.
func (b *Bootstrap) Shutdown() {
	if b.Exchange != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := b.Exchange.CancelAll(ctx)
		cancel()
		switch {
		case errors.Is(err, domain.ErrAuthRequired):
			slog.Info("Was not authenticated; could not cancel orders.")
		case err != nil:
			slog.Error("Unable to cancel orders on exit", slog.Any("error", err))
		}
		b.Exchange.Close()
	}
	if b.Publisher != nil {
		if err := b.Publisher.Close(); err != nil {
			slog.Warn("NATS drain failed", slog.Any("error", err))
		}
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Journal close failed", slog.Any("error", err))
		}
	}
}
