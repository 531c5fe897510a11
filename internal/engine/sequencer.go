package engine

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"

	"vpin_mm/internal/domain"
	"vpin_mm/internal/event"
	"vpin_mm/internal/infra"
)

// Sequencer is the single writer of the Mirror. Stream workers send decoded
// table frames to its inbox; Run applies them one by one.
type Sequencer struct {
	inbox   chan *event.TableEvent
	mirror  *Mirror
	metrics *infra.Metrics
	applied uint64
}

// NewSequencer creates a new sequencer instance.
func NewSequencer(inboxSize int, mirror *Mirror) *Sequencer {
	return &Sequencer{
		inbox:   make(chan *event.TableEvent, inboxSize),
		mirror:  mirror,
		metrics: mirror.metrics,
	}
}

// Inbox returns the event channel. External workers send events here.
func (s *Sequencer) Inbox() chan<- *event.TableEvent {
	return s.inbox
}

// Mirror returns the store this sequencer writes to.
func (s *Sequencer) Mirror() *Mirror {
	return s.mirror
}

// Run starts the main event loop. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	slog.Info("Sequencer started", slog.String("symbol", s.mirror.symbol))

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequencer stopping...", slog.Uint64("applied", s.applied))
			return
		case ev := <-s.inbox:
			s.processEvent(ev)
		}
	}
}

// processEvent applies one frame. A failing frame never stops the loop.
func (s *Sequencer) processEvent(ev *event.TableEvent) {
	defer event.ReleaseTableEvent(ev)
	defer func() {
		if r := recover(); r != nil {
			s.metrics.ApplyErrors.Inc()
			slog.Error("PANIC while applying table event",
				slog.String("table", ev.Table),
				slog.String("action", ev.Action),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := s.mirror.Apply(ev); err != nil {
		s.metrics.ApplyErrors.Inc()
		attrs := []any{slog.String("table", ev.Table), slog.Any("error", err)}
		if errors.Is(err, domain.ErrUnknownAction) {
			attrs = append(attrs, slog.String("stack", string(debug.Stack())))
		}
		slog.Error("Failed to apply table event", attrs...)
		return
	}
	s.applied++
}

// Applied returns the number of frames applied so far. Only meaningful from
// the Run goroutine or after it stopped.
func (s *Sequencer) Applied() uint64 {
	return s.applied
}
