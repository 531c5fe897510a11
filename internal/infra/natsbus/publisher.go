package natsbus

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// Publisher fans closed bars out on "<prefix>.<symbol>".
type Publisher struct {
	nc     conn
	prefix string
}

// Connect dials the NATS server at url.
func Connect(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("vpin-mm"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return newPublisher(nc, prefix), nil
}

func newPublisher(nc conn, prefix string) *Publisher {
	return &Publisher{nc: nc, prefix: prefix}
}

// Subject returns the subject bars of symbol are published on.
func (p *Publisher) Subject(symbol string) string {
	return p.prefix + "." + symbol
}

// PublishBar implements domain.BarPublisher.
func (p *Publisher) PublishBar(symbol string, payload []byte) error {
	if err := p.nc.Publish(p.Subject(symbol), payload); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(symbol), err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
