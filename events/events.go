package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/projecteru2/core/log"
)

// Publisher sends machine lifecycle events to NATS. Events are
// advisory — downstream consumers (billing, audit) must tolerate
// gaps, and the broker never blocks on publishing.
type Publisher struct {
	nc *nats.Conn
}

// New connects to the NATS server at url.
func New(url string) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("corral"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithFunc("events").Warnf(context.TODO(), "nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithFunc("events").Infof(context.TODO(), "nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Publisher{nc: nc}, nil
}

// Publish marshals event as JSON and sends it on subject.
func (p *Publisher) Publish(_ context.Context, subject string, event any) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", subject, err)
	}
	return p.nc.Publish(subject, payload)
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain() //nolint:errcheck
		p.nc.Close()
	}
}
