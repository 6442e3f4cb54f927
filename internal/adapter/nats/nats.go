// Package nats implements the audit sink port using NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/helmsman-dev/helmsman/internal/port/audit"
)

const streamName = "HELMSMAN"

// Sink publishes audit events to a JetStream stream so external consumers
// (dashboards, durable audit storage) can replay the trail.
type Sink struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the audit stream exists.
func Connect(ctx context.Context, url string) (*Sink, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"audit.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Sink{nc: nc, js: js}, nil
}

// Record implements audit.Sink. The event type becomes the subject suffix,
// so consumers can filter, e.g. "audit.guard.breaker_opened". Publish
// failures are logged and swallowed.
func (s *Sink) Record(ctx context.Context, ev audit.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal audit event", "type", ev.Type, "error", err)
		return
	}
	subject := "audit." + string(ev.Type)
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		slog.Error("publish audit event", "subject", subject, "error", err)
	}
}

// Close shuts down the NATS connection.
func (s *Sink) Close() error {
	s.nc.Close()
	return nil
}
