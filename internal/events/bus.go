// Package events publishes domain events to NATS JetStream for downstream services.
package events

import "context"

// Bus publishes raw event payloads. msgID is the JetStream de-duplication id.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
	Drain() error
}

var _ Bus = NopBus{}

// NopBus drops every event. It is used when no NATS endpoint is configured.
type NopBus struct{}

func (NopBus) Publish(context.Context, string, []byte, string) error { return nil }

func (NopBus) Drain() error { return nil }
