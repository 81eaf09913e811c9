package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

type EventHandler struct {
	bus    Bus
	config *EventConfig
	logger *slog.Logger
}

func NewEventHandler(bus Bus, config *EventConfig, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		bus:    bus,
		config: config,
		logger: logger,
	}
}

func (h *EventHandler) RaiseUserRegistered(ctx context.Context, evt UserRegisteredEvent) error {
	h.logger.InfoContext(ctx, "Raising UserRegistered",
		"user_id", evt.UserID,
		"username", evt.Username,
	)

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal UserRegisteredEvent: %w", err)
	}

	// One event per user, however often the publish is retried.
	msgID := "registered." + evt.UserID

	if err := h.bus.Publish(ctx, h.config.UserRegistered, data, msgID); err != nil {
		return fmt.Errorf("publish %s: %w", h.config.UserRegistered, err)
	}
	return nil
}
