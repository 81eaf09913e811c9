package events

import "authgateway/internal/config"

// UserRegisteredEvent is published once a registration has fully completed.
type UserRegisteredEvent struct {
	UserID   string `json:"user_id"`  // provider id of the new user
	Username string `json:"username"` // login name, unique in the realm
	Email    string `json:"email"`
	TraceID  string `json:"trace_id"` // used for tracing requests across services
}

type EventConfig struct {
	UserRegistered string
}

func NewEventConfig(cfg config.EventsConfig) *EventConfig {
	return &EventConfig{
		UserRegistered: cfg.UserRegistered,
	}
}
