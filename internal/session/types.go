package session

import "time"

// CreateRequest defines payload for creating a new voice session.
type CreateRequest struct {
	Locale string `json:"locale"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Locale          string    `json:"locale"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	SilenceDelayMS  int64     `json:"silence_delay_ms"`
}
