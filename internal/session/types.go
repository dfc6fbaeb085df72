package session

import "time"

// CreateRequest opens a session for a user on a device.
type CreateRequest struct {
	UserID     string `json:"user_id"`
	DeviceName string `json:"device_name,omitempty"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	DeviceName      string    `json:"device_name,omitempty"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
