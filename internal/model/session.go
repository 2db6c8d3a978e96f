package model

import (
	"time"
)

// Session binds a browser session to a caller identity and the correlation id
// threaded through every backend call made on its behalf.
type Session struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	CorrelationID string    `json:"correlationId"`
	CreatedAt     time.Time `json:"createdAt"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
}

// IdleFor returns how long ago the session was last seen.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastSeenAt)
}

// QueueStats is a read-only snapshot of one caller queue.
type QueueStats struct {
	CallerID string `json:"callerId"`
	Limit    int    `json:"limit"`
	Active   int    `json:"active"`
	Pending  int    `json:"pending"`
	Draining bool   `json:"draining"`
}
