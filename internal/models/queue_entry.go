package models

import "time"

// QueueEntry marks one user as searching for a Vibe partner
type QueueEntry struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"userId" db:"user_id"`
	JoinedAt      time.Time `json:"joinedAt" db:"joined_at"`
	LastHeartbeat time.Time `json:"lastHeartbeat" db:"last_heartbeat"`
}

// ActiveAt reports whether the entry's heartbeat is within threshold of now
func (e QueueEntry) ActiveAt(now time.Time, threshold time.Duration) bool {
	return !e.LastHeartbeat.Before(now.Add(-threshold))
}
