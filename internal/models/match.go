package models

import "time"

// MatchRecord is the durable outcome of a mutually positive call
type MatchRecord struct {
	ID        string    `json:"id" db:"id"`
	UserA     string    `json:"userA" db:"user_a"`
	UserB     string    `json:"userB" db:"user_b"`
	DecisionA Decision  `json:"decisionA" db:"decision_a"`
	DecisionB Decision  `json:"decisionB" db:"decision_b"`
	SessionID string    `json:"sessionId" db:"session_id"`
	MatchedAt time.Time `json:"matchedAt" db:"matched_at"`
}

// PairKey returns the unordered pair key the match table is unique on
func PairKey(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

// Partner returns the other user of the match
func (m MatchRecord) Partner(userID string) string {
	if m.UserA == userID {
		return m.UserB
	}
	return m.UserA
}

// MatchWithPartner includes the partner's profile for the matches list
type MatchWithPartner struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Partner   Profile   `json:"partner"`
	IsOnline  bool      `json:"isOnline"`
	MatchedAt time.Time `json:"matchedAt"`
}

// VibeHistory records one side's decision on a finished call
type VibeHistory struct {
	ID                  string    `json:"id" db:"id"`
	UserID              string    `json:"userId" db:"user_id"`
	PartnerID           string    `json:"partnerId" db:"partner_id"`
	SessionID           string    `json:"sessionId" db:"session_id"`
	Decision            Decision  `json:"decision" db:"decision"`
	CallDurationSeconds int       `json:"callDurationSeconds" db:"call_duration_seconds"`
	CreatedAt           time.Time `json:"createdAt" db:"created_at"`
}
