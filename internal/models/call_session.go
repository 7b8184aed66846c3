package models

import "time"

// SessionStatus is the lifecycle status of a call session row
type SessionStatus string

const (
	StatusConnecting SessionStatus = "connecting"
	StatusActive     SessionStatus = "active"
	StatusDecided    SessionStatus = "decided"
	StatusAbandoned  SessionStatus = "abandoned"
)

// Terminal reports whether no further decisions can be written
func (s SessionStatus) Terminal() bool {
	return s == StatusDecided || s == StatusAbandoned
}

// Decision is one side's verdict after a call. The zero value means unset.
type Decision string

const (
	DecisionUnset Decision = ""
	DecisionYes   Decision = "yes"
	DecisionNo    Decision = "no"
)

// Valid reports whether d is a submittable decision
func (d Decision) Valid() bool {
	return d == DecisionYes || d == DecisionNo
}

// Side identifies which decision column a participant owns
type Side string

const (
	SideCaller   Side = "caller"
	SideReceiver Side = "receiver"
)

// Other returns the opposite side
func (s Side) Other() Side {
	if s == SideCaller {
		return SideReceiver
	}
	return SideCaller
}

// CallSession is the negotiation record for one pairing
type CallSession struct {
	ID               string        `json:"id" db:"id"`
	CallerID         string        `json:"callerId" db:"caller_id"`
	ReceiverID       string        `json:"receiverId" db:"receiver_id"`
	Status           SessionStatus `json:"status" db:"status"`
	CallerDecision   Decision      `json:"callerDecision,omitempty" db:"caller_decision"`
	ReceiverDecision Decision      `json:"receiverDecision,omitempty" db:"receiver_decision"`
	CallerSeenAt     *time.Time    `json:"callerSeenAt,omitempty" db:"caller_seen_at"`
	ReceiverSeenAt   *time.Time    `json:"receiverSeenAt,omitempty" db:"receiver_seen_at"`
	EndedAt          *time.Time    `json:"endedAt,omitempty" db:"ended_at"`
	EndedBy          *string       `json:"endedBy,omitempty" db:"ended_by"`
	CreatedAt        time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time     `json:"updatedAt" db:"updated_at"`
}

// SideOf returns the side userID plays in the session
func (s CallSession) SideOf(userID string) (Side, bool) {
	switch userID {
	case s.CallerID:
		return SideCaller, true
	case s.ReceiverID:
		return SideReceiver, true
	}
	return "", false
}

// PeerOf returns the other participant's ID
func (s CallSession) PeerOf(userID string) string {
	if userID == s.CallerID {
		return s.ReceiverID
	}
	return s.CallerID
}

// DecisionOf returns the decision recorded for side
func (s CallSession) DecisionOf(side Side) Decision {
	if side == SideCaller {
		return s.CallerDecision
	}
	return s.ReceiverDecision
}

// BothDecided reports whether both decision fields are set
func (s CallSession) BothDecided() bool {
	return s.CallerDecision != DecisionUnset && s.ReceiverDecision != DecisionUnset
}

// Merge folds a possibly stale or reordered snapshot of the same row into s.
// Decisions, end stamps and terminal statuses never regress.
func (s CallSession) Merge(other CallSession) CallSession {
	if other.ID != s.ID {
		return s
	}
	out := s
	if out.CallerDecision == DecisionUnset {
		out.CallerDecision = other.CallerDecision
	}
	if out.ReceiverDecision == DecisionUnset {
		out.ReceiverDecision = other.ReceiverDecision
	}
	if out.EndedAt == nil && other.EndedAt != nil {
		out.EndedAt = other.EndedAt
		out.EndedBy = other.EndedBy
	}
	if statusRank(other.Status) > statusRank(out.Status) {
		out.Status = other.Status
	}
	out.CallerSeenAt = laterOf(out.CallerSeenAt, other.CallerSeenAt)
	out.ReceiverSeenAt = laterOf(out.ReceiverSeenAt, other.ReceiverSeenAt)
	if other.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = other.UpdatedAt
	}
	return out
}

func statusRank(s SessionStatus) int {
	switch s {
	case StatusConnecting:
		return 1
	case StatusActive:
		return 2
	case StatusDecided, StatusAbandoned:
		return 3
	}
	return 0
}

func laterOf(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b != nil && b.After(*a) {
		return b
	}
	return a
}
