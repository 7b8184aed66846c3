// Package vibetest provides fakes for exercising vibe flows without a
// browser or a second real user.
package vibetest

import (
	"context"
	"sync"
	"time"

	"ginger/server/internal/models"
	"ginger/server/internal/vibe"
)

// RecordingSink records every delivered event per user.
type RecordingSink struct {
	mu     sync.Mutex
	events map[string][]vibe.Event
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{events: make(map[string][]vibe.Event)}
}

func (s *RecordingSink) Deliver(userID string, ev vibe.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[userID] = append(s.events[userID], ev)
}

// Events returns a copy of the events delivered to userID.
func (s *RecordingSink) Events(userID string) []vibe.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vibe.Event(nil), s.events[userID]...)
}

// Count returns how many events of type t userID received.
func (s *RecordingSink) Count(userID string, t vibe.EventType) int {
	n := 0
	for _, ev := range s.Events(userID) {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Last returns the most recent event of type t delivered to userID.
func (s *RecordingSink) Last(userID string, t vibe.EventType) (vibe.Event, bool) {
	events := s.Events(userID)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == t {
			return events[i], true
		}
	}
	return vibe.Event{}, false
}

// FakeMedia is a MediaDevice that counts acquisitions and releases.
type FakeMedia struct {
	mu sync.Mutex

	// Err, when set, fails every acquisition.
	Err error
	// RejectDefault fails acquisitions that ask for an ideal width with
	// ErrOverconstrained.
	RejectDefault bool

	acquired    int
	released    int
	constraints []vibe.Constraints
}

func (m *FakeMedia) Acquire(ctx context.Context, c vibe.Constraints) (vibe.MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.constraints = append(m.constraints, c)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.RejectDefault && c.Video.Width != nil {
		return nil, vibe.ErrOverconstrained
	}
	m.acquired++
	return &FakeStream{
		media:  m,
		tracks: []vibe.Track{{Kind: vibe.TrackVideo, Enabled: true}, {Kind: vibe.TrackAudio, Enabled: true}},
	}, nil
}

// Acquired returns the number of streams handed out.
func (m *FakeMedia) Acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

// Released returns the number of streams stopped.
func (m *FakeMedia) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// Open returns the number of streams currently held.
func (m *FakeMedia) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired - m.released
}

// Requests returns the constraints of every acquisition attempt.
func (m *FakeMedia) Requests() []vibe.Constraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]vibe.Constraints(nil), m.constraints...)
}

// FakeStream is the stream returned by FakeMedia.
type FakeStream struct {
	media   *FakeMedia
	tracks  []vibe.Track
	stopped bool
}

func (s *FakeStream) Tracks() []vibe.Track {
	s.media.mu.Lock()
	defer s.media.mu.Unlock()
	return append([]vibe.Track(nil), s.tracks...)
}

func (s *FakeStream) SetTrackEnabled(kind vibe.TrackKind, enabled bool) error {
	s.media.mu.Lock()
	defer s.media.mu.Unlock()
	if s.stopped {
		return vibe.ErrDeviceUnavailable
	}
	for i := range s.tracks {
		if s.tracks[i].Kind == kind {
			s.tracks[i].Enabled = enabled
		}
	}
	return nil
}

func (s *FakeStream) Stop() {
	s.media.mu.Lock()
	defer s.media.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.media.released++
}

// SessionCreator writes a call session between caller and partner without
// going through the queue claim.
type SessionCreator func(ctx context.Context, callerID, partnerID string, now time.Time) (models.CallSession, error)

// DemoMatcher pairs every searcher with a fixed simulated partner.
type DemoMatcher struct {
	Partner models.Profile
	Create  SessionCreator
	Now     func() time.Time

	mu    sync.Mutex
	calls int
	// Hold, when set, reports no candidate until cleared.
	Hold bool
}

func (m *DemoMatcher) Match(ctx context.Context, self models.QueueEntry) (vibe.SearchResult, error) {
	m.mu.Lock()
	m.calls++
	hold := m.Hold
	m.mu.Unlock()

	if hold {
		return vibe.SearchResult{Message: "Waiting for more people to join..."}, nil
	}
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	sess, err := m.Create(ctx, self.UserID, m.Partner.ID, now)
	if err != nil {
		return vibe.SearchResult{}, err
	}
	partner := m.Partner
	return vibe.SearchResult{
		Candidate: &vibe.Candidate{Entry: models.QueueEntry{UserID: partner.ID}, Profile: partner},
		Session:   &sess,
		Active:    1,
		Message:   "Found someone! Connecting...",
	}, nil
}

// SetHold toggles whether the matcher withholds its partner.
func (m *DemoMatcher) SetHold(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Hold = hold
}

// Calls returns how many matchmaking attempts were made.
func (m *DemoMatcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
