package vibe

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ginger/server/internal/bus"
	"ginger/server/internal/clock"
	"ginger/server/internal/models"
)

// Deps are the collaborators of a Flow.
type Deps struct {
	Queue     *Queue
	Matcher   Matcher
	Sessions  *Sessions
	Decisions *Synchronizer
	Relay     *Relay
	Profiles  *Profiles
	Changes   bus.Bus
	Media     MediaDevice
	Sink      Sink
	Clock     clock.Clock
	Config    Config
	Log       zerolog.Logger
}

// Options configure NewDeps.
type Options struct {
	Store   Store
	Avatars AvatarResolver
	Changes bus.Bus
	Rooms   bus.Bus
	Sink    Sink
	Clock   clock.Clock
	Config  Config
	Log     zerolog.Logger
}

// NewDeps wires the vibe services over one store. Media is left unset;
// the Manager supplies a device per user.
func NewDeps(o Options) Deps {
	profiles := NewProfiles(o.Store, o.Avatars, o.Log)
	queue := NewQueue(o.Store, o.Clock, o.Config, o.Log)
	return Deps{
		Queue:     queue,
		Matcher:   NewMatchmaker(queue, o.Store, profiles, o.Clock, o.Config, o.Log),
		Sessions:  NewSessions(o.Store, o.Clock, o.Config, o.Log),
		Decisions: NewSynchronizer(o.Store, o.Store, o.Store, o.Clock, o.Log),
		Relay:     NewRelay(o.Rooms, o.Store, o.Log),
		Profiles:  profiles,
		Changes:   o.Changes,
		Sink:      o.Sink,
		Clock:     o.Clock,
		Config:    o.Config,
		Log:       o.Log,
	}
}

type timerKind int

const (
	timerHeartbeat timerKind = iota
	timerSearch
	timerCooldown
	timerTick
	timerLiveness
	timerMediaFallback
)

type timerFired struct {
	kind timerKind
	gen  uint64
}

type command struct {
	fn    func() error
	reply chan error
}

// Flow is one user's vibe state machine. A single goroutine owns all of
// its state and processes commands, timer firings, change notifications
// and relayed signals one at a time.
type Flow struct {
	userID string
	d      Deps
	log    zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	commands chan command
	fired    chan timerFired
	done     chan struct{}

	// Everything below is owned by the loop goroutine.
	state    State
	entry    *models.QueueEntry
	matching bool
	seen     map[string]bool
	timers   map[timerKind]clock.Timer
	gens     map[timerKind]uint64

	incoming *bus.Subscription
	updates  *bus.Subscription
	signals  *SignalSubscription

	stream     MediaStream
	mediaError string

	queueCount    int
	searchMessage string

	session         *models.CallSession
	side            models.Side
	partner         *models.Profile
	callStart       time.Time
	callEnd         time.Time
	cooldownDone    bool
	remoteCandidate bool
	partnerNotified bool
	myDecision      models.Decision
	outcome         Outcome
	matchID         string
	partnerLeft     bool
}

// NewFlow starts the flow of userID in the idle state.
func NewFlow(userID string, deps Deps) *Flow {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Flow{
		userID:   userID,
		d:        deps,
		log:      deps.Log.With().Str("module", "vibe.flow").Str("user_id", userID).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		commands: make(chan command),
		fired:    make(chan timerFired),
		done:     make(chan struct{}),
		state:    StateIdle,
		seen:     make(map[string]bool),
		timers:   make(map[timerKind]clock.Timer),
		gens:     make(map[timerKind]uint64),
	}
	go f.run()
	return f
}

// UserID returns the owner of the flow.
func (f *Flow) UserID() string { return f.userID }

// Start acquires media, joins the queue and begins searching.
func (f *Flow) Start(ctx context.Context) error {
	return f.exec(ctx, func() error {
		if f.state != StateIdle {
			return ErrInvalidState
		}
		return f.beginSearch()
	})
}

// Cancel stops searching and returns to idle.
func (f *Flow) Cancel(ctx context.Context) error {
	return f.exec(ctx, func() error {
		if f.state != StateSearching {
			return ErrInvalidState
		}
		f.reset(f.ctx)
		f.setState(StateIdle)
		return nil
	})
}

// EndCall ends the call once the cooldown has elapsed.
func (f *Flow) EndCall(ctx context.Context) error {
	return f.exec(ctx, f.endCall)
}

// Decide records the user's decision.
func (f *Flow) Decide(ctx context.Context, decision models.Decision) error {
	return f.exec(ctx, func() error { return f.decide(decision) })
}

// FindAnother starts a new search after an outcome.
func (f *Flow) FindAnother(ctx context.Context) error {
	return f.exec(ctx, func() error {
		if f.state != StateMatched && f.state != StateNoMatch {
			return ErrInvalidState
		}
		return f.beginSearch()
	})
}

// Exit leaves the vibe flow from any state. An active call is abandoned.
func (f *Flow) Exit(ctx context.Context) error {
	return f.exec(ctx, func() error {
		if f.state == StateIdle {
			return nil
		}
		f.abandon(f.ctx)
		f.reset(f.ctx)
		f.setState(StateIdle)
		return nil
	})
}

// ToggleTrack flips one local track and returns its new enabled flag.
func (f *Flow) ToggleTrack(ctx context.Context, kind TrackKind) (bool, error) {
	var enabled bool
	err := f.exec(ctx, func() error {
		if !kind.Valid() {
			return ErrUnknownTrack
		}
		if f.stream == nil {
			return ErrInvalidState
		}
		enabled = !trackEnabled(f.stream, kind)
		if err := f.stream.SetTrackEnabled(kind, enabled); err != nil {
			return NewMediaError(err)
		}
		f.emit(EventStateChanged, f.snapshot())
		return nil
	})
	return enabled, err
}

// Snapshot returns the current client-visible state.
func (f *Flow) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := f.exec(ctx, func() error {
		snap = f.snapshot()
		return nil
	})
	return snap, err
}

// Close tears the flow down: an active call is abandoned, the queue entry
// removed, media released and every timer stopped.
func (f *Flow) Close() {
	f.cancel()
	<-f.done
}

// Done is closed once the flow has torn down.
func (f *Flow) Done() <-chan struct{} { return f.done }

func (f *Flow) exec(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case f.commands <- cmd:
	case <-f.done:
		return ErrFlowClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-f.done:
		return ErrFlowClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Flow) run() {
	defer close(f.done)
	for {
		select {
		case <-f.ctx.Done():
			f.teardown()
			return
		case cmd := <-f.commands:
			cmd.reply <- cmd.fn()
		case ev := <-f.fired:
			f.onTimer(ev)
		case payload, ok := <-subC(f.incoming):
			if !ok {
				f.incoming = nil
				continue
			}
			f.onIncoming(payload)
		case payload, ok := <-subC(f.updates):
			if !ok {
				f.updates = nil
				continue
			}
			f.onUpdate(payload)
		case sig, ok := <-signalC(f.signals):
			if !ok {
				f.signals = nil
				continue
			}
			f.onSignal(sig)
		}
	}
}

func subC(s *bus.Subscription) <-chan []byte {
	if s == nil {
		return nil
	}
	return s.C
}

func signalC(s *SignalSubscription) <-chan Signal {
	if s == nil {
		return nil
	}
	return s.C
}

func (f *Flow) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(f.ctx, f.d.Config.OpTimeout)
}

// schedule arms a one-shot timer of kind, replacing any pending one.
func (f *Flow) schedule(kind timerKind, d time.Duration) {
	f.stopTimer(kind)
	gen := f.gens[kind]
	f.timers[kind] = f.d.Clock.AfterFunc(d, func() {
		select {
		case f.fired <- timerFired{kind: kind, gen: gen}:
		case <-f.done:
		}
	})
}

// stopTimer cancels the pending timer of kind. Bumping the generation
// discards a firing that already left the clock.
func (f *Flow) stopTimer(kind timerKind) {
	if t, ok := f.timers[kind]; ok {
		t.Stop()
		delete(f.timers, kind)
	}
	f.gens[kind]++
}

func (f *Flow) stopTimers(kinds ...timerKind) {
	for _, k := range kinds {
		f.stopTimer(k)
	}
}

func (f *Flow) onTimer(ev timerFired) {
	if ev.gen != f.gens[ev.kind] {
		return
	}
	delete(f.timers, ev.kind)

	switch ev.kind {
	case timerHeartbeat:
		if f.state != StateSearching {
			return
		}
		if f.entry != nil {
			ctx, cancel := f.opCtx()
			if err := f.d.Queue.Heartbeat(ctx, f.entry.ID); err != nil {
				f.log.Debug().Err(err).Msg("queue heartbeat failed")
			}
			cancel()
		}
		f.schedule(timerHeartbeat, f.d.Config.HeartbeatInterval)

	case timerSearch:
		f.search()

	case timerCooldown:
		if f.state != StateInCall {
			return
		}
		f.cooldownDone = true
		f.emit(EventCooldownElapsed, f.tick())

	case timerTick:
		if f.state != StateInCall {
			return
		}
		f.emit(EventCallTick, f.tick())
		f.schedule(timerTick, f.d.Config.TickInterval)

	case timerLiveness:
		if f.state != StateInCall && f.state != StateDecision {
			return
		}
		f.refreshSession()
		if f.state == StateInCall || f.state == StateDecision {
			f.schedule(timerLiveness, f.d.Config.HeartbeatInterval)
		}

	case timerMediaFallback:
		if f.state == StateInCall && !f.remoteCandidate {
			f.log.Info().Str("session_id", f.session.ID).Msg("no remote media, showing placeholder")
			f.emit(EventMediaFallback, CallTick{DurationSeconds: f.callDuration()})
		}
	}
}

func (f *Flow) beginSearch() error {
	f.resetCall()
	f.mediaError = ""
	if err := f.acquireMedia(); err != nil {
		f.setState(StateIdle)
		return err
	}

	ctx, cancel := f.opCtx()
	defer cancel()

	sub, err := f.d.Changes.Subscribe(ctx, bus.SessionInsertTopic(f.userID))
	if err != nil {
		// The pending-session poll on every search tick still finds us.
		f.log.Warn().Err(err).Msg("failed to subscribe to incoming sessions")
	} else {
		f.incoming = sub
	}

	entry, err := f.d.Queue.Join(ctx, f.userID)
	if err != nil {
		f.log.Error().Err(err).Msg("failed to join queue")
		f.d.Queue.Leave(ctx, f.userID)
		f.reset(ctx)
		f.setState(StateIdle)
		return err
	}

	f.entry = &entry
	f.matching = false
	f.queueCount = 0
	f.searchMessage = msgSearching
	f.setState(StateSearching)
	f.schedule(timerHeartbeat, f.d.Config.HeartbeatInterval)
	f.search()
	return nil
}

// search runs one matchmaking attempt and re-arms the search tick while
// the flow keeps searching.
func (f *Flow) search() {
	if f.state != StateSearching {
		return
	}
	defer func() {
		if f.state == StateSearching {
			f.schedule(timerSearch, f.d.Config.SearchInterval)
		}
	}()
	if f.matching || f.entry == nil {
		return
	}

	ctx, cancel := f.opCtx()
	defer cancel()

	if f.pollIncoming(ctx) {
		return
	}

	f.matching = true
	res, err := f.d.Matcher.Match(ctx, *f.entry)
	if err == nil && res.Session != nil && res.Candidate != nil {
		f.enterCall(*res.Session, res.Candidate.Profile, models.SideCaller)
		return
	}
	f.matching = false

	switch {
	case errors.Is(err, ErrNotQueued):
		f.log.Debug().Msg("claimed by another searcher")
		if !f.pollIncoming(ctx) {
			f.rejoin(ctx)
		}
		return
	case err != nil:
		f.log.Warn().Err(err).Msg("search attempt failed")
		return
	}

	f.queueCount = res.Active
	f.searchMessage = res.Message
	f.emit(EventSearchStatus, SearchStatus{QueueCount: res.Active, Message: res.Message})
}

// pollIncoming is the polling producer for sessions addressed to us.
func (f *Flow) pollIncoming(ctx context.Context) bool {
	if f.entry == nil {
		return false
	}
	pending, err := f.d.Sessions.Pending(ctx, f.userID, f.entry.JoinedAt)
	if err != nil {
		f.log.Warn().Err(err).Msg("failed to poll incoming sessions")
		return false
	}
	for _, sess := range pending {
		if f.acceptIncoming(sess) {
			return true
		}
	}
	return false
}

func (f *Flow) onIncoming(payload []byte) {
	var sess models.CallSession
	if err := json.Unmarshal(payload, &sess); err != nil {
		f.log.Warn().Err(err).Msg("dropping undecodable session notification")
		return
	}
	f.acceptIncoming(sess)
}

// acceptIncoming is the single transition both producers feed. It reports
// whether the flow entered the call.
func (f *Flow) acceptIncoming(sess models.CallSession) bool {
	if f.state != StateSearching || f.matching {
		return false
	}
	if sess.ReceiverID != f.userID || sess.Status.Terminal() || f.seen[sess.ID] {
		return false
	}
	f.seen[sess.ID] = true

	ctx, cancel := f.opCtx()
	defer cancel()

	partner, err := f.d.Profiles.Get(ctx, sess.CallerID)
	if err != nil {
		f.log.Warn().Err(err).Str("session_id", sess.ID).Msg("caller profile unavailable, declining session")
		if _, err := f.d.Sessions.Abandon(ctx, sess, f.userID); err != nil {
			f.log.Warn().Err(err).Msg("failed to abandon declined session")
		}
		f.rejoin(ctx)
		return false
	}

	f.matching = true
	f.d.Queue.Leave(ctx, f.userID)
	accepted, err := f.d.Sessions.Accept(ctx, sess.ID)
	if err != nil {
		f.log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to mark session active")
		accepted = sess
	}
	if accepted.Status == models.StatusAbandoned {
		f.matching = false
		f.rejoin(ctx)
		return false
	}
	f.enterCall(accepted, partner, models.SideReceiver)
	return true
}

// rejoin puts the user back into the queue after its entry was consumed
// without producing a call.
func (f *Flow) rejoin(ctx context.Context) {
	if f.state != StateSearching {
		return
	}
	entry, err := f.d.Queue.Join(ctx, f.userID)
	if err != nil {
		f.log.Warn().Err(err).Msg("failed to rejoin queue")
		return
	}
	f.entry = &entry
}

func (f *Flow) enterCall(sess models.CallSession, partner models.Profile, side models.Side) {
	f.stopTimers(timerSearch, timerHeartbeat)
	f.incoming.Close()
	f.incoming = nil

	ctx, cancel := f.opCtx()
	defer cancel()

	// Both sides remove their own entry; the claim already removed the
	// caller's, so this is idempotent.
	f.d.Queue.Leave(ctx, f.userID)
	f.entry = nil
	f.seen[sess.ID] = true

	f.session = &sess
	f.side = side
	f.partner = &partner
	f.callStart = f.d.Clock.Now()

	if sub, err := f.d.Changes.Subscribe(ctx, bus.SessionUpdateTopic(sess.ID)); err != nil {
		f.log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to subscribe to session updates")
	} else {
		f.updates = sub
	}
	room := SessionRoom(sess.ID)
	if sub, err := f.d.Relay.Subscribe(ctx, room, f.userID); err != nil {
		f.log.Warn().Err(err).Str("room", room).Msg("failed to join signaling room")
	} else {
		f.signals = sub
	}

	f.log.Info().Str("session_id", sess.ID).Str("role", string(side)).Msg("call started")
	f.setState(StateInCall)
	f.emit(EventCallStarted, CallStarted{
		SessionID:       sess.ID,
		Room:            room,
		Role:            side,
		Initiator:       side == models.SideCaller,
		Partner:         partner,
		CooldownSeconds: ceilSeconds(f.d.Config.Cooldown),
	})

	f.schedule(timerCooldown, f.d.Config.Cooldown)
	f.schedule(timerTick, f.d.Config.TickInterval)
	f.schedule(timerLiveness, f.d.Config.HeartbeatInterval)
	f.schedule(timerMediaFallback, f.d.Config.MediaFallbackAfter)
	f.reconcile()
}

func (f *Flow) endCall() error {
	if f.state != StateInCall {
		return ErrInvalidState
	}
	if f.d.Clock.Now().Sub(f.callStart) < f.d.Config.Cooldown {
		return ErrCooldownActive
	}

	ctx, cancel := f.opCtx()
	defer cancel()

	endedByMe := true
	sess, err := f.d.Sessions.End(ctx, *f.session, f.userID)
	switch {
	case errors.Is(err, ErrCooldownActive):
		return err
	case errors.Is(err, ErrSessionClosed):
		f.refreshSession()
		return nil
	case err != nil:
		// The peer still notices through liveness; end locally.
		f.log.Warn().Err(err).Str("session_id", f.session.ID).Msg("failed to record call end")
	default:
		// A stored end we had not seen yet stays the partner's.
		endedByMe = sess.EndedBy == nil || *sess.EndedBy == f.userID
		f.merge(sess)
	}
	f.enterDecision(endedByMe)
	return nil
}

func (f *Flow) enterDecision(endedByMe bool) {
	if f.state != StateInCall {
		return
	}
	f.callEnd = f.d.Clock.Now()
	f.stopTimers(timerCooldown, timerTick, timerMediaFallback)
	f.signals.Close()
	f.signals = nil
	f.releaseMedia()

	f.setState(StateDecision)
	f.emit(EventCallEnded, CallEnded{
		SessionID:       f.session.ID,
		DurationSeconds: f.callDuration(),
		EndedByMe:       endedByMe,
	})
	f.reconcile()
}

func (f *Flow) decide(decision models.Decision) error {
	if !decision.Valid() {
		return ErrInvalidDecision
	}
	if f.state != StateDecision {
		return ErrInvalidState
	}
	if f.myDecision != models.DecisionUnset {
		return ErrAlreadyDecided
	}

	ctx, cancel := f.opCtx()
	defer cancel()

	sess, err := f.d.Decisions.Submit(ctx, f.session.ID, f.side, decision)
	switch {
	case errors.Is(err, ErrAlreadyDecided), errors.Is(err, ErrSessionClosed):
		f.refreshSession()
		return err
	case err != nil:
		return err
	}

	f.myDecision = decision
	f.d.Decisions.RecordHistory(ctx, sess, f.side, f.callDuration())
	f.applySession(sess)
	if f.state == StateDecision {
		f.emit(EventStateChanged, f.snapshot())
	}
	return nil
}

// refreshSession touches our liveness stamp and re-reads the session. It
// is the polling producer for session changes.
func (f *Flow) refreshSession() {
	if f.session == nil {
		return
	}
	ctx, cancel := f.opCtx()
	defer cancel()

	if err := f.d.Sessions.Touch(ctx, f.session.ID, f.side); err != nil {
		f.log.Debug().Err(err).Msg("session heartbeat failed")
	}
	sess, err := f.d.Sessions.Get(ctx, f.session.ID)
	if err != nil {
		f.log.Debug().Err(err).Msg("failed to refresh session")
		return
	}
	f.applySession(sess)
}

func (f *Flow) onUpdate(payload []byte) {
	var sess models.CallSession
	if err := json.Unmarshal(payload, &sess); err != nil {
		f.log.Warn().Err(err).Msg("dropping undecodable session update")
		return
	}
	f.applySession(sess)
}

func (f *Flow) merge(sess models.CallSession) bool {
	if f.session == nil || sess.ID != f.session.ID {
		return false
	}
	merged := f.session.Merge(sess)
	f.session = &merged
	return true
}

func (f *Flow) applySession(sess models.CallSession) {
	if f.merge(sess) {
		f.reconcile()
	}
}

// reconcile drives the call states from the latest session snapshot.
// Submit-then-wait and receive-then-combine both end up here.
func (f *Flow) reconcile() {
	if f.session == nil {
		return
	}
	s := *f.session
	if mine := s.DecisionOf(f.side); mine != models.DecisionUnset && f.myDecision == models.DecisionUnset {
		f.myDecision = mine
	}

	switch f.state {
	case StateInCall:
		if s.Status == models.StatusAbandoned {
			f.partnerGone()
			return
		}
		if s.EndedAt != nil {
			f.enterDecision(false)
		}

	case StateDecision:
		if s.DecisionOf(f.side.Other()) != models.DecisionUnset && !f.partnerNotified {
			f.partnerNotified = true
			f.emit(EventPartnerDecided, OutcomeReached{SessionID: s.ID})
		}
		if _, final := outcomeOf(s); !final {
			return
		}
		if s.Status == models.StatusAbandoned && !s.BothDecided() {
			f.partnerGone()
			return
		}
		f.resolve()
	}
}

func (f *Flow) resolve() {
	ctx, cancel := f.opCtx()
	defer cancel()

	res, err := f.d.Decisions.Finalize(ctx, *f.session)
	if err != nil {
		// Retried on the next liveness tick.
		f.log.Warn().Err(err).Str("session_id", f.session.ID).Msg("failed to finalize outcome")
		return
	}
	var matchID string
	if res.Match != nil {
		matchID = res.Match.ID
	}
	f.finish(res.Outcome, matchID, "")
}

func (f *Flow) partnerGone() {
	f.partnerLeft = true
	f.log.Info().Str("session_id", f.session.ID).Msg("partner left the call")
	f.emit(EventPartnerLeft, OutcomeReached{SessionID: f.session.ID, Outcome: OutcomeNoMatch, Reason: "partner_left"})
	f.finish(OutcomeNoMatch, "", "partner_left")
}

func (f *Flow) finish(outcome Outcome, matchID, reason string) {
	if f.state == StateInCall {
		f.callEnd = f.d.Clock.Now()
	}
	f.releaseCall()
	f.matching = false
	f.outcome = outcome
	f.matchID = matchID

	next := StateNoMatch
	if outcome == OutcomeMatched {
		next = StateMatched
	}
	f.log.Info().Str("session_id", f.session.ID).Str("outcome", string(outcome)).Msg("call resolved")
	f.setState(next)
	f.emit(EventOutcome, OutcomeReached{
		SessionID: f.session.ID,
		Outcome:   outcome,
		MatchID:   matchID,
		Partner:   f.partner,
		Reason:    reason,
	})
}

func (f *Flow) onSignal(sig Signal) {
	if f.state != StateInCall {
		return
	}
	if sig.Kind == SignalCandidate && !sig.EndOfCandidates() {
		f.remoteCandidate = true
	}
	f.emit(EventSignal, sig)
}

// abandon marks an unresolved call as left by us.
func (f *Flow) abandon(ctx context.Context) {
	if f.session == nil || (f.state != StateInCall && f.state != StateDecision) {
		return
	}
	if _, err := f.d.Sessions.Abandon(ctx, *f.session, f.userID); err != nil {
		f.log.Warn().Err(err).Str("session_id", f.session.ID).Msg("failed to abandon session")
	}
}

// releaseCall drops every call-scoped resource.
func (f *Flow) releaseCall() {
	f.stopTimers(timerCooldown, timerTick, timerLiveness, timerMediaFallback)
	f.updates.Close()
	f.updates = nil
	f.signals.Close()
	f.signals = nil
	f.releaseMedia()
}

// reset drops every resource the flow holds. The caller sets the state.
func (f *Flow) reset(ctx context.Context) {
	f.stopTimers(timerSearch, timerHeartbeat)
	f.incoming.Close()
	f.incoming = nil
	if f.state == StateSearching {
		f.d.Queue.Leave(ctx, f.userID)
	}
	f.entry = nil
	f.matching = false
	f.releaseCall()
	f.resetCall()
}

func (f *Flow) resetCall() {
	f.session = nil
	f.side = ""
	f.partner = nil
	f.callStart = time.Time{}
	f.callEnd = time.Time{}
	f.cooldownDone = false
	f.remoteCandidate = false
	f.partnerNotified = false
	f.myDecision = models.DecisionUnset
	f.outcome = ""
	f.matchID = ""
	f.partnerLeft = false
}

func (f *Flow) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), f.d.Config.OpTimeout)
	defer cancel()
	f.abandon(ctx)
	f.reset(ctx)
	f.state = StateIdle
	f.log.Debug().Msg("flow closed")
}

func (f *Flow) acquireMedia() error {
	if f.stream != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(f.ctx, f.d.Config.MediaTimeout)
	defer cancel()

	stream, err := acquireMedia(ctx, f.d.Media)
	if err != nil {
		me := NewMediaError(err)
		f.mediaError = me.Message
		f.log.Warn().Err(err).Msg("media acquisition failed")
		f.emit(EventMediaError, ErrorPayload{Message: me.Message})
		return me
	}
	f.stream = stream
	return nil
}

func (f *Flow) releaseMedia() {
	if f.stream == nil {
		return
	}
	f.stream.Stop()
	f.stream = nil
}

func (f *Flow) callDuration() int {
	if f.callStart.IsZero() {
		return 0
	}
	end := f.callEnd
	if f.state == StateInCall || end.IsZero() {
		end = f.d.Clock.Now()
	}
	return int(end.Sub(f.callStart) / time.Second)
}

func (f *Flow) tick() CallTick {
	remaining := f.d.Config.Cooldown - f.d.Clock.Now().Sub(f.callStart)
	return CallTick{
		DurationSeconds:   f.callDuration(),
		CooldownRemaining: ceilSeconds(remaining),
		CanEnd:            f.cooldownDone || remaining <= 0,
	}
}

func (f *Flow) setState(s State) {
	if f.state != s {
		f.log.Debug().Str("from", string(f.state)).Str("to", string(s)).Msg("state changed")
	}
	f.state = s
	f.emit(EventStateChanged, f.snapshot())
}

func (f *Flow) emit(t EventType, payload any) {
	if f.d.Sink == nil {
		return
	}
	f.d.Sink.Deliver(f.userID, Event{Type: t, Payload: payload})
}

func (f *Flow) snapshot() Snapshot {
	snap := Snapshot{
		State:         f.state,
		QueueCount:    f.queueCount,
		SearchMessage: f.searchMessage,
		MyDecision:    f.myDecision,
		Outcome:       f.outcome,
		MatchID:       f.matchID,
		PartnerLeft:   f.partnerLeft,
		VideoEnabled:  trackEnabled(f.stream, TrackVideo),
		AudioEnabled:  trackEnabled(f.stream, TrackAudio),
		MediaError:    f.mediaError,
	}
	if f.state != StateSearching {
		snap.QueueCount = 0
		snap.SearchMessage = ""
	}
	if f.session != nil {
		snap.SessionID = f.session.ID
		snap.Role = f.side
		snap.Initiator = f.side == models.SideCaller
		snap.Room = SessionRoom(f.session.ID)
		snap.Partner = f.partner
		snap.PartnerDecided = f.session.DecisionOf(f.side.Other()) != models.DecisionUnset
		snap.DurationSeconds = f.callDuration()
	}
	if f.state == StateInCall {
		t := f.tick()
		snap.CooldownRemaining = t.CooldownRemaining
		snap.CanEnd = t.CanEnd
	}
	return snap
}

// Manager owns one Flow per user.
type Manager struct {
	deps  Deps
	media func(userID string) MediaDevice
	log   zerolog.Logger

	mu    sync.Mutex
	flows map[string]*Flow
}

// NewManager creates flows from deps. media, when non-nil, supplies the
// per-user media device and overrides deps.Media.
func NewManager(deps Deps, media func(userID string) MediaDevice) *Manager {
	return &Manager{
		deps:  deps,
		media: media,
		log:   deps.Log.With().Str("module", "vibe.manager").Logger(),
		flows: make(map[string]*Flow),
	}
}

// Flow returns the user's flow, creating it on first use.
func (m *Manager) Flow(userID string) *Flow {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.flows[userID]; ok {
		return f
	}
	deps := m.deps
	if m.media != nil {
		deps.Media = m.media(userID)
	}
	f := NewFlow(userID, deps)
	m.flows[userID] = f
	m.log.Debug().Str("user_id", userID).Int("flows", len(m.flows)).Msg("flow created")
	return f
}

// Lookup returns the user's flow if one exists.
func (m *Manager) Lookup(userID string) (*Flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[userID]
	return f, ok
}

// Release tears down and forgets the user's flow.
func (m *Manager) Release(userID string) {
	m.mu.Lock()
	f, ok := m.flows[userID]
	delete(m.flows, userID)
	m.mu.Unlock()

	if ok {
		f.Close()
		m.log.Debug().Str("user_id", userID).Msg("flow released")
	}
}

// ReleaseIdle releases the user's flow if it is idle and reports whether
// it did.
func (m *Manager) ReleaseIdle(ctx context.Context, userID string) bool {
	return m.releaseIf(ctx, userID, func(s State) bool { return s == StateIdle })
}

// ReleaseResting releases the resting flows of users online does not
// report as connected, and returns how many it released.
func (m *Manager) ReleaseResting(ctx context.Context, online func(userID string) bool) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.flows))
	for id := range m.flows {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	released := 0
	for _, id := range ids {
		if online != nil && online(id) {
			continue
		}
		if m.releaseIf(ctx, id, State.Resting) {
			released++
		}
	}
	return released
}

// releaseIf holds the manager lock across the state check so the flow is
// not handed out again between the check and its removal.
func (m *Manager) releaseIf(ctx context.Context, userID string, ok func(State) bool) bool {
	m.mu.Lock()
	f, found := m.flows[userID]
	if !found {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, m.deps.Config.OpTimeout)
	snap, err := f.Snapshot(ctx)
	cancel()
	if err != nil || !ok(snap.State) {
		m.mu.Unlock()
		return false
	}
	delete(m.flows, userID)
	m.mu.Unlock()

	f.Close()
	m.log.Debug().Str("user_id", userID).Str("state", string(snap.State)).Msg("flow released")
	return true
}

// Len returns the number of live flows.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flows)
}

// Close tears down every flow.
func (m *Manager) Close() {
	m.mu.Lock()
	flows := m.flows
	m.flows = make(map[string]*Flow)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, f := range flows {
		wg.Add(1)
		go func(f *Flow) {
			defer wg.Done()
			f.Close()
		}(f)
	}
	wg.Wait()
}
