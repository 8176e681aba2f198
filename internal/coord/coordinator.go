// Package coord implements the daemon's single-threaded core.
//
// One goroutine owns every piece of mutable state: the per-backend UID
// snapshots, the merged active set, the credential store, the
// authentication cache, and the client session table. Reader backends
// and session handlers never touch that state directly; they post events
// into the coordinator's inbox and the coordinator answers over
// per-session message channels. Total ordering of events is the
// concurrency model.
package coord

import (
	"context"
	"log/slog"
	"time"

	"github.com/tagauth/tagauthd/internal/credstore"
	"github.com/tagauth/tagauthd/internal/metrics"
	"github.com/tagauth/tagauthd/internal/uid"
)

// handleBuffer is the per-session message channel depth. A handler that
// stops draining (stuck client) loses watcher updates rather than
// stalling the coordinator.
const handleBuffer = 32

// tickEvery drives timeout processing when no reader backend is posting
// keepalives.
const tickEvery = 1 * time.Second

// -------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------

type event interface{ isEvent() }

type evUIDs struct {
	source string
	uids   []string
}

type evKeepAlive struct{}

type evAttach struct{ h *Handle }

type evDetach struct{ h *Handle }

type evRequest struct {
	h    *Handle
	kind requestKind
	user string
	wait time.Duration
	// oneShot requests resolve on the very step that registers them.
	oneShot bool
}

type evWatch struct {
	h    *Handle
	uids bool // false: count watcher, true: full-set watcher
}

func (evUIDs) isEvent()      {}
func (evKeepAlive) isEvent() {}
func (evAttach) isEvent()    {}
func (evDetach) isEvent()    {}
func (evRequest) isEvent()   {}
func (evWatch) isEvent()     {}

// -------------------------------------------------------------------------
// Requests and Sessions
// -------------------------------------------------------------------------

type requestKind int

const (
	reqWaitAuth requestKind = iota
	reqAddUser
	reqDelUser
	reqDelUserAll
)

type request struct {
	kind    requestKind
	user    string
	expires time.Time
	oneShot bool
}

type watchMode int

const (
	watchNone watchMode = iota
	watchCount
	watchSet
)

// session is the coordinator-side state of one connected client.
type session struct {
	h         *Handle
	pending   *request
	watch     watchMode
	voidSince time.Time
	fresh     bool // request or watch registered during the current step
}

// Peer identifies the client behind a session as far as the coordinator
// cares: the process for logging and the username for the UID-disclosure
// rule on WAITAUTH.
type Peer struct {
	PID  int
	User string
}

// Handle is the session handler's side of a coordinator session.
type Handle struct {
	c    *Coordinator
	peer Peer
	msgs chan Message
}

// Messages returns the channel the coordinator answers on.
func (h *Handle) Messages() <-chan Message {
	return h.msgs
}

// WaitAuth registers an authentication request for user, waiting up to
// wait for a matching tag. Non-positive waits resolve immediately.
func (h *Handle) WaitAuth(user string, wait time.Duration) {
	h.c.post(evRequest{h: h, kind: reqWaitAuth, user: user, wait: wait, oneShot: wait <= 0})
}

// AddUser registers an enrollment request for user.
func (h *Handle) AddUser(user string, wait time.Duration) {
	h.c.post(evRequest{h: h, kind: reqAddUser, user: user, wait: wait, oneShot: wait <= 0})
}

// DelUser registers a deletion request for user. A negative wait deletes
// every entry of the user without needing a tag on a reader.
func (h *Handle) DelUser(user string, wait time.Duration) {
	if wait < 0 {
		h.c.post(evRequest{h: h, kind: reqDelUserAll, user: user, oneShot: true})
		return
	}

	h.c.post(evRequest{h: h, kind: reqDelUser, user: user, wait: wait, oneShot: wait == 0})
}

// WatchNBUIDs switches the session into count-watcher mode.
func (h *Handle) WatchNBUIDs() {
	h.c.post(evWatch{h: h, uids: false})
}

// WatchUIDs switches the session into full-set-watcher mode. The caller
// is responsible for the root-only access check.
func (h *Handle) WatchUIDs() {
	h.c.post(evWatch{h: h, uids: true})
}

// Detach removes the session. Must be called exactly once; the message
// channel is not closed, the handler just stops reading it.
func (h *Handle) Detach() {
	h.c.post(evDetach{h: h})
}

// -------------------------------------------------------------------------
// Coordinator
// -------------------------------------------------------------------------

// Coordinator owns the active set, the credential store, and all client
// sessions. Create with New, start with Run, feed through the Handle and
// Sink methods.
type Coordinator struct {
	logger      *slog.Logger
	mr          metrics.Reporter
	store       *credstore.Store
	translation map[string]string
	maxWait     time.Duration
	voidTimeout time.Duration
	now         func() time.Time

	inbox chan event
	done  chan struct{}

	// Everything below is owned by the Run goroutine.
	snapshots map[string][]string
	active    uid.Set
	prev      uid.Set
	prevValid bool
	sessions    map[*Handle]*session
	authCache   map[string]authResult
	observers   []chan SetChange
	credsBroken bool
}

type authResult struct {
	ok   bool
	uids []string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the instrumentation reporter.
func WithMetrics(mr metrics.Reporter) Option {
	return func(c *Coordinator) { c.mr = mr }
}

// WithTranslation sets the UID translation table applied during merging.
func WithTranslation(t map[string]string) Option {
	return func(c *Coordinator) { c.translation = t }
}

// WithMaxWait caps the wait duration a client may request.
func WithMaxWait(d time.Duration) Option {
	return func(c *Coordinator) { c.maxWait = d }
}

// WithVoidTimeout sets how long a session may sit with no request before
// it is told to close.
func WithVoidTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.voidTimeout = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator over the given credential store.
func New(store *credstore.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:      slog.Default(),
		mr:          metrics.Nop{},
		store:       store,
		maxWait:     60 * time.Second,
		voidTimeout: 60 * time.Second,
		now:         time.Now,
		inbox:       make(chan event, 64),
		done:        make(chan struct{}),
		snapshots:   make(map[string][]string),
		sessions:    make(map[*Handle]*session),
		authCache:   make(map[string]authResult),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With(slog.String("component", "coordinator"))

	return c
}

// Attach registers a new client session and returns its handle.
func (c *Coordinator) Attach(peer Peer) *Handle {
	h := &Handle{c: c, peer: peer, msgs: make(chan Message, handleBuffer)}
	c.post(evAttach{h: h})

	return h
}

// Subscribe registers an active-set observer. Must be called before Run.
// Changes are delivered non-blocking; a slow observer misses transitions.
func (c *Coordinator) Subscribe() <-chan SetChange {
	ch := make(chan SetChange, 8)
	c.observers = append(c.observers, ch)

	return ch
}

// UIDsUpdate delivers a backend's full UID snapshot. Implements the
// reader Sink contract.
func (c *Coordinator) UIDsUpdate(source string, uids []string) {
	c.post(evUIDs{source: source, uids: uids})
}

// KeepAlive advances coordinator time with no state change. Implements
// the reader Sink contract.
func (c *Coordinator) KeepAlive() {
	c.post(evKeepAlive{})
}

// post delivers an event unless the coordinator has shut down.
func (c *Coordinator) post(ev event) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

// Run processes events until ctx is canceled. It is the only goroutine
// that touches coordinator state.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	c.logger.Info("coordinator started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopped")
			return ctx.Err()

		case ev := <-c.inbox:
			c.step(ev)

		case <-ticker.C:
			c.step(evKeepAlive{})
		}
	}
}

// -------------------------------------------------------------------------
// Event Processing
// -------------------------------------------------------------------------

// step runs one full processing round: apply the event, reload the
// credential file if its mtime advanced, re-merge the active set when a
// snapshot changed, then walk every session.
func (c *Coordinator) step(ev event) {
	setChanged := c.apply(ev)

	// The first merge defines the previous state watchers diff against;
	// it never counts as a change for them.
	firstMerge := false

	if _, ok := ev.(evUIDs); ok && !c.prevValid {
		c.prevValid = true
		firstMerge = true
	}

	c.reloadCreds()

	prevForDelta := c.prev

	if setChanged {
		// Any presence change invalidates every cached auth decision.
		clear(c.authCache)

		c.notifyObservers(prevForDelta, c.active)
	}

	c.stepSessions(setChanged && !firstMerge, prevForDelta)

	if setChanged || firstMerge {
		c.prev = c.active.Clone()
	}
}

// apply mutates state for one event and reports whether the merged
// active set changed.
func (c *Coordinator) apply(ev event) bool {
	switch ev := ev.(type) {
	case evUIDs:
		c.mr.IncListenerUpdate(ev.source)
		c.snapshots[ev.source] = ev.uids

		return c.remerge()

	case evKeepAlive:
		return false

	case evAttach:
		c.sessions[ev.h] = &session{h: ev.h, voidSince: c.now()}
		c.logger.Debug("session attached",
			slog.Int("pid", ev.h.peer.PID),
			slog.String("user", ev.h.peer.User))

	case evDetach:
		delete(c.sessions, ev.h)
		c.logger.Debug("session detached", slog.Int("pid", ev.h.peer.PID))

	case evRequest:
		s, ok := c.sessions[ev.h]
		if !ok {
			return false
		}

		wait := min(ev.wait, c.maxWait)

		s.watch = watchNone
		s.voidSince = time.Time{}
		s.fresh = true
		s.pending = &request{
			kind:    ev.kind,
			user:    ev.user,
			expires: c.now().Add(wait),
			oneShot: ev.oneShot,
		}

	case evWatch:
		s, ok := c.sessions[ev.h]
		if !ok {
			return false
		}

		s.pending = nil
		s.voidSince = time.Time{}
		s.fresh = true

		if ev.uids {
			s.watch = watchSet
		} else {
			s.watch = watchCount
		}
	}

	return false
}

// remerge recomputes the merged active set from all backend snapshots.
func (c *Coordinator) remerge() bool {
	sources := make([][]string, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		sources = append(sources, snap)
	}

	merged := uid.Merge(c.translation, sources...)

	changed := !merged.Equal(c.active)
	c.active = merged
	c.mr.SetActiveUIDs(len(merged))

	return changed
}

// reloadCreds re-reads the credential file when its mtime advanced and
// drops the auth cache when the in-memory view was replaced. A broken
// file is reported once when it breaks, not on every inbox event of the
// outage.
func (c *Coordinator) reloadCreds() {
	changed, err := c.store.Reload()

	switch {
	case err != nil && !c.credsBroken:
		c.credsBroken = true
		c.mr.IncCredstoreReload(metrics.StatusError)
		c.logger.Error("credential store reload failed", slog.String("error", err.Error()))

	case err == nil && changed:
		if c.credsBroken {
			c.credsBroken = false
			c.logger.Info("credential store recovered")
		}

		c.mr.IncCredstoreReload(metrics.StatusOK)
		c.logger.Info("credential store reloaded",
			slog.Int("entries", len(c.store.Entries())))
	}

	if changed {
		clear(c.authCache)
	}
}

// notifyObservers delivers the set transition to subscribers without
// blocking.
func (c *Coordinator) notifyObservers(from, to uid.Set) {
	change := SetChange{From: from, To: to.Clone()}

	for _, ch := range c.observers {
		select {
		case ch <- change:
		default:
			c.logger.Warn("active-set observer lagging, transition dropped")
		}
	}
}

// -------------------------------------------------------------------------
// Session Stepping
// -------------------------------------------------------------------------

// stepSessions resolves pending requests, emits watcher updates, and
// enforces the idle-session timeout.
func (c *Coordinator) stepSessions(setChanged bool, prev uid.Set) {
	now := c.now()

	for _, s := range c.sessions {
		switch {
		case s.pending != nil:
			c.stepRequest(s, now)

		case s.watch != watchNone:
			c.stepWatch(s, setChanged, prev)

		default:
			if !s.voidSince.IsZero() && now.Sub(s.voidSince) >= c.voidTimeout {
				s.voidSince = time.Time{}
				c.send(s.h, Message{Kind: MsgVoidTimeout})
			}
		}

		s.fresh = false
	}
}

// stepRequest advances one pending WAITAUTH/ADDUSER/DELUSER.
func (c *Coordinator) stepRequest(s *session, now time.Time) {
	req := s.pending
	expired := req.oneShot || !now.Before(req.expires)

	switch req.kind {
	case reqWaitAuth:
		ok, matched := c.authenticate(req.user)
		if ok {
			// UIDs are disclosed only to the user they belong to.
			msg := Message{Kind: MsgAuthOK}
			if s.h.peer.User == req.user {
				msg.UIDs = matched
			}

			c.resolve(s, now, metrics.ResultOK, msg)

			return
		}

		if expired {
			c.resolve(s, now, metrics.ResultNoAuth, Message{Kind: MsgNoAuth})
		}

	case reqAddUser:
		if len(c.active) == 1 {
			c.resolveAdd(s, now, req.user, c.active[0])
			return
		}

		if expired {
			c.resolve(s, now, metrics.ResultTimeout, Message{Kind: MsgTimeout})
		}

	case reqDelUser:
		if len(c.active) == 1 {
			entries, removed := c.store.WithoutUID(req.user, c.active[0])
			if removed == 0 {
				c.resolve(s, now, "", Message{Kind: MsgNone})
			} else {
				c.resolve(s, now, "", Message{Kind: MsgWrite, Entries: entries})
			}

			return
		}

		if expired {
			c.resolve(s, now, metrics.ResultTimeout, Message{Kind: MsgTimeout})
		}

	case reqDelUserAll:
		entries, removed := c.store.WithoutUser(req.user)
		if removed == 0 {
			c.resolve(s, now, "", Message{Kind: MsgNone})
		} else {
			c.resolve(s, now, "", Message{Kind: MsgWrite, Entries: entries})
		}
	}
}

// resolveAdd finishes an ADDUSER with exactly one tag present.
func (c *Coordinator) resolveAdd(s *session, now time.Time, user, tagUID string) {
	if c.store.HasUserUID(user, tagUID) {
		c.resolve(s, now, "", Message{Kind: MsgExists})
		return
	}

	entries, err := c.store.WithAdded(user, tagUID)
	if err != nil {
		c.logger.Error("hashing enrollment uid failed", slog.String("error", err.Error()))
		c.resolve(s, now, "", Message{Kind: MsgTimeout})

		return
	}

	c.resolve(s, now, "", Message{Kind: MsgWrite, Entries: entries})
}

// resolve delivers the terminal message for a request and returns the
// session to the void state.
func (c *Coordinator) resolve(s *session, now time.Time, authResult string, msg Message) {
	if authResult != "" {
		c.mr.IncAuthRequest(authResult)
	}

	s.pending = nil
	s.voidSince = now
	c.send(s.h, msg)
}

// stepWatch emits watcher updates. Updates are suppressed until the
// first merge has happened: before that there is no previous state to
// report a change against.
func (c *Coordinator) stepWatch(s *session, setChanged bool, prev uid.Set) {
	if !c.prevValid {
		return
	}

	switch s.watch {
	case watchCount:
		if setChanged && len(c.active) != len(prev) {
			c.send(s.h, Message{
				Kind:  MsgNBUIDs,
				Count: len(c.active),
				Delta: len(c.active) - len(prev),
			})
		}

	case watchSet:
		if setChanged || s.fresh {
			c.send(s.h, Message{Kind: MsgUIDs, UIDs: c.active.Clone()})
		}
	}
}

// authenticate answers "does any active tag belong to user", cached per
// username until the active set or the credential store changes.
func (c *Coordinator) authenticate(user string) (bool, []string) {
	if r, ok := c.authCache[user]; ok {
		return r.ok, r.uids
	}

	ok, matched := c.store.Authenticate(user, c.active)
	c.authCache[user] = authResult{ok: ok, uids: matched}

	return ok, matched
}

// send delivers a message without blocking the coordinator.
func (c *Coordinator) send(h *Handle, msg Message) {
	select {
	case h.msgs <- msg:
	default:
		c.logger.Warn("session message dropped, handler not draining",
			slog.Int("pid", h.peer.PID),
			slog.String("kind", msg.Kind.String()))
	}
}
