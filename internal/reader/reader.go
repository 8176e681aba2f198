// Package reader implements the tag reader backends.
//
// Every backend runs as its own goroutine and pushes complete UID
// snapshots into a Sink; backends never see each other and never see the
// merged state. A backend that loses its device closes it, backs off,
// and reopens forever; device trouble degrades presence, it never stops
// the daemon.
package reader

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tagauth/tagauthd/internal/uid"
)

// Backend names, used as snapshot sources and metric labels.
const (
	BackendPCSC   = "pcsc"
	BackendSerial = "serial"
	BackendHID    = "hid"
	BackendPM3    = "pm3"
	BackendHTTP   = "http"
	BackendTCP    = "tcp"
)

// retryDelay is the pause before reopening a failed device or connection.
const retryDelay = 2 * time.Second

// maxLineLen caps the buffered tail of an unterminated device stream. A
// device that never sends a line break must not grow memory without
// bound.
const maxLineLen = 256

// Sink receives backend output. Implemented by the coordinator.
type Sink interface {
	// UIDsUpdate replaces the backend's snapshot with uids.
	UIDsUpdate(source string, uids []string)

	// KeepAlive signals liveness on a cycle with no snapshot change.
	KeepAlive()
}

// Reader is one running backend.
type Reader interface {
	// Name returns the backend name.
	Name() string

	// Run blocks until ctx is canceled, feeding the backend's sink.
	Run(ctx context.Context) error
}

// -------------------------------------------------------------------------
// Presence Table
// -------------------------------------------------------------------------

// presence tracks which UIDs a backend currently considers present.
// Repeating readers refresh a deadline on every report; one-shot readers
// (keyboard wedges) set a synthetic window once. Safe for concurrent use
// because the HTTP backend touches it from handler goroutines.
type presence struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
	now       func() time.Time
}

func newPresence() *presence {
	return &presence{
		deadlines: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Touch marks u present until ttl from now.
func (p *presence) Touch(u string, ttl time.Duration) {
	if u == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.deadlines[u] = p.now().Add(ttl)
}

// Snapshot prunes expired UIDs and returns the sorted remainder.
func (p *presence) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]string, 0, len(p.deadlines))

	for u, deadline := range p.deadlines {
		if now.After(deadline) {
			delete(p.deadlines, u)
			continue
		}

		out = append(out, u)
	}

	slices.Sort(out)

	return out
}

// Clear drops every tracked UID, for device loss.
func (p *presence) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.deadlines)
}

// -------------------------------------------------------------------------
// Emitter
// -------------------------------------------------------------------------

// emitter pushes a snapshot when it differs from the last one pushed and
// a keepalive otherwise, so the coordinator's timers advance every cycle
// without redundant merges.
type emitter struct {
	sink Sink
	name string
	last []string
	sent bool
}

func newEmitter(sink Sink, name string) *emitter {
	return &emitter{sink: sink, name: name}
}

func (e *emitter) emit(snap []string) {
	if e.sent && slices.Equal(snap, e.last) {
		e.sink.KeepAlive()
		return
	}

	e.sink.UIDsUpdate(e.name, snap)
	e.last = snap
	e.sent = true
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// sleep pauses for d unless ctx ends first; reports whether to continue.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// splitLines feeds complete \n- or \r-terminated chunks of buf into fn
// and returns the unterminated remainder, truncated at maxLineLen. Raw
// reader output is normalized before it leaves this package.
func splitLines(buf []byte, fn func(line string)) []byte {
	start := 0

	for i, b := range buf {
		if b == '\n' || b == '\r' {
			if i > start {
				fn(string(buf[start:i]))
			}

			start = i + 1
		}
	}

	rest := append(buf[:0], buf[start:]...)
	if len(rest) > maxLineLen {
		rest = rest[:maxLineLen]
	}

	return rest
}

// normalizeLine is splitLines' usual companion.
func normalizeLine(line string) string {
	return uid.Normalize(line)
}

// logger returns l tagged with the backend component.
func logger(l *slog.Logger, name string) *slog.Logger {
	return l.With(slog.String("component", "reader"), slog.String("backend", name))
}
