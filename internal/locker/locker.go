// Package locker locks login sessions when a tag is presented.
//
// Some deployments use tag presentation as a "walk away" gesture: badge
// the reader, every session locks, the machine is safe to leave. The
// locker watches active-set transitions and calls logind's LockSessions
// whenever the set goes from empty to non-empty.
package locker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/tagauth/tagauthd/internal/coord"
)

const (
	login1Dest   = "org.freedesktop.login1"
	login1Path   = "/org/freedesktop/login1"
	lockSessions = "org.freedesktop.login1.Manager.LockSessions"
)

// sessionLocker is the one logind call the locker makes. Split out so
// tests can observe transitions without a system bus.
type sessionLocker interface {
	LockSessions(ctx context.Context) error
}

// dbusLocker calls login1 over the system bus.
type dbusLocker struct {
	conn *dbus.Conn
}

func (d *dbusLocker) LockSessions(ctx context.Context) error {
	obj := d.conn.Object(login1Dest, dbus.ObjectPath(login1Path))

	if call := obj.CallWithContext(ctx, lockSessions, 0); call.Err != nil {
		return fmt.Errorf("call %s: %w", lockSessions, call.Err)
	}

	return nil
}

// Locker consumes active-set transitions and drives session locking.
type Locker struct {
	changes <-chan coord.SetChange
	target  sessionLocker
	conn    *dbus.Conn
	logger  *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithLogger sets the locker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(lk *Locker) { lk.logger = l }
}

// New connects to the system bus and returns a locker fed by changes,
// which must come from Coordinator.Subscribe.
func New(changes <-chan coord.SetChange, opts ...Option) (*Locker, error) {
	lk := &Locker{
		changes: changes,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(lk)
	}

	lk.logger = lk.logger.With(slog.String("component", "locker"))

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	lk.conn = conn
	lk.target = &dbusLocker{conn: conn}

	return lk, nil
}

// Run consumes transitions until ctx is canceled.
func (lk *Locker) Run(ctx context.Context) error {
	defer func() {
		if lk.conn != nil {
			lk.conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case change, ok := <-lk.changes:
			if !ok {
				return nil
			}

			if !shouldLock(change) {
				continue
			}

			lk.logger.Info("tag presented, locking sessions")

			if err := lk.target.LockSessions(ctx); err != nil {
				// Locking is best effort; logind may be restarting.
				lk.logger.Warn("session lock failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shouldLock reports whether a transition is a fresh tag presentation.
// Tags joining an already non-empty set do not re-lock, and removals
// never lock.
func shouldLock(change coord.SetChange) bool {
	return len(change.From) == 0 && len(change.To) > 0
}
