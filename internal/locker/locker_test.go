package locker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tagauth/tagauthd/internal/coord"
)

// fakeTarget records LockSessions calls.
type fakeTarget struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTarget) LockSessions(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	return f.err
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

func TestShouldLock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		change coord.SetChange
		want   bool
	}{
		{
			name:   "empty to non-empty locks",
			change: coord.SetChange{To: []string{"AAAA1111"}},
			want:   true,
		},
		{
			name:   "second tag joining does not re-lock",
			change: coord.SetChange{From: []string{"AAAA1111"}, To: []string{"AAAA1111", "BBBB2222"}},
			want:   false,
		},
		{
			name:   "removal does not lock",
			change: coord.SetChange{From: []string{"AAAA1111"}, To: nil},
			want:   false,
		},
		{
			name:   "empty to empty",
			change: coord.SetChange{},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := shouldLock(tt.change); got != tt.want {
				t.Errorf("shouldLock(%+v) = %v, want %v", tt.change, got, tt.want)
			}
		})
	}
}

func TestRunLocksOnPresentation(t *testing.T) {
	t.Parallel()

	changes := make(chan coord.SetChange, 8)
	target := &fakeTarget{}

	lk := &Locker{
		changes: changes,
		target:  target,
		logger:  slog.New(slog.DiscardHandler),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = lk.Run(ctx)
	}()

	changes <- coord.SetChange{To: []string{"AAAA1111"}}
	changes <- coord.SetChange{From: []string{"AAAA1111"}, To: []string{"AAAA1111", "BBBB2222"}}
	changes <- coord.SetChange{From: []string{"AAAA1111", "BBBB2222"}, To: nil}
	changes <- coord.SetChange{To: []string{"CCCC3333"}}

	deadline := time.After(2 * time.Second)

	for target.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("locks = %d, want 2", target.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if got := target.count(); got != 2 {
		t.Errorf("locks = %d, want exactly 2", got)
	}
}

func TestRunSurvivesLockFailure(t *testing.T) {
	t.Parallel()

	changes := make(chan coord.SetChange, 2)
	target := &fakeTarget{err: errors.New("logind unavailable")}

	lk := &Locker{
		changes: changes,
		target:  target,
		logger:  slog.New(slog.DiscardHandler),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = lk.Run(ctx)
	}()

	changes <- coord.SetChange{To: []string{"AAAA1111"}}

	deadline := time.After(2 * time.Second)

	for target.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("lock never attempted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	t.Parallel()

	changes := make(chan coord.SetChange)

	lk := &Locker{
		changes: changes,
		target:  &fakeTarget{},
		logger:  slog.New(slog.DiscardHandler),
	}

	done := make(chan error, 1)

	go func() {
		done <- lk.Run(context.Background())
	}()

	close(changes)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil on closed channel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
}
