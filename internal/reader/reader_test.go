package reader

import (
	"context"
	"log/slog"
	"net"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tagauth/tagauthd/internal/config"
)

// fakeSink records everything a backend pushes.
type fakeSink struct {
	mu         sync.Mutex
	updates    [][]string
	keepalives int
}

func (f *fakeSink) UIDsUpdate(_ string, uids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, slices.Clone(uids))
}

func (f *fakeSink) KeepAlive() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.keepalives++
}

func (f *fakeSink) lastUpdate() ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.updates) == 0 {
		return nil, false
	}

	return f.updates[len(f.updates)-1], true
}

// -------------------------------------------------------------------------
// Presence
// -------------------------------------------------------------------------

func TestPresenceExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	p := newPresence()
	p.now = func() time.Time { return now }

	p.Touch("AAAA1111", 1*time.Second)
	p.Touch("BBBB2222", 10*time.Second)

	if got := p.Snapshot(); !slices.Equal(got, []string{"AAAA1111", "BBBB2222"}) {
		t.Errorf("Snapshot = %v, want both present", got)
	}

	// First UID expires, second survives.
	now = now.Add(2 * time.Second)

	if got := p.Snapshot(); !slices.Equal(got, []string{"BBBB2222"}) {
		t.Errorf("Snapshot = %v, want [BBBB2222]", got)
	}

	// Re-touching resets the deadline.
	p.Touch("BBBB2222", 10*time.Second)
	now = now.Add(9 * time.Second)

	if got := p.Snapshot(); !slices.Equal(got, []string{"BBBB2222"}) {
		t.Errorf("Snapshot = %v, want [BBBB2222] after re-touch", got)
	}
}

func TestPresenceIgnoresEmptyUID(t *testing.T) {
	t.Parallel()

	p := newPresence()
	p.Touch("", time.Minute)

	if got := p.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot = %v, want empty", got)
	}
}

func TestPresenceClear(t *testing.T) {
	t.Parallel()

	p := newPresence()
	p.Touch("AAAA1111", time.Minute)
	p.Clear()

	if got := p.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot = %v, want empty after Clear", got)
	}
}

// -------------------------------------------------------------------------
// Emitter
// -------------------------------------------------------------------------

func TestEmitterDeduplicates(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	em := newEmitter(sink, "test")

	// First emission always pushes, even an empty set.
	em.emit(nil)
	em.emit(nil)
	em.emit([]string{"AAAA1111"})
	em.emit([]string{"AAAA1111"})
	em.emit(nil)

	if len(sink.updates) != 3 {
		t.Errorf("updates = %d, want 3 (empty, one tag, empty)", len(sink.updates))
	}

	if sink.keepalives != 2 {
		t.Errorf("keepalives = %d, want 2", sink.keepalives)
	}
}

// -------------------------------------------------------------------------
// Line Splitting
// -------------------------------------------------------------------------

func TestSplitLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		wantLines []string
		wantRest  string
	}{
		{name: "lf terminated", input: "AAAA\nBBBB\n", wantLines: []string{"AAAA", "BBBB"}},
		{name: "cr terminated", input: "AAAA\rBBBB\r", wantLines: []string{"AAAA", "BBBB"}},
		{name: "crlf pairs", input: "AAAA\r\nBBBB\r\n", wantLines: []string{"AAAA", "BBBB"}},
		{name: "partial tail kept", input: "AAAA\nBB", wantLines: []string{"AAAA"}, wantRest: "BB"},
		{name: "no terminator", input: "AAAA", wantRest: "AAAA"},
		{name: "empty lines skipped", input: "\n\nAAAA\n", wantLines: []string{"AAAA"}},
		{
			// A device streaming without line breaks must not grow the
			// buffer past one line's worth.
			name:     "unterminated flood capped",
			input:    strings.Repeat("A", maxLineLen+100),
			wantRest: strings.Repeat("A", maxLineLen),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var lines []string

			rest := splitLines([]byte(tt.input), func(line string) {
				lines = append(lines, line)
			})

			if !slices.Equal(lines, tt.wantLines) {
				t.Errorf("lines = %v, want %v", lines, tt.wantLines)
			}

			if string(rest) != tt.wantRest {
				t.Errorf("rest = %q, want %q", rest, tt.wantRest)
			}
		})
	}
}

// -------------------------------------------------------------------------
// HTTP Push Backend
// -------------------------------------------------------------------------

func TestHTTPPushHandler(t *testing.T) {
	t.Parallel()

	h := NewHTTPPush(config.HTTPReaderConfig{
		Addr:            "localhost:0",
		ReadEvery:       50 * time.Millisecond,
		InactiveTimeout: time.Minute,
	}, &fakeSink{}, slog.New(slog.DiscardHandler))

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
	}{
		{name: "valid push", method: "POST", body: `{"UID": "aa:bb:cc:dd"}`, wantStatus: 200},
		{name: "get rejected", method: "GET", body: "", wantStatus: 405},
		{name: "bad json", method: "POST", body: "{", wantStatus: 400},
		{name: "empty uid", method: "POST", body: `{"UID": ""}`, wantStatus: 400},
		{name: "nothing hex", method: "POST", body: `{"UID": "zzzz"}`, wantStatus: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			h.handlePush(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	// The valid push above normalized into the presence table.
	if got := h.pres.Snapshot(); !slices.Equal(got, []string{"AABBCCDD"}) {
		t.Errorf("presence = %v, want [AABBCCDD]", got)
	}
}

// -------------------------------------------------------------------------
// TCP Backend
// -------------------------------------------------------------------------

func TestTCPClientReceivesUIDs(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		defer conn.Close()

		_, _ = conn.Write([]byte("04:a2:24:e9\n"))

		// Hold the connection open until the client goes away.
		buf := make([]byte, 64)
		for {
			if _, readErr := conn.Read(buf); readErr != nil {
				return
			}
		}
	}()

	sink := &fakeSink{}
	tc := NewTCPClient(config.TCPReaderConfig{
		Addr:            ln.Addr().String(),
		ConnectTimeout:  time.Second,
		Keepalive:       time.Second,
		ReadEvery:       20 * time.Millisecond,
		InactiveTimeout: time.Minute,
	}, sink, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = tc.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)

	for {
		if last, ok := sink.lastUpdate(); ok && slices.Equal(last, []string{"04A224E9"}) {
			break
		}

		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("never saw the pushed UID")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

// -------------------------------------------------------------------------
// Factory
// -------------------------------------------------------------------------

func TestFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().Readers
	cfg.PCSC.Enabled = true
	cfg.Serial.Enabled = true
	cfg.TCP.Enabled = true

	readers := FromConfig(&cfg, &fakeSink{}, slog.New(slog.DiscardHandler))

	names := make([]string, 0, len(readers))
	for _, r := range readers {
		names = append(names, r.Name())
	}

	want := []string{BackendPCSC, BackendSerial, BackendTCP}
	if !slices.Equal(names, want) {
		t.Errorf("backends = %v, want %v", names, want)
	}
}
