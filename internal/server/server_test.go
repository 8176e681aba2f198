package server

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tagauth/tagauthd/internal/config"
	"github.com/tagauth/tagauthd/internal/coord"
	"github.com/tagauth/tagauthd/internal/credstore"
	"github.com/tagauth/tagauthd/internal/metrics"
)

// unixConnPair returns the two ends of a connected unix socket.
func unixConnPair(t *testing.T) (srv, cli *net.UnixConn) {
	t.Helper()

	addr := &net.UnixAddr{Net: "unix", Name: filepath.Join(t.TempDir(), "pair.sock")}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cli, err = net.DialUnix("unix", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	srv, err = ln.AcceptUnix()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	t.Cleanup(func() {
		srv.Close()
		cli.Close()
	})

	return srv, cli
}

// startCoordinator runs a coordinator over a credential file holding the
// given entries and stops it on cleanup.
func startCoordinator(t *testing.T, entries []credstore.Entry) (*coord.Coordinator, string) {
	t.Helper()

	data, err := credstore.Encode(entries)
	if err != nil {
		t.Fatalf("encode entries: %v", err)
	}

	path := filepath.Join(t.TempDir(), "encrypted_uids")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write creds: %v", err)
	}

	c := coord.New(credstore.New(path), coord.WithLogger(slog.New(slog.DiscardHandler)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = c.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return c, path
}

// sessionCounter counts client connects and disconnects.
type sessionCounter struct {
	metrics.Nop

	mu           sync.Mutex
	disconnected int
}

func (s *sessionCounter) ClientDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disconnected++
}

func (s *sessionCounter) gone() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.disconnected
}

func testServerConfig(t *testing.T) config.ServerConfig {
	t.Helper()

	return config.ServerConfig{
		SocketPath:                    filepath.Join(t.TempDir(), "t.sock"),
		MaxConnections:                4,
		MaxAuthRequestWait:            60 * time.Second,
		ClientForceCloseSocketTimeout: 60 * time.Second,
	}
}

// startServer runs a Server over the coordinator and waits for the
// socket to appear.
func startServer(t *testing.T, cfg config.ServerConfig, c *coord.Coordinator, credPath string, opts ...Option) {
	t.Helper()

	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)

	srv, err := New(cfg, c, credPath, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = srv.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.After(2 * time.Second)

	for {
		if _, statErr := os.Stat(cfg.SocketPath); statErr == nil {
			return
		}

		select {
		case <-deadline:
			t.Fatal("socket never appeared")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// -------------------------------------------------------------------------
// Line Pump
// -------------------------------------------------------------------------

func TestReadLinesStopsOnDone(t *testing.T) {
	t.Parallel()

	srvConn, cliConn := unixConnPair(t)

	out := make(chan string)
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)

		readLines(srvConn, out, done)
	}()

	// Two pipelined lines; the session only ever consumes the first.
	if _, err := cliConn.Write([]byte("WAITAUTH alice 5\nWATCHNBUIDS\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case line := <-out:
		if line != "WAITAUTH alice 5" {
			t.Fatalf("line = %q, want the first request", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first line never arrived")
	}

	close(done)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("readLines still parked on the undelivered line")
	}
}

// -------------------------------------------------------------------------
// Dispatch and Reply
// -------------------------------------------------------------------------

func TestDispatchWatchUIDsAccessControl(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.DiscardHandler)

	t.Run("non-root denied", func(t *testing.T) {
		t.Parallel()

		c, _ := startCoordinator(t, nil)
		h := c.Attach(coord.Peer{PID: 100, User: "alice"})
		srvConn, cliConn := unixConnPair(t)

		s := &Server{logger: log, mr: metrics.Nop{}}
		pc := &PeerCred{PID: 100, UID: 1000, GID: 1000, User: "alice"}

		if !s.dispatch(log, srvConn, h, pc, "WATCHUIDS") {
			t.Fatal("dispatch ended the session, want a single NOAUTH")
		}

		reply, err := bufio.NewReader(cliConn).ReadString('\n')
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}

		if reply != "NOAUTH\n" {
			t.Fatalf("reply = %q, want NOAUTH", reply)
		}

		// The watch must not have been registered: set changes after the
		// first merge produce nothing for this session.
		c.UIDsUpdate("pcsc", []string{"AAAA1111"})
		c.UIDsUpdate("pcsc", []string{"AAAA1111", "BBBB2222"})

		select {
		case msg := <-h.Messages():
			t.Fatalf("unexpected %v for a denied watcher", msg.Kind)
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("root allowed", func(t *testing.T) {
		t.Parallel()

		c, _ := startCoordinator(t, nil)
		h := c.Attach(coord.Peer{PID: 100, User: "root"})
		srvConn, _ := unixConnPair(t)

		s := &Server{logger: log, mr: metrics.Nop{}}
		pc := &PeerCred{PID: 100, UID: 0, GID: 0, User: "root"}

		if !s.dispatch(log, srvConn, h, pc, "WATCHUIDS") {
			t.Fatal("dispatch ended the session")
		}

		c.UIDsUpdate("pcsc", []string{"AAAA1111"})
		c.UIDsUpdate("pcsc", []string{"AAAA1111", "BBBB2222"})

		select {
		case msg := <-h.Messages():
			if msg.Kind != coord.MsgUIDs {
				t.Fatalf("got %v, want UIDS", msg.Kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("registered watcher never saw the change")
		}
	})
}

func TestReplyRendersWriteOutcome(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.DiscardHandler)

	entries := []credstore.Entry{{User: "alice", Hash: "$2a$10$x"}}
	pc := &PeerCred{
		PID: os.Getpid(),
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	t.Run("writer failure", func(t *testing.T) {
		t.Parallel()

		srvConn, cliConn := unixConnPair(t)
		s := &Server{
			logger:   log,
			mr:       metrics.Nop{},
			exePath:  filepath.Join(t.TempDir(), "no-such-binary"),
			credPath: filepath.Join(t.TempDir(), "creds"),
		}

		if !s.reply(log, srvConn, pc, coord.Message{Kind: coord.MsgWrite, Entries: entries}) {
			t.Fatal("reply ended the session")
		}

		reply, err := bufio.NewReader(cliConn).ReadString('\n')
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}

		if reply != "WRITEERR\n" {
			t.Fatalf("reply = %q, want WRITEERR", reply)
		}
	})

	t.Run("writer success", func(t *testing.T) {
		t.Parallel()

		if os.Getuid() != 0 {
			t.Skip("spawning a credentialed child needs root")
		}

		srvConn, cliConn := unixConnPair(t)
		s := &Server{
			logger:   log,
			mr:       metrics.Nop{},
			exePath:  "/bin/true",
			credPath: filepath.Join(t.TempDir(), "creds"),
		}

		if !s.reply(log, srvConn, pc, coord.Message{Kind: coord.MsgWrite, Entries: entries}) {
			t.Fatal("reply ended the session")
		}

		reply, err := bufio.NewReader(cliConn).ReadString('\n')
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}

		if reply != "OK\n" {
			t.Fatalf("reply = %q, want OK", reply)
		}
	})
}

// -------------------------------------------------------------------------
// Sessions Over the Socket
// -------------------------------------------------------------------------

func TestSessionAuthOverSocket(t *testing.T) {
	t.Parallel()

	u, err := user.Current()
	if err != nil {
		t.Fatalf("current user: %v", err)
	}

	hash, err := credstore.HashUID("AAAA1111")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	c, credPath := startCoordinator(t, []credstore.Entry{{User: u.Username, Hash: hash}})
	cfg := testServerConfig(t)
	startServer(t, cfg, c, credPath)

	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	c.UIDsUpdate("pcsc", []string{"AAAA1111"})

	// A malformed line is ignored without a reply, and a request may be
	// split across writes with CRLF framing.
	if _, err := conn.Write([]byte("BOGUS LINE\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := conn.Write([]byte("WAITAUTH " + u.Username)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := conn.Write([]byte(" 5\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}

	if reply != "AUTHOK AAAA1111\n" {
		t.Fatalf("reply = %q, want AUTHOK with the matching UID", reply)
	}
}

func TestSessionRejectsRemoteShellDescendant(t *testing.T) {
	t.Parallel()

	// Flag the test process's own executable as a remote shell; the
	// connection must be closed before any request is answered.
	comm, _, err := statProcess("/proc", os.Getpid())
	if err != nil {
		t.Fatalf("stat self: %v", err)
	}

	c, credPath := startCoordinator(t, nil)
	cfg := testServerConfig(t)
	cfg.RemoteShellProcessNames = []string{comm}
	startServer(t, cfg, c, credPath)

	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The write may race the server-side close; only the read matters.
	_, _ = conn.Write([]byte("WAITAUTH alice 0\n"))

	if reply, readErr := bufio.NewReader(conn).ReadString('\n'); readErr == nil {
		t.Fatalf("got reply %q, want the connection closed unanswered", reply)
	}
}

func TestSessionClosedWithPipelinedLinePending(t *testing.T) {
	t.Parallel()

	mr := &sessionCounter{}

	c, credPath := startCoordinator(t, nil)
	cfg := testServerConfig(t)
	startServer(t, cfg, c, credPath, WithMetrics(mr))

	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// Two pipelined requests, then an immediate close: the handler exits
	// on the failed NOAUTH write with the second line still undelivered.
	// Goroutine leak checking at the end of the test run covers the
	// line pump.
	if _, err := conn.Write([]byte("WAITAUTH alice 0\nWATCHNBUIDS\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.Close()

	deadline := time.After(2 * time.Second)

	for mr.gone() == 0 {
		select {
		case <-deadline:
			t.Fatal("session never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
