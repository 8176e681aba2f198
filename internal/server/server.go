package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/tagauth/tagauthd/internal/config"
	"github.com/tagauth/tagauthd/internal/coord"
	"github.com/tagauth/tagauthd/internal/credstore"
	"github.com/tagauth/tagauthd/internal/metrics"
)

// writeTimeout bounds a single reply write. A client that stops reading
// gets disconnected rather than parking the handler.
const writeTimeout = 5 * time.Second

// Server accepts local clients on the unix socket and runs one session
// handler per connection.
type Server struct {
	cfg      config.ServerConfig
	coord    *coord.Coordinator
	credPath string
	exePath  string
	logger   *slog.Logger
	mr       metrics.Reporter
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the instrumentation reporter.
func WithMetrics(mr metrics.Reporter) Option {
	return func(s *Server) { s.mr = mr }
}

// WithExecutable overrides the binary re-executed as the credential
// writer child, for tests.
func WithExecutable(path string) Option {
	return func(s *Server) { s.exePath = path }
}

// New creates a Server feeding the given coordinator. credPath is the
// credential file handed to writer children.
func New(cfg config.ServerConfig, c *coord.Coordinator, credPath string, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		coord:    c,
		credPath: credPath,
		logger:   slog.Default(),
		mr:       metrics.Nop{},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With(slog.String("component", "server"))

	if s.exePath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate own binary: %w", err)
		}

		s.exePath = exe
	}

	return s, nil
}

// Run binds the socket and accepts clients until ctx is canceled.
//
// A stale socket node from an unclean shutdown is removed before
// binding. The node is made world-connectable: access control runs on
// peer credentials, not on socket permissions.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.cfg.SocketPath, err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}

	if err := os.Chmod(s.cfg.SocketPath, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.cfg.SocketPath, err)
	}

	s.logger.Info("listening", slog.String("socket", s.cfg.SocketPath))

	// Closing the listener is what breaks the Accept loop.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var (
		wg    sync.WaitGroup
		slots = make(chan struct{}, s.cfg.MaxConnections)
	)

	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			wg.Wait()

			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("accept: %w", acceptErr)
		}

		unixConn, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}

		select {
		case slots <- struct{}{}:
		default:
			// At capacity; shed the newcomer, not an existing session.
			s.logger.Warn("connection limit reached, rejecting client")
			conn.Close()

			continue
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer func() { <-slots }()

			s.handle(ctx, unixConn)
		}()
	}
}

// -------------------------------------------------------------------------
// Session Handler
// -------------------------------------------------------------------------

// handle runs one client session from identity check to disconnect.
func (s *Server) handle(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	pc, err := peerCredentials(conn)
	if err != nil {
		s.logger.Warn("rejecting client without credentials", slog.String("error", err.Error()))
		return
	}

	log := s.logger.With(slog.Int("pid", pc.PID), slog.String("user", pc.User))

	if isRemoteClient(pc.PID, s.cfg.RemoteShellProcessNames) {
		// A remote client cannot prove tag possession; it gets nothing,
		// not even an error line.
		log.Warn("rejecting remote client")
		return
	}

	s.mr.ClientConnected()
	defer s.mr.ClientDisconnected()

	h := s.coord.Attach(coord.Peer{PID: pc.PID, User: pc.User})
	defer h.Detach()

	log.Debug("client connected")
	defer log.Debug("client disconnected")

	// Closing the connection unblocks the read goroutine's Read, and
	// closing done unblocks a channel send it may be parked on with a
	// pipelined line the session never consumed.
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)

	go readLines(conn, lines, done)

	for {
		select {
		case <-ctx.Done():
			return

		case line, ok := <-lines:
			if !ok {
				return
			}

			if !s.dispatch(log, conn, h, pc, line) {
				return
			}

		case msg := <-h.Messages():
			if msg.Kind == coord.MsgVoidTimeout {
				log.Debug("closing idle client")
				return
			}

			if !s.reply(log, conn, pc, msg) {
				return
			}
		}
	}
}

// dispatch routes one client line to the coordinator. Malformed lines
// are dropped without a reply; the protocol has no error channel and
// silence is cheaper than negotiating one with unknown clients. Returns
// false when the session should end.
func (s *Server) dispatch(log *slog.Logger, conn *net.UnixConn, h *coord.Handle, pc *PeerCred, line string) bool {
	req, err := ParseRequest(line)
	if err != nil {
		log.Debug("ignoring malformed request", slog.String("error", err.Error()))
		return true
	}

	switch req.Kind {
	case ReqWaitAuth:
		h.WaitAuth(req.User, req.Wait)

	case ReqAddUser:
		h.AddUser(req.User, req.Wait)

	case ReqDelUser:
		h.DelUser(req.User, req.Wait)

	case ReqWatchNBUIDs:
		h.WatchNBUIDs()

	case ReqWatchUIDs:
		// The full set of present UIDs names who is where; only root
		// gets to see it.
		if !pc.IsRoot() {
			log.Warn("denying WATCHUIDS to non-root client")
			return s.writeLine(log, conn, "NOAUTH")
		}

		h.WatchUIDs()
	}

	return true
}

// reply renders one coordinator message to the client. Returns false
// when the session should end.
func (s *Server) reply(log *slog.Logger, conn *net.UnixConn, pc *PeerCred, msg coord.Message) bool {
	if msg.Kind == coord.MsgWrite {
		err := credstore.WriteAs(context.Background(), s.exePath, s.credPath, &syscall.Credential{
			Uid:    pc.UID,
			Gid:    pc.GID,
			Groups: pc.Groups,
		}, msg.Entries)
		if err != nil {
			log.Warn("credential write failed", slog.String("error", err.Error()))
		}

		return s.writeLine(log, conn, RenderWrite(err))
	}

	return s.writeLine(log, conn, RenderReply(msg))
}

// writeLine sends one reply line with a write deadline.
func (s *Server) writeLine(log *slog.Logger, conn *net.UnixConn, line string) bool {
	if line == "" {
		return true
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return false
	}

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		log.Debug("write failed", slog.String("error", err.Error()))
		return false
	}

	return true
}

// readLines pumps sanitized request lines from the client into out,
// closing it when the client disconnects. A closed done channel aborts
// the pump even when the session stopped consuming lines.
func readLines(conn *net.UnixConn, out chan<- string, done <-chan struct{}) {
	defer close(out)

	var (
		pending []byte
		buf     [maxLineLen]byte
	)

	for {
		n, err := conn.Read(buf[:])
		if n > 0 {
			pending = append(pending, buf[:n]...)

			start := 0

			for i, b := range pending {
				if b == '\n' || b == '\r' {
					if i > start {
						select {
						case out <- sanitizeLine(pending[start:i]):
						case <-done:
							return
						}
					}

					start = i + 1
				}
			}

			pending = append(pending[:0], pending[start:]...)

			// A client flooding without terminators gets truncated to
			// one line worth of buffer.
			if len(pending) > maxLineLen {
				pending = pending[:maxLineLen]
			}
		}

		if err != nil {
			return
		}
	}
}
