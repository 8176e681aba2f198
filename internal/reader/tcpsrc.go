package reader

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tagauth/tagauthd/internal/config"
)

// TCPClient connects out to a UID-emitting TCP server (a networked
// reader or another aggregation daemon) and treats each received line as
// a UID report. Newlines are written back periodically both as
// keepalives and as dead-peer detection.
type TCPClient struct {
	cfg    config.TCPReaderConfig
	sink   Sink
	logger *slog.Logger
}

// NewTCPClient creates the TCP client backend.
func NewTCPClient(cfg config.TCPReaderConfig, sink Sink, log *slog.Logger) *TCPClient {
	return &TCPClient{cfg: cfg, sink: sink, logger: logger(log, BackendTCP)}
}

// Name returns the backend name.
func (t *TCPClient) Name() string { return BackendTCP }

// Run keeps a connection up until ctx ends, redialing after retryDelay
// on any connection error.
func (t *TCPClient) Run(ctx context.Context) error {
	pres := newPresence()
	em := newEmitter(t.sink, BackendTCP)

	for ctx.Err() == nil {
		if err := t.pump(ctx, pres, em); err != nil {
			t.logger.Error("tcp source failed",
				slog.String("addr", t.cfg.Addr),
				slog.String("error", err.Error()))
		}

		pres.Clear()

		if !sleep(ctx, retryDelay) {
			break
		}
	}

	return ctx.Err()
}

// pump runs one connection until an error or cancellation.
func (t *TCPClient) pump(ctx context.Context, pres *presence, em *emitter) error {
	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.Addr, err)
	}
	defer conn.Close()

	t.logger.Info("tcp source connected", slog.String("addr", t.cfg.Addr))

	var (
		pending []byte
		readBuf [256]byte
	)

	lastKeepalive := time.Now()
	nextEmit := time.Now()

	for ctx.Err() == nil {
		if err := conn.SetReadDeadline(time.Now().Add(t.cfg.ReadEvery)); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}

		n, err := conn.Read(readBuf[:])
		if n > 0 {
			pending = append(pending, readBuf[:n]...)
			pending = splitLines(pending, func(line string) {
				pres.Touch(normalizeLine(line), t.cfg.InactiveTimeout)
			})
		}

		if err != nil {
			if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
				return fmt.Errorf("read %s: %w", t.cfg.Addr, err)
			}
		}

		now := time.Now()

		// An unanswered write surfaces the dead peer within two RTTs
		// instead of never.
		if now.Sub(lastKeepalive) >= t.cfg.Keepalive {
			if _, err := conn.Write([]byte("\n")); err != nil {
				return fmt.Errorf("keepalive %s: %w", t.cfg.Addr, err)
			}

			lastKeepalive = now
		}

		if !now.Before(nextEmit) {
			em.emit(pres.Snapshot())

			nextEmit = now.Add(t.cfg.ReadEvery)
		}
	}

	return nil
}
