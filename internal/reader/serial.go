package reader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tagauth/tagauthd/internal/config"
)

// baudFlags maps configured baudrates to termios speed flags.
var baudFlags = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// Serial reads a repeating serial tag reader: the device emits the UID
// of the tag in front of it over and over, one line at a time, and goes
// quiet when the tag leaves. Presence is therefore last-report plus the
// configured inactivity window.
type Serial struct {
	cfg    config.SerialReaderConfig
	sink   Sink
	logger *slog.Logger
}

// NewSerial creates the serial backend.
func NewSerial(cfg config.SerialReaderConfig, sink Sink, log *slog.Logger) *Serial {
	return &Serial{cfg: cfg, sink: sink, logger: logger(log, BackendSerial)}
}

// Name returns the backend name.
func (s *Serial) Name() string { return BackendSerial }

// Run opens the device and pumps it until ctx ends, reopening after
// retryDelay on any device error.
func (s *Serial) Run(ctx context.Context) error {
	pres := newPresence()
	em := newEmitter(s.sink, BackendSerial)

	for ctx.Err() == nil {
		if err := s.pump(ctx, pres, em); err != nil {
			s.logger.Error("serial device failed",
				slog.String("device", s.cfg.DevFile),
				slog.String("error", err.Error()))
		}

		pres.Clear()

		if !sleep(ctx, retryDelay) {
			break
		}
	}

	return ctx.Err()
}

// pump opens the device in raw mode and reads it until an error or
// cancellation.
func (s *Serial) pump(ctx context.Context, pres *presence, em *emitter) error {
	fd, err := unix.Open(s.cfg.DevFile, unix.O_RDONLY|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.DevFile, err)
	}
	defer unix.Close(fd)

	if err := s.configure(fd); err != nil {
		return err
	}

	s.logger.Info("serial device opened",
		slog.String("device", s.cfg.DevFile),
		slog.Int("baudrate", s.cfg.Baudrate))

	var (
		pending []byte
		readBuf [256]byte
	)

	pollTimeout := int(s.cfg.ReadEvery / time.Millisecond)
	next := time.Now()

	for ctx.Err() == nil {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

		n, err := unix.Poll(fds, pollTimeout)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("poll %s: %w", s.cfg.DevFile, err)
		}

		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			nr, err := unix.Read(fd, readBuf[:])
			if err != nil && err != unix.EAGAIN {
				return fmt.Errorf("read %s: %w", s.cfg.DevFile, err)
			}

			if nr > 0 {
				pending = append(pending, readBuf[:nr]...)
				pending = splitLines(pending, func(line string) {
					pres.Touch(normalizeLine(line), s.cfg.InactiveTimeout)
				})
			}
		}

		if now := time.Now(); !now.Before(next) {
			em.emit(pres.Snapshot())

			next = now.Add(s.cfg.ReadEvery)
		}
	}

	return nil
}

// configure puts the tty into raw 8N1 mode at the configured speed.
func (s *Serial) configure(fd int) error {
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("tcgetattr %s: %w", s.cfg.DevFile, err)
	}

	speed, ok := baudFlags[s.cfg.Baudrate]
	if !ok {
		// Validation catches this at startup; config can't change underneath.
		return fmt.Errorf("unsupported baudrate %d", s.cfg.Baudrate)
	}

	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.CBAUD
	tio.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	tio.Ispeed = speed
	tio.Ospeed = speed
	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		return fmt.Errorf("tcsetattr %s: %w", s.cfg.DevFile, err)
	}

	return nil
}
