package reader

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tagauth/tagauthd/internal/config"
)

// evKey is the evdev EV_KEY event type; pressValue marks key-down.
const (
	evKey      = 1
	pressValue = 1
)

// eventSize is sizeof(struct input_event) on 64-bit Linux:
// two 8-byte timestamp words, type, code, value.
const eventSize = 24

// keyEnter and keyKPEnter terminate a wedge-typed UID line.
const (
	keyEnter   = 28
	keyKPEnter = 96
)

// keyChars maps evdev key codes to the character a keyboard-wedge reader
// means by them. Only unshifted main-row and keypad keys: wedges type
// plain hex, and normalization drops anything else anyway.
var keyChars = map[uint16]byte{
	2: '1', 3: '2', 4: '3', 5: '4', 6: '5',
	7: '6', 8: '7', 9: '8', 10: '9', 11: '0',

	16: 'q', 17: 'w', 18: 'e', 19: 'r', 20: 't', 21: 'y',
	22: 'u', 23: 'i', 24: 'o', 25: 'p',
	30: 'a', 31: 's', 32: 'd', 33: 'f', 34: 'g', 35: 'h',
	36: 'j', 37: 'k', 38: 'l',
	44: 'z', 45: 'x', 46: 'c', 47: 'v', 48: 'b', 49: 'n', 50: 'm',

	71: '7', 72: '8', 73: '9',
	75: '4', 76: '5', 77: '6',
	79: '1', 80: '2', 81: '3',
	82: '0',
}

// HID reads a keyboard-wedge tag reader: the device types the UID once
// per presentation and presses Enter. There is no "tag left" signal, so
// each read opens a synthetic presence window of StaysActive.
//
// The device is grabbed exclusively (EVIOCGRAB) so UIDs are not also
// typed into whatever has keyboard focus.
type HID struct {
	cfg    config.HIDReaderConfig
	sink   Sink
	logger *slog.Logger
}

// NewHID creates the keyboard-wedge backend.
func NewHID(cfg config.HIDReaderConfig, sink Sink, log *slog.Logger) *HID {
	return &HID{cfg: cfg, sink: sink, logger: logger(log, BackendHID)}
}

// Name returns the backend name.
func (h *HID) Name() string { return BackendHID }

// Run opens the device and pumps it until ctx ends, reopening after
// retryDelay on any device error.
func (h *HID) Run(ctx context.Context) error {
	pres := newPresence()
	em := newEmitter(h.sink, BackendHID)

	for ctx.Err() == nil {
		if err := h.pump(ctx, pres, em); err != nil {
			h.logger.Error("hid device failed",
				slog.String("device", h.cfg.DevFile),
				slog.String("error", err.Error()))
		}

		pres.Clear()

		if !sleep(ctx, retryDelay) {
			break
		}
	}

	return ctx.Err()
}

// pump grabs the device and decodes key events until an error or
// cancellation.
func (h *HID) pump(ctx context.Context, pres *presence, em *emitter) error {
	fd, err := unix.Open(h.cfg.DevFile, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", h.cfg.DevFile, err)
	}
	defer unix.Close(fd)

	if err := unix.IoctlSetInt(fd, unix.EVIOCGRAB, 1); err != nil {
		return fmt.Errorf("grab %s: %w", h.cfg.DevFile, err)
	}

	h.logger.Info("hid device grabbed", slog.String("device", h.cfg.DevFile))

	var (
		line    []byte
		pending []byte
		readBuf [16 * eventSize]byte
	)

	pollTimeout := int(h.cfg.ReadEvery / time.Millisecond)
	next := time.Now()

	for ctx.Err() == nil {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

		n, err := unix.Poll(fds, pollTimeout)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("poll %s: %w", h.cfg.DevFile, err)
		}

		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			nr, err := unix.Read(fd, readBuf[:])
			if err != nil && err != unix.EAGAIN {
				return fmt.Errorf("read %s: %w", h.cfg.DevFile, err)
			}

			pending = append(pending, readBuf[:nr]...)

			for len(pending) >= eventSize {
				line = h.decodeEvent(pending[:eventSize], line, pres)
				pending = pending[eventSize:]
			}
		}

		if now := time.Now(); !now.Before(next) {
			em.emit(pres.Snapshot())

			next = now.Add(h.cfg.ReadEvery)
		}
	}

	return nil
}

// decodeEvent folds one input_event into the line being typed. Enter
// completes the line and opens the presence window for its UID.
func (h *HID) decodeEvent(raw []byte, line []byte, pres *presence) []byte {
	evType := binary.LittleEndian.Uint16(raw[16:18])
	code := binary.LittleEndian.Uint16(raw[18:20])
	value := int32(binary.LittleEndian.Uint32(raw[20:24]))

	if evType != evKey || value != pressValue {
		return line
	}

	if code == keyEnter || code == keyKPEnter {
		if u := normalizeLine(string(line)); u != "" {
			pres.Touch(u, h.cfg.StaysActive)
			h.logger.Debug("tag read", slog.String("uid", u))
		}

		return line[:0]
	}

	if ch, ok := keyChars[code]; ok {
		line = append(line, ch)
	}

	return line
}
