// Package server exposes the daemon to local clients over a unix socket.
//
// The protocol is plain text, one request or reply per line. Trust comes
// from the transport, not the protocol: the kernel names the peer
// process via SO_PEERCRED, and everything the peer may do follows from
// who that process is.
package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tagauth/tagauthd/internal/coord"
)

// maxLineLen caps a request line. Anything longer is garbage or abuse;
// the tail is dropped.
const maxLineLen = 256

// Parse errors. Malformed lines are ignored, not answered; these exist
// for logging.
var (
	// ErrUnknownCommand indicates an unrecognized request verb.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrBadArguments indicates a recognized verb with malformed arguments.
	ErrBadArguments = errors.New("malformed arguments")
)

// RequestKind discriminates parsed client requests.
type RequestKind int

// Client request kinds.
const (
	ReqWaitAuth RequestKind = iota
	ReqAddUser
	ReqDelUser
	ReqWatchNBUIDs
	ReqWatchUIDs
)

// Request is one parsed client line.
type Request struct {
	Kind RequestKind
	User string
	Wait time.Duration
}

// ParseRequest parses one sanitized request line.
//
// Waits are decimal seconds, possibly fractional, possibly negative:
// "WAITAUTH alice 2.5". The special meaning of negative waits belongs to
// the coordinator; the parser just carries the value.
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, ErrUnknownCommand
	}

	switch fields[0] {
	case "WATCHNBUIDS":
		if len(fields) != 1 {
			return Request{}, fmt.Errorf("%w: WATCHNBUIDS takes no arguments", ErrBadArguments)
		}

		return Request{Kind: ReqWatchNBUIDs}, nil

	case "WATCHUIDS":
		if len(fields) != 1 {
			return Request{}, fmt.Errorf("%w: WATCHUIDS takes no arguments", ErrBadArguments)
		}

		return Request{Kind: ReqWatchUIDs}, nil

	case "WAITAUTH", "ADDUSER", "DELUSER":
		if len(fields) != 3 {
			return Request{}, fmt.Errorf("%w: %s needs a user and a wait", ErrBadArguments, fields[0])
		}

		secs, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return Request{}, fmt.Errorf("%w: wait %q: %w", ErrBadArguments, fields[2], err)
		}

		req := Request{
			User: fields[1],
			Wait: time.Duration(secs * float64(time.Second)),
		}

		switch fields[0] {
		case "WAITAUTH":
			req.Kind = ReqWaitAuth
		case "ADDUSER":
			req.Kind = ReqAddUser
		case "DELUSER":
			req.Kind = ReqDelUser
		}

		return req, nil

	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
}

// RenderReply formats a coordinator message as a protocol line. MsgWrite
// is rendered after the handler performs the write, via RenderWrite.
func RenderReply(msg coord.Message) string {
	switch msg.Kind {
	case coord.MsgAuthOK:
		if len(msg.UIDs) == 0 {
			return "AUTHOK"
		}

		return "AUTHOK " + strings.Join(msg.UIDs, " ")

	case coord.MsgNoAuth:
		return "NOAUTH"

	case coord.MsgNBUIDs:
		return fmt.Sprintf("NBUIDS %d %d", msg.Count, msg.Delta)

	case coord.MsgUIDs:
		if len(msg.UIDs) == 0 {
			return "UIDS"
		}

		return "UIDS " + strings.Join(msg.UIDs, " ")

	case coord.MsgExists:
		return "EXISTS"

	case coord.MsgNone:
		return "NONE"

	case coord.MsgTimeout:
		return "TIMEOUT"

	default:
		return ""
	}
}

// RenderWrite formats the outcome of a credential file write.
func RenderWrite(err error) string {
	if err != nil {
		return "WRITEERR"
	}

	return "OK"
}

// sanitizeLine keeps printable ASCII and truncates at maxLineLen,
// mirroring what serial-port-era clients may feed us.
func sanitizeLine(raw []byte) string {
	var b strings.Builder

	for _, c := range raw {
		if b.Len() >= maxLineLen {
			break
		}

		if c >= 0x20 && c < 0x7F {
			b.WriteByte(c)
		}
	}

	return b.String()
}
