package coord

import (
	"github.com/tagauth/tagauthd/internal/credstore"
)

// MessageKind discriminates coordinator-to-handler messages.
type MessageKind int

// Message kinds delivered to session handlers.
const (
	// MsgAuthOK resolves a WAITAUTH positively. UIDs carries the
	// authenticating UIDs only when the requesting client is the user it
	// asked about; otherwise it is empty.
	MsgAuthOK MessageKind = iota

	// MsgNoAuth resolves a WAITAUTH negatively (wait expired).
	MsgNoAuth

	// MsgNBUIDs is a watcher update with the active set size and the
	// delta against the previous set.
	MsgNBUIDs

	// MsgUIDs is a watcher update with the full active set.
	MsgUIDs

	// MsgWrite asks the handler to write the new entry list to the
	// credential file with the client's own privileges. Resolves an
	// ADDUSER or DELUSER.
	MsgWrite

	// MsgExists resolves an ADDUSER whose (user, UID) pair is already
	// enrolled.
	MsgExists

	// MsgNone resolves a DELUSER that matched no entries.
	MsgNone

	// MsgTimeout resolves an ADDUSER or DELUSER whose wait expired
	// without exactly one tag on the readers.
	MsgTimeout

	// MsgVoidTimeout tells the handler its client has sat idle with no
	// request for too long; the handler must close the connection.
	MsgVoidTimeout
)

// String returns the wire-ish name of the message kind, for logs.
func (k MessageKind) String() string {
	switch k {
	case MsgAuthOK:
		return "AUTHOK"
	case MsgNoAuth:
		return "NOAUTH"
	case MsgNBUIDs:
		return "NBUIDS"
	case MsgUIDs:
		return "UIDS"
	case MsgWrite:
		return "WRITE"
	case MsgExists:
		return "EXISTS"
	case MsgNone:
		return "NONE"
	case MsgTimeout:
		return "TIMEOUT"
	case MsgVoidTimeout:
		return "VOIDTIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Message is one coordinator-to-handler delivery. Fields beyond Kind are
// populated per kind: UIDs for MsgAuthOK/MsgUIDs, Count and Delta for
// MsgNBUIDs, Entries for MsgWrite.
type Message struct {
	Kind    MessageKind
	UIDs    []string
	Count   int
	Delta   int
	Entries []credstore.Entry
}

// SetChange is an active-set transition delivered to subscribed
// observers.
type SetChange struct {
	From []string
	To   []string
}
