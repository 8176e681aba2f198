// Package credstore manages the hashed-UID credential file.
//
// The file is a JSON array of [username, hash] pairs. Hashes are bcrypt:
// salted, self-describing, constant-time to compare. A username may
// appear any number of times, once per enrolled transponder.
//
// The store is owned by the coordinator goroutine and is not safe for
// concurrent use.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors.
var (
	// ErrMalformed indicates the credential file is not a JSON array of
	// [username, hash] string pairs.
	ErrMalformed = errors.New("credential file is malformed")
)

// bcryptCost is the work factor for newly created hashes. 2^10 rounds
// keeps an ADDUSER with a tag on the reader well under a second while
// still making offline brute-force of a stolen file expensive.
const bcryptCost = 10

// -------------------------------------------------------------------------
// Entry
// -------------------------------------------------------------------------

// Entry associates a username with one hashed transponder UID.
type Entry struct {
	User string
	Hash string
}

// MarshalJSON encodes the entry as a two-element array, the on-disk form.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.User, e.Hash})
}

// UnmarshalJSON decodes a two-element [username, hash] array. Any other
// shape is a structural violation.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if len(pair) != 2 {
		return fmt.Errorf("%w: entry has %d elements, want 2", ErrMalformed, len(pair))
	}

	e.User, e.Hash = pair[0], pair[1]

	return nil
}

// -------------------------------------------------------------------------
// Hashing
// -------------------------------------------------------------------------

// HashUID returns a fresh salted bcrypt hash of the normalized UID.
// Two calls with the same UID produce different hashes.
func HashUID(uid string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(uid), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash uid: %w", err)
	}

	return string(hash), nil
}

// VerifyUID reports whether the normalized UID matches the stored hash.
func VerifyUID(uid, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(uid)) == nil
}

// -------------------------------------------------------------------------
// Store
// -------------------------------------------------------------------------

// Store holds the in-memory view of the credential file and reloads it
// when the file's mtime advances.
type Store struct {
	path    string
	mtime   time.Time
	entries []Entry
}

// New creates a Store for the file at path. Nothing is loaded until the
// first Reload.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the credential file path.
func (s *Store) Path() string {
	return s.path
}

// Entries returns the current entry list. Callers must not mutate it.
func (s *Store) Entries() []Entry {
	return s.entries
}

// Reload re-reads the credential file if its mtime has advanced past the
// last successful load.
//
// Returns changed=true when the in-memory view was replaced, including
// the failure cases: a file that cannot be read or parsed empties the
// store, so a half-written or vandalized file can never authenticate
// anyone. While the failure persists the store stays empty and further
// calls report changed=false; changed=false also means the file was
// untouched since last time.
func (s *Store) Reload() (changed bool, err error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return s.empty(), fmt.Errorf("stat credential file: %w", err)
	}

	if !s.mtime.IsZero() && !info.ModTime().After(s.mtime) {
		return false, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return s.empty(), fmt.Errorf("read credential file: %w", err)
	}

	entries, err := Decode(data)
	if err != nil {
		return s.empty(), fmt.Errorf("parse credential file: %w", err)
	}

	s.entries = entries
	s.mtime = info.ModTime()

	return true, nil
}

// empty drops the loaded view after a failed reload and reports whether
// that dropped anything.
func (s *Store) empty() (changed bool) {
	changed = len(s.entries) > 0
	s.entries = nil
	s.mtime = time.Time{}

	return changed
}

// Authenticate checks whether any active UID verifies against any of the
// user's stored hashes. Returns the authenticating UIDs, or nil when the
// user did not authenticate.
//
// bcrypt comparisons dominate the cost, which is why the coordinator
// caches the result per username until the active set or the store
// changes.
func (s *Store) Authenticate(user string, activeUIDs []string) (ok bool, matched []string) {
	for _, e := range s.entries {
		if e.User != user {
			continue
		}

		for _, u := range activeUIDs {
			if VerifyUID(u, e.Hash) {
				ok = true

				matched = append(matched, u)
			}
		}
	}

	return ok, matched
}

// HasUserUID reports whether the user already has an entry matching the
// given UID. Used to keep enrollment idempotent.
func (s *Store) HasUserUID(user, uid string) bool {
	for _, e := range s.entries {
		if e.User == user && VerifyUID(uid, e.Hash) {
			return true
		}
	}

	return false
}

// WithAdded returns a copy of the entries with a new hash for (user, uid)
// appended.
func (s *Store) WithAdded(user, uid string) ([]Entry, error) {
	hash, err := HashUID(uid)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(s.entries)+1)
	out = append(out, s.entries...)
	out = append(out, Entry{User: user, Hash: hash})

	return out, nil
}

// WithoutUID returns a copy of the entries with every entry of user whose
// hash matches uid removed, plus how many were removed.
func (s *Store) WithoutUID(user, uid string) (out []Entry, removed int) {
	for _, e := range s.entries {
		if e.User == user && VerifyUID(uid, e.Hash) {
			removed++
			continue
		}

		out = append(out, e)
	}

	return out, removed
}

// WithoutUser returns a copy of the entries with every entry of user
// removed, plus how many were removed.
func (s *Store) WithoutUser(user string) (out []Entry, removed int) {
	for _, e := range s.entries {
		if e.User == user {
			removed++
			continue
		}

		out = append(out, e)
	}

	return out, removed
}

// -------------------------------------------------------------------------
// Encoding
// -------------------------------------------------------------------------

// Decode parses the on-disk JSON form into entries. The top-level value
// must be an array; every element must be a [username, hash] string pair.
func Decode(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return entries, nil
}

// Encode renders entries into the on-disk JSON form, one entry per line
// so the file diffs cleanly under configuration management.
func Encode(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode credential entries: %w", err)
	}

	return append(data, '\n'), nil
}
