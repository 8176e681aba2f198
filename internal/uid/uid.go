// Package uid normalizes transponder UIDs and provides the ordered-set
// operations the coordinator uses for its merged active set.
//
// A normalized UID is an uppercase hex string with every non-hex character
// removed. Readers of all backends produce wildly different framings
// (colon-separated, space-separated, lowercase), so normalization happens
// once, at the aggregation boundary, and everything downstream compares
// plain strings.
package uid

import (
	"slices"
	"strings"
)

// MaxLen bounds a normalized UID. Real transponder UIDs are at most a
// few dozen hex digits; anything longer is a misbehaving device.
const MaxLen = 256

// Normalize strips every character that is not a hex digit, uppercases
// the rest and truncates at MaxLen. Returns "" when nothing survives,
// which callers treat as "no UID read".
func Normalize(raw string) string {
	var b strings.Builder

	b.Grow(min(len(raw), MaxLen))

	for _, c := range raw {
		if b.Len() >= MaxLen {
			break
		}

		switch {
		case c >= '0' && c <= '9':
			b.WriteRune(c)
		case c >= 'a' && c <= 'f':
			b.WriteRune(c - ('a' - 'A'))
		case c >= 'A' && c <= 'F':
			b.WriteRune(c)
		}
	}

	return b.String()
}

// Set is a sorted, deduplicated list of normalized UIDs. The zero value
// is the empty set.
type Set []string

// NewSet builds a Set from already-normalized UIDs, dropping empties and
// duplicates and sorting the rest.
func NewSet(uids ...string) Set {
	s := make(Set, 0, len(uids))

	for _, u := range uids {
		if u != "" {
			s = append(s, u)
		}
	}

	slices.Sort(s)

	return slices.Compact(s)
}

// Merge unions any number of per-source UID lists into one Set, applying
// the translation table to each UID first. A translation maps the UID a
// reader reports to the UID the rest of the system should see; UIDs
// without an entry pass through unchanged.
func Merge(translation map[string]string, sources ...[]string) Set {
	var all []string

	for _, src := range sources {
		for _, u := range src {
			if t, ok := translation[u]; ok {
				u = t
			}

			if u != "" {
				all = append(all, u)
			}
		}
	}

	return NewSet(all...)
}

// Contains reports whether u is in the set.
func (s Set) Contains(u string) bool {
	_, found := slices.BinarySearch(s, u)
	return found
}

// Equal reports whether two sets hold the same UIDs.
func (s Set) Equal(other Set) bool {
	return slices.Equal(s, other)
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	return slices.Clone(s)
}

// String joins the set with single spaces, the form used on the wire.
func (s Set) String() string {
	return strings.Join(s, " ")
}
