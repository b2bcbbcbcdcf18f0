// Package chatid derives the canonical identifier for a two-party
// conversation. Both participants compute the same id with no coordination,
// so they read and write the same namespace in the shared store.
package chatid

import (
	"sort"
	"strings"
)

const separator = "_"

// For returns the chat id for the unordered pair (a, b): the two ids sorted
// lexicographically and joined with "_". For(a, b) == For(b, a) for all pairs.
func For(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, separator)
}

// Participants splits a chat id back into its two participant ids. The
// second return is false when the id does not have exactly two segments.
func Participants(id string) (string, string, bool) {
	parts := strings.SplitN(id, separator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// PeerOf returns the other participant of the chat, or false when self is
// not a participant.
func PeerOf(id, self string) (string, bool) {
	a, b, ok := Participants(id)
	if !ok {
		return "", false
	}
	switch self {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}
