// Package rtdb implements the shared mutable tree the messenger synchronizes
// through: a Firebase-RTDB-shaped key-value tree with live child-added and
// value subscriptions, partial-field updates, server-assigned timestamps and
// deferred on-disconnect writes.
//
// The in-process Hub is the authoritative implementation; Remote speaks the
// same contract against a hub served over HTTP.
package rtdb

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var ErrSessionClosed = errors.New("session closed")

// Unsubscribe detaches a listener. Calling it more than once is a no-op.
type Unsubscribe func()

// CancelHook revokes a pending on-disconnect write.
type CancelHook func() error

// Store is the client contract against the shared tree. Paths are
// slash-separated, e.g. "chats/u-a_u-b/messages/msg_1".
type Store interface {
	// Set writes value at path, replacing any existing subtree.
	Set(ctx context.Context, path string, value any) error

	// Update merges fields into the node at path without touching sibling
	// fields, so concurrent writers on the same record do not clobber each
	// other.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Remove deletes the subtree at path. Removing an absent path succeeds.
	Remove(ctx context.Context, path string) error

	// Get reads the JSON value at path, nil when absent.
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Children reads the direct children of path, keyed by child name.
	Children(ctx context.Context, path string) (map[string]json.RawMessage, error)

	// SubscribeChildAdded invokes fn once for every existing child of path
	// and then for every child added later. Callbacks for one subscription
	// are delivered in order and may call back into the store.
	SubscribeChildAdded(path string, fn func(key string, value json.RawMessage)) (Unsubscribe, error)

	// SubscribeValue invokes fn with the current value at path and again
	// whenever anything beneath it changes. Absent values arrive as nil.
	SubscribeValue(path string, fn func(value json.RawMessage)) (Unsubscribe, error)

	// OnDisconnect schedules a Set(path, value) to be applied by the store
	// the moment this client's connection drops, even if the client dies
	// without a graceful shutdown.
	OnDisconnect(path string, value any) (CancelHook, error)

	// SubscribeConnection reports transport connectivity, starting with the
	// current state.
	SubscribeConnection(fn func(connected bool)) Unsubscribe

	// Close tears down the client's session. Pending disconnect hooks fire.
	Close() error
}

// serverValue is the sentinel that the hub replaces with its wall clock in
// millisecond precision at write time.
type serverValue struct{}

func (serverValue) MarshalJSON() ([]byte, error) {
	return []byte(`{".sv":"timestamp"}`), nil
}

// ServerTimestamp marks a field to be stamped by the hub on write, keeping
// ordering and expiry decisions on the hub clock rather than device clocks.
var ServerTimestamp serverValue

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func joinPath(parts []string) string {
	return strings.Join(parts, "/")
}
