// Package presence maintains the online/offline record at presence/{userId}.
// Two signal sources feed the same record: transport connectivity and app
// foreground/background transitions. An on-disconnect hook registered with
// the store covers abrupt disconnects where no goodbye is ever sent.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/labstack/gommon/log"

	"github.com/nalid/nalid24/internal/model"
	"github.com/nalid/nalid24/internal/rtdb"
)

// AppState mirrors the host application's lifecycle notifications.
type AppState string

const (
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
)

type Tracker struct {
	remote rtdb.Store

	mu         sync.Mutex
	userID     model.UserID
	unsubConn  rtdb.Unsubscribe
	cancelHook rtdb.CancelHook
}

func New(remote rtdb.Store) *Tracker {
	return &Tracker{remote: remote}
}

func presencePath(id model.UserID) string {
	return "presence/" + string(id)
}

// Track starts presence maintenance for the given user. Calling it again with
// the same id is a no-op; a different id tears the previous user's listeners
// down first. Only one tracked user exists per process.
func (t *Tracker) Track(ctx context.Context, userID model.UserID) error {
	t.mu.Lock()
	if t.userID == userID {
		t.mu.Unlock()
		return nil
	}
	if t.userID != "" {
		t.teardownLocked()
	}
	t.userID = userID
	t.mu.Unlock()

	// subscribe outside the lock: the initial connectivity callback may be
	// delivered synchronously and goOnline takes the mutex
	unsub := t.remote.SubscribeConnection(func(connected bool) {
		if !connected {
			return
		}
		// every (re)connect marks us online and re-arms the disconnect
		// hook, since a fired hook is consumed
		if err := t.goOnline(ctx, userID); err != nil {
			log.Warnf("marking %s online: %v", userID, err)
		}
	})

	t.mu.Lock()
	t.unsubConn = unsub
	t.mu.Unlock()
	return nil
}

// HandleAppState reacts to foreground/background transitions. Backgrounding
// marks offline proactively, faster than waiting for the transport to drop.
func (t *Tracker) HandleAppState(ctx context.Context, state AppState) error {
	t.mu.Lock()
	userID := t.userID
	t.mu.Unlock()
	if userID == "" {
		return model.ErrorNotInitialized
	}

	switch state {
	case AppStateForeground:
		return t.goOnline(ctx, userID)
	case AppStateBackground:
		return t.setStatus(ctx, userID, model.PresenceOffline)
	default:
		return fmt.Errorf("unknown app state %q", state)
	}
}

// SetOffline gracefully marks the tracked user offline, e.g. on logout.
func (t *Tracker) SetOffline(ctx context.Context) error {
	t.mu.Lock()
	userID := t.userID
	t.mu.Unlock()
	if userID == "" {
		return model.ErrorNotInitialized
	}
	return t.setStatus(ctx, userID, model.PresenceOffline)
}

// Stop tears down the connectivity listener and pending disconnect hook.
// After Stop the tracker can be reused for another user.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardownLocked()
	t.userID = ""
}

func (t *Tracker) teardownLocked() {
	if t.unsubConn != nil {
		t.unsubConn()
		t.unsubConn = nil
	}
	if t.cancelHook != nil {
		if err := t.cancelHook(); err != nil {
			log.Warnf("cancelling disconnect hook: %v", err)
		}
		t.cancelHook = nil
	}
}

func (t *Tracker) goOnline(ctx context.Context, userID model.UserID) error {
	if err := t.setStatus(ctx, userID, model.PresenceOnline); err != nil {
		return err
	}

	cancel, err := t.remote.OnDisconnect(presencePath(userID), map[string]any{
		"status":   model.PresenceOffline,
		"lastSeen": rtdb.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("arming disconnect hook: %w", errors.Join(model.ErrorRemoteWrite, err))
	}

	t.mu.Lock()
	if t.cancelHook != nil {
		if err := t.cancelHook(); err != nil {
			log.Warnf("replacing disconnect hook: %v", err)
		}
	}
	t.cancelHook = cancel
	t.mu.Unlock()
	return nil
}

func (t *Tracker) setStatus(ctx context.Context, userID model.UserID, status model.PresenceStatus) error {
	err := t.remote.Set(ctx, presencePath(userID), map[string]any{
		"status":   status,
		"lastSeen": rtdb.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("writing presence: %w", errors.Join(model.ErrorRemoteWrite, err))
	}
	return nil
}

// Watch observes a peer's presence record. Absent records report offline.
func (t *Tracker) Watch(peerID model.UserID, onChange func(model.Presence)) (rtdb.Unsubscribe, error) {
	return t.remote.SubscribeValue(presencePath(peerID), func(value json.RawMessage) {
		onChange(decodePresence(value))
	})
}

// Get reads a peer's presence once.
func (t *Tracker) Get(ctx context.Context, peerID model.UserID) (model.Presence, error) {
	raw, err := t.remote.Get(ctx, presencePath(peerID))
	if err != nil {
		return model.Presence{}, fmt.Errorf("reading presence: %w", errors.Join(model.ErrorRemoteRead, err))
	}
	return decodePresence(raw), nil
}

func decodePresence(raw json.RawMessage) model.Presence {
	presence := model.Presence{Status: model.PresenceOffline}
	if raw == nil {
		return presence
	}
	if err := json.Unmarshal(raw, &presence); err != nil {
		log.Warnf("decoding presence record: %v", err)
		return model.Presence{Status: model.PresenceOffline}
	}
	if presence.Status == "" {
		presence.Status = model.PresenceOffline
	}
	return presence
}
