// Package hub serves the shared tree over HTTP: a REST surface for reads and
// writes, server-sent-event streams for live subscriptions, and deferred
// disconnect hooks tied to each client session. It also hosts the push
// collaborator that reacts to new messages.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/nalid/nalid24/internal/rtdb"
)

// disconnectGrace is how long a session may be without a live event stream
// before it is treated as dropped and its disconnect hooks fire.
const disconnectGrace = 30 * time.Second

// Event is one server-sent event pushed down a session's stream.
type Event struct {
	Type           string          `json:"type"` // child_added | value
	SubscriptionID string          `json:"subscriptionId"`
	Key            string          `json:"key,omitempty"`
	Value          json.RawMessage `json:"value,omitempty"`
}

type clientSession struct {
	id      string
	store   *rtdb.Session
	events  chan Event
	done    chan struct{}
	userID  string
	created time.Time

	mu        sync.Mutex
	subs      map[string]rtdb.Unsubscribe
	hooks     map[string]rtdb.CancelHook
	attached  bool
	dropTimer *time.Timer
	closed    bool
}

// Registry tracks the live client sessions against one hub tree.
type Registry struct {
	hub *rtdb.Hub

	mu       sync.Mutex
	sessions map[string]*clientSession
}

func NewRegistry(hub *rtdb.Hub) *Registry {
	return &Registry{hub: hub, sessions: map[string]*clientSession{}}
}

// Create opens a session for a user and starts the disconnect countdown; the
// client is expected to attach its event stream promptly.
func (r *Registry) Create(userID string) *clientSession {
	session := &clientSession{
		id:      cuid2.Generate(),
		store:   r.hub.Session(),
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
		userID:  userID,
		created: time.Now().UTC(),
		subs:    map[string]rtdb.Unsubscribe{},
		hooks:   map[string]rtdb.CancelHook{},
	}
	session.armDropTimer(func() { r.drop(session.id) })

	r.mu.Lock()
	r.sessions[session.id] = session
	r.mu.Unlock()
	return session
}

func (r *Registry) Get(id string) (*clientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	return session, ok
}

// Close tears a session down gracefully; pending disconnect hooks fire.
func (r *Registry) Close(id string) {
	r.drop(id)
}

func (r *Registry) drop(id string) {
	r.mu.Lock()
	session, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	session.close()
}

func (s *clientSession) armDropTimer(onDrop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.dropTimer != nil {
		s.dropTimer.Stop()
	}
	s.dropTimer = time.AfterFunc(disconnectGrace, onDrop)
}

// attach claims the event stream. Only one stream may be attached at a time.
func (s *clientSession) attach() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.attached {
		return false
	}
	s.attached = true
	if s.dropTimer != nil {
		s.dropTimer.Stop()
		s.dropTimer = nil
	}
	return true
}

// detach releases the stream and restarts the disconnect countdown.
func (s *clientSession) detach(onDrop func()) {
	s.mu.Lock()
	s.attached = false
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.armDropTimer(onDrop)
	}
}

func (s *clientSession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.dropTimer != nil {
		s.dropTimer.Stop()
		s.dropTimer = nil
	}
	subs := s.subs
	s.subs = nil
	s.hooks = nil
	s.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	// closing the underlying store session applies the disconnect hooks
	s.store.Close()
	// the events channel is never closed: a delivery that passed emit's
	// closed check may still be in flight. The stream handler watches done.
	close(s.done)
}

// emit drops events when the client cannot keep up rather than blocking the
// hub's dispatch.
func (s *clientSession) emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

// subscribe registers a live subscription and returns its id.
func (s *clientSession) subscribe(kind, path string) (string, error) {
	subID := cuid2.Generate()

	var unsub rtdb.Unsubscribe
	var err error
	switch kind {
	case "child_added":
		unsub, err = s.store.SubscribeChildAdded(path, func(key string, value json.RawMessage) {
			s.emit(Event{Type: "child_added", SubscriptionID: subID, Key: key, Value: value})
		})
	default:
		unsub, err = s.store.SubscribeValue(path, func(value json.RawMessage) {
			s.emit(Event{Type: "value", SubscriptionID: subID, Value: value})
		})
	}
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		unsub()
		return "", rtdb.ErrSessionClosed
	}
	s.subs[subID] = unsub
	return subID, nil
}

func (s *clientSession) unsubscribe(subID string) {
	s.mu.Lock()
	unsub, ok := s.subs[subID]
	delete(s.subs, subID)
	s.mu.Unlock()
	if ok {
		unsub()
	}
}

// addHook registers a deferred on-disconnect write and returns its id.
func (s *clientSession) addHook(path string, value json.RawMessage) (string, error) {
	cancel, err := s.store.OnDisconnect(path, value)
	if err != nil {
		return "", err
	}

	hookID := cuid2.Generate()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		return "", rtdb.ErrSessionClosed
	}
	s.hooks[hookID] = cancel
	return hookID, nil
}

func (s *clientSession) cancelHook(hookID string) error {
	s.mu.Lock()
	cancel, ok := s.hooks[hookID]
	delete(s.hooks, hookID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return cancel()
}
