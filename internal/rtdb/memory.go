package rtdb

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// Hub is the in-process authority for the shared tree. It owns the data,
// stamps server timestamps, fans mutations out to subscribers and applies
// disconnect hooks when a session dies. Clients attach through Session.
type Hub struct {
	// Now supplies the hub clock. Overridable in tests; defaults to UTC
	// wall time.
	Now func() time.Time

	mu        sync.Mutex
	root      map[string]any
	nextSub   int
	childSubs map[string]map[int]*subscriber
	valueSubs map[string]map[int]*subscriber
}

func NewHub() *Hub {
	return &Hub{
		Now:       func() time.Time { return time.Now().UTC() },
		root:      map[string]any{},
		childSubs: map[string]map[int]*subscriber{},
		valueSubs: map[string]map[int]*subscriber{},
	}
}

// Session returns a new client attachment to the hub. Each session tracks
// its own subscriptions and disconnect hooks; closing the session releases
// the former and fires the latter.
func (h *Hub) Session() *Session {
	return &Session{hub: h, hooks: map[int]hookEntry{}}
}

// event is one queued callback invocation for a subscriber.
type event struct {
	key   string
	value json.RawMessage
}

// subscriber delivers events to a callback on its own goroutine, preserving
// enqueue order. Callbacks are free to call back into the hub. enqueue and
// stop both signal wake under mu so the two are ordered against each other.
type subscriber struct {
	mu      sync.Mutex
	queue   []event
	wake    chan struct{}
	closed  bool
	deliver func(ev event)
}

func newSubscriber(deliver func(ev event)) *subscriber {
	s := &subscriber{wake: make(chan struct{}, 1), deliver: deliver}
	go s.pump()
	return s
}

func (s *subscriber) enqueue(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	for range s.wake {
		for {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.deliver(ev)
		}
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	// never close wake: a racing enqueue may still send on it. The pump
	// exits when it observes closed, so make sure it wakes once more.
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// normalize round-trips value through JSON and resolves ServerTimestamp
// sentinels against the hub clock.
func (h *Hub) normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return h.resolveServerValues(decoded), nil
}

func (h *Hub) resolveServerValues(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if sv, ok := m[".sv"]; ok && len(m) == 1 && sv == "timestamp" {
		return float64(h.Now().UnixMilli())
	}
	for k, child := range m {
		m[k] = h.resolveServerValues(child)
	}
	return m
}

// nodeAt returns the value at parts, or nil when absent.
func (h *Hub) nodeAt(parts []string) any {
	var current any = h.root
	for _, p := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[p]
		if !ok {
			return nil
		}
	}
	return current
}

func marshalNode(node any) json.RawMessage {
	if node == nil {
		return nil
	}
	raw, err := json.Marshal(node)
	if err != nil {
		return nil
	}
	return raw
}

// existsChain reports, for every prefix of parts, whether that node exists.
// Index i covers parts[:i+1].
func (h *Hub) existsChain(parts []string) []bool {
	chain := make([]bool, len(parts))
	var current any = h.root
	for i, p := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return chain
		}
		current, ok = m[p]
		if !ok {
			return chain
		}
		chain[i] = true
	}
	return chain
}

type notification struct {
	sub *subscriber
	ev  event
}

// mutate runs fn under the hub lock and then delivers the notifications it
// produced, outside the lock.
func (h *Hub) mutate(fn func() []notification) {
	h.mu.Lock()
	notes := fn()
	h.mu.Unlock()
	for _, n := range notes {
		n.sub.enqueue(n.ev)
	}
}

func (h *Hub) set(path string, value any) error {
	normalized, err := h.normalize(value)
	if err != nil {
		return err
	}
	parts := splitPath(path)
	if len(parts) == 0 {
		return errors.New("cannot set the tree root")
	}

	h.mutate(func() []notification {
		if normalized == nil {
			return h.removeLocked(parts)
		}
		before := h.existsChain(parts)

		// write, creating intermediate branches
		current := h.root
		for _, p := range parts[:len(parts)-1] {
			child, ok := current[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				current[p] = child
			}
			current = child
		}
		current[parts[len(parts)-1]] = normalized

		notes := h.childAddedNotesLocked(parts, before)
		return append(notes, h.valueNotesLocked(parts)...)
	})
	return nil
}

func (h *Hub) update(path string, fields map[string]any) error {
	normalized := make(map[string]any, len(fields))
	for k, v := range fields {
		nv, err := h.normalize(v)
		if err != nil {
			return err
		}
		normalized[k] = nv
	}
	parts := splitPath(path)

	h.mutate(func() []notification {
		before := h.existsChain(parts)

		current := h.root
		for _, p := range parts {
			child, ok := current[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				current[p] = child
			}
			current = child
		}
		for k, v := range normalized {
			if v == nil {
				delete(current, k)
			} else {
				current[k] = v
			}
		}

		notes := h.childAddedNotesLocked(parts, before)
		return append(notes, h.valueNotesLocked(parts)...)
	})
	return nil
}

func (h *Hub) remove(path string) {
	parts := splitPath(path)
	h.mutate(func() []notification {
		return h.removeLocked(parts)
	})
}

func (h *Hub) removeLocked(parts []string) []notification {
	if len(parts) == 0 {
		h.root = map[string]any{}
		return h.valueNotesLocked(parts)
	}
	parent, ok := h.nodeAt(parts[:len(parts)-1]).(map[string]any)
	if !ok {
		return nil
	}
	key := parts[len(parts)-1]
	if _, ok := parent[key]; !ok {
		// deleting an already-removed node is a successful no-op
		return nil
	}
	delete(parent, key)
	return h.valueNotesLocked(parts)
}

// childAddedNotesLocked emits child-added events for every path prefix that
// came into existence with this mutation.
func (h *Hub) childAddedNotesLocked(parts []string, before []bool) []notification {
	var notes []notification
	for i := range parts {
		if before[i] {
			continue
		}
		parentPath := joinPath(parts[:i])
		subs := h.childSubs[parentPath]
		if len(subs) == 0 {
			continue
		}
		value := marshalNode(h.nodeAt(parts[:i+1]))
		for _, sub := range subs {
			notes = append(notes, notification{sub, event{key: parts[i], value: value}})
		}
	}
	return notes
}

// valueNotesLocked emits value events for every value subscription whose
// path contains, or is contained by, the mutated path.
func (h *Hub) valueNotesLocked(parts []string) []notification {
	var notes []notification
	for subPath, subs := range h.valueSubs {
		if len(subs) == 0 {
			continue
		}
		subParts := splitPath(subPath)
		if !pathsOverlap(parts, subParts) {
			continue
		}
		value := marshalNode(h.nodeAt(subParts))
		for _, sub := range subs {
			notes = append(notes, notification{sub, event{value: value}})
		}
	}
	return notes
}

// pathsOverlap reports whether one path is a prefix of the other.
func pathsOverlap(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (h *Hub) get(path string) json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return marshalNode(h.nodeAt(splitPath(path)))
}

func (h *Hub) children(path string) map[string]json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, ok := h.nodeAt(splitPath(path)).(map[string]any)
	if !ok {
		return map[string]json.RawMessage{}
	}
	result := make(map[string]json.RawMessage, len(node))
	for k, v := range node {
		result[k] = marshalNode(v)
	}
	return result
}

func (h *Hub) subscribeChildAdded(path string, fn func(key string, value json.RawMessage)) Unsubscribe {
	sub := newSubscriber(func(ev event) { fn(ev.key, ev.value) })

	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	if h.childSubs[path] == nil {
		h.childSubs[path] = map[int]*subscriber{}
	}
	h.childSubs[path][id] = sub

	// replay current children in key order before any live event
	if node, ok := h.nodeAt(splitPath(path)).(map[string]any); ok {
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sub.enqueue(event{key: k, value: marshalNode(node[k])})
		}
	}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.childSubs[path], id)
			h.mu.Unlock()
			sub.stop()
		})
	}
}

func (h *Hub) subscribeValue(path string, fn func(value json.RawMessage)) Unsubscribe {
	sub := newSubscriber(func(ev event) { fn(ev.value) })

	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	if h.valueSubs[path] == nil {
		h.valueSubs[path] = map[int]*subscriber{}
	}
	h.valueSubs[path][id] = sub
	sub.enqueue(event{value: marshalNode(h.nodeAt(splitPath(path)))})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.valueSubs[path], id)
			h.mu.Unlock()
			sub.stop()
		})
	}
}

type hookEntry struct {
	path  string
	value any
}

// Session is one client's attachment to an in-process hub. It implements
// Store. The zero value is not usable; obtain sessions from Hub.Session.
type Session struct {
	hub *Hub

	mu       sync.Mutex
	closed   bool
	unsubs   []Unsubscribe
	hooks    map[int]hookEntry
	nextHook int
}

func (s *Session) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) Set(ctx context.Context, path string, value any) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.hub.set(path, value)
}

func (s *Session) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.hub.update(path, fields)
}

func (s *Session) Remove(ctx context.Context, path string) error {
	if err := s.guard(); err != nil {
		return err
	}
	s.hub.remove(path)
	return nil
}

func (s *Session) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.hub.get(path), nil
}

func (s *Session) Children(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.hub.children(path), nil
}

func (s *Session) SubscribeChildAdded(path string, fn func(key string, value json.RawMessage)) (Unsubscribe, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	unsub := s.hub.subscribeChildAdded(path, fn)
	s.track(unsub)
	return unsub, nil
}

func (s *Session) SubscribeValue(path string, fn func(value json.RawMessage)) (Unsubscribe, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	unsub := s.hub.subscribeValue(path, fn)
	s.track(unsub)
	return unsub, nil
}

func (s *Session) track(unsub Unsubscribe) {
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
}

func (s *Session) OnDisconnect(path string, value any) (CancelHook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.nextHook++
	id := s.nextHook
	s.hooks[id] = hookEntry{path: path, value: value}

	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.hooks, id)
		return nil
	}, nil
}

// SubscribeConnection reports true immediately: an in-process session is
// connected for as long as it is open.
func (s *Session) SubscribeConnection(fn func(connected bool)) Unsubscribe {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		fn(true)
	}
	return func() {}
}

// Close tears down the session's subscriptions and applies its disconnect
// hooks, in registration order. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil

	ids := make([]int, 0, len(s.hooks))
	for id := range s.hooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hooks := make([]hookEntry, 0, len(ids))
	for _, id := range ids {
		hooks = append(hooks, s.hooks[id])
	}
	s.hooks = map[int]hookEntry{}
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, hook := range hooks {
		_ = s.hub.set(hook.path, hook.value)
	}
	return nil
}
