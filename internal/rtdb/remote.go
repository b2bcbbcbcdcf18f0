package rtdb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// remoteEvent mirrors the hub's server-sent event payload.
type remoteEvent struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscriptionId"`
	Key            string          `json:"key,omitempty"`
	Value          json.RawMessage `json:"value,omitempty"`
}

// Remote implements Store against a hub served over HTTP. Live events arrive
// on a single server-sent-event stream which reconnects with backoff; the
// hub keeps the session alive across short gaps, so subscriptions and
// disconnect hooks survive a stream drop without re-registration.
type Remote struct {
	baseURL   string
	token     string
	sessionID string
	client    *http.Client

	mu        sync.Mutex
	closed    bool
	connected bool
	childSubs map[string]func(key string, value json.RawMessage)
	valueSubs map[string]func(value json.RawMessage)
	connSubs  map[int]func(connected bool)
	nextConn  int

	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

// Dial opens a hub session and starts the event stream.
func Dial(ctx context.Context, baseURL, token string) (*Remote, error) {
	r := &Remote{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		client:    &http.Client{},
		childSubs: map[string]func(string, json.RawMessage){},
		valueSubs: map[string]func(json.RawMessage){},
		connSubs:  map[int]func(bool){},
	}

	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := r.call(ctx, http.MethodPost, "/v1/sessions", nil, &created); err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	r.sessionID = created.SessionID

	streamCtx, cancel := context.WithCancel(context.Background())
	r.streamCancel = cancel
	r.streamDone = make(chan struct{})
	go r.runStream(streamCtx)

	return r, nil
}

func (r *Remote) Set(ctx context.Context, path string, value any) error {
	return r.call(ctx, http.MethodPut, "/v1/db/"+path, value, nil)
}

func (r *Remote) Update(ctx context.Context, path string, fields map[string]any) error {
	return r.call(ctx, http.MethodPatch, "/v1/db/"+path, fields, nil)
}

func (r *Remote) Remove(ctx context.Context, path string) error {
	return r.call(ctx, http.MethodDelete, "/v1/db/"+path, nil, nil)
}

func (r *Remote) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := r.call(ctx, http.MethodGet, "/v1/db/"+path, nil, &raw); err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

func (r *Remote) Children(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	raw, err := r.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	children := map[string]json.RawMessage{}
	if raw == nil {
		return children, nil
	}
	if err := json.Unmarshal(raw, &children); err != nil {
		return nil, fmt.Errorf("decoding children of %s: %w", path, err)
	}
	return children, nil
}

// SubscribeChildAdded registers the subscription with the hub. The handler
// map is updated under the same lock the dispatcher takes, so replayed
// events cannot race past an unregistered handler.
func (r *Remote) SubscribeChildAdded(path string, fn func(key string, value json.RawMessage)) (Unsubscribe, error) {
	subID, err := r.subscribe("child_added", path, func(id string) {
		r.childSubs[id] = fn
	})
	if err != nil {
		return nil, err
	}
	return r.unsubscriber(subID), nil
}

func (r *Remote) SubscribeValue(path string, fn func(value json.RawMessage)) (Unsubscribe, error) {
	subID, err := r.subscribe("value", path, func(id string) {
		r.valueSubs[id] = fn
	})
	if err != nil {
		return nil, err
	}
	return r.unsubscriber(subID), nil
}

// subscribe holds the dispatch lock across the registration round-trip:
// events for the new subscription queue up behind it and are delivered only
// once the handler is in place.
func (r *Remote) subscribe(kind, path string, register func(subID string)) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrSessionClosed
	}

	var created struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	body := map[string]string{"type": kind, "path": path}
	err := r.call(context.Background(), http.MethodPost, "/v1/sessions/"+r.sessionID+"/subscriptions", body, &created)
	if err != nil {
		return "", fmt.Errorf("subscribing to %s: %w", path, err)
	}

	register(created.SubscriptionID)
	return created.SubscriptionID, nil
}

func (r *Remote) unsubscriber(subID string) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.childSubs, subID)
			delete(r.valueSubs, subID)
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return
			}
			// best effort; the hub drops it with the session anyway
			_ = r.call(context.Background(), http.MethodDelete,
				"/v1/sessions/"+r.sessionID+"/subscriptions/"+subID, nil, nil)
		})
	}
}

func (r *Remote) OnDisconnect(path string, value any) (CancelHook, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding hook value: %w", err)
	}

	var created struct {
		HookID string `json:"hookId"`
	}
	body := struct {
		Path  string          `json:"path"`
		Value json.RawMessage `json:"value"`
	}{Path: path, Value: raw}
	err = r.call(context.Background(), http.MethodPost, "/v1/sessions/"+r.sessionID+"/hooks", body, &created)
	if err != nil {
		return nil, fmt.Errorf("registering disconnect hook: %w", err)
	}

	hookID := created.HookID
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = r.call(context.Background(), http.MethodDelete,
				"/v1/sessions/"+r.sessionID+"/hooks/"+hookID, nil, nil)
		})
		return err
	}, nil
}

// SubscribeConnection reports stream connectivity, starting with the current
// state.
func (r *Remote) SubscribeConnection(fn func(connected bool)) Unsubscribe {
	r.mu.Lock()
	id := r.nextConn
	r.nextConn++
	r.connSubs[id] = fn
	current := r.connected
	r.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.connSubs, id)
			r.mu.Unlock()
		})
	}
}

// Close tears the session down. The hub applies pending disconnect hooks.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.childSubs = map[string]func(string, json.RawMessage){}
	r.valueSubs = map[string]func(json.RawMessage){}
	r.connSubs = map[int]func(bool){}
	r.mu.Unlock()

	r.streamCancel()
	<-r.streamDone

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.call(ctx, http.MethodDelete, "/v1/sessions/"+r.sessionID, nil, nil); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return nil
}

// runStream keeps the event stream attached, reconnecting with a flat
// backoff until the client closes.
func (r *Remote) runStream(ctx context.Context) {
	defer close(r.streamDone)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.readStream(ctx); err != nil && ctx.Err() == nil {
			r.setConnected(false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		r.setConnected(false)
	}
}

func (r *Remote) readStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/v1/sessions/"+r.sessionID+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	r.setConnected(true)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		event := remoteEvent{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		r.dispatch(event)
	}
	return scanner.Err()
}

func (r *Remote) dispatch(event remoteEvent) {
	r.mu.Lock()
	childFn := r.childSubs[event.SubscriptionID]
	valueFn := r.valueSubs[event.SubscriptionID]
	r.mu.Unlock()

	switch event.Type {
	case "child_added":
		if childFn != nil {
			childFn(event.Key, event.Value)
		}
	case "value":
		if valueFn != nil {
			valueFn(event.Value)
		}
	}
}

func (r *Remote) setConnected(connected bool) {
	r.mu.Lock()
	if r.connected == connected || r.closed {
		r.mu.Unlock()
		return
	}
	r.connected = connected
	fns := make([]func(bool), 0, len(r.connSubs))
	for _, fn := range r.connSubs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// call performs one JSON request against the hub API.
func (r *Remote) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
