package rtdb_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/nalid/nalid24/internal/hub"
	"github.com/nalid/nalid24/internal/rtdb"
)

func dialTestHub(t *testing.T) (*rtdb.Remote, *rtdb.Hub) {
	t.Helper()

	tree := rtdb.NewHub()
	e := echo.New()
	hub.NewServer(tree, "remote-test-secret").Register(e)

	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	token, err := hub.IssueToken("remote-test-secret", "u-alice")
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	remote, err := rtdb.Dial(context.Background(), server.URL, token)
	if err != nil {
		t.Fatalf("dialling hub: %v", err)
	}
	t.Cleanup(func() { remote.Close() })
	return remote, tree
}

func TestRemoteReadWrite(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	remote, _ := dialTestHub(t)

	assert.Nil(remote.Set(ctx, "users/u-a", map[string]any{"username": "Alice"}))

	raw, err := remote.Get(ctx, "users/u-a")
	assert.Nil(err)
	var decoded map[string]string
	assert.Nil(json.Unmarshal(raw, &decoded))
	assert.Equal("Alice", decoded["username"])

	assert.Nil(remote.Update(ctx, "users/u-a", map[string]any{"notificationHandle": "h1"}))
	raw, err = remote.Get(ctx, "users/u-a")
	assert.Nil(err)
	assert.Nil(json.Unmarshal(raw, &decoded))
	assert.Equal("Alice", decoded["username"])
	assert.Equal("h1", decoded["notificationHandle"])

	assert.Nil(remote.Remove(ctx, "users/u-a"))
	raw, err = remote.Get(ctx, "users/u-a")
	assert.Nil(err)
	assert.Nil(raw)
}

func TestRemoteChildren(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	remote, _ := dialTestHub(t)

	assert.Nil(remote.Set(ctx, "contactRequests/u-b/u-a", map[string]any{"username": "Alice"}))
	assert.Nil(remote.Set(ctx, "contactRequests/u-b/u-c", map[string]any{"username": "Carol"}))

	children, err := remote.Children(ctx, "contactRequests/u-b")
	assert.Nil(err)
	assert.Len(children, 2)
	assert.Contains(children, "u-a")
	assert.Contains(children, "u-c")

	empty, err := remote.Children(ctx, "contactRequests/u-x")
	assert.Nil(err)
	assert.Empty(empty)
}

func TestRemoteChildAddedReplayAndLive(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	remote, _ := dialTestHub(t)

	assert.Nil(remote.Set(ctx, "chats/c1/messages/m1", map[string]any{"n": 1}))

	keys := make(chan string, 8)
	unsub, err := remote.SubscribeChildAdded("chats/c1/messages", func(key string, value json.RawMessage) {
		keys <- key
	})
	assert.Nil(err)
	defer unsub()

	select {
	case key := <-keys:
		assert.Equal("m1", key)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for replayed child")
	}

	assert.Nil(remote.Set(ctx, "chats/c1/messages/m2", map[string]any{"n": 2}))
	select {
	case key := <-keys:
		assert.Equal("m2", key)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for live child")
	}
}

func TestRemoteConnectionStateAndHooks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	remote, tree := dialTestHub(t)

	connected := make(chan bool, 4)
	unsub := remote.SubscribeConnection(func(c bool) {
		connected <- c
	})
	defer unsub()

	// either the initial state is already true or the attach arrives shortly
	waitConnected := func() {
		deadline := time.After(3 * time.Second)
		for {
			select {
			case c := <-connected:
				if c {
					return
				}
			case <-deadline:
				t.Fatal("timed out waiting for connection")
			}
		}
	}
	waitConnected()

	cancel, err := remote.OnDisconnect("presence/u-alice", map[string]any{
		"status":   "offline",
		"lastSeen": rtdb.ServerTimestamp,
	})
	assert.Nil(err)
	assert.NotNil(cancel)

	assert.Nil(remote.Close())

	session := tree.Session()
	defer session.Close()
	raw, err := session.Get(ctx, "presence/u-alice")
	assert.Nil(err)
	var decoded map[string]any
	assert.Nil(json.Unmarshal(raw, &decoded))
	assert.Equal("offline", decoded["status"])
}
