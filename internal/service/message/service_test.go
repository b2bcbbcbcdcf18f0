package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nalid/nalid24/internal/boot"
	"github.com/nalid/nalid24/internal/localstore"
	"github.com/nalid/nalid24/internal/model"
	"github.com/nalid/nalid24/internal/rtdb"
	"github.com/nalid/nalid24/pkg/chatid"
	"github.com/nalid/nalid24/pkg/crypt"
)

const (
	alice = model.UserID("u-alice")
	bob   = model.UserID("u-bob")
)

func newTestEngine(t *testing.T) (*Engine, *rtdb.Hub) {
	t.Helper()

	local, err := localstore.Open(":memory:")
	if err != nil {
		t.Fatalf("opening local store: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	hub := rtdb.NewHub()
	session := hub.Session()
	t.Cleanup(func() { session.Close() })

	config := &boot.Config{MessageTTL: 24 * time.Hour, CleanupInterval: time.Hour}
	return New(session, local, config), hub
}

func waitMessage(t *testing.T, ch <-chan *model.Message) *model.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		panic("unreachable")
	}
}

func TestSendAndHistoryRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	sent, err := engine.Send(ctx, alice, bob, "hello bob")
	assert.Nil(err)
	assert.Equal(model.MessageStatusSent, sent.Status)
	assert.Equal("hello bob", sent.Content)

	// the recipient reads the same history with the key derived from the
	// reversed pair
	history, err := engine.History(ctx, bob, alice)
	assert.Nil(err)
	assert.Len(history, 1)
	assert.Equal("hello bob", history[0].Content)
	assert.Equal(alice, history[0].SenderID)
	assert.False(history[0].Undecryptable)
}

func TestHistoryIsSortedByCreationTime(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine, hub := newTestEngine(t)

	base := time.UnixMilli(1700000000000).UTC()
	for i, body := range []string{"first", "second", "third"} {
		stamp := base.Add(time.Duration(i) * time.Minute)
		engine.now = func() time.Time { return stamp }
		hub.Now = func() time.Time { return stamp }
		_, err := engine.Send(ctx, alice, bob, body)
		assert.Nil(err)
	}

	engine.now = time.Now
	history, err := engine.History(ctx, alice, bob)
	assert.Nil(err)
	assert.Len(history, 3)
	assert.Equal("first", history[0].Content)
	assert.Equal("second", history[1].Content)
	assert.Equal("third", history[2].Content)
}

func TestSubscribeDeliversAndMarksDelivered(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	received := make(chan *model.Message, 8)
	unsub, err := engine.Subscribe(ctx, bob, alice, func(m *model.Message) {
		received <- m
	})
	assert.Nil(err)
	defer unsub()

	sent, err := engine.Send(ctx, alice, bob, "hello bob")
	assert.Nil(err)

	got := waitMessage(t, received)
	assert.Equal(sent.ID, got.ID)
	assert.Equal("hello bob", got.Content)

	// the recipient's subscription advances the stored status
	assert.Eventually(func() bool {
		history, err := engine.History(ctx, alice, bob)
		if err != nil || len(history) != 1 {
			return false
		}
		return history[0].Status == model.MessageStatusDelivered
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSenderDoesNotSelfDeliver(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	received := make(chan *model.Message, 8)
	unsub, err := engine.Subscribe(ctx, alice, bob, func(m *model.Message) {
		received <- m
	})
	assert.Nil(err)
	defer unsub()

	sent, err := engine.Send(ctx, alice, bob, "note to other half")
	assert.Nil(err)
	waitMessage(t, received)

	// watching our own message must leave it at sent
	time.Sleep(100 * time.Millisecond)
	history, err := engine.History(ctx, alice, bob)
	assert.Nil(err)
	assert.Len(history, 1)
	assert.Equal(sent.ID, history[0].ID)
	assert.Equal(model.MessageStatusSent, history[0].Status)
}

func TestUndecryptableMessageSurfacesAsPlaceholder(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine, hub := newTestEngine(t)

	// a message sealed under the wrong pair's key
	wrongKey := crypt.DeriveSharedSecret("u-carol", "u-dave")
	ciphertext, err := crypt.EncryptMessage("secret", wrongKey)
	assert.Nil(err)

	writer := hub.Session()
	defer writer.Close()
	chatID := chatid.For(string(alice), string(bob))
	err = writer.Set(ctx, "chats/"+chatID+"/messages/msg_1", map[string]any{
		"encryptedContent": ciphertext,
		"senderId":         alice,
		"timestamp":        rtdb.ServerTimestamp,
	})
	assert.Nil(err)

	received := make(chan *model.Message, 8)
	unsub, err := engine.Subscribe(ctx, bob, alice, func(m *model.Message) {
		received <- m
	})
	assert.Nil(err)
	defer unsub()

	got := waitMessage(t, received)
	assert.True(got.Undecryptable)
	assert.Empty(got.Content)

	// the stream survives: a well-formed message still arrives
	_, err = engine.Send(ctx, alice, bob, "readable")
	assert.Nil(err)
	got = waitMessage(t, received)
	assert.Equal("readable", got.Content)
}

func TestStatusNeverRegresses(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	sent, err := engine.Send(ctx, alice, bob, "hello")
	assert.Nil(err)

	assert.Nil(engine.MarkRead(ctx, bob, alice, sent.ID))
	// a late delivery event must not pull the status back
	assert.Nil(engine.MarkDelivered(ctx, bob, alice, sent.ID))

	history, err := engine.History(ctx, alice, bob)
	assert.Nil(err)
	assert.Len(history, 1)
	assert.Equal(model.MessageStatusRead, history[0].Status)
	assert.Contains(history[0].ReadBy, bob)

	// and the reverse order converges on read as well
	second, err := engine.Send(ctx, alice, bob, "again")
	assert.Nil(err)
	assert.Nil(engine.MarkDelivered(ctx, bob, alice, second.ID))
	assert.Nil(engine.MarkRead(ctx, bob, alice, second.ID))

	history, err = engine.History(ctx, alice, bob)
	assert.Nil(err)
	assert.Equal(model.MessageStatusRead, history[1].Status)
}

func TestMarkOnMissingMessageIsNoOp(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	assert.Nil(engine.MarkDelivered(ctx, bob, alice, "msg_gone"))
	assert.Nil(engine.MarkRead(ctx, bob, alice, "msg_gone"))
}

func TestMarkAllRead(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	_, err := engine.Send(ctx, alice, bob, "one")
	assert.Nil(err)
	_, err = engine.Send(ctx, alice, bob, "two")
	assert.Nil(err)
	mine, err := engine.Send(ctx, bob, alice, "from bob")
	assert.Nil(err)

	assert.Nil(engine.MarkAllRead(ctx, bob, alice))

	history, err := engine.History(ctx, alice, bob)
	assert.Nil(err)
	assert.Len(history, 3)
	for _, m := range history {
		if m.ID == mine.ID {
			// bob's own message is untouched by his read sweep
			assert.Equal(model.MessageStatusSent, m.Status)
			continue
		}
		assert.Equal(model.MessageStatusRead, m.Status)
		assert.Contains(m.ReadBy, bob)
	}
}

func TestExpireRemovesOnlyOldMessages(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine, hub := newTestEngine(t)

	base := time.Now().UTC()
	old := base.Add(-25 * time.Hour)
	fresh := base.Add(-time.Hour)

	engine.now = func() time.Time { return old }
	hub.Now = func() time.Time { return old }
	stale, err := engine.Send(ctx, alice, bob, "stale")
	assert.Nil(err)

	engine.now = func() time.Time { return fresh }
	hub.Now = func() time.Time { return fresh }
	kept, err := engine.Send(ctx, alice, bob, "fresh")
	assert.Nil(err)

	engine.now = func() time.Time { return base }
	chatID := chatid.For(string(alice), string(bob))
	expired, err := engine.Expire(ctx, chatID)
	assert.Nil(err)
	assert.Equal(1, expired)

	history, err := engine.History(ctx, alice, bob)
	assert.Nil(err)
	assert.Len(history, 1)
	assert.Equal(kept.ID, history[0].ID)
	assert.NotEqual(stale.ID, history[0].ID)

	// expiring again finds nothing and does not error
	expired, err = engine.Expire(ctx, chatID)
	assert.Nil(err)
	assert.Zero(expired)
}

func TestHistoryExpiresLazily(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine, hub := newTestEngine(t)

	old := time.Now().UTC().Add(-25 * time.Hour)
	engine.now = func() time.Time { return old }
	hub.Now = func() time.Time { return old }
	_, err := engine.Send(ctx, alice, bob, "stale")
	assert.Nil(err)

	engine.now = time.Now
	history, err := engine.History(ctx, alice, bob)
	assert.Nil(err)
	assert.Empty(history)

	// the read itself deleted the stale record
	raw, err := hub.Session().Get(ctx, "chats/"+chatid.For(string(alice), string(bob))+"/messages")
	assert.Nil(err)
	assert.Nil(raw)
}

func TestClearAll(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	_, err := engine.Send(ctx, alice, bob, "one")
	assert.Nil(err)
	_, err = engine.Send(ctx, alice, "u-carol", "two")
	assert.Nil(err)

	assert.Nil(engine.ClearAll(ctx))

	history, err := engine.History(ctx, alice, bob)
	assert.Nil(err)
	assert.Empty(history)

	history, err = engine.History(ctx, alice, "u-carol")
	assert.Nil(err)
	assert.Empty(history)
}

func TestWatchStatus(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	sent, err := engine.Send(ctx, alice, bob, "watch me")
	assert.Nil(err)

	statuses := make(chan model.MessageStatus, 8)
	unsub, err := engine.WatchStatus(alice, bob, sent.ID, func(s model.MessageStatus) {
		statuses <- s
	})
	assert.Nil(err)
	defer unsub()

	select {
	case s := <-statuses:
		assert.Equal(model.MessageStatusSent, s)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial status")
	}

	assert.Nil(engine.MarkDelivered(ctx, bob, alice, sent.ID))
	select {
	case s := <-statuses:
		assert.Equal(model.MessageStatusDelivered, s)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered status")
	}

	assert.Nil(engine.MarkRead(ctx, bob, alice, sent.ID))
	select {
	case s := <-statuses:
		assert.Equal(model.MessageStatusRead, s)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read status")
	}
}
