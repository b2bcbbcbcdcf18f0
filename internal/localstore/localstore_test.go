package localstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nalid/nalid24/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUserRoundTrip(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)

	_, err := store.FetchUser()
	assert.ErrorIs(err, model.ErrorUserNotFound)

	user := &model.User{
		ID:         "u-a",
		Username:   "Alice",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		PrivateKey: "sealed-private",
		PublicKey:  "public",
		PINHash:    "hash",
	}
	assert.Nil(store.SaveUser(user))

	fetched, err := store.FetchUser()
	assert.Nil(err)
	assert.Equal(user.ID, fetched.ID)
	assert.Equal(user.Username, fetched.Username)
	assert.Equal(user.PrivateKey, fetched.PrivateKey)
	assert.Equal(user.PINHash, fetched.PINHash)

	// saving again replaces, never duplicates
	user.Username = "Alice2"
	assert.Nil(store.SaveUser(user))
	fetched, err = store.FetchUser()
	assert.Nil(err)
	assert.Equal("Alice2", fetched.Username)

	assert.Nil(store.DeleteUser())
	_, err = store.FetchUser()
	assert.ErrorIs(err, model.ErrorUserNotFound)
}

func TestUpsertContactIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)

	first, err := store.UpsertContact("u-b", "Bob", "handle-1")
	assert.Nil(err)

	again, err := store.UpsertContact("u-b", "Bob", "handle-1")
	assert.Nil(err)
	assert.Equal(first.AddedAt.Unix(), again.AddedAt.Unix())

	contacts, err := store.ListContacts()
	assert.Nil(err)
	assert.Len(contacts, 1)
}

func TestUpsertContactRefreshesHandle(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)

	_, err := store.UpsertContact("u-b", "Bob", "old-handle")
	assert.Nil(err)

	updated, err := store.UpsertContact("u-b", "Bob", "new-handle")
	assert.Nil(err)
	assert.Equal("new-handle", updated.NotificationHandle)

	// an empty handle does not wipe the known one
	kept, err := store.UpsertContact("u-b", "Bob", "")
	assert.Nil(err)
	assert.Equal("new-handle", kept.NotificationHandle)
}

func TestContactLookupAndRemoval(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)

	_, err := store.GetContact("u-b")
	assert.ErrorIs(err, model.ErrorNotFound)

	_, err = store.UpsertContact("u-b", "Bob", "")
	assert.Nil(err)
	_, err = store.UpsertContact("u-c", "Carol", "")
	assert.Nil(err)

	contact, err := store.GetContact("u-b")
	assert.Nil(err)
	assert.Equal("Bob", contact.Username)

	assert.Nil(store.RemoveContact("u-b"))
	assert.Nil(store.RemoveContact("u-b")) // absent is fine

	contacts, err := store.ListContacts()
	assert.Nil(err)
	assert.Len(contacts, 1)
	assert.Equal(model.UserID("u-c"), contacts[0].ID)

	assert.Nil(store.ClearContacts())
	contacts, err = store.ListContacts()
	assert.Nil(err)
	assert.Empty(contacts)
}

func TestMessageCache(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	msg := &model.Message{
		ID:        "msg_1",
		SenderID:  "u-a",
		Content:   "hello",
		CreatedAt: now,
		Status:    model.MessageStatusSent,
	}
	assert.Nil(store.CacheMessage("u-a_u-b", msg))

	// re-caching with a newer status overwrites in place
	msg.Status = model.MessageStatusRead
	assert.Nil(store.CacheMessage("u-a_u-b", msg))

	messages, err := store.CachedMessages("u-a_u-b")
	assert.Nil(err)
	assert.Len(messages, 1)
	assert.Equal("hello", messages[0].Content)
	assert.Equal(model.MessageStatusRead, messages[0].Status)

	other, err := store.CachedMessages("u-a_u-c")
	assert.Nil(err)
	assert.Empty(other)
}

func TestPurgeExpiredMessages(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)

	now := time.Now().UTC()
	old := &model.Message{ID: "msg_old", SenderID: "u-a", Content: "stale", CreatedAt: now.Add(-25 * time.Hour)}
	fresh := &model.Message{ID: "msg_new", SenderID: "u-a", Content: "fresh", CreatedAt: now.Add(-time.Hour)}
	assert.Nil(store.CacheMessage("u-a_u-b", old))
	assert.Nil(store.CacheMessage("u-a_u-b", fresh))

	purged, err := store.PurgeExpiredMessages(now.Add(-24 * time.Hour))
	assert.Nil(err)
	assert.Equal(int64(1), purged)

	messages, err := store.CachedMessages("u-a_u-b")
	assert.Nil(err)
	assert.Len(messages, 1)
	assert.Equal(model.MessageID("msg_new"), messages[0].ID)
}

func TestClearMessages(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)

	now := time.Now().UTC()
	assert.Nil(store.CacheMessage("u-a_u-b", &model.Message{ID: "m1", SenderID: "u-a", CreatedAt: now}))
	assert.Nil(store.CacheMessage("u-a_u-c", &model.Message{ID: "m2", SenderID: "u-a", CreatedAt: now}))

	assert.Nil(store.ClearMessages("u-a_u-b"))
	messages, err := store.CachedMessages("u-a_u-b")
	assert.Nil(err)
	assert.Empty(messages)

	messages, err = store.CachedMessages("u-a_u-c")
	assert.Nil(err)
	assert.Len(messages, 1)

	assert.Nil(store.ClearAllMessages())
	messages, err = store.CachedMessages("u-a_u-c")
	assert.Nil(err)
	assert.Empty(messages)
}

func TestKeyValueMap(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)

	var missing string
	assert.ErrorIs(store.GetValue("nope", &missing), model.ErrorNotFound)

	assert.Nil(store.SetValue("chat_u-a_u-b", map[string]string{"draft": "hey"}))
	assert.Nil(store.SetValue("notification_token", "tok-1"))
	assert.Nil(store.SetValue("notification_token", "tok-2")) // overwrite

	var token string
	assert.Nil(store.GetValue("notification_token", &token))
	assert.Equal("tok-2", token)

	keys, err := store.Keys()
	assert.Nil(err)
	assert.Equal([]string{"chat_u-a_u-b", "notification_token"}, keys)

	assert.Nil(store.MultiRemove([]string{"chat_u-a_u-b", "never-existed"}))
	keys, err = store.Keys()
	assert.Nil(err)
	assert.Equal([]string{"notification_token"}, keys)

	assert.Nil(store.RemoveValue("notification_token"))
	assert.ErrorIs(store.GetValue("notification_token", &token), model.ErrorNotFound)
}
