// Package localstore is the device-local persistence layer: the identity
// record, the contact list, a plaintext message cache per chat, and a
// generic JSON key-value map. Backed by one sqlite database per user
// profile.
//
// Mutations that read-modify-write (contact upserts) are serialized through
// a store-level mutex so two concurrent adds cannot lose an update.
package localstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nalid/nalid24/internal/model"
)

type Store struct {
	db *sqlx.DB
	mu sync.Mutex
}

// Open connects to the sqlite database at dsn, creating the schema when it
// does not exist yet. Use "file:<path>.db" for on-disk stores and
// "file::memory:" in tests.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, storageErr("opening database", err)
	}

	store := &Store{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(model.ErrorStorage, err))
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`create table if not exists user(
		ID         text not null primary key,
		Username   text not null,
		CreatedAt  datetime not null,
		PrivateKey text not null default '',
		PublicKey  text not null default '',
		PINHash    text not null default ''
	)`)
	if err != nil {
		return storageErr("creating user table", err)
	}

	_, err = s.db.Exec(`create table if not exists contacts(
		ID                 text not null primary key,
		Username           text not null,
		NotificationHandle text not null default '',
		AddedAt            datetime not null
	)`)
	if err != nil {
		return storageErr("creating contacts table", err)
	}

	_, err = s.db.Exec(`create table if not exists messages(
		ChatID      text not null,
		ID          text not null,
		SenderID    text not null,
		Content     text not null,
		CreatedAt   datetime not null,
		Status      text not null default 'sent',
		primary key (ChatID, ID)
	)`)
	if err != nil {
		return storageErr("creating messages table", err)
	}

	_, err = s.db.Exec(`create table if not exists kv(
		Key   text not null primary key,
		Value text not null
	)`)
	if err != nil {
		return storageErr("creating kv table", err)
	}

	return nil
}

// SaveUser persists the local identity, replacing any previous one. The
// table holds at most one row.
func (s *Store) SaveUser(user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`delete from user`); err != nil {
		return storageErr("clearing user", err)
	}
	_, err := s.db.NamedExec(`insert into user
		(ID, Username, CreatedAt, PrivateKey, PublicKey, PINHash)
		values(:ID, :Username, :CreatedAt, :PrivateKey, :PublicKey, :PINHash)`, user)
	if err != nil {
		return storageErr("inserting user", err)
	}
	return nil
}

func (s *Store) FetchUser() (*model.User, error) {
	user := &model.User{}
	err := s.db.Get(user, `select * from user limit 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorUserNotFound
		}
		return nil, storageErr("fetching user", err)
	}
	return user, nil
}

func (s *Store) DeleteUser() error {
	if _, err := s.db.Exec(`delete from user`); err != nil {
		return storageErr("deleting user", err)
	}
	return nil
}

// UpsertContact adds a contact or refreshes its username and notification
// handle. It is idempotent: re-adding an existing contact never duplicates
// it and keeps the original AddedAt.
func (s *Store) UpsertContact(id model.UserID, username, notificationHandle string) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := &model.Contact{}
	err := s.db.Get(existing, `select * from contacts where ID = ?`, id)
	switch {
	case err == nil:
		if username == "" {
			username = existing.Username
		}
		if notificationHandle == "" {
			notificationHandle = existing.NotificationHandle
		}
		if username == existing.Username && notificationHandle == existing.NotificationHandle {
			return existing, nil
		}
		_, err = s.db.Exec(`update contacts set Username = ?, NotificationHandle = ? where ID = ?`,
			username, notificationHandle, id)
		if err != nil {
			return nil, storageErr("updating contact", err)
		}
		existing.Username = username
		existing.NotificationHandle = notificationHandle
		return existing, nil

	case errors.Is(err, sql.ErrNoRows):
		contact := &model.Contact{
			ID:                 id,
			Username:           username,
			NotificationHandle: notificationHandle,
			AddedAt:            time.Now().UTC(),
		}
		_, err = s.db.NamedExec(`insert into contacts
			(ID, Username, NotificationHandle, AddedAt)
			values(:ID, :Username, :NotificationHandle, :AddedAt)`, contact)
		if err != nil {
			return nil, storageErr("inserting contact", err)
		}
		return contact, nil

	default:
		return nil, storageErr("looking up contact", err)
	}
}

func (s *Store) ListContacts() ([]model.Contact, error) {
	contacts := []model.Contact{}
	err := s.db.Select(&contacts, `select * from contacts order by AddedAt, ID`)
	if err != nil {
		return nil, storageErr("listing contacts", err)
	}
	return contacts, nil
}

func (s *Store) GetContact(id model.UserID) (*model.Contact, error) {
	contact := &model.Contact{}
	err := s.db.Get(contact, `select * from contacts where ID = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorNotFound
		}
		return nil, storageErr("fetching contact", err)
	}
	return contact, nil
}

// RemoveContact deletes a contact. Removing an unknown id is a no-op.
func (s *Store) RemoveContact(id model.UserID) error {
	if _, err := s.db.Exec(`delete from contacts where ID = ?`, id); err != nil {
		return storageErr("removing contact", err)
	}
	return nil
}

func (s *Store) ClearContacts() error {
	if _, err := s.db.Exec(`delete from contacts`); err != nil {
		return storageErr("clearing contacts", err)
	}
	return nil
}

// cachedMessage is the flat row shape of the messages table.
type cachedMessage struct {
	ChatID    string    `db:"ChatID"`
	ID        string    `db:"ID"`
	SenderID  string    `db:"SenderID"`
	Content   string    `db:"Content"`
	CreatedAt time.Time `db:"CreatedAt"`
	Status    string    `db:"Status"`
}

// CacheMessage stores the decrypted message locally so chats render without
// a round-trip. The cache obeys the same retention window as the shared
// store; see PurgeExpiredMessages.
func (s *Store) CacheMessage(chatID string, m *model.Message) error {
	row := cachedMessage{
		ChatID:    chatID,
		ID:        string(m.ID),
		SenderID:  string(m.SenderID),
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC(),
		Status:    string(m.Status),
	}
	_, err := s.db.NamedExec(`insert into messages
		(ChatID, ID, SenderID, Content, CreatedAt, Status)
		values(:ChatID, :ID, :SenderID, :Content, :CreatedAt, :Status)
		on conflict(ChatID, ID) do update set Content = excluded.Content, Status = excluded.Status`, row)
	if err != nil {
		return storageErr("caching message", err)
	}
	return nil
}

func (s *Store) CachedMessages(chatID string) ([]model.Message, error) {
	rows := []cachedMessage{}
	err := s.db.Select(&rows, `select * from messages where ChatID = ? order by CreatedAt, ID`, chatID)
	if err != nil {
		return nil, storageErr("loading cached messages", err)
	}

	messages := make([]model.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, model.Message{
			ID:        model.MessageID(row.ID),
			SenderID:  model.UserID(row.SenderID),
			Content:   row.Content,
			CreatedAt: row.CreatedAt.UTC(),
			Status:    model.MessageStatus(row.Status),
		})
	}
	return messages, nil
}

// PurgeExpiredMessages drops cached messages created before cutoff and
// returns how many were removed.
func (s *Store) PurgeExpiredMessages(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`delete from messages where CreatedAt < ?`, cutoff.UTC())
	if err != nil {
		return 0, storageErr("purging expired messages", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("counting purged messages", err)
	}
	return n, nil
}

func (s *Store) ClearMessages(chatID string) error {
	if _, err := s.db.Exec(`delete from messages where ChatID = ?`, chatID); err != nil {
		return storageErr("clearing chat cache", err)
	}
	return nil
}

func (s *Store) ClearAllMessages() error {
	if _, err := s.db.Exec(`delete from messages`); err != nil {
		return storageErr("clearing message cache", err)
	}
	return nil
}

// SetValue stores a JSON-serializable value under key in the generic map.
func (s *Store) SetValue(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return storageErr("encoding value", err)
	}
	_, err = s.db.Exec(`insert into kv (Key, Value) values(?, ?)
		on conflict(Key) do update set Value = excluded.Value`, key, string(data))
	if err != nil {
		return storageErr("storing value", err)
	}
	return nil
}

// GetValue loads the value stored under key into out. Missing keys yield
// model.ErrorNotFound.
func (s *Store) GetValue(key string, out any) error {
	var data string
	err := s.db.Get(&data, `select Value from kv where Key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrorNotFound
		}
		return storageErr("loading value", err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return storageErr("decoding value", err)
	}
	return nil
}

func (s *Store) RemoveValue(key string) error {
	if _, err := s.db.Exec(`delete from kv where Key = ?`, key); err != nil {
		return storageErr("removing value", err)
	}
	return nil
}

func (s *Store) Keys() ([]string, error) {
	keys := []string{}
	if err := s.db.Select(&keys, `select Key from kv order by Key`); err != nil {
		return nil, storageErr("listing keys", err)
	}
	return keys, nil
}

func (s *Store) MultiRemove(keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := s.RemoveValue(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
