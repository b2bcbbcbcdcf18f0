// Package message implements the synchronization engine for two-party chats:
// sending into the shared tree, live subscriptions with automatic delivery
// receipts, forward-only status transitions, and cooperative 24h expiry.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/nalid/nalid24/internal/boot"
	"github.com/nalid/nalid24/internal/localstore"
	"github.com/nalid/nalid24/internal/model"
	"github.com/nalid/nalid24/internal/rtdb"
	"github.com/nalid/nalid24/pkg/chatid"
	"github.com/nalid/nalid24/pkg/crypt"
)

type Engine struct {
	remote rtdb.Store
	local  *localstore.Store
	ttl    time.Duration
	sweep  time.Duration
	now    func() time.Time
}

func New(remote rtdb.Store, local *localstore.Store, config *boot.Config) *Engine {
	return &Engine{
		remote: remote,
		local:  local,
		ttl:    config.MessageTTL,
		sweep:  config.CleanupInterval,
		now:    time.Now,
	}
}

func messagesPath(chatID string) string {
	return "chats/" + chatID + "/messages"
}

func messagePath(chatID string, id model.MessageID) string {
	return messagesPath(chatID) + "/" + string(id)
}

// Send encrypts plaintext under the pair's shared secret and writes it into
// the chat. The returned message carries the plaintext for local display; the
// store only ever sees ciphertext.
func (e *Engine) Send(ctx context.Context, senderID, recipientID model.UserID, plaintext string) (*model.Message, error) {
	chatID := chatid.For(string(senderID), string(recipientID))
	key := crypt.DeriveSharedSecret(string(senderID), string(recipientID))

	encrypted, err := crypt.EncryptMessage(plaintext, key)
	if err != nil {
		return nil, fmt.Errorf("encrypting message: %w", err)
	}

	now := e.now().UTC()
	id := model.NewMessageID(now)

	record := map[string]any{
		"encryptedContent": encrypted,
		"senderId":         senderID,
		"timestamp":        rtdb.ServerTimestamp,
		"status":           model.MessageStatusSent,
	}
	if err := e.remote.Set(ctx, messagePath(chatID, id), record); err != nil {
		return nil, fmt.Errorf("writing message: %w", errors.Join(model.ErrorRemoteWrite, err))
	}

	message := &model.Message{
		ID:        id,
		SenderID:  senderID,
		Content:   plaintext,
		CreatedAt: now,
		Status:    model.MessageStatusSent,
	}
	if err := e.local.CacheMessage(chatID, message); err != nil {
		log.Warnf("caching sent message %s: %v", id, err)
	}
	return message, nil
}

// Subscribe opens a live subscription on the chat between observer and peer.
// Existing messages are replayed first, then new ones arrive as written.
// Messages authored by the peer are automatically marked delivered. A message
// that cannot be decrypted is surfaced as an unreadable placeholder and the
// stream continues.
func (e *Engine) Subscribe(ctx context.Context, observerID, peerID model.UserID, onMessage func(*model.Message)) (rtdb.Unsubscribe, error) {
	chatID := chatid.For(string(observerID), string(peerID))
	key := crypt.DeriveSharedSecret(string(observerID), string(peerID))

	return e.remote.SubscribeChildAdded(messagesPath(chatID), func(childKey string, value json.RawMessage) {
		record, err := decodeRecord(value)
		if err != nil {
			log.Warnf("skipping malformed message %s in %s: %v", childKey, chatID, err)
			return
		}

		message := e.toMessage(model.MessageID(childKey), record, key)

		if record.SenderID != observerID {
			if err := e.MarkDelivered(ctx, observerID, peerID, message.ID); err != nil {
				log.Warnf("marking message %s delivered: %v", message.ID, err)
			}
		}

		if !message.Undecryptable {
			if err := e.local.CacheMessage(chatID, message); err != nil {
				log.Warnf("caching message %s: %v", message.ID, err)
			}
		}

		onMessage(message)
	})
}

// History performs a one-shot read of the chat, sorted by creation time
// ascending. Messages past the retention window are removed from the store
// while reading and excluded from the result.
func (e *Engine) History(ctx context.Context, observerID, peerID model.UserID) ([]model.Message, error) {
	chatID := chatid.For(string(observerID), string(peerID))
	key := crypt.DeriveSharedSecret(string(observerID), string(peerID))
	cutoff := e.now().UTC().Add(-e.ttl).UnixMilli()

	children, err := e.remote.Children(ctx, messagesPath(chatID))
	if err != nil {
		return nil, fmt.Errorf("reading chat %s: %w", chatID, errors.Join(model.ErrorRemoteRead, err))
	}

	messages := make([]model.Message, 0, len(children))
	for childKey, value := range children {
		record, err := decodeRecord(value)
		if err != nil {
			log.Warnf("skipping malformed message %s in %s: %v", childKey, chatID, err)
			continue
		}

		if record.Timestamp != 0 && record.Timestamp < cutoff {
			if err := e.remote.Remove(ctx, messagesPath(chatID)+"/"+childKey); err != nil {
				log.Warnf("expiring message %s in %s: %v", childKey, chatID, err)
			}
			continue
		}

		messages = append(messages, *e.toMessage(model.MessageID(childKey), record, key))
	}

	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// MarkDelivered advances a message to delivered on behalf of the recipient.
// The sender never self-delivers, and a status that has already reached read
// is left alone. The guard is a read-then-update, so it is best effort under
// concurrent writers: a read receipt landing between the two can briefly be
// overwritten, and the next receipt write restores it.
func (e *Engine) MarkDelivered(ctx context.Context, observerID, peerID model.UserID, id model.MessageID) error {
	chatID := chatid.For(string(observerID), string(peerID))

	record, ok, err := e.fetchRecord(ctx, chatID, id)
	if err != nil || !ok {
		return err
	}
	if record.SenderID == observerID {
		return nil
	}
	if !record.Status.Advances(model.MessageStatusDelivered) {
		return nil
	}

	err = e.remote.Update(ctx, messagePath(chatID, id), map[string]any{
		"status":      model.MessageStatusDelivered,
		"deliveredAt": rtdb.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("updating message %s: %w", id, errors.Join(model.ErrorRemoteWrite, err))
	}
	return nil
}

// MarkRead stamps the reader's receipt and advances the message to read. The
// receipt is always written; the top-level status only ever moves forward.
func (e *Engine) MarkRead(ctx context.Context, observerID, peerID model.UserID, id model.MessageID) error {
	chatID := chatid.For(string(observerID), string(peerID))

	record, ok, err := e.fetchRecord(ctx, chatID, id)
	if err != nil || !ok {
		return err
	}
	if record.SenderID == observerID {
		return nil
	}

	readBy := record.ReadBy
	if readBy == nil {
		readBy = map[model.UserID]int64{}
	}
	readBy[observerID] = e.now().UTC().UnixMilli()

	fields := map[string]any{"readBy": readBy}
	if record.Status.Advances(model.MessageStatusRead) {
		fields["status"] = model.MessageStatusRead
		fields["readAt"] = rtdb.ServerTimestamp
	}

	if err := e.remote.Update(ctx, messagePath(chatID, id), fields); err != nil {
		return fmt.Errorf("updating message %s: %w", id, errors.Join(model.ErrorRemoteWrite, err))
	}
	return nil
}

// MarkAllRead marks every peer-authored message in the chat as read, as
// triggered when the conversation is opened. Per-message failures are
// collected and do not stop the sweep.
func (e *Engine) MarkAllRead(ctx context.Context, observerID, peerID model.UserID) error {
	chatID := chatid.For(string(observerID), string(peerID))

	children, err := e.remote.Children(ctx, messagesPath(chatID))
	if err != nil {
		return fmt.Errorf("reading chat %s: %w", chatID, errors.Join(model.ErrorRemoteRead, err))
	}

	var errs []error
	for childKey, value := range children {
		record, err := decodeRecord(value)
		if err != nil {
			log.Warnf("skipping malformed message %s in %s: %v", childKey, chatID, err)
			continue
		}
		if record.SenderID == observerID || record.Status == model.MessageStatusRead {
			continue
		}
		if err := e.MarkRead(ctx, observerID, peerID, model.MessageID(childKey)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WatchStatus observes one message's status field, reporting each forward
// transition until the message disappears or the watch is cancelled.
func (e *Engine) WatchStatus(observerID, peerID model.UserID, id model.MessageID, onStatus func(model.MessageStatus)) (rtdb.Unsubscribe, error) {
	chatID := chatid.For(string(observerID), string(peerID))

	var last model.MessageStatus
	return e.remote.SubscribeValue(messagePath(chatID, id), func(value json.RawMessage) {
		if value == nil {
			return
		}
		record, err := decodeRecord(value)
		if err != nil {
			return
		}
		status := record.Status
		if status == "" {
			status = model.MessageStatusSent
		}
		if status == last {
			return
		}
		last = status
		onStatus(status)
	})
}

// Expire removes every message in the chat older than the retention window.
// Removing a message someone else already expired is a no-op.
func (e *Engine) Expire(ctx context.Context, chatID string) (int, error) {
	cutoff := e.now().UTC().Add(-e.ttl).UnixMilli()

	children, err := e.remote.Children(ctx, messagesPath(chatID))
	if err != nil {
		return 0, fmt.Errorf("reading chat %s: %w", chatID, errors.Join(model.ErrorRemoteRead, err))
	}

	expired := 0
	var errs []error
	for childKey, value := range children {
		record, err := decodeRecord(value)
		if err != nil {
			log.Warnf("skipping malformed message %s in %s: %v", childKey, chatID, err)
			continue
		}
		if record.Timestamp == 0 || record.Timestamp >= cutoff {
			continue
		}
		if err := e.remote.Remove(ctx, messagesPath(chatID)+"/"+childKey); err != nil {
			errs = append(errs, fmt.Errorf("expiring message %s: %w", childKey, err))
			continue
		}
		expired++
	}
	return expired, errors.Join(errs...)
}

// ExpireAll sweeps every chat in the store and the local plaintext cache.
// Both participants run this cooperatively; there is no single janitor.
func (e *Engine) ExpireAll(ctx context.Context) error {
	chats, err := e.remote.Children(ctx, "chats")
	if err != nil {
		return fmt.Errorf("listing chats: %w", errors.Join(model.ErrorRemoteRead, err))
	}

	var errs []error
	for chatID := range chats {
		if _, err := e.Expire(ctx, chatID); err != nil {
			log.Warnf("expiring chat %s: %v", chatID, err)
			errs = append(errs, err)
		}
	}

	cutoff := e.now().UTC().Add(-e.ttl)
	if _, err := e.local.PurgeExpiredMessages(cutoff); err != nil {
		log.Warnf("purging local cache: %v", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClearChat wipes one conversation from the store and the local cache.
func (e *Engine) ClearChat(ctx context.Context, chatID string) error {
	var errs []error
	if err := e.remote.Remove(ctx, "chats/"+chatID); err != nil {
		errs = append(errs, fmt.Errorf("removing chat %s: %w", chatID, errors.Join(model.ErrorRemoteWrite, err)))
	}
	if err := e.local.ClearMessages(chatID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClearAll wipes every conversation. A failed chat deletion is logged and the
// remaining chats are still cleared.
func (e *Engine) ClearAll(ctx context.Context) error {
	chats, err := e.remote.Children(ctx, "chats")
	if err != nil {
		return fmt.Errorf("listing chats: %w", errors.Join(model.ErrorRemoteRead, err))
	}

	var errs []error
	for chatID := range chats {
		if err := e.ClearChat(ctx, chatID); err != nil {
			log.Errorf("clearing chat %s: %v", chatID, err)
			errs = append(errs, err)
		}
	}
	if err := e.local.ClearAllMessages(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunJanitor sweeps for expired messages on the configured interval until ctx
// is cancelled. Run it in its own goroutine.
func (e *Engine) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(e.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ExpireAll(ctx); err != nil {
				log.Warnf("janitor sweep: %v", err)
			}
		}
	}
}

func (e *Engine) fetchRecord(ctx context.Context, chatID string, id model.MessageID) (*model.MessageRecord, bool, error) {
	raw, err := e.remote.Get(ctx, messagePath(chatID, id))
	if err != nil {
		return nil, false, fmt.Errorf("reading message %s: %w", id, errors.Join(model.ErrorRemoteRead, err))
	}
	if raw == nil {
		return nil, false, nil
	}
	record, err := decodeRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func decodeRecord(raw json.RawMessage) (*model.MessageRecord, error) {
	record := &model.MessageRecord{}
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("decoding message record: %w", err)
	}
	if record.Status == "" {
		record.Status = model.MessageStatusSent
	}
	return record, nil
}

// toMessage builds the local view of a wire record, decrypting the body. A
// failed decryption yields a placeholder rather than an error so one bad
// message cannot take down a stream.
func (e *Engine) toMessage(id model.MessageID, record *model.MessageRecord, key []byte) *model.Message {
	message := &model.Message{
		ID:          id,
		SenderID:    record.SenderID,
		CreatedAt:   model.MillisToTime(record.Timestamp),
		Status:      record.Status,
		DeliveredAt: model.OptionalMillis(record.DeliveredAt),
		ReadAt:      model.OptionalMillis(record.ReadAt),
		ReadBy:      record.ReadBy,
	}

	plaintext, err := crypt.DecryptMessage(record.EncryptedContent, key)
	if err != nil {
		log.Warnf("decrypting message %s: %v", id, errors.Join(model.ErrorDecryptionFailed, err))
		message.Undecryptable = true
		return message
	}
	message.Content = plaintext
	return message
}
