package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/labstack/gommon/log"

	"github.com/nalid/nalid24/internal/model"
	"github.com/nalid/nalid24/internal/rtdb"
	"github.com/nalid/nalid24/pkg/chatid"
)

// Notifier is the opaque outbound push channel. The hub only resolves the
// recipient's handle and hands the notification over; delivery is someone
// else's problem.
type Notifier interface {
	SendPush(ctx context.Context, handle, title, body string, data map[string]string) error
}

// LogNotifier is the default Notifier: it only logs. Deployments plug a real
// provider in.
type LogNotifier struct{}

func (LogNotifier) SendPush(_ context.Context, handle, title, _ string, _ map[string]string) error {
	log.Infof("push to %s: %s", handle, title)
	return nil
}

// Pusher watches every chat for new messages and notifies recipients. After a
// successful push it advances the message to delivered, mirroring the
// notification success path; the recipient's own receipt remains
// authoritative and the advance never regresses a further status.
type Pusher struct {
	store    *rtdb.Session
	notifier Notifier

	mu         sync.Mutex
	chatSubs   map[string]rtdb.Unsubscribe
	unsubChats rtdb.Unsubscribe
	stopped    bool
}

func NewPusher(hub *rtdb.Hub, notifier Notifier) *Pusher {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Pusher{
		store:    hub.Session(),
		notifier: notifier,
		chatSubs: map[string]rtdb.Unsubscribe{},
	}
}

// Start begins watching. New chats are picked up as their first message
// creates them.
func (p *Pusher) Start(ctx context.Context) error {
	unsub, err := p.store.SubscribeChildAdded("chats", func(chatID string, _ json.RawMessage) {
		p.watchChat(ctx, chatID)
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.unsubChats = unsub
	p.mu.Unlock()
	return nil
}

func (p *Pusher) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	unsubChats := p.unsubChats
	subs := p.chatSubs
	p.chatSubs = map[string]rtdb.Unsubscribe{}
	p.mu.Unlock()

	if unsubChats != nil {
		unsubChats()
	}
	for _, unsub := range subs {
		unsub()
	}
	p.store.Close()
}

func (p *Pusher) watchChat(ctx context.Context, chatID string) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if _, ok := p.chatSubs[chatID]; ok {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	unsub, err := p.store.SubscribeChildAdded("chats/"+chatID+"/messages", func(messageID string, value json.RawMessage) {
		p.onMessage(ctx, chatID, messageID, value)
	})
	if err != nil {
		log.Warnf("watching chat %s: %v", chatID, err)
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		unsub()
		return
	}
	p.chatSubs[chatID] = unsub
	p.mu.Unlock()
}

func (p *Pusher) onMessage(ctx context.Context, chatID, messageID string, value json.RawMessage) {
	record := model.MessageRecord{}
	if err := json.Unmarshal(value, &record); err != nil {
		log.Warnf("skipping malformed message %s in %s: %v", messageID, chatID, err)
		return
	}
	if record.Status == "" {
		record.Status = model.MessageStatusSent
	}
	// replayed messages that were already delivered need no notification
	if !record.Status.Advances(model.MessageStatusDelivered) {
		return
	}

	recipientID, ok := chatid.PeerOf(chatID, string(record.SenderID))
	if !ok {
		log.Warnf("cannot resolve recipient for chat %s", chatID)
		return
	}

	handle, senderName := p.resolveProfiles(ctx, recipientID, string(record.SenderID))
	if handle == "" {
		return
	}

	title := "New message"
	if senderName != "" {
		title = "New message from " + senderName
	}
	data := map[string]string{
		"chatId":    chatID,
		"messageId": messageID,
		"senderId":  string(record.SenderID),
	}
	if err := p.notifier.SendPush(ctx, handle, title, "You have a new message", data); err != nil {
		log.Warnf("pushing message %s to %s: %v", messageID, recipientID, err)
		return
	}

	p.markDelivered(ctx, chatID, messageID)
}

// resolveProfiles reads the recipient's notification handle and the sender's
// display name from the discoverability registry.
func (p *Pusher) resolveProfiles(ctx context.Context, recipientID, senderID string) (handle, senderName string) {
	if raw, err := p.store.Get(ctx, "users/"+recipientID); err == nil && raw != nil {
		profile := model.Profile{}
		if err := json.Unmarshal(raw, &profile); err == nil {
			handle = profile.NotificationHandle
		}
	}
	if raw, err := p.store.Get(ctx, "users/"+senderID); err == nil && raw != nil {
		profile := model.Profile{}
		if err := json.Unmarshal(raw, &profile); err == nil {
			senderName = profile.Username
		}
	}
	return handle, senderName
}

func (p *Pusher) markDelivered(ctx context.Context, chatID, messageID string) {
	path := "chats/" + chatID + "/messages/" + messageID

	raw, err := p.store.Get(ctx, path)
	if err != nil || raw == nil {
		return
	}
	record := model.MessageRecord{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return
	}
	if record.Status == "" {
		record.Status = model.MessageStatusSent
	}
	if !record.Status.Advances(model.MessageStatusDelivered) {
		return
	}

	err = p.store.Update(ctx, path, map[string]any{
		"status":      model.MessageStatusDelivered,
		"deliveredAt": rtdb.ServerTimestamp,
	})
	if err != nil {
		log.Warnf("marking message %s delivered: %v", messageID, err)
	}
}
