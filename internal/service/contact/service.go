// Package contact implements the bidirectional handshake: scanning a peer's
// invite adds them locally and leaves a request in the peer's inbox, whose
// listener auto-accepts it. Both sides converge on the same contact list
// without further user action.
package contact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/labstack/gommon/log"

	"github.com/nalid/nalid24/internal/localstore"
	"github.com/nalid/nalid24/internal/model"
	"github.com/nalid/nalid24/internal/rtdb"
	"github.com/nalid/nalid24/pkg/qr"
)

type Service struct {
	remote rtdb.Store
	local  *localstore.Store
}

func New(remote rtdb.Store, local *localstore.Store) *Service {
	return &Service{remote: remote, local: local}
}

func requestPath(targetID, requesterID model.UserID) string {
	return "contactRequests/" + string(targetID) + "/" + string(requesterID)
}

// Request leaves a contact request in the target's inbox and refreshes the
// requester's discoverability record so the target (and the push
// collaborator) can resolve the requester's handle from the id.
func (s *Service) Request(ctx context.Context, requester *model.Profile, targetID model.UserID) error {
	if err := s.PublishProfile(ctx, requester); err != nil {
		return err
	}

	request := map[string]any{
		"userId":    requester.UserID,
		"username":  requester.Username,
		"timestamp": rtdb.ServerTimestamp,
	}
	if requester.NotificationHandle != "" {
		request["notificationHandle"] = requester.NotificationHandle
	}

	if err := s.remote.Set(ctx, requestPath(targetID, requester.UserID), request); err != nil {
		return fmt.Errorf("writing contact request: %w", errors.Join(model.ErrorRemoteWrite, err))
	}
	return nil
}

// PublishProfile upserts the public record at users/{userId}.
func (s *Service) PublishProfile(ctx context.Context, profile *model.Profile) error {
	record := map[string]any{
		"userId":    profile.UserID,
		"username":  profile.Username,
		"updatedAt": rtdb.ServerTimestamp,
	}
	if profile.NotificationHandle != "" {
		record["notificationHandle"] = profile.NotificationHandle
	}

	if err := s.remote.Update(ctx, "users/"+string(profile.UserID), record); err != nil {
		return fmt.Errorf("publishing profile: %w", errors.Join(model.ErrorRemoteWrite, err))
	}
	return nil
}

// Listen watches the local user's request inbox. Each pending or future
// request is upserted into the contact list and then deleted from the inbox.
// Failures on one request never block the next, and re-processing a request
// cannot duplicate a contact.
func (s *Service) Listen(ctx context.Context, selfID model.UserID) (rtdb.Unsubscribe, error) {
	return s.remote.SubscribeChildAdded("contactRequests/"+string(selfID), func(key string, value json.RawMessage) {
		request := model.ContactRequest{}
		if err := json.Unmarshal(value, &request); err != nil {
			log.Warnf("skipping malformed contact request from %s: %v", key, err)
			return
		}
		if request.UserID == "" {
			request.UserID = model.UserID(key)
		}
		if request.UserID == selfID {
			return
		}

		if _, err := s.local.UpsertContact(request.UserID, request.Username, request.NotificationHandle); err != nil {
			log.Errorf("adding contact %s: %v", request.UserID, err)
			return
		}

		// consume the request by its inbox key, which may disagree with
		// the body's userId; a racing listener deleting first is harmless
		if err := s.remote.Remove(ctx, requestPath(selfID, model.UserID(key))); err != nil {
			log.Warnf("consuming contact request from %s: %v", request.UserID, err)
		}
	})
}

// ScanInvite processes a scanned QR payload: the peer goes straight into the
// local contact list and a symmetric request is left in their inbox so they
// gain us too.
func (s *Service) ScanInvite(ctx context.Context, self *model.Profile, payload string) (*model.Contact, error) {
	invite, err := qr.Parse(payload)
	if err != nil {
		return nil, errors.Join(model.ErrorInvalidInvite, err)
	}
	if invite.UserID == string(self.UserID) {
		return nil, model.ErrorInvalidInvite
	}

	contact, err := s.local.UpsertContact(model.UserID(invite.UserID), invite.Username, invite.NotificationHandle)
	if err != nil {
		return nil, err
	}

	if err := s.Request(ctx, self, contact.ID); err != nil {
		return nil, err
	}
	return contact, nil
}

// Contacts returns the local contact list.
func (s *Service) Contacts() ([]model.Contact, error) {
	return s.local.ListContacts()
}

// Remove deletes a contact locally. The peer keeps their symmetric entry.
func (s *Service) Remove(id model.UserID) error {
	return s.local.RemoveContact(id)
}
