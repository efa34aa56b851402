package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatwave/internal/idgen"
	"chatwave/internal/models"
)

// Store is the persistence gateway used by the relay and the HTTP boundary.
type Store interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	GetUserPublicProfile(ctx context.Context, id string) (models.PublicProfile, error)
	UpdateUserPresence(ctx context.Context, id string, status models.UserStatus, lastSeen time.Time) error
	AddFriend(ctx context.Context, userID, friendID string) error

	CreateGroup(ctx context.Context, group models.Group) (models.Group, error)
	GetGroup(ctx context.Context, id string) (models.Group, error)
	ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error)
	AddGroupMember(ctx context.Context, groupID, userID string) (models.Group, error)
	RemoveGroupMember(ctx context.Context, groupID, userID string) (models.Group, error)

	CreateMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	ListMessages(ctx context.Context, query models.MessageQuery) ([]models.Message, error)
	ListMessagesForUser(ctx context.Context, userID string) ([]models.Message, error)
	MarkMessageRead(ctx context.Context, id string) (models.Message, error)

	SaveFileMetadata(ctx context.Context, meta models.FileMetadata) error
	GetFileMetadata(ctx context.Context, id string) (models.FileMetadata, error)

	SavePushSubscription(ctx context.Context, sub models.PushSubscription) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error

	Close() error
}

var (
	_ Store = (*BboltStorage)(nil)
	_ Store = (*MongoStorage)(nil)
)

// prepareUser fills server-side defaults of a new user.
func prepareUser(u models.User, now time.Time) (models.User, error) {
	if u.Username == "" || u.Email == "" {
		return models.User{}, fmt.Errorf("%w: username and email are required", models.ErrValidation)
	}
	if u.ID == "" {
		u.ID = idgen.NewID()
	}
	u.Email = strings.ToLower(u.Email)
	if u.Status == "" {
		u.Status = models.UserStatusOffline
	}
	if u.Role == "" {
		u.Role = models.UserRoleUser
	}
	if u.Settings.Theme == "" {
		u.Settings = models.DefaultSettings()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.LastSeen.IsZero() {
		u.LastSeen = now
	}
	if u.Friends == nil {
		u.Friends = []string{}
	}
	return u, nil
}

func prepareGroup(g models.Group, now time.Time) (models.Group, error) {
	if g.Name == "" || g.Admin == "" {
		return models.Group{}, fmt.Errorf("%w: group name and admin are required", models.ErrValidation)
	}
	if g.ID == "" {
		g.ID = idgen.NewID()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.Members = addUnique(g.Members, g.Admin)
	return g, nil
}

func newMessage(draft models.MessageDraft, now time.Time) (models.Message, error) {
	if (draft.ReceiverID == "") == (draft.GroupID == "") {
		return models.Message{}, fmt.Errorf("%w: message needs exactly one of receiver or group", models.ErrValidation)
	}
	if draft.SenderID == "" {
		return models.Message{}, fmt.Errorf("%w: message needs a sender", models.ErrValidation)
	}
	kind := draft.Kind
	if kind == "" {
		kind = models.MessageKindText
	}
	return models.Message{
		ID:         idgen.NewMessageID(now),
		SenderID:   draft.SenderID,
		ReceiverID: draft.ReceiverID,
		GroupID:    draft.GroupID,
		Content:    draft.Content,
		Attachment: draft.Attachment,
		Kind:       kind,
		Read:       false,
		CreatedAt:  now,
	}, nil
}

func preparePushSubscription(sub models.PushSubscription, now time.Time) (models.PushSubscription, error) {
	if sub.UserID == "" || sub.Endpoint == "" || sub.P256dh == "" || sub.Auth == "" {
		return models.PushSubscription{}, fmt.Errorf("%w: push subscription needs user, endpoint and keys", models.ErrValidation)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	return sub, nil
}

// pushKey scopes a subscription to its user, so one user's prefix scan never
// sees another user's endpoints.
func pushKey(userID, endpoint string) string {
	return userID + "|" + endpoint
}

func addUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

func removeValue(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// classify keeps domain errors as they are and marks everything else as a
// persistence failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{models.ErrNotFound, models.ErrConflict, models.ErrValidation, models.ErrPersistence} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %v", models.ErrPersistence, op, err)
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
}
