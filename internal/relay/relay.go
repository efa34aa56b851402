package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatwave/internal/content"
	"chatwave/internal/models"
	"chatwave/internal/rooms"

	"github.com/c-pro/geche"
)

const DefaultProfileTTL = time.Minute

type messageStore interface {
	CreateMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error)
	GetUserPublicProfile(ctx context.Context, id string) (models.PublicProfile, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	GetGroup(ctx context.Context, id string) (models.Group, error)
	GetFileMetadata(ctx context.Context, id string) (models.FileMetadata, error)
}

type publisher interface {
	Publish(room string, event models.ServerEvent) int
}

// Notifier reaches recipients that have no open session. It is called after
// fan-out on its own goroutine and must not assume the request is still alive.
type Notifier interface {
	NotifyOffline(ctx context.Context, userIDs []string, msg models.ReceivedMessage)
}

// SendRequest is one send-message event after the boundary resolved the sender.
type SendRequest struct {
	SenderID   string
	Content    string
	Kind       models.MessageKind
	Attachment *models.Attachment
	Target     models.Target
}

type Config struct {
	// ProfileTTL is how long sender profiles are cached for enrichment.
	ProfileTTL time.Duration
	// Notifier is optional.
	Notifier Notifier
}

// Relay persists messages and fans them out to rooms.
type Relay struct {
	store    messageStore
	rooms    publisher
	notifier Notifier
	profiles geche.Geche[string, models.PublicProfile]
}

func New(ctx context.Context, store messageStore, rooms publisher, cfg Config) *Relay {
	ttl := cfg.ProfileTTL
	if ttl <= 0 {
		ttl = DefaultProfileTTL
	}
	return &Relay{
		store:    store,
		rooms:    rooms,
		notifier: cfg.Notifier,
		profiles: geche.NewMapTTLCache[string, models.PublicProfile](ctx, ttl, ttl),
	}
}

// SendMessage validates, persists and publishes a message. It returns once the
// message is stored; delivery to room members is fire-and-forget.
//
// On any error nothing is published. Validation and target resolution run
// before the store is touched, so a failed call never leaves a record behind.
func (r *Relay) SendMessage(ctx context.Context, req SendRequest) (models.ReceivedMessage, error) {
	draft, err := validate(req)
	if err != nil {
		return models.ReceivedMessage{}, err
	}

	recipients, err := r.resolveTarget(ctx, req.SenderID, req.Target)
	if err != nil {
		return models.ReceivedMessage{}, err
	}

	if draft.Attachment != nil {
		if draft.Attachment, err = r.resolveAttachment(ctx, draft.Kind, draft.Attachment.FileID); err != nil {
			return models.ReceivedMessage{}, err
		}
	}

	sender, err := r.profile(ctx, req.SenderID)
	if err != nil {
		return models.ReceivedMessage{}, fmt.Errorf("sender profile: %w", err)
	}

	msg, err := r.store.CreateMessage(ctx, draft)
	if err != nil {
		if !errors.Is(err, models.ErrPersistence) {
			err = fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}
		return models.ReceivedMessage{}, err
	}

	received := models.ReceivedMessage{Message: msg, Sender: sender}
	if msg.Kind == models.MessageKindText {
		html, err := content.Render(msg.Content)
		if err != nil {
			slog.Warn("failed to render message", "message_id", msg.ID, "error", err)
		} else {
			received.HTML = html
		}
	}

	r.fanOut(received)
	if r.notifier != nil && len(recipients) > 0 {
		go r.notifier.NotifyOffline(context.WithoutCancel(ctx), recipients, received)
	}
	return received, nil
}

func validate(req SendRequest) (models.MessageDraft, error) {
	kind := req.Kind
	if kind == "" {
		kind = models.MessageKindText
	}
	if !kind.Valid() {
		return models.MessageDraft{}, fmt.Errorf("%w: unknown message kind %q", models.ErrValidation, kind)
	}
	if req.SenderID == "" {
		return models.MessageDraft{}, fmt.Errorf("%w: sender is required", models.ErrValidation)
	}
	if req.Target.ID == "" {
		return models.MessageDraft{}, fmt.Errorf("%w: target id is required", models.ErrValidation)
	}

	draft := models.MessageDraft{
		SenderID: req.SenderID,
		Kind:     kind,
	}

	switch req.Target.Type {
	case models.TargetPrivate:
		if req.Target.ID == req.SenderID {
			return models.MessageDraft{}, fmt.Errorf("%w: cannot send a private message to yourself", models.ErrValidation)
		}
		draft.ReceiverID = req.Target.ID
	case models.TargetGroup:
		draft.GroupID = req.Target.ID
	default:
		return models.MessageDraft{}, fmt.Errorf("%w: unknown target type %q", models.ErrValidation, req.Target.Type)
	}

	if kind.IsAttachment() {
		hasFile := req.Attachment != nil && req.Attachment.FileID != ""
		if !hasFile && strings.TrimSpace(req.Content) == "" {
			return models.MessageDraft{}, fmt.Errorf("%w: %s message needs an attachment", models.ErrValidation, kind)
		}
		if hasFile {
			// The rest of the reference is filled from the stored upload.
			draft.Attachment = &models.Attachment{FileID: req.Attachment.FileID}
		}
		draft.Content = strings.TrimSpace(req.Content)
		return draft, nil
	}

	if err := content.ValidateText(req.Content); err != nil {
		return models.MessageDraft{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	draft.Content = req.Content
	return draft, nil
}

// resolveTarget checks the target exists and returns the users the message
// is addressed to, sender excluded.
func (r *Relay) resolveTarget(ctx context.Context, senderID string, target models.Target) ([]string, error) {
	switch target.Type {
	case models.TargetPrivate:
		if _, err := r.store.GetUser(ctx, target.ID); err != nil {
			return nil, fmt.Errorf("receiver: %w", err)
		}
		return []string{target.ID}, nil
	case models.TargetGroup:
		group, err := r.store.GetGroup(ctx, target.ID)
		if err != nil {
			return nil, fmt.Errorf("group: %w", err)
		}
		if !group.HasMember(senderID) {
			return nil, fmt.Errorf("%w: sender is not a member of group %s", models.ErrValidation, group.ID)
		}
		recipients := make([]string, 0, len(group.Members))
		for _, m := range group.Members {
			if m != senderID {
				recipients = append(recipients, m)
			}
		}
		return recipients, nil
	}
	return nil, nil
}

// resolveAttachment replaces the client's reference with the stored upload.
func (r *Relay) resolveAttachment(ctx context.Context, kind models.MessageKind, fileID string) (*models.Attachment, error) {
	meta, err := r.store.GetFileMetadata(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("attachment: %w", err)
	}
	if meta.Kind != kind {
		return nil, fmt.Errorf("%w: attachment %s is %s, not %s", models.ErrValidation, fileID, meta.Kind, kind)
	}
	return &models.Attachment{
		FileID:   meta.ID,
		Name:     meta.Name,
		MimeType: meta.MimeType,
		Size:     meta.Size,
	}, nil
}

func (r *Relay) profile(ctx context.Context, userID string) (models.PublicProfile, error) {
	if p, err := r.profiles.Get(userID); err == nil {
		return p, nil
	}
	p, err := r.store.GetUserPublicProfile(ctx, userID)
	if err != nil {
		return models.PublicProfile{}, err
	}
	r.profiles.Set(userID, p)
	return p, nil
}

func (r *Relay) fanOut(msg models.ReceivedMessage) {
	event := models.ServerEvent{Event: models.ServerEventReceiveMessage, Data: msg}

	if msg.IsGroup() {
		room := rooms.ConversationRoom(msg.GroupID)
		n := r.rooms.Publish(room, event)
		slog.Debug("message published", "message_id", msg.ID, "room", room, "delivered", n)
		return
	}

	// The sender's room gets a copy too so the sender's other sessions stay in sync.
	for _, room := range []string{rooms.PersonalRoom(msg.ReceiverID), rooms.PersonalRoom(msg.SenderID)} {
		n := r.rooms.Publish(room, event)
		slog.Debug("message published", "message_id", msg.ID, "room", room, "delivered", n)
	}
}
