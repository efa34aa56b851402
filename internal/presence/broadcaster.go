package presence

import (
	"context"
	"log/slog"
	"time"

	"chatwave/internal/models"
	"chatwave/internal/rooms"
)

type publisher interface {
	Publish(room string, event models.ServerEvent) int
	PublishExcept(room, exceptID string, event models.ServerEvent) int
}

type userLookup interface {
	GetUser(ctx context.Context, id string) (models.User, error)
}

// Broadcaster relays ephemeral signals. Nothing it sends is persisted.
type Broadcaster struct {
	rooms publisher
	users userLookup
}

func NewBroadcaster(rooms publisher, users userLookup) *Broadcaster {
	return &Broadcaster{rooms: rooms, users: users}
}

// SetTyping tells the other sessions in the conversation that userID started
// or stopped typing.
func (b *Broadcaster) SetTyping(chatID, userID string, isTyping bool, originSessionID string) int {
	return b.rooms.PublishExcept(rooms.ConversationRoom(chatID), originSessionID, models.ServerEvent{
		Event: models.ServerEventTypingIndicator,
		Data: models.TypingIndicator{
			ChatID:   chatID,
			UserID:   userID,
			IsTyping: isTyping,
		},
	})
}

// ConfirmRead notifies the conversation that a message was read. It does not
// change the stored read flag.
func (b *Broadcaster) ConfirmRead(messageID, chatID, originSessionID string) int {
	return b.rooms.PublishExcept(rooms.ConversationRoom(chatID), originSessionID, models.ServerEvent{
		Event: models.ServerEventMessageReadConfirm,
		Data: models.ReadConfirm{
			MessageID: messageID,
			ChatID:    chatID,
		},
	})
}

// AnnouncePresence sends the user's status to the personal rooms of the user's
// friends. Lookup failures are logged and dropped.
func (b *Broadcaster) AnnouncePresence(ctx context.Context, userID string, status models.UserStatus, lastSeen time.Time) int {
	user, err := b.users.GetUser(ctx, userID)
	if err != nil {
		slog.Warn("presence lookup failed", "user_id", userID, "error", err)
		return 0
	}

	event := models.ServerEvent{
		Event: models.ServerEventPresence,
		Data: models.PresenceUpdate{
			UserID:   userID,
			Status:   status,
			LastSeen: lastSeen,
		},
	}
	delivered := 0
	for _, friendID := range user.Friends {
		delivered += b.rooms.Publish(rooms.PersonalRoom(friendID), event)
	}
	return delivered
}
