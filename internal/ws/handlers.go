package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"chatwave/internal/models"
	"chatwave/internal/relay"
	"chatwave/internal/rooms"
)

type handlerFunc func(ctx context.Context, c *Connection, data json.RawMessage) error

var handlers map[models.ClientEventType]handlerFunc

func init() {
	handlers = map[models.ClientEventType]handlerFunc{
		models.ClientEventJoinPersonal:     handleJoinPersonal,
		models.ClientEventJoinConversation: handleJoinConversation,
		models.ClientEventSendMessage:      handleSendMessage,
		models.ClientEventTyping:           handleTyping,
		models.ClientEventMessageRead:      handleMessageRead,
		models.ClientEventSetStatus:        handleSetStatus,
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", models.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}

// actingUser resolves an optional user ID from a payload. Clients may only
// act as the user they authenticated as.
func (c *Connection) actingUser(claimed string) (string, error) {
	if claimed == "" || claimed == c.userID {
		return c.userID, nil
	}
	return "", fmt.Errorf("%w: cannot act as user %s", models.ErrValidation, claimed)
}

// handleJoinPersonal joins the room of the identity the session was bound
// to on connect. Naming any other user is rejected.
func handleJoinPersonal(_ context.Context, c *Connection, data json.RawMessage) error {
	var p models.JoinPersonalPayload
	if len(data) > 0 && string(data) != "null" {
		if err := decode(data, &p); err != nil {
			return err
		}
	}
	bound, ok := c.svc.Rooms.UserID(c.id)
	if !ok {
		return fmt.Errorf("%w: %v", models.ErrValidation, rooms.ErrUnknownSession)
	}
	if p.UserID != "" && p.UserID != bound {
		return fmt.Errorf("%w: cannot act as user %s", models.ErrValidation, p.UserID)
	}
	return c.svc.Rooms.JoinPersonal(c.id, bound)
}

func handleJoinConversation(ctx context.Context, c *Connection, data json.RawMessage) error {
	var p models.JoinConversationPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.ChatID == "" {
		return fmt.Errorf("%w: chatId is required", models.ErrValidation)
	}

	// A private conversation is open to its two users, a group to its members.
	if a, b, ok := models.ParsePrivateChatID(p.ChatID); ok {
		if c.userID != a && c.userID != b {
			return fmt.Errorf("%w: not a participant of chat %s", models.ErrForbidden, p.ChatID)
		}
		return c.svc.Rooms.JoinConversation(c.id, p.ChatID)
	}

	group, err := c.svc.Groups.GetGroup(ctx, p.ChatID)
	if err != nil {
		return fmt.Errorf("chat %s: %w", p.ChatID, err)
	}
	if !group.HasMember(c.userID) {
		return fmt.Errorf("%w: not a member of group %s", models.ErrForbidden, group.ID)
	}
	return c.svc.Rooms.JoinConversation(c.id, p.ChatID)
}

func handleSendMessage(ctx context.Context, c *Connection, data json.RawMessage) error {
	var p models.SendMessagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	senderID, err := c.actingUser(p.SenderID)
	if err != nil {
		return err
	}
	_, err = c.svc.Relay.SendMessage(ctx, relay.SendRequest{
		SenderID:   senderID,
		Content:    p.Content,
		Kind:       p.Kind,
		Attachment: p.Attachment,
		Target:     p.Target,
	})
	return err
}

func handleTyping(_ context.Context, c *Connection, data json.RawMessage) error {
	var p models.TypingPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.ChatID == "" {
		return fmt.Errorf("%w: chatId is required", models.ErrValidation)
	}
	userID, err := c.actingUser(p.UserID)
	if err != nil {
		return err
	}
	c.svc.Signals.SetTyping(p.ChatID, userID, p.IsTyping, c.id)
	return nil
}

func handleMessageRead(_ context.Context, c *Connection, data json.RawMessage) error {
	var p models.MessageReadPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.MessageID == "" || p.ChatID == "" {
		return fmt.Errorf("%w: messageId and chatId are required", models.ErrValidation)
	}
	c.svc.Signals.ConfirmRead(p.MessageID, p.ChatID, c.id)
	return nil
}

func handleSetStatus(ctx context.Context, c *Connection, data json.RawMessage) error {
	var p models.SetStatusPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	return c.svc.Sessions.SetStatus(ctx, c.id, p.Status)
}
