package chat

import (
	"sort"
	"strings"

	"chatwave/internal/models"
)

// Summarize builds the chat list of userID from the messages the user can
// see, the groups the user belongs to and the profiles of known users.
//
// A private chat exists once a message was exchanged with the peer; its ID is
// the conversation key both users share. Every
// group is listed, even without messages. Chats are ordered by their last
// message, newest first; chats without messages go last, by name.
func Summarize(userID string, messages []models.Message, groups []models.Group, profiles map[string]models.PublicProfile) []models.Chat {
	chats := make(map[string]*models.Chat)

	for _, g := range groups {
		chats[g.ID] = &models.Chat{
			ID:           g.ID,
			Type:         models.ChatTypeGroup,
			Name:         g.Name,
			Avatar:       g.Avatar,
			Participants: append([]string(nil), g.Members...),
			GroupID:      g.ID,
		}
	}

	for i := range messages {
		m := &messages[i]
		c := chatFor(userID, m, chats, profiles)
		if c == nil {
			continue
		}
		if c.LastMessage == nil || later(m, c.LastMessage) {
			c.LastMessage = m
		}
		if isUnread(userID, m) {
			c.UnreadCount++
		}
	}

	result := make([]models.Chat, 0, len(chats))
	for _, c := range chats {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		switch {
		case a.LastMessage != nil && b.LastMessage != nil:
			return later(a.LastMessage, b.LastMessage)
		case a.LastMessage != nil:
			return true
		case b.LastMessage != nil:
			return false
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return result
}

func chatFor(userID string, m *models.Message, chats map[string]*models.Chat, profiles map[string]models.PublicProfile) *models.Chat {
	if m.IsGroup() {
		// Messages of groups the user left are not listed.
		return chats[m.GroupID]
	}

	var peer string
	switch userID {
	case m.SenderID:
		peer = m.ReceiverID
	case m.ReceiverID:
		peer = m.SenderID
	default:
		return nil
	}

	id := models.PrivateChatID(userID, peer)
	if c, ok := chats[id]; ok {
		return c
	}
	c := &models.Chat{
		ID:           id,
		Type:         models.ChatTypePrivate,
		Name:         peer,
		Participants: []string{userID, peer},
		PeerID:       peer,
	}
	if p, ok := profiles[peer]; ok {
		c.Name = p.Username
		c.Avatar = p.Avatar
	}
	chats[id] = c
	return c
}

// isUnread reports whether m waits to be read by userID.
func isUnread(userID string, m *models.Message) bool {
	if m.Read || m.SenderID == userID {
		return false
	}
	return m.IsGroup() || m.ReceiverID == userID
}

func later(a, b *models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
