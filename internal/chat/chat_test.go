package chat

import (
	"testing"
	"time"

	"chatwave/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, from, to string, minute int, read bool) models.Message {
	return models.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Content:    id,
		Kind:       models.MessageKindText,
		Read:       read,
		CreatedAt:  base.Add(time.Duration(minute) * time.Minute),
	}
}

func groupMsg(id, from, group string, minute int) models.Message {
	m := msg(id, from, "", minute, false)
	m.GroupID = group
	return m
}

func TestSummarize_Empty(t *testing.T) {
	chats := Summarize("me", nil, nil, nil)
	if len(chats) != 0 {
		t.Fatalf("expected no chats, got %d", len(chats))
	}
}

func TestSummarize(t *testing.T) {
	profiles := map[string]models.PublicProfile{
		"bob":   {ID: "bob", Username: "Bob", Avatar: "bob.png"},
		"carol": {ID: "carol", Username: "Carol"},
	}
	groups := []models.Group{
		{ID: "g1", Name: "Tech", Admin: "me", Members: []string{"me", "bob"}},
		{ID: "g2", Name: "Quiet", Admin: "carol", Members: []string{"me", "carol"}},
	}
	messages := []models.Message{
		msg("m1", "me", "bob", 1, true),
		msg("m2", "bob", "me", 2, false),
		msg("m3", "bob", "me", 3, false),
		msg("m4", "carol", "me", 4, true),
		groupMsg("m5", "bob", "g1", 5),
		groupMsg("m6", "me", "g1", 6),
		groupMsg("m7", "bob", "left-group", 7),
		msg("m8", "bob", "carol", 8, false),
	}

	chats := Summarize("me", messages, groups, profiles)

	wantOrder := []string{"g1", models.PrivateChatID("me", "carol"), models.PrivateChatID("bob", "me"), "g2"}
	if len(chats) != len(wantOrder) {
		t.Fatalf("expected %d chats, got %d: %+v", len(wantOrder), len(chats), chats)
	}
	for i, id := range wantOrder {
		if chats[i].ID != id {
			t.Errorf("chat %d: expected %s, got %s", i, id, chats[i].ID)
		}
	}

	tech := chats[0]
	if tech.Type != models.ChatTypeGroup || tech.GroupID != "g1" || tech.Name != "Tech" {
		t.Errorf("unexpected group chat: %+v", tech)
	}
	if tech.LastMessage == nil || tech.LastMessage.ID != "m6" {
		t.Errorf("expected last message m6, got %+v", tech.LastMessage)
	}
	if tech.UnreadCount != 1 {
		t.Errorf("expected 1 unread in group, got %d", tech.UnreadCount)
	}

	carol := chats[1]
	if carol.UnreadCount != 0 {
		t.Errorf("read messages must not count, got %d", carol.UnreadCount)
	}

	bob := chats[2]
	if bob.Type != models.ChatTypePrivate || bob.Name != "Bob" || bob.Avatar != "bob.png" {
		t.Errorf("unexpected private chat: %+v", bob)
	}
	if bob.UnreadCount != 2 {
		t.Errorf("expected 2 unread from bob, got %d", bob.UnreadCount)
	}
	if bob.LastMessage == nil || bob.LastMessage.ID != "m3" {
		t.Errorf("expected last message m3, got %+v", bob.LastMessage)
	}
	if len(bob.Participants) != 2 || bob.Participants[0] != "me" || bob.Participants[1] != "bob" {
		t.Errorf("unexpected participants: %v", bob.Participants)
	}
	if bob.PeerID != "bob" {
		t.Errorf("expected peer bob, got %q", bob.PeerID)
	}
	if bob.Pinned || bob.Muted {
		t.Error("pinned and muted are never set by the server")
	}

	quiet := chats[3]
	if quiet.LastMessage != nil || quiet.UnreadCount != 0 {
		t.Errorf("group without messages: %+v", quiet)
	}
}

func TestSummarize_UnknownProfile(t *testing.T) {
	chats := Summarize("me", []models.Message{msg("m1", "ghost", "me", 0, false)}, nil, nil)
	if len(chats) != 1 {
		t.Fatalf("expected 1 chat, got %d", len(chats))
	}
	if chats[0].Name != "ghost" {
		t.Errorf("expected peer id as name, got %q", chats[0].Name)
	}
}

func TestSummarize_SharedPrivateChatID(t *testing.T) {
	messages := []models.Message{msg("m1", "alice", "bob", 0, false)}

	forAlice := Summarize("alice", messages, nil, nil)
	forBob := Summarize("bob", messages, nil, nil)
	if len(forAlice) != 1 || len(forBob) != 1 {
		t.Fatalf("expected one chat each, got %d and %d", len(forAlice), len(forBob))
	}
	if forAlice[0].ID != forBob[0].ID {
		t.Errorf("both sides must share the chat id: %q vs %q", forAlice[0].ID, forBob[0].ID)
	}
	a, b, ok := models.ParsePrivateChatID(forAlice[0].ID)
	if !ok || a != "alice" || b != "bob" {
		t.Errorf("unexpected key parts: %q %q %v", a, b, ok)
	}
}

func TestParsePrivateChatID(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{models.PrivateChatID("b", "a"), true},
		{"a~b", true},
		{"b~a", false},
		{"a~a", false},
		{"~a", false},
		{"group-id", false},
	}
	for _, tt := range tests {
		if _, _, ok := models.ParsePrivateChatID(tt.id); ok != tt.ok {
			t.Errorf("ParsePrivateChatID(%q) ok = %v, want %v", tt.id, ok, tt.ok)
		}
	}
}
