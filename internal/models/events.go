package models

import (
	"encoding/json"
	"time"
)

type ClientEventType string

const (
	ClientEventJoinPersonal     ClientEventType = "join-personal"
	ClientEventJoinConversation ClientEventType = "join-conversation"
	ClientEventSendMessage      ClientEventType = "send-message"
	ClientEventTyping           ClientEventType = "typing"
	ClientEventMessageRead      ClientEventType = "message-read"
	ClientEventSetStatus        ClientEventType = "set-status"
)

type ServerEventType string

const (
	ServerEventReceiveMessage     ServerEventType = "receive-message"
	ServerEventTypingIndicator    ServerEventType = "typing-indicator"
	ServerEventMessageReadConfirm ServerEventType = "message-read-confirm"
	ServerEventPresence           ServerEventType = "presence"
	ServerEventError              ServerEventType = "error"
)

// ClientEvent is a frame sent by the client. Data is decoded by the handler
// registered for Event.
type ClientEvent struct {
	Event ClientEventType `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is a frame sent to the client.
type ServerEvent struct {
	Event ServerEventType `json:"event"`
	Data  any             `json:"data,omitempty"`
}

type JoinPersonalPayload struct {
	UserID string `json:"userId"`
}

type JoinConversationPayload struct {
	ChatID string `json:"chatId"`
}

type TargetType string

const (
	TargetPrivate TargetType = "private"
	TargetGroup   TargetType = "group"
)

// Target is where a message goes: a receiver user for private messages or a group.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

type SendMessagePayload struct {
	SenderID   string      `json:"senderId,omitempty"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"kind"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Target     Target      `json:"target"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type MessageReadPayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

type SetStatusPayload struct {
	Status UserStatus `json:"status"`
}

// ReceivedMessage is the enriched message published to rooms.
type ReceivedMessage struct {
	Message
	Sender PublicProfile `json:"sender"`
	HTML   string        `json:"html,omitempty"`
}

type TypingIndicator struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type ReadConfirm struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

type PresenceUpdate struct {
	UserID   string     `json:"userId"`
	Status   UserStatus `json:"status"`
	LastSeen time.Time  `json:"lastSeen"`
}

type ErrorPayload struct {
	Event   ClientEventType `json:"event,omitempty"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}
