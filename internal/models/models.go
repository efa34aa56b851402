package models

import (
	"strings"
	"time"
)

type UserStatus string

const (
	UserStatusOnline  UserStatus = "online"
	UserStatusOffline UserStatus = "offline"
	UserStatusAway    UserStatus = "away"
	UserStatusDND     UserStatus = "dnd"
)

func (s UserStatus) Valid() bool {
	switch s {
	case UserStatusOnline, UserStatusOffline, UserStatusAway, UserStatusDND:
		return true
	}
	return false
}

type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

// User represents a registered account.
type User struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	Email        string       `json:"email"`
	PasswordHash string       `json:"-"`
	Avatar       string       `json:"avatar"`
	Status       UserStatus   `json:"status"`
	LastSeen     time.Time    `json:"lastSeen"`
	Role         UserRole     `json:"role"`
	Friends      []string     `json:"friends"`
	Settings     UserSettings `json:"settings"`
	CreatedAt    time.Time    `json:"createdAt"`
}

type UserSettings struct {
	Theme         string `json:"theme"`
	Notifications bool   `json:"notifications"`
}

func DefaultSettings() UserSettings {
	return UserSettings{Theme: "dark", Notifications: true}
}

// Profile returns the public part of the user.
func (u User) Profile() PublicProfile {
	return PublicProfile{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
}

func (u User) HasFriend(id string) bool {
	for _, f := range u.Friends {
		if f == id {
			return true
		}
	}
	return false
}

// PublicProfile is what other users see about a sender.
type PublicProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// Group is a multi-user conversation owned by its admin.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	Admin       string    `json:"admin"`
	Members     []string  `json:"members"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (g Group) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m == userID {
			return true
		}
	}
	return false
}

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
	MessageKindAudio MessageKind = "audio"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindFile, MessageKindAudio:
		return true
	}
	return false
}

// IsAttachment reports whether the kind carries a file reference instead of text.
func (k MessageKind) IsAttachment() bool {
	return k == MessageKindImage || k == MessageKindFile || k == MessageKindAudio
}

type Attachment struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is immutable once created except for Read, which only goes false -> true.
type Message struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId,omitempty"`
	GroupID    string      `json:"groupId,omitempty"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Kind       MessageKind `json:"kind"`
	Read       bool        `json:"read"`
	CreatedAt  time.Time   `json:"createdAt"`
}

func (m Message) IsGroup() bool {
	return m.GroupID != ""
}

// MessageDraft is a message before the store assigns identity and timestamp.
type MessageDraft struct {
	SenderID   string
	ReceiverID string
	GroupID    string
	Content    string
	Attachment *Attachment
	Kind       MessageKind
}

// MessageQuery selects a conversation history: either the private
// conversation between UserID and PeerID, or a group.
type MessageQuery struct {
	UserID  string
	PeerID  string
	GroupID string
	Limit   int
}

func (q MessageQuery) Matches(m Message) bool {
	if q.GroupID != "" {
		return m.GroupID == q.GroupID
	}
	if m.GroupID != "" {
		return false
	}
	return (m.SenderID == q.UserID && m.ReceiverID == q.PeerID) ||
		(m.SenderID == q.PeerID && m.ReceiverID == q.UserID)
}

type ChatType string

const (
	ChatTypePrivate ChatType = "private"
	ChatTypeGroup   ChatType = "group"
)

const privateChatSeparator = "~"

// PrivateChatID is the conversation key shared by both users of a private
// chat. It does not depend on who asks.
func PrivateChatID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + privateChatSeparator + b
}

// ParsePrivateChatID returns the two users of a key built by PrivateChatID.
func ParsePrivateChatID(id string) (a, b string, ok bool) {
	a, b, ok = strings.Cut(id, privateChatSeparator)
	if !ok || a == "" || b == "" || a >= b {
		return "", "", false
	}
	return a, b, true
}

// Chat is a conversation summary. It is recomputed from messages and groups
// and is never stored.
type Chat struct {
	ID           string   `json:"id"`
	Type         ChatType `json:"type"`
	Name         string   `json:"name"`
	Avatar       string   `json:"avatar,omitempty"`
	Participants []string `json:"participants,omitempty"`
	PeerID       string   `json:"peerId,omitempty"`
	GroupID      string   `json:"groupId,omitempty"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	UnreadCount  int      `json:"unreadCount"`
	Pinned       bool     `json:"pinned"`
	Muted        bool     `json:"muted"`
}

// FileMetadata describes an uploaded attachment blob.
type FileMetadata struct {
	ID        string      `json:"id"`
	Hash      string      `json:"hash"`
	Name      string      `json:"name"`
	MimeType  string      `json:"mimeType"`
	Kind      MessageKind `json:"kind"`
	Size      int64       `json:"size"`
	UserID    string      `json:"userId"`
	CreatedAt time.Time   `json:"createdAt"`
}

// PushSubscription is a browser Web Push endpoint registered by a user.
// A user may hold one subscription per browser.
type PushSubscription struct {
	UserID    string    `json:"userId"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"createdAt"`
}
