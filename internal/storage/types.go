package storage

import (
	"encoding"
	"time"

	"chatwave/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

var (
	_ Storeable = (*DBUser)(nil)
	_ Storeable = (*DBGroup)(nil)
	_ Storeable = (*DBMessage)(nil)
	_ Storeable = (*DBFile)(nil)
	_ Storeable = (*DBPushSubscription)(nil)
)

type DBUser struct {
	ID            string   `msgpack:"id"`
	Username      string   `msgpack:"username"`
	Email         string   `msgpack:"email"`
	PasswordHash  string   `msgpack:"passwordHash"`
	Avatar        string   `msgpack:"avatar"`
	Status        string   `msgpack:"status"`
	LastSeen      int64    `msgpack:"lastSeen"` // Unix milliseconds
	Role          string   `msgpack:"role"`
	Friends       []string `msgpack:"friends"`
	Theme         string   `msgpack:"theme"`
	Notifications bool     `msgpack:"notifications"`
	CreatedAt     int64    `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func dbUserFrom(u models.User) *DBUser {
	return &DBUser{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		PasswordHash:  u.PasswordHash,
		Avatar:        u.Avatar,
		Status:        string(u.Status),
		LastSeen:      u.LastSeen.UnixMilli(),
		Role:          string(u.Role),
		Friends:       u.Friends,
		Theme:         u.Settings.Theme,
		Notifications: u.Settings.Notifications,
		CreatedAt:     u.CreatedAt.UnixMilli(),
	}
}

func (u *DBUser) model() models.User {
	friends := u.Friends
	if friends == nil {
		friends = []string{}
	}
	return models.User{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Avatar:       u.Avatar,
		Status:       models.UserStatus(u.Status),
		LastSeen:     time.UnixMilli(u.LastSeen).UTC(),
		Role:         models.UserRole(u.Role),
		Friends:      friends,
		Settings: models.UserSettings{
			Theme:         u.Theme,
			Notifications: u.Notifications,
		},
		CreatedAt: time.UnixMilli(u.CreatedAt).UTC(),
	}
}

type DBGroup struct {
	ID          string   `msgpack:"id"`
	Name        string   `msgpack:"name"`
	Description string   `msgpack:"description"`
	Avatar      string   `msgpack:"avatar"`
	Admin       string   `msgpack:"admin"`
	Members     []string `msgpack:"members"`
	CreatedAt   int64    `msgpack:"createdAt"`
}

func (g *DBGroup) Key() []byte {
	return []byte(g.ID)
}

func (g *DBGroup) MarshalBinary() (data []byte, err error) {
	type alias DBGroup
	return msgpack.Marshal((*alias)(g))
}

func (g *DBGroup) UnmarshalBinary(data []byte) error {
	type alias DBGroup
	return msgpack.Unmarshal(data, (*alias)(g))
}

func dbGroupFrom(g models.Group) *DBGroup {
	return &DBGroup{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Avatar:      g.Avatar,
		Admin:       g.Admin,
		Members:     g.Members,
		CreatedAt:   g.CreatedAt.UnixMilli(),
	}
}

func (g *DBGroup) model() models.Group {
	return models.Group{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Avatar:      g.Avatar,
		Admin:       g.Admin,
		Members:     g.Members,
		CreatedAt:   time.UnixMilli(g.CreatedAt).UTC(),
	}
}

// DBMessage is keyed by its ULID, so cursor order is creation order.
type DBMessage struct {
	ID         string        `msgpack:"id"`
	SenderID   string        `msgpack:"senderId"`
	ReceiverID string        `msgpack:"receiverId"`
	GroupID    string        `msgpack:"groupId"`
	Content    string        `msgpack:"content"`
	Attachment *DBAttachment `msgpack:"attachment"`
	Kind       string        `msgpack:"kind"`
	Read       bool          `msgpack:"read"`
	CreatedAt  int64         `msgpack:"createdAt"`
}

type DBAttachment struct {
	FileID   string `msgpack:"fileId"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	Size     int64  `msgpack:"size"`
}

func (m *DBMessage) Key() []byte {
	return []byte(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func dbMessageFrom(m models.Message) *DBMessage {
	dbm := &DBMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		GroupID:    m.GroupID,
		Content:    m.Content,
		Kind:       string(m.Kind),
		Read:       m.Read,
		CreatedAt:  m.CreatedAt.UnixMilli(),
	}
	if a := m.Attachment; a != nil {
		dbm.Attachment = &DBAttachment{FileID: a.FileID, Name: a.Name, MimeType: a.MimeType, Size: a.Size}
	}
	return dbm
}

func (m *DBMessage) model() models.Message {
	msg := models.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		GroupID:    m.GroupID,
		Content:    m.Content,
		Kind:       models.MessageKind(m.Kind),
		Read:       m.Read,
		CreatedAt:  time.UnixMilli(m.CreatedAt).UTC(),
	}
	if a := m.Attachment; a != nil {
		msg.Attachment = &models.Attachment{FileID: a.FileID, Name: a.Name, MimeType: a.MimeType, Size: a.Size}
	}
	return msg
}

type DBFile struct {
	ID        string `msgpack:"id"`
	Hash      string `msgpack:"hash"`
	Name      string `msgpack:"name"`
	MimeType  string `msgpack:"mimeType"`
	Kind      string `msgpack:"kind"`
	Size      int64  `msgpack:"size"`
	UserID    string `msgpack:"userId"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (f *DBFile) Key() []byte {
	return []byte(f.ID)
}

func (f *DBFile) MarshalBinary() (data []byte, err error) {
	type alias DBFile
	return msgpack.Marshal((*alias)(f))
}

func (f *DBFile) UnmarshalBinary(data []byte) error {
	type alias DBFile
	return msgpack.Unmarshal(data, (*alias)(f))
}

func dbFileFrom(meta models.FileMetadata) *DBFile {
	return &DBFile{
		ID:        meta.ID,
		Hash:      meta.Hash,
		Name:      meta.Name,
		MimeType:  meta.MimeType,
		Kind:      string(meta.Kind),
		Size:      meta.Size,
		UserID:    meta.UserID,
		CreatedAt: meta.CreatedAt.UnixMilli(),
	}
}

func (f *DBFile) model() models.FileMetadata {
	return models.FileMetadata{
		ID:        f.ID,
		Hash:      f.Hash,
		Name:      f.Name,
		MimeType:  f.MimeType,
		Kind:      models.MessageKind(f.Kind),
		Size:      f.Size,
		UserID:    f.UserID,
		CreatedAt: time.UnixMilli(f.CreatedAt).UTC(),
	}
}

type DBPushSubscription struct {
	UserID    string `msgpack:"userId"`
	Endpoint  string `msgpack:"endpoint"`
	P256dh    string `msgpack:"p256dh"`
	Auth      string `msgpack:"auth"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(pushKey(p.UserID, p.Endpoint))
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

func dbPushSubscriptionFrom(sub models.PushSubscription) *DBPushSubscription {
	return &DBPushSubscription{
		UserID:    sub.UserID,
		Endpoint:  sub.Endpoint,
		P256dh:    sub.P256dh,
		Auth:      sub.Auth,
		CreatedAt: sub.CreatedAt.UnixMilli(),
	}
}

func (p *DBPushSubscription) model() models.PushSubscription {
	return models.PushSubscription{
		UserID:    p.UserID,
		Endpoint:  p.Endpoint,
		P256dh:    p.P256dh,
		Auth:      p.Auth,
		CreatedAt: time.UnixMilli(p.CreatedAt).UTC(),
	}
}
