package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatwave/internal/models"
	"chatwave/internal/rooms"
)

type presenceStore interface {
	UpdateUserPresence(ctx context.Context, id string, status models.UserStatus, lastSeen time.Time) error
}

type registry interface {
	Register(sub rooms.Subscriber)
	Bind(sessionID, userID string) error
	LeaveAll(sessionID string) []string
}

type announcer interface {
	AnnouncePresence(ctx context.Context, userID string, status models.UserStatus, lastSeen time.Time) int
}

// Manager ties connection lifetime to room membership and user presence.
type Manager struct {
	store    presenceStore
	rooms    registry
	presence announcer
	now      func() time.Time

	// sessionID -> authenticated userID, kept until Disconnect
	users map[string]string
	mu    sync.Mutex
}

func NewManager(store presenceStore, rooms registry, presence announcer) *Manager {
	return &Manager{
		store:    store,
		rooms:    rooms,
		presence: presence,
		now:      func() time.Time { return time.Now().UTC() },
		users:    make(map[string]string),
	}
}

// Connect registers a new session for an authenticated user. The session
// joins no rooms until the client asks for them.
func (m *Manager) Connect(ctx context.Context, sub rooms.Subscriber, userID string) {
	m.rooms.Register(sub)
	if err := m.rooms.Bind(sub.ID(), userID); err != nil {
		slog.Warn("failed to bind session", "session_id", sub.ID(), "user_id", userID, "error", err)
	}

	m.mu.Lock()
	m.users[sub.ID()] = userID
	m.mu.Unlock()

	slog.Info("session connected", "session_id", sub.ID(), "user_id", userID)
	m.updatePresence(ctx, userID, models.UserStatusOnline)
}

// SetStatus records a status chosen by the client and announces it.
func (m *Manager) SetStatus(ctx context.Context, sessionID string, status models.UserStatus) error {
	if !status.Valid() || status == models.UserStatusOffline {
		return fmt.Errorf("%w: invalid status %q", models.ErrValidation, status)
	}
	userID, ok := m.userID(sessionID)
	if !ok {
		return fmt.Errorf("%w: %v", models.ErrValidation, rooms.ErrUnknownSession)
	}

	now := m.now()
	if err := m.store.UpdateUserPresence(ctx, userID, status, now); err != nil {
		return err
	}
	m.presence.AnnouncePresence(ctx, userID, status, now)
	return nil
}

// Disconnect removes the session from every room. When it was the user's last
// session the user goes offline. Store failures are logged, never returned.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) {
	userID, ok := m.userID(sessionID)
	left := m.rooms.LeaveAll(sessionID)

	m.mu.Lock()
	delete(m.users, sessionID)
	remaining := 0
	for _, id := range m.users {
		if id == userID {
			remaining++
		}
	}
	m.mu.Unlock()

	slog.Info("session disconnected", "session_id", sessionID, "user_id", userID, "rooms", len(left))

	if !ok || remaining > 0 {
		return
	}
	m.updatePresence(ctx, userID, models.UserStatusOffline)
}

func (m *Manager) userID(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.users[sessionID]
	return id, ok
}

// Online reports how many sessions the user has open.
func (m *Manager) Online(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.users {
		if id == userID {
			n++
		}
	}
	return n
}

func (m *Manager) updatePresence(ctx context.Context, userID string, status models.UserStatus) {
	now := m.now()
	if err := m.store.UpdateUserPresence(ctx, userID, status, now); err != nil {
		slog.Warn("failed to update presence", "user_id", userID, "status", status, "error", err)
		return
	}
	m.presence.AnnouncePresence(ctx, userID, status, now)
}
