package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatwave/internal/models"
	"chatwave/internal/rooms"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type presenceCall struct {
	userID string
	status models.UserStatus
}

type fakeStore struct {
	mu    sync.Mutex
	calls []presenceCall
	err   error
}

func (f *fakeStore) UpdateUserPresence(_ context.Context, id string, status models.UserStatus, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, presenceCall{id, status})
	return f.err
}

func (f *fakeStore) last() presenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeAnnouncer struct {
	announced []presenceCall
}

func (f *fakeAnnouncer) AnnouncePresence(_ context.Context, userID string, status models.UserStatus, _ time.Time) int {
	f.announced = append(f.announced, presenceCall{userID, status})
	return 0
}

type sub struct{ id string }

func (s sub) ID() string                       { return s.id }
func (s sub) Deliver(models.ServerEvent) bool { return true }

func newManager() (*Manager, *fakeStore, *rooms.Registry, *fakeAnnouncer) {
	store := &fakeStore{}
	registry := rooms.NewRegistry()
	ann := &fakeAnnouncer{}
	return NewManager(store, registry, ann), store, registry, ann
}

func TestConnect(t *testing.T) {
	m, store, registry, ann := newManager()

	m.Connect(context.Background(), sub{"s1"}, "u1")

	assert.Empty(t, registry.Rooms("s1"), "no rooms are joined on connect")
	userID, ok := registry.UserID("s1")
	require.True(t, ok, "session is bound on connect")
	assert.Equal(t, "u1", userID)
	require.ErrorIs(t, registry.JoinPersonal("s1", "u2"), models.ErrValidation)
	require.NoError(t, registry.JoinPersonal("s1", "u1"), "session is registered")
	assert.Equal(t, presenceCall{"u1", models.UserStatusOnline}, store.last())
	assert.Equal(t, []presenceCall{{"u1", models.UserStatusOnline}}, ann.announced)
	assert.Equal(t, 1, m.Online("u1"))
}

func TestConnect_PresenceFailure(t *testing.T) {
	m, store, registry, ann := newManager()
	store.err = errors.New("db down")

	m.Connect(context.Background(), sub{"s1"}, "u1")

	require.NoError(t, registry.JoinPersonal("s1", "u1"))
	assert.Empty(t, ann.announced)
}

func TestDisconnect_LastSession(t *testing.T) {
	m, store, registry, ann := newManager()
	ctx := context.Background()

	m.Connect(ctx, sub{"s1"}, "u1")
	require.NoError(t, registry.JoinPersonal("s1", "u1"))
	require.NoError(t, registry.JoinConversation("s1", "c1"))

	m.Disconnect(ctx, "s1")

	assert.Empty(t, registry.Members(rooms.PersonalRoom("u1")))
	assert.Empty(t, registry.Members(rooms.ConversationRoom("c1")))
	assert.Equal(t, presenceCall{"u1", models.UserStatusOffline}, store.last())
	assert.Equal(t, presenceCall{"u1", models.UserStatusOffline}, ann.announced[len(ann.announced)-1])
	assert.Equal(t, 0, m.Online("u1"))
}

func TestDisconnect_OtherSessionAlive(t *testing.T) {
	m, store, registry, _ := newManager()
	ctx := context.Background()

	m.Connect(ctx, sub{"s1"}, "u1")
	m.Connect(ctx, sub{"s2"}, "u1")
	require.NoError(t, registry.JoinPersonal("s1", "u1"))
	require.NoError(t, registry.JoinPersonal("s2", "u1"))

	m.Disconnect(ctx, "s1")

	assert.Equal(t, []string{"s2"}, registry.Members(rooms.PersonalRoom("u1")))
	assert.Equal(t, presenceCall{"u1", models.UserStatusOnline}, store.last(), "user stays online")
}

func TestDisconnect_PresenceFailure(t *testing.T) {
	m, store, registry, ann := newManager()
	ctx := context.Background()

	m.Connect(ctx, sub{"s1"}, "u1")
	require.NoError(t, registry.JoinPersonal("s1", "u1"))
	require.NoError(t, registry.JoinConversation("s1", "c1"))
	store.err = errors.New("db down")
	announcedBefore := len(ann.announced)

	m.Disconnect(ctx, "s1")

	assert.Empty(t, registry.Rooms("s1"))
	assert.Empty(t, registry.Members(rooms.ConversationRoom("c1")))
	assert.Equal(t, announcedBefore, len(ann.announced))
	assert.ErrorIs(t, registry.JoinPersonal("s1", "u1"), rooms.ErrUnknownSession)
}

func TestDisconnect_Unknown(t *testing.T) {
	m, store, _, _ := newManager()
	m.Disconnect(context.Background(), "missing")
	assert.Empty(t, store.calls)
}

func TestSetStatus(t *testing.T) {
	m, store, _, ann := newManager()
	ctx := context.Background()
	m.Connect(ctx, sub{"s1"}, "u1")

	require.NoError(t, m.SetStatus(ctx, "s1", models.UserStatusDND))
	assert.Equal(t, presenceCall{"u1", models.UserStatusDND}, store.last())
	assert.Equal(t, presenceCall{"u1", models.UserStatusDND}, ann.announced[len(ann.announced)-1])

	require.ErrorIs(t, m.SetStatus(ctx, "s1", "sleeping"), models.ErrValidation)
	require.ErrorIs(t, m.SetStatus(ctx, "s1", models.UserStatusOffline), models.ErrValidation)
	require.ErrorIs(t, m.SetStatus(ctx, "missing", models.UserStatusAway), models.ErrValidation)

	store.err = models.ErrPersistence
	require.ErrorIs(t, m.SetStatus(ctx, "s1", models.UserStatusAway), models.ErrPersistence)
}
