package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatwave/internal/models"
	"chatwave/internal/rooms"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu             sync.Mutex
	users          map[string]models.User
	groups         map[string]models.Group
	files          map[string]models.FileMetadata
	created        []models.MessageDraft
	profileLookups int
	createErr      error
	seq            int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[string]models.User),
		groups: make(map[string]models.Group),
		files:  make(map[string]models.FileMetadata),
	}
}

func (f *fakeStore) addUser(id, name string) {
	f.users[id] = models.User{ID: id, Username: name, Avatar: "avatar-" + id}
}

func (f *fakeStore) CreateMessage(_ context.Context, draft models.MessageDraft) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return models.Message{}, f.createErr
	}
	f.seq++
	f.created = append(f.created, draft)
	return models.Message{
		ID:         fmt.Sprintf("m%d", f.seq),
		SenderID:   draft.SenderID,
		ReceiverID: draft.ReceiverID,
		GroupID:    draft.GroupID,
		Content:    draft.Content,
		Attachment: draft.Attachment,
		Kind:       draft.Kind,
		CreatedAt:  time.Now(),
	}, nil
}

func (f *fakeStore) GetUserPublicProfile(_ context.Context, id string) (models.PublicProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileLookups++
	u, ok := f.users[id]
	if !ok {
		return models.PublicProfile{}, models.ErrNotFound
	}
	return u.Profile(), nil
}

func (f *fakeStore) GetUser(_ context.Context, id string) (models.User, error) {
	u, ok := f.users[id]
	if !ok {
		return models.User{}, models.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetGroup(_ context.Context, id string) (models.Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return models.Group{}, models.ErrNotFound
	}
	return g, nil
}

func (f *fakeStore) GetFileMetadata(_ context.Context, id string) (models.FileMetadata, error) {
	meta, ok := f.files[id]
	if !ok {
		return models.FileMetadata{}, fmt.Errorf("file %s: %w", id, models.ErrNotFound)
	}
	return meta, nil
}

func (f *fakeStore) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type inbox struct {
	id     string
	mu     sync.Mutex
	events []models.ServerEvent
}

func (i *inbox) ID() string { return i.id }

func (i *inbox) Deliver(e models.ServerEvent) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.events = append(i.events, e)
	return true
}

func (i *inbox) received() []models.ReceivedMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []models.ReceivedMessage
	for _, e := range i.events {
		if e.Event == models.ServerEventReceiveMessage {
			out = append(out, e.Data.(models.ReceivedMessage))
		}
	}
	return out
}

type fixture struct {
	store    *fakeStore
	registry *rooms.Registry
	relay    *Relay
}

func newFixture(t *testing.T) *fixture {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := newFakeStore()
	store.addUser("1", "alice")
	store.addUser("2", "bob")
	store.addUser("3", "carol")
	store.groups["g"] = models.Group{ID: "g", Name: "G", Admin: "1", Members: []string{"1", "2", "3"}}
	store.files["f1"] = models.FileMetadata{ID: "f1", Name: "cat.png", MimeType: "image/png", Kind: models.MessageKindImage, Size: 42}

	registry := rooms.NewRegistry()
	return &fixture{
		store:    store,
		registry: registry,
		relay:    New(ctx, store, registry, Config{}),
	}
}

func (f *fixture) connect(t *testing.T, sessionID, userID string, chats ...string) *inbox {
	t.Helper()
	in := &inbox{id: sessionID}
	f.registry.Register(in)
	require.NoError(t, f.registry.JoinPersonal(sessionID, userID))
	for _, c := range chats {
		require.NoError(t, f.registry.JoinConversation(sessionID, c))
	}
	return in
}

func TestSendMessage_PrivateScenario(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "sa", "1")
	b := f.connect(t, "sb", "2")
	c := f.connect(t, "sc", "3")

	msg, err := f.relay.SendMessage(context.Background(), SendRequest{
		SenderID: "1",
		Content:  "hi",
		Kind:     models.MessageKindText,
		Target:   models.Target{Type: models.TargetPrivate, ID: "2"},
	})
	require.NoError(t, err)

	require.Equal(t, 1, f.store.createdCount())
	draft := f.store.created[0]
	assert.Equal(t, "1", draft.SenderID)
	assert.Equal(t, "2", draft.ReceiverID)
	assert.Empty(t, draft.GroupID)

	gotA := a.received()
	gotB := b.received()
	require.Len(t, gotA, 1)
	require.Len(t, gotB, 1)
	assert.Equal(t, msg.ID, gotA[0].ID)
	assert.Equal(t, msg.ID, gotB[0].ID)
	assert.Equal(t, "alice", gotB[0].Sender.Username)
	assert.Equal(t, "avatar-1", gotB[0].Sender.Avatar)
	assert.Equal(t, "<p>hi</p>", gotB[0].HTML)
	assert.False(t, gotB[0].Read)
	assert.Empty(t, c.received())
}

func TestSendMessage_SenderSiblingSessions(t *testing.T) {
	f := newFixture(t)
	first := f.connect(t, "a1", "1")
	second := f.connect(t, "a2", "1")
	f.connect(t, "b", "2")

	_, err := f.relay.SendMessage(context.Background(), SendRequest{
		SenderID: "1",
		Content:  "sync",
		Target:   models.Target{Type: models.TargetPrivate, ID: "2"},
	})
	require.NoError(t, err)
	assert.Len(t, first.received(), 1)
	assert.Len(t, second.received(), 1)
}

func TestSendMessage_Group(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "sa", "1", "g")
	b := f.connect(t, "sb", "2", "g")
	notJoined := f.connect(t, "sc", "3")

	msg, err := f.relay.SendMessage(context.Background(), SendRequest{
		SenderID: "1",
		Content:  "hello group",
		Target:   models.Target{Type: models.TargetGroup, ID: "g"},
	})
	require.NoError(t, err)
	assert.Equal(t, "g", msg.GroupID)

	require.Len(t, a.received(), 1, "sender joined the room so it gets the message once")
	require.Len(t, b.received(), 1)
	assert.Equal(t, msg.ID, b.received()[0].ID)
	assert.Empty(t, notJoined.received(), "members that did not join the room get nothing")
}

func TestSendMessage_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  SendRequest
	}{
		{"Empty text", SendRequest{SenderID: "1", Content: "", Kind: models.MessageKindText, Target: models.Target{Type: models.TargetPrivate, ID: "2"}}},
		{"Blank text", SendRequest{SenderID: "1", Content: "   ", Target: models.Target{Type: models.TargetPrivate, ID: "2"}}},
		{"Only script", SendRequest{SenderID: "1", Content: "<script>x</script>", Target: models.Target{Type: models.TargetPrivate, ID: "2"}}},
		{"Image without reference", SendRequest{SenderID: "1", Kind: models.MessageKindImage, Target: models.Target{Type: models.TargetPrivate, ID: "2"}}},
		{"Unknown kind", SendRequest{SenderID: "1", Content: "x", Kind: "video", Target: models.Target{Type: models.TargetPrivate, ID: "2"}}},
		{"Missing target", SendRequest{SenderID: "1", Content: "x", Target: models.Target{Type: models.TargetPrivate}}},
		{"Unknown target type", SendRequest{SenderID: "1", Content: "x", Target: models.Target{Type: "room", ID: "2"}}},
		{"Self", SendRequest{SenderID: "1", Content: "x", Target: models.Target{Type: models.TargetPrivate, ID: "1"}}},
		{"Missing sender", SendRequest{Content: "x", Target: models.Target{Type: models.TargetPrivate, ID: "2"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.connect(t, "sa", "1")
			b := f.connect(t, "sb", "2")

			_, err := f.relay.SendMessage(context.Background(), tt.req)
			require.ErrorIs(t, err, models.ErrValidation)
			assert.Equal(t, 0, f.store.createdCount())
			assert.Empty(t, a.received())
			assert.Empty(t, b.received())
		})
	}
}

func TestSendMessage_Attachment(t *testing.T) {
	f := newFixture(t)
	b := f.connect(t, "sb", "2")

	msg, err := f.relay.SendMessage(context.Background(), SendRequest{
		SenderID:   "1",
		Kind:       models.MessageKindImage,
		Attachment: &models.Attachment{FileID: "f1", Name: "<b>evil</b>.exe", MimeType: "application/x-msdownload", Size: 1},
		Target:     models.Target{Type: models.TargetPrivate, ID: "2"},
	})
	require.NoError(t, err)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, models.Attachment{FileID: "f1", Name: "cat.png", MimeType: "image/png", Size: 42}, *msg.Attachment)
	assert.Equal(t, *msg.Attachment, *f.store.created[0].Attachment, "stored reference comes from the upload")
	assert.Empty(t, msg.HTML)
	assert.Len(t, b.received(), 1)
}

func TestSendMessage_AttachmentResolution(t *testing.T) {
	tests := []struct {
		name    string
		kind    models.MessageKind
		fileID  string
		wantErr error
	}{
		{"Missing upload", models.MessageKindImage, "ghost", models.ErrNotFound},
		{"Kind mismatch", models.MessageKindAudio, "f1", models.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			b := f.connect(t, "sb", "2")

			_, err := f.relay.SendMessage(context.Background(), SendRequest{
				SenderID:   "1",
				Kind:       tt.kind,
				Attachment: &models.Attachment{FileID: tt.fileID},
				Target:     models.Target{Type: models.TargetPrivate, ID: "2"},
			})
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, f.store.createdCount())
			assert.Empty(t, b.received())
		})
	}
}

func TestSendMessage_TextStoredAsSent(t *testing.T) {
	f := newFixture(t)
	b := f.connect(t, "sb", "2")

	text := `a < b & c, say "hi"`
	msg, err := f.relay.SendMessage(context.Background(), SendRequest{
		SenderID: "1", Content: text, Target: models.Target{Type: models.TargetPrivate, ID: "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, text, f.store.created[0].Content)
	assert.Equal(t, text, msg.Content)
	assert.Contains(t, b.received()[0].HTML, "a &lt; b &amp; c")
}

type notification struct {
	userIDs []string
	msg     models.ReceivedMessage
}

type fakeNotifier chan notification

func (n fakeNotifier) NotifyOffline(_ context.Context, userIDs []string, msg models.ReceivedMessage) {
	n <- notification{userIDs: userIDs, msg: msg}
}

func TestSendMessage_Notifier(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	notes := make(fakeNotifier, 2)
	r := New(ctx, f.store, f.registry, Config{Notifier: notes})

	msg, err := r.SendMessage(ctx, SendRequest{
		SenderID: "1", Content: "ping", Target: models.Target{Type: models.TargetPrivate, ID: "2"},
	})
	require.NoError(t, err)
	select {
	case n := <-notes:
		assert.Equal(t, []string{"2"}, n.userIDs)
		assert.Equal(t, msg.ID, n.msg.ID)
	case <-time.After(time.Second):
		t.Fatal("notifier was not called")
	}

	_, err = r.SendMessage(ctx, SendRequest{
		SenderID: "1", Content: "all", Target: models.Target{Type: models.TargetGroup, ID: "g"},
	})
	require.NoError(t, err)
	select {
	case n := <-notes:
		assert.Equal(t, []string{"2", "3"}, n.userIDs, "group recipients exclude the sender")
	case <-time.After(time.Second):
		t.Fatal("notifier was not called")
	}

	_, err = r.SendMessage(ctx, SendRequest{SenderID: "1", Content: "", Target: models.Target{Type: models.TargetPrivate, ID: "2"}})
	require.ErrorIs(t, err, models.ErrValidation)
	select {
	case <-notes:
		t.Fatal("failed sends must not notify")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendMessage_TargetResolution(t *testing.T) {
	f := newFixture(t)
	f.store.groups["closed"] = models.Group{ID: "closed", Admin: "2", Members: []string{"2"}}

	_, err := f.relay.SendMessage(context.Background(), SendRequest{
		SenderID: "1", Content: "x", Target: models.Target{Type: models.TargetPrivate, ID: "ghost"},
	})
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.relay.SendMessage(context.Background(), SendRequest{
		SenderID: "1", Content: "x", Target: models.Target{Type: models.TargetGroup, ID: "ghost"},
	})
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.relay.SendMessage(context.Background(), SendRequest{
		SenderID: "1", Content: "x", Target: models.Target{Type: models.TargetGroup, ID: "closed"},
	})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = f.relay.SendMessage(context.Background(), SendRequest{
		SenderID: "ghost", Content: "x", Target: models.Target{Type: models.TargetPrivate, ID: "2"},
	})
	require.ErrorIs(t, err, models.ErrNotFound)

	assert.Equal(t, 0, f.store.createdCount())
}

func TestSendMessage_PersistenceFailure(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "sa", "1")
	b := f.connect(t, "sb", "2")
	f.store.createErr = errors.New("connection refused")

	_, err := f.relay.SendMessage(context.Background(), SendRequest{
		SenderID: "1", Content: "x", Target: models.Target{Type: models.TargetPrivate, ID: "2"},
	})
	require.ErrorIs(t, err, models.ErrPersistence)
	assert.Empty(t, a.received())
	assert.Empty(t, b.received())
}

func TestSendMessage_EmptyRoom(t *testing.T) {
	f := newFixture(t)

	_, err := f.relay.SendMessage(context.Background(), SendRequest{
		SenderID: "1", Content: "nobody listens", Target: models.Target{Type: models.TargetGroup, ID: "g"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.createdCount())
}

func TestSendMessage_ProfileCache(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.relay.SendMessage(context.Background(), SendRequest{
			SenderID: "1", Content: "x", Target: models.Target{Type: models.TargetPrivate, ID: "2"},
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.store.profileLookups)
}

func TestSendMessage_Order(t *testing.T) {
	f := newFixture(t)
	b := f.connect(t, "sb", "2")

	for i := 0; i < 20; i++ {
		_, err := f.relay.SendMessage(context.Background(), SendRequest{
			SenderID: "1", Content: fmt.Sprintf("msg %d", i), Target: models.Target{Type: models.TargetPrivate, ID: "2"},
		})
		require.NoError(t, err)
	}

	got := b.received()
	require.Len(t, got, 20)
	for i, m := range got {
		assert.Equal(t, fmt.Sprintf("msg %d", i), m.Content)
	}
}
