package rooms

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"chatwave/internal/models"
)

const (
	personalPrefix     = "user:"
	conversationPrefix = "chat:"
)

var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrIdentityMismatch = fmt.Errorf("%w: session is bound to another user", models.ErrValidation)
)

// PersonalRoom is the room every session of a user joins.
func PersonalRoom(userID string) string {
	return personalPrefix + userID
}

// ConversationRoom is the room of a group or a private conversation.
func ConversationRoom(chatID string) string {
	return conversationPrefix + chatID
}

// Subscriber is a connected session. Deliver must not block; it reports
// whether the event was accepted.
type Subscriber interface {
	ID() string
	Deliver(event models.ServerEvent) bool
}

type session struct {
	sub    Subscriber
	userID string
	rooms  map[string]struct{}
}

// Registry maps sessions to identities and to the rooms they joined.
// It is the only place where room membership changes.
type Registry struct {
	// Map of sessionID -> session state
	sessions map[string]*session

	// Map of room -> set of sessionIDs
	rooms map[string]map[string]struct{}

	mu sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// Register adds a session with no rooms joined.
func (r *Registry) Register(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sub.ID()]; ok {
		return
	}
	r.sessions[sub.ID()] = &session{
		sub:   sub,
		rooms: make(map[string]struct{}),
	}
}

// Bind records the user a session acts for. A session is bound once.
func (r *Registry) Bind(sessionID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	return bind(s, userID)
}

func bind(s *session, userID string) error {
	if s.userID != "" && s.userID != userID {
		return ErrIdentityMismatch
	}
	s.userID = userID
	return nil
}

// JoinPersonal subscribes the session to the user's personal room and binds
// the session to that user. Rejoining is a no-op.
func (r *Registry) JoinPersonal(sessionID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if err := bind(s, userID); err != nil {
		return err
	}
	r.join(s, PersonalRoom(userID))
	return nil
}

// JoinConversation subscribes the session to a conversation room.
// Authorization is the caller's job.
func (r *Registry) JoinConversation(sessionID, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	r.join(s, ConversationRoom(chatID))
	return nil
}

func (r *Registry) join(s *session, room string) {
	s.rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[s.sub.ID()] = struct{}{}
}

// LeaveAll removes the session from every room and forgets it.
// It returns the rooms the session was in.
func (r *Registry) LeaveAll(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)

	left := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		left = append(left, room)
		members := r.rooms[room]
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	sort.Strings(left)
	return left
}

// LeaveConversation removes every session of userID from the conversation
// room and returns how many were removed.
func (r *Registry) LeaveConversation(userID, chatID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := ConversationRoom(chatID)
	members := r.rooms[room]
	removed := 0
	for id := range members {
		s, ok := r.sessions[id]
		if !ok || s.userID != userID {
			continue
		}
		delete(members, id)
		delete(s.rooms, room)
		removed++
	}
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	return removed
}

// UserID returns the identity bound by Bind or JoinPersonal.
func (r *Registry) UserID(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.userID == "" {
		return "", false
	}
	return s.userID, true
}

func (r *Registry) Rooms(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	result := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		result = append(result, room)
	}
	sort.Strings(result)
	return result
}

// Members returns the session IDs subscribed to room.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// SessionCount returns how many sessions are bound to the user.
func (r *Registry) SessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.userID == userID {
			n++
		}
	}
	return n
}

// Publish delivers event to every session in room and returns how many
// accepted it. An empty or unknown room is not an error.
func (r *Registry) Publish(room string, event models.ServerEvent) int {
	return r.PublishExcept(room, "", event)
}

// PublishExcept is Publish that skips the session exceptID.
func (r *Registry) PublishExcept(room, exceptID string, event models.ServerEvent) int {
	r.mu.RLock()
	targets := make([]Subscriber, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		if id == exceptID {
			continue
		}
		if s, ok := r.sessions[id]; ok {
			targets = append(targets, s.sub)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.Deliver(event) {
			delivered++
		}
	}
	return delivered
}

// Stats returns the number of registered sessions and non-empty rooms.
func (r *Registry) Stats() (sessions, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.rooms)
}
