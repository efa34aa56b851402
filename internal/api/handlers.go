package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"chatwave/internal/auth"
	"chatwave/internal/chat"
	"chatwave/internal/content"
	"chatwave/internal/filestore"
	"chatwave/internal/models"
	"chatwave/internal/storage"

	"github.com/go-playground/validator/v10"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// roomEvictor drops a user's live sessions from a conversation room.
type roomEvictor interface {
	LeaveConversation(userID, chatID string) int
}

type API struct {
	auth     *auth.AuthService
	store    storage.Store
	files    *filestore.Attachments
	rooms    roomEvictor
	pushKey  string
	validate *validator.Validate
}

// New builds the HTTP handlers. pushKey is the public VAPID key browsers
// subscribe with; an empty key disables the push endpoints.
func New(auth *auth.AuthService, store storage.Store, files *filestore.Attachments, rooms roomEvictor, pushKey string) *API {
	return &API{
		auth:     auth,
		store:    store,
		files:    files,
		rooms:    rooms,
		pushKey:  pushKey,
		validate: validator.New(),
	}
}

type CreateGroupRequest struct {
	Name        string   `json:"name" validate:"required,min=1,max=64"`
	Description string   `json:"description" validate:"max=256"`
	Avatar      string   `json:"avatar" validate:"omitempty,url"`
	Members     []string `json:"members" validate:"max=256,dive,required"`
}

type AddMemberRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// PushSubscriptionRequest mirrors the browser's PushSubscription.toJSON().
type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" validate:"required"`
		Auth   string `json:"auth" validate:"required"`
	} `json:"keys"`
}

type PushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required"`
}

type UploadResponse struct {
	File       models.FileMetadata `json:"file"`
	Attachment models.Attachment   `json:"attachment"`
}

func (a *API) check(v any) error {
	if err := a.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.RegistrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := a.auth.Register(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("user registered", "user_id", resp.User.ID, "username", resp.User.Username)
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Logoff(auth.TokenFromRequest(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	profiles := make([]models.PublicProfile, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, u.Profile())
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (a *API) UserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) AddFriendHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.store.AddFriend(r.Context(), UserID(r.Context()), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ChatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)

	messages, err := a.store.ListMessagesForUser(ctx, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	groups, err := a.store.ListGroupsForUser(ctx, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	profiles := make(map[string]models.PublicProfile, len(users))
	for _, u := range users {
		profiles[u.ID] = u.Profile()
	}

	writeJSON(w, http.StatusOK, chat.Summarize(userID, messages, groups, profiles))
}

// MessagesHandler returns the history of a private conversation (?with=) or
// a group (?group=), oldest first.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)
	q := r.URL.Query()

	query := models.MessageQuery{
		UserID:  userID,
		PeerID:  q.Get("with"),
		GroupID: q.Get("group"),
		Limit:   defaultHistoryLimit,
	}
	if (query.PeerID == "") == (query.GroupID == "") {
		writeError(w, r, fmt.Errorf("%w: exactly one of with or group is required", models.ErrValidation))
		return
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			writeError(w, r, fmt.Errorf("%w: invalid limit", models.ErrValidation))
			return
		}
		query.Limit = min(limit, maxHistoryLimit)
	}

	if query.GroupID != "" {
		if _, err := a.memberGroup(r, query.GroupID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	messages, err := a.store.ListMessages(ctx, query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// MarkReadHandler lets a recipient mark a message read. Senders cannot mark
// their own messages.
func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)

	msg, err := a.store.GetMessage(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch {
	case msg.SenderID == userID:
		writeError(w, r, fmt.Errorf("%w: cannot mark own message read", models.ErrForbidden))
		return
	case msg.IsGroup():
		if _, err := a.memberGroup(r, msg.GroupID); err != nil {
			writeError(w, r, err)
			return
		}
	case msg.ReceiverID != userID:
		writeError(w, r, fmt.Errorf("%w: not the receiver", models.ErrForbidden))
		return
	}

	msg, err = a.store.MarkMessageRead(ctx, msg.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.check(req); err != nil {
		writeError(w, r, err)
		return
	}

	name := strings.TrimSpace(content.StripTags(req.Name))
	if name == "" {
		writeError(w, r, fmt.Errorf("%w: group name is empty", models.ErrValidation))
		return
	}

	group, err := a.store.CreateGroup(r.Context(), models.Group{
		Name:        name,
		Description: content.StripTags(req.Description),
		Avatar:      req.Avatar,
		Admin:       UserID(r.Context()),
		Members:     req.Members,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("group created", "group_id", group.ID, "admin", group.Admin, "members", len(group.Members))
	writeJSON(w, http.StatusCreated, group)
}

func (a *API) GroupHandler(w http.ResponseWriter, r *http.Request) {
	group, err := a.memberGroup(r, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (a *API) AddMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req AddMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.check(req); err != nil {
		writeError(w, r, err)
		return
	}

	group, err := a.adminGroup(r, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := a.store.GetUser(r.Context(), req.UserID); err != nil {
		writeError(w, r, err)
		return
	}

	group, err = a.store.AddGroupMember(r.Context(), group.ID, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// RemoveMemberHandler removes a member. The admin can remove anyone but
// themselves; members can remove themselves.
func (a *API) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	memberID := r.PathValue("userId")

	var (
		group models.Group
		err   error
	)
	if memberID == UserID(r.Context()) {
		group, err = a.memberGroup(r, groupID)
	} else {
		group, err = a.adminGroup(r, groupID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	group, err = a.store.RemoveGroupMember(r.Context(), group.ID, memberID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if n := a.rooms.LeaveConversation(memberID, group.ID); n > 0 {
		slog.Debug("evicted sessions from group", "group_id", group.ID, "user_id", memberID, "sessions", n)
	}
	writeJSON(w, http.StatusOK, group)
}

func (a *API) memberGroup(r *http.Request, groupID string) (models.Group, error) {
	group, err := a.store.GetGroup(r.Context(), groupID)
	if err != nil {
		return models.Group{}, err
	}
	if !group.HasMember(UserID(r.Context())) {
		return models.Group{}, fmt.Errorf("%w: not a member of group %s", models.ErrForbidden, groupID)
	}
	return group, nil
}

func (a *API) adminGroup(r *http.Request, groupID string) (models.Group, error) {
	group, err := a.store.GetGroup(r.Context(), groupID)
	if err != nil {
		return models.Group{}, err
	}
	if group.Admin != UserID(r.Context()) {
		return models.Group{}, fmt.Errorf("%w: only the group admin can do this", models.ErrForbidden)
	}
	return group, nil
}

// UploadHandler accepts a multipart form with a single "file" field.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.files.MaxSize()+maxJSONBody)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, fmt.Errorf("%w: file too large", models.ErrValidation))
			return
		}
		writeError(w, r, fmt.Errorf("%w: file field is required", models.ErrValidation))
		return
	}
	defer func() { _ = file.Close() }()

	meta, err := a.files.Upload(r.Context(), UserID(r.Context()), header.Filename, file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{File: meta, Attachment: filestore.Attachment(meta)})
}

func (a *API) FileHandler(w http.ResponseWriter, r *http.Request) {
	meta, rc, err := a.files.Open(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	disposition := "attachment"
	if meta.Kind == models.MessageKindImage || meta.Kind == models.MessageKindAudio {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": meta.Name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("failed to stream file", "file_id", meta.ID, "error", err)
	}
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.pushKey == "" {
		writeError(w, r, fmt.Errorf("push notifications: %w", models.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.pushKey})
}

func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.check(req); err != nil {
		writeError(w, r, err)
		return
	}

	sub := models.PushSubscription{
		UserID:   UserID(r.Context()),
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if err := a.store.SavePushSubscription(r.Context(), sub); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) UnsubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var req PushUnsubscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.check(req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.store.DeletePushSubscription(r.Context(), UserID(r.Context()), req.Endpoint); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
