package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatwave/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	collUsers    = "users"
	collGroups   = "groups"
	collMessages = "messages"
	collFiles    = "files"
	collPush     = "push_subscriptions"
)

type userDoc struct {
	ID            string    `bson:"_id"`
	Username      string    `bson:"username"`
	UsernameLower string    `bson:"usernameLower"`
	Email         string    `bson:"email"`
	PasswordHash  string    `bson:"passwordHash"`
	Avatar        string    `bson:"avatar"`
	Status        string    `bson:"status"`
	LastSeen      time.Time `bson:"lastSeen"`
	Role          string    `bson:"role"`
	Friends       []string  `bson:"friends"`
	Settings      struct {
		Theme         string `bson:"theme"`
		Notifications bool   `bson:"notifications"`
	} `bson:"settings"`
	CreatedAt time.Time `bson:"createdAt"`
}

func userDocFrom(u models.User) userDoc {
	doc := userDoc{
		ID:            u.ID,
		Username:      u.Username,
		UsernameLower: strings.ToLower(u.Username),
		Email:         u.Email,
		PasswordHash:  u.PasswordHash,
		Avatar:        u.Avatar,
		Status:        string(u.Status),
		LastSeen:      u.LastSeen,
		Role:          string(u.Role),
		Friends:       u.Friends,
		CreatedAt:     u.CreatedAt,
	}
	doc.Settings.Theme = u.Settings.Theme
	doc.Settings.Notifications = u.Settings.Notifications
	return doc
}

func (d userDoc) model() models.User {
	friends := d.Friends
	if friends == nil {
		friends = []string{}
	}
	return models.User{
		ID:           d.ID,
		Username:     d.Username,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		Avatar:       d.Avatar,
		Status:       models.UserStatus(d.Status),
		LastSeen:     d.LastSeen.UTC(),
		Role:         models.UserRole(d.Role),
		Friends:      friends,
		Settings: models.UserSettings{
			Theme:         d.Settings.Theme,
			Notifications: d.Settings.Notifications,
		},
		CreatedAt: d.CreatedAt.UTC(),
	}
}

type groupDoc struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"name"`
	Description string    `bson:"description,omitempty"`
	Avatar      string    `bson:"avatar,omitempty"`
	Admin       string    `bson:"admin"`
	Members     []string  `bson:"members"`
	CreatedAt   time.Time `bson:"createdAt"`
}

func groupDocFrom(g models.Group) groupDoc {
	return groupDoc{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Avatar:      g.Avatar,
		Admin:       g.Admin,
		Members:     g.Members,
		CreatedAt:   g.CreatedAt,
	}
}

func (d groupDoc) model() models.Group {
	return models.Group{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Avatar:      d.Avatar,
		Admin:       d.Admin,
		Members:     d.Members,
		CreatedAt:   d.CreatedAt.UTC(),
	}
}

type messageDoc struct {
	ID         string             `bson:"_id"`
	SenderID   string             `bson:"sender"`
	ReceiverID string             `bson:"receiver,omitempty"`
	GroupID    string             `bson:"group,omitempty"`
	Content    string             `bson:"content"`
	Attachment *models.Attachment `bson:"attachment,omitempty"`
	Kind       string             `bson:"type"`
	Read       bool               `bson:"read"`
	CreatedAt  time.Time          `bson:"timestamp"`
}

func messageDocFrom(m models.Message) messageDoc {
	return messageDoc{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		GroupID:    m.GroupID,
		Content:    m.Content,
		Attachment: m.Attachment,
		Kind:       string(m.Kind),
		Read:       m.Read,
		CreatedAt:  m.CreatedAt,
	}
}

func (d messageDoc) model() models.Message {
	return models.Message{
		ID:         d.ID,
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		GroupID:    d.GroupID,
		Content:    d.Content,
		Attachment: d.Attachment,
		Kind:       models.MessageKind(d.Kind),
		Read:       d.Read,
		CreatedAt:  d.CreatedAt.UTC(),
	}
}

type fileDoc struct {
	ID        string    `bson:"_id"`
	Hash      string    `bson:"hash"`
	Name      string    `bson:"name"`
	MimeType  string    `bson:"mimeType"`
	Kind      string    `bson:"kind"`
	Size      int64     `bson:"size"`
	UserID    string    `bson:"userId"`
	CreatedAt time.Time `bson:"createdAt"`
}

type pushDoc struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"userId"`
	Endpoint  string    `bson:"endpoint"`
	P256dh    string    `bson:"p256dh"`
	Auth      string    `bson:"auth"`
	CreatedAt time.Time `bson:"createdAt"`
}

// messageFilter builds the Mongo filter equivalent of MessageQuery.Matches.
func messageFilter(q models.MessageQuery) bson.M {
	if q.GroupID != "" {
		return bson.M{"group": q.GroupID}
	}
	return bson.M{"$or": bson.A{
		bson.M{"sender": q.UserID, "receiver": q.PeerID},
		bson.M{"sender": q.PeerID, "receiver": q.UserID},
	}}
}

// MongoStorage keeps users, groups and messages in MongoDB collections.
type MongoStorage struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

func NewMongoStorage(ctx context.Context, uri, database string) (*MongoStorage, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &MongoStorage{client: client, db: client.Database(database), now: storeNow}
	if err := s.ensureIndexes(pingCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStorage) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collUsers).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "usernameLower", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	_, err = s.db.Collection(collMessages).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "receiver", Value: 1}}},
		{Keys: bson.D{{Key: "group", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	_, err = s.db.Collection(collGroups).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "members", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create group indexes: %w", err)
	}
	_, err = s.db.Collection(collPush).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create push subscription indexes: %w", err)
	}
	return nil
}

func (s *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStorage) findOne(ctx context.Context, op, coll, what, id string, into any) error {
	err := s.db.Collection(coll).FindOne(ctx, bson.M{"_id": id}).Decode(into)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return notFound(what, id)
	}
	return classify(op, err)
}

func (s *MongoStorage) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	user, err := prepareUser(user, s.now())
	if err != nil {
		return models.User{}, err
	}
	if _, err := s.db.Collection(collUsers).InsertOne(ctx, userDocFrom(user)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.User{}, fmt.Errorf("user %q: %w", user.Username, models.ErrConflict)
		}
		return models.User{}, classify("create user", err)
	}
	return user, nil
}

func (s *MongoStorage) GetUser(ctx context.Context, id string) (models.User, error) {
	var doc userDoc
	if err := s.findOne(ctx, "get user", collUsers, "user", id, &doc); err != nil {
		return models.User{}, err
	}
	return doc.model(), nil
}

func (s *MongoStorage) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	email = strings.ToLower(email)
	var doc userDoc
	err := s.db.Collection(collUsers).FindOne(ctx, bson.M{"email": email}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.User{}, notFound("user with email", email)
	}
	if err != nil {
		return models.User{}, classify("get user by email", err)
	}
	return doc.model(), nil
}

func (s *MongoStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	cur, err := s.db.Collection(collUsers).Find(ctx, bson.M{})
	if err != nil {
		return nil, classify("list users", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classify("list users", err)
	}
	users := make([]models.User, 0, len(docs))
	for _, d := range docs {
		users = append(users, d.model())
	}
	return users, nil
}

func (s *MongoStorage) GetUserPublicProfile(ctx context.Context, id string) (models.PublicProfile, error) {
	var doc userDoc
	err := s.db.Collection(collUsers).FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"username": 1, "avatar": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.PublicProfile{}, notFound("user", id)
	}
	if err != nil {
		return models.PublicProfile{}, classify("get profile", err)
	}
	return models.PublicProfile{ID: doc.ID, Username: doc.Username, Avatar: doc.Avatar}, nil
}

func (s *MongoStorage) UpdateUserPresence(ctx context.Context, id string, status models.UserStatus, lastSeen time.Time) error {
	res, err := s.db.Collection(collUsers).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": string(status), "lastSeen": lastSeen.UTC()}})
	if err != nil {
		return classify("update presence", err)
	}
	if res.MatchedCount == 0 {
		return notFound("user", id)
	}
	return nil
}

func (s *MongoStorage) AddFriend(ctx context.Context, userID, friendID string) error {
	if userID == friendID {
		return fmt.Errorf("%w: cannot befriend yourself", models.ErrValidation)
	}
	users := s.db.Collection(collUsers)
	for _, pair := range [][2]string{{userID, friendID}, {friendID, userID}} {
		res, err := users.UpdateOne(ctx, bson.M{"_id": pair[0]},
			bson.M{"$addToSet": bson.M{"friends": pair[1]}})
		if err != nil {
			return classify("add friend", err)
		}
		if res.MatchedCount == 0 {
			return notFound("user", pair[0])
		}
	}
	return nil
}

func (s *MongoStorage) CreateGroup(ctx context.Context, group models.Group) (models.Group, error) {
	group, err := prepareGroup(group, s.now())
	if err != nil {
		return models.Group{}, err
	}
	n, err := s.db.Collection(collUsers).CountDocuments(ctx, bson.M{"_id": bson.M{"$in": group.Members}})
	if err != nil {
		return models.Group{}, classify("create group", err)
	}
	if int(n) != len(group.Members) {
		return models.Group{}, fmt.Errorf("group members: %w", models.ErrNotFound)
	}
	if _, err := s.db.Collection(collGroups).InsertOne(ctx, groupDocFrom(group)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.Group{}, fmt.Errorf("group %s: %w", group.ID, models.ErrConflict)
		}
		return models.Group{}, classify("create group", err)
	}
	return group, nil
}

func (s *MongoStorage) GetGroup(ctx context.Context, id string) (models.Group, error) {
	var doc groupDoc
	if err := s.findOne(ctx, "get group", collGroups, "group", id, &doc); err != nil {
		return models.Group{}, err
	}
	return doc.model(), nil
}

func (s *MongoStorage) ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error) {
	cur, err := s.db.Collection(collGroups).Find(ctx, bson.M{"members": userID})
	if err != nil {
		return nil, classify("list groups", err)
	}
	var docs []groupDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classify("list groups", err)
	}
	groups := make([]models.Group, 0, len(docs))
	for _, d := range docs {
		groups = append(groups, d.model())
	}
	return groups, nil
}

func (s *MongoStorage) AddGroupMember(ctx context.Context, groupID, userID string) (models.Group, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return models.Group{}, err
	}
	return s.updateGroup(ctx, "add group member", groupID, bson.M{"_id": groupID},
		bson.M{"$addToSet": bson.M{"members": userID}})
}

func (s *MongoStorage) RemoveGroupMember(ctx context.Context, groupID, userID string) (models.Group, error) {
	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return models.Group{}, err
	}
	if group.Admin == userID {
		return models.Group{}, fmt.Errorf("%w: the group admin cannot be removed", models.ErrValidation)
	}
	return s.updateGroup(ctx, "remove group member", groupID, bson.M{"_id": groupID},
		bson.M{"$pull": bson.M{"members": userID}})
}

func (s *MongoStorage) updateGroup(ctx context.Context, op, id string, filter, update bson.M) (models.Group, error) {
	var doc groupDoc
	err := s.db.Collection(collGroups).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Group{}, notFound("group", id)
	}
	if err != nil {
		return models.Group{}, classify(op, err)
	}
	return doc.model(), nil
}

func (s *MongoStorage) CreateMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error) {
	msg, err := newMessage(draft, s.now())
	if err != nil {
		return models.Message{}, err
	}
	if _, err := s.db.Collection(collMessages).InsertOne(ctx, messageDocFrom(msg)); err != nil {
		return models.Message{}, classify("create message", err)
	}
	return msg, nil
}

func (s *MongoStorage) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var doc messageDoc
	if err := s.findOne(ctx, "get message", collMessages, "message", id, &doc); err != nil {
		return models.Message{}, err
	}
	return doc.model(), nil
}

func (s *MongoStorage) ListMessages(ctx context.Context, query models.MessageQuery) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}})
	if query.Limit > 0 {
		opts.SetLimit(int64(query.Limit))
	}
	messages, err := s.findMessages(ctx, "list messages", messageFilter(query), opts)
	if err != nil {
		return nil, err
	}
	reverse(messages)
	return messages, nil
}

func (s *MongoStorage) ListMessagesForUser(ctx context.Context, userID string) ([]models.Message, error) {
	groups, err := s.ListGroupsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	groupIDs := make(bson.A, 0, len(groups))
	for _, g := range groups {
		groupIDs = append(groupIDs, g.ID)
	}
	filter := bson.M{"$or": bson.A{
		bson.M{"sender": userID},
		bson.M{"receiver": userID},
		bson.M{"group": bson.M{"$in": groupIDs}},
	}}
	return s.findMessages(ctx, "list user messages", filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (s *MongoStorage) findMessages(ctx context.Context, op string, filter bson.M, opts *options.FindOptionsBuilder) ([]models.Message, error) {
	cur, err := s.db.Collection(collMessages).Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(op, err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classify(op, err)
	}
	messages := make([]models.Message, 0, len(docs))
	for _, d := range docs {
		messages = append(messages, d.model())
	}
	return messages, nil
}

// MarkMessageRead only ever sets read to true.
func (s *MongoStorage) MarkMessageRead(ctx context.Context, id string) (models.Message, error) {
	var doc messageDoc
	err := s.db.Collection(collMessages).FindOneAndUpdate(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"read": true}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, notFound("message", id)
	}
	if err != nil {
		return models.Message{}, classify("mark message read", err)
	}
	return doc.model(), nil
}

func (s *MongoStorage) SaveFileMetadata(ctx context.Context, meta models.FileMetadata) error {
	doc := fileDoc{
		ID:        meta.ID,
		Hash:      meta.Hash,
		Name:      meta.Name,
		MimeType:  meta.MimeType,
		Kind:      string(meta.Kind),
		Size:      meta.Size,
		UserID:    meta.UserID,
		CreatedAt: meta.CreatedAt,
	}
	_, err := s.db.Collection(collFiles).ReplaceOne(ctx, bson.M{"_id": meta.ID}, doc, options.Replace().SetUpsert(true))
	return classify("save file metadata", err)
}

func (s *MongoStorage) GetFileMetadata(ctx context.Context, id string) (models.FileMetadata, error) {
	var doc fileDoc
	if err := s.findOne(ctx, "get file metadata", collFiles, "file", id, &doc); err != nil {
		return models.FileMetadata{}, err
	}
	return models.FileMetadata{
		ID:        doc.ID,
		Hash:      doc.Hash,
		Name:      doc.Name,
		MimeType:  doc.MimeType,
		Kind:      models.MessageKind(doc.Kind),
		Size:      doc.Size,
		UserID:    doc.UserID,
		CreatedAt: doc.CreatedAt.UTC(),
	}, nil
}

func (s *MongoStorage) SavePushSubscription(ctx context.Context, sub models.PushSubscription) error {
	sub, err := preparePushSubscription(sub, s.now())
	if err != nil {
		return err
	}
	if _, err := s.GetUser(ctx, sub.UserID); err != nil {
		return err
	}
	doc := pushDoc{
		ID:        pushKey(sub.UserID, sub.Endpoint),
		UserID:    sub.UserID,
		Endpoint:  sub.Endpoint,
		P256dh:    sub.P256dh,
		Auth:      sub.Auth,
		CreatedAt: sub.CreatedAt,
	}
	_, err = s.db.Collection(collPush).ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return classify("save push subscription", err)
}

func (s *MongoStorage) ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	cur, err := s.db.Collection(collPush).Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, classify("list push subscriptions", err)
	}
	var docs []pushDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classify("list push subscriptions", err)
	}
	subs := make([]models.PushSubscription, 0, len(docs))
	for _, d := range docs {
		subs = append(subs, models.PushSubscription{
			UserID:    d.UserID,
			Endpoint:  d.Endpoint,
			P256dh:    d.P256dh,
			Auth:      d.Auth,
			CreatedAt: d.CreatedAt.UTC(),
		})
	}
	return subs, nil
}

func (s *MongoStorage) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	_, err := s.db.Collection(collPush).DeleteOne(ctx, bson.M{"_id": pushKey(userID, endpoint)})
	return classify("delete push subscription", err)
}
