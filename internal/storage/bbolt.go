package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"chatwave/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers     = []byte("users")
	bucketUsernames = []byte("usernames")
	bucketEmails    = []byte("emails")
	bucketGroups    = []byte("groups")
	bucketMessages  = []byte("messages")
	bucketFiles     = []byte("files")
	bucketPush      = []byte("push")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketUsernames, bucketEmails, bucketGroups, bucketMessages, bucketFiles, bucketPush} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: storeNow}, nil
}

func storeNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func (s *BboltStorage) update(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return classify(op, err)
	}
	return classify(op, s.db.Update(fn))
}

func (s *BboltStorage) view(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return classify(op, err)
	}
	return classify(op, s.db.View(fn))
}

func get(b *bbolt.Bucket, key string, into Storeable) (bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}
	return true, into.UnmarshalBinary(data)
}

func put(b *bbolt.Bucket, item Storeable) error {
	data, err := item.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(item.Key(), data)
}

// CreateUser stores a new user. Username and email must be unique.
func (s *BboltStorage) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	user, err := prepareUser(user, s.now())
	if err != nil {
		return models.User{}, err
	}

	err = s.update(ctx, "create user", func(tx *bbolt.Tx) error {
		usernames := tx.Bucket(bucketUsernames)
		emails := tx.Bucket(bucketEmails)
		nameKey := []byte(strings.ToLower(user.Username))

		if usernames.Get(nameKey) != nil {
			return fmt.Errorf("username %q: %w", user.Username, models.ErrConflict)
		}
		if emails.Get([]byte(user.Email)) != nil {
			return fmt.Errorf("email %q: %w", user.Email, models.ErrConflict)
		}
		if err := usernames.Put(nameKey, []byte(user.ID)); err != nil {
			return err
		}
		if err := emails.Put([]byte(user.Email), []byte(user.ID)); err != nil {
			return err
		}
		return put(tx.Bucket(bucketUsers), dbUserFrom(user))
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUserFrom(user).model(), nil
}

func (s *BboltStorage) GetUser(ctx context.Context, id string) (models.User, error) {
	var dbUser DBUser
	err := s.view(ctx, "get user", func(tx *bbolt.Tx) error {
		found, err := get(tx.Bucket(bucketUsers), id, &dbUser)
		if err != nil {
			return err
		}
		if !found {
			return notFound("user", id)
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUser.model(), nil
}

func (s *BboltStorage) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	email = strings.ToLower(email)
	var dbUser DBUser
	err := s.view(ctx, "get user by email", func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketEmails).Get([]byte(email))
		if id == nil {
			return notFound("user with email", email)
		}
		found, err := get(tx.Bucket(bucketUsers), string(id), &dbUser)
		if err != nil {
			return err
		}
		if !found {
			return notFound("user", string(id))
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUser.model(), nil
}

func (s *BboltStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.view(ctx, "list users", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.model())
			return nil
		})
	})
	return users, err
}

func (s *BboltStorage) GetUserPublicProfile(ctx context.Context, id string) (models.PublicProfile, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return models.PublicProfile{}, err
	}
	return user.Profile(), nil
}

func (s *BboltStorage) UpdateUserPresence(ctx context.Context, id string, status models.UserStatus, lastSeen time.Time) error {
	return s.modifyUser(ctx, "update presence", id, func(u *DBUser) {
		u.Status = string(status)
		u.LastSeen = lastSeen.UnixMilli()
	})
}

// AddFriend links both users to each other.
func (s *BboltStorage) AddFriend(ctx context.Context, userID, friendID string) error {
	if userID == friendID {
		return fmt.Errorf("%w: cannot befriend yourself", models.ErrValidation)
	}
	return s.update(ctx, "add friend", func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var a, f DBUser
		for _, pair := range []struct {
			id   string
			into *DBUser
		}{{userID, &a}, {friendID, &f}} {
			found, err := get(b, pair.id, pair.into)
			if err != nil {
				return err
			}
			if !found {
				return notFound("user", pair.id)
			}
		}
		a.Friends = addUnique(a.Friends, friendID)
		f.Friends = addUnique(f.Friends, userID)
		if err := put(b, &a); err != nil {
			return err
		}
		return put(b, &f)
	})
}

func (s *BboltStorage) modifyUser(ctx context.Context, op, id string, fn func(u *DBUser)) error {
	return s.update(ctx, op, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var dbUser DBUser
		found, err := get(b, id, &dbUser)
		if err != nil {
			return err
		}
		if !found {
			return notFound("user", id)
		}
		fn(&dbUser)
		return put(b, &dbUser)
	})
}

func (s *BboltStorage) CreateGroup(ctx context.Context, group models.Group) (models.Group, error) {
	group, err := prepareGroup(group, s.now())
	if err != nil {
		return models.Group{}, err
	}
	err = s.update(ctx, "create group", func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		for _, id := range group.Members {
			if users.Get([]byte(id)) == nil {
				return notFound("user", id)
			}
		}
		b := tx.Bucket(bucketGroups)
		if b.Get([]byte(group.ID)) != nil {
			return fmt.Errorf("group %s: %w", group.ID, models.ErrConflict)
		}
		return put(b, dbGroupFrom(group))
	})
	if err != nil {
		return models.Group{}, err
	}
	return dbGroupFrom(group).model(), nil
}

func (s *BboltStorage) GetGroup(ctx context.Context, id string) (models.Group, error) {
	var dbGroup DBGroup
	err := s.view(ctx, "get group", func(tx *bbolt.Tx) error {
		found, err := get(tx.Bucket(bucketGroups), id, &dbGroup)
		if err != nil {
			return err
		}
		if !found {
			return notFound("group", id)
		}
		return nil
	})
	if err != nil {
		return models.Group{}, err
	}
	return dbGroup.model(), nil
}

func (s *BboltStorage) ListGroupsForUser(ctx context.Context, userID string) ([]models.Group, error) {
	var groups []models.Group
	err := s.view(ctx, "list groups", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var dbGroup DBGroup
			if err := dbGroup.UnmarshalBinary(v); err != nil {
				return err
			}
			g := dbGroup.model()
			if g.HasMember(userID) {
				groups = append(groups, g)
			}
			return nil
		})
	})
	return groups, err
}

func (s *BboltStorage) AddGroupMember(ctx context.Context, groupID, userID string) (models.Group, error) {
	return s.modifyGroup(ctx, "add group member", groupID, func(tx *bbolt.Tx, g *DBGroup) error {
		if tx.Bucket(bucketUsers).Get([]byte(userID)) == nil {
			return notFound("user", userID)
		}
		g.Members = addUnique(g.Members, userID)
		return nil
	})
}

func (s *BboltStorage) RemoveGroupMember(ctx context.Context, groupID, userID string) (models.Group, error) {
	return s.modifyGroup(ctx, "remove group member", groupID, func(tx *bbolt.Tx, g *DBGroup) error {
		if userID == g.Admin {
			return fmt.Errorf("%w: the group admin cannot be removed", models.ErrValidation)
		}
		g.Members = removeValue(g.Members, userID)
		return nil
	})
}

func (s *BboltStorage) modifyGroup(ctx context.Context, op, id string, fn func(tx *bbolt.Tx, g *DBGroup) error) (models.Group, error) {
	var dbGroup DBGroup
	err := s.update(ctx, op, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		found, err := get(b, id, &dbGroup)
		if err != nil {
			return err
		}
		if !found {
			return notFound("group", id)
		}
		if err := fn(tx, &dbGroup); err != nil {
			return err
		}
		return put(b, &dbGroup)
	})
	if err != nil {
		return models.Group{}, err
	}
	return dbGroup.model(), nil
}

// CreateMessage assigns an ID and timestamp and stores the message unread.
func (s *BboltStorage) CreateMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error) {
	msg, err := newMessage(draft, s.now())
	if err != nil {
		return models.Message{}, err
	}
	err = s.update(ctx, "create message", func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketMessages), dbMessageFrom(msg))
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (s *BboltStorage) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var dbMsg DBMessage
	err := s.view(ctx, "get message", func(tx *bbolt.Tx) error {
		found, err := get(tx.Bucket(bucketMessages), id, &dbMsg)
		if err != nil {
			return err
		}
		if !found {
			return notFound("message", id)
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return dbMsg.model(), nil
}

// ListMessages returns the newest query.Limit matching messages, oldest first.
// A non-positive limit returns all of them.
func (s *BboltStorage) ListMessages(ctx context.Context, query models.MessageQuery) ([]models.Message, error) {
	var messages []models.Message
	err := s.view(ctx, "list messages", func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			msg := dbMsg.model()
			if !query.Matches(msg) {
				continue
			}
			messages = append(messages, msg)
			if query.Limit > 0 && len(messages) == query.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	reverse(messages)
	return messages, nil
}

// ListMessagesForUser returns every message the user sent, received, or that
// was posted to one of the user's groups, oldest first.
func (s *BboltStorage) ListMessagesForUser(ctx context.Context, userID string) ([]models.Message, error) {
	groups, err := s.ListGroupsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	inGroup := make(map[string]bool, len(groups))
	for _, g := range groups {
		inGroup[g.ID] = true
	}

	var messages []models.Message
	err = s.view(ctx, "list user messages", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.SenderID == userID || dbMsg.ReceiverID == userID || inGroup[dbMsg.GroupID] {
				messages = append(messages, dbMsg.model())
			}
			return nil
		})
	})
	return messages, err
}

// MarkMessageRead sets the read flag. It never clears it.
func (s *BboltStorage) MarkMessageRead(ctx context.Context, id string) (models.Message, error) {
	var dbMsg DBMessage
	err := s.update(ctx, "mark message read", func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		found, err := get(b, id, &dbMsg)
		if err != nil {
			return err
		}
		if !found {
			return notFound("message", id)
		}
		if dbMsg.Read {
			return nil
		}
		dbMsg.Read = true
		return put(b, &dbMsg)
	})
	if err != nil {
		return models.Message{}, err
	}
	return dbMsg.model(), nil
}

func (s *BboltStorage) SaveFileMetadata(ctx context.Context, meta models.FileMetadata) error {
	return s.update(ctx, "save file metadata", func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketFiles), dbFileFrom(meta))
	})
}

func (s *BboltStorage) GetFileMetadata(ctx context.Context, id string) (models.FileMetadata, error) {
	var dbFile DBFile
	err := s.view(ctx, "get file metadata", func(tx *bbolt.Tx) error {
		found, err := get(tx.Bucket(bucketFiles), id, &dbFile)
		if err != nil {
			return err
		}
		if !found {
			return notFound("file", id)
		}
		return nil
	})
	if err != nil {
		return models.FileMetadata{}, err
	}
	return dbFile.model(), nil
}

// SavePushSubscription stores or refreshes the user's subscription for an endpoint.
func (s *BboltStorage) SavePushSubscription(ctx context.Context, sub models.PushSubscription) error {
	sub, err := preparePushSubscription(sub, s.now())
	if err != nil {
		return err
	}
	return s.update(ctx, "save push subscription", func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(sub.UserID)) == nil {
			return notFound("user", sub.UserID)
		}
		return put(tx.Bucket(bucketPush), dbPushSubscriptionFrom(sub))
	})
}

func (s *BboltStorage) ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	subs := []models.PushSubscription{}
	prefix := []byte(pushKey(userID, ""))
	err := s.view(ctx, "list push subscriptions", func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPush).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, dbSub.model())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// DeletePushSubscription is a no-op for unknown endpoints.
func (s *BboltStorage) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	return s.update(ctx, "delete push subscription", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPush).Delete([]byte(pushKey(userID, endpoint)))
	})
}

func reverse(messages []models.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
