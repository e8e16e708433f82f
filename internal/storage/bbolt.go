package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"messmini/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers        = []byte("users")
	bucketUsernames    = []byte("usernames")
	bucketMessages     = []byte("messages")
	bucketRooms        = []byte("rooms")
	bucketRoomMessages = []byte("room_messages")
	bucketFriendships  = []byte("friendships")
)

var ErrUserExists = errors.New("user already exists")

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
		for _, name := range [][]byte{
			bucketUsers,
			bucketUsernames,
			bucketMessages,
			bucketRooms,
			bucketRoomMessages,
			bucketFriendships,
		} {
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

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// Users

// CreateUser stores a new user with a unique username.
func (s *BboltStorage) CreateUser(userName, displayName, passwordHash string) (models.User, error) {
	dbUser := &DBUser{
		ID:           uuid.NewString(),
		UserName:     userName,
		DisplayName:  displayName,
		AvatarURL:    "/images/default-avatar.png",
		PasswordHash: passwordHash,
	}
	if dbUser.DisplayName == "" {
		dbUser.DisplayName = userName
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketUsernames)
		if names.Get([]byte(userName)) != nil {
			return ErrUserExists
		}
		if err := names.Put([]byte(userName), dbUser.Key()); err != nil {
			return err
		}
		return put(tx.Bucket(bucketUsers), dbUser)
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUser.toModel(), nil
}

// LookupUser returns the user with the given ID or models.ErrNotFound.
func (s *BboltStorage) LookupUser(userID string) (models.User, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketUsers), []byte(userID), &dbUser)
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUser.toModel(), nil
}

// GetCredentials returns the user and password hash for a username.
func (s *BboltStorage) GetCredentials(userName string) (models.User, string, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(userName))
		if id == nil {
			return models.ErrNotFound
		}
		return get(tx.Bucket(bucketUsers), id, &dbUser)
	})
	if err != nil {
		return models.User{}, "", err
	}
	return dbUser.toModel(), dbUser.PasswordHash, nil
}

func (s *BboltStorage) GetUserByName(userName string) (models.User, error) {
	user, _, err := s.GetCredentials(userName)
	return user, err
}

// ListUsers returns all users sorted by display name.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	sort.Slice(users, func(i, j int) bool {
		return users[i].DisplayName < users[j].DisplayName
	})
	return users, err
}

func (s *BboltStorage) UpdateDisplayName(userID, displayName string) error {
	return s.updateUser(userID, func(u *DBUser) bool {
		u.DisplayName = displayName
		return true
	})
}

// SetPresence stores the last known presence of a user.
// Writes older than the stored sequence number are ignored.
func (s *BboltStorage) SetPresence(userID string, presence models.Presence, seq uint64) error {
	return s.updateUser(userID, func(u *DBUser) bool {
		if seq < u.PresenceSeq {
			return false
		}
		u.Online = presence.Online
		u.LastSeen = presence.LastSeen
		u.PresenceSeq = seq
		return true
	})
}

// ResetPresence marks every user offline. It is called on startup because
// no connection survives a restart.
func (s *BboltStorage) ResetPresence() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var updated []*DBUser
		err := b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.Online || dbUser.PresenceSeq != 0 {
				dbUser.Online = false
				dbUser.PresenceSeq = 0
				updated = append(updated, &dbUser)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range updated {
			if err := put(b, u); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BboltStorage) updateUser(userID string, fn func(u *DBUser) bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var dbUser DBUser
		if err := get(b, []byte(userID), &dbUser); err != nil {
			return err
		}
		if !fn(&dbUser) {
			return nil
		}
		return put(b, &dbUser)
	})
}

// Direct messages

// PersistDirectMessage stores a direct message and returns the record with
// its server assigned ID and timestamp. Both users must exist.
func (s *BboltStorage) PersistDirectMessage(senderID, receiverID, content string) (models.ChatMessage, error) {
	var dbMessage DBMessage
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if users.Get([]byte(senderID)) == nil {
			return fmt.Errorf("sender %s: %w", senderID, models.ErrNotFound)
		}
		if users.Get([]byte(receiverID)) == nil {
			return fmt.Errorf("receiver %s: %w", receiverID, models.ErrNotFound)
		}

		root := tx.Bucket(bucketMessages)
		id, err := root.NextSequence()
		if err != nil {
			return err
		}
		conv, err := root.CreateBucketIfNotExists([]byte(pairKey(senderID, receiverID)))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMessage = DBMessage{
			ID:         int64(id),
			SenderID:   senderID,
			ReceiverID: receiverID,
			Content:    content,
			Timestamp:  s.now().Unix(),
		}
		if err := put(conv, &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.ChatMessage{}, err
	}
	return dbMessage.toModel(), nil
}

// ListDirectMessages returns the conversation between two users, oldest first.
func (s *BboltStorage) ListDirectMessages(userID, otherID string) ([]models.ChatMessage, error) {
	messages := []models.ChatMessage{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		conv := tx.Bucket(bucketMessages).Bucket([]byte(pairKey(userID, otherID)))
		if conv == nil {
			return nil
		}
		return conv.ForEach(func(k, v []byte) error {
			var dbMessage DBMessage
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMessage.toModel())
			return nil
		})
	})
	return messages, err
}

// MarkConversationRead marks every message otherID sent to readerID as read
// and returns how many changed.
func (s *BboltStorage) MarkConversationRead(readerID, otherID string) (int, error) {
	changed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		conv := tx.Bucket(bucketMessages).Bucket([]byte(pairKey(readerID, otherID)))
		if conv == nil {
			return nil
		}
		var unread []*DBMessage
		err := conv.ForEach(func(k, v []byte) error {
			var dbMessage DBMessage
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return err
			}
			if !dbMessage.Read && dbMessage.SenderID == otherID {
				dbMessage.Read = true
				unread = append(unread, &dbMessage)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, m := range unread {
			if err := put(conv, m); err != nil {
				return err
			}
		}
		changed = len(unread)
		return nil
	})
	return changed, err
}

// Rooms

// CreateRoom stores a new room. The creator is always a member.
func (s *BboltStorage) CreateRoom(name, description, creatorID string, memberIDs []string) (models.Room, error) {
	dbRoom := &DBRoom{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatorID:   creatorID,
		Members:     []string{creatorID},
		CreatedAt:   s.now().Unix(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if users.Get([]byte(creatorID)) == nil {
			return fmt.Errorf("creator %s: %w", creatorID, models.ErrNotFound)
		}
		for _, id := range memberIDs {
			if users.Get([]byte(id)) == nil {
				return fmt.Errorf("member %s: %w", id, models.ErrNotFound)
			}
			if !dbRoom.hasMember(id) {
				dbRoom.Members = append(dbRoom.Members, id)
			}
		}
		return put(tx.Bucket(bucketRooms), dbRoom)
	})
	if err != nil {
		return models.Room{}, err
	}
	return dbRoom.toModel(), nil
}

func (s *BboltStorage) GetRoom(roomID string) (models.Room, error) {
	var dbRoom DBRoom
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketRooms), []byte(roomID), &dbRoom)
	})
	if err != nil {
		return models.Room{}, err
	}
	return dbRoom.toModel(), nil
}

// IsRoomMember reports whether userID belongs to the room.
// An unknown room yields models.ErrNotFound.
func (s *BboltStorage) IsRoomMember(roomID, userID string) (bool, error) {
	room, err := s.GetRoom(roomID)
	if err != nil {
		return false, err
	}
	for _, m := range room.Members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

// ListUserRooms returns the rooms userID is a member of, sorted by name.
func (s *BboltStorage) ListUserRooms(userID string) ([]models.Room, error) {
	rooms := []models.Room{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbRoom.hasMember(userID) {
				rooms = append(rooms, dbRoom.toModel())
			}
			return nil
		})
	})
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].Name < rooms[j].Name
	})
	return rooms, err
}

func (s *BboltStorage) AddRoomMember(roomID, userID string) (models.Room, error) {
	return s.updateRoom(roomID, func(tx *bbolt.Tx, r *DBRoom) error {
		if tx.Bucket(bucketUsers).Get([]byte(userID)) == nil {
			return fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
		}
		if !r.hasMember(userID) {
			r.Members = append(r.Members, userID)
		}
		return nil
	})
}

func (s *BboltStorage) RemoveRoomMember(roomID, userID string) (models.Room, error) {
	return s.updateRoom(roomID, func(tx *bbolt.Tx, r *DBRoom) error {
		members := r.Members[:0]
		for _, m := range r.Members {
			if m != userID {
				members = append(members, m)
			}
		}
		r.Members = members
		return nil
	})
}

// DeleteRoom removes a room and its messages. Only the creator may delete it.
func (s *BboltStorage) DeleteRoom(roomID, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rooms := tx.Bucket(bucketRooms)
		var dbRoom DBRoom
		if err := get(rooms, []byte(roomID), &dbRoom); err != nil {
			return err
		}
		if dbRoom.CreatorID != userID {
			return fmt.Errorf("only room creator can delete the room: %w", models.ErrForbidden)
		}
		msgs := tx.Bucket(bucketRoomMessages)
		if msgs.Bucket([]byte(roomID)) != nil {
			if err := msgs.DeleteBucket([]byte(roomID)); err != nil {
				return err
			}
		}
		return rooms.Delete([]byte(roomID))
	})
}

func (s *BboltStorage) updateRoom(roomID string, fn func(tx *bbolt.Tx, r *DBRoom) error) (models.Room, error) {
	var dbRoom DBRoom
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		if err := get(b, []byte(roomID), &dbRoom); err != nil {
			return err
		}
		if err := fn(tx, &dbRoom); err != nil {
			return err
		}
		return put(b, &dbRoom)
	})
	if err != nil {
		return models.Room{}, err
	}
	return dbRoom.toModel(), nil
}

// Room messages

// PersistRoomMessage stores a room message. Membership is checked by the caller.
func (s *BboltStorage) PersistRoomMessage(roomID, senderID, content string) (models.RoomMessage, error) {
	var dbMessage DBRoomMessage
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketRooms).Get([]byte(roomID)) == nil {
			return fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
		}
		if tx.Bucket(bucketUsers).Get([]byte(senderID)) == nil {
			return fmt.Errorf("sender %s: %w", senderID, models.ErrNotFound)
		}

		root := tx.Bucket(bucketRoomMessages)
		id, err := root.NextSequence()
		if err != nil {
			return err
		}
		room, err := root.CreateBucketIfNotExists([]byte(roomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		dbMessage = DBRoomMessage{
			ID:        int64(id),
			RoomID:    roomID,
			SenderID:  senderID,
			Content:   content,
			Timestamp: s.now().Unix(),
		}
		return put(room, &dbMessage)
	})
	if err != nil {
		return models.RoomMessage{}, err
	}
	return dbMessage.toModel(), nil
}

func (s *BboltStorage) ListRoomMessages(roomID string) ([]models.RoomMessage, error) {
	messages := []models.RoomMessage{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		room := tx.Bucket(bucketRoomMessages).Bucket([]byte(roomID))
		if room == nil {
			return nil
		}
		return room.ForEach(func(k, v []byte) error {
			var dbMessage DBRoomMessage
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMessage.toModel())
			return nil
		})
	})
	return messages, err
}

// MarkRoomRead marks every room message not sent by readerID as read.
func (s *BboltStorage) MarkRoomRead(roomID, readerID string) (int, error) {
	changed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		room := tx.Bucket(bucketRoomMessages).Bucket([]byte(roomID))
		if room == nil {
			return nil
		}
		var unread []*DBRoomMessage
		err := room.ForEach(func(k, v []byte) error {
			var dbMessage DBRoomMessage
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return err
			}
			if !dbMessage.Read && dbMessage.SenderID != readerID {
				dbMessage.Read = true
				unread = append(unread, &dbMessage)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, m := range unread {
			if err := put(room, m); err != nil {
				return err
			}
		}
		changed = len(unread)
		return nil
	})
	return changed, err
}

// Friendships

// RequestFriendship records a pending request from senderID to receiverID.
// A request crossing a pending one in the other direction accepts it.
func (s *BboltStorage) RequestFriendship(senderID, receiverID string) (FriendshipStatus, error) {
	if senderID == receiverID {
		return "", fmt.Errorf("cannot befriend yourself: %w", models.ErrBadRequest)
	}
	var status FriendshipStatus
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		for _, id := range []string{senderID, receiverID} {
			if users.Get([]byte(id)) == nil {
				return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
			}
		}

		b := tx.Bucket(bucketFriendships)
		now := s.now().Unix()
		var f DBFriendship
		err := get(b, []byte(pairKey(senderID, receiverID)), &f)
		switch {
		case errors.Is(err, models.ErrNotFound):
		case err != nil:
			return err
		case f.Status == FriendshipAccepted:
			return fmt.Errorf("already friends: %w", models.ErrBadRequest)
		case f.Status == FriendshipPending && f.UserID == senderID:
			return fmt.Errorf("friend request already pending: %w", models.ErrBadRequest)
		case f.Status == FriendshipPending:
			f.Status = FriendshipAccepted
			f.UpdatedAt = now
			status = f.Status
			return put(b, &f)
		}

		status = FriendshipPending
		return put(b, &DBFriendship{
			UserID:    senderID,
			FriendID:  receiverID,
			Status:    FriendshipPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	return status, err
}

// AnswerFriendRequest accepts or rejects the pending request senderID sent
// to receiverID. Only the receiver can answer.
func (s *BboltStorage) AnswerFriendRequest(receiverID, senderID string, accept bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFriendships)
		var f DBFriendship
		if err := get(b, []byte(pairKey(senderID, receiverID)), &f); err != nil {
			return fmt.Errorf("friend request: %w", err)
		}
		if f.Status != FriendshipPending {
			return fmt.Errorf("friend request is not pending: %w", models.ErrBadRequest)
		}
		if f.FriendID != receiverID {
			return fmt.Errorf("only the receiver can answer a friend request: %w", models.ErrForbidden)
		}

		f.Status = FriendshipRejected
		if accept {
			f.Status = FriendshipAccepted
		}
		f.UpdatedAt = s.now().Unix()
		return put(b, &f)
	})
}

// AreFriends reports whether the pair has an accepted friendship.
func (s *BboltStorage) AreFriends(userID, otherID string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var f DBFriendship
		err := get(tx.Bucket(bucketFriendships), []byte(pairKey(userID, otherID)), &f)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = f.Status == FriendshipAccepted
		return nil
	})
	return ok, err
}

// ListFriends returns the accepted friends of userID sorted by display name.
func (s *BboltStorage) ListFriends(userID string) ([]models.User, error) {
	friends := []models.User{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		return tx.Bucket(bucketFriendships).ForEach(func(k, v []byte) error {
			var f DBFriendship
			if err := f.UnmarshalBinary(v); err != nil {
				return err
			}
			if f.Status != FriendshipAccepted {
				return nil
			}
			otherID := ""
			switch userID {
			case f.UserID:
				otherID = f.FriendID
			case f.FriendID:
				otherID = f.UserID
			default:
				return nil
			}
			var dbUser DBUser
			if err := get(users, []byte(otherID), &dbUser); err != nil {
				if errors.Is(err, models.ErrNotFound) {
					return nil
				}
				return err
			}
			friends = append(friends, dbUser.toModel())
			return nil
		})
	})
	sort.Slice(friends, func(i, j int) bool {
		return friends[i].DisplayName < friends[j].DisplayName
	})
	return friends, err
}

// ListFriendRequests returns the requests waiting for userID, oldest first.
func (s *BboltStorage) ListFriendRequests(userID string) ([]models.FriendRequest, error) {
	requests := []models.FriendRequest{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		return tx.Bucket(bucketFriendships).ForEach(func(k, v []byte) error {
			var f DBFriendship
			if err := f.UnmarshalBinary(v); err != nil {
				return err
			}
			if f.Status != FriendshipPending || f.FriendID != userID {
				return nil
			}
			var dbUser DBUser
			if err := get(users, []byte(f.UserID), &dbUser); err != nil {
				if errors.Is(err, models.ErrNotFound) {
					return nil
				}
				return err
			}
			requests = append(requests, models.FriendRequest{From: dbUser.toModel(), CreatedAt: f.CreatedAt})
			return nil
		})
	})
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].CreatedAt < requests[j].CreatedAt
	})
	return requests, err
}

// Helpers

func put(b *bbolt.Bucket, s Storeable) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(s.Key(), data)
}

func get(b *bbolt.Bucket, key []byte, s Storeable) error {
	data := b.Get(key)
	if data == nil {
		return models.ErrNotFound
	}
	return s.UnmarshalBinary(data)
}

// pairKey is the same for (a, b) and (b, a).
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Presence: models.Presence{
			Online:   u.Online,
			LastSeen: u.LastSeen,
		},
	}
}

func (m *DBMessage) toModel() models.ChatMessage {
	return models.ChatMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		Read:       m.Read,
	}
}

func (r *DBRoom) toModel() models.Room {
	return models.Room{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		CreatorID:   r.CreatorID,
		Members:     append([]string(nil), r.Members...),
		CreatedAt:   r.CreatedAt,
	}
}

func (m *DBRoomMessage) toModel() models.RoomMessage {
	return models.RoomMessage{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Read:      m.Read,
	}
}
