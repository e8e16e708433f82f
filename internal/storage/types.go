package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string `msgpack:"id"`
	UserName     string `msgpack:"userName"`
	DisplayName  string `msgpack:"displayName"`
	AvatarURL    string `msgpack:"avatarUrl"`
	PasswordHash string `msgpack:"passwordHash"`
	Online       bool   `msgpack:"online"`
	LastSeen     int64  `msgpack:"lastSeen"`
	PresenceSeq  uint64 `msgpack:"presenceSeq"`
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

type DBMessage struct {
	ID         int64  `msgpack:"id"`
	SenderID   string `msgpack:"senderId"`
	ReceiverID string `msgpack:"receiverId"`
	Content    string `msgpack:"content"`
	Timestamp  int64  `msgpack:"timestamp"`
	Read       bool   `msgpack:"read"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBRoom struct {
	ID          string   `msgpack:"id"`
	Name        string   `msgpack:"name"`
	Description string   `msgpack:"description"`
	CreatorID   string   `msgpack:"creatorId"`
	Members     []string `msgpack:"members"`
	CreatedAt   int64    `msgpack:"createdAt"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

func (r *DBRoom) hasMember(userID string) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

type DBRoomMessage struct {
	ID        int64  `msgpack:"id"`
	RoomID    string `msgpack:"roomId"`
	SenderID  string `msgpack:"senderId"`
	Content   string `msgpack:"content"`
	Timestamp int64  `msgpack:"timestamp"`
	Read      bool   `msgpack:"read"`
}

func (m *DBRoomMessage) Key() []byte {
	return seqKey(m.ID)
}

func (m *DBRoomMessage) MarshalBinary() (data []byte, err error) {
	type alias DBRoomMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBRoomMessage) UnmarshalBinary(data []byte) error {
	type alias DBRoomMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipRejected FriendshipStatus = "rejected"
)

// DBFriendship is stored once per unordered pair of users.
// UserID sent the request, FriendID has to answer it.
type DBFriendship struct {
	UserID    string           `msgpack:"userId"`
	FriendID  string           `msgpack:"friendId"`
	Status    FriendshipStatus `msgpack:"status"`
	CreatedAt int64            `msgpack:"createdAt"`
	UpdatedAt int64            `msgpack:"updatedAt"`
}

func (f *DBFriendship) Key() []byte {
	return []byte(pairKey(f.UserID, f.FriendID))
}

func (f *DBFriendship) MarshalBinary() (data []byte, err error) {
	type alias DBFriendship
	return msgpack.Marshal((*alias)(f))
}

func (f *DBFriendship) UnmarshalBinary(data []byte) error {
	type alias DBFriendship
	return msgpack.Unmarshal(data, (*alias)(f))
}

func seqKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}
