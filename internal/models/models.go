package models

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
	ErrNotMember  = errors.New("user is not a member of this room")
	ErrNotFriends = errors.New("users are not friends")
	ErrForbidden  = errors.New("forbidden")
)

// ConnID identifies one live websocket connection.
type ConnID string

// User represents a user in the system.
type User struct {
	ID          string   `json:"id"`
	UserName    string   `json:"userName"`
	DisplayName string   `json:"displayName"`
	AvatarURL   string   `json:"avatarUrl"`
	Presence    Presence `json:"presence"`
}

// Presence represents the online status of a user.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (seconds)
}

// PresenceChange is an edge transition of a user's online state.
type PresenceChange struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"`
	// Seq grows by one on every edge of the same user, so clients can drop stale updates.
	Seq uint64 `json:"seq"`
}

// ChatMessage is a persisted direct message.
type ChatMessage struct {
	ID         int64  `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	// Content is the text as typed. HTML is its sanitized rendering.
	Content    string `json:"content"`
	HTML       string `json:"html,omitempty"`
	Timestamp  int64  `json:"timestamp"` // Unix timestamp (seconds)
	Read       bool   `json:"read"`
}

// RoomMessage is a persisted room message.
type RoomMessage struct {
	ID        int64  `json:"id"`
	RoomID    string `json:"roomId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	HTML      string `json:"html,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Read      bool   `json:"read"`
}

// Room is a named group of members sharing room messages.
type Room struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	CreatorID   string   `json:"creatorId"`
	Members     []string `json:"members"`
	CreatedAt   int64    `json:"createdAt"`
}

// FriendRequest is a pending request waiting for the receiver's answer.
type FriendRequest struct {
	From      User  `json:"from"`
	CreatedAt int64 `json:"createdAt"`
}

// ClientMessage represents a message sent from the client to the server.
type ClientMessage struct {
	Type       ClientMessageType `json:"type"`
	ReceiverID string            `json:"receiverId,omitempty"`
	RoomID     string            `json:"roomId,omitempty"`
	Content    string            `json:"content,omitempty"`
	Typing     bool              `json:"typing,omitempty"`
}

// ServerMessage represents a message to the client.
type ServerMessage struct {
	Type        ServerMessageType `json:"type"`
	UserID      string            `json:"userId,omitempty"`
	Online      bool              `json:"online,omitempty"`
	Typing      bool              `json:"typing,omitempty"`
	Seq         uint64            `json:"seq,omitempty"`
	RoomID      string            `json:"roomId,omitempty"`
	Message     *ChatMessage      `json:"message,omitempty"`
	RoomMessage *RoomMessage      `json:"roomMessage,omitempty"`
	Users       []User            `json:"users,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeJoin        ClientMessageType = "join"
	ClientMessageTypeDirect      ClientMessageType = "direct"
	ClientMessageTypeRoom        ClientMessageType = "room"
	ClientMessageTypeTyping      ClientMessageType = "typing"
	ClientMessageTypeRead        ClientMessageType = "read"
	ClientMessageTypeSubscribe   ClientMessageType = "subscribe"
	ClientMessageTypeUnsubscribe ClientMessageType = "unsubscribe"
)

type ServerMessageType string

const (
	ServerMessageTypeDirect           ServerMessageType = "direct"
	ServerMessageTypeRoom             ServerMessageType = "room"
	ServerMessageTypeTyping           ServerMessageType = "typing"
	ServerMessageTypePresence         ServerMessageType = "presence"
	ServerMessageTypePresenceSnapshot ServerMessageType = "presence_snapshot"
	ServerMessageTypeJoined           ServerMessageType = "joined"
	ServerMessageTypeRead             ServerMessageType = "read"
	ServerMessageTypeError            ServerMessageType = "error"
)

// APIResponse is the generic JSON envelope of the HTTP API.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type CreateRoomRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Members     []string `json:"members,omitempty"`
}

type UpdateDisplayNameRequest struct {
	DisplayName string `json:"displayName"`
}
