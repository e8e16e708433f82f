package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"messmini/internal/content"
	"messmini/internal/models"
	"messmini/internal/presence"
	"messmini/internal/registry"

	"github.com/c-pro/geche"
)

const (
	TopicPresence = "presence"
	TopicUsers    = "users"
	TopicPublic   = "public"

	userCacheTTL = 30 * time.Second
)

// ErrConnectionGone is returned by a Gateway when the destination
// connection no longer exists.
var ErrConnectionGone = errors.New("connection is gone")

// RoomTopic is the broadcast topic of a room.
func RoomTopic(roomID string) string {
	return "room." + roomID
}

// Store is the persistence the router depends on.
type Store interface {
	PersistDirectMessage(senderID, receiverID, content string) (models.ChatMessage, error)
	PersistRoomMessage(roomID, senderID, content string) (models.RoomMessage, error)
	IsRoomMember(roomID, userID string) (bool, error)
	LookupUser(userID string) (models.User, error)
	AreFriends(userID, otherID string) (bool, error)
	ListUserRooms(userID string) ([]models.Room, error)
	MarkConversationRead(readerID, otherID string) (int, error)
	MarkRoomRead(roomID, readerID string) (int, error)
}

// Gateway pushes serialized payloads to connections and topics.
// Implementations must not block on slow consumers.
type Gateway interface {
	Deliver(conn models.ConnID, payload []byte) error
	Broadcast(topic string, payload []byte)
	Subscribe(conn models.ConnID, topic string) error
	Unsubscribe(conn models.ConnID, topic string)
	CloseTopic(topic string)
}

type Config struct {
	// SnapshotOnPresenceChange additionally broadcasts the full online list
	// to TopicUsers whenever a presence edge is published.
	SnapshotOnPresenceChange bool
	// RequireFriendship rejects direct messages between non-friends.
	RequireFriendship bool
}

// Router resolves the destinations of inbound events and hands the
// payloads to the gateway.
type Router struct {
	cfg      Config
	registry *registry.Registry
	tracker  *presence.Tracker
	store    Store
	gateway  Gateway
	users    geche.Geche[string, models.User]
	senders  *keyedMutex
}

func New(
	ctx context.Context,
	cfg Config,
	reg *registry.Registry,
	tracker *presence.Tracker,
	store Store,
	gateway Gateway,
) *Router {
	return &Router{
		cfg:      cfg,
		registry: reg,
		tracker:  tracker,
		store:    store,
		gateway:  gateway,
		users:    geche.NewMapTTLCache[string, models.User](ctx, userCacheTTL, time.Minute),
		senders:  newKeyedMutex(),
	}
}

// OnConnect binds conn to userID, subscribes it to the shared topics and
// the user's rooms, and publishes the presence edge if there is one.
// Registration comes before the room lookup: a concurrent RoomMemberAdded
// then either finds the connection or the lookup finds the membership.
func (r *Router) OnConnect(conn models.ConnID, userID string) {
	edges := r.tracker.Connect(conn, userID)

	for _, topic := range []string{TopicPresence, TopicUsers, TopicPublic} {
		r.subscribe(conn, topic)
	}

	rooms, err := r.store.ListUserRooms(userID)
	if err != nil {
		slog.Warn("failed to list rooms", "user_id", userID, "error", err)
	}
	for _, room := range rooms {
		r.subscribe(conn, RoomTopic(room.ID))
	}

	slog.Info("connected", "conn_id", conn, "user_id", userID, "edges", len(edges))
	r.publishPresence(edges)
}

// OnDisconnect releases conn. Repeated or unknown disconnects are ignored.
func (r *Router) OnDisconnect(conn models.ConnID) {
	userID, ok, edges := r.tracker.Disconnect(conn)
	if !ok {
		return
	}
	slog.Info("disconnected", "conn_id", conn, "user_id", userID, "edges", len(edges))
	r.publishPresence(edges)
}

// OnInboundEvent decodes a client payload and dispatches it by type.
// Errors are acknowledged to the sending connection and returned.
func (r *Router) OnInboundEvent(conn models.ConnID, raw []byte) error {
	userID, ok := r.registry.UserOf(conn)
	if !ok {
		return fmt.Errorf("connection %s is not registered: %w", conn, models.ErrBadRequest)
	}

	var msg models.ClientMessage
	err := json.Unmarshal(raw, &msg)
	if err != nil {
		err = fmt.Errorf("malformed payload: %w", models.ErrBadRequest)
	} else {
		err = r.dispatch(conn, userID, msg)
	}

	if err != nil {
		slog.Warn("inbound event rejected", "conn_id", conn, "user_id", userID, "type", msg.Type, "error", err)
		r.ack(conn, err)
	}
	return err
}

func (r *Router) dispatch(conn models.ConnID, userID string, msg models.ClientMessage) error {
	switch msg.Type {
	case models.ClientMessageTypeJoin:
		return r.handleJoin(userID)
	case models.ClientMessageTypeDirect:
		return r.handleDirect(userID, msg.ReceiverID, msg.Content)
	case models.ClientMessageTypeRoom:
		return r.handleRoom(userID, msg.RoomID, msg.Content)
	case models.ClientMessageTypeTyping:
		return r.handleTyping(userID, msg.ReceiverID, msg.Typing)
	case models.ClientMessageTypeRead:
		return r.handleRead(userID, msg)
	case models.ClientMessageTypeSubscribe:
		return r.handleSubscribe(conn, userID, msg.RoomID)
	case models.ClientMessageTypeUnsubscribe:
		if msg.RoomID == "" {
			return fmt.Errorf("roomId is required: %w", models.ErrBadRequest)
		}
		r.gateway.Unsubscribe(conn, RoomTopic(msg.RoomID))
		return nil
	default:
		return fmt.Errorf("unknown message type %q: %w", msg.Type, models.ErrBadRequest)
	}
}

func (r *Router) handleJoin(userID string) error {
	r.BroadcastFullPresenceSnapshot()

	payload, err := encode(models.ServerMessage{
		Type:   models.ServerMessageTypeJoined,
		UserID: userID,
		Online: true,
	})
	if err != nil {
		return err
	}
	r.gateway.Broadcast(TopicPublic, payload)
	return nil
}

// handleDirect persists first and only then delivers the persisted record
// to every connection of the receiver and the sender.
func (r *Router) handleDirect(senderID, receiverID, raw string) error {
	if receiverID == "" {
		return fmt.Errorf("receiverId is required: %w", models.ErrBadRequest)
	}
	body, err := content.PrepareMessage(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrBadRequest, err)
	}
	if _, err := r.lookupUser(receiverID); err != nil {
		return fmt.Errorf("receiver %s: %w", receiverID, err)
	}
	if r.cfg.RequireFriendship && senderID != receiverID {
		ok, err := r.store.AreFriends(senderID, receiverID)
		if err != nil {
			return fmt.Errorf("failed to check friendship: %w", err)
		}
		if !ok {
			return models.ErrNotFriends
		}
	}

	unlock := r.senders.Lock(senderID)
	defer unlock()

	record, err := r.store.PersistDirectMessage(senderID, receiverID, body)
	if err != nil {
		return fmt.Errorf("failed to persist direct message: %w", err)
	}
	record.HTML = content.Render(record.Content)

	payload, err := encode(models.ServerMessage{
		Type:    models.ServerMessageTypeDirect,
		Message: &record,
	})
	if err != nil {
		return err
	}

	dests := r.registry.ConnectionsFor(receiverID)
	if receiverID != senderID {
		dests = append(dests, r.registry.ConnectionsFor(senderID)...)
	}
	r.deliverAll(dests, payload)
	return nil
}

// handleRoom checks membership before anything is persisted.
func (r *Router) handleRoom(senderID, roomID, raw string) error {
	if roomID == "" {
		return fmt.Errorf("roomId is required: %w", models.ErrBadRequest)
	}
	body, err := content.PrepareMessage(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrBadRequest, err)
	}

	ok, err := r.store.IsRoomMember(roomID, senderID)
	if err != nil {
		return fmt.Errorf("room %s: %w", roomID, err)
	}
	if !ok {
		return models.ErrNotMember
	}

	unlock := r.senders.Lock(senderID)
	defer unlock()

	record, err := r.store.PersistRoomMessage(roomID, senderID, body)
	if err != nil {
		return fmt.Errorf("failed to persist room message: %w", err)
	}
	record.HTML = content.Render(record.Content)

	payload, err := encode(models.ServerMessage{
		Type:        models.ServerMessageTypeRoom,
		RoomID:      roomID,
		RoomMessage: &record,
	})
	if err != nil {
		return err
	}
	r.gateway.Broadcast(RoomTopic(roomID), payload)
	return nil
}

// handleTyping is transient: nothing is persisted and an offline receiver
// is not an error.
func (r *Router) handleTyping(senderID, receiverID string, typing bool) error {
	if receiverID == "" {
		return fmt.Errorf("receiverId is required: %w", models.ErrBadRequest)
	}
	dests := r.registry.ConnectionsFor(receiverID)
	if len(dests) == 0 {
		return nil
	}
	payload, err := encode(models.ServerMessage{
		Type:   models.ServerMessageTypeTyping,
		UserID: senderID,
		Typing: typing,
	})
	if err != nil {
		return err
	}
	r.deliverAll(dests, payload)
	return nil
}

// handleRead marks a room or a direct conversation as read and tells the
// reader's devices.
func (r *Router) handleRead(readerID string, msg models.ClientMessage) error {
	event := models.ServerMessage{Type: models.ServerMessageTypeRead}

	switch {
	case msg.RoomID != "":
		ok, err := r.store.IsRoomMember(msg.RoomID, readerID)
		if err != nil {
			return fmt.Errorf("room %s: %w", msg.RoomID, err)
		}
		if !ok {
			return models.ErrNotMember
		}
		if _, err := r.store.MarkRoomRead(msg.RoomID, readerID); err != nil {
			return fmt.Errorf("failed to mark room read: %w", err)
		}
		event.RoomID = msg.RoomID
	case msg.ReceiverID != "":
		if _, err := r.store.MarkConversationRead(readerID, msg.ReceiverID); err != nil {
			return fmt.Errorf("failed to mark conversation read: %w", err)
		}
		event.UserID = msg.ReceiverID
	default:
		return fmt.Errorf("roomId or receiverId is required: %w", models.ErrBadRequest)
	}

	payload, err := encode(event)
	if err != nil {
		return err
	}
	r.deliverAll(r.registry.ConnectionsFor(readerID), payload)
	return nil
}

func (r *Router) handleSubscribe(conn models.ConnID, userID, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("roomId is required: %w", models.ErrBadRequest)
	}
	ok, err := r.store.IsRoomMember(roomID, userID)
	if err != nil {
		return fmt.Errorf("room %s: %w", roomID, err)
	}
	if !ok {
		return models.ErrNotMember
	}
	return r.gateway.Subscribe(conn, RoomTopic(roomID))
}

// BroadcastFullPresenceSnapshot sends the list of every online user to TopicUsers.
func (r *Router) BroadcastFullPresenceSnapshot() {
	ids := r.tracker.Snapshot()
	users := make([]models.User, 0, len(ids))
	for _, id := range ids {
		u, err := r.lookupUser(id)
		if err != nil {
			slog.Warn("skipping unknown user in presence snapshot", "user_id", id, "error", err)
			continue
		}
		u.Presence.Online = true
		users = append(users, u)
	}

	payload, err := encode(models.ServerMessage{
		Type:  models.ServerMessageTypePresenceSnapshot,
		Users: users,
	})
	if err != nil {
		slog.Error("failed to encode presence snapshot", "error", err)
		return
	}
	r.gateway.Broadcast(TopicUsers, payload)
}

// BroadcastPresenceDelta sends a single user's presence edge to TopicPresence.
func (r *Router) BroadcastPresenceDelta(change models.PresenceChange) {
	event := models.ServerMessage{
		Type:   models.ServerMessageTypePresence,
		UserID: change.UserID,
		Online: change.Online,
		Seq:    change.Seq,
	}
	if u, err := r.lookupUser(change.UserID); err == nil {
		u.Presence = models.Presence{Online: change.Online, LastSeen: change.LastSeen}
		event.Users = []models.User{u}
	}

	payload, err := encode(event)
	if err != nil {
		slog.Error("failed to encode presence delta", "user_id", change.UserID, "error", err)
		return
	}
	r.gateway.Broadcast(TopicPresence, payload)
}

// RoomMemberAdded subscribes the live connections of a new member to the room.
func (r *Router) RoomMemberAdded(roomID, userID string) {
	for _, conn := range r.registry.ConnectionsFor(userID) {
		r.subscribe(conn, RoomTopic(roomID))
	}
}

// RoomMemberRemoved stops room broadcasts to a removed member.
func (r *Router) RoomMemberRemoved(roomID, userID string) {
	for _, conn := range r.registry.ConnectionsFor(userID) {
		r.gateway.Unsubscribe(conn, RoomTopic(roomID))
	}
}

func (r *Router) RoomDeleted(roomID string) {
	r.gateway.CloseTopic(RoomTopic(roomID))
}

// ForgetUser drops the cached summary of a user after a profile change.
func (r *Router) ForgetUser(userID string) {
	_ = r.users.Del(userID)
}

func (r *Router) publishPresence(edges []models.PresenceChange) {
	for _, e := range edges {
		r.BroadcastPresenceDelta(e)
	}
	if len(edges) > 0 && r.cfg.SnapshotOnPresenceChange {
		r.BroadcastFullPresenceSnapshot()
	}
}

func (r *Router) lookupUser(userID string) (models.User, error) {
	if u, err := r.users.Get(userID); err == nil {
		return u, nil
	}
	u, err := r.store.LookupUser(userID)
	if err != nil {
		return models.User{}, err
	}
	r.users.Set(userID, u)
	return u, nil
}

// deliverAll skips destinations that disappeared after they were resolved.
func (r *Router) deliverAll(dests []models.ConnID, payload []byte) {
	for _, conn := range dests {
		err := r.gateway.Deliver(conn, payload)
		switch {
		case errors.Is(err, ErrConnectionGone):
			slog.Debug("destination gone", "conn_id", conn)
		case err != nil:
			slog.Warn("delivery failed", "conn_id", conn, "error", err)
		}
	}
}

func (r *Router) subscribe(conn models.ConnID, topic string) {
	if err := r.gateway.Subscribe(conn, topic); err != nil {
		slog.Warn("failed to subscribe", "conn_id", conn, "topic", topic, "error", err)
	}
}

func (r *Router) ack(conn models.ConnID, cause error) {
	payload, err := encode(models.ServerMessage{
		Type:  models.ServerMessageTypeError,
		Error: cause.Error(),
	})
	if err != nil {
		return
	}
	_ = r.gateway.Deliver(conn, payload)
}

func encode(msg models.ServerMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", msg.Type, err)
	}
	return payload, nil
}
