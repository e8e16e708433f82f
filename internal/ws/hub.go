package ws

import (
	"errors"
	"log/slog"
	"sync"

	"messmini/internal/models"
	"messmini/internal/router"
)

const defaultSendBuffer = 256

var errQueueFull = errors.New("outbound queue is full")

type client struct {
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	topics map[string]struct{}
}

// evict signals the connection loop to stop. The send channel is never
// closed so concurrent senders cannot panic.
func (c *client) evict() {
	c.once.Do(func() { close(c.done) })
}

// Hub owns the outbound queue of every live connection and the topic
// subscriptions. It implements router.Gateway.
type Hub struct {
	mu         sync.RWMutex
	clients    map[models.ConnID]*client
	topics     map[string]map[models.ConnID]*client
	bufferSize int
}

var _ router.Gateway = (*Hub)(nil)

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	return &Hub{
		clients:    make(map[models.ConnID]*client),
		topics:     make(map[string]map[models.ConnID]*client),
		bufferSize: bufferSize,
	}
}

// Attach creates the outbound queue of conn. The returned done channel is
// closed when the hub gives up on the connection.
func (h *Hub) Attach(conn models.ConnID) (<-chan []byte, <-chan struct{}) {
	c := &client{
		send:   make(chan []byte, h.bufferSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}

	h.mu.Lock()
	if old, ok := h.clients[conn]; ok {
		h.removeLocked(conn, old)
	}
	h.clients[conn] = c
	h.mu.Unlock()

	return c.send, c.done
}

// Detach drops conn and all its subscriptions. Unknown connections are ignored.
func (h *Hub) Detach(conn models.ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[conn]; ok {
		h.removeLocked(conn, c)
	}
}

func (h *Hub) removeLocked(conn models.ConnID, c *client) {
	for topic := range c.topics {
		h.leaveTopicLocked(conn, topic)
	}
	delete(h.clients, conn)
	c.evict()
}

func (h *Hub) leaveTopicLocked(conn models.ConnID, topic string) {
	subs := h.topics[topic]
	delete(subs, conn)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

func (h *Hub) Deliver(conn models.ConnID, payload []byte) error {
	h.mu.RLock()
	c, ok := h.clients[conn]
	h.mu.RUnlock()
	if !ok {
		return router.ErrConnectionGone
	}
	return h.enqueue(c, payload)
}

func (h *Hub) Broadcast(topic string, payload []byte) {
	h.mu.RLock()
	subs := make(map[models.ConnID]*client, len(h.topics[topic]))
	for id, c := range h.topics[topic] {
		subs[id] = c
	}
	h.mu.RUnlock()

	for id, c := range subs {
		if err := h.enqueue(c, payload); errors.Is(err, errQueueFull) {
			slog.Warn("dropping broadcast", "conn_id", id, "topic", topic, "error", err)
		}
	}
}

// enqueue never blocks. A payload that does not fit the queue is dropped.
func (h *Hub) enqueue(c *client, payload []byte) error {
	select {
	case <-c.done:
		return router.ErrConnectionGone
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return errQueueFull
	}
}

func (h *Hub) Subscribe(conn models.ConnID, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[conn]
	if !ok {
		return router.ErrConnectionGone
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[models.ConnID]*client)
		h.topics[topic] = subs
	}
	subs[conn] = c
	c.topics[topic] = struct{}{}
	return nil
}

func (h *Hub) Unsubscribe(conn models.ConnID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[conn]; ok {
		delete(c.topics, topic)
	}
	h.leaveTopicLocked(conn, topic)
}

// CloseTopic unsubscribes everyone from topic.
func (h *Hub) CloseTopic(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.topics[topic] {
		delete(c.topics, topic)
	}
	delete(h.topics, topic)
}

// Subscribers returns the number of connections subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Len returns the number of attached connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
