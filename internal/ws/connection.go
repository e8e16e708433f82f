package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"messmini/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

var errEvicted = errors.New("connection evicted by hub")

type wsConnection interface {
	Close() error
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type outboundHub interface {
	Attach(conn models.ConnID) (<-chan []byte, <-chan struct{})
	Detach(conn models.ConnID)
}

type eventRouter interface {
	OnConnect(conn models.ConnID, userID string)
	OnDisconnect(conn models.ConnID)
	OnInboundEvent(conn models.ConnID, raw []byte) error
}

// Connection runs a single websocket session: a read pump feeding the
// router and a write loop draining the hub queue.
type Connection struct {
	id         models.ConnID
	userID     string
	ws         wsConnection
	hub        outboundHub
	router     eventRouter
	fromClient chan []byte
	fromServer <-chan []byte
	evicted    <-chan struct{}
	errorCh    chan error
}

func NewConnection(
	hub outboundHub,
	router eventRouter,
	ws wsConnection,
	id models.ConnID,
	userID string,
) *Connection {
	fromServer, evicted := hub.Attach(id)
	return &Connection{
		id:         id,
		userID:     userID,
		ws:         ws,
		hub:        hub,
		router:     router,
		fromClient: make(chan []byte),
		fromServer: fromServer,
		evicted:    evicted,
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.router.OnConnect(c.id, c.userID)
	defer func() {
		c.router.OnDisconnect(c.id)
		c.hub.Detach(c.id)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	cancel()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		select {
		case c.fromClient <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case raw := <-c.fromClient:
			// Rejections are acknowledged to the client by the router.
			if err := c.router.OnInboundEvent(c.id, raw); err != nil {
				slog.Debug("inbound event failed", "conn_id", c.id, "error", err)
			}
		case payload := <-c.fromServer:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-c.evicted:
			return errEvicted
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}
