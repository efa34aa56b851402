package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatwave/internal/models"
	"chatwave/internal/relay"
	"chatwave/internal/rooms"

	"github.com/gorilla/websocket"
)

const (
	outboundBuffer = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 << 10
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
}

// keepAlive is implemented by *websocket.Conn. Connections that do not
// implement it are never pinged or size limited.
type keepAlive interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type roomJoiner interface {
	UserID(sessionID string) (string, bool)
	JoinPersonal(sessionID, userID string) error
	JoinConversation(sessionID, chatID string) error
}

type messageSender interface {
	SendMessage(ctx context.Context, req relay.SendRequest) (models.ReceivedMessage, error)
}

type signaler interface {
	SetTyping(chatID, userID string, isTyping bool, originSessionID string) int
	ConfirmRead(messageID, chatID, originSessionID string) int
}

type sessionManager interface {
	Connect(ctx context.Context, sub rooms.Subscriber, userID string)
	Disconnect(ctx context.Context, sessionID string)
	SetStatus(ctx context.Context, sessionID string, status models.UserStatus) error
}

type groupLookup interface {
	GetGroup(ctx context.Context, id string) (models.Group, error)
}

// Services are the components a connection dispatches inbound events to.
type Services struct {
	Rooms    roomJoiner
	Relay    messageSender
	Signals  signaler
	Sessions sessionManager
	Groups   groupLookup
}

// inbound is one frame read from the socket. Err is set for frames that
// could not be decoded.
type inbound struct {
	event models.ClientEvent
	err   error
}

type Connection struct {
	id         string
	userID     string
	ws         wsConnection
	svc        Services
	fromClient chan inbound
	fromServer chan models.ServerEvent
	errorCh    chan error
	done       chan struct{}
	closeOnce  sync.Once
}

func NewConnection(svc Services, ws wsConnection, sessionID, userID string) *Connection {
	return &Connection{
		id:         sessionID,
		userID:     userID,
		ws:         ws,
		svc:        svc,
		fromClient: make(chan inbound),
		fromServer: make(chan models.ServerEvent, outboundBuffer),
		errorCh:    make(chan error, 2),
		done:       make(chan struct{}),
	}
}

func (c *Connection) ID() string {
	return c.id
}

// Deliver queues an event for the client without blocking. Events for a
// closed or congested connection are dropped.
func (c *Connection) Deliver(event models.ServerEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.fromServer <- event:
		return true
	default:
		slog.Warn("outbound buffer full, dropping event", "session_id", c.id, "user_id", c.userID, "event", event.Event)
		return false
	}
}

// Handle runs the session until the client goes away or ctx is cancelled.
func (c *Connection) Handle(ctx context.Context) error {
	c.svc.Sessions.Connect(ctx, c, c.userID)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		c.closeOnce.Do(func() { close(c.done) })
		close(c.errorCh)
		c.svc.Sessions.Disconnect(context.WithoutCancel(ctx), c.id)
	}()

	c.prepareKeepAlive()

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
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) prepareKeepAlive() {
	ka, ok := c.ws.(keepAlive)
	if !ok {
		return
	}
	ka.SetReadLimit(maxMessageSize)
	_ = ka.SetReadDeadline(time.Now().Add(pongWait))
	ka.SetPongHandler(func(string) error {
		return ka.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// pumpMessages reads whole frames and decodes them itself, so a frame that
// is not a valid event never ends the session. Only read errors do.
func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		in := inbound{}
		if err := json.Unmarshal(data, &in.event); err != nil {
			in.err = err
		}
		select {
		case c.fromClient <- in:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	var ping <-chan time.Time
	ka, hasKeepAlive := c.ws.(keepAlive)
	if hasKeepAlive {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case in := <-c.fromClient:
			if err := c.processClientEvent(ctx, in); err != nil {
				return err
			}
		case msg := <-c.fromServer:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ping:
			if err := ka.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientEvent dispatches one inbound event. Handler errors are reported
// to this client only; only socket write failures end the session.
func (c *Connection) processClientEvent(ctx context.Context, in inbound) error {
	if in.err != nil {
		return c.writeError("", fmt.Errorf("%w: malformed frame: %v", models.ErrValidation, in.err))
	}

	handle, ok := handlers[in.event.Event]
	if !ok {
		return c.writeError(in.event.Event, fmt.Errorf("%w: unknown event %q", models.ErrValidation, in.event.Event))
	}

	if err := handle(ctx, c, in.event.Data); err != nil {
		slog.Debug("event failed", "session_id", c.id, "user_id", c.userID, "event", in.event.Event, "error", err)
		return c.writeError(in.event.Event, err)
	}
	return nil
}

func (c *Connection) writeError(event models.ClientEventType, err error) error {
	code := models.ErrorCode(err)
	msg := err.Error()
	if code == "internal" {
		slog.Error("event failed", "session_id", c.id, "event", event, "error", err)
		msg = "internal error"
	}
	return c.ws.WriteJSON(models.ServerEvent{
		Event: models.ServerEventError,
		Data: models.ErrorPayload{
			Event:   event,
			Code:    code,
			Message: msg,
		},
	})
}
