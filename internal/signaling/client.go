package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pion/webrtc/v4"
)

// Handler receives inbound signaling events. The client performs no business
// logic itself; every decision (offerer selection, rejoin policy) belongs to
// the call session driving it.
type Handler interface {
	OnRegistered(msg Registered)
	OnRoomUsers(msg RoomUsersUpdated)
	OnOffer(msg Offer)
	OnAnswer(msg Answer)
	OnICECandidate(msg ICECandidate)
	OnUserLeft(msg UserLeft)
}

// Client is the typed message layer over the websocket event channel. Its
// lifecycle is explicit: Start dials, registers and begins dispatching;
// Stop tears the connection down. Neither is tied to any rendering concern.
type Client struct {
	url      string
	identity Register
	handler  Handler
	logger   *zap.Logger
	dialer   *websocket.Dialer

	mu   sync.Mutex // guards conn for writes and replacement
	conn *websocket.Conn

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewClient(url string, identity Register, handler Handler, logger *zap.Logger) *Client {
	return &Client{
		url:      url,
		identity: identity,
		handler:  handler,
		logger:   logger.Named("signaling"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Start dials the signaling server, announces presence and launches the read
// loop. It returns once the initial register message has been written.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("signaling client already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := c.dial(c.ctx); err != nil {
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	go c.readLoop()
	return nil
}

// Stop closes the connection and halts dispatch. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.cancel()
	if c.conn != nil {
		c.conn.Close()
	}
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("timed out waiting for read loop to exit")
	}
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.send(EventRegister, c.identity); err != nil {
		conn.Close()
		return fmt.Errorf("failed to register: %w", err)
	}
	return nil
}

// readLoop dispatches inbound messages until the context is cancelled.
// A dropped connection is redialed with exponential backoff; registration is
// repeated so the server issues a fresh socket ID.
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("signaling connection lost, redialing", zap.Error(err))
			if err := c.redial(); err != nil {
				c.logger.Error("failed to restore signaling connection", zap.Error(err))
				return
			}
			continue
		}

		if err := c.dispatch(payload); err != nil {
			c.logger.Warn("dropping malformed signaling message", zap.Error(err))
		}
	}
}

func (c *Client) redial() error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	return backoff.Retry(func() error {
		if c.ctx.Err() != nil {
			return backoff.Permanent(c.ctx.Err())
		}
		return c.dial(c.ctx)
	}, backoff.WithContext(policy, c.ctx))
}

func (c *Client) dispatch(payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}

	switch env.Event {
	case EventRegistered:
		var msg Registered
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return fmt.Errorf("bad registered payload: %w", err)
		}
		c.handler.OnRegistered(msg)
	case EventRoomUsersUpdated:
		var msg RoomUsersUpdated
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return fmt.Errorf("bad roster payload: %w", err)
		}
		c.handler.OnRoomUsers(msg)
	case EventOffer:
		var msg Offer
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return fmt.Errorf("bad offer payload: %w", err)
		}
		c.handler.OnOffer(msg)
	case EventAnswer:
		var msg Answer
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return fmt.Errorf("bad answer payload: %w", err)
		}
		c.handler.OnAnswer(msg)
	case EventICECandidate:
		var msg ICECandidate
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return fmt.Errorf("bad candidate payload: %w", err)
		}
		c.handler.OnICECandidate(msg)
	case EventUserLeft:
		var msg UserLeft
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return fmt.Errorf("bad user-left payload: %w", err)
		}
		c.handler.OnUserLeft(msg)
	default:
		c.logger.Debug("ignoring unknown signaling event", zap.String("event", env.Event))
	}
	return nil
}

func (c *Client) send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("signaling connection not established")
	}
	if err := c.conn.WriteJSON(Envelope{Event: event, Data: data}); err != nil {
		return fmt.Errorf("failed to write %s message: %w", event, err)
	}
	return nil
}

// Outbound messages. Each maps one-to-one onto a wire event.

func (c *Client) JoinRoom(roomID string) error {
	return c.send(EventJoinRoom, JoinRoom{RoomID: roomID})
}

func (c *Client) LeaveRoom(roomID string) error {
	return c.send(EventLeaveRoom, LeaveRoom{RoomID: roomID})
}

func (c *Client) SendOffer(roomID, to string, sdp webrtc.SessionDescription) error {
	return c.send(EventOffer, Offer{RoomID: roomID, To: to, Offer: sdp})
}

func (c *Client) SendAnswer(roomID, to string, sdp webrtc.SessionDescription) error {
	return c.send(EventAnswer, Answer{RoomID: roomID, To: to, Answer: sdp})
}

func (c *Client) SendCandidate(roomID, to string, candidate webrtc.ICECandidateInit) error {
	return c.send(EventICECandidate, ICECandidate{RoomID: roomID, To: to, Candidate: candidate})
}

func (c *Client) SendMediaChange(to, kind string, enabled bool) error {
	return c.send(EventMediaChange, MediaChange{To: to, Type: kind, Enabled: enabled})
}

func (c *Client) SendEndCall(to, sessionID string) error {
	return c.send(EventEndCall, EndCall{To: to, SessionID: sessionID})
}
