// Package relay is the client side of the signaling hub: one websocket that
// carries presence frames and envelopes for a single joined room. It
// implements the engine's relay and presence ports and pushes inbound events
// into the session's sink.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/praveenparshiva/instant-vid-link/internal/core"
	"github.com/praveenparshiva/instant-vid-link/internal/domain"
	"github.com/praveenparshiva/instant-vid-link/internal/signal"
)

const (
	sendQueueSize = 32
	writeDeadline = 5 * time.Second
	joinTimeout   = 10 * time.Second
)

var ErrBackpressure = errors.New("backpressure")

type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pingPeriod time.Duration

	mu      sync.Mutex
	started bool
	closed  bool
	joined  bool
	self    domain.ParticipantID
	roster  []domain.Participant

	roomState chan *signal.Control
	leftAck   chan struct{}
}

// Dial connects to the hub. The connection is idle until Start attaches a
// sink and spins up the pumps.
func Dial(ctx context.Context, url string, pingPeriod time.Duration) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	cctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:       conn,
		send:       make(chan []byte, sendQueueSize),
		logger:     log.With().Str("module", "relay").Logger(),
		ctx:        cctx,
		cancel:     cancel,
		pingPeriod: pingPeriod,
		roomState:  make(chan *signal.Control, 1),
		leftAck:    make(chan struct{}, 1),
	}, nil
}

// Start runs the read and write pumps, delivering inbound events to sink.
func (c *Client) Start(sink core.EventSink) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.writePump()
	go c.readPump(sink)
}

// Join registers with the hub and blocks until the roster arrives.
func (c *Client) Join(ctx context.Context, room domain.RoomID, self domain.Participant) error {
	c.mu.Lock()
	c.self = self.ID
	c.mu.Unlock()

	frame, err := (&signal.Control{
		Type:        signal.ControlJoin,
		Room:        room,
		Participant: &self,
	}).Encode()
	if err != nil {
		return err
	}
	if err := c.trySend(frame); err != nil {
		return fmt.Errorf("%w: %v", core.ErrDelivery, err)
	}

	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	select {
	case state := <-c.roomState:
		c.mu.Lock()
		c.joined = true
		c.roster = state.Participants
		c.mu.Unlock()
		c.logger.Info().Str("room", string(room)).Int("present", len(state.Participants)).Msg("joined")
		return nil
	case <-joinCtx.Done():
		return fmt.Errorf("join %s: %w", room, joinCtx.Err())
	case <-c.ctx.Done():
		return errors.New("relay closed")
	}
}

// Leave tells the hub we are gone. Idempotent; a dead socket counts as left.
func (c *Client) Leave(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	c.mu.Unlock()

	frame, err := (&signal.Control{Type: signal.ControlLeave}).Encode()
	if err != nil {
		return err
	}
	if err := c.trySend(frame); err != nil {
		return nil
	}
	select {
	case <-c.leftAck:
	case <-ctx.Done():
	case <-c.ctx.Done():
	}
	return nil
}

// Participants returns the roster captured at join time, excluding the
// given id. Later membership changes arrive as pushed events instead.
func (c *Client) Participants(_ context.Context, _ domain.RoomID, excluding domain.ParticipantID) ([]domain.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Participant, 0, len(c.roster))
	for _, p := range c.roster {
		if p.ID == excluding {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Send relays one envelope. The hub re-stamps the sender with the id this
// connection joined as.
func (c *Client) Send(target domain.ParticipantID, typ signal.Type, payload []byte) error {
	c.mu.Lock()
	self := c.self
	c.mu.Unlock()
	frame, err := (&signal.Envelope{
		Sender:  self,
		Target:  target,
		Type:    typ,
		Payload: payload,
	}).Encode()
	if err != nil {
		return err
	}
	if err := c.trySend(frame); err != nil {
		return fmt.Errorf("%w: %v", core.ErrDelivery, err)
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	_ = c.conn.Close()
}

func (c *Client) trySend(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("relay closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) writePump() {
	var ping <-chan time.Time
	if c.pingPeriod > 0 {
		ticker := time.NewTicker(c.pingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				c.Close()
				return
			}
		case <-ping:
			frame, err := (&signal.Control{Type: signal.ControlPing}).Encode()
			if err != nil {
				continue
			}
			_ = c.trySend(frame)
		}
	}
}

func (c *Client) readPump(sink core.EventSink) {
	defer c.Close()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Warn().Err(err).Msg("readPump read error")
				}
				return
			}
			c.handleFrame(sink, data)
		}
	}
}

func (c *Client) handleFrame(sink core.EventSink, data []byte) {
	typ, err := signal.PeekType(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("unreadable frame")
		return
	}

	switch signal.Type(typ) {
	case signal.TypeOffer, signal.TypeAnswer, signal.TypeIce:
		env, err := signal.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad envelope")
			return
		}
		sink.OnSignalReceived(env)
		return
	}

	ctl, err := signal.DecodeControl(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("bad control frame")
		return
	}
	switch ctl.Type {
	case signal.ControlJoined:
		if ctl.Participant != nil {
			sink.OnParticipantJoined(*ctl.Participant)
		}
	case signal.ControlDeparted:
		sink.OnParticipantLeft(ctl.ID)
	case signal.ControlRoomState:
		select {
		case c.roomState <- ctl:
		default:
		}
	case signal.ControlLeft:
		select {
		case c.leftAck <- struct{}{}:
		default:
		}
	case signal.ControlPong:
	case signal.ControlError:
		c.logger.Warn().Str("error", ctl.Error).Msg("hub error")
	default:
		c.logger.Warn().Str("type", string(ctl.Type)).Msg("unknown control frame")
	}
}
