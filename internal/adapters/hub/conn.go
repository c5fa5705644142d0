package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const (
	sendQueueSize = 32
	writeDeadline = 5 * time.Second
)

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades one signaling connection and runs its pumps until the
// socket dies or the server stops.
func (h *Hub) HandleWS(ctx context.Context, c *gin.Context, readLimit int64) {
	token := c.GetString("client_token")
	log.Info().Str("module", "hub").Str("token", token).Msg("new ws connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("ws upgrade")
		return
	}
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, sendQueueSize),
	}
	cl := h.newClient(conn)

	ctx, cancel := context.WithCancel(ctx)
	go h.writePump(ctx, conn, cancel)
	go h.readPump(ctx, cl, conn)
}

func (h *Hub) writePump(ctx context.Context, c *wsConn, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "hub").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "hub").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "hub").Msg("writePump write error")
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, cl *client, c *wsConn) {
	defer func() {
		h.Disconnected(cl)
		c.Close()
		log.Info().Str("module", "hub").Msg("readPump closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "hub").Msg("readPump read error")
				}
				return
			}
			h.Dispatch(cl, data)
		}
	}
}
