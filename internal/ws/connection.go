package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/types"
)

const maxInboundBytes = 4 << 10

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// Connection is an upgraded push session. Clients never send data frames;
// the read side only services control frames.
type Connection struct {
	conn      *websocket.Conn
	clientID  string
	tables    []types.TableName
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	opts    connectionOptions
	onClose func()
}

func newConnection(conn *websocket.Conn, clientID string, tables []types.TableName, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:     conn,
		clientID: clientID,
		tables:   tables,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
}

// ClientID returns the identifier the client connected with, if any.
func (c *Connection) ClientID() string { return c.clientID }

// Tables returns the subscribed tables.
func (c *Connection) Tables() []types.TableName { return c.tables }

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// SendText enqueues a text frame for the writer goroutine. A slow client
// whose buffer fills up is disconnected.
func (c *Connection) SendText(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		gatewayDropped.Inc()
		c.closeWithFrame(websocket.CloseTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// Run services the connection until either side closes it.
func (c *Connection) Run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if err := c.readLoop(); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears the connection down. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop() error {
	c.conn.SetReadLimit(maxInboundBytes)
	pongWait := c.pongWait()
	if pongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		msgType, _, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType == websocket.BinaryMessage || msgType == websocket.TextMessage {
			c.closeWithFrame(websocket.ClosePolicyViolation, "stream is server to client only")
			return errors.New("unexpected data frame")
		}
	}
}

func (c *Connection) writeLoop() {
	var tick <-chan time.Time
	if c.opts.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.heartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) pongWait() time.Duration {
	if c.opts.heartbeatInterval <= 0 || c.opts.heartbeatTolerance <= 0 {
		return 0
	}
	return c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
}

func (c *Connection) closeWithFrame(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.writeTimeout))
	c.Close()
}
