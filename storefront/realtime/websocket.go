package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/storefront_transport/pkg/logger"
)

// WebSocketConfig configures WebSocketTransport.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	// PingInterval enables keepalive pings. Zero disables them.
	PingInterval time.Duration
	// PongWait is how long the channel waits for any inbound frame before giving up.
	// Only applied when pings are enabled; defaults to twice PingInterval.
	PongWait     time.Duration
	WriteTimeout time.Duration
	// ReadLimit bounds a single inbound frame.
	ReadLimit int64
	Logger    *logger.Logger
}

// DefaultWebSocketConfig returns production defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// WebSocketTransport is the production ChannelTransport.
type WebSocketTransport struct {
	dialer *websocket.Dialer
	cfg    WebSocketConfig
	log    *logger.Logger
}

// NewWebSocketTransport creates a websocket transport.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval > 0 && cfg.PongWait <= 0 {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("realtime-websocket")
	}
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		cfg: cfg,
		log: log,
	}
}

// Connect dials endpoint.
func (t *WebSocketTransport) Connect(ctx context.Context, endpoint string, header http.Header) (Channel, error) {
	conn, resp, err := t.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if t.cfg.ReadLimit > 0 {
		conn.SetReadLimit(t.cfg.ReadLimit)
	}
	return &wsChannel{
		conn: conn,
		cfg:  t.cfg,
		log:  t.log,
		done: make(chan struct{}),
	}, nil
}

type wsChannel struct {
	conn *websocket.Conn
	cfg  WebSocketConfig
	log  *logger.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	listening sync.Once
}

func (c *wsChannel) Listen(h ChannelHandler) {
	c.listening.Do(func() {
		if c.cfg.PingInterval > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
			c.conn.SetPongHandler(func(string) error {
				return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
			})
			go c.heartbeat()
		}
		go c.readLoop(h)
	})
}

func (c *wsChannel) readLoop(h ChannelHandler) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				h.HandleClose(nil)
			default:
				h.HandleClose(err)
				c.shutdown()
			}
			return
		}
		if c.cfg.PingInterval > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("dropping malformed realtime frame")
			continue
		}
		h.HandleMessage(msg)
	}
}

func (c *wsChannel) heartbeat() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.WithError(err).Debug("realtime ping failed")
			}
		}
	}
}

func (c *wsChannel) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		werr := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout),
		)
		c.writeMu.Unlock()

		cerr := c.conn.Close()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = fmt.Errorf("close message: %w", werr)
		} else if cerr != nil {
			err = cerr
		}
	})
	return err
}

// shutdown releases a channel the peer already closed.
func (c *wsChannel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
