package coinbase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"BookPulse/internal/domain/models"
	drepo "BookPulse/internal/domain/repository"
	"BookPulse/pkg/logger"

	"github.com/gorilla/websocket"
)

const channelLevel2 = "level2_batch"

// Config holds websocket feed settings.
type Config struct {
	URL            string
	ProductID      string
	Channel        string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	BufferSize     int
}

// Client implements a FeedStream backed by the Coinbase websocket feed.
type Client struct {
	cfg    Config
	log    *logger.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
}

// New creates a new Coinbase FeedStream.
func New(cfg Config, log *logger.Logger) drepo.FeedStream {
	if cfg.Channel == "" {
		cfg.Channel = channelLevel2
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * cfg.PingInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	return &Client{
		cfg:    cfg,
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: websocket.DefaultDialer.Proxy},
	}
}

// Connect establishes the WebSocket connection.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("coinbase connect: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.log.Info("initializing the websocket connection", logger.String("url", c.cfg.URL))
	return nil
}

type channelSpec struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

type subscribeRequest struct {
	Type     string        `json:"type"`
	Channels []channelSpec `json:"channels"`
}

// Subscribe subscribes to the level2 channel for the configured product.
func (c *Client) Subscribe(ctx context.Context) error {
	conn := c.current()
	if conn == nil || !c.connected.Load() {
		return fmt.Errorf("coinbase not connected")
	}
	req := subscribeRequest{
		Type:     "subscribe",
		Channels: []channelSpec{{Name: c.cfg.Channel, ProductIDs: []string{c.cfg.ProductID}}},
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.ProductID, err)
	}
	c.log.Debug("subscribe request sent", logger.String("product", c.cfg.ProductID), logger.String("channel", c.cfg.Channel))
	return nil
}

// Read streams raw frames of the current connection until it fails. Frames
// are handed off in order; a slow consumer applies backpressure to the socket.
func (c *Client) Read(ctx context.Context) (<-chan models.RawFrame, <-chan error) {
	frames := make(chan models.RawFrame, c.cfg.BufferSize)
	errs := make(chan error, 1)
	conn := c.current()
	done := make(chan struct{})

	// ping loop
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if conn != nil {
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				}
			}
		}
	}()

	// read loop
	go func() {
		defer close(done)
		defer close(frames)
		defer close(errs)
		if conn == nil {
			errs <- fmt.Errorf("coinbase conn nil")
			return
		}
		// unblock ReadMessage on cancellation
		stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
		defer stop()

		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.connected.Store(false)
					errs <- fmt.Errorf("coinbase read: %w", err)
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
			f := models.RawFrame{ProductID: c.cfg.ProductID, ReceivedAt: time.Now().UTC(), Payload: b}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	return frames, errs
}

// Reconnect closes, waits the reconnect delay, then connects and resubscribes.
// The exchange answers a new subscription with a fresh snapshot.
func (c *Client) Reconnect(ctx context.Context) error {
	_ = c.Close()
	if c.cfg.ReconnectDelay > 0 {
		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Subscribe(ctx)
}

// Close closes the WS connection.
func (c *Client) Close() error {
	c.connected.Store(false)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}

// IsConnected indicates status.
func (c *Client) IsConnected() bool { return c.connected.Load() }

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
