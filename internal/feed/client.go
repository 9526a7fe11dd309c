// ABOUTME: WebSocket client for the snapshot feed
// ABOUTME: Performs the hello handshake and delivers snapshots on a channel
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/internal/protocol"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ClientConfig holds feed client configuration
type ClientConfig struct {
	// ServerAddr is host:port of the feed server.
	ServerAddr string
	ClientID   string
	Name       string
	Logger     log.Logger
}

// Client follows a feed server.
type Client struct {
	config ClientConfig
	logger log.Logger

	conn *websocket.Conn
	mu   sync.RWMutex

	// Hello is the server's handshake reply, set by Connect.
	Hello protocol.ServerHello

	// Snapshots receives every snapshot the server pushes. Closed when the
	// connection ends.
	Snapshots chan protocol.Snapshot

	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a client. An empty ClientID gets a random uuid.
func NewClient(config ClientConfig) *Client {
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	if config.Logger == nil {
		config.Logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:    config,
		logger:    log.With(config.Logger, "component", "feed-client"),
		Snapshots: make(chan protocol.Snapshot, 16),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect dials the server and performs the handshake.
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: "/ws"}
	level.Debug(c.logger).Log("msg", "connecting", "url", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		close(c.Snapshots)
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()
	return nil
}

func (c *Client) handshake() error {
	hello := protocol.Message{
		Type: protocol.TypeClientHello,
		Payload: protocol.ClientHello{
			ClientID: c.config.ClientID,
			Name:     c.config.Name,
			Version:  protocol.Version,
		},
	}
	if err := c.sendJSON(hello); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}

	switch msg.Type {
	case protocol.TypeServerHello:
		return protocol.DecodePayload(msg, &c.Hello)
	case protocol.TypeServerError:
		var serverErr protocol.ServerError
		if err := protocol.DecodePayload(msg, &serverErr); err != nil {
			return err
		}
		return fmt.Errorf("server refused: %s: %s", serverErr.Error, serverErr.Message)
	default:
		return fmt.Errorf("expected server/hello, got %s", msg.Type)
	}
}

func (c *Client) sendJSON(msg protocol.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(msg)
}

// readMessages routes incoming messages until the connection ends.
func (c *Client) readMessages() {
	defer close(c.Snapshots)
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			level.Debug(c.logger).Log("msg", "read ended", "err", err)
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			level.Warn(c.logger).Log("msg", "failed to parse message", "err", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeSnapshot:
			var snap protocol.Snapshot
			if err := protocol.DecodePayload(msg, &snap); err != nil {
				level.Warn(c.logger).Log("msg", "bad snapshot payload", "err", err)
				continue
			}
			select {
			case c.Snapshots <- snap:
			case <-c.ctx.Done():
				return
			}
		default:
			level.Debug(c.logger).Log("msg", "unknown message type", "type", msg.Type)
		}
	}
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
