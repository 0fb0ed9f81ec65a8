package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clinsync/clinsync/internal/events"
	"github.com/clinsync/clinsync/internal/models"
)

// WatchClient streams remote ChangeRecords over a websocket. The payloads
// are the same JSON documents returned by the HTTP pull endpoint.
type WatchClient struct {
	url    string
	token  string
	logger *events.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	changes chan models.ChangeRecord
	done    chan struct{}

	pingInterval time.Duration
}

// NewWatchClient creates a change-feed client.
func NewWatchClient(baseURL, token string, logger *events.Logger) *WatchClient {
	wsURL := baseURL
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}
	wsURL += "/api/v1/sync/watch"

	return &WatchClient{
		url:          wsURL,
		token:        token,
		logger:       logger.WithField("component", "watch_client"),
		changes:      make(chan models.ChangeRecord, 100),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
	}
}

// Connect establishes the websocket connection and starts the read loop.
func (c *WatchClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}

	c.logger.WithField("url", c.url).Info("Connecting to change feed")

	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil {
			return models.TransientSyncError("watch", "", "",
				fmt.Errorf("websocket connect failed (HTTP %d): %w", resp.StatusCode, err))
		}
		return models.TransientSyncError("watch", "", "", fmt.Errorf("websocket connect failed: %w", err))
	}

	c.conn = conn
	go c.readLoop(ctx)
	go c.pingLoop()

	c.logger.Info("Change feed connected")
	return nil
}

// Changes returns the record channel. It closes when the feed ends.
func (c *WatchClient) Changes() <-chan models.ChangeRecord {
	return c.changes
}

func (c *WatchClient) readLoop(ctx context.Context) {
	defer close(c.changes)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		var record models.ChangeRecord
		if err := c.conn.ReadJSON(&record); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.WithError(err).Warn("Change feed read failed")
			}
			return
		}

		select {
		case c.changes <- record:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *WatchClient) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.WithError(err).Debug("Ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close shuts down the connection and stops the loops.
func (c *WatchClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return c.conn.Close()
	}
	return nil
}
