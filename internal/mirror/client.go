package mirror

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ahonda/manzaistage/internal/logging"
	"github.com/ahonda/manzaistage/internal/stage"
)

// SurfaceClient is the receiving side of the mirror link. A secondary
// stage window runs one of these, feeds the delivered progress into its
// own renderer, and fetches clip audio from the hub's /audio route.
type SurfaceClient struct {
	hubURL string
	logger zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc

	onProgress func(p stage.Progress)
	onSnapshot func(p stage.Progress)
	onNotice   func(notice string)
	onLog      func(entry logging.LogEntry)
}

// NewSurfaceClient creates a client for the hub at hubURL (host:port).
func NewSurfaceClient(hubURL string, logger zerolog.Logger) *SurfaceClient {
	return &SurfaceClient{
		hubURL: hubURL,
		logger: logger.With().Str("component", "mirror-surface").Logger(),
	}
}

// SetProgressCallback sets the handler for incremental deltas.
func (c *SurfaceClient) SetProgressCallback(cb func(p stage.Progress)) {
	c.onProgress = cb
}

// SetSnapshotCallback sets the handler for the initial full state.
func (c *SurfaceClient) SetSnapshotCallback(cb func(p stage.Progress)) {
	c.onSnapshot = cb
}

// SetNoticeCallback sets the handler for stage lifecycle notices.
func (c *SurfaceClient) SetNoticeCallback(cb func(notice string)) {
	c.onNotice = cb
}

// SetLogCallback sets the handler for streamed log entries.
func (c *SurfaceClient) SetLogCallback(cb func(entry logging.LogEntry)) {
	c.onLog = cb
}

// Connect dials the hub and keeps reconnecting until ctx is cancelled.
func (c *SurfaceClient) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.connectLoop(ctx)
	return nil
}

// Disconnect closes the link.
func (c *SurfaceClient) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()
}

// IsConnected reports link status.
func (c *SurfaceClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// AudioURL returns where this surface can fetch a clip's audio.
func (c *SurfaceClient) AudioURL(name string) string {
	return fmt.Sprintf("http://%s/audio/%s", c.hubURL, url.PathEscape(name))
}

func (c *SurfaceClient) connectLoop(ctx context.Context) {
	backoff := 500 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Mirror hub unreachable")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 8*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 500 * time.Millisecond

		c.readMessages(ctx, conn)
	}
}

func (c *SurfaceClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: c.hubURL, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info().Str("hub", c.hubURL).Msg("Attached to mirror hub")
	return conn, nil
}

func (c *SurfaceClient) readMessages(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.connected = false
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Mirror link lost")
			}
			return
		}

		switch msg.Type {
		case MessageTypeSnapshot:
			if c.onSnapshot != nil && msg.Progress != nil {
				c.onSnapshot(*msg.Progress)
			}
		case MessageTypeProgress:
			if c.onProgress != nil && msg.Progress != nil {
				c.onProgress(*msg.Progress)
			}
		case MessageTypeNotice:
			if c.onNotice != nil {
				c.onNotice(msg.Notice)
			}
		case MessageTypeLog:
			if c.onLog != nil && msg.Log != nil {
				c.onLog(*msg.Log)
			}
		}
	}
}
