// Package mirror relays performance progress to secondary stage surfaces
// over WebSocket. Mirroring is strictly best-effort: a slow or vanished
// surface is dropped silently and never slows the live performance down.
package mirror

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ahonda/manzaistage/internal/bus"
	"github.com/ahonda/manzaistage/internal/logging"
	"github.com/ahonda/manzaistage/internal/stage"
)

// ErrMirrorDisconnected is returned when an operation needs an attached
// surface and none is present.
var ErrMirrorDisconnected = errors.New("no mirror surface attached")

const (
	// MessageTypeSnapshot carries the full current state, sent once on attach.
	MessageTypeSnapshot = "snapshot"
	// MessageTypeProgress carries one incremental progress delta.
	MessageTypeProgress = "progress"
	// MessageTypeNotice carries a stage-side lifecycle note (renderer
	// suspended, line skipped) a surface may want to surface or act on.
	MessageTypeNotice = "notice"
	// MessageTypeLog streams one log entry to attached surfaces.
	MessageTypeLog = "log"

	writeTimeout  = 2 * time.Second
	sendQueueSize = 64
	historyReplay = 50
)

// Message is the wire envelope for all hub-to-surface traffic.
type Message struct {
	Type     string            `json:"type"`
	Progress *stage.Progress   `json:"progress,omitempty"`
	Notice   string            `json:"notice,omitempty"`
	Log      *logging.LogEntry `json:"log,omitempty"`
}

// surface is one attached mirror window. Each surface gets its own send
// queue and writer goroutine so one stalled peer cannot block the rest.
type surface struct {
	conn *websocket.Conn
	send chan Message
	once sync.Once
}

func (s *surface) close() {
	s.once.Do(func() {
		close(s.send)
		s.conn.Close()
	})
}

// Hub accepts mirror surfaces, replays the current state to newcomers,
// and fans progress deltas out to everyone attached. It implements
// stage.Relay.
type Hub struct {
	mu       sync.RWMutex
	surfaces map[*surface]struct{}
	last     stage.Progress
	hasLast  bool

	upgrader websocket.Upgrader
	server   *http.Server
	addr     string
	audioDir string
	eventBus *bus.EventBus
	history  func(limit int) []logging.LogEntry
	logger   zerolog.Logger
}

// NewHub creates a hub that serves audio files from audioDir. When eventBus
// is non-nil the hub subscribes to stage lifecycle events and forwards them
// to surfaces as notices.
func NewHub(audioDir string, eventBus *bus.EventBus, logger zerolog.Logger) *Hub {
	h := newHub(audioDir, eventBus, logger)
	if eventBus != nil {
		eventBus.SubscribeMultiple([]bus.EventType{
			bus.EventTypeContextLost,
			bus.EventTypeContextRestored,
			bus.EventTypeLineSkipped,
		}, h.handleBusEvent)
	}
	return h
}

func newHub(audioDir string, eventBus *bus.EventBus, logger zerolog.Logger) *Hub {
	return &Hub{
		surfaces: make(map[*surface]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Surfaces are local windows of the same app.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		audioDir: audioDir,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "mirror").Logger(),
	}
}

// Start listens on addr and serves until ctx is cancelled. The listener is
// bound synchronously so callers can rely on the port being open when
// Start returns.
func (h *Hub) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/audio/", h.handleAudio)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	h.server = &http.Server{Handler: mux}
	h.addr = listener.Addr().String()

	go func() {
		<-ctx.Done()
		h.Shutdown()
	}()

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error().Err(err).Msg("Mirror server stopped")
		}
	}()

	h.logger.Info().Str("addr", listener.Addr().String()).Msg("Mirror hub listening")
	return nil
}

// Shutdown closes the server and detaches all surfaces.
func (h *Hub) Shutdown() {
	if h.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.server.Shutdown(shutdownCtx)
	}

	h.mu.Lock()
	for s := range h.surfaces {
		s.close()
	}
	h.surfaces = make(map[*surface]struct{})
	h.mu.Unlock()
}

// Addr reports the bound listen address, valid after Start.
func (h *Hub) Addr() string {
	return h.addr
}

// SurfaceCount reports how many mirror surfaces are attached.
func (h *Hub) SurfaceCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.surfaces)
}

// Relay fans one progress delta out to every attached surface. A surface
// whose queue is full is dropped on the spot; the caller never sees an
// error.
func (h *Hub) Relay(p stage.Progress) {
	h.mu.Lock()
	h.last = p
	h.hasLast = true
	h.mu.Unlock()

	h.broadcast(Message{Type: MessageTypeProgress, Progress: &p})
}

// RelayLog streams one log entry to every attached surface. Suitable as a
// logging.Logger OnLog sink.
func (h *Hub) RelayLog(entry logging.LogEntry) {
	h.broadcast(Message{Type: MessageTypeLog, Log: &entry})
}

// SetHistorySource installs the function newly attached surfaces get their
// recent log history from. Must be set before Start.
func (h *Hub) SetHistorySource(fn func(limit int) []logging.LogEntry) {
	h.history = fn
}

// handleBusEvent turns stage lifecycle events into notices for surfaces.
func (h *Hub) handleBusEvent(event bus.Event) {
	var notice string
	switch event.Type {
	case bus.EventTypeContextLost:
		notice = "renderer suspended"
	case bus.EventTypeContextRestored:
		notice = "renderer restored"
	case bus.EventTypeLineSkipped:
		notice = "line skipped"
	default:
		return
	}
	h.broadcast(Message{Type: MessageTypeNotice, Notice: notice})
}

// broadcast queues msg on every attached surface, dropping any surface
// whose queue is full.
func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	stalled := make([]*surface, 0)
	for s := range h.surfaces {
		select {
		case s.send <- msg:
		default:
			stalled = append(stalled, s)
		}
	}
	for _, s := range stalled {
		delete(h.surfaces, s)
	}
	h.mu.Unlock()

	for _, s := range stalled {
		s.close()
		h.logger.Warn().Msg("Mirror surface stalled, dropped")
		h.publishDetached()
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Mirror upgrade failed")
		return
	}

	s := &surface{conn: conn, send: make(chan Message, sendQueueSize)}

	h.mu.Lock()
	h.surfaces[s] = struct{}{}
	// A newcomer mid-performance starts from the current state, not from
	// the beginning.
	if h.hasLast {
		last := h.last
		s.send <- Message{Type: MessageTypeSnapshot, Progress: &last}
	}
	h.mu.Unlock()

	if h.history != nil {
		for _, entry := range h.history(historyReplay) {
			select {
			case s.send <- Message{Type: MessageTypeLog, Log: &entry}:
			default:
			}
		}
	}

	h.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Mirror surface attached")
	if h.eventBus != nil {
		h.eventBus.Publish(bus.Event{Type: bus.EventTypeMirrorAttached})
	}

	go h.writeLoop(s)
	go h.readLoop(s)
}

// writeLoop drains the surface's send queue onto the socket.
func (h *Hub) writeLoop(s *surface) {
	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteJSON(msg); err != nil {
			h.detach(s)
			return
		}
	}
}

// readLoop exists only to notice the peer going away.
func (h *Hub) readLoop(s *surface) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			h.detach(s)
			return
		}
	}
}

// detach removes a surface. Safe to call from both loops; only the first
// call does anything.
func (h *Hub) detach(s *surface) {
	h.mu.Lock()
	_, present := h.surfaces[s]
	delete(h.surfaces, s)
	h.mu.Unlock()

	s.close()
	if present {
		h.logger.Info().Msg("Mirror surface detached")
		h.publishDetached()
	}
}

func (h *Hub) publishDetached() {
	if h.eventBus != nil {
		h.eventBus.Publish(bus.Event{Type: bus.EventTypeMirrorDetached})
	}
}

// handleAudio serves synthesized clips so surfaces can play the same audio
// the main window does. Only flat WAV names under the cache dir are served.
func (h *Hub) handleAudio(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/audio/")
	if name == "" || name != filepath.Base(name) || !strings.HasSuffix(name, ".wav") {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(h.audioDir, name)
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, path)
}
