package mirror

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahonda/manzaistage/internal/bus"
	"github.com/ahonda/manzaistage/internal/logging"
	"github.com/ahonda/manzaistage/internal/script"
	"github.com/ahonda/manzaistage/internal/stage"
)

func startTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(t.TempDir(), nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, hub.Start(ctx, "127.0.0.1:0"))
	t.Cleanup(cancel)
	return hub, cancel
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+hub.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func progressAt(index int, state stage.SessionState) stage.Progress {
	return stage.Progress{
		State:     state,
		LineIndex: index,
		Role:      script.RoleTsukkomi,
		Mouth: map[script.Role]float64{
			script.RoleTsukkomi: 0.7,
			script.RoleBoke:     0,
		},
	}
}

func TestRelayDeliversProgress(t *testing.T) {
	hub, _ := startTestHub(t)
	conn := dialHub(t, hub)

	waitForSurfaces(t, hub, 1)
	hub.Relay(progressAt(2, stage.StateLinePlaying))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeProgress, msg.Type)
	assert.Equal(t, 2, msg.Progress.LineIndex)
	assert.InDelta(t, 0.7, msg.Progress.Mouth[script.RoleTsukkomi], 0.001)
}

func TestLateAttachGetsSnapshot(t *testing.T) {
	hub, _ := startTestHub(t)

	// Progress happens before any surface is attached.
	hub.Relay(progressAt(1, stage.StateLinePlaying))

	conn := dialHub(t, hub)
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeSnapshot, msg.Type)
	assert.Equal(t, 1, msg.Progress.LineIndex)
}

func TestDetachIsSilent(t *testing.T) {
	hub, _ := startTestHub(t)
	conn := dialHub(t, hub)
	waitForSurfaces(t, hub, 1)

	conn.Close()
	waitForSurfaces(t, hub, 0)

	// Relay after detach must not panic or block.
	done := make(chan struct{})
	go func() {
		hub.Relay(progressAt(0, stage.StateLinePlaying))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Relay blocked after surface detached")
	}
}

func TestRelayWithNoSurfacesIsNoop(t *testing.T) {
	hub := NewHub(t.TempDir(), nil, zerolog.Nop())
	hub.Relay(progressAt(0, stage.StateLinePlaying))
	assert.Zero(t, hub.SurfaceCount())
}

func TestAudioRoute(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip-0.wav"), []byte("RIFFdata"), 0o644))

	hub := NewHub(dir, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.Start(ctx, "127.0.0.1:0"))

	resp, err := http.Get("http://" + hub.Addr() + "/audio/clip-0.wav")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))

	// Traversal and non-wav requests are rejected.
	resp2, err := http.Get("http://" + hub.Addr() + "/audio/..%2Fsecret.wav")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	resp3, err := http.Get("http://" + hub.Addr() + "/audio/clip-0.mp3")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestBusEventsBecomeNotices(t *testing.T) {
	eventBus := bus.NewEventBus()
	hub := NewHub(t.TempDir(), eventBus, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.Start(ctx, "127.0.0.1:0"))

	conn := dialHub(t, hub)
	waitForSurfaces(t, hub, 1)

	eventBus.PublishSync(bus.Event{Type: bus.EventTypeContextLost})
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeNotice, msg.Type)
	assert.Equal(t, "renderer suspended", msg.Notice)

	eventBus.PublishSync(bus.Event{Type: bus.EventTypeContextRestored})
	msg = readMessage(t, conn)
	assert.Equal(t, "renderer restored", msg.Notice)

	eventBus.PublishSync(bus.Event{Type: bus.EventTypeLineSkipped, Data: map[string]any{"index": 3}})
	msg = readMessage(t, conn)
	assert.Equal(t, "line skipped", msg.Notice)
}

func TestLogStreamAndHistoryReplay(t *testing.T) {
	hub := NewHub(t.TempDir(), nil, zerolog.Nop())
	hub.SetHistorySource(func(limit int) []logging.LogEntry {
		return []logging.LogEntry{
			{Level: "info", Component: "stage", Message: "performance.started"},
			{Level: "warn", Component: "audio", Message: "device lost"},
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.Start(ctx, "127.0.0.1:0"))

	// A newcomer gets the recent history first.
	conn := dialHub(t, hub)
	first := readMessage(t, conn)
	require.Equal(t, MessageTypeLog, first.Type)
	require.NotNil(t, first.Log)
	assert.Equal(t, "performance.started", first.Log.Message)

	second := readMessage(t, conn)
	require.NotNil(t, second.Log)
	assert.Equal(t, "device lost", second.Log.Message)

	waitForSurfaces(t, hub, 1)
	hub.RelayLog(logging.LogEntry{Level: "info", Component: "mirror", Message: "live entry"})
	third := readMessage(t, conn)
	assert.Equal(t, MessageTypeLog, third.Type)
	require.NotNil(t, third.Log)
	assert.Equal(t, "live entry", third.Log.Message)
}

func TestSurfaceClientReceivesNoticesAndLogs(t *testing.T) {
	eventBus := bus.NewEventBus()
	hub := NewHub(t.TempDir(), eventBus, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.Start(ctx, "127.0.0.1:0"))

	client := NewSurfaceClient(hub.Addr(), zerolog.Nop())
	notices := make(chan string, 4)
	entries := make(chan logging.LogEntry, 4)
	client.SetNoticeCallback(func(n string) { notices <- n })
	client.SetLogCallback(func(e logging.LogEntry) { entries <- e })

	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect()
	waitForSurfaces(t, hub, 1)

	eventBus.PublishSync(bus.Event{Type: bus.EventTypeLineSkipped})
	select {
	case n := <-notices:
		assert.Equal(t, "line skipped", n)
	case <-time.After(2 * time.Second):
		t.Fatal("Surface client never received the notice")
	}

	hub.RelayLog(logging.LogEntry{Level: "warn", Component: "audio", Message: "synthesis slow"})
	select {
	case e := <-entries:
		assert.Equal(t, "synthesis slow", e.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("Surface client never received the log entry")
	}
}

func TestSurfaceClientReceivesDeltas(t *testing.T) {
	hub, _ := startTestHub(t)

	client := NewSurfaceClient(hub.Addr(), zerolog.Nop())
	received := make(chan stage.Progress, 8)
	client.SetProgressCallback(func(p stage.Progress) { received <- p })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	waitForSurfaces(t, hub, 1)

	hub.Relay(progressAt(3, stage.StateLinePlaying))

	select {
	case p := <-received:
		assert.Equal(t, 3, p.LineIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("Surface client never received the delta")
	}

	client.Disconnect()
	waitForSurfaces(t, hub, 0)
}

func waitForSurfaces(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SurfaceCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d surfaces, have %d", want, hub.SurfaceCount())
}
