package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/rs/zerolog"

	"github.com/ahonda/manzaistage/internal/audio"
	"github.com/ahonda/manzaistage/internal/bus"
	"github.com/ahonda/manzaistage/internal/config"
	"github.com/ahonda/manzaistage/internal/logging"
	"github.com/ahonda/manzaistage/internal/mirror"
	"github.com/ahonda/manzaistage/internal/render"
	"github.com/ahonda/manzaistage/internal/script"
	"github.com/ahonda/manzaistage/internal/stage"
	"github.com/ahonda/manzaistage/internal/voicevox"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	topic := flag.String("topic", "", "Topic to generate a manzai routine about")
	scriptPath := flag.String("script", "", "Play a pre-written script file instead of generating one")
	mirrorAddr := flag.String("mirror", "", "Attach to a running stage's mirror hub (host:port) instead of performing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger, err := logging.New(nil)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Close()
	logger := appLogger.Zerolog()
	mainLog := appLogger.Component("main")

	if *mirrorAddr != "" {
		runMirror(cfg, appLogger, *mirrorAddr)
		return
	}

	eventBus := bus.NewEventBus()

	if err := glfw.Init(); err != nil {
		mainLog.Fatal().Err(err).Msg("Failed to initialize GLFW")
	}
	defer glfw.Terminate()

	window, err := createWindow(cfg.Window)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("Failed to create window")
	}
	window.MakeContextCurrent()
	if cfg.Window.VSync {
		glfw.SwapInterval(1)
	}

	backend, err := render.NewGLBackend(cfg.Window.Width, cfg.Window.Height)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("Failed to initialize renderer")
	}

	manager := render.NewManager(backend, eventBus, cfg.Stage.IdleMotion, logger)
	defer manager.ReleaseAll()

	// A missing model degrades that performer to audio-only rather than
	// refusing to start.
	if err := manager.LoadModel(script.RoleTsukkomi, cfg.Stage.TsukkomiModel); err != nil {
		mainLog.Warn().Err(err).Str("path", cfg.Stage.TsukkomiModel).Msg("Tsukkomi model unavailable")
	}
	if err := manager.LoadModel(script.RoleBoke, cfg.Stage.BokeModel); err != nil {
		mainLog.Warn().Err(err).Str("path", cfg.Stage.BokeModel).Msg("Boke model unavailable")
	}

	hookContextLoss(window, backend, manager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Stage.WatchModels {
		if err := manager.WatchModels(ctx); err != nil {
			mainLog.Warn().Err(err).Msg("Model hot-reload disabled")
		}
	}

	player := audio.NewDevicePlayer(eventBus, logger)
	sequencer := stage.NewSequencer(player, manager, eventBus,
		cfg.Playback.LineGap, cfg.Playback.FrameRate, logger)

	var relay stage.Relay
	var hub *mirror.Hub
	if cfg.Mirror.Enabled {
		hub = mirror.NewHub(cfg.Voice.CacheDir, eventBus, logger)
		hub.SetHistorySource(appLogger.GetHistory)
		if err := hub.Start(ctx, cfg.Mirror.ListenAddr); err != nil {
			mainLog.Warn().Err(err).Msg("Mirror hub disabled")
			hub = nil
		} else {
			relay = hub
			appLogger.SetOnLog(hub.RelayLog)
			defer hub.Shutdown()
		}
	}

	// Lifecycle events land in the log history so late-attaching mirror
	// surfaces can catch up on what happened before they connected.
	eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypePerformanceStarted,
		bus.EventTypePerformanceFinished,
		bus.EventTypePerformanceStopped,
		bus.EventTypeLineSkipped,
		bus.EventTypeAudioFailed,
		bus.EventTypeContextLost,
		bus.EventTypeContextRestored,
	}, func(e bus.Event) {
		appLogger.AddEntry("info", "stage", string(e.Type), "")
	})

	controller := stage.NewController(sequencer, manager, relay, logger)

	// Script generation and synthesis run off the render thread; the show
	// starts as soon as all clips are ready.
	go func() {
		clips, err := prepareClips(ctx, cfg, *topic, *scriptPath, logger)
		if err != nil {
			mainLog.Error().Err(err).Msg("Could not prepare the performance")
			return
		}
		if err := controller.Load(clips); err != nil {
			mainLog.Error().Err(err).Msg("Could not load the performance")
			return
		}
		controller.Play()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	mainLog.Info().Str("title", cfg.Window.Title).Msg("Stage ready")

	frameStart := time.Now()
	for !window.ShouldClose() {
		select {
		case <-sigChan:
			mainLog.Info().Msg("Shutdown signal received")
			controller.Stop()
			return
		default:
		}

		now := time.Now()
		dt := now.Sub(frameStart).Seconds()
		frameStart = now
		if dt > 0.1 {
			dt = 0.1
		}

		manager.Tick(dt)

		if cfg.Window.Transparent {
			backend.BeginFrame(0, 0, 0, 0)
		} else {
			backend.BeginFrame(0.12, 0.12, 0.16, 1)
		}
		manager.Draw()

		window.SwapBuffers()
		glfw.PollEvents()
	}

	controller.Stop()
	mainLog.Info().Msg("Stage closed")
}

// hookContextLoss suspends rendering while the window is iconified. GPU
// state is dropped on minimize and re-uploaded from cached model data on
// restore; both transitions run on the render thread via PollEvents, so
// the GL context is current.
func hookContextLoss(window *glfw.Window, backend *render.GLBackend, manager *render.Manager) {
	window.SetIconifyCallback(func(_ *glfw.Window, iconified bool) {
		if iconified {
			backend.Invalidate()
			manager.NotifyContextLost()
		} else {
			backend.Revalidate()
			manager.NotifyContextRestored()
		}
	})
}

// runMirror runs a secondary stage window: it attaches to a live
// performance's mirror hub and animates its own pair of characters from
// the relayed progress.
func runMirror(cfg *config.Config, appLogger *logging.Logger, hubAddr string) {
	logger := appLogger.Zerolog()
	mirrorLog := appLogger.Component("mirror-surface")

	if err := glfw.Init(); err != nil {
		mirrorLog.Fatal().Err(err).Msg("Failed to initialize GLFW")
	}
	defer glfw.Terminate()

	window, err := createWindow(cfg.Window)
	if err != nil {
		mirrorLog.Fatal().Err(err).Msg("Failed to create window")
	}
	window.MakeContextCurrent()
	if cfg.Window.VSync {
		glfw.SwapInterval(1)
	}

	backend, err := render.NewGLBackend(cfg.Window.Width, cfg.Window.Height)
	if err != nil {
		mirrorLog.Fatal().Err(err).Msg("Failed to initialize renderer")
	}

	manager := render.NewManager(backend, bus.NewEventBus(), cfg.Stage.IdleMotion, logger)
	defer manager.ReleaseAll()

	if err := manager.LoadModel(script.RoleTsukkomi, cfg.Stage.TsukkomiModel); err != nil {
		mirrorLog.Warn().Err(err).Str("path", cfg.Stage.TsukkomiModel).Msg("Tsukkomi model unavailable")
	}
	if err := manager.LoadModel(script.RoleBoke, cfg.Stage.BokeModel); err != nil {
		mirrorLog.Warn().Err(err).Str("path", cfg.Stage.BokeModel).Msg("Boke model unavailable")
	}

	hookContextLoss(window, backend, manager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := mirror.NewSurfaceClient(hubAddr, logger)
	apply := func(p stage.Progress) {
		for role, openness := range p.Mouth {
			manager.SetParameter(role, render.ParamMouthOpen, openness)
		}
	}
	client.SetSnapshotCallback(apply)
	client.SetProgressCallback(apply)
	client.SetNoticeCallback(func(notice string) {
		mirrorLog.Info().Str("notice", notice).Msg("Stage notice")
	})
	client.SetLogCallback(func(entry logging.LogEntry) {
		mirrorLog.Debug().
			Str("level", entry.Level).
			Str("origin", entry.Component).
			Msg(entry.Message)
	})
	if err := client.Connect(ctx); err != nil {
		mirrorLog.Fatal().Err(err).Msg("Failed to attach to mirror hub")
	}
	defer client.Disconnect()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	mirrorLog.Info().Str("hub", hubAddr).Msg("Mirror surface ready")

	frameStart := time.Now()
	for !window.ShouldClose() {
		select {
		case <-sigChan:
			mirrorLog.Info().Msg("Shutdown signal received")
			return
		default:
		}

		now := time.Now()
		dt := now.Sub(frameStart).Seconds()
		frameStart = now
		if dt > 0.1 {
			dt = 0.1
		}

		manager.Tick(dt)

		if cfg.Window.Transparent {
			backend.BeginFrame(0, 0, 0, 0)
		} else {
			backend.BeginFrame(0.12, 0.12, 0.16, 1)
		}
		manager.Draw()

		window.SwapBuffers()
		glfw.PollEvents()
	}

	mirrorLog.Info().Msg("Mirror surface closed")
}

func createWindow(cfg config.WindowConfig) (*glfw.Window, error) {
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	if cfg.Transparent {
		glfw.WindowHint(glfw.TransparentFramebuffer, glfw.True)
	}

	return glfw.CreateWindow(cfg.Width, cfg.Height, cfg.Title, nil, nil)
}

// prepareClips turns a topic (or a pre-written script file) into a fully
// synthesized clip list.
func prepareClips(ctx context.Context, cfg *config.Config, topic, scriptPath string,
	logger zerolog.Logger) ([]stage.Clip, error) {
	dialogue, err := loadDialogue(ctx, cfg, topic, scriptPath, logger)
	if err != nil {
		return nil, err
	}

	voice := voicevox.NewClient(cfg.Voice.EngineURL, cfg.Voice.SpeedScale, cfg.Voice.Timeout, logger)
	if err := voice.Health(ctx); err != nil {
		return nil, fmt.Errorf("speech engine: %w", err)
	}

	if err := os.MkdirAll(cfg.Voice.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("audio cache: %w", err)
	}

	clips := make([]stage.Clip, 0, len(dialogue.Lines))
	for i, line := range dialogue.Lines {
		speaker := cfg.Voice.TsukkomiSpeaker
		if line.Role == script.RoleBoke {
			speaker = cfg.Voice.BokeSpeaker
		}

		result, err := voice.Synthesize(ctx, line.Text, speaker)
		if err != nil {
			// The sequencer skips unplayable clips; an unsynthesizable
			// line is dropped here for the same reason.
			logger.Warn().Err(err).Int("line", i).Msg("Synthesis failed, dropping line")
			continue
		}

		path := filepath.Join(cfg.Voice.CacheDir, fmt.Sprintf("clip-%03d.wav", i))
		if err := os.WriteFile(path, result.Audio, 0644); err != nil {
			return nil, fmt.Errorf("write clip %d: %w", i, err)
		}

		clips = append(clips, stage.Clip{Line: line, AudioPath: path, Timing: result.Timing})
	}

	return clips, nil
}

// loadDialogue reads a script file when given one, otherwise asks the
// generator for a routine about the topic.
func loadDialogue(ctx context.Context, cfg *config.Config, topic, scriptPath string,
	logger zerolog.Logger) (*script.Dialogue, error) {
	if scriptPath != "" {
		raw, err := os.ReadFile(scriptPath)
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		dialogue, err := script.ParseDialogue(string(raw))
		if err != nil {
			return nil, err
		}
		dialogue.Topic = topic
		return dialogue, nil
	}

	if topic == "" {
		return nil, fmt.Errorf("either -topic or -script is required")
	}

	apiKey := os.Getenv(cfg.Script.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s is not set", cfg.Script.APIKeyEnv)
	}

	generator := script.NewChatGenerator(cfg.Script.BaseURL, apiKey, cfg.Script.Model, logger)
	return generator.Generate(ctx, topic)
}
