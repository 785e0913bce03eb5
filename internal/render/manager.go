package render

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ahonda/manzaistage/internal/bus"
	"github.com/ahonda/manzaistage/internal/script"
)

// Manager owns one renderer handle per performer and the device-context
// state machine around them. All handle mutation goes through the manager;
// while the context is lost, SetParameter/Tick/Draw become no-ops and a
// restore re-loads every previously loaded role from its cached model path.
type Manager struct {
	mu sync.RWMutex

	backend  Backend
	eventBus *bus.EventBus
	logger   zerolog.Logger

	handles   map[script.Role]Handle
	modelRefs map[script.Role]string
	state     State
	idleOn    bool

	// loadData is swappable so manager logic is testable without model
	// files on disk.
	loadData func(path string) (*ModelData, error)

	watcher *fsnotify.Watcher
}

// NewManager creates a manager on the given backend.
func NewManager(backend Backend, eventBus *bus.EventBus, idleMotion bool, logger zerolog.Logger) *Manager {
	return &Manager{
		backend:   backend,
		eventBus:  eventBus,
		logger:    logger.With().Str("component", "render").Logger(),
		handles:   make(map[script.Role]Handle),
		modelRefs: make(map[script.Role]string),
		state:     StateReady,
		idleOn:    idleMotion,
		loadData:  LoadModelData,
	}
}

// State returns the current device-context state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LoadModel loads the character model for a role, replacing and releasing
// any prior handle. The model path is cached so context restore and file
// watching can re-run the load.
func (m *Manager) LoadModel(role script.Role, path string) error {
	if !m.backend.Available() {
		return fmt.Errorf("%w: role=%s", ErrDeviceUnavailable, role)
	}

	data, err := m.loadData(path)
	if err != nil {
		return err
	}

	mesh, err := m.backend.Upload(data)
	if err != nil {
		return fmt.Errorf("%w: upload %s: %v", ErrModelLoad, path, err)
	}

	mesh.SetTransform(PlacementFor(role))

	var idle *IdleAnimator
	if m.idleOn {
		idle = NewIdleAnimator()
	}
	handle := NewHandle(role, data, mesh, idle)

	m.mu.Lock()
	if prior, ok := m.handles[role]; ok {
		prior.Release()
	}
	m.handles[role] = handle
	m.modelRefs[role] = path
	m.mu.Unlock()

	m.logger.Info().Str("role", role.String()).Str("model", path).
		Int("morphTargets", len(data.MorphTargets)).Msg("Model loaded")

	if m.eventBus != nil {
		m.eventBus.Publish(bus.Event{
			Type: bus.EventTypeModelLoaded,
			Data: map[string]any{"role": role.String(), "model": path},
		})
	}
	return nil
}

// SetParameter updates a named parameter on a role's handle. No-op if the
// role has no loaded handle or the context is lost.
func (m *Manager) SetParameter(role script.Role, name string, value float64) {
	m.mu.RLock()
	handle, ok := m.handles[role]
	lost := m.state == StateContextLost
	m.mu.RUnlock()

	if !ok || lost {
		return
	}
	handle.SetParameter(name, value)
}

// Parameter returns the current smoothed value for a role, 0 if unloaded.
func (m *Manager) Parameter(role script.Role, name string) float64 {
	m.mu.RLock()
	handle, ok := m.handles[role]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return handle.Parameter(name)
}

// Tick advances animation state for all loaded handles. Must be called once
// per frame, before Draw.
func (m *Manager) Tick(dt float64) {
	m.mu.RLock()
	if m.state == StateContextLost {
		m.mu.RUnlock()
		return
	}
	handles := m.snapshotLocked()
	m.mu.RUnlock()

	for _, h := range handles {
		h.Tick(dt)
	}
}

// Draw renders all loaded handles. Skipped while the context is lost.
func (m *Manager) Draw() {
	m.mu.RLock()
	if m.state == StateContextLost {
		m.mu.RUnlock()
		return
	}
	handles := m.snapshotLocked()
	m.mu.RUnlock()

	for _, h := range handles {
		h.Draw()
	}
}

// Release frees the handle for a role. Safe to call repeatedly.
func (m *Manager) Release(role script.Role) {
	m.mu.Lock()
	handle, ok := m.handles[role]
	delete(m.handles, role)
	delete(m.modelRefs, role)
	m.mu.Unlock()

	if !ok {
		return
	}
	handle.Release()

	if m.eventBus != nil {
		m.eventBus.Publish(bus.Event{
			Type: bus.EventTypeModelReleased,
			Data: map[string]any{"role": role.String()},
		})
	}
}

// ReleaseAll frees every handle. Errors during release are logged and
// swallowed so teardown never blocks a new session.
func (m *Manager) ReleaseAll() {
	for role := script.Role(0); role < script.RoleCount; role++ {
		m.Release(role)
	}
}

// NotifyContextLost transitions to ContextLost. Handles stay registered so
// the restore path knows what to rebuild, but all mutation is suspended.
func (m *Manager) NotifyContextLost() {
	m.mu.Lock()
	if m.state == StateContextLost {
		m.mu.Unlock()
		return
	}
	m.state = StateContextLost
	m.mu.Unlock()

	m.logger.Warn().Msg("Device context lost, drawing suspended")
	if m.eventBus != nil {
		m.eventBus.Publish(bus.Event{Type: bus.EventTypeContextLost})
	}
}

// NotifyContextRestored re-runs LoadModel for every previously loaded role
// from its cached path. A role that fails to reload is degraded to
// audio-only and the show goes on.
func (m *Manager) NotifyContextRestored() {
	m.mu.Lock()
	if m.state != StateContextLost {
		m.mu.Unlock()
		return
	}
	m.state = StateReady
	refs := make(map[script.Role]string, len(m.modelRefs))
	for role, path := range m.modelRefs {
		refs[role] = path
	}
	m.mu.Unlock()

	for role, path := range refs {
		if err := m.LoadModel(role, path); err != nil {
			m.logger.Error().Err(err).Str("role", role.String()).
				Msg("Reload after context restore failed, role degraded to audio-only")
			m.Release(role)
		}
	}

	m.logger.Info().Msg("Device context restored")
	if m.eventBus != nil {
		m.eventBus.Publish(bus.Event{Type: bus.EventTypeContextRestored})
	}
}

// WatchModels reloads a role's model when its file changes on disk. Runs
// until ctx is cancelled.
func (m *Manager) WatchModels(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	m.mu.RLock()
	dirs := make(map[string]bool)
	for _, path := range m.modelRefs {
		dirs[filepath.Dir(path)] = true
	}
	m.mu.RUnlock()

	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}
	m.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				m.reloadIfModel(event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn().Err(err).Msg("Model watcher error")
			}
		}
	}()
	return nil
}

func (m *Manager) reloadIfModel(changed string) {
	m.mu.RLock()
	var role script.Role
	var path string
	found := false
	for r, p := range m.modelRefs {
		if filepath.Clean(p) == filepath.Clean(changed) {
			role, path, found = r, p, true
			break
		}
	}
	m.mu.RUnlock()

	if !found {
		return
	}
	m.logger.Info().Str("role", role.String()).Str("model", path).Msg("Model changed on disk, reloading")
	if err := m.LoadModel(role, path); err != nil {
		m.logger.Error().Err(err).Str("role", role.String()).Msg("Hot reload failed, keeping prior model")
	}
}

// snapshotLocked copies the handle list; callers hold at least RLock.
func (m *Manager) snapshotLocked() []Handle {
	handles := make([]Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	return handles
}
