package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/castnode/internal/config"
	"github.com/smazurov/castnode/internal/events"
	"github.com/smazurov/castnode/internal/logging"
)

// Builder turns a configuration snapshot into a session's settings and components.
type Builder func(id string, cfg config.SessionConfig, now time.Time) (Settings, Components, error)

// Manager keeps at most one active session and the configuration the next
// one is built from.
type Manager struct {
	build  Builder
	bus    *events.Bus
	logger logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	cfg     config.SessionConfig
	current *Session
}

// NewManager creates a manager. A nil build uses Build.
func NewManager(cfg config.SessionConfig, build Builder, bus *events.Bus, logger logging.Logger) *Manager {
	if build == nil {
		build = Build
	}
	if logger == nil {
		logger = logging.GetLogger("pipeline")
	}
	return &Manager{build: build, bus: bus, logger: logger, now: time.Now, cfg: cfg}
}

// Config returns the configuration snapshot used for the next session.
func (m *Manager) Config() config.SessionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Current returns the latest session, which may already be stopped.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Active returns the session that is not stopped yet, or an invalid state error.
func (m *Manager) Active() (*Session, error) {
	s := m.Current()
	if s == nil {
		return nil, NewError(ErrCodeInvalidState, "no session", nil)
	}
	select {
	case <-s.Done():
		return nil, NewError(ErrCodeInvalidState, "no active session", nil)
	default:
		return s, nil
	}
}

// Start builds, configures and runs a new session from the current
// configuration. Only one session may be active at a time.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		select {
		case <-m.current.Done():
		default:
			return nil, NewError(ErrCodeInvalidState, "a session is already active", nil)
		}
	}

	now := m.now()
	id := now.Format("20060102-150405")
	settings, comps, err := m.build(id, m.cfg, now)
	if err != nil {
		return nil, err
	}

	s := NewSession(settings, comps, m.bus, m.logger)
	if err := s.Configure(); err != nil {
		return nil, err
	}
	if err := s.Run(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	m.current = s
	m.logger.Info("Session started", "session", id)
	return s, nil
}

// Stop stops the active session.
func (m *Manager) Stop(reason string) error {
	s, err := m.Active()
	if err != nil {
		return err
	}
	return s.Stop(reason, nil)
}

// Shutdown stops any active session; used on process exit.
func (m *Manager) Shutdown() {
	if s, err := m.Active(); err == nil {
		if err := s.Stop(ReasonShutdown, nil); err != nil {
			m.logger.Warn("Session stop on shutdown failed", "error", err)
		}
	}
}

// SetFlags toggles recording and streaming on the active session and in
// the configuration for the next one. Nil leaves a flag unchanged.
func (m *Manager) SetFlags(recording, streaming *bool, source string) error {
	m.mu.Lock()
	if recording != nil {
		m.cfg.Recording.Enabled = *recording
	}
	if streaming != nil {
		m.cfg.Streaming.Enabled = *streaming
	}
	rec, str := m.cfg.Recording.Enabled, m.cfg.Streaming.Enabled
	m.mu.Unlock()

	if s, err := m.Active(); err == nil {
		if recording != nil {
			if err := s.SetRecording(*recording); err != nil {
				return err
			}
		}
		if streaming != nil {
			if err := s.SetStreaming(*streaming); err != nil {
				return err
			}
		}
		rec, str = s.Flags()
	}

	if m.bus != nil {
		m.bus.Publish(events.FlagsChangedEvent{
			Recording: rec,
			Streaming: str,
			Source:    source,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
	return nil
}

// ApplyConfig replaces the configuration. A running session only picks up
// the enablement flags and track mixes; everything else waits for the next session.
func (m *Manager) ApplyConfig(cfg config.SessionConfig) {
	m.mu.Lock()
	prev := m.cfg
	m.cfg = cfg
	m.mu.Unlock()

	s, err := m.Active()
	if err != nil {
		return
	}

	var rec, str *bool
	if cfg.Recording.Enabled != prev.Recording.Enabled {
		rec = &cfg.Recording.Enabled
	}
	if cfg.Streaming.Enabled != prev.Streaming.Enabled {
		str = &cfg.Streaming.Enabled
	}
	if rec != nil || str != nil {
		if err := m.SetFlags(rec, str, "config"); err != nil {
			m.logger.Warn("Config flags not applied", "error", err)
		}
	}

	if s.TrackMixes() == nil {
		return
	}
	if err := s.SetTrackMix(TrackPrimary, TrackMixFromConfig(cfg.Mix.Primary)); err != nil {
		m.logger.Warn("Config mix not applied", "track", TrackPrimary, "error", err)
	}
	if err := s.SetTrackMix(TrackSystemAudio, TrackMixFromConfig(cfg.Mix.SystemAudio)); err != nil {
		m.logger.Warn("Config mix not applied", "track", TrackSystemAudio, "error", err)
	}
}
