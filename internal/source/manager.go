package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/chronos-sync/chronos/internal/config"
	"github.com/chronos-sync/chronos/internal/log"
	"github.com/chronos-sync/chronos/internal/model"
	"github.com/chronos-sync/chronos/internal/source/caldav"
	"github.com/chronos-sync/chronos/internal/source/google"
)

// Factory builds an adapter for the backend named in cfg.Backend.
type Factory func(ctx context.Context, cfg *config.Config) (SourceAdapter, error)

// DefaultFactory constructs the concrete adapter for the configured backend.
func DefaultFactory(ctx context.Context, cfg *config.Config) (SourceAdapter, error) {
	switch cfg.Backend {
	case "caldav":
		return caldav.New(&cfg.CalDAV, cfg.Markers)
	case "google":
		return google.New(ctx, &cfg.Google)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Manager holds exactly one active adapter at a time, selected from the
// backend discriminator in configuration. Calendar listings and capabilities
// are cached after first use and invalidated only on SwitchBackend.
type Manager struct {
	factory Factory

	mu      sync.Mutex
	cfg     *config.Config
	adapter SourceAdapter
	caps    *model.AdapterCapabilities
	cals    []model.CalendarRef
}

// NewManager builds the manager and its initial adapter. A nil factory uses
// DefaultFactory.
func NewManager(ctx context.Context, cfg *config.Config, factory Factory) (*Manager, error) {
	if factory == nil {
		factory = DefaultFactory
	}
	adapter, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s adapter: %w", cfg.Backend, err)
	}
	return &Manager{factory: factory, cfg: cfg, adapter: adapter}, nil
}

// Adapter returns the active adapter.
func (m *Manager) Adapter() SourceAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adapter
}

// Capabilities returns the active adapter's capability snapshot, cached
// after the first call.
func (m *Manager) Capabilities() model.AdapterCapabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.caps == nil {
		caps := m.adapter.Capabilities()
		m.caps = &caps
	}
	return *m.caps
}

// ListCalendars returns the active adapter's provisioned calendars, cached
// after the first call.
func (m *Manager) ListCalendars() []model.CalendarRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cals == nil {
		m.cals = m.adapter.ListCalendars()
	}
	out := make([]model.CalendarRef, len(m.cals))
	copy(out, m.cals)
	return out
}

// SwitchBackend hot-swaps the active adapter. The candidate configuration is
// the stored one with mutate applied (may be nil) and Backend set to newType.
// The candidate adapter is validated before the old one is closed; when
// validation fails the previous adapter stays active and the error is
// returned, so a failed switch never leaves a broken backend in place.
func (m *Manager) SwitchBackend(ctx context.Context, newType string, mutate func(*config.Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.cfg
	if mutate != nil {
		mutate(&next)
	}
	next.Backend = newType
	next.Normalize()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("switch to %s rejected: %w", newType, err)
	}

	candidate, err := m.factory(ctx, &next)
	if err != nil {
		return fmt.Errorf("failed to build %s adapter: %w", newType, err)
	}

	if v, ok := candidate.(Validator); ok {
		if err := v.Validate(ctx); err != nil {
			if c, ok := candidate.(Closer); ok {
				c.Close()
			}
			return fmt.Errorf("switch to %s failed validation: %w", newType, err)
		}
	}

	// The outgoing session is fully closed before the new adapter goes
	// active; pooled connections are never shared across a switch.
	if c, ok := m.adapter.(Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("failed to close outgoing adapter", "reason", err)
		}
	}

	m.cfg = &next
	m.adapter = candidate
	m.caps = nil
	m.cals = nil
	log.Info("switched calendar backend", "backend", newType)
	return nil
}
