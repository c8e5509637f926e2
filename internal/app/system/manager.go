package system

import (
	"context"
	"fmt"
	"sync"

	"github.com/arwlocal/runtime/internal/app/core"
)

// Manager owns the startup and shutdown order of every registered Service.
// Services start in registration order and stop in reverse order, mirroring
// how the composition root wires dependencies (store before bus, bus before
// pipeline, pipeline before supervisors).
type Manager struct {
	mu       sync.Mutex
	services []Service
	started  []Service
}

// NewManager returns an empty Manager ready for Register calls.
func NewManager() *Manager {
	return &Manager{}
}

// Register appends a service to the startup order. It is an error to
// register two services under the same Name.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("system: cannot register nil service")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.services {
		if existing.Name() == svc.Name() {
			return fmt.Errorf("system: service %q already registered", svc.Name())
		}
	}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every registered service in registration order. If a service
// fails to start, Start stops everything already started (in reverse order)
// and returns the failing error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	services := make([]Service, len(m.services))
	copy(services, m.services)
	m.mu.Unlock()

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			m.mu.Lock()
			started := make([]Service, len(m.started))
			copy(started, m.started)
			m.mu.Unlock()
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			return fmt.Errorf("system: start %s: %w", svc.Name(), err)
		}
		m.mu.Lock()
		m.started = append(m.started, svc)
		m.mu.Unlock()
	}
	return nil
}

// Stop stops every started service in reverse order, collecting (but not
// short-circuiting on) individual errors.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	started := make([]Service, len(m.started))
	copy(started, m.started)
	m.started = nil
	m.mu.Unlock()

	var firstErr error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("system: stop %s: %w", started[i].Name(), err)
		}
	}
	return firstErr
}

// Descriptors collects descriptors from registered services that implement
// DescriptorProvider, in the order CollectDescriptors prescribes.
func (m *Manager) Descriptors() []core.Descriptor {
	m.mu.Lock()
	services := make([]Service, len(m.services))
	copy(services, m.services)
	m.mu.Unlock()

	providers := make([]DescriptorProvider, 0, len(services))
	for _, svc := range services {
		if dp, ok := svc.(DescriptorProvider); ok {
			providers = append(providers, dp)
		}
	}
	return CollectDescriptors(providers)
}
