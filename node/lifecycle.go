package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/radiusxyz/secure-rpc/metrics"
)

// ServiceState is where a service is in its lifecycle.
type ServiceState int

const (
	StateCreated ServiceState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = [...]string{"created", "starting", "running", "stopping", "stopped", "failed"}

func (s ServiceState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Service is one startup stage of the node.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// serviceFunc adapts a pair of functions to Service. A nil stop is a no-op.
type serviceFunc struct {
	name        string
	start, stop func(ctx context.Context) error
}

func (s serviceFunc) Name() string { return s.name }

func (s serviceFunc) Start(ctx context.Context) error { return s.start(ctx) }

func (s serviceFunc) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	return s.stop(ctx)
}

// ServiceStatus is a snapshot of one service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartedAt time.Time
	Err       error
}

type managedService struct {
	svc      Service
	priority int
	status   ServiceStatus
}

func (m *managedService) set(state ServiceState, err error) {
	m.status.State = state
	if err != nil {
		m.status.Err = err
	}
	up := 0.0
	if state == StateRunning {
		up = 1
	}
	metrics.ServiceUp.WithLabelValues(m.status.Name).Set(up)
}

// LifecycleManager starts services in ascending priority and stops them
// in the opposite order. Services of equal priority keep their
// registration order.
type LifecycleManager struct {
	mu       sync.Mutex
	services []*managedService // kept sorted by priority
}

// NewLifecycleManager creates an empty manager.
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register adds svc. Names must be unique.
func (lm *LifecycleManager) Register(svc Service, priority int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.lookup(svc.Name()) != nil {
		return fmt.Errorf("service %q already registered", svc.Name())
	}
	m := &managedService{svc: svc, priority: priority, status: ServiceStatus{Name: svc.Name()}}
	i := len(lm.services)
	for i > 0 && lm.services[i-1].priority > priority {
		i--
	}
	lm.services = slices.Insert(lm.services, i, m)
	return nil
}

// StartAll starts every service that is not yet running. It returns the
// first start error; services started before it keep running until
// StopAll.
func (lm *LifecycleManager) StartAll(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, m := range lm.services {
		if m.status.State == StateRunning {
			continue
		}
		name := m.status.Name
		m.set(StateStarting, nil)
		start := time.Now()
		if err := m.svc.Start(ctx); err != nil {
			m.set(StateFailed, err)
			logger().Error("service failed to start", "service", name, "err", err)
			return fmt.Errorf("start %s: %w", name, err)
		}
		metrics.Since(metrics.ServiceStartDuration.WithLabelValues(name), start)
		m.status.StartedAt = time.Now()
		m.set(StateRunning, nil)
		logger().Debug("service started", "service", name, "elapsed", time.Since(start))
	}
	return nil
}

// StopAll stops the running services, last started first, and joins the
// errors of those that did not stop cleanly.
func (lm *LifecycleManager) StopAll(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var errs []error
	for _, m := range slices.Backward(lm.services) {
		if m.status.State != StateRunning {
			continue
		}
		m.set(StateStopping, nil)
		if err := m.svc.Stop(ctx); err != nil {
			m.set(StateFailed, err)
			errs = append(errs, fmt.Errorf("stop %s: %w", m.status.Name, err))
			continue
		}
		m.set(StateStopped, nil)
	}
	return errors.Join(errs...)
}

// GetState returns the state of the named service, or StateFailed for an
// unknown name.
func (lm *LifecycleManager) GetState(name string) ServiceState {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if m := lm.lookup(name); m != nil {
		return m.status.State
	}
	return StateFailed
}

// Status returns a snapshot of every service in start order.
func (lm *LifecycleManager) Status() []ServiceStatus {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]ServiceStatus, len(lm.services))
	for i, m := range lm.services {
		out[i] = m.status
	}
	return out
}

// HealthCheck maps each service name to whether it is running.
func (lm *LifecycleManager) HealthCheck() map[string]bool {
	health := make(map[string]bool)
	for _, st := range lm.Status() {
		health[st.Name] = st.State == StateRunning
	}
	return health
}

// lookup finds a service by name. Caller must hold lm.mu.
func (lm *LifecycleManager) lookup(name string) *managedService {
	for _, m := range lm.services {
		if m.status.Name == name {
			return m
		}
	}
	return nil
}
