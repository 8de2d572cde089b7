package portmon

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Monitor owns all shared state of the event distribution core: the device
// registry, the open listeners and the publish worker pool. Everything that
// publishes or listens is handed a *Monitor explicitly.
//
// Lock order, outermost first: notifyMu, registry, device listener set,
// listener queue.
type Monitor struct {
	cfg      Config
	logger   *slog.Logger
	registry *Registry
	workers  *workerPool
	metrics  *monitorMetrics

	// notifyMu is shared by every publish and taken exclusively to bring the
	// control surface up or down, so a fan-out never races a teardown.
	notifyMu sync.RWMutex
	control  bool

	closeOnce sync.Once
}

// New returns a Monitor with its control surface enabled. A nil logger
// discards output.
func New(cfg Config, logger *slog.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("monitor config: %w", err)
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	registry := NewRegistry()
	return &Monitor{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		workers:  newWorkerPool(cfg.Workers, cfg.WorkerBacklog),
		metrics:  newMonitorMetrics(registry),
		control:  true,
	}, nil
}

// Registry exposes the device registry.
func (m *Monitor) Registry() *Registry {
	return m.registry
}

// AddDevice registers a new monitored device. backing is kept opaque and only
// passed to the name resolver.
func (m *Monitor) AddDevice(backing any) (*Device, error) {
	d := m.registry.newDevice(backing)
	if err := m.registry.Register(d); err != nil {
		return nil, err
	}
	m.logger.Info("device added", "device", d.number)
	return d, nil
}

// RemoveDevice unregisters d. Listeners attached to it stop receiving events;
// with Config.NotifyRemoval they first get a removal marker.
func (m *Monitor) RemoveDevice(d *Device) {
	m.notifyMu.RLock()
	defer m.notifyMu.RUnlock()

	if !m.registry.Unregister(d) {
		return
	}
	var notify func(*Listener)
	if m.control && m.cfg.NotifyRemoval {
		notify = func(l *Listener) {
			m.deliver(l, &Event{
				DeviceNumber: d.number,
				Major:        MajorPnP,
				Minor:        MinorRemoveDevice,
			})
		}
	}
	detached := d.invalidate(notify)
	m.logger.Info("device removed", "device", d.number, "listeners", detached)
}

// Connect opens a listener connection.
func (m *Monitor) Connect() (*Listener, error) {
	m.notifyMu.RLock()
	defer m.notifyMu.RUnlock()

	if !m.control {
		return nil, ErrControlClosed
	}
	l := &Listener{
		id:      uuid.New(),
		monitor: m,
		queue:   NewQueue(m.cfg.QueueCapacity),
	}
	m.registry.track(l)
	m.logger.Debug("listener connected", "listener", l.id)
	return l, nil
}

// EnableControl brings the control surface back after DisableControl.
func (m *Monitor) EnableControl() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.control = true
}

// DisableControl tears the control surface down: every open listener is
// closed, parked readers are released and publishes become no-ops until
// EnableControl is called.
func (m *Monitor) DisableControl() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	if !m.control {
		return
	}
	m.control = false
	listeners := m.registry.openListeners()
	for _, l := range listeners {
		m.registry.untrack(l)
	}
	m.logger.Info("control surface disabled", "listeners", len(listeners))
}

// Close disables the control surface and waits for deferred publishes to
// finish. Devices stay registered; it is the caller's job to stop whatever
// feeds them.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.workers.close()
		m.DisableControl()
	})
	return nil
}
