package portmon

import (
	"encoding/binary"
	"errors"
)

// Publish fans one observed operation out to every listener attached to d.
// Each listener gets its own Event; a listener that cannot take the event
// misses it without affecting the others. Publishing while the control
// surface is down, or to a removed device, does nothing.
//
// payload is copied, so the caller may reuse its buffer once Publish returns.
func (m *Monitor) Publish(d *Device, payload []byte, major, minor uint8, outputOffset uint32) {
	if int64(outputOffset) > int64(len(payload)) {
		m.metrics.dropped.WithLabelValues(dropInvalid).Inc()
		m.logger.Warn("publish with output offset past payload",
			"device", d.number,
			"offset", outputOffset,
			"size", len(payload),
		)
		return
	}

	m.notifyMu.RLock()
	defer m.notifyMu.RUnlock()

	if !m.control {
		return
	}
	m.metrics.published.Inc()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, l := range d.listeners {
		m.deliver(l, &Event{
			DeviceNumber: d.number,
			Payload:      append([]byte(nil), payload...),
			Major:        major,
			Minor:        minor,
			OutputOffset: outputOffset,
		})
	}
}

// PublishDeferred is Publish run on the monitor's worker pool, for callers on
// a latency-sensitive path. Events for the same device keep their order. When
// the pool is saturated the event is dropped and ErrBacklogFull returned.
func (m *Monitor) PublishDeferred(d *Device, payload []byte, major, minor uint8, outputOffset uint32) error {
	owned := append([]byte(nil), payload...)
	err := m.workers.submit(d.number, func() {
		m.Publish(d, owned, major, minor, outputOffset)
	})
	if err != nil {
		reason := dropBacklogFull
		if errors.Is(err, ErrMonitorClosed) {
			reason = dropMonitorClosed
		}
		m.metrics.dropped.WithLabelValues(reason).Inc()
		m.logger.Debug("deferred publish dropped", "device", d.number, "error", err)
	}
	return err
}

// PublishOpen reports that a process opened d. The payload is the opener's
// process ID, little-endian, or zero when it is not known.
func (m *Monitor) PublishOpen(d *Device, pid uint32) {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], pid)
	m.Publish(d, payload[:], MajorCreate, 0, 0)
}

// PublishClose reports that the last handle on d was closed.
func (m *Monitor) PublishClose(d *Device) {
	m.Publish(d, nil, MajorClose, 0, 0)
}

// deliver hands ev to l's queue and accounts for the outcome.
func (m *Monitor) deliver(l *Listener, ev *Event) {
	accepted, dropped := l.queue.Deliver(ev)
	if !accepted {
		m.metrics.dropped.WithLabelValues(dropClosed).Inc()
		return
	}
	m.metrics.delivered.Inc()
	if dropped > 0 {
		m.metrics.dropped.WithLabelValues(dropQueueFull).Add(float64(dropped))
	}
}
