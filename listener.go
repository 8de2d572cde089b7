package portmon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Listener is one connection subscribed to device events. It carries the
// caller identity for every control operation, owns the queue its events are
// buffered in and remembers its enumeration position.
//
// A Listener may be attached to any number of devices at once.
type Listener struct {
	id      uuid.UUID
	monitor *Monitor
	queue   *Queue

	// Guarded by the registry lock.
	cursor *Device
	closed bool

	closeOnce sync.Once
}

// ID returns the listener's identity.
func (l *Listener) ID() uuid.UUID {
	return l.id
}

// Pending returns the number of buffered events.
func (l *Listener) Pending() int {
	return l.queue.Len()
}

// Dropped returns how many events this listener lost to a full queue.
func (l *Listener) Dropped() uint64 {
	return l.queue.Dropped()
}

// EnumerateFirst rewinds the enumeration cursor and describes the first
// device. It returns ErrNoMoreEntries when no device is registered.
func (l *Listener) EnumerateFirst() (DeviceDescriptor, error) {
	return l.enumerate(true)
}

// EnumerateNext describes the device after the one last returned. Past the
// last device it returns ErrNoMoreEntries and the next call starts over.
func (l *Listener) EnumerateNext() (DeviceDescriptor, error) {
	return l.enumerate(false)
}

func (l *Listener) enumerate(first bool) (DeviceDescriptor, error) {
	r := l.monitor.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if l.closed {
		return DeviceDescriptor{}, ErrListenerClosed
	}
	var d *Device
	if first {
		d = r.first(l)
	} else {
		d = r.advance(l)
	}
	if d == nil {
		return DeviceDescriptor{}, ErrNoMoreEntries
	}
	return l.monitor.describe(d)
}

// describe resolves d's name. Callers hold the registry lock so d cannot be
// removed underneath the resolver.
func (m *Monitor) describe(d *Device) (DeviceDescriptor, error) {
	name, err := m.cfg.Resolver.ResolveName(d.backing)
	if err != nil {
		if !errors.Is(err, ErrNameResolution) {
			err = fmt.Errorf("%w: %w", ErrNameResolution, err)
		}
		return DeviceDescriptor{}, fmt.Errorf("device %d: %w", d.number, err)
	}
	if len(name)+1 > m.cfg.NameCapacity {
		return DeviceDescriptor{}, fmt.Errorf("device %d: %w: name is %d bytes, capacity %d",
			d.number, ErrNameResolution, len(name), m.cfg.NameCapacity)
	}
	return DeviceDescriptor{Number: d.number, Name: name}, nil
}

// Attach subscribes the listener to the device with the given number.
func (l *Listener) Attach(number uint32) error {
	r := l.monitor.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if l.closed {
		return ErrListenerClosed
	}
	d := r.lookup(number)
	if d == nil {
		return fmt.Errorf("attach device %d: %w", number, ErrDeviceNotFound)
	}
	if err := d.subscribe(l); err != nil {
		return fmt.Errorf("attach device %d: %w", number, err)
	}
	return nil
}

// Detach unsubscribes the listener from the device with the given number.
// Detaching from a device the listener is not attached to succeeds.
func (l *Listener) Detach(number uint32) error {
	r := l.monitor.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if l.closed {
		return ErrListenerClosed
	}
	d := r.lookup(number)
	if d == nil {
		return fmt.Errorf("detach device %d: %w", number, ErrDeviceNotFound)
	}
	d.unsubscribe(l)
	return nil
}

// PollEvent removes and returns the next event, parking until one arrives.
// With nonBlocking set it returns ErrWouldBlock instead of parking. A parked
// call returns ErrListenerClosed when the listener is torn down.
func (l *Listener) PollEvent(ctx context.Context, nonBlocking bool) (*Event, error) {
	return l.queue.Poll(ctx, nonBlocking)
}

// EventInfo returns the header of the next event, parking like PollEvent.
// Data events stay queued until ReadEvent; markers are consumed here.
func (l *Listener) EventInfo(ctx context.Context, nonBlocking bool) (EventInfo, error) {
	ev, err := l.queue.Info(ctx, nonBlocking)
	if err != nil {
		return EventInfo{}, err
	}
	return ev.Info(), nil
}

// ReadEvent removes the next event and returns its payload. It never parks:
// an empty queue yields ErrNoMoreEntries.
func (l *Listener) ReadEvent() ([]byte, error) {
	ev, err := l.queue.Pop()
	if err != nil {
		return nil, err
	}
	return ev.Payload, nil
}

// Close detaches the listener from every device, discards its queue and
// releases parked readers. Safe to call multiple times.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.monitor.registry.untrack(l)
		l.monitor.logger.Debug("listener closed", "listener", l.id)
	})
	return nil
}
