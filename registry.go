package portmon

import (
	"fmt"
	"sync"
)

// Registry is the ordered set of monitored devices together with the
// enumeration cursors of every open listener.
//
// Insertion order is enumeration order. A listener's cursor is a reference to
// a Device, not an index, so it stays valid across insertions and removals of
// other devices; removing the device a cursor points at rewinds the cursor to
// the preceding device.
type Registry struct {
	mu      sync.Mutex
	devices []*Device
	next    uint32

	// listenersMu guards the set of open listeners. When both locks are
	// needed, mu is taken first.
	listenersMu sync.Mutex
	listeners   map[*Listener]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		listeners: make(map[*Listener]struct{}),
	}
}

// newDevice allocates a device with the next unused number. It is not
// visible to listeners until registered.
func (r *Registry) newDevice(backing any) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := &Device{number: r.next, backing: backing}
	r.next++
	return d
}

// Register appends d to the registry.
func (r *Registry) Register(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lookup(d.number) != nil {
		return fmt.Errorf("register device %d: %w", d.number, ErrDuplicateIdentity)
	}
	r.devices = append(r.devices, d)
	return nil
}

// Unregister removes d and rewinds every cursor that pointed at it. It
// reports whether d was registered.
func (r *Registry) Unregister(d *Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(d)
	if idx < 0 {
		return false
	}

	var previous *Device
	if idx > 0 {
		previous = r.devices[idx-1]
	}
	r.listenersMu.Lock()
	for l := range r.listeners {
		if l.cursor == d {
			l.cursor = previous
		}
	}
	r.listenersMu.Unlock()

	r.devices = append(r.devices[:idx], r.devices[idx+1:]...)
	return true
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Devices returns a snapshot of the registered devices in enumeration order.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Device(nil), r.devices...)
}

// Lookup returns the registered device with the given number, or nil.
func (r *Registry) Lookup(number uint32) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(number)
}

// EnumerateFirst moves l's cursor to the first device and returns it, or nil
// when the registry is empty.
func (r *Registry) EnumerateFirst(l *Listener) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.first(l)
}

// EnumerateNext moves l's cursor one device forward and returns it, or nil
// past the last device. Past the end the cursor is cleared, so the following
// call starts over from the first device.
func (r *Registry) EnumerateNext(l *Listener) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advance(l)
}

// The helpers below expect mu to be held.

func (r *Registry) first(l *Listener) *Device {
	l.cursor = nil
	if len(r.devices) > 0 {
		l.cursor = r.devices[0]
	}
	return l.cursor
}

func (r *Registry) advance(l *Listener) *Device {
	if l.cursor == nil {
		return r.first(l)
	}
	idx := r.indexOf(l.cursor)
	if idx < 0 {
		// Cursors are rewound on removal, so this only happens to a
		// listener that was never tracked. Start over.
		return r.first(l)
	}
	l.cursor = nil
	if idx+1 < len(r.devices) {
		l.cursor = r.devices[idx+1]
	}
	return l.cursor
}

func (r *Registry) lookup(number uint32) *Device {
	for _, d := range r.devices {
		if d.number == number {
			return d
		}
	}
	return nil
}

func (r *Registry) indexOf(d *Device) int {
	for i, other := range r.devices {
		if other == d {
			return i
		}
	}
	return -1
}

func (r *Registry) track(l *Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners[l] = struct{}{}
}

// untrack detaches l from every device and forgets its cursor. The caller
// must not hold any device lock.
func (r *Registry) untrack(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.devices {
		d.unsubscribe(l)
	}
	r.listenersMu.Lock()
	delete(r.listeners, l)
	r.listenersMu.Unlock()
	l.cursor = nil
	l.closed = true
	l.queue.Close()
}

// listenerCount returns the number of tracked listeners.
func (r *Registry) listenerCount() int {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	return len(r.listeners)
}

// openListeners returns a snapshot of tracked listeners.
func (r *Registry) openListeners() []*Listener {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	out := make([]*Listener, 0, len(r.listeners))
	for l := range r.listeners {
		out = append(out, l)
	}
	return out
}
