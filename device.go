package portmon

import (
	"fmt"
	"sync"
)

// Device is one monitored target. Its number is assigned when it is added to
// a Monitor and is never reused for the lifetime of that Monitor.
type Device struct {
	number  uint32
	backing any

	// mu guards the listener set. It nests inside the registry lock and
	// outside every listener queue lock.
	mu        sync.Mutex
	listeners []*Listener
	removed   bool
}

// Number returns the device number listeners use to attach.
func (d *Device) Number() uint32 {
	return d.number
}

// Backing returns the opaque handle the device was added with.
func (d *Device) Backing() any {
	return d.backing
}

// Listeners returns the number of listeners currently attached.
func (d *Device) Listeners() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

func (d *Device) subscribe(l *Listener) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed {
		return ErrDeviceNotFound
	}
	for _, other := range d.listeners {
		if other == l {
			return ErrAlreadyRegistered
		}
	}
	d.listeners = append(d.listeners, l)
	return nil
}

// unsubscribe removes l and reports whether it was attached.
func (d *Device) unsubscribe(l *Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, other := range d.listeners {
		if other == l {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// invalidate marks the device removed and detaches everyone, calling each
// (when non-nil) for every listener that was attached while the listener set
// is still locked, so nothing published to d can follow it. It returns the
// number of listeners detached.
func (d *Device) invalidate(each func(*Listener)) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.removed = true
	n := len(d.listeners)
	if each != nil {
		for _, l := range d.listeners {
			each(l)
		}
	}
	d.listeners = nil
	return n
}

// Namer is implemented by backing handles that can report a human-readable
// path for themselves.
type Namer interface {
	DeviceName() (string, error)
}

// Stacked is implemented by backing handles layered on top of another
// object. Name resolution walks down the stack until it finds a name.
type Stacked interface {
	Lower() any
}

// NameResolver turns a device's backing handle into a display name.
type NameResolver interface {
	ResolveName(backing any) (string, error)
}

// NameResolverFunc adapts a function to NameResolver.
type NameResolverFunc func(backing any) (string, error)

// ResolveName calls f(backing).
func (f NameResolverFunc) ResolveName(backing any) (string, error) {
	return f(backing)
}

// StackResolver is the default NameResolver. A string backing is its own
// name; otherwise the first non-empty Namer result down the Stacked chain
// wins.
var StackResolver NameResolver = NameResolverFunc(resolveStack)

// maxStackDepth bounds the walk in case a Stacked chain loops.
const maxStackDepth = 32

func resolveStack(backing any) (string, error) {
	handle := backing
	for depth := 0; handle != nil && depth < maxStackDepth; depth++ {
		switch h := handle.(type) {
		case string:
			if h != "" {
				return h, nil
			}
		case Namer:
			name, err := h.DeviceName()
			if err != nil {
				return "", fmt.Errorf("%w: %w", ErrNameResolution, err)
			}
			if name != "" {
				return name, nil
			}
		}
		lower, ok := handle.(Stacked)
		if !ok {
			break
		}
		handle = lower.Lower()
	}
	return "", fmt.Errorf("%w: no name for %T", ErrNameResolution, backing)
}
