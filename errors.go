package portmon

import "errors"

// Errors returned across the control channel. All of them are recoverable by
// the caller; none of them leave the monitor in a broken state.
var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrAlreadyRegistered = errors.New("listener already attached to device")
	ErrNoMoreEntries     = errors.New("no more entries")
	ErrNameResolution    = errors.New("device name resolution failed")
	ErrWouldBlock        = errors.New("operation would block")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotSupported      = errors.New("operation not supported")
)

// Errors describing the lifecycle of the monitor itself.
var (
	// ErrDuplicateIdentity is returned by Registry.Register when a device
	// with the same number is already present.
	ErrDuplicateIdentity = errors.New("duplicate device number")

	// ErrListenerClosed is the end-of-stream result handed to readers parked
	// on a listener that has been torn down.
	ErrListenerClosed = errors.New("listener closed")

	ErrControlClosed = errors.New("control surface not available")
	ErrBacklogFull   = errors.New("publish backlog full")
	ErrMonitorClosed = errors.New("monitor closed")
)
