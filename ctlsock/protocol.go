package ctlsock

import (
	"errors"

	portmon "github.com/luhtfiimanal/go-linux-portmon"
)

// Request is one control operation sent by a client. Op is a portmon.Op
// value; Input carries the operation's encoded argument, if any.
type Request struct {
	Op          uint32 `cbor:"op"`
	Input       []byte `cbor:"input,omitempty"`
	NonBlocking bool   `cbor:"nonblocking,omitempty"`
}

// Response answers exactly one Request, in order. On failure Code names the
// error class so the client can reconstruct the matching portmon error.
type Response struct {
	OK     bool   `cbor:"ok"`
	Code   string `cbor:"code,omitempty"`
	Error  string `cbor:"error,omitempty"`
	Output []byte `cbor:"output,omitempty"`
}

// Error codes carried in Response.Code.
const (
	CodeDeviceNotFound    = "device_not_found"
	CodeAlreadyRegistered = "already_registered"
	CodeNoMoreEntries     = "no_more_entries"
	CodeNameResolution    = "name_resolution_failed"
	CodeWouldBlock        = "would_block"
	CodeInvalidArgument   = "invalid_argument"
	CodeNotSupported      = "not_supported"
	CodeClosed            = "closed"
	CodeInternal          = "internal"
)

var errorCodes = []struct {
	code string
	err  error
}{
	{CodeDeviceNotFound, portmon.ErrDeviceNotFound},
	{CodeAlreadyRegistered, portmon.ErrAlreadyRegistered},
	{CodeNoMoreEntries, portmon.ErrNoMoreEntries},
	{CodeNameResolution, portmon.ErrNameResolution},
	{CodeWouldBlock, portmon.ErrWouldBlock},
	{CodeInvalidArgument, portmon.ErrInvalidArgument},
	{CodeNotSupported, portmon.ErrNotSupported},
	{CodeClosed, portmon.ErrListenerClosed},
}

// codeFor classifies err for the wire.
func codeFor(err error) string {
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}

// RemoteError is a failure reported by the server. It unwraps to the portmon
// error named by its code, so errors.Is works across the socket.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	for _, entry := range errorCodes {
		if entry.code == e.Code {
			return entry.err
		}
	}
	return nil
}
