package ctlsock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	portmon "github.com/luhtfiimanal/go-linux-portmon"
	"github.com/luhtfiimanal/go-linux-portmon/internal/codec"
)

// Client is a listener connected to a control socket. Calls are serialized;
// a blocking EventInfo holds the connection until an event arrives or the
// client is closed from another goroutine.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	encoder *codec.Encoder
	decoder *codec.Decoder
}

// Dial connects to the control socket at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{
		conn:    conn,
		encoder: codec.NewEncoder(conn),
		decoder: codec.NewDecoder(conn),
	}, nil
}

// Close drops the connection, which closes the listener on the server.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one raw request and returns the raw output. Server-side
// failures are returned as *RemoteError.
func (c *Client) Call(op portmon.Op, input []byte, nonBlocking bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.encoder.Encode(Request{Op: uint32(op), Input: input, NonBlocking: nonBlocking}); err != nil {
		return nil, fmt.Errorf("%s: sending request: %w", op, err)
	}
	var response Response
	if err := c.decoder.Decode(&response); err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", op, err)
	}
	if !response.OK {
		return nil, &RemoteError{Code: response.Code, Message: response.Error}
	}
	return response.Output, nil
}

// EnumerateFirst describes the first registered device.
func (c *Client) EnumerateFirst() (portmon.DeviceDescriptor, error) {
	return c.enumerate(portmon.OpEnumerateFirst)
}

// EnumerateNext describes the device after the one last returned.
func (c *Client) EnumerateNext() (portmon.DeviceDescriptor, error) {
	return c.enumerate(portmon.OpEnumerateNext)
}

func (c *Client) enumerate(op portmon.Op) (portmon.DeviceDescriptor, error) {
	var desc portmon.DeviceDescriptor
	output, err := c.Call(op, nil, false)
	if err != nil {
		return desc, err
	}
	err = desc.UnmarshalBinary(output)
	return desc, err
}

// Devices enumerates every registered device from the start.
func (c *Client) Devices() ([]portmon.DeviceDescriptor, error) {
	var devices []portmon.DeviceDescriptor
	desc, err := c.EnumerateFirst()
	for err == nil {
		devices = append(devices, desc)
		desc, err = c.EnumerateNext()
	}
	if errors.Is(err, portmon.ErrNoMoreEntries) {
		return devices, nil
	}
	return devices, err
}

// Attach subscribes to the device with the given number.
func (c *Client) Attach(number uint32) error {
	_, err := c.Call(portmon.OpAttachToDevice, binary.LittleEndian.AppendUint32(nil, number), false)
	return err
}

// Detach unsubscribes from the device with the given number.
func (c *Client) Detach(number uint32) error {
	_, err := c.Call(portmon.OpDetachFromDevice, binary.LittleEndian.AppendUint32(nil, number), false)
	return err
}

// EventInfo returns the header of the next event, waiting for one unless
// nonBlocking is set.
func (c *Client) EventInfo(nonBlocking bool) (portmon.EventInfo, error) {
	var info portmon.EventInfo
	output, err := c.Call(portmon.OpGetEventInfo, nil, nonBlocking)
	if err != nil {
		return info, err
	}
	err = info.UnmarshalBinary(output)
	return info, err
}

// ReadEvent returns the payload of the next event and removes it.
func (c *Client) ReadEvent() ([]byte, error) {
	return c.Call(portmon.OpReadEvent, nil, false)
}

// NextEvent waits for the next event and returns it whole.
func (c *Client) NextEvent() (*portmon.Event, error) {
	info, err := c.EventInfo(false)
	if err != nil {
		return nil, err
	}
	ev := &portmon.Event{
		DeviceNumber: info.DeviceNumber,
		Major:        info.Major,
		Minor:        info.Minor,
		OutputOffset: info.OutputOffset,
	}
	if info.PayloadSize == 0 {
		return ev, nil
	}
	ev.Payload, err = c.ReadEvent()
	if err != nil {
		return nil, err
	}
	return ev, nil
}
