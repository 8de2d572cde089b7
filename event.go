package portmon

import (
	"encoding/binary"
	"fmt"
)

// Major function codes carried in Event.Major. The values follow the request
// kinds a serial filter observes, so captures stay comparable with tooling
// built around the classic port monitors.
const (
	MajorCreate        uint8 = 0x00
	MajorClose         uint8 = 0x02
	MajorRead          uint8 = 0x03
	MajorWrite         uint8 = 0x04
	MajorDeviceControl uint8 = 0x0e
	MajorPnP           uint8 = 0x1b
)

// MinorRemoveDevice accompanies MajorPnP on the marker sent to listeners of a
// device that has gone away.
const MinorRemoveDevice uint8 = 0x02

// MajorName returns a short display name for a major function code.
func MajorName(code uint8) string {
	switch code {
	case MajorCreate:
		return "CREATE"
	case MajorClose:
		return "CLOSE"
	case MajorRead:
		return "READ"
	case MajorWrite:
		return "WRITE"
	case MajorDeviceControl:
		return "IOCTL"
	case MajorPnP:
		return "PNP"
	default:
		return fmt.Sprintf("MJ(0x%02x)", code)
	}
}

// Event is one captured I/O operation as seen by a single listener.
//
// Payload is owned by the event and never modified after construction; an
// empty payload marks a lifecycle transition (open, close, removal) rather than
// data. OutputOffset is the position inside Payload where data returned to the
// original caller begins: 0 for reads, len(Payload) for pure writes.
type Event struct {
	DeviceNumber uint32
	Payload      []byte
	Major        uint8
	Minor        uint8
	OutputOffset uint32
}

// Marker reports whether the event is a lifecycle marker with no data.
func (e *Event) Marker() bool {
	return len(e.Payload) == 0
}

// Info returns the fixed-size header describing the event.
func (e *Event) Info() EventInfo {
	return EventInfo{
		DeviceNumber: e.DeviceNumber,
		PayloadSize:  uint32(len(e.Payload)),
		Major:        e.Major,
		Minor:        e.Minor,
		OutputOffset: e.OutputOffset,
	}
}

// EventInfoSize is the encoded size of EventInfo.
const EventInfoSize = 16

// EventInfo is the header returned by GetEventInfo. Its encoding is
//
//	offset 0  u32 device number
//	offset 4  u32 payload size
//	offset 8  u8  major code
//	offset 9  u8  minor code
//	offset 10 u16 padding
//	offset 12 u32 output offset
//
// little-endian throughout.
type EventInfo struct {
	DeviceNumber uint32
	PayloadSize  uint32
	Major        uint8
	Minor        uint8
	OutputOffset uint32
}

// MarshalBinary encodes the header.
func (i EventInfo) MarshalBinary() ([]byte, error) {
	b := make([]byte, EventInfoSize)
	binary.LittleEndian.PutUint32(b[0:], i.DeviceNumber)
	binary.LittleEndian.PutUint32(b[4:], i.PayloadSize)
	b[8] = i.Major
	b[9] = i.Minor
	binary.LittleEndian.PutUint32(b[12:], i.OutputOffset)
	return b, nil
}

// UnmarshalBinary decodes a header produced by MarshalBinary.
func (i *EventInfo) UnmarshalBinary(b []byte) error {
	if len(b) < EventInfoSize {
		return fmt.Errorf("event info: %d bytes: %w", len(b), ErrInvalidArgument)
	}
	i.DeviceNumber = binary.LittleEndian.Uint32(b[0:])
	i.PayloadSize = binary.LittleEndian.Uint32(b[4:])
	i.Major = b[8]
	i.Minor = b[9]
	i.OutputOffset = binary.LittleEndian.Uint32(b[12:])
	return nil
}

// DeviceDescriptor identifies a monitored device to a listener.
type DeviceDescriptor struct {
	Number uint32
	Name   string
}

// descriptorHeaderSize is the fixed part of an encoded DeviceDescriptor.
const descriptorHeaderSize = 4

// MarshalBinary encodes the descriptor as a little-endian device number
// followed by the NUL-terminated name.
func (d DeviceDescriptor) MarshalBinary() ([]byte, error) {
	b := make([]byte, descriptorHeaderSize+len(d.Name)+1)
	binary.LittleEndian.PutUint32(b, d.Number)
	copy(b[descriptorHeaderSize:], d.Name)
	return b, nil
}

// UnmarshalBinary decodes a descriptor. A missing terminator is tolerated:
// the name then runs to the end of b.
func (d *DeviceDescriptor) UnmarshalBinary(b []byte) error {
	if len(b) < descriptorHeaderSize {
		return fmt.Errorf("device descriptor: %d bytes: %w", len(b), ErrInvalidArgument)
	}
	d.Number = binary.LittleEndian.Uint32(b)
	name := b[descriptorHeaderSize:]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	d.Name = string(name)
	return nil
}
