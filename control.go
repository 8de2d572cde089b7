package portmon

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Op is a numeric control operation code. Control operations use the
// device-control code layout (device type, access, function, method) with
// buffered transfer and any access; ReadEvent is a plain read and is addressed
// by the read major code.
type Op uint32

const (
	opDeviceType = 0x22 // unknown device type
	opBase       = 0x800
)

const (
	OpEnumerateFirst   Op = opDeviceType<<16 | (opBase+1)<<2
	OpEnumerateNext    Op = opDeviceType<<16 | (opBase+2)<<2
	OpAttachToDevice   Op = opDeviceType<<16 | (opBase+3)<<2
	OpDetachFromDevice Op = opDeviceType<<16 | (opBase+4)<<2
	OpGetEventInfo     Op = opDeviceType<<16 | (opBase+5)<<2
	OpReadEvent        Op = Op(MajorRead)
)

func (op Op) String() string {
	switch op {
	case OpEnumerateFirst:
		return "EnumerateFirst"
	case OpEnumerateNext:
		return "EnumerateNext"
	case OpAttachToDevice:
		return "AttachToDevice"
	case OpDetachFromDevice:
		return "DetachFromDevice"
	case OpGetEventInfo:
		return "GetEventInfo"
	case OpReadEvent:
		return "ReadEvent"
	default:
		return fmt.Sprintf("Op(0x%x)", uint32(op))
	}
}

// Dispatch executes one control request against the listener and returns
// the encoded response:
//
//	EnumerateFirst, EnumerateNext  DeviceDescriptor
//	AttachToDevice, DetachFromDevice  nothing; input is a little-endian u32
//	GetEventInfo  EventInfo (parks unless nonBlocking)
//	ReadEvent  raw payload
func (l *Listener) Dispatch(ctx context.Context, op Op, input []byte, nonBlocking bool) ([]byte, error) {
	switch op {
	case OpEnumerateFirst, OpEnumerateNext:
		desc, err := l.enumerate(op == OpEnumerateFirst)
		if err != nil {
			return nil, err
		}
		return desc.MarshalBinary()

	case OpAttachToDevice, OpDetachFromDevice:
		if len(input) < 4 {
			return nil, fmt.Errorf("%s: input is %d bytes, want 4: %w", op, len(input), ErrInvalidArgument)
		}
		number := binary.LittleEndian.Uint32(input)
		if op == OpAttachToDevice {
			return nil, l.Attach(number)
		}
		return nil, l.Detach(number)

	case OpGetEventInfo:
		info, err := l.EventInfo(ctx, nonBlocking)
		if err != nil {
			return nil, err
		}
		return info.MarshalBinary()

	case OpReadEvent:
		return l.ReadEvent()

	default:
		return nil, fmt.Errorf("%s: %w", op, ErrNotSupported)
	}
}
