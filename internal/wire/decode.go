package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/routelock/internal/capture"
)

// Envelope field numbers.
const (
	fieldRiderID   protowire.Number = 1
	fieldSequence  protowire.Number = 2
	fieldTelemetry protowire.Number = 3
	fieldCommand   protowire.Number = 4
	fieldWorldTime protowire.Number = 5
)

// Telemetry field numbers.
const (
	fieldLatitude  protowire.Number = 1
	fieldLongitude protowire.Number = 2
	fieldAltitude  protowire.Number = 3
)

// Command field numbers.
const (
	fieldCode         protowire.Number = 1
	fieldActivityID   protowire.Number = 2
	fieldActivityName protowire.Number = 3
	fieldSubjectID    protowire.Number = 4
)

const prefixLen = 4

// Decoded is a message together with the direction it travelled.
type Decoded struct {
	Message
	Direction capture.Direction
}

// Decode classifies a reassembled payload. Failures affect only this payload.
func Decode(dir capture.Direction, payload []byte) (Decoded, error) {
	body, err := Unframe(payload)
	if err != nil {
		return Decoded{}, err
	}
	msg, err := decodeEnvelope(body)
	if err != nil {
		return Decoded{}, err
	}
	return Decoded{Message: msg, Direction: dir}, nil
}

// Unframe strips the optional length prefix. A protobuf message never starts
// with a zero byte, so a leading zero marks a framed payload.
func Unframe(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrNotEnvelope
	}
	if payload[0] != 0 {
		return payload, nil
	}
	if len(payload) < prefixLen {
		return nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(payload[:prefixLen])
	rest := payload[prefixLen:]
	switch {
	case uint64(n) > uint64(len(rest)):
		return nil, fmt.Errorf("%w: frame wants %d bytes, have %d", ErrTruncated, n, len(rest))
	case uint64(n) < uint64(len(rest)):
		return nil, fmt.Errorf("%w: %d trailing bytes after frame", ErrMalformed, len(rest)-int(n))
	}
	return rest, nil
}

func decodeEnvelope(b []byte) (Message, error) {
	var (
		msg          Message
		telemetry    []byte
		command      []byte
		hasTelemetry bool
		hasCommand   bool
	)

	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldRiderID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			msg.RiderID = v
			return n, nil
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			msg.Sequence = v
			return n, nil
		case num == fieldWorldTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			msg.WorldTime = v
			return n, nil
		case num == fieldTelemetry && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			telemetry, hasTelemetry = v, true
			return n, nil
		case num == fieldCommand && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			command, hasCommand = v, true
			return n, nil
		case num <= fieldWorldTime:
			return 0, fmt.Errorf("%w: envelope field %d has wire type %d", ErrMalformed, num, typ)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Message{}, err
	}

	switch {
	case hasTelemetry && hasCommand:
		return Message{}, fmt.Errorf("%w: envelope carries both telemetry and a command", ErrMalformed)
	case hasTelemetry:
		t, err := decodeTelemetry(telemetry)
		if err != nil {
			return Message{}, err
		}
		msg.Kind = KindTelemetry
		msg.Telemetry = t
	case hasCommand:
		c, err := decodeCommand(command)
		if err != nil {
			return Message{}, err
		}
		msg.Command = c
		if c.Code.Known() {
			msg.Kind = KindCommand
		} else {
			msg.Kind = KindUnknown
		}
	default:
		return Message{}, ErrNotEnvelope
	}
	return msg, nil
}

func decodeTelemetry(b []byte) (Telemetry, error) {
	var t Telemetry
	var seen int
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var dst *float64
		switch num {
		case fieldLatitude:
			dst = &t.Latitude
		case fieldLongitude:
			dst = &t.Longitude
		case fieldAltitude:
			dst = &t.Altitude
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		if typ != protowire.Fixed64Type {
			return 0, fmt.Errorf("%w: telemetry field %d has wire type %d", ErrMalformed, num, typ)
		}
		v, n := protowire.ConsumeFixed64(b)
		*dst = math.Float64frombits(v)
		seen |= 1 << num
		return n, nil
	})
	if err != nil {
		return Telemetry{}, err
	}

	const latLon = 1<<fieldLatitude | 1<<fieldLongitude
	if seen&latLon != latLon {
		return Telemetry{}, fmt.Errorf("%w: telemetry without latitude and longitude", ErrMalformed)
	}
	if !finite(t.Latitude) || !finite(t.Longitude) || !finite(t.Altitude) {
		return Telemetry{}, fmt.Errorf("%w: non-finite coordinate", ErrMalformed)
	}
	if t.Latitude < -90 || t.Latitude > 90 || t.Longitude < -180 || t.Longitude > 180 {
		return Telemetry{}, fmt.Errorf("%w: coordinate out of range (%f, %f)", ErrMalformed, t.Latitude, t.Longitude)
	}
	return t, nil
}

func decodeCommand(b []byte) (Command, error) {
	var c Command
	var hasCode bool
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if v > math.MaxUint32 {
				return 0, fmt.Errorf("%w: command code %d overflows", ErrMalformed, v)
			}
			c.Code = Code(v)
			hasCode = true
			return n, nil
		case num == fieldActivityID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.ActivityID = v
			return n, nil
		case num == fieldActivityName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			c.ActivityName = v
			return n, nil
		case num == fieldSubjectID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.SubjectID = v
			return n, nil
		case num <= fieldSubjectID:
			return 0, fmt.Errorf("%w: command field %d has wire type %d", ErrMalformed, num, typ)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Command{}, err
	}
	if !hasCode {
		return Command{}, fmt.Errorf("%w: command without code", ErrMalformed)
	}
	return c, nil
}

// walk iterates the fields of a message. fn consumes the value following the
// tag and returns the bytes used, or a negative protowire code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseErr(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return parseErr(m)
		}
		b = b[m:]
	}
	return nil
}

func parseErr(n int) error {
	err := protowire.ParseError(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
