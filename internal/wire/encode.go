package wire

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frame prepends the 4-byte big-endian length prefix used on the relay link.
func Frame(body []byte) []byte {
	out := make([]byte, prefixLen, prefixLen+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...)
}

// EncodeTelemetry builds an unframed telemetry envelope.
func EncodeTelemetry(riderID, sequence, worldTime uint64, t Telemetry) []byte {
	var body []byte
	body = appendDouble(body, fieldLatitude, t.Latitude)
	body = appendDouble(body, fieldLongitude, t.Longitude)
	body = appendDouble(body, fieldAltitude, t.Altitude)

	b := appendHeader(nil, riderID, sequence, worldTime)
	b = protowire.AppendTag(b, fieldTelemetry, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// EncodeCommand builds an unframed command envelope.
func EncodeCommand(riderID, sequence, worldTime uint64, c Command) []byte {
	var body []byte
	body = protowire.AppendTag(body, fieldCode, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(c.Code))
	if c.ActivityID != 0 {
		body = protowire.AppendTag(body, fieldActivityID, protowire.VarintType)
		body = protowire.AppendVarint(body, c.ActivityID)
	}
	if c.ActivityName != "" {
		body = protowire.AppendTag(body, fieldActivityName, protowire.BytesType)
		body = protowire.AppendString(body, c.ActivityName)
	}
	if c.SubjectID != 0 {
		body = protowire.AppendTag(body, fieldSubjectID, protowire.VarintType)
		body = protowire.AppendVarint(body, c.SubjectID)
	}

	b := appendHeader(nil, riderID, sequence, worldTime)
	b = protowire.AppendTag(b, fieldCommand, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// TurnCommand builds a framed turn instruction for the relay.
func TurnCommand(riderID, sequence uint64, d TurnDirection) ([]byte, bool) {
	code, ok := TurnCode(d)
	if !ok {
		return nil, false
	}
	return Frame(EncodeCommand(riderID, sequence, 0, Command{Code: code})), true
}

// EndActivityCommand builds a framed end-of-activity instruction.
func EndActivityCommand(riderID, sequence uint64, activityName string) []byte {
	return Frame(EncodeCommand(riderID, sequence, 0, Command{Code: CodeEndActivity, ActivityName: activityName}))
}

func appendHeader(b []byte, riderID, sequence, worldTime uint64) []byte {
	b = protowire.AppendTag(b, fieldRiderID, protowire.VarintType)
	b = protowire.AppendVarint(b, riderID)
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, sequence)
	if worldTime != 0 {
		b = protowire.AppendTag(b, fieldWorldTime, protowire.VarintType)
		b = protowire.AppendVarint(b, worldTime)
	}
	return b
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}
