// Package wire decodes relay payloads into telemetry and command messages and
// encodes outbound commands.
//
// Payloads are protobuf envelopes, optionally preceded by a 4-byte big-endian
// length prefix:
//
//	Envelope  { 1: rider_id varint, 2: sequence varint, 3: telemetry bytes, 4: command bytes, 5: world_time varint }
//	Telemetry { 1: latitude double, 2: longitude double, 3: altitude double }
//	Command   { 1: code varint, 2: activity_id varint, 3: activity_name string, 4: subject_id varint }
package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated reports a payload that ends inside a field.
	ErrTruncated = errors.New("wire: truncated payload")
	// ErrMalformed reports an envelope with invalid field contents.
	ErrMalformed = errors.New("wire: malformed payload")
	// ErrNotEnvelope reports a payload carrying neither telemetry nor a command.
	ErrNotEnvelope = errors.New("wire: payload is not an envelope")
)

// Kind classifies a decoded message.
type Kind int

const (
	KindUnknown Kind = iota
	KindTelemetry
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Code identifies a discrete command.
type Code uint32

const (
	CodeActivityStarted Code = 1
	CodeActivityEnded   Code = 2

	CodeTurnLeftAvailable   Code = 10
	CodeGoStraightAvailable Code = 11
	CodeTurnRightAvailable  Code = 12
	CodeUTurnAvailable      Code = 13
	CodeTurnLeft            Code = 20
	CodeGoStraight          Code = 21
	CodeTurnRight           Code = 22
	CodeUTurn               Code = 23
	CodeRideOn              Code = 30
	CodeWave                Code = 31
	CodeElbowFlick          Code = 32
	CodeBell                Code = 33
	CodeToggleGraphs        Code = 40
	CodeTakeScreenshot      Code = 41
	CodeChangeCamera        Code = 42
	CodeDiscardAero         Code = 50
	CodeDiscardLightweight  Code = 51
	CodeEndActivity         Code = 60
)

// Category groups command codes.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryLifecycle
	CategoryTurnNotification
	CategoryTurn
	CategoryEmote
	CategoryHUD
	CategoryDiscard
)

var codeNames = map[Code]string{
	CodeActivityStarted:     "activity_started",
	CodeActivityEnded:       "activity_ended",
	CodeTurnLeftAvailable:   "turn_left_available",
	CodeGoStraightAvailable: "go_straight_available",
	CodeTurnRightAvailable:  "turn_right_available",
	CodeUTurnAvailable:      "u_turn_available",
	CodeTurnLeft:            "turn_left",
	CodeGoStraight:          "go_straight",
	CodeTurnRight:           "turn_right",
	CodeUTurn:               "u_turn",
	CodeRideOn:              "ride_on",
	CodeWave:                "wave",
	CodeElbowFlick:          "elbow_flick",
	CodeBell:                "bell",
	CodeToggleGraphs:        "toggle_graphs",
	CodeTakeScreenshot:      "take_screenshot",
	CodeChangeCamera:        "change_camera",
	CodeDiscardAero:         "discard_aero",
	CodeDiscardLightweight:  "discard_lightweight",
	CodeEndActivity:         "end_activity",
}

// Known reports whether c is in the closed set of command codes.
func (c Code) Known() bool {
	_, ok := codeNames[c]
	return ok
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", uint32(c))
}

// Category returns the group c belongs to.
func (c Code) Category() Category {
	switch {
	case !c.Known():
		return CategoryUnknown
	case c == CodeActivityStarted || c == CodeActivityEnded || c == CodeEndActivity:
		return CategoryLifecycle
	case c >= 10 && c < 20:
		return CategoryTurnNotification
	case c >= 20 && c < 30:
		return CategoryTurn
	case c >= 30 && c < 40:
		return CategoryEmote
	case c >= 40 && c < 50:
		return CategoryHUD
	default:
		return CategoryDiscard
	}
}

// TurnDirection is the direction of a turn at a junction.
type TurnDirection int

const (
	TurnNone TurnDirection = iota
	TurnLeft
	GoStraight
	TurnRight
	UTurn
)

func (d TurnDirection) String() string {
	switch d {
	case TurnLeft:
		return "left"
	case GoStraight:
		return "straight"
	case TurnRight:
		return "right"
	case UTurn:
		return "u-turn"
	default:
		return "none"
	}
}

// ParseTurnDirection accepts the names produced by String.
func ParseTurnDirection(s string) (TurnDirection, error) {
	switch s {
	case "left":
		return TurnLeft, nil
	case "straight":
		return GoStraight, nil
	case "right":
		return TurnRight, nil
	case "u-turn", "uturn":
		return UTurn, nil
	case "", "none":
		return TurnNone, nil
	}
	return TurnNone, fmt.Errorf("unknown turn direction %q", s)
}

// AvailableDirection maps a turn-available notification to its direction.
func (c Code) AvailableDirection() (TurnDirection, bool) {
	switch c {
	case CodeTurnLeftAvailable:
		return TurnLeft, true
	case CodeGoStraightAvailable:
		return GoStraight, true
	case CodeTurnRightAvailable:
		return TurnRight, true
	case CodeUTurnAvailable:
		return UTurn, true
	}
	return TurnNone, false
}

// TurnCode returns the command that makes the rider take d.
func TurnCode(d TurnDirection) (Code, bool) {
	switch d {
	case TurnLeft:
		return CodeTurnLeft, true
	case GoStraight:
		return CodeGoStraight, true
	case TurnRight:
		return CodeTurnRight, true
	case UTurn:
		return CodeUTurn, true
	}
	return 0, false
}

// Telemetry is a rider position sample.
type Telemetry struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// Command is a discrete event or instruction.
type Command struct {
	Code         Code
	ActivityID   uint64
	ActivityName string
	SubjectID    uint64
}

// Message is a decoded envelope.
type Message struct {
	Kind      Kind
	RiderID   uint64
	Sequence  uint64
	WorldTime uint64
	Telemetry Telemetry
	Command   Command
}
