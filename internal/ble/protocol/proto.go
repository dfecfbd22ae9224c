// Package protocol implements the payload encoding for the Wink Module BLE
// protocol. Every characteristic carries the ASCII decimal form of an integer
// (or a short ASCII string for the OTA credential); there is no framing.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Fixed sentinel payloads.
const (
	SyncSentinel      = "1"
	DeepSleepSentinel = "1"
	ClearSentinel     = "0"
)

// Command is a movement preset code written to the request characteristic.
type Command int

const (
	BothUp Command = iota + 1
	BothDown
	BothBlink
	LeftUp
	LeftDown
	LeftBlink
	RightUp
	RightDown
	RightBlink
	LeftWink
	RightWink
	LeftWave
	RightWave
)

var commandNames = map[Command]string{
	BothUp:     "both-up",
	BothDown:   "both-down",
	BothBlink:  "both-blink",
	LeftUp:     "left-up",
	LeftDown:   "left-down",
	LeftBlink:  "left-blink",
	RightUp:    "right-up",
	RightDown:  "right-down",
	RightBlink: "right-blink",
	LeftWink:   "left-wink",
	RightWink:  "right-wink",
	LeftWave:   "left-wave",
	RightWave:  "right-wave",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return strconv.Itoa(int(c))
}

// Payload returns the wire form of the command.
func (c Command) Payload() []byte {
	return Decimal(int(c))
}

// ParseCommand accepts either a preset name ("both-blink") or a raw
// positive command code ("3").
func ParseCommand(s string) (Command, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range commandNames {
		if name == s {
			return c, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("protocol: unknown command %q", s)
	}
	return Command(n), nil
}

// Commands returns the named presets in code order.
func Commands() []Command {
	out := make([]Command, 0, len(commandNames))
	for c := BothUp; c <= RightWave; c++ {
		out = append(out, c)
	}
	return out
}

// Decimal encodes n as its ASCII decimal string.
func Decimal(n int) []byte {
	return []byte(strconv.Itoa(n))
}

// Side identifies one headlight.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// HeadlightState is the position reported by a headlight status
// characteristic.
//
//	0       down
//	1       up
//	2       animation in progress
//	3..100  sleepy-eye position, percent open
type HeadlightState int

const (
	StateDown   HeadlightState = 0
	StateUp     HeadlightState = 1
	StateMoving HeadlightState = 2
)

// StateUnknown is used before the first status read.
const StateUnknown HeadlightState = -1

var ErrBadState = errors.New("protocol: malformed headlight state")

// ParseHeadlightState decodes a status characteristic value.
func ParseHeadlightState(data []byte) (HeadlightState, error) {
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return StateUnknown, fmt.Errorf("%w: %q", ErrBadState, data)
	}
	if n < 0 || n > 100 {
		return StateUnknown, fmt.Errorf("%w: %d out of range", ErrBadState, n)
	}
	return HeadlightState(n), nil
}

// Moving reports whether the headlight is mid-animation.
func (h HeadlightState) Moving() bool {
	return h == StateMoving
}

func (h HeadlightState) String() string {
	switch {
	case h == StateUnknown:
		return "unknown"
	case h == StateDown:
		return "down"
	case h == StateUp:
		return "up"
	case h == StateMoving:
		return "moving"
	default:
		return fmt.Sprintf("sleepy %d%%", int(h))
	}
}

// MarshalText lets snapshots render states by name.
func (h HeadlightState) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (h *HeadlightState) UnmarshalText(text []byte) error {
	s := string(text)
	switch s {
	case "unknown":
		*h = StateUnknown
		return nil
	case "down":
		*h = StateDown
		return nil
	case "up":
		*h = StateUp
		return nil
	case "moving":
		*h = StateMoving
		return nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "sleepy %d%%", &n); err != nil || n < 3 || n > 100 {
		return fmt.Errorf("%w: %q", ErrBadState, s)
	}
	*h = HeadlightState(n)
	return nil
}
