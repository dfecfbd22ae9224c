package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Press-count bounds for the OEM retractor button.
const (
	MinPresses = 1
	MaxPresses = 10
)

// MinButtonDelay is the shortest press-sequence threshold worth sending; the
// module cannot tell presses apart below it.
const MinButtonDelay = 100 * time.Millisecond

// Behavior is what the module does for a given number of OEM button presses.
// The zero value means "unassigned" and is written as ClearSentinel.
type Behavior int

const (
	Unassigned Behavior = iota
	DefaultBehavior
	BehaviorLeftWink
	BehaviorRightWink
	BehaviorBothBlink
	BehaviorLeftWave
	BehaviorRightWave
)

var behaviorNames = map[Behavior]string{
	Unassigned:        "unassigned",
	DefaultBehavior:   "default",
	BehaviorLeftWink:  "left-wink",
	BehaviorRightWink: "right-wink",
	BehaviorBothBlink: "both-blink",
	BehaviorLeftWave:  "left-wave",
	BehaviorRightWave: "right-wave",
}

// behaviorCodes maps behaviors to the codes the firmware stores in its
// button table.
var behaviorCodes = map[Behavior]int{
	DefaultBehavior:   1,
	BehaviorLeftWink:  2,
	BehaviorRightWink: 3,
	BehaviorBothBlink: 4,
	BehaviorLeftWave:  5,
	BehaviorRightWave: 6,
}

func (b Behavior) String() string {
	if name, ok := behaviorNames[b]; ok {
		return name
	}
	return "behavior(" + strconv.Itoa(int(b)) + ")"
}

// Payload returns the second-stage value for the custom button register.
func (b Behavior) Payload() []byte {
	code, ok := behaviorCodes[b]
	if !ok {
		return []byte(ClearSentinel)
	}
	return Decimal(code)
}

// ParseBehavior resolves a behavior by name.
func ParseBehavior(s string) (Behavior, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for b, name := range behaviorNames {
		if name == s {
			return b, nil
		}
	}
	return Unassigned, fmt.Errorf("protocol: unknown button behavior %q", s)
}

// ValidPresses reports whether n is an addressable press count.
func ValidPresses(n int) bool {
	return n >= MinPresses && n <= MaxPresses
}

// DelayPayload encodes a press-delay threshold in milliseconds.
func DelayPayload(d time.Duration) []byte {
	return Decimal(int(d / time.Millisecond))
}
