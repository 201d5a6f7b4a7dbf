package consent

import (
	"fmt"
	"strings"
)

// Level is an ordered consent strength.
type Level int

const (
	None Level = iota
	ReadOnly
	Basic
	Elevated
	Full
)

var levelNames = [...]string{"NONE", "READ_ONLY", "BASIC", "ELEVATED", "FULL"}

// String returns the level's canonical name.
func (l Level) String() string {
	if l < None || l > Full {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is a defined level.
func (l Level) Valid() bool {
	return l >= None && l <= Full
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == u {
			return Level(i), nil
		}
	}
	return None, fmt.Errorf("unknown consent level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid consent level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// RequiredLevel returns the minimum consent level for operation. Dangerous
// marks tool executions that need elevated consent. Unrecognized operations
// require FULL.
func RequiredLevel(operation string, dangerous bool) Level {
	switch operation {
	case "ping":
		return ReadOnly
	case "tools/list", "tools/get":
		return ReadOnly
	case "tools/execute", "tools/call":
		if dangerous {
			return Elevated
		}
		return Basic
	case "resources/list", "resources/read":
		return ReadOnly
	case "resources/subscribe", "resources/unsubscribe":
		return Basic
	case "resources/write":
		return Elevated
	case "prompts/list", "prompts/get":
		return ReadOnly
	}
	switch {
	case strings.HasPrefix(operation, "capabilities/"):
		return ReadOnly
	case strings.HasPrefix(operation, "system/"):
		return Full
	}
	return Full
}
