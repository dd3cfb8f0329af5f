package energy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode is a processor energy mode ordered from shallowest (EM0, running) to deepest (EM4).
type Mode int

const (
	EM0 Mode = iota
	EM1
	EM2
	EM3
	EM4
)

// NumModes is the number of reservation slots tracked by the Arbiter.
const NumModes = 5

func (m Mode) Valid() bool {
	return m >= EM0 && m <= EM4
}

func (m Mode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("EM?(%d)", int(m))
	}
	return fmt.Sprintf("EM%d", int(m))
}

// ParseMode accepts "EM2", "em2" or "2".
func ParseMode(s string) (Mode, error) {
	v := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "EM")
	if len(v) != 1 || v[0] < '0' || v[0] > '4' {
		return 0, fmt.Errorf("energy: unknown mode %q", s)
	}
	return Mode(v[0] - '0'), nil
}

func (m Mode) MarshalYAML() (interface{}, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("energy: invalid mode %d", int(m))
	}
	return m.String(), nil
}

func (m *Mode) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseMode(value.Value)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
