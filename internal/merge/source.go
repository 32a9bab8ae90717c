package merge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Source says where the final value of an attribute comes from.
type Source int

const (
	SourceA Source = iota
	SourceB
	SourceDelete
	SourceEdit
)

var sourceNames = [...]string{"A", "B", "Delete", "Edit"}

func (s Source) String() string {
	if s < 0 || int(s) >= len(sourceNames) {
		return fmt.Sprintf("Source(%d)", int(s))
	}
	return sourceNames[s]
}

// ParseSource accepts the names produced by String, case-insensitively.
func ParseSource(s string) (Source, error) {
	for i, name := range sourceNames {
		if strings.EqualFold(s, name) {
			return Source(i), nil
		}
	}
	return 0, fmt.Errorf("%w: source %q", ErrInvalidValue, s)
}

func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Source) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseSource(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Side identifies one of the two records in a session.
type Side int

const (
	SideUndetermined Side = iota
	SideA
	SideB
)

func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	default:
		return "undetermined"
	}
}

func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "A":
		*s = SideA
	case "B":
		*s = SideB
	default:
		*s = SideUndetermined
	}
	return nil
}
