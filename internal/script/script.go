// Package script defines the dialogue model for a two-performer manzai act.
package script

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrEmptyDialogue = errors.New("dialogue has no lines")
	ErrUnknownRole   = errors.New("unknown performer role")
)

// Role identifies one of the two fixed conversational roles.
type Role int

const (
	RoleTsukkomi Role = iota
	RoleBoke
	RoleCount
)

// String returns the display name of the role.
func (r Role) String() string {
	switch r {
	case RoleTsukkomi:
		return "tsukkomi"
	case RoleBoke:
		return "boke"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole converts a role label to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tsukkomi", "a", "ツッコミ", "つっこみ":
		return RoleTsukkomi, nil
	case "boke", "b", "ボケ", "ぼけ":
		return RoleBoke, nil
	default:
		return RoleTsukkomi, fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Other returns the opposite performer.
func (r Role) Other() Role {
	if r == RoleTsukkomi {
		return RoleBoke
	}
	return RoleTsukkomi
}

// Line is a single dialogue line. Immutable once generated.
type Line struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Dialogue is an ordered two-role script.
type Dialogue struct {
	Topic string `json:"topic,omitempty"`
	Lines []Line `json:"lines"`
}

// Validate checks that the dialogue can be performed.
func (d *Dialogue) Validate() error {
	if len(d.Lines) == 0 {
		return ErrEmptyDialogue
	}
	for i, line := range d.Lines {
		if line.Role != RoleTsukkomi && line.Role != RoleBoke {
			return fmt.Errorf("line %d: %w", i, ErrUnknownRole)
		}
	}
	return nil
}
