package models

import (
	"fmt"
	"strings"
)

// ScopeSegment identifies one fan-out level: an item index under a forEach
// parent check.
type ScopeSegment struct {
	Check string `json:"check"`
	Index int    `json:"index"`
}

// ScopePath locates an execution inside a fan-out tree. The empty path is
// the root scope. Identity of a step run is (scope, checkId).
type ScopePath []ScopeSegment

// RootScope is the empty scope shared by all non-fan-out executions.
var RootScope = ScopePath{}

// ItemScope builds a single-level scope under a forEach parent.
func ItemScope(parent string, index int) ScopePath {
	return ScopePath{{Check: parent, Index: index}}
}

// Child extends the path with one more fan-out level.
func (s ScopePath) Child(parent string, index int) ScopePath {
	child := make(ScopePath, len(s), len(s)+1)
	copy(child, s)
	return append(child, ScopeSegment{Check: parent, Index: index})
}

// IsRoot reports whether this is the root scope.
func (s ScopePath) IsRoot() bool { return len(s) == 0 }

// Key returns a stable string form usable as a map key.
func (s ScopePath) Key() string {
	if len(s) == 0 {
		return ""
	}
	parts := make([]string, len(s))
	for i, seg := range s {
		parts[i] = fmt.Sprintf("%s[%d]", seg.Check, seg.Index)
	}
	return strings.Join(parts, ".")
}

// Prefixes returns all proper prefixes of the path, longest first,
// ending with the root scope. Used for scope fallback resolution.
func (s ScopePath) Prefixes() []ScopePath {
	prefixes := make([]ScopePath, 0, len(s))
	for i := len(s) - 1; i >= 0; i-- {
		prefixes = append(prefixes, s[:i])
	}
	return prefixes
}

// Equal reports whether two paths identify the same scope.
func (s ScopePath) Equal(other ScopePath) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s ScopePath) String() string {
	if s.IsRoot() {
		return "root"
	}
	return s.Key()
}
