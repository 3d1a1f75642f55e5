package execution

import (
	"fmt"
	"strings"
)

// Request is the immutable input of one turn
type Request struct {
	SessionID string
	RequestID string
	Content   string
	Tools     []string
	AgentCode string
}

// ValidationError describes input rejected before a turn starts
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks identifiers and the declared client tools
func (r Request) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return &ValidationError{Field: "sessionCode", Reason: "must not be empty"}
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return &ValidationError{Field: "requestId", Reason: "must not be empty"}
	}

	seen := make(map[string]struct{}, len(r.Tools))
	for i, name := range r.Tools {
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Field: "tools", Reason: fmt.Sprintf("tool name at index %d is blank", i)}
		}
		if _, dup := seen[name]; dup {
			return &ValidationError{Field: "tools", Reason: fmt.Sprintf("duplicate tool name %q", name)}
		}
		seen[name] = struct{}{}
	}
	return nil
}

// HasTool reports whether the client declared name
func (r Request) HasTool(name string) bool {
	for _, t := range r.Tools {
		if t == name {
			return true
		}
	}
	return false
}
