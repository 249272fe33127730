package graph

import "fmt"

// IntegrityError reports a rewrite that would violate a structural invariant
// of the graph: a dangling edge, a cycle, or incompatible shapes.
type IntegrityError struct {
	Op     string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("graph integrity: %s: %s", e.Op, e.Reason)
}

func integrityErrorf(op, format string, args ...any) *IntegrityError {
	return &IntegrityError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
