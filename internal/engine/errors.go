package engine

import "fmt"

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidStateError reports an operation applied in a status that does
// not permit it, including losing a concurrent compare-and-swap.
type InvalidStateError struct {
	Kind   string
	ID     string
	Status string
	Want   string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s, want %s", e.Kind, e.ID, e.Status, e.Want)
}

// ValidationError reports missing or malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
