package v1

import (
	"errors"
	"fmt"
	"strings"
)

// LookupError is returned when a referenced secret, config map or volume does not exist.
type LookupError struct {
	Kind string
	Name string
	// In optionally names the resource which was searched.
	In string
}

func (e *LookupError) Error() string {
	if e.In != "" {
		return fmt.Sprintf("%s %s not found in %s", e.Kind, e.Name, e.In)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.Name)
}

// OrderingError is returned when a resource used by a hook workload is not guaranteed to exist before the hook runs.
type OrderingError struct {
	Resource       string
	ResourceWeight *int
	UsedBy         string
	UsedByWeight   int
}

func (e *OrderingError) Error() string {
	if e.ResourceWeight == nil {
		return fmt.Sprintf("%s used by %s has no hook weight", e.Resource, e.UsedBy)
	}
	return fmt.Sprintf("%s has the same or higher hook weight (%d) than the current one used by %s (%d)",
		e.Resource, *e.ResourceWeight, e.UsedBy, e.UsedByWeight)
}

// MalformedConventionError is returned when a container looks like a render-config container but its arguments
// do not follow the render-config argument convention.
type MalformedConventionError struct {
	Container string
	Reason    string
}

func (e *MalformedConventionError) Error() string {
	return fmt.Sprintf("container %s is malformed: %s", e.Container, e.Reason)
}

// ConsistencyError lists every offending item of one failed consistency check.
type ConsistencyError struct {
	Check     string
	Container string
	Summary   string
	Offenders []string
	// Details carries additional diagnostic lines, e.g. skipped paths or inspected sources.
	Details []string
}

func (e *ConsistencyError) Error() string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("%s : %s:", e.Container, e.Summary))
	for _, offender := range e.Offenders {
		builder.WriteString("\n- ")
		builder.WriteString(offender)
	}
	for _, detail := range e.Details {
		builder.WriteString("\n")
		builder.WriteString(detail)
	}

	return builder.String()
}

// IsLookupError checks if the given error is or wraps a LookupError.
func IsLookupError(err error) bool {
	var lookupErr *LookupError
	return errors.As(err, &lookupErr)
}

// IsOrderingError checks if the given error is or wraps an OrderingError.
func IsOrderingError(err error) bool {
	var orderingErr *OrderingError
	return errors.As(err, &orderingErr)
}

// IsMalformedConventionError checks if the given error is or wraps a MalformedConventionError.
func IsMalformedConventionError(err error) bool {
	var malformedErr *MalformedConventionError
	return errors.As(err, &malformedErr)
}

// IsConsistencyError checks if the given error is or wraps a ConsistencyError.
func IsConsistencyError(err error) bool {
	var consistencyErr *ConsistencyError
	return errors.As(err, &consistencyErr)
}
