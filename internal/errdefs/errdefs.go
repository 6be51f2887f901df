// SPDX-License-Identifier: MIT

// Package errdefs defines the error taxonomy shared by every component.
// Callers classify failures with errors.Is against the sentinel kinds; the
// API layer maps kinds to problem documents via Code.
package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Components wrap these with fmt.Errorf("...: %w", kind) so
// context survives while errors.Is keeps working across package boundaries.
var (
	ErrValidation          = errors.New("input validation failed")
	ErrNotFound            = errors.New("not found")
	ErrState               = errors.New("operation not valid in current state")
	ErrPortSystemReserved  = errors.New("port is in the reserved system range")
	ErrPortOutOfRange      = errors.New("port is outside the tagged range")
	ErrPortAllocated       = errors.New("port is held by another session")
	ErrPortInUseExternally = errors.New("port is bound by an external process")
	ErrNoFreePortInRange   = errors.New("no free port in range")
	ErrLimit               = errors.New("session limit reached")
	ErrSpawn               = errors.New("process spawn failed")
	ErrIO                  = errors.New("persistence failure")
	ErrInvalidRegex        = errors.New("regular expression did not compile")
	ErrTimeout             = errors.New("deadline expired")
	ErrLagged              = errors.New("stream lagged")
)

// Code returns the stable machine code for the error's kind, or "INTERNAL"
// when the error does not wrap a known sentinel.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrState):
		return "STATE"
	case errors.Is(err, ErrPortSystemReserved):
		return "PORT_SYSTEM_RESERVED"
	case errors.Is(err, ErrPortOutOfRange):
		return "PORT_OUT_OF_RANGE"
	case errors.Is(err, ErrPortAllocated):
		return "PORT_ALLOCATED"
	case errors.Is(err, ErrPortInUseExternally):
		return "PORT_IN_USE_EXTERNALLY"
	case errors.Is(err, ErrNoFreePortInRange):
		return "NO_FREE_PORT_IN_RANGE"
	case errors.Is(err, ErrLimit):
		return "LIMIT"
	case errors.Is(err, ErrSpawn):
		return "SPAWN"
	case errors.Is(err, ErrIO):
		return "IO"
	case errors.Is(err, ErrInvalidRegex):
		return "INVALID_REGEX"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrLagged):
		return "LAGGED"
	default:
		return "INTERNAL"
	}
}

// PortError is the structured failure returned by port allocation. It wraps
// one of the ErrPort* sentinels and carries up to five alternative ports in
// the same tagged range, closest by numeric distance.
type PortError struct {
	Kind        error
	Port        int
	Tag         string
	Suggestions []int
}

func (e *PortError) Error() string {
	if e.Port > 0 {
		return fmt.Sprintf("port %d: %v", e.Port, e.Kind)
	}
	return e.Kind.Error()
}

func (e *PortError) Unwrap() error { return e.Kind }

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}
