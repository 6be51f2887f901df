// SPDX-License-Identifier: MIT

package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCode_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ErrValidation, "VALIDATION"},
		{ErrNotFound, "NOT_FOUND"},
		{ErrState, "STATE"},
		{ErrPortSystemReserved, "PORT_SYSTEM_RESERVED"},
		{ErrPortOutOfRange, "PORT_OUT_OF_RANGE"},
		{ErrPortAllocated, "PORT_ALLOCATED"},
		{ErrPortInUseExternally, "PORT_IN_USE_EXTERNALLY"},
		{ErrNoFreePortInRange, "NO_FREE_PORT_IN_RANGE"},
		{ErrLimit, "LIMIT"},
		{ErrSpawn, "SPAWN"},
		{ErrIO, "IO"},
		{ErrInvalidRegex, "INVALID_REGEX"},
		{ErrTimeout, "TIMEOUT"},
		{ErrLagged, "LAGGED"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.code, Code(tc.err))
		// Codes must survive wrapping.
		require.Equal(t, tc.code, Code(fmt.Errorf("context: %w", tc.err)))
	}
}

func TestCode_UnknownIsInternal(t *testing.T) {
	require.Equal(t, "INTERNAL", Code(errors.New("something else")))
	require.Equal(t, "INTERNAL", Code(nil))
}

func TestPortError_Unwrap(t *testing.T) {
	err := &PortError{Kind: ErrPortAllocated, Port: 3000, Tag: "node", Suggestions: []int{3001, 3002}}

	require.True(t, errors.Is(err, ErrPortAllocated))
	require.Equal(t, "PORT_ALLOCATED", Code(err))
	require.Contains(t, err.Error(), "3000")

	var pe *PortError
	require.True(t, errors.As(fmt.Errorf("allocate: %w", err), &pe))
	require.Equal(t, []int{3001, 3002}, pe.Suggestions)
}

func TestPortError_NoPort(t *testing.T) {
	err := &PortError{Kind: ErrNoFreePortInRange, Tag: "node"}
	require.Equal(t, ErrNoFreePortInRange.Error(), err.Error())
}

func TestValidationf(t *testing.T) {
	err := Validationf("port %d out of range", 99)
	require.True(t, errors.Is(err, ErrValidation))
	require.Contains(t, err.Error(), "port 99 out of range")
}
