// SPDX-License-Identifier: MIT

package logstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devsupd/devsupd/internal/errdefs"
)

func TestCompileReadyPatterns_Defaults(t *testing.T) {
	re, err := CompileReadyPatterns(nil)
	require.NoError(t, err)

	for _, banner := range []string{
		"Listening on http://localhost:3000",
		"  Server started in 312ms",
		"ready on 0.0.0.0:8080",
		"App running at: http://127.0.0.1:5173/",
		"webpack compiled successfully",
	} {
		require.True(t, re.MatchString(banner), "banner %q must match", banner)
	}

	require.False(t, re.MatchString("installing dependencies..."))
}

func TestCompileReadyPatterns_CustomOverridesDefaults(t *testing.T) {
	re, err := CompileReadyPatterns([]string{`^READY$`})
	require.NoError(t, err)
	require.True(t, re.MatchString("READY"))
	require.True(t, re.MatchString("ready"), "custom patterns stay case-insensitive")
	require.False(t, re.MatchString("Listening on :3000"), "defaults are replaced, not appended")
}

func TestCompileReadyPatterns_BadRegex(t *testing.T) {
	_, err := CompileReadyPatterns([]string{"valid", "(unclosed"})
	require.ErrorIs(t, err, errdefs.ErrInvalidRegex)
}

func TestReadyMatcher_FiresOnce(t *testing.T) {
	re, err := CompileReadyPatterns(nil)
	require.NoError(t, err)
	m := NewReadyMatcher(re)

	require.False(t, m.FeedLine([]byte("starting up")))
	require.False(t, m.Matched())
	require.True(t, m.FeedLine([]byte("Listening on :3000")))
	require.True(t, m.Matched())
	require.False(t, m.FeedLine([]byte("Listening on :3000")), "second match reports false")
}

func TestReadyMatcher_WindowBounded(t *testing.T) {
	re, err := CompileReadyPatterns([]string{"never-matches-xyz"})
	require.NoError(t, err)
	m := NewReadyMatcher(re)

	long := strings.Repeat("x", 1024)
	for i := 0; i < 100; i++ {
		require.False(t, m.FeedLine([]byte(long)))
	}
	// Still responsive after far more output than the window retains.
	require.False(t, m.Matched())
}

func TestDefaultReadyPatterns_ReturnsCopy(t *testing.T) {
	a := DefaultReadyPatterns()
	a[0] = "mutated"
	b := DefaultReadyPatterns()
	require.NotEqual(t, "mutated", b[0])
}
