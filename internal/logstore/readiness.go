// SPDX-License-Identifier: MIT

package logstore

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/devsupd/devsupd/internal/errdefs"
)

// defaultReadyPatterns cover the startup banners of common dev servers.
// They are matched case-insensitively.
var defaultReadyPatterns = []string{
	"listening on",
	"server started",
	"ready on",
	"running at",
	"started on port",
	"compiled successfully",
	"build finished",
}

// readyWindow is how much trailing output a matcher retains, enough to catch
// a banner split across pipe reads.
const readyWindow = 8 << 10

// DefaultReadyPatterns returns a copy of the built-in banner set.
func DefaultReadyPatterns() []string {
	return append([]string(nil), defaultReadyPatterns...)
}

// CompileReadyPatterns compiles an ordered pattern list into one
// case-insensitive alternation. An empty list selects the built-in set; a
// pattern that does not compile reports ErrInvalidRegex.
func CompileReadyPatterns(patterns []string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		patterns = defaultReadyPatterns
	}
	parts := make([]string, len(patterns))
	for i, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("ready pattern %q: %v: %w", p, err, errdefs.ErrInvalidRegex)
		}
		parts[i] = "(?:" + p + ")"
	}
	return regexp.Compile("(?i)" + strings.Join(parts, "|"))
}

// ReadyMatcher watches a session's combined output for the first readiness
// match. FeedLine is safe for concurrent use by both pipe readers and
// returns true exactly once.
type ReadyMatcher struct {
	re *regexp.Regexp

	mu      sync.Mutex
	window  []byte
	matched bool
}

func NewReadyMatcher(re *regexp.Regexp) *ReadyMatcher {
	return &ReadyMatcher{re: re}
}

// FeedLine appends one produced line (without its newline) to the match
// window.
func (m *ReadyMatcher) FeedLine(line []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.matched {
		return false
	}
	m.window = append(m.window, line...)
	m.window = append(m.window, '\n')
	if m.re.Match(m.window) {
		m.matched = true
		m.window = nil
		return true
	}
	if len(m.window) > readyWindow {
		m.window = append([]byte(nil), m.window[len(m.window)-readyWindow:]...)
	}
	return false
}

// Matched reports whether the pattern has already fired.
func (m *ReadyMatcher) Matched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matched
}
