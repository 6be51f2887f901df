// SPDX-License-Identifier: MIT

package portreg

import (
	"fmt"

	"github.com/devsupd/devsupd/internal/errdefs"
)

// Tag labels the kind of project a port is allocated for and selects the
// default scan range. Tags never affect process behavior.
type Tag string

const (
	TagNode    Tag = "node"
	TagStatic  Tag = "static"
	TagPython  Tag = "python"
	TagPHP     Tag = "php"
	TagGeneric Tag = "generic"
)

// Range is an inclusive port interval.
type Range struct {
	Lo int
	Hi int
}

// Contains reports whether port lies inside the range.
func (r Range) Contains(port int) bool { return port >= r.Lo && port <= r.Hi }

// Size returns the number of ports in the range.
func (r Range) Size() int { return r.Hi - r.Lo + 1 }

// reservedRange is never handed out and never accepted, regardless of tag.
var reservedRange = Range{Lo: 2601, Hi: 2699}

// taggedRanges maps each ranged tag to its scan interval. TagGeneric is
// absent on purpose: generic allocations are caller-supplied only.
var taggedRanges = map[Tag]Range{
	TagNode:   {Lo: 3000, Hi: 3999},
	TagStatic: {Lo: 4000, Hi: 4999},
	TagPython: {Lo: 5000, Hi: 5999},
	TagPHP:    {Lo: 8080, Hi: 8980},
}

// ParseTag validates a caller-supplied tag string. The empty string means
// generic.
func ParseTag(s string) (Tag, error) {
	switch Tag(s) {
	case "":
		return TagGeneric, nil
	case TagNode, TagStatic, TagPython, TagPHP, TagGeneric:
		return Tag(s), nil
	default:
		return "", fmt.Errorf("unknown port tag %q: %w", s, errdefs.ErrValidation)
	}
}

// RangeFor returns the scan range for a ranged tag. ok is false for
// TagGeneric, which has no range of its own.
func RangeFor(tag Tag) (Range, bool) {
	r, ok := taggedRanges[tag]
	return r, ok
}

// IsReserved reports whether the port falls into the reserved system range.
func IsReserved(port int) bool { return reservedRange.Contains(port) }
