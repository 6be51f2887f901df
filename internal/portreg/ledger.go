// SPDX-License-Identifier: MIT

package portreg

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/devsupd/devsupd/internal/errdefs"
)

// LedgerKey is the kv key the registry persists under.
const LedgerKey = "ports.json"

// historySize bounds the persisted event history; older entries drop FIFO.
const historySize = 100

const ledgerVersion = 1

// Allocation is one live port reservation.
type Allocation struct {
	Port           int       `json:"port"`
	OwnerSessionID string    `json:"ownerSessionId"`
	Tag            Tag       `json:"projectTypeTag"`
	AllocatedAt    time.Time `json:"allocatedAt"`
}

// History entry kinds.
const (
	historyAllocated  = "allocated"
	historyReleased   = "released"
	historyGCReleased = "gc_released"
)

type historyEntry struct {
	Ts        time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Port      int       `json:"port"`
	SessionID string    `json:"sessionId"`
}

// ledgerDoc is the single JSON document written to disk after every mutation.
type ledgerDoc struct {
	Version     int                   `json:"version"`
	Allocations map[string]Allocation `json:"allocations"`
	History     []historyEntry        `json:"history"`
}

func encodeLedger(allocs map[int]Allocation, history []historyEntry) ([]byte, error) {
	doc := ledgerDoc{
		Version:     ledgerVersion,
		Allocations: make(map[string]Allocation, len(allocs)),
		History:     history,
	}
	if doc.History == nil {
		doc.History = []historyEntry{}
	}
	for port, a := range allocs {
		doc.Allocations[strconv.Itoa(port)] = a
	}
	return json.MarshalIndent(doc, "", "  ")
}

func decodeLedger(data []byte) (map[int]Allocation, []historyEntry, error) {
	var doc ledgerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("ledger: parse: %v: %w", err, errdefs.ErrIO)
	}
	if doc.Version != ledgerVersion {
		return nil, nil, fmt.Errorf("ledger: unsupported version %d: %w", doc.Version, errdefs.ErrIO)
	}
	allocs := make(map[int]Allocation, len(doc.Allocations))
	for key, a := range doc.Allocations {
		port, err := strconv.Atoi(key)
		if err != nil || port < 1 || port > 65535 || port != a.Port {
			return nil, nil, fmt.Errorf("ledger: invalid allocation key %q: %w", key, errdefs.ErrIO)
		}
		allocs[port] = a
	}
	history := doc.History
	if len(history) > historySize {
		history = history[len(history)-historySize:]
	}
	return allocs, history, nil
}

// sortedPorts returns the allocation ports in ascending order, for stable
// listing output.
func sortedPorts(allocs map[int]Allocation) []int {
	out := make([]int, 0, len(allocs))
	for p := range allocs {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
