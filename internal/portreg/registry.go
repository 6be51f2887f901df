// SPDX-License-Identifier: MIT

// Package portreg issues non-conflicting ports for supervised sessions. It
// refuses reservations that clash with its own live allocations, with ports
// already bound elsewhere on the host, or with the reserved system range,
// and persists every mutation to a single JSON ledger.
package portreg

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devsupd/devsupd/internal/bus"
	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/kv"
	"github.com/devsupd/devsupd/internal/log"
	"github.com/devsupd/devsupd/internal/metrics"
)

// maxSuggestions bounds the alternatives attached to conflict errors.
const maxSuggestions = 5

// Publisher is the slice of the event bus the registry needs.
type Publisher interface {
	Publish(ev bus.Event)
}

// Registry owns the port ledger. All mutations serialize through mu; OS
// probes and disk writes always happen with mu released so slow binds and
// fsyncs never block readers.
type Registry struct {
	store  *kv.Store
	prober Prober
	pub    Publisher
	logger zerolog.Logger

	// writeMu orders ledger writes with the mutations that produced them.
	// It is acquired before mu and held across the disk write; mu itself is
	// released first so lookups proceed during IO.
	writeMu sync.Mutex

	mu      sync.Mutex
	allocs  map[int]Allocation
	history []historyEntry
}

// NewRegistry loads the persisted ledger (starting empty when the file is
// absent or corrupt) and returns a ready registry.
func NewRegistry(store *kv.Store, prober Prober, pub Publisher) *Registry {
	r := &Registry{
		store:  store,
		prober: prober,
		pub:    pub,
		logger: log.WithComponent("portreg"),
		allocs: make(map[int]Allocation),
	}

	data, ok, err := store.Load(LedgerKey)
	switch {
	case err != nil:
		r.logger.Error().Err(err).Str(log.FieldEvent, "ports.ledger_load_failed").
			Msg("could not read port ledger, starting empty")
	case ok:
		allocs, history, decErr := decodeLedger(data)
		if decErr != nil {
			r.logger.Error().Err(decErr).Str(log.FieldEvent, "ports.ledger_corrupt").
				Msg("port ledger unreadable, starting empty")
			break
		}
		r.allocs = allocs
		r.history = history
		r.logger.Info().Int("allocations", len(allocs)).
			Str(log.FieldEvent, "ports.ledger_loaded").Msg("port ledger loaded")
	}

	metrics.PortsHeld.Set(float64(len(r.allocs)))
	return r
}

func (r *Registry) publish(ev bus.Event) {
	if r.pub != nil {
		r.pub.Publish(ev)
	}
}

// Allocate reserves a port for sessionID. With requested == 0 it scans the
// tag's range ascending and returns the first port that is neither held nor
// OS-bound. With an explicit port it validates range membership (unless the
// tag is generic) and both conflict axes. Conflict errors are *errdefs.Port
// Error values carrying up to five nearby free ports.
func (r *Registry) Allocate(requested int, tag Tag, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("allocate: empty session id: %w", errdefs.ErrValidation)
	}
	if _, ranged := RangeFor(tag); !ranged && tag != TagGeneric {
		metrics.PortAllocationsTotal.WithLabelValues("invalid").Inc()
		return 0, fmt.Errorf("allocate: unknown tag %q: %w", tag, errdefs.ErrValidation)
	}

	if requested == 0 {
		return r.allocateScan(tag, sessionID)
	}
	return r.allocateExact(requested, tag, sessionID)
}

func (r *Registry) allocateScan(tag Tag, sessionID string) (int, error) {
	rng, ok := RangeFor(tag)
	if !ok {
		metrics.PortAllocationsTotal.WithLabelValues("invalid").Inc()
		return 0, fmt.Errorf("allocate: tag %q requires an explicit port: %w", tag, errdefs.ErrValidation)
	}

	// Ports found OS-bound during this call; bounds the retry loop to the
	// range size even under concurrent allocations.
	busy := make(map[int]bool)

	for {
		r.mu.Lock()
		candidate := 0
		for p := rng.Lo; p <= rng.Hi; p++ {
			if _, held := r.allocs[p]; held || busy[p] {
				continue
			}
			candidate = p
			break
		}
		r.mu.Unlock()

		if candidate == 0 {
			metrics.PortAllocationsTotal.WithLabelValues("no_free_port").Inc()
			return 0, &errdefs.PortError{Kind: errdefs.ErrNoFreePortInRange, Tag: string(tag)}
		}

		if r.prober.InUse(candidate) {
			busy[candidate] = true
			continue
		}

		if r.commit(candidate, tag, sessionID) {
			return candidate, nil
		}
		// Lost the race for this candidate between probe and commit; rescan.
		busy[candidate] = true
	}
}

func (r *Registry) allocateExact(port int, tag Tag, sessionID string) (int, error) {
	if port < 1 || port > 65535 {
		metrics.PortAllocationsTotal.WithLabelValues("invalid").Inc()
		return 0, fmt.Errorf("allocate: port %d out of [1,65535]: %w", port, errdefs.ErrValidation)
	}
	if IsReserved(port) {
		metrics.PortAllocationsTotal.WithLabelValues("system_reserved").Inc()
		return 0, &errdefs.PortError{Kind: errdefs.ErrPortSystemReserved, Port: port, Tag: string(tag)}
	}
	rng, ranged := RangeFor(tag)
	if ranged && !rng.Contains(port) {
		metrics.PortAllocationsTotal.WithLabelValues("out_of_range").Inc()
		return 0, &errdefs.PortError{Kind: errdefs.ErrPortOutOfRange, Port: port, Tag: string(tag)}
	}

	r.mu.Lock()
	_, held := r.allocs[port]
	r.mu.Unlock()
	if held {
		metrics.PortAllocationsTotal.WithLabelValues("already_allocated").Inc()
		return 0, &errdefs.PortError{
			Kind: errdefs.ErrPortAllocated, Port: port, Tag: string(tag),
			Suggestions: r.suggestAround(port, tag),
		}
	}

	if r.prober.InUse(port) {
		metrics.PortAllocationsTotal.WithLabelValues("in_use_externally").Inc()
		return 0, &errdefs.PortError{
			Kind: errdefs.ErrPortInUseExternally, Port: port, Tag: string(tag),
			Suggestions: r.suggestAround(port, tag),
		}
	}

	if !r.commit(port, tag, sessionID) {
		metrics.PortAllocationsTotal.WithLabelValues("already_allocated").Inc()
		return 0, &errdefs.PortError{
			Kind: errdefs.ErrPortAllocated, Port: port, Tag: string(tag),
			Suggestions: r.suggestAround(port, tag),
		}
	}
	return port, nil
}

// commit records the allocation if the port is still free and persists the
// ledger. Returns false when another caller took the port since the probe.
func (r *Registry) commit(port int, tag Tag, sessionID string) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if _, held := r.allocs[port]; held {
		r.mu.Unlock()
		return false
	}
	alloc := Allocation{
		Port:           port,
		OwnerSessionID: sessionID,
		Tag:            tag,
		AllocatedAt:    time.Now().UTC(),
	}
	r.allocs[port] = alloc
	r.appendHistoryLocked(historyAllocated, port, sessionID)
	snapshot := r.snapshotLocked()
	held := len(r.allocs)
	r.mu.Unlock()

	r.persist(snapshot)
	metrics.PortsHeld.Set(float64(held))
	metrics.PortAllocationsTotal.WithLabelValues("ok").Inc()
	r.publish(bus.PortAllocated{Port: port, SessionID: sessionID})
	r.logger.Info().Int(log.FieldPort, port).Str(log.FieldSessionID, sessionID).
		Str(log.FieldTag, string(tag)).Str(log.FieldEvent, "ports.allocated").Msg("port allocated")
	return true
}

// Release frees one allocation. The caller must be the owning session.
func (r *Registry) Release(port int, sessionID string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	alloc, ok := r.allocs[port]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("release: port %d: %w", port, errdefs.ErrNotFound)
	}
	if alloc.OwnerSessionID != sessionID {
		r.mu.Unlock()
		return fmt.Errorf("release: port %d held by %s, not %s: %w",
			port, alloc.OwnerSessionID, sessionID, errdefs.ErrState)
	}
	delete(r.allocs, port)
	r.appendHistoryLocked(historyReleased, port, sessionID)
	snapshot := r.snapshotLocked()
	held := len(r.allocs)
	r.mu.Unlock()

	r.persist(snapshot)
	metrics.PortsHeld.Set(float64(held))
	r.publish(bus.PortReleased{Port: port, SessionID: sessionID})
	r.logger.Info().Int(log.FieldPort, port).Str(log.FieldSessionID, sessionID).
		Str(log.FieldEvent, "ports.released").Msg("port released")
	return nil
}

// ReleaseAllFor frees every allocation owned by sessionID and returns how
// many there were.
func (r *Registry) ReleaseAllFor(sessionID string) int {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	var released []int
	for port, alloc := range r.allocs {
		if alloc.OwnerSessionID == sessionID {
			released = append(released, port)
		}
	}
	for _, port := range released {
		delete(r.allocs, port)
		r.appendHistoryLocked(historyReleased, port, sessionID)
	}
	if len(released) == 0 {
		r.mu.Unlock()
		return 0
	}
	snapshot := r.snapshotLocked()
	held := len(r.allocs)
	r.mu.Unlock()

	r.persist(snapshot)
	metrics.PortsHeld.Set(float64(held))
	for _, port := range released {
		r.publish(bus.PortReleased{Port: port, SessionID: sessionID})
	}
	return len(released)
}

// GetAllocation returns the live allocation for port, if any.
func (r *Registry) GetAllocation(port int) (Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alloc, ok := r.allocs[port]
	return alloc, ok
}

// ListByTag returns live allocations for one tag, ordered by port.
func (r *Registry) ListByTag(tag Tag) []Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Allocation, 0)
	for _, port := range sortedPorts(r.allocs) {
		if a := r.allocs[port]; a.Tag == tag {
			out = append(out, a)
		}
	}
	return out
}

// List returns all live allocations ordered by port.
func (r *Registry) List() []Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Allocation, 0, len(r.allocs))
	for _, port := range sortedPorts(r.allocs) {
		out = append(out, r.allocs[port])
	}
	return out
}

// GCOrphans releases every held port that no process is actually listening
// on and returns the released ports. A healthy session always listens on its
// port, so a bindable held port belongs to a session that is gone.
func (r *Registry) GCOrphans() []int {
	r.mu.Lock()
	candidates := make([]int, 0, len(r.allocs))
	for _, port := range sortedPorts(r.allocs) {
		candidates = append(candidates, port)
	}
	r.mu.Unlock()

	orphans := make([]int, 0)
	for _, port := range candidates {
		if !r.prober.InUse(port) {
			orphans = append(orphans, port)
		}
	}
	if len(orphans) == 0 {
		return []int{}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	released := make([]int, 0, len(orphans))
	owners := make(map[int]string, len(orphans))
	for _, port := range orphans {
		alloc, ok := r.allocs[port]
		if !ok {
			continue
		}
		delete(r.allocs, port)
		r.appendHistoryLocked(historyGCReleased, port, alloc.OwnerSessionID)
		released = append(released, port)
		owners[port] = alloc.OwnerSessionID
	}
	if len(released) == 0 {
		r.mu.Unlock()
		return []int{}
	}
	snapshot := r.snapshotLocked()
	held := len(r.allocs)
	r.mu.Unlock()

	r.persist(snapshot)
	metrics.PortsHeld.Set(float64(held))
	for _, port := range released {
		r.publish(bus.PortReleased{Port: port, SessionID: owners[port]})
	}
	r.logger.Info().Ints("ports", released).Str(log.FieldEvent, "ports.gc_released").
		Msg("released orphaned port allocations")
	return released
}

// Check reports whether port could be allocated right now. The returned
// error is the failure an allocation would produce (nil when available); the
// caller turns it into a reason code.
func (r *Registry) Check(port int, tag Tag) (bool, error) {
	if port < 1 || port > 65535 {
		return false, fmt.Errorf("check: port %d out of [1,65535]: %w", port, errdefs.ErrValidation)
	}
	if IsReserved(port) {
		return false, &errdefs.PortError{Kind: errdefs.ErrPortSystemReserved, Port: port}
	}
	if rng, ranged := RangeFor(tag); ranged && !rng.Contains(port) {
		return false, &errdefs.PortError{Kind: errdefs.ErrPortOutOfRange, Port: port, Tag: string(tag)}
	}

	r.mu.Lock()
	_, held := r.allocs[port]
	r.mu.Unlock()
	if held {
		return false, &errdefs.PortError{Kind: errdefs.ErrPortAllocated, Port: port}
	}
	if r.prober.InUse(port) {
		return false, &errdefs.PortError{Kind: errdefs.ErrPortInUseExternally, Port: port}
	}
	return true, nil
}

// Suggest returns up to count free ports from the tag's range in ascending
// order. Generic has no range and is rejected.
func (r *Registry) Suggest(tag Tag, count int) ([]int, error) {
	rng, ok := RangeFor(tag)
	if !ok {
		return nil, fmt.Errorf("suggest: tag %q has no range: %w", tag, errdefs.ErrValidation)
	}
	if count <= 0 {
		count = maxSuggestions
	}

	out := make([]int, 0, count)
	for p := rng.Lo; p <= rng.Hi && len(out) < count; p++ {
		r.mu.Lock()
		_, held := r.allocs[p]
		r.mu.Unlock()
		if held || r.prober.InUse(p) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// suggestAround collects up to five free ports from the tag's range, closest
// to base by numeric distance (ties resolve to the lower port). Generic
// conflicts get no suggestions: there is no range to draw from.
func (r *Registry) suggestAround(base int, tag Tag) []int {
	rng, ok := RangeFor(tag)
	if !ok {
		return nil
	}

	out := make([]int, 0, maxSuggestions)
	consider := func(p int) {
		if len(out) >= maxSuggestions || !rng.Contains(p) {
			return
		}
		r.mu.Lock()
		_, held := r.allocs[p]
		r.mu.Unlock()
		if held || r.prober.InUse(p) {
			return
		}
		out = append(out, p)
	}

	for d := 1; d <= rng.Size() && len(out) < maxSuggestions; d++ {
		consider(base - d)
		consider(base + d)
	}
	return out
}

func (r *Registry) appendHistoryLocked(kind string, port int, sessionID string) {
	r.history = append(r.history, historyEntry{
		Ts:        time.Now().UTC(),
		Kind:      kind,
		Port:      port,
		SessionID: sessionID,
	})
	if len(r.history) > historySize {
		r.history = r.history[len(r.history)-historySize:]
	}
}

func (r *Registry) snapshotLocked() []byte {
	data, err := encodeLedger(r.allocs, r.history)
	if err != nil {
		r.logger.Error().Err(err).Str(log.FieldEvent, "ports.ledger_encode_failed").
			Msg("could not encode port ledger")
		return nil
	}
	return data
}

// persist writes the ledger snapshot. Failures do not roll back the
// in-memory state; durability is best-effort for a single-host tool.
func (r *Registry) persist(snapshot []byte) {
	if snapshot == nil {
		return
	}
	start := time.Now()
	if err := r.store.Save(LedgerKey, snapshot); err != nil {
		r.logger.Error().Err(err).Str(log.FieldEvent, "ports.persist_failed").
			Msg("could not persist port ledger")
		return
	}
	metrics.ObserveLedgerWrite(time.Since(start))
}
