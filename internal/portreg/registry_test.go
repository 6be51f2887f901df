// SPDX-License-Identifier: MIT

package portreg

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/devsupd/devsupd/internal/bus"
	"github.com/devsupd/devsupd/internal/errdefs"
	"github.com/devsupd/devsupd/internal/kv"
)

// fakeProber marks specific ports as OS-bound.
type fakeProber struct {
	mu   sync.Mutex
	busy map[int]bool
}

func newFakeProber(busy ...int) *fakeProber {
	p := &fakeProber{busy: make(map[int]bool)}
	for _, port := range busy {
		p.busy[port] = true
	}
	return p
}

func (p *fakeProber) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy[port]
}

func (p *fakeProber) set(port int, inUse bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy[port] = inUse
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (b *recordingBus) Publish(ev bus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) kinds() []bus.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bus.Kind, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Kind()
	}
	return out
}

func newTestRegistry(t *testing.T, prober Prober) (*Registry, *kv.Store, *recordingBus) {
	t.Helper()
	store, err := kv.NewStore(t.TempDir())
	require.NoError(t, err)
	rb := &recordingBus{}
	return NewRegistry(store, prober, rb), store, rb
}

func TestAllocate_ScanPicksLowestFree(t *testing.T) {
	r, _, _ := newTestRegistry(t, newFakeProber(3000, 3001))

	port, err := r.Allocate(0, TagNode, "s1")
	require.NoError(t, err)
	require.Equal(t, 3002, port, "scan skips OS-bound ports")

	port, err = r.Allocate(0, TagNode, "s2")
	require.NoError(t, err)
	require.Equal(t, 3003, port, "scan skips held ports")
}

func TestAllocate_ExplicitPort(t *testing.T) {
	r, _, rb := newTestRegistry(t, newFakeProber())

	port, err := r.Allocate(3100, TagNode, "s1")
	require.NoError(t, err)
	require.Equal(t, 3100, port)

	alloc, ok := r.GetAllocation(3100)
	require.True(t, ok)
	require.Equal(t, "s1", alloc.OwnerSessionID)
	require.Equal(t, TagNode, alloc.Tag)
	require.Equal(t, []bus.Kind{bus.KindPortAllocated}, rb.kinds())
}

func TestAllocate_ReservedRangeRefused(t *testing.T) {
	r, _, _ := newTestRegistry(t, newFakeProber())

	for _, port := range []int{2601, 2650, 2699} {
		_, err := r.Allocate(port, TagGeneric, "s1")
		require.ErrorIs(t, err, errdefs.ErrPortSystemReserved, "port %d", port)
	}
	// Boundary neighbors are fine.
	_, err := r.Allocate(2600, TagGeneric, "s1")
	require.NoError(t, err)
	_, err = r.Allocate(2700, TagGeneric, "s1")
	require.NoError(t, err)
}

func TestAllocate_OutOfTagRange(t *testing.T) {
	r, _, _ := newTestRegistry(t, newFakeProber())

	_, err := r.Allocate(5000, TagNode, "s1")
	require.ErrorIs(t, err, errdefs.ErrPortOutOfRange)

	// Generic tags accept any unreserved port.
	port, err := r.Allocate(5000, TagGeneric, "s1")
	require.NoError(t, err)
	require.Equal(t, 5000, port)
}

func TestAllocate_ConflictCarriesSuggestions(t *testing.T) {
	r, _, _ := newTestRegistry(t, newFakeProber())

	_, err := r.Allocate(3500, TagNode, "owner")
	require.NoError(t, err)

	_, err = r.Allocate(3500, TagNode, "contender")
	require.ErrorIs(t, err, errdefs.ErrPortAllocated)

	var pe *errdefs.PortError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, []int{3499, 3501, 3498, 3502, 3497}, pe.Suggestions,
		"closest by distance, lower port first on ties")
}

func TestAllocate_ExternalBindConflict(t *testing.T) {
	prober := newFakeProber(3200)
	r, _, _ := newTestRegistry(t, prober)

	_, err := r.Allocate(3200, TagNode, "s1")
	require.ErrorIs(t, err, errdefs.ErrPortInUseExternally)

	var pe *errdefs.PortError
	require.True(t, errors.As(err, &pe))
	require.NotEmpty(t, pe.Suggestions)
	require.NotContains(t, pe.Suggestions, 3200)
}

func TestAllocate_GenericWithoutPortRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t, newFakeProber())
	_, err := r.Allocate(0, TagGeneric, "s1")
	require.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestAllocate_RangeExhausted(t *testing.T) {
	prober := newFakeProber()
	for p := 3000; p <= 3999; p++ {
		prober.set(p, true)
	}
	r, _, _ := newTestRegistry(t, prober)

	_, err := r.Allocate(0, TagNode, "s1")
	require.ErrorIs(t, err, errdefs.ErrNoFreePortInRange)
}

func TestRelease_OwnershipEnforced(t *testing.T) {
	r, _, rb := newTestRegistry(t, newFakeProber())

	port, err := r.Allocate(0, TagNode, "owner")
	require.NoError(t, err)

	err = r.Release(port, "impostor")
	require.ErrorIs(t, err, errdefs.ErrState)
	_, held := r.GetAllocation(port)
	require.True(t, held)

	require.NoError(t, r.Release(port, "owner"))
	_, held = r.GetAllocation(port)
	require.False(t, held)

	require.Equal(t, []bus.Kind{bus.KindPortAllocated, bus.KindPortReleased}, rb.kinds())

	err = r.Release(port, "owner")
	require.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestReleaseAllFor(t *testing.T) {
	r, _, _ := newTestRegistry(t, newFakeProber())

	_, err := r.Allocate(3000, TagNode, "s1")
	require.NoError(t, err)
	_, err = r.Allocate(3001, TagNode, "s1")
	require.NoError(t, err)
	_, err = r.Allocate(4000, TagStatic, "s2")
	require.NoError(t, err)

	require.Equal(t, 2, r.ReleaseAllFor("s1"))
	require.Equal(t, 0, r.ReleaseAllFor("s1"))
	require.Len(t, r.List(), 1)
}

func TestList_OrderedByPort(t *testing.T) {
	r, _, _ := newTestRegistry(t, newFakeProber())

	for _, port := range []int{3500, 3001, 4200} {
		tag := TagNode
		if port >= 4000 {
			tag = TagStatic
		}
		_, err := r.Allocate(port, tag, "s")
		require.NoError(t, err)
	}

	all := r.List()
	require.Len(t, all, 3)
	require.Equal(t, 3001, all[0].Port)
	require.Equal(t, 3500, all[1].Port)
	require.Equal(t, 4200, all[2].Port)

	nodes := r.ListByTag(TagNode)
	require.Len(t, nodes, 2)
	require.Equal(t, 3001, nodes[0].Port)
}

func TestCheck(t *testing.T) {
	prober := newFakeProber(3400)
	r, _, _ := newTestRegistry(t, prober)
	_, err := r.Allocate(3300, TagNode, "s1")
	require.NoError(t, err)

	ok, err := r.Check(3301, TagNode)
	require.True(t, ok)
	require.NoError(t, err)

	ok, err = r.Check(3300, TagNode)
	require.False(t, ok)
	require.ErrorIs(t, err, errdefs.ErrPortAllocated)

	ok, err = r.Check(3400, TagNode)
	require.False(t, ok)
	require.ErrorIs(t, err, errdefs.ErrPortInUseExternally)

	ok, err = r.Check(2601, TagNode)
	require.False(t, ok)
	require.ErrorIs(t, err, errdefs.ErrPortSystemReserved)

	ok, err = r.Check(9999, TagNode)
	require.False(t, ok)
	require.ErrorIs(t, err, errdefs.ErrPortOutOfRange)
}

func TestSuggest(t *testing.T) {
	r, _, _ := newTestRegistry(t, newFakeProber(5000))
	_, err := r.Allocate(5001, TagPython, "s1")
	require.NoError(t, err)

	ports, err := r.Suggest(TagPython, 3)
	require.NoError(t, err)
	require.Equal(t, []int{5002, 5003, 5004}, ports)

	_, err = r.Suggest(TagGeneric, 3)
	require.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestGCOrphans(t *testing.T) {
	prober := newFakeProber()
	r, _, rb := newTestRegistry(t, prober)

	p1, err := r.Allocate(0, TagNode, "alive")
	require.NoError(t, err)
	p2, err := r.Allocate(0, TagNode, "gone")
	require.NoError(t, err)

	// The live session actually listens; the dead one does not.
	prober.set(p1, true)

	released := r.GCOrphans()
	require.Equal(t, []int{p2}, released)
	_, held := r.GetAllocation(p1)
	require.True(t, held)
	_, held = r.GetAllocation(p2)
	require.False(t, held)

	kinds := rb.kinds()
	require.Equal(t, bus.KindPortReleased, kinds[len(kinds)-1])

	require.Empty(t, r.GCOrphans(), "second pass finds nothing")
}

func TestLedger_SurvivesRestart(t *testing.T) {
	store, err := kv.NewStore(t.TempDir())
	require.NoError(t, err)

	first := NewRegistry(store, newFakeProber(), nil)
	_, err = first.Allocate(3000, TagNode, "s1")
	require.NoError(t, err)
	_, err = first.Allocate(4000, TagStatic, "s2")
	require.NoError(t, err)
	require.NoError(t, first.Release(4000, "s2"))

	second := NewRegistry(store, newFakeProber(), nil)
	if diff := cmp.Diff(first.List(), second.List(),
		cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Fatalf("reloaded ledger differs (-first +second):\n%s", diff)
	}

	_, err = second.Allocate(3000, TagNode, "s3")
	require.ErrorIs(t, err, errdefs.ErrPortAllocated, "persisted allocation still held")
}

func TestLedger_CorruptFileStartsEmpty(t *testing.T) {
	store, err := kv.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(LedgerKey, []byte("{not json")))

	r := NewRegistry(store, newFakeProber(), nil)
	require.Empty(t, r.List())

	// And it is usable: the next allocation rewrites a valid ledger.
	_, err = r.Allocate(3000, TagNode, "s1")
	require.NoError(t, err)
	fresh := NewRegistry(store, newFakeProber(), nil)
	require.Len(t, fresh.List(), 1)
}

func TestLedger_VersionMismatchStartsEmpty(t *testing.T) {
	store, err := kv.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(LedgerKey, []byte(`{"version":99,"allocations":{},"history":[]}`)))

	r := NewRegistry(store, newFakeProber(), nil)
	require.Empty(t, r.List())
}

func TestAllocate_ConcurrentScansNeverCollide(t *testing.T) {
	r, _, _ := newTestRegistry(t, newFakeProber())

	const n = 32
	ports := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := r.Allocate(0, TagNode, "s")
			if err == nil {
				ports <- port
			}
		}(i)
	}
	wg.Wait()
	close(ports)

	seen := make(map[int]bool)
	count := 0
	for port := range ports {
		require.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
		count++
	}
	require.Equal(t, n, count)
}
