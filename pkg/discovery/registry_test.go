// ABOUTME: Tests for the event reducer and registry membership
// ABOUTME: Checks change reporting, idempotent removal and the membership invariant
package discovery

import (
	"fmt"
	"math/rand"
	"net/netip"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(t testing.TB, identity, addr string, port uint16) ServiceRecord {
	t.Helper()
	rec, err := NewServiceRecord(identity, "", []netip.Addr{netip.MustParseAddr(addr)}, port, Attributes{})
	require.NoError(t, err)
	return rec
}

func TestReduceResolvedInserts(t *testing.T) {
	a := testRecord(t, "a._test._udp.local.", "10.0.0.1", 5001)

	next, changed := Reduce(Registry{}, Resolved(a))
	assert.True(t, changed)
	assert.Equal(t, 1, next.Len())
	got, ok := next.Get(a.Identity())
	require.True(t, ok)
	assert.True(t, got.Equal(a))
}

func TestReduceResolvedIdenticalIsStillAChange(t *testing.T) {
	a := testRecord(t, "a._test._udp.local.", "10.0.0.1", 5001)
	reg := NewRegistry(a)

	next, changed := Reduce(reg, Resolved(a))
	assert.True(t, changed)
	assert.Equal(t, 1, next.Len())
}

func TestReduceResolvedReplaces(t *testing.T) {
	a := testRecord(t, "a._test._udp.local.", "10.0.0.1", 5001)
	moved := testRecord(t, "a._test._udp.local.", "10.0.0.7", 6000)

	next, changed := Reduce(NewRegistry(a), Resolved(moved))
	require.True(t, changed)
	got, _ := next.Get(a.Identity())
	assert.Equal(t, "10.0.0.7:6000", got.Endpoint())
}

func TestReduceRemoved(t *testing.T) {
	a := testRecord(t, "a._test._udp.local.", "10.0.0.1", 5001)
	b := testRecord(t, "b._test._udp.local.", "10.0.0.2", 5001)
	reg := NewRegistry(a, b)

	next, changed := Reduce(reg, Removed("_test._udp.local.", a.Identity()))
	assert.True(t, changed)
	assert.Equal(t, []string{b.Identity()}, next.Identities())
}

func TestReduceRemovedAbsentIsNoop(t *testing.T) {
	b := testRecord(t, "b._test._udp.local.", "10.0.0.2", 5001)
	reg := NewRegistry(b)

	next, changed := Reduce(reg, Removed("_test._udp.local.", "x._test._udp.local."))
	assert.False(t, changed)
	assert.Equal(t, reg.Identities(), next.Identities())

	_, changed = Reduce(Registry{}, Removed("_test._udp.local.", "x._test._udp.local."))
	assert.False(t, changed)
}

func TestReduceOtherNeverChanges(t *testing.T) {
	a := testRecord(t, "a._test._udp.local.", "10.0.0.1", 5001)
	reg := NewRegistry(a)

	next, changed := Reduce(reg, Other("search started"))
	assert.False(t, changed)
	assert.Equal(t, reg.Identities(), next.Identities())
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	a := testRecord(t, "a._test._udp.local.", "10.0.0.1", 5001)
	b := testRecord(t, "b._test._udp.local.", "10.0.0.2", 5001)
	reg := NewRegistry(a)

	_, _ = Reduce(reg, Resolved(b))
	_, _ = Reduce(reg, Removed("_test._udp.local.", a.Identity()))

	assert.Equal(t, []string{a.Identity()}, reg.Identities())
}

func TestRegistryRecordsSorted(t *testing.T) {
	reg := NewRegistry(
		testRecord(t, "c", "10.0.0.3", 1),
		testRecord(t, "a", "10.0.0.1", 1),
		testRecord(t, "b", "10.0.0.2", 1),
	)
	var ids []string
	for _, r := range reg.Records() {
		ids = append(ids, r.Identity())
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestReduceMembershipInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"a", "b", "c", "d", "e"}

	for run := 0; run < 200; run++ {
		reg := Registry{}
		// last event kind per identity
		last := map[string]EventKind{}

		for step := 0; step < 50; step++ {
			id := ids[rng.Intn(len(ids))] + "._test._udp.local."
			var ev Event
			if rng.Intn(2) == 0 {
				ev = Resolved(testRecord(t, id, fmt.Sprintf("10.0.0.%d", rng.Intn(250)+1), 5001))
			} else {
				ev = Removed("_test._udp.local.", id)
			}

			wasPresent := reg.Contains(id)
			var changed bool
			reg, changed = Reduce(reg, ev)

			switch ev.Kind {
			case EventResolved:
				assert.True(t, changed)
			case EventRemoved:
				assert.Equal(t, wasPresent, changed)
			}
			last[id] = ev.Kind
		}

		var want []string
		for id, kind := range last {
			if kind == EventResolved {
				want = append(want, id)
			}
		}
		sort.Strings(want)
		if want == nil {
			want = []string{}
		}
		require.Equal(t, want, reg.Identities(), "run %d", run)
	}
}
