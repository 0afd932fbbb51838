package proximity

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lightsaber/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func app(name, owner string) types.AppDescriptor {
	return types.AppDescriptor{Manifest: types.Manifest{"name": name}, Owner: owner}
}

func TestPutReplacesEntry(t *testing.T) {
	clk := clock.NewMock()
	var changes atomic.Int32
	ix := NewIndex(clk, func() { changes.Add(1) })

	ix.Put("P1", []types.AppDescriptor{app("A", "X"), app("B", "X")})
	clk.Add(time.Second)
	e := ix.Put("P1", []types.AppDescriptor{app("C", "Y")})

	assert.Equal(t, int32(2), changes.Load())
	assert.Equal(t, 1, ix.Len())
	assert.Equal(t, clk.Now(), e.ConnectedTs)

	got, ok := ix.Get("P1")
	require.True(t, ok)
	require.Len(t, got.Apps, 1)
	assert.Equal(t, "C", got.Apps[0].Name())
}

func TestConnectedTsNeverDecreases(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1000, 0))
	ix := NewIndex(clk, nil)

	first := ix.Put("P1", nil)
	clk.Set(time.Unix(500, 0))
	second := ix.Put("P1", nil)

	assert.Equal(t, first.ConnectedTs, second.ConnectedTs)
}

func TestReadsAreCopies(t *testing.T) {
	ix := NewIndex(clock.NewMock(), nil)
	apps := []types.AppDescriptor{app("A", "X")}
	ix.Put("P1", apps)
	apps[0].Owner = "mutated"

	got, _ := ix.Get("P1")
	got.Apps[0].Owner = "mutated again"

	again, _ := ix.Get("P1")
	assert.Equal(t, "X", again.Apps[0].Owner)
}

func TestFindApp(t *testing.T) {
	ix := NewIndex(clock.NewMock(), nil)
	ix.Put("zeta", []types.AppDescriptor{app("Shared", "Z")})
	ix.Put("alpha", []types.AppDescriptor{app("Shared", "A"), app("Only", "A")})

	found, peer, ok := ix.FindApp("Shared")
	require.True(t, ok)
	assert.Equal(t, "alpha", peer)
	assert.Equal(t, "A", found.Owner)

	_, _, ok = ix.FindApp("Missing")
	assert.False(t, ok)
	assert.Equal(t, 3, ix.AppCount())
}

func TestEntriesOrderedByName(t *testing.T) {
	ix := NewIndex(clock.NewMock(), nil)
	ix.Put("b", nil)
	ix.Put("a", nil)
	ix.Put("c", nil)

	names := []string{}
	for _, e := range ix.Entries() {
		names = append(names, e.PeerName)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
	assert.Len(t, ix.Snapshot(), 3)
}
