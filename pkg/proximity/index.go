package proximity

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lightsaber/pkg/types"
)

// Index maps peer name to the last catalog fetched from that peer. Entries
// are replaced, never merged.
type Index struct {
	clock    clock.Clock
	onChange func()

	mu      sync.RWMutex
	entries map[string]types.ProximityEntry
}

// NewIndex creates an empty index. onChange, if set, is called after every
// write, outside the index lock.
func NewIndex(clk clock.Clock, onChange func()) *Index {
	if clk == nil {
		clk = clock.New()
	}
	return &Index{
		clock:    clk,
		onChange: onChange,
		entries:  make(map[string]types.ProximityEntry),
	}
}

// Put replaces the entry for peerName, stamping it with the current time.
// The stamp never goes backwards for a given peer, even if the wall clock
// does.
func (ix *Index) Put(peerName string, apps []types.AppDescriptor) types.ProximityEntry {
	now := ix.clock.Now()

	ix.mu.Lock()
	if prev, ok := ix.entries[peerName]; ok && now.Before(prev.ConnectedTs) {
		now = prev.ConnectedTs
	}
	entry := types.ProximityEntry{
		PeerName:    peerName,
		Apps:        copyApps(apps),
		ConnectedTs: now,
	}
	ix.entries[peerName] = entry
	ix.mu.Unlock()

	if ix.onChange != nil {
		ix.onChange()
	}
	return cloneEntry(entry)
}

// Get returns the entry for peerName.
func (ix *Index) Get(peerName string) (types.ProximityEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[peerName]
	if !ok {
		return types.ProximityEntry{}, false
	}
	return cloneEntry(e), true
}

// ConnectedTs returns when peerName was last queried.
func (ix *Index) ConnectedTs(peerName string) (time.Time, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[peerName]
	return e.ConnectedTs, ok
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Snapshot returns a copy of every entry keyed by peer name.
func (ix *Index) Snapshot() map[string]types.ProximityEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]types.ProximityEntry, len(ix.entries))
	for k, v := range ix.entries {
		out[k] = cloneEntry(v)
	}
	return out
}

// Entries returns every entry ordered by peer name.
func (ix *Index) Entries() []types.ProximityEntry {
	ix.mu.RLock()
	out := make([]types.ProximityEntry, 0, len(ix.entries))
	for _, v := range ix.entries {
		out = append(out, cloneEntry(v))
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerName < out[j].PeerName })
	return out
}

// FindApp looks for an app by manifest name across all peers, scanning
// peers in name order. The first match wins.
func (ix *Index) FindApp(appName string) (types.AppDescriptor, string, bool) {
	for _, e := range ix.Entries() {
		for _, app := range e.Apps {
			if app.Name() == appName {
				return app, e.PeerName, true
			}
		}
	}
	return types.AppDescriptor{}, "", false
}

// AppCount returns the number of descriptors across all entries.
func (ix *Index) AppCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, e := range ix.entries {
		n += len(e.Apps)
	}
	return n
}

func cloneEntry(e types.ProximityEntry) types.ProximityEntry {
	e.Apps = copyApps(e.Apps)
	return e
}

func copyApps(apps []types.AppDescriptor) []types.AppDescriptor {
	out := make([]types.AppDescriptor, len(apps))
	copy(out, apps)
	return out
}
