package types

import "time"

// ProximityEntry is the last catalog fetched from a peer
type ProximityEntry struct {
	PeerName    string          `json:"name"`
	Apps        []AppDescriptor `json:"apps"`
	ConnectedTs time.Time       `json:"connected_ts"` // When the catalog was obtained; never decreases per peer
}

// AppCount returns how many descriptors the entry holds
func (e ProximityEntry) AppCount() int {
	return len(e.Apps)
}
