package selector

import (
	"time"

	"github.com/lightsaber/pkg/types"
)

// Lookup is the read side of the proximity index the selector needs.
type Lookup interface {
	ConnectedTs(peerName string) (time.Time, bool)
}

// Select picks the next peer to connect to. A peer never queried before
// always wins, first in input order; otherwise the least recently queried
// peer wins, ties going to the earlier peer. ok is false only when peers is
// empty.
func Select(peers []types.Peer, index Lookup) (peer types.Peer, ok bool) {
	if len(peers) == 0 {
		return types.Peer{}, false
	}

	for _, p := range peers {
		if _, seen := index.ConnectedTs(p.Name); !seen {
			return p, true
		}
	}

	best := -1
	var bestTs time.Time
	for i, p := range peers {
		ts, _ := index.ConnectedTs(p.Name)
		if best == -1 || ts.Before(bestTs) {
			best, bestTs = i, ts
		}
	}
	return peers[best], true
}
