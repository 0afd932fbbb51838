// Package link abstracts the single-connection peer-to-peer radio link:
// scanning for peers, connecting to one of them, and reporting the outcome
// as events.
package link

import (
	"errors"

	"github.com/lightsaber/pkg/types"
)

// ErrLinkUnavailable means this device has no usable peer-to-peer link.
var ErrLinkUnavailable = errors.New("peer-to-peer link is not available on this device")

// EventType identifies a link event.
type EventType int

const (
	EventPeerListChange EventType = iota
	EventConnected
	EventConnectFailed
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventPeerListChange:
		return "peerlistchange"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connectfailed"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event is delivered to subscribers in the order the driver produced it.
type Event struct {
	Type EventType

	// Peers is the full visible-peer list, in first-seen order.
	// Set for EventPeerListChange.
	Peers []types.Peer

	// Peer is the peer the link was established with (or failed to be).
	// Set for EventConnected and EventConnectFailed.
	Peer types.Peer

	// GroupOwner is the address (host or host:port) of the addressable side
	// of the connection.
	// Set for EventConnected.
	GroupOwner string

	// Err carries the reason for EventConnectFailed.
	Err error
}

// Driver is the radio link. Commands never invoke subscribers
// synchronously: events are delivered from the driver's own goroutine, so a
// subscriber may issue commands while holding its own locks.
type Driver interface {
	// Available reports ErrLinkUnavailable when the device cannot use the link at all.
	Available() error
	StartScan() error
	StopScan() error
	// Connect asks the link to connect to the peer at address. The outcome
	// arrives later as EventConnected or EventConnectFailed.
	Connect(address string) error
	// Disconnect tears down the current connection, if any. It is idempotent.
	Disconnect() error
	SetDisplayName(name string) error
	LocalAddress() string
	Subscribe(fn func(Event)) (cancel func())
	Close() error
}
