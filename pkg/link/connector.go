package link

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/lightsaber/pkg/types"
)

// Dialer opens a connection; net.Dialer.DialContext satisfies it.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// connector holds the one link a driver may have up at a time. A
// connection is established by proving the peer's catalog port accepts TCP.
type connector struct {
	hub     *hub
	dial    Dialer
	timeout time.Duration

	mu        sync.Mutex
	attempt   uint64
	cancel    context.CancelFunc
	connected bool
	current   types.Peer
}

func newConnector(h *hub, dial Dialer, timeout time.Duration) *connector {
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &connector{hub: h, dial: dial, timeout: timeout}
}

// connect replaces any attempt in flight. The outcome is emitted as an event.
func (c *connector) connect(peer types.Peer) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.connected {
		c.connected = false
		c.hub.emit(Event{Type: EventDisconnected, Peer: c.current})
		c.current = types.Peer{}
	}
	c.attempt++
	id := c.attempt
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		conn, err := c.dial(ctx, "tcp", peer.Address)
		if err == nil {
			_ = conn.Close()
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if id != c.attempt {
			// superseded or disconnected meanwhile
			return
		}
		c.cancel = nil
		if err != nil {
			c.hub.emit(Event{Type: EventConnectFailed, Peer: peer, Err: err})
			return
		}
		c.connected = true
		c.current = peer
		c.hub.emit(Event{Type: EventConnected, Peer: peer, GroupOwner: peer.Address})
	}()
}

// disconnect aborts an attempt in flight and drops the link. Only a link
// that was up produces EventDisconnected.
func (c *connector) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempt++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.connected {
		c.connected = false
		c.hub.emit(Event{Type: EventDisconnected, Peer: c.current})
		c.current = types.Peer{}
	}
}

// reachable reports whether address accepts a TCP connection within the
// connector timeout.
func (c *connector) reachable(ctx context.Context, address string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dial(ctx, "tcp", address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func samePeers(a, b []types.Peer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Address != b[i].Address {
			return false
		}
	}
	return true
}

func clonePeers(peers []types.Peer) []types.Peer {
	out := make([]types.Peer, len(peers))
	copy(out, peers)
	return out
}
