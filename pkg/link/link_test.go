package link

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/mdns"
	"github.com/lightsaber/pkg/routing"
	"github.com/lightsaber/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		for _, e := range r.all() {
			if e.Type == typ {
				found = e
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", typ)
	return found
}

// fakeDialer accepts connections to the addresses in up.
type fakeDialer struct {
	mu sync.Mutex
	up map[string]bool
}

func newFakeDialer(addrs ...string) *fakeDialer {
	f := &fakeDialer{up: make(map[string]bool)}
	for _, a := range addrs {
		f.up[a] = true
	}
	return f
}

func (f *fakeDialer) set(addr string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up[addr] = up
}

func (f *fakeDialer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	f.mu.Lock()
	ok := f.up[address]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("connection refused")
	}
	a, b := net.Pipe()
	_ = b.Close()
	return a, nil
}

func TestHubDeliversInOrderAndUnsubscribes(t *testing.T) {
	h := newHub()
	defer h.close()

	var first, second recorder
	cancelFirst := h.Subscribe(first.record)
	h.Subscribe(second.record)

	h.emit(Event{Type: EventPeerListChange})
	h.emit(Event{Type: EventConnected})
	second.waitFor(t, EventConnected)

	cancelFirst()
	h.emit(Event{Type: EventDisconnected})
	second.waitFor(t, EventDisconnected)

	got := second.all()
	require.Len(t, got, 3)
	assert.Equal(t, EventPeerListChange, got[0].Type)
	assert.Equal(t, EventConnected, got[1].Type)
	assert.Equal(t, EventDisconnected, got[2].Type)

	assert.Len(t, first.all(), 2)
}

func staticDriver(t *testing.T, dialer *fakeDialer, peers ...routing.PeerConfig) (*StaticDriver, *clock.Mock, *recorder) {
	t.Helper()
	clk := clock.NewMock()
	d := NewStaticDriver(StaticConfig{
		Peers:        peers,
		ScanInterval: time.Second,
		DialTimeout:  time.Second,
		Clock:        clk,
		Dial:         dialer.dial,
	})
	rec := &recorder{}
	d.Subscribe(rec.record)
	t.Cleanup(func() { _ = d.Close() })
	return d, clk, rec
}

func TestStaticDriverUnavailableWithoutPeers(t *testing.T) {
	d, _, _ := staticDriver(t, newFakeDialer())
	assert.ErrorIs(t, d.Available(), ErrLinkUnavailable)
}

func TestStaticDriverReportsReachablePeers(t *testing.T) {
	dialer := newFakeDialer("10.0.0.2:8080")
	d, clk, rec := staticDriver(t, dialer,
		routing.PeerConfig{Name: "kitchen", Address: "10.0.0.2:8080"},
		routing.PeerConfig{Name: "garage", Address: "10.0.0.3:8080"},
	)
	require.NoError(t, d.Available())
	require.NoError(t, d.StartScan())

	e := rec.waitFor(t, EventPeerListChange)
	assert.Equal(t, []types.Peer{{Name: "kitchen", Address: "10.0.0.2:8080"}}, e.Peers)

	dialer.set("10.0.0.3:8080", true)
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return len(rec.all()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	got := rec.all()
	assert.Equal(t, []types.Peer{
		{Name: "kitchen", Address: "10.0.0.2:8080"},
		{Name: "garage", Address: "10.0.0.3:8080"},
	}, got[1].Peers)

	require.NoError(t, d.StopScan())
	require.NoError(t, d.StopScan())
}

func TestStaticDriverConnectAndDisconnect(t *testing.T) {
	dialer := newFakeDialer("10.0.0.2:8080")
	d, _, rec := staticDriver(t, dialer, routing.PeerConfig{Name: "kitchen", Address: "10.0.0.2:8080"})

	require.Error(t, d.Connect("10.9.9.9:8080"))

	require.NoError(t, d.Connect("10.0.0.2:8080"))
	e := rec.waitFor(t, EventConnected)
	assert.Equal(t, "kitchen", e.Peer.Name)
	assert.Equal(t, "10.0.0.2:8080", e.GroupOwner)

	require.NoError(t, d.Disconnect())
	rec.waitFor(t, EventDisconnected)

	// A second disconnect has no link to drop.
	require.NoError(t, d.Disconnect())
	time.Sleep(20 * time.Millisecond)
	n := 0
	for _, e := range rec.all() {
		if e.Type == EventDisconnected {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestStaticDriverConnectFailure(t *testing.T) {
	d, _, rec := staticDriver(t, newFakeDialer(), routing.PeerConfig{Name: "kitchen", Address: "10.0.0.2:8080"})

	require.NoError(t, d.Connect("10.0.0.2:8080"))
	e := rec.waitFor(t, EventConnectFailed)
	assert.Equal(t, "kitchen", e.Peer.Name)
	assert.Error(t, e.Err)
}

func TestStaticDriverDisplayName(t *testing.T) {
	d, _, _ := staticDriver(t, newFakeDialer(), routing.PeerConfig{Name: "kitchen", Address: "10.0.0.2:8080"})
	require.NoError(t, d.SetDisplayName("P2P Web Server 127.0.0.1"))
	assert.Equal(t, "P2P Web Server 127.0.0.1", d.DisplayName())
	assert.Equal(t, "127.0.0.1", d.LocalAddress())
}

func noInterfaces() ([]net.Interface, error) { return nil, nil }

func TestMDNSDriverUnavailableWithoutInterfaces(t *testing.T) {
	d := NewMDNSDriver(MDNSConfig{Service: "_lightsaber._tcp", Interfaces: noInterfaces})
	defer d.Close()

	assert.ErrorIs(t, d.Available(), ErrLinkUnavailable)
	assert.Equal(t, "127.0.0.1", d.LocalAddress())
}

func TestMDNSDriverBuildsPeerList(t *testing.T) {
	var d *MDNSDriver
	query := func(ctx context.Context, p *mdns.QueryParam) error {
		assert.Equal(t, "_lightsaber._tcp", p.Service)
		assert.Equal(t, "local", p.Domain)
		p.Entries <- &mdns.ServiceEntry{
			Name:       `P2P\ Web\ Server\ 10.0.0.9._lightsaber._tcp.local.`,
			AddrV4:     net.ParseIP("10.0.0.9"),
			Port:       8080,
			InfoFields: []string{txtID + d.id, txtName + "self"},
		}
		p.Entries <- &mdns.ServiceEntry{
			Name:       `P2P\ Web\ Server\ 10.0.0.2._lightsaber._tcp.local.`,
			AddrV4:     net.ParseIP("10.0.0.2"),
			Port:       8080,
			InfoFields: []string{txtID + "other", txtName + "kitchen"},
		}
		p.Entries <- &mdns.ServiceEntry{
			Name:   `garage._lightsaber._tcp.local.`,
			AddrV4: net.ParseIP("10.0.0.3"),
			Port:   8181,
		}
		p.Entries <- &mdns.ServiceEntry{
			Name:       `dup._lightsaber._tcp.local.`,
			AddrV4:     net.ParseIP("10.0.0.4"),
			Port:       8080,
			InfoFields: []string{txtName + "kitchen"},
		}
		return nil
	}

	d = NewMDNSDriver(MDNSConfig{
		Service:      "_lightsaber._tcp",
		ScanInterval: time.Second,
		Clock:        clock.NewMock(),
		Query:        query,
		Interfaces:   noInterfaces,
		Dial:         newFakeDialer("10.0.0.2:8080").dial,
	})
	defer d.Close()

	rec := &recorder{}
	d.Subscribe(rec.record)
	require.NoError(t, d.StartScan())

	e := rec.waitFor(t, EventPeerListChange)
	assert.Equal(t, []types.Peer{
		{Name: "kitchen", Address: "10.0.0.2:8080"},
		{Name: "garage", Address: "10.0.0.3:8181"},
	}, e.Peers)

	require.NoError(t, d.Connect("10.0.0.2:8080"))
	connected := rec.waitFor(t, EventConnected)
	assert.Equal(t, "kitchen", connected.Peer.Name)
}

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "P2P Web Server 10.0.0.2", instanceName(`P2P\ Web\ Server\ 10.0.0.2._lightsaber._tcp.local.`, "_lightsaber._tcp"))
	assert.Equal(t, "plain", instanceName("plain", "_lightsaber._tcp"))
}
