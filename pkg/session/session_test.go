package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lightsaber/pkg/inventory"
	"github.com/lightsaber/pkg/link"
	"github.com/lightsaber/pkg/mesh"
	"github.com/lightsaber/pkg/settings"
	"github.com/lightsaber/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mu          sync.Mutex
	cmds        []string
	sub         func(link.Event)
	unavailable bool
}

func (f *fakeDriver) record(cmd string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
}

func (f *fakeDriver) Available() error {
	if f.unavailable {
		return link.ErrLinkUnavailable
	}
	return nil
}
func (f *fakeDriver) StartScan() error                 { f.record("startScan"); return nil }
func (f *fakeDriver) StopScan() error                  { f.record("stopScan"); return nil }
func (f *fakeDriver) Connect(address string) error     { f.record("connect:" + address); return nil }
func (f *fakeDriver) Disconnect() error                { f.record("disconnect"); return nil }
func (f *fakeDriver) SetDisplayName(name string) error { f.record("displayName:" + name); return nil }
func (f *fakeDriver) LocalAddress() string             { return "192.168.49.1" }
func (f *fakeDriver) Close() error                     { return nil }

func (f *fakeDriver) Subscribe(fn func(link.Event)) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sub = nil
	}
}

func (f *fakeDriver) emit(e link.Event) {
	f.mu.Lock()
	fn := f.sub
	f.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

func (f *fakeDriver) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

func (f *fakeDriver) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = nil
}

type memInventory struct {
	mu        sync.Mutex
	installed []types.AppDescriptor
}

func (m *memInventory) ListInstalled(ctx context.Context) ([]types.AppDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.AppDescriptor(nil), m.installed...), nil
}

func (m *memInventory) Lookup(ctx context.Context, name string) (types.AppDescriptor, error) {
	return types.AppDescriptor{}, inventory.ErrNotFound
}

func (m *memInventory) Export(ctx context.Context, app types.AppDescriptor) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (m *memInventory) Install(ctx context.Context, app types.AppDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installed = append(m.installed, app)
	return nil
}

func (m *memInventory) Render(apps []types.AppDescriptor) ([]byte, error) {
	return inventory.RenderCatalog(apps)
}

type harness struct {
	clk    *clock.Mock
	driver *fakeDriver
	store  *settings.MemoryStore
	inv    *memInventory
	sess   *Session
}

func newHarness(t *testing.T, defaultOn bool) *harness {
	t.Helper()
	return newHarnessAt(t, defaultOn, "127.0.0.1:0")
}

func newHarnessAt(t *testing.T, defaultOn bool, bindAddr string) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewMock(),
		driver: &fakeDriver{},
		store:  settings.NewMemoryStore(),
		inv:    &memInventory{},
	}
	h.sess = New(h.driver, h.store, h.inv, Config{
		BindAddr:          bindAddr,
		CatalogPort:       8080,
		DisplayNamePrefix: "P2P Web Server ",
		DefaultBroadcast:  defaultOn,
		FetchTimeout:      5 * time.Second,
		Clock:             h.clk,
	})
	t.Cleanup(func() {
		_ = h.sess.Close()
		_ = h.store.Close()
	})
	return h
}

func contains(cmds []string, want string) bool {
	for _, c := range cmds {
		if c == want {
			return true
		}
	}
	return false
}

func TestStartFailsWithoutLink(t *testing.T) {
	h := newHarness(t, true)
	h.driver.unavailable = true

	err := h.sess.Start(context.Background())
	require.ErrorIs(t, err, link.ErrLinkUnavailable)
	assert.Empty(t, h.sess.CatalogAddr())
	assert.Empty(t, h.driver.commands())
}

func TestStartWithFlagOff(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.sess.Start(context.Background()))

	assert.False(t, h.sess.Broadcast())
	assert.Empty(t, h.sess.CatalogAddr())
	assert.Empty(t, h.driver.commands())
	assert.NoError(t, h.sess.RestartScan())
	assert.Empty(t, h.driver.commands())
}

func TestStartWithFlagOn(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.sess.Start(context.Background()))

	assert.True(t, h.sess.Broadcast())
	require.NotEmpty(t, h.sess.CatalogAddr())
	assert.Equal(t, []string{"displayName:P2P Web Server 192.168.49.1", "startScan"}, h.driver.commands())

	resp, err := http.Get("http://" + h.sess.CatalogAddr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `[]`, string(body))

	h.driver.reset()
	require.NoError(t, h.sess.RestartScan())
	assert.Equal(t, []string{"stopScan", "startScan"}, h.driver.commands())
}

func TestActivationRetriedAfterBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := busy.Addr().String()

	h := newHarnessAt(t, true, addr)
	require.NoError(t, h.sess.Start(context.Background()))
	assert.True(t, h.sess.Broadcast())
	assert.Empty(t, h.sess.CatalogAddr())
	assert.Empty(t, h.driver.commands())

	require.NoError(t, busy.Close())
	require.NoError(t, h.sess.SetBroadcast(context.Background(), true))

	assert.Equal(t, addr, h.sess.CatalogAddr())
	assert.Equal(t, []string{"displayName:P2P Web Server 192.168.49.1", "startScan"}, h.driver.commands())
	assert.Equal(t, mesh.PhaseIdle, h.sess.State().Phase)
}

func TestRestartScanRetriesActivation(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := busy.Addr().String()

	h := newHarnessAt(t, true, addr)
	require.NoError(t, h.sess.Start(context.Background()))
	require.Empty(t, h.sess.CatalogAddr())

	require.NoError(t, busy.Close())
	require.NoError(t, h.sess.RestartScan())
	assert.Equal(t, addr, h.sess.CatalogAddr())
	assert.Equal(t, []string{"displayName:P2P Web Server 192.168.49.1", "startScan"}, h.driver.commands())

	h.driver.reset()
	require.NoError(t, h.sess.RestartScan())
	assert.Equal(t, []string{"stopScan", "startScan"}, h.driver.commands())
}

func TestSetBroadcastWaitsForStore(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.sess.Start(context.Background()))

	var signals atomic.Int32
	h.sess.Subscribe(SignalBroadcastChanged, func() { signals.Add(1) })

	require.NoError(t, h.sess.SetBroadcast(context.Background(), true))
	require.Eventually(t, h.sess.Broadcast, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return signals.Load() == 1 }, time.Second, time.Millisecond)
	assert.NotEmpty(t, h.sess.CatalogAddr())
}

// Disabling while connected stops the server and tells the link to
// disconnect and stop scanning; enabling again just starts scanning.
func TestToggleWhileConnected(t *testing.T) {
	release := make(chan struct{})
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer peer.Close()
	defer close(release)

	h := newHarness(t, true)
	require.NoError(t, h.sess.Start(context.Background()))

	p := types.Peer{Name: "P1", Address: "p1"}
	h.driver.emit(link.Event{Type: link.EventPeerListChange, Peers: []types.Peer{p}})
	h.clk.Add(5 * time.Second)
	require.Eventually(t, func() bool { return contains(h.driver.commands(), "connect:p1") }, time.Second, time.Millisecond)

	h.driver.emit(link.Event{Type: link.EventConnected, Peer: p, GroupOwner: strings.TrimPrefix(peer.URL, "http://")})
	assert.Equal(t, mesh.PhaseFetchingCatalog, h.sess.State().Phase)
	h.driver.reset()

	require.NoError(t, h.sess.SetBroadcast(context.Background(), false))
	require.Eventually(t, func() bool { return !h.sess.Broadcast() }, time.Second, time.Millisecond)

	assert.Empty(t, h.sess.CatalogAddr())
	assert.Equal(t, []string{"disconnect", "stopScan"}, h.driver.commands())
	assert.Equal(t, mesh.PhaseIdle, h.sess.State().Phase)
	assert.Empty(t, h.sess.ProximityEntries())

	h.driver.reset()
	require.NoError(t, h.sess.SetBroadcast(context.Background(), true))
	require.Eventually(t, h.sess.Broadcast, time.Second, time.Millisecond)
	assert.Contains(t, h.driver.commands(), "startScan")
	assert.NotEmpty(t, h.sess.CatalogAddr())
}

func TestProximitySignalAndDownload(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"manifest":{"name":"Notes"},"owner":"X"}]`))
	}))
	defer peer.Close()

	h := newHarness(t, true)
	var proximity atomic.Int32
	h.sess.Subscribe(SignalProximityChanged, func() { proximity.Add(1) })
	require.NoError(t, h.sess.Start(context.Background()))

	err := h.sess.DownloadApp(context.Background(), "Notes")
	require.ErrorIs(t, err, inventory.ErrNotFound)

	p := types.Peer{Name: "P1", Address: "p1"}
	h.driver.emit(link.Event{Type: link.EventPeerListChange, Peers: []types.Peer{p}})
	assert.Equal(t, []types.Peer{p}, h.sess.VisiblePeers())
	h.clk.Add(5 * time.Second)
	require.Eventually(t, func() bool { return contains(h.driver.commands(), "connect:p1") }, time.Second, time.Millisecond)
	h.driver.emit(link.Event{Type: link.EventConnected, Peer: p, GroupOwner: strings.TrimPrefix(peer.URL, "http://")})

	require.Eventually(t, func() bool { return proximity.Load() == 1 }, time.Second, time.Millisecond)
	entries := h.sess.ProximityEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "P1", entries[0].PeerName)
	assert.Equal(t, peer.URL, entries[0].Apps[0].URL)

	require.NoError(t, h.sess.DownloadApp(context.Background(), "Notes"))
	installed, _ := h.inv.ListInstalled(context.Background())
	require.Len(t, installed, 1)
	assert.Equal(t, peer.URL, installed[0].URL)
}

func TestClose(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.sess.Start(context.Background()))
	h.driver.reset()

	require.NoError(t, h.sess.Close())
	assert.Equal(t, []string{"disconnect", "stopScan"}, h.driver.commands())
	assert.Empty(t, h.sess.CatalogAddr())
	require.NoError(t, h.sess.Close())

	assert.True(t, errors.Is(h.sess.SetBroadcast(context.Background(), false), ErrClosed))
	assert.ErrorIs(t, h.sess.RestartScan(), ErrClosed)
	assert.ErrorIs(t, h.sess.Start(context.Background()), ErrClosed)
}
