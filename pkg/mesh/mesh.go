// Package mesh drives the single radio link: it picks the next peer to
// visit, connects after a debounce, fetches the peer's catalog, then
// disconnects and goes back to scanning.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lightsaber/pkg/link"
	"github.com/lightsaber/pkg/logging"
	"github.com/lightsaber/pkg/metrics"
	"github.com/lightsaber/pkg/routing"
	"github.com/lightsaber/pkg/selector"
	"github.com/lightsaber/pkg/types"
	"go.uber.org/multierr"
)

var (
	// ErrConnectTimeout means the link did not report connected in time.
	ErrConnectTimeout = errors.New("connect timed out")
	// ErrConnectFailure means the link refused or lost a connect attempt.
	ErrConnectFailure = errors.New("connect failed")
)

// Phase is the controller's position in the connect cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePendingConnect
	PhaseConnected
	PhaseFetchingCatalog
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePendingConnect:
		return "pending_connect"
	case PhaseConnected:
		return "connected"
	case PhaseFetchingCatalog:
		return "fetching_catalog"
	}
	return "unknown"
}

// State is a snapshot of the connection slot.
type State struct {
	Phase Phase
	// Peer is the active peer; zero in PhaseIdle.
	Peer types.Peer
	// RemoteAddress is the group owner while connected or fetching.
	RemoteAddress string
	// Deadline is when the pending connect is issued, or once issued,
	// when it times out.
	Deadline time.Time
}

// Fetcher pulls a peer's catalog into the proximity index.
type Fetcher interface {
	Fetch(ctx context.Context, peerName, peerURL string) ([]types.AppDescriptor, error)
}

// Config tunes a Controller.
type Config struct {
	ConnectDebounce time.Duration // default 5s
	SettleDelay     time.Duration // default 500ms
	ConnectTimeout  time.Duration // default 30s
	CatalogPort     int           // used when the group owner has no port

	// DisplayNamePrefix, when set, names this device "<prefix><local address>" on Start.
	DisplayNamePrefix string

	Clock   clock.Clock
	Metrics *metrics.Collector
}

// Controller owns the connection slot. Every transition runs under mu;
// timers and link events carry an id and are dropped once superseded.
type Controller struct {
	driver  link.Driver
	index   selector.Lookup
	fetcher Fetcher
	cfg     Config

	mu          sync.Mutex
	running     bool
	epoch       uint64
	unsubscribe func()
	state       State
	peers       []types.Peer

	seq            uint64
	debounce       timerSlot
	connectTimeout timerSlot
	settle         timerSlot

	fetchID           uint64
	fetchCancel       context.CancelFunc
	disconnectInFetch bool
}

type timerSlot struct {
	id    uint64
	timer *clock.Timer
}

// NewController creates a controller over driver. index is read to choose
// peers; fetcher writes to it.
func NewController(driver link.Driver, index selector.Lookup, fetcher Fetcher, cfg Config) *Controller {
	if cfg.ConnectDebounce <= 0 {
		cfg.ConnectDebounce = 5 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.CatalogPort <= 0 {
		cfg.CatalogPort = 8080
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Controller{
		driver:  driver,
		index:   index,
		fetcher: fetcher,
		cfg:     cfg,
	}
}

// Start subscribes to link events, announces the display name and starts
// scanning. Starting a running controller is a no-op.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	c.epoch++
	epoch := c.epoch
	c.unsubscribe = c.driver.Subscribe(func(e link.Event) {
		c.handleEvent(epoch, e)
	})

	if c.cfg.DisplayNamePrefix != "" {
		name := c.cfg.DisplayNamePrefix + c.driver.LocalAddress()
		if err := c.driver.SetDisplayName(name); err != nil {
			logging.Warnf("[mesh] set display name %q failed: %v", name, err)
		}
	}

	if err := c.driver.StartScan(); err != nil {
		c.unsubscribe()
		c.unsubscribe = nil
		return fmt.Errorf("failed to start scan: %w", err)
	}

	c.running = true
	c.state = State{Phase: PhaseIdle}
	logging.Logf("[mesh] started debounce=%s settle=%s connect_timeout=%s",
		c.cfg.ConnectDebounce, c.cfg.SettleDelay, c.cfg.ConnectTimeout)
	return nil
}

// Stop cancels pending timers, drops the link and stops scanning. A fetch
// in flight is cancelled and its result ignored.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false
	c.epoch++

	c.stopTimer(&c.debounce)
	c.stopTimer(&c.connectTimeout)
	c.stopTimer(&c.settle)
	c.fetchID = 0
	if c.fetchCancel != nil {
		c.fetchCancel()
		c.fetchCancel = nil
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}

	c.state = State{Phase: PhaseIdle}
	c.peers = nil

	var err error
	err = multierr.Append(err, c.driver.Disconnect())
	err = multierr.Append(err, c.driver.StopScan())
	logging.Logf("[mesh] stopped")
	return err
}

// State returns the current connection slot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// VisiblePeers returns the latest peer list reported by the link.
func (c *Controller) VisiblePeers() []types.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Peer, len(c.peers))
	copy(out, c.peers)
	return out
}

// Running reports whether Start has been called without a matching Stop.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) handleEvent(epoch uint64, e link.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || epoch != c.epoch {
		return
	}

	switch e.Type {
	case link.EventPeerListChange:
		c.peers = append(c.peers[:0:0], e.Peers...)
		logging.Debugf("[mesh] peer list changed visible=%d", len(c.peers))
		c.selectPeer()
	case link.EventConnected:
		c.handleConnected(e)
	case link.EventConnectFailed:
		if c.state.Phase == PhasePendingConnect && c.debounce.id == 0 {
			c.failConnect(fmt.Errorf("%w: %v", ErrConnectFailure, e.Err), "failure")
		}
	case link.EventDisconnected:
		c.handleDisconnected()
	}
}

// selectPeer moves Idle to PendingConnect when a candidate is visible.
// Only one pending connect exists at a time.
func (c *Controller) selectPeer() {
	if c.state.Phase != PhaseIdle {
		return
	}
	peer, ok := selector.Select(c.peers, c.index)
	if !ok {
		return
	}

	c.stopTimer(&c.settle)
	c.state = State{
		Phase:    PhasePendingConnect,
		Peer:     peer,
		Deadline: c.cfg.Clock.Now().Add(c.cfg.ConnectDebounce),
	}
	c.arm(&c.debounce, c.cfg.ConnectDebounce, c.onDebounce)
	logging.Logf("[mesh] selected peer=%s address=%s connect_in=%s", peer.Name, peer.Address, c.cfg.ConnectDebounce)
}

func (c *Controller) onDebounce() {
	peer := c.state.Peer

	if err := c.driver.StopScan(); err != nil {
		logging.Warnf("[mesh] stop scan before connect failed: %v", err)
	}

	c.metrics().RecordConnectAttempt()
	logging.Logf("[mesh] connecting peer=%s address=%s", peer.Name, peer.Address)
	if err := c.driver.Connect(peer.Address); err != nil {
		c.failConnect(fmt.Errorf("%w: %v", ErrConnectFailure, err), "failure")
		return
	}

	c.state.Deadline = c.cfg.Clock.Now().Add(c.cfg.ConnectTimeout)
	c.arm(&c.connectTimeout, c.cfg.ConnectTimeout, func() {
		if c.state.Phase == PhasePendingConnect {
			c.failConnect(ErrConnectTimeout, "timeout")
		}
	})
}

// failConnect abandons a pending connect and re-selects after the settle delay.
func (c *Controller) failConnect(err error, reason string) {
	logging.Logf("[mesh] peer=%s: %v", c.state.Peer.Name, err)
	c.metrics().RecordConnectFailure(reason)
	c.resetLink()
	c.scheduleReselect()
}

func (c *Controller) handleConnected(e link.Event) {
	var peer types.Peer
	switch c.state.Phase {
	case PhasePendingConnect:
		peer = c.state.Peer
		if c.debounce.id != 0 {
			// Another device reached us before our own connect went out.
			c.stopTimer(&c.debounce)
			peer = incomingPeer(e)
		}
		c.stopTimer(&c.connectTimeout)
	case PhaseIdle:
		c.stopTimer(&c.settle)
		peer = incomingPeer(e)
	default:
		logging.Debugf("[mesh] ignoring connected group_owner=%s in phase %s", e.GroupOwner, c.state.Phase)
		return
	}

	remote := e.GroupOwner
	if remote == "" {
		remote = peer.Address
	}
	c.metrics().RecordConnected()
	c.state = State{Phase: PhaseConnected, Peer: peer, RemoteAddress: remote}
	logging.Logf("[mesh] connected peer=%s group_owner=%s", peer.Name, remote)

	c.startFetch()
}

func incomingPeer(e link.Event) types.Peer {
	peer := e.Peer
	if peer.Address == "" {
		peer.Address = e.GroupOwner
	}
	if peer.Name == "" {
		peer.Name = e.GroupOwner
	}
	return peer
}

// startFetch enters FetchingCatalog. The fetch runs without the lock.
func (c *Controller) startFetch() {
	peer := c.state.Peer
	url := routing.PeerURL(c.state.RemoteAddress, c.cfg.CatalogPort)

	c.state.Phase = PhaseFetchingCatalog
	c.disconnectInFetch = false
	c.seq++
	id := c.seq
	c.fetchID = id

	ctx, cancel := context.WithCancel(context.Background())
	c.fetchCancel = cancel

	go func() {
		defer cancel()
		_, err := c.fetcher.Fetch(ctx, peer.Name, url)
		c.fetchSettled(id, err)
	}()
}

func (c *Controller) fetchSettled(id uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || id != c.fetchID || c.state.Phase != PhaseFetchingCatalog {
		return
	}
	c.fetchID = 0
	c.fetchCancel = nil

	peer := c.state.Peer
	if err != nil {
		logging.Logf("[mesh] catalog fetch from peer=%s failed: %v", peer.Name, err)
	} else {
		logging.Debugf("[mesh] catalog fetch from peer=%s done", peer.Name)
	}
	if c.disconnectInFetch {
		logging.Debugf("[mesh] link to peer=%s dropped during fetch", peer.Name)
	}

	c.resetLink()
	c.scheduleReselect()
}

func (c *Controller) handleDisconnected() {
	if c.state.Phase == PhaseIdle {
		// echo of our own Disconnect; the settle timer is already armed
		logging.Debugf("[mesh] disconnected while idle")
		return
	}
	c.metrics().RecordDisconnect("link")

	switch c.state.Phase {
	case PhaseFetchingCatalog:
		// acted on when the fetch settles
		c.disconnectInFetch = true
		return
	case PhasePendingConnect:
		if c.debounce.id == 0 {
			c.failConnect(fmt.Errorf("%w: link dropped", ErrConnectFailure), "disconnected")
			return
		}
	}

	logging.Debugf("[mesh] disconnected in phase %s", c.state.Phase)
	c.resetLink()
	c.scheduleReselect()
}

// resetLink tells the link to disconnect and resume scanning, and returns
// to Idle.
func (c *Controller) resetLink() {
	c.stopTimer(&c.debounce)
	c.stopTimer(&c.connectTimeout)

	if err := c.driver.Disconnect(); err != nil {
		logging.Warnf("[mesh] disconnect failed: %v", err)
	}
	if err := c.driver.StartScan(); err != nil {
		logging.Warnf("[mesh] resume scan failed: %v", err)
	}
	c.state = State{Phase: PhaseIdle}
}

// scheduleReselect re-runs selection against the latest peer list once the
// radio has settled. A newer schedule replaces an older one.
func (c *Controller) scheduleReselect() {
	c.arm(&c.settle, c.cfg.SettleDelay, c.selectPeer)
}

// arm starts a timer in slot, replacing whatever it held. fn runs under mu
// and only if the slot still holds this timer.
func (c *Controller) arm(slot *timerSlot, d time.Duration, fn func()) {
	c.stopTimer(slot)
	c.seq++
	id := c.seq
	epoch := c.epoch
	slot.id = id
	slot.timer = c.cfg.Clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.running || epoch != c.epoch || slot.id != id {
			return
		}
		slot.id = 0
		slot.timer = nil
		fn()
	})
}

func (c *Controller) stopTimer(slot *timerSlot) {
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.id = 0
	slot.timer = nil
}

func (c *Controller) metrics() *metrics.Collector {
	return c.cfg.Metrics
}
