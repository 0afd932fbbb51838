package link

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lightsaber/pkg/logging"
	"github.com/lightsaber/pkg/routing"
	"github.com/lightsaber/pkg/types"
)

// StaticConfig configures a StaticDriver.
type StaticConfig struct {
	Peers        []routing.PeerConfig
	ScanInterval time.Duration
	DialTimeout  time.Duration
	LocalAddress string
	Clock        clock.Clock
	Dial         Dialer
}

// StaticDriver treats a fixed list of peers as the radio neighbourhood. A
// configured peer is visible while its catalog port accepts connections.
// Pointing a single entry at this device's own catalog server loops the
// whole exchange back to itself.
type StaticDriver struct {
	cfg  StaticConfig
	hub  *hub
	conn *connector

	mu          sync.Mutex
	scanning    bool
	stopScan    context.CancelFunc
	scanDone    chan struct{}
	displayName string
	last        []types.Peer
}

// NewStaticDriver creates a driver over the configured peers.
func NewStaticDriver(cfg StaticConfig) *StaticDriver {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Second
	}
	if cfg.LocalAddress == "" {
		cfg.LocalAddress = "127.0.0.1"
	}
	h := newHub()
	return &StaticDriver{
		cfg:  cfg,
		hub:  h,
		conn: newConnector(h, cfg.Dial, cfg.DialTimeout),
	}
}

func (d *StaticDriver) Available() error {
	if len(d.cfg.Peers) == 0 {
		return fmt.Errorf("%w: no static peers configured", ErrLinkUnavailable)
	}
	return nil
}

func (d *StaticDriver) StartScan() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scanning {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.scanning = true
	d.stopScan = cancel
	d.scanDone = make(chan struct{})
	d.last = nil

	go d.scanLoop(ctx, d.scanDone)

	logging.Debugf("[link] static scan started peers=%d interval=%s", len(d.cfg.Peers), d.cfg.ScanInterval)
	return nil
}

func (d *StaticDriver) StopScan() error {
	d.mu.Lock()
	if !d.scanning {
		d.mu.Unlock()
		return nil
	}
	d.scanning = false
	d.stopScan()
	done := d.scanDone
	d.mu.Unlock()

	<-done
	logging.Debugf("[link] static scan stopped")
	return nil
}

func (d *StaticDriver) scanLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := d.cfg.Clock.Ticker(d.cfg.ScanInterval)
	defer ticker.Stop()

	d.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scanOnce(ctx)
		}
	}
}

func (d *StaticDriver) scanOnce(ctx context.Context) {
	peers := make([]types.Peer, 0, len(d.cfg.Peers))
	for _, p := range d.cfg.Peers {
		if ctx.Err() != nil {
			return
		}
		if d.conn.reachable(ctx, p.Address) {
			peers = append(peers, types.Peer{Name: p.Name, Address: p.Address})
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.scanning || ctx.Err() != nil {
		return
	}
	if d.last != nil && samePeers(d.last, peers) {
		return
	}
	d.last = clonePeers(peers)
	d.hub.emit(Event{Type: EventPeerListChange, Peers: clonePeers(peers)})
}

func (d *StaticDriver) Connect(address string) error {
	address = strings.TrimSpace(address)
	for _, p := range d.cfg.Peers {
		if p.Address == address {
			logging.Debugf("[link] connecting to %s (%s)", p.Name, address)
			d.conn.connect(types.Peer{Name: p.Name, Address: p.Address})
			return nil
		}
	}
	return fmt.Errorf("unknown peer address %q", address)
}

func (d *StaticDriver) Disconnect() error {
	d.conn.disconnect()
	return nil
}

func (d *StaticDriver) SetDisplayName(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.displayName = name
	return nil
}

// DisplayName returns the name last set with SetDisplayName.
func (d *StaticDriver) DisplayName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.displayName
}

func (d *StaticDriver) LocalAddress() string {
	return d.cfg.LocalAddress
}

func (d *StaticDriver) Subscribe(fn func(Event)) (cancel func()) {
	return d.hub.Subscribe(fn)
}

func (d *StaticDriver) Close() error {
	_ = d.StopScan()
	d.conn.disconnect()
	d.hub.close()
	return nil
}
