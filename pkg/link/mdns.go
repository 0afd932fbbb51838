package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	"github.com/lightsaber/pkg/logging"
	"github.com/lightsaber/pkg/types"
	"go.uber.org/multierr"
)

const (
	txtID   = "id="
	txtName = "name="
)

// MDNSConfig configures an MDNSDriver.
type MDNSConfig struct {
	Service      string // e.g. "_lightsaber._tcp"
	Domain       string // defaults to "local"
	Port         int    // catalog port advertised to peers
	DeviceName   string
	ScanInterval time.Duration
	QueryTimeout time.Duration
	DialTimeout  time.Duration
	Clock        clock.Clock
	Dial         Dialer

	// Query and Interfaces default to mdns.QueryContext and net.Interfaces.
	Query      func(context.Context, *mdns.QueryParam) error
	Interfaces func() ([]net.Interface, error)
}

// MDNSDriver finds peers with multicast DNS on the local network and
// advertises this device while scanning.
type MDNSDriver struct {
	cfg  MDNSConfig
	id   string
	hub  *hub
	conn *connector

	mu          sync.Mutex
	scanning    bool
	stopScan    context.CancelFunc
	scanDone    chan struct{}
	displayName string
	server      *mdns.Server
	firstSeen   map[string]uint64
	seq         uint64
	last        []types.Peer
	known       map[string]types.Peer // by address
}

// NewMDNSDriver creates an mDNS link driver.
func NewMDNSDriver(cfg MDNSConfig) *MDNSDriver {
	if cfg.Domain == "" {
		cfg.Domain = "local"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Second
	}
	if cfg.QueryTimeout <= 0 || cfg.QueryTimeout > cfg.ScanInterval {
		cfg.QueryTimeout = minDuration(2*time.Second, cfg.ScanInterval)
	}
	if cfg.Query == nil {
		cfg.Query = mdns.QueryContext
	}
	if cfg.Interfaces == nil {
		cfg.Interfaces = net.Interfaces
	}
	h := newHub()
	return &MDNSDriver{
		cfg:       cfg,
		id:        uuid.New().String(),
		hub:       h,
		conn:      newConnector(h, cfg.Dial, cfg.DialTimeout),
		firstSeen: make(map[string]uint64),
		known:     make(map[string]types.Peer),
	}
}

// Available requires at least one up, multicast-capable, non-loopback
// interface with an address.
func (d *MDNSDriver) Available() error {
	ifaces, err := d.cfg.Interfaces()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: no multicast-capable network interface", ErrLinkUnavailable)
}

func (d *MDNSDriver) StartScan() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scanning {
		return nil
	}
	if err := d.advertiseLocked(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.scanning = true
	d.stopScan = cancel
	d.scanDone = make(chan struct{})
	d.last = nil

	go d.scanLoop(ctx, d.scanDone)

	logging.Debugf("[link] mdns scan started service=%s interval=%s", d.cfg.Service, d.cfg.ScanInterval)
	return nil
}

func (d *MDNSDriver) StopScan() error {
	d.mu.Lock()
	if !d.scanning {
		d.mu.Unlock()
		return nil
	}
	d.scanning = false
	d.stopScan()
	done := d.scanDone
	err := d.shutdownServerLocked()
	d.mu.Unlock()

	<-done
	logging.Debugf("[link] mdns scan stopped")
	return err
}

func (d *MDNSDriver) advertiseLocked() error {
	if d.cfg.Port <= 0 {
		return nil
	}
	ips := localIPv4s(d.cfg.Interfaces)
	if len(ips) == 0 {
		return fmt.Errorf("%w: no local address to advertise", ErrLinkUnavailable)
	}

	instance := d.displayName
	if instance == "" {
		instance = d.cfg.DeviceName
	}
	if instance == "" {
		instance = d.id
	}
	txt := []string{txtID + d.id, txtName + d.cfg.DeviceName}

	service, err := mdns.NewMDNSService(instance, d.cfg.Service, d.cfg.Domain+".", "", d.cfg.Port, ips, txt)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to start mDNS responder: %w", err)
	}
	d.server = server
	logging.Debugf("[link] advertising %q on %s port=%d", instance, ips[0], d.cfg.Port)
	return nil
}

func (d *MDNSDriver) shutdownServerLocked() error {
	if d.server == nil {
		return nil
	}
	err := d.server.Shutdown()
	d.server = nil
	return err
}

func (d *MDNSDriver) scanLoop(ctx context.Context, done chan struct{}) {
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

func (d *MDNSDriver) scanOnce(ctx context.Context) {
	entries := make(chan *mdns.ServiceEntry, 16)
	collected := make([]*mdns.ServiceEntry, 0)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for e := range entries {
			collected = append(collected, e)
		}
	}()

	params := &mdns.QueryParam{
		Service:             d.cfg.Service,
		Domain:              d.cfg.Domain,
		Timeout:             d.cfg.QueryTimeout,
		Entries:             entries,
		WantUnicastResponse: true,
	}

	err := d.cfg.Query(ctx, params)
	close(entries)
	<-drained

	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Debugf("[link] mdns query failed: %v", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.scanning || ctx.Err() != nil {
		return
	}

	peers := d.peersFromEntriesLocked(collected)
	if d.last != nil && samePeers(d.last, peers) {
		return
	}
	d.last = clonePeers(peers)
	d.hub.emit(Event{Type: EventPeerListChange, Peers: clonePeers(peers)})
}

// peersFromEntriesLocked turns one query round into a peer list. Our own
// advertisement is dropped, duplicates collapse by name, and the result is
// ordered by when each name was first seen.
func (d *MDNSDriver) peersFromEntriesLocked(entries []*mdns.ServiceEntry) []types.Peer {
	byName := make(map[string]types.Peer)
	for _, e := range entries {
		if e == nil || e.Port <= 0 {
			continue
		}
		fields := txtFields(e.InfoFields)
		if fields[txtID] == d.id {
			continue
		}
		ip := e.AddrV4
		if ip == nil {
			ip = e.AddrV6
		}
		if ip == nil {
			continue
		}

		name := fields[txtName]
		if name == "" {
			name = instanceName(e.Name, d.cfg.Service)
		}
		if _, dup := byName[name]; dup {
			continue
		}
		byName[name] = types.Peer{
			Name:    name,
			Address: net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
		}
		if _, ok := d.firstSeen[name]; !ok {
			d.seq++
			d.firstSeen[name] = d.seq
		}
	}

	peers := make([]types.Peer, 0, len(byName))
	for _, p := range byName {
		peers = append(peers, p)
		d.known[p.Address] = p
	}
	sort.Slice(peers, func(i, j int) bool {
		return d.firstSeen[peers[i].Name] < d.firstSeen[peers[j].Name]
	})
	return peers
}

func (d *MDNSDriver) Connect(address string) error {
	address = strings.TrimSpace(address)
	d.mu.Lock()
	peer, ok := d.known[address]
	d.mu.Unlock()
	if !ok {
		peer = types.Peer{Name: address, Address: address}
	}
	logging.Debugf("[link] connecting to %s (%s)", peer.Name, address)
	d.conn.connect(peer)
	return nil
}

func (d *MDNSDriver) Disconnect() error {
	d.conn.disconnect()
	return nil
}

// SetDisplayName sets the advertised instance name. A running advertisement
// is restarted under the new name.
func (d *MDNSDriver) SetDisplayName(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.displayName = name
	if d.server == nil {
		return nil
	}
	if err := d.shutdownServerLocked(); err != nil {
		logging.Warnf("[link] mdns responder shutdown failed: %v", err)
	}
	return d.advertiseLocked()
}

func (d *MDNSDriver) LocalAddress() string {
	ips := localIPv4s(d.cfg.Interfaces)
	if len(ips) == 0 {
		return "127.0.0.1"
	}
	return ips[0].String()
}

func (d *MDNSDriver) Subscribe(fn func(Event)) (cancel func()) {
	return d.hub.Subscribe(fn)
}

func (d *MDNSDriver) Close() error {
	var err error
	err = multierr.Append(err, d.StopScan())
	d.conn.disconnect()
	d.mu.Lock()
	err = multierr.Append(err, d.shutdownServerLocked())
	d.mu.Unlock()
	d.hub.close()
	return err
}

func txtFields(info []string) map[string]string {
	out := make(map[string]string, len(info))
	for _, f := range info {
		for _, prefix := range []string{txtID, txtName} {
			if strings.HasPrefix(f, prefix) {
				out[prefix] = strings.TrimPrefix(f, prefix)
			}
		}
	}
	return out
}

// instanceName strips "<service>.<domain>." from a service entry name.
func instanceName(entryName, service string) string {
	name := strings.TrimSuffix(entryName, ".")
	if idx := strings.Index(name, "."+service); idx > 0 {
		name = name[:idx]
	}
	return strings.ReplaceAll(name, `\ `, " ")
}

func localIPv4s(list func() ([]net.Interface, error)) []net.IP {
	ifaces, err := list()
	if err != nil {
		return nil
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if ip = ip.To4(); ip != nil {
				ips = append(ips, ip)
			}
		}
	}
	return ips
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
