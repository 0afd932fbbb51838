// Package session ties the broadcast flag to the catalog server and the
// connection controller, and tells listeners when either the flag or the
// proximity index changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/lightsaber/pkg/client"
	"github.com/lightsaber/pkg/inventory"
	"github.com/lightsaber/pkg/link"
	"github.com/lightsaber/pkg/logging"
	"github.com/lightsaber/pkg/mesh"
	"github.com/lightsaber/pkg/metrics"
	"github.com/lightsaber/pkg/proximity"
	"github.com/lightsaber/pkg/server"
	"github.com/lightsaber/pkg/settings"
	"github.com/lightsaber/pkg/types"
	"go.uber.org/multierr"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Signal is a payload-free change notification; listeners re-read state.
type Signal int

const (
	SignalBroadcastChanged Signal = iota
	SignalProximityChanged
)

func (s Signal) String() string {
	switch s {
	case SignalBroadcastChanged:
		return "broadcast"
	case SignalProximityChanged:
		return "proximity"
	}
	return "unknown"
}

// Config holds the session's settings. Zero durations take the
// controller and client defaults.
type Config struct {
	BindAddr          string
	CatalogPort       int
	DisplayNamePrefix string
	DefaultBroadcast  bool

	ConnectDebounce time.Duration
	SettleDelay     time.Duration
	ConnectTimeout  time.Duration
	FetchTimeout    time.Duration
	StopTimeout     time.Duration // catalog server shutdown; default 5s

	Clock      clock.Clock
	Metrics    *metrics.Collector
	HTTPClient *http.Client
}

type listener struct {
	id     string
	signal Signal
	fn     func()
}

// Session is the broadcast session of one device.
type Session struct {
	driver    link.Driver
	store     settings.Store
	inventory inventory.Inventory
	cfg       Config

	index      *proximity.Index
	catalog    *server.CatalogServer
	controller *mesh.Controller

	mu            sync.Mutex
	started       bool
	closed        bool
	broadcast     bool
	cancelObserve func()

	lmu       sync.Mutex
	listeners []listener
}

// New wires a session over its collaborators. Nothing runs until Start.
func New(driver link.Driver, store settings.Store, inv inventory.Inventory, cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	s := &Session{
		driver:    driver,
		store:     store,
		inventory: inv,
		cfg:       cfg,
	}

	s.index = proximity.NewIndex(cfg.Clock, func() {
		s.emit(SignalProximityChanged)
	})
	fetcher := client.New(s.index, client.Config{
		Timeout:    cfg.FetchTimeout,
		HTTPClient: cfg.HTTPClient,
		Metrics:    cfg.Metrics,
	})
	s.controller = mesh.NewController(driver, s.index, fetcher, mesh.Config{
		ConnectDebounce:   cfg.ConnectDebounce,
		SettleDelay:       cfg.SettleDelay,
		ConnectTimeout:    cfg.ConnectTimeout,
		CatalogPort:       cfg.CatalogPort,
		DisplayNamePrefix: cfg.DisplayNamePrefix,
		Clock:             cfg.Clock,
		Metrics:           cfg.Metrics,
	})
	s.catalog = server.NewCatalogServer(cfg.BindAddr, inv, cfg.Metrics)
	return s
}

// Start checks the link, reads the persisted flag and starts broadcasting
// if it is set. Without a usable link the session refuses to start.
func (s *Session) Start(ctx context.Context) error {
	if err := s.driver.Available(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	s.cancelObserve = s.store.Observe(settings.KeyBroadcast, s.onFlagChanged)

	on, err := s.store.Get(ctx, settings.KeyBroadcast, s.cfg.DefaultBroadcast)
	if err != nil {
		logging.Warnf("[session] reading broadcast flag failed, using %t: %v", on, err)
	}
	s.started = true
	s.broadcast = on
	logging.Logf("[session] started broadcast=%t", on)

	if on {
		if err := s.activate(); err != nil {
			logging.Errorf("[session] activation failed: %v", err)
		}
	}
	return nil
}

func (s *Session) onFlagChanged(on bool) {
	s.mu.Lock()
	if s.closed || !s.started {
		s.mu.Unlock()
		return
	}
	if on == s.broadcast {
		if on {
			s.retryActivationLocked()
		}
		s.mu.Unlock()
		return
	}
	s.broadcast = on
	logging.Logf("[session] broadcast=%t", on)

	var err error
	if on {
		err = s.activate()
	} else {
		err = s.deactivate()
	}
	s.mu.Unlock()

	if err != nil {
		logging.Errorf("[session] applying broadcast=%t: %v", on, err)
	}
	s.emit(SignalBroadcastChanged)
}

// activate starts the catalog server and then discovery. s.mu is held.
func (s *Session) activate() error {
	if err := s.catalog.Start(); err != nil {
		return err
	}
	if err := s.controller.Start(); err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
		defer cancel()
		return multierr.Append(err, s.catalog.Stop(ctx))
	}
	return nil
}

// activeLocked reports whether both the catalog server and discovery run.
func (s *Session) activeLocked() bool {
	return s.catalog.Running() && s.controller.Running()
}

// retryActivationLocked re-runs an activation that failed earlier, e.g.
// because the catalog port was busy. s.mu is held.
func (s *Session) retryActivationLocked() {
	if s.closed || !s.started || !s.broadcast || s.activeLocked() {
		return
	}
	logging.Logf("[session] broadcast is on but inactive, activating again")
	if err := s.activate(); err != nil {
		logging.Errorf("[session] activation failed: %v", err)
	}
}

// deactivate stops the catalog server; discovery stops with it. s.mu is held.
func (s *Session) deactivate() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()

	var err error
	err = multierr.Append(err, s.catalog.Stop(ctx))
	err = multierr.Append(err, s.controller.Stop())
	return err
}

// Broadcast returns the in-memory flag. It only changes when the store
// reports a change, never on SetBroadcast itself.
func (s *Session) Broadcast() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcast
}

// SetBroadcast asks the store to persist v. Setting an unchanged "on" also
// retries an activation that failed before.
func (s *Session) SetBroadcast(ctx context.Context, v bool) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := s.store.Set(ctx, settings.KeyBroadcast, v); err != nil {
		return err
	}
	if v {
		s.mu.Lock()
		s.retryActivationLocked()
		s.mu.Unlock()
	}
	return nil
}

// Subscribe registers fn for sig. fn is called without session locks held.
func (s *Session) Subscribe(sig Signal, fn func()) (cancel func()) {
	id := uuid.New().String()

	s.lmu.Lock()
	s.listeners = append(s.listeners, listener{id: id, signal: sig, fn: fn})
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) emit(sig Signal) {
	s.lmu.Lock()
	var fns []func()
	for _, l := range s.listeners {
		if l.signal == sig {
			fns = append(fns, l.fn)
		}
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// ProximityEntries returns every peer catalog learned so far.
func (s *Session) ProximityEntries() []types.ProximityEntry {
	return s.index.Entries()
}

// Index exposes the proximity index for read-only consumers.
func (s *Session) Index() *proximity.Index {
	return s.index
}

// VisiblePeers returns the latest peer list reported by the link.
func (s *Session) VisiblePeers() []types.Peer {
	return s.controller.VisiblePeers()
}

// State returns the connection controller's state.
func (s *Session) State() mesh.State {
	return s.controller.State()
}

// CatalogAddr returns the catalog server's bound address while broadcasting.
func (s *Session) CatalogAddr() string {
	return s.catalog.Addr()
}

// DownloadApp installs the first app named name found in any peer catalog.
func (s *Session) DownloadApp(ctx context.Context, name string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	app, peer, ok := s.index.FindApp(name)
	if !ok {
		return fmt.Errorf("%w: %q is not offered by any nearby peer", inventory.ErrNotFound, name)
	}
	logging.Logf("[session] downloading app=%s from peer=%s", name, peer)
	return s.inventory.Install(ctx, app)
}

// RestartScan restarts peer scanning while broadcasting.
func (s *Session) RestartScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.broadcast {
		return nil
	}
	if !s.activeLocked() {
		s.retryActivationLocked()
		return nil
	}
	logging.Debugf("[session] restarting scan")

	var err error
	err = multierr.Append(err, s.driver.StopScan())
	err = multierr.Append(err, s.driver.StartScan())
	return err
}

// Close stops broadcasting and stops observing the flag. The persisted
// flag is left as it is.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancelObserve != nil {
		s.cancelObserve()
		s.cancelObserve = nil
	}

	err := s.deactivate()
	logging.Logf("[session] closed")
	return err
}
