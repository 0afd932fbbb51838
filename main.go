package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lightsaber/pkg/config"
	"github.com/lightsaber/pkg/inventory"
	"github.com/lightsaber/pkg/link"
	"github.com/lightsaber/pkg/logging"
	"github.com/lightsaber/pkg/metrics"
	"github.com/lightsaber/pkg/server"
	"github.com/lightsaber/pkg/session"
	"github.com/lightsaber/pkg/settings"
	"go.uber.org/multierr"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").String()
	bindAddr      = kingpin.Flag("catalog.bind-addr", "Address the catalog server listens on.").String()
	broadcast     = kingpin.Flag("broadcast", "Persist the broadcast flag at startup (on or off).").Enum("on", "off")

	// Global config
	appConfig *config.Config
)

func main() {
	kingpin.Parse()

	// Load configuration
	var err error
	appConfig, err = config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		appConfig = config.Default()
	}

	logging.SetDeviceName(appConfig.Device.Name)
	if err := logging.Configure(appConfig.Log.Level, appConfig.Log.Format); err != nil {
		logging.Fatalf("Invalid log configuration: %v", err)
	}
	defer logging.Flush()

	logging.Logf("Device initialized with name: %s", logging.GetDeviceName())

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		logging.Fatalf("Device error: %v", err)
	}
}

func run(ctx context.Context) error {
	driver, err := newDriver(appConfig)
	if err != nil {
		return err
	}

	store := settings.NewFileStore(appConfig.Device.SettingsFile)
	if *broadcast != "" {
		if err := store.Set(ctx, settings.KeyBroadcast, *broadcast == "on"); err != nil {
			return fmt.Errorf("failed to persist broadcast flag: %w", err)
		}
	}

	inv, err := inventory.NewDirInventory(appConfig.Device.AppsDir, nil)
	if err != nil {
		return err
	}

	catalogAddr := appConfig.Broadcast.BindAddr
	if *bindAddr != "" {
		catalogAddr = *bindAddr
	}

	var sess *session.Session
	collector := metrics.NewCollector(metrics.Sources{
		BroadcastEnabled: func() bool { return sess.Broadcast() },
		VisiblePeers:     func() int { return len(sess.VisiblePeers()) },
		ProximityEntries: func() int { return sess.Index().Len() },
		ProximityApps:    func() int { return sess.Index().AppCount() },
	})

	sess = session.New(driver, store, inv, session.Config{
		BindAddr:          catalogAddr,
		CatalogPort:       appConfig.Broadcast.CatalogPort,
		DisplayNamePrefix: appConfig.Broadcast.DisplayNamePrefix,
		DefaultBroadcast:  appConfig.Broadcast.Default,
		ConnectDebounce:   appConfig.GetConnectDebounce(),
		SettleDelay:       appConfig.GetSettleDelay(),
		ConnectTimeout:    appConfig.GetConnectTimeout(),
		FetchTimeout:      appConfig.GetFetchTimeout(),
		Metrics:           collector,
	})
	sess.Subscribe(session.SignalProximityChanged, func() {
		logging.Debugf("[session] proximity changed entries=%d", sess.Index().Len())
	})

	if err := sess.Start(ctx); err != nil {
		_ = driver.Close()
		return fmt.Errorf("failed to start session: %w", err)
	}

	// Get metrics config from command line or config file
	metricsAddr := appConfig.Status.ListenAddress
	if *listenAddress != "" {
		metricsAddr = *listenAddress
	}
	metricsPath := appConfig.Status.TelemetryPath
	if *telemetryPath != "" {
		metricsPath = *telemetryPath
	}
	status := server.NewStatusServer(metricsPath, collector, sess.Index())

	statusErr := make(chan error, 1)
	go func() {
		statusErr <- status.ListenAndServe(metricsAddr)
	}()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logging.Logf("Received SIGHUP, restarting scan")
				if err := sess.RestartScan(); err != nil {
					logging.Warnf("Restart scan failed: %v", err)
				}
				continue
			}
			logging.Log("Received shutdown signal, shutting down gracefully...")
			break loop
		case err := <-statusErr:
			runErr = fmt.Errorf("status server: %w", err)
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = runErr
	err = multierr.Append(err, sess.Close())
	err = multierr.Append(err, status.Shutdown(shutdownCtx))
	err = multierr.Append(err, driver.Close())
	err = multierr.Append(err, store.Close())
	return err
}

func newDriver(cfg *config.Config) (link.Driver, error) {
	switch cfg.Link.Driver {
	case "mdns":
		return link.NewMDNSDriver(link.MDNSConfig{
			Service:      cfg.Link.Service,
			Port:         cfg.Broadcast.CatalogPort,
			DeviceName:   logging.GetDeviceName(),
			ScanInterval: cfg.GetScanInterval(),
		}), nil
	case "static":
		return link.NewStaticDriver(link.StaticConfig{
			Peers:        cfg.GetStaticPeers(),
			ScanInterval: cfg.GetScanInterval(),
		}), nil
	}
	return nil, fmt.Errorf("unknown link driver %q (use mdns or static)", cfg.Link.Driver)
}
