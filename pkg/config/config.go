package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lightsaber/pkg/routing"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Link      LinkConfig      `yaml:"link"`
	Log       LogConfig       `yaml:"log"`
	Status    StatusConfig    `yaml:"status"`
}

// DeviceConfig local device configuration
type DeviceConfig struct {
	Name         string `yaml:"name"`          // Device name (optional, defaults to DEVICE_NAME or HOSTNAME)
	SettingsFile string `yaml:"settings_file"` // Persisted settings (broadcast flag)
	AppsDir      string `yaml:"apps_dir"`      // Local application inventory directory
}

// BroadcastConfig catalog server configuration
type BroadcastConfig struct {
	BindAddr          string `yaml:"bind_addr"`           // Catalog server listening address (e.g., ":8080")
	CatalogPort       int    `yaml:"catalog_port"`        // Port peers serve their catalog on
	DisplayNamePrefix string `yaml:"display_name_prefix"` // Prefix of the name announced on the link
	Default           bool   `yaml:"default"`             // Flag value used when nothing is persisted yet
}

// DiscoveryConfig connection controller timings
type DiscoveryConfig struct {
	ConnectDebounce int `yaml:"connect_debounce"` // Delay between selecting a peer and connecting (seconds)
	SettleDelay     int `yaml:"settle_delay_ms"`  // Delay after a disconnect before re-selecting (milliseconds)
	ConnectTimeout  int `yaml:"connect_timeout"`  // Time allowed for the link to report connected (seconds)
	FetchTimeout    int `yaml:"fetch_timeout"`    // Catalog fetch timeout (seconds)
}

// LinkConfig link driver configuration
type LinkConfig struct {
	Driver       string               `yaml:"driver"`        // "mdns" or "static"
	Service      string               `yaml:"service"`       // mDNS service type
	ScanInterval int                  `yaml:"scan_interval"` // Seconds between scans
	StaticPeers  string               `yaml:"static_peers"`  // Comma-separated "name=host:port" list
	Peers        []routing.PeerConfig `yaml:"peers"`         // List form of static peers (wins over static_peers)
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StatusConfig metrics/status listener configuration
type StatusConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TelemetryPath string `yaml:"telemetry_path"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// Default returns a configuration with defaults and environment overrides applied
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	c.ApplyEnvOverrides()
	return c
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Device.SettingsFile == "" {
		c.Device.SettingsFile = "settings.yaml"
	}
	if c.Device.AppsDir == "" {
		c.Device.AppsDir = "apps"
	}

	if c.Broadcast.CatalogPort == 0 {
		c.Broadcast.CatalogPort = 8080
	}
	if c.Broadcast.BindAddr == "" {
		c.Broadcast.BindAddr = ":" + strconv.Itoa(c.Broadcast.CatalogPort)
	}
	if c.Broadcast.DisplayNamePrefix == "" {
		c.Broadcast.DisplayNamePrefix = "P2P Web Server "
	}

	if c.Discovery.ConnectDebounce == 0 {
		c.Discovery.ConnectDebounce = 5
	}
	if c.Discovery.SettleDelay == 0 {
		c.Discovery.SettleDelay = 500
	}
	if c.Discovery.ConnectTimeout == 0 {
		c.Discovery.ConnectTimeout = 30
	}
	if c.Discovery.FetchTimeout == 0 {
		c.Discovery.FetchTimeout = 15
	}

	if c.Link.Driver == "" {
		c.Link.Driver = "mdns"
	}
	if c.Link.Service == "" {
		c.Link.Service = "_lightsaber._tcp"
	}
	if c.Link.ScanInterval == 0 {
		c.Link.ScanInterval = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Status.ListenAddress == "" {
		c.Status.ListenAddress = ":9090"
	}
	if c.Status.TelemetryPath == "" {
		c.Status.TelemetryPath = "/metrics"
	}
}

// GetConnectDebounce gets the delay before a selected peer is connected
func (c *Config) GetConnectDebounce() time.Duration {
	return time.Duration(c.Discovery.ConnectDebounce) * time.Second
}

// GetSettleDelay gets the radio settle delay after a disconnect
func (c *Config) GetSettleDelay() time.Duration {
	return time.Duration(c.Discovery.SettleDelay) * time.Millisecond
}

// GetConnectTimeout gets the connect timeout
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Discovery.ConnectTimeout) * time.Second
}

// GetFetchTimeout gets the catalog fetch timeout
func (c *Config) GetFetchTimeout() time.Duration {
	return time.Duration(c.Discovery.FetchTimeout) * time.Second
}

// GetScanInterval gets the link scan interval
func (c *Config) GetScanInterval() time.Duration {
	return time.Duration(c.Link.ScanInterval) * time.Second
}

// GetStaticPeers returns the configured static peers, list form first
func (c *Config) GetStaticPeers() []routing.PeerConfig {
	if len(c.Link.Peers) > 0 {
		out := make([]routing.PeerConfig, 0, len(c.Link.Peers))
		for _, p := range c.Link.Peers {
			if strings.TrimSpace(p.Address) == "" {
				continue
			}
			addr := routing.NormalizePeerAddr(p.Address, "127.0.0.1", c.Broadcast.CatalogPort)
			name := strings.TrimSpace(p.Name)
			if name == "" {
				name = addr
			}
			out = append(out, routing.PeerConfig{Name: name, Address: addr})
		}
		return out
	}
	return routing.ParseStaticPeers(c.Link.StaticPeers, c.Broadcast.CatalogPort)
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("DEVICE_NAME"); val != "" {
		c.Device.Name = val
	}
	if val := os.Getenv("SETTINGS_FILE"); val != "" {
		c.Device.SettingsFile = val
	}
	if val := os.Getenv("APPS_DIR"); val != "" {
		c.Device.AppsDir = val
	}

	if val := os.Getenv("CATALOG_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			c.Broadcast.CatalogPort = i
			c.Broadcast.BindAddr = ":" + val
		}
	}
	if val := os.Getenv("CATALOG_BIND_ADDR"); val != "" {
		c.Broadcast.BindAddr = val
	}
	if val := os.Getenv("BROADCAST_DISPLAY_NAME_PREFIX"); val != "" {
		c.Broadcast.DisplayNamePrefix = val
	}
	if val := os.Getenv("BROADCAST_DEFAULT"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Broadcast.Default = b
		}
	}

	setInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if i, err := strconv.Atoi(val); err == nil {
				*dst = i
			}
		}
	}
	setInt("CONNECT_DEBOUNCE_SECONDS", &c.Discovery.ConnectDebounce)
	setInt("SETTLE_DELAY_MS", &c.Discovery.SettleDelay)
	setInt("CONNECT_TIMEOUT_SECONDS", &c.Discovery.ConnectTimeout)
	setInt("FETCH_TIMEOUT_SECONDS", &c.Discovery.FetchTimeout)
	setInt("LINK_SCAN_INTERVAL_SECONDS", &c.Link.ScanInterval)

	if val := os.Getenv("LINK_DRIVER"); val != "" {
		c.Link.Driver = strings.ToLower(val)
	}
	if val := os.Getenv("LINK_SERVICE"); val != "" {
		c.Link.Service = val
	}
	if val := os.Getenv("STATIC_PEERS"); val != "" {
		c.Link.StaticPeers = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	if val := os.Getenv("STATUS_LISTEN_ADDRESS"); val != "" {
		c.Status.ListenAddress = val
	}
	if val := os.Getenv("STATUS_TELEMETRY_PATH"); val != "" {
		c.Status.TelemetryPath = val
	}
}
