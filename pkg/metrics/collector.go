package metrics

import (
	"strings"
	"sync"

	"github.com/lightsaber/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Sources are read on every scrape. Any of them may be nil.
type Sources struct {
	BroadcastEnabled func() bool
	VisiblePeers     func() int
	ProximityEntries func() int
	ProximityApps    func() int
}

// Collector Prometheus metrics collector
type Collector struct {
	sources Sources

	// Info metric (always 1)
	info *prometheus.Desc

	// State gauges
	broadcastEnabled *prometheus.Desc
	visiblePeers     *prometheus.Desc
	proximityEntries *prometheus.Desc
	proximityApps    *prometheus.Desc

	// Connection cycle counters
	connectAttemptsTotal *prometheus.Desc
	connectsTotal        *prometheus.Desc
	connectFailuresTotal *prometheus.Desc
	disconnectsTotal     *prometheus.Desc

	// Catalog exchange counters
	fetchesTotal         *prometheus.Desc
	catalogRequestsTotal *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock     sync.RWMutex
	connectAttempts float64
	connects        float64
	connectFailures map[string]float64 // reason -> count
	disconnects     map[string]float64 // reason -> count
	fetches         map[string]float64 // result -> count
	catalogRequests map[string]float64 // "route|result" -> count
}

// NewCollector creates a new metrics collector
func NewCollector(sources Sources) *Collector {
	return &Collector{
		sources: sources,
		info: prometheus.NewDesc(
			"lightsaber_info",
			"Catalog exchange process info metric (always 1)",
			[]string{"device"},
			nil,
		),
		broadcastEnabled: prometheus.NewDesc(
			"lightsaber_broadcast_enabled",
			"Whether this device is broadcasting its catalog and scanning for peers (1=on, 0=off)",
			[]string{"device"},
			nil,
		),
		visiblePeers: prometheus.NewDesc(
			"lightsaber_visible_peers",
			"Number of peers in the latest peer list reported by the link",
			[]string{"device"},
			nil,
		),
		proximityEntries: prometheus.NewDesc(
			"lightsaber_proximity_entries",
			"Number of peers whose catalog has been fetched at least once",
			[]string{"device"},
			nil,
		),
		proximityApps: prometheus.NewDesc(
			"lightsaber_proximity_apps",
			"Number of app descriptors learned from peers",
			[]string{"device"},
			nil,
		),
		connectAttemptsTotal: prometheus.NewDesc(
			"lightsaber_connect_attempts_total",
			"Total connect commands issued to the link driver",
			[]string{"device"},
			nil,
		),
		connectsTotal: prometheus.NewDesc(
			"lightsaber_connects_total",
			"Total connections reported by the link driver",
			[]string{"device"},
			nil,
		),
		connectFailuresTotal: prometheus.NewDesc(
			"lightsaber_connect_failures_total",
			"Total connect attempts that failed or timed out (by reason)",
			[]string{"reason", "device"},
			nil,
		),
		disconnectsTotal: prometheus.NewDesc(
			"lightsaber_disconnects_total",
			"Total disconnects handled by the connection controller (by reason)",
			[]string{"reason", "device"},
			nil,
		),
		fetchesTotal: prometheus.NewDesc(
			"lightsaber_fetches_total",
			"Total catalog fetches from connected peers (by result)",
			[]string{"result", "device"},
			nil,
		),
		catalogRequestsTotal: prometheus.NewDesc(
			"lightsaber_catalog_requests_total",
			"Total inbound catalog server requests (by route and result)",
			[]string{"route", "result", "device"},
			nil,
		),
		connectFailures: make(map[string]float64),
		disconnects:     make(map[string]float64),
		fetches:         make(map[string]float64),
		catalogRequests: make(map[string]float64),
	}
}

// RecordConnectAttempt records a connect command sent to the link.
func (c *Collector) RecordConnectAttempt() {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.connectAttempts++
}

// RecordConnected records a connection reported by the link.
func (c *Collector) RecordConnected() {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.connects++
}

// RecordConnectFailure records a failed or timed out connect attempt.
func (c *Collector) RecordConnectFailure(reason string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.connectFailures[reason]++
}

// RecordDisconnect records a disconnect handled by the controller.
func (c *Collector) RecordDisconnect(reason string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.disconnects[reason]++
}

// RecordFetch records the outcome of a catalog fetch.
func (c *Collector) RecordFetch(result string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.fetches[result]++
}

// RecordCatalogRequest records an inbound catalog server request.
func (c *Collector) RecordCatalogRequest(route, result string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.catalogRequests[route+"|"+result]++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	ch <- c.broadcastEnabled
	ch <- c.visiblePeers
	ch <- c.proximityEntries
	ch <- c.proximityApps
	ch <- c.connectAttemptsTotal
	ch <- c.connectsTotal
	ch <- c.connectFailuresTotal
	ch <- c.disconnectsTotal
	ch <- c.fetchesTotal
	ch <- c.catalogRequestsTotal
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	device := logging.GetDeviceName()

	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1, device)

	if f := c.sources.BroadcastEnabled; f != nil {
		v := 0.0
		if f() {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.broadcastEnabled, prometheus.GaugeValue, v, device)
	}
	if f := c.sources.VisiblePeers; f != nil {
		ch <- prometheus.MustNewConstMetric(c.visiblePeers, prometheus.GaugeValue, float64(f()), device)
	}
	if f := c.sources.ProximityEntries; f != nil {
		ch <- prometheus.MustNewConstMetric(c.proximityEntries, prometheus.GaugeValue, float64(f()), device)
	}
	if f := c.sources.ProximityApps; f != nil {
		ch <- prometheus.MustNewConstMetric(c.proximityApps, prometheus.GaugeValue, float64(f()), device)
	}

	// Collect metrics from counters
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.connectAttemptsTotal, prometheus.CounterValue, c.connectAttempts, device)
	ch <- prometheus.MustNewConstMetric(c.connectsTotal, prometheus.CounterValue, c.connects, device)

	for reason, value := range c.connectFailures {
		ch <- prometheus.MustNewConstMetric(c.connectFailuresTotal, prometheus.CounterValue, value, reason, device)
	}
	for reason, value := range c.disconnects {
		ch <- prometheus.MustNewConstMetric(c.disconnectsTotal, prometheus.CounterValue, value, reason, device)
	}
	for result, value := range c.fetches {
		ch <- prometheus.MustNewConstMetric(c.fetchesTotal, prometheus.CounterValue, value, result, device)
	}
	for key, value := range c.catalogRequests {
		parts := strings.SplitN(key, "|", 2)
		if len(parts) == 2 {
			ch <- prometheus.MustNewConstMetric(c.catalogRequestsTotal, prometheus.CounterValue, value, parts[0], parts[1], device)
		}
	}
}
