package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for cafenote
type Metrics struct {
	// Send counters
	SendsTotal           *prometheus.CounterVec
	CaptchaWaitsTotal    *prometheus.CounterVec
	AccountSwitchesTotal *prometheus.CounterVec
	BatchesTotal         *prometheus.CounterVec
	BatchActive          prometheus.Gauge
	BatchesRunning       prometheus.Gauge

	// Discovery counters
	CrawlPagesTotal      *prometheus.CounterVec
	CrawlRecipientsTotal *prometheus.CounterVec
	CrawlErrorsTotal     *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	counters map[string]*prometheus.CounterVec
	registry *prometheus.Registry
}

// Counter series names, also the keys of the persisted shadow
const (
	seriesSends           = "sends"
	seriesCaptchaWaits    = "captcha_waits"
	seriesAccountSwitches = "account_switches"
	seriesBatches         = "batches"
	seriesCrawlPages      = "crawl_pages"
	seriesCrawlRecipients = "crawl_recipients"
	seriesCrawlErrors     = "crawl_errors"
	seriesAPIRequests     = "api_requests"
	seriesAPIErrors       = "api_errors"
)

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cafenote_sends_total",
				Help: "Send attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		CaptchaWaitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cafenote_captcha_waits_total",
				Help: "Number of sends interrupted by a CAPTCHA",
			},
			[]string{"provider"},
		),
		AccountSwitchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cafenote_account_switches_total",
				Help: "Number of account rotations after the daily limit was hit",
			},
			[]string{"provider"},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cafenote_batches_total",
				Help: "Finished batches by terminal state",
			},
			[]string{"provider", "state"},
		),
		BatchActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cafenote_batch_active",
				Help: "1 while a batch is sending",
			},
		),
		BatchesRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cafenote_batches_unfinished",
				Help: "Journaled batches that are running or waiting for an account switch",
			},
		),

		CrawlPagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cafenote_crawl_pages_total",
				Help: "Listing pages fetched during discovery",
			},
			[]string{"provider"},
		),
		CrawlRecipientsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cafenote_crawl_recipients_total",
				Help: "New recipients found during discovery",
			},
			[]string{"provider"},
		),
		CrawlErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cafenote_crawl_errors_total",
				Help: "Cafes whose crawl stopped on an error",
			},
			[]string{"provider"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cafenote_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cafenote_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cafenote_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cafenote_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cafenote_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cafenote_journal_used_bytes",
				Help: "Journal BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	m.counters = map[string]*prometheus.CounterVec{
		seriesSends:           m.SendsTotal,
		seriesCaptchaWaits:    m.CaptchaWaitsTotal,
		seriesAccountSwitches: m.AccountSwitchesTotal,
		seriesBatches:         m.BatchesTotal,
		seriesCrawlPages:      m.CrawlPagesTotal,
		seriesCrawlRecipients: m.CrawlRecipientsTotal,
		seriesCrawlErrors:     m.CrawlErrorsTotal,
		seriesAPIRequests:     m.APIRequestsTotal,
		seriesAPIErrors:       m.APIErrorsTotal,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.CaptchaWaitsTotal,
		m.AccountSwitchesTotal,
		m.BatchesTotal,
		m.BatchActive,
		m.BatchesRunning,
		m.CrawlPagesTotal,
		m.CrawlRecipientsTotal,
		m.CrawlErrorsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

func collector() *Collector {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalCollector
}

// count adds delta to a counter series, through the collector when one is set
// so the value survives a restart
func count(series string, delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	if c := collector(); c != nil {
		c.add(series, delta, labels...)
		return
	}
	if m := Global(); m != nil {
		if vec := m.counters[series]; vec != nil {
			vec.WithLabelValues(labels...).Add(delta)
		}
	}
}

// IncSends records one send outcome
func IncSends(provider, outcome string) {
	count(seriesSends, 1, provider, outcome)
}

// IncCaptchaWaits increments the CAPTCHA counter
func IncCaptchaWaits(provider string) {
	count(seriesCaptchaWaits, 1, provider)
}

// IncAccountSwitches increments the account rotation counter
func IncAccountSwitches(provider string) {
	count(seriesAccountSwitches, 1, provider)
}

// IncBatches records a batch reaching a terminal state
func IncBatches(provider, state string) {
	count(seriesBatches, 1, provider, state)
}

// SetBatchActive flips the active batch gauge
func SetBatchActive(active bool) {
	m := Global()
	if m == nil {
		return
	}
	if active {
		m.BatchActive.Set(1)
	} else {
		m.BatchActive.Set(0)
	}
}

func AddCrawlPages(provider string, n int) {
	count(seriesCrawlPages, float64(n), provider)
}

func AddCrawlRecipients(provider string, n int) {
	count(seriesCrawlRecipients, float64(n), provider)
}

// IncCrawlErrors counts a cafe whose crawl stopped on an error
func IncCrawlErrors(provider string) {
	count(seriesCrawlErrors, 1, provider)
}

func incAPIRequests(method, path, status string) {
	count(seriesAPIRequests, 1, method, path, status)
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	count(seriesAPIErrors, 1, errorType)
}
