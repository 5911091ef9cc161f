package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BatchStats contains journal statistics for metrics
type BatchStats struct {
	Batches int64
	Running int64
}

// BatchStatsProvider provides journal statistics for metrics
type BatchStatsProvider interface {
	BatchStats(ctx context.Context) (*BatchStats, error)
}

var (
	bucketMetrics   = []byte("metrics")
	keyCounters     = []byte("counters")
	globalCollector *Collector
)

// labelSep joins label values into a shadow key. Label values never contain it:
// providers, outcomes, states, methods, route patterns and status codes.
const labelSep = "|"

// shadow mirrors every counter as series -> joined labels -> value
type shadow map[string]map[string]float64

// Collector persists counters across restarts and refreshes system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	batchStats    BatchStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	mu     sync.Mutex
	values shadow
	dirty  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector restores persisted counters from db into m
func NewCollector(db *bolt.DB, m *Metrics, batchStats BatchStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		batchStats:    batchStats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		values:        make(shadow),
		stopCh:        make(chan struct{}),
	}

	if err := c.restore(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetCollector routes the package-level counter helpers through c
func SetCollector(c *Collector) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = c
}

// Start begins the flush and system gauge loops
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop ends the loops and writes the final counter values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.flush(true)
}

// Value returns the shadow value of one labelled series
func (c *Collector) Value(series string, labels ...string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[series][strings.Join(labels, labelSep)]
}

func (c *Collector) add(series string, delta float64, labels ...string) {
	vec := c.metrics.counters[series]
	if vec == nil {
		return
	}
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return
	}

	c.mu.Lock()
	byLabels := c.values[series]
	if byLabels == nil {
		byLabels = make(map[string]float64)
		c.values[series] = byLabels
	}
	byLabels[strings.Join(labels, labelSep)] += delta
	c.dirty = true
	c.mu.Unlock()

	counter.Add(delta)
}

// restore loads the stored shadow and replays it into the counters.
// Series that no longer exist or whose label arity changed are dropped.
func (c *Collector) restore() error {
	var stored shadow
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(keyCounters)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &stored); err != nil {
			stored = nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for series, byLabels := range stored {
		vec := c.metrics.counters[series]
		if vec == nil {
			continue
		}
		for key, v := range byLabels {
			counter, err := vec.GetMetricWithLabelValues(strings.Split(key, labelSep)...)
			if err != nil || v <= 0 {
				continue
			}
			counter.Add(v)
			if c.values[series] == nil {
				c.values[series] = make(map[string]float64)
			}
			c.values[series][key] = v
		}
	}
	return nil
}

// flush writes the shadow when it changed since the last write, or always when forced
func (c *Collector) flush(force bool) error {
	c.mu.Lock()
	if !c.dirty && !force {
		c.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(c.values)
	c.dirty = false
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(keyCounters, data)
	})
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()

	flushTicker := time.NewTicker(c.flushInterval)
	defer flushTicker.Stop()
	gaugeTicker := time.NewTicker(5 * time.Second)
	defer gaugeTicker.Stop()

	c.collectSystemMetrics(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-flushTicker.C:
			c.flush(false)
		case <-gaugeTicker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.batchStats != nil {
		if stats, err := c.batchStats.BatchStats(ctx); err == nil {
			c.metrics.BatchesRunning.Set(float64(stats.Running))
		}
	}
}
