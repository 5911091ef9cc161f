package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

type mockBatchStats struct {
	stats *BatchStats
}

func (m *mockBatchStats) BatchStats(ctx context.Context) (*BatchStats, error) {
	return m.stats, nil
}

func openTestDB(t *testing.T, path string) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func newTestCollector(t *testing.T, db *bolt.DB, path string) (*Collector, *Metrics) {
	t.Helper()

	m := New()
	c, err := NewCollector(db, m, nil, path, time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	return c, m
}

func TestCollectorPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)

	c, _ := newTestCollector(t, db, path)
	c.add(seriesSends, 1, "naver", "sent")
	c.add(seriesSends, 1, "naver", "sent")
	c.add(seriesSends, 1, "daum", "limit_reached")
	c.add(seriesAccountSwitches, 1, "daum")
	c.add(seriesCrawlPages, 7, "naver")
	c.add(seriesAPIRequests, 1, "GET", "/api/v1/batches/{id}", "200")

	if err := c.Stop(); err != nil {
		t.Errorf("Failed to stop collector: %v", err)
	}
	db.Close()

	db2 := openTestDB(t, path)
	defer db2.Close()

	c2, m2 := newTestCollector(t, db2, path)
	defer c2.Stop()

	tests := []struct {
		series string
		labels []string
		want   float64
	}{
		{seriesSends, []string{"naver", "sent"}, 2},
		{seriesSends, []string{"daum", "limit_reached"}, 1},
		{seriesAccountSwitches, []string{"daum"}, 1},
		{seriesCrawlPages, []string{"naver"}, 7},
		{seriesAPIRequests, []string{"GET", "/api/v1/batches/{id}", "200"}, 1},
		{seriesCaptchaWaits, []string{"naver"}, 0},
	}
	for _, tt := range tests {
		if got := c2.Value(tt.series, tt.labels...); got != tt.want {
			t.Errorf("Value(%s, %v) = %f, want %f", tt.series, tt.labels, got, tt.want)
		}
	}

	if v := counterValue(t, m2.SendsTotal.WithLabelValues("naver", "sent")); v != 2 {
		t.Errorf("restored sends counter = %f, want 2", v)
	}
	if v := counterValue(t, m2.APIRequestsTotal.WithLabelValues("GET", "/api/v1/batches/{id}", "200")); v != 1 {
		t.Errorf("restored api counter = %f, want 1", v)
	}
}

func TestCollectorRejectsBadLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	c, m := newTestCollector(t, db, path)
	defer c.Stop()

	c.add(seriesSends, 1, "naver")
	c.add("unknown", 1, "naver")

	if got := c.Value(seriesSends, "naver"); got != 0 {
		t.Errorf("arity mismatch recorded: %f", got)
	}
	if v := counterValue(t, m.SendsTotal); v != 0 {
		t.Errorf("sends counter = %f, want 0", v)
	}
}

func TestCollectorSkipsCorruptShadow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketMetrics)
		if err != nil {
			return err
		}
		return b.Put(keyCounters, []byte("{not json"))
	})
	if err != nil {
		t.Fatal(err)
	}

	c, _ := newTestCollector(t, db, path)
	defer c.Stop()

	if got := c.Value(seriesSends, "naver", "sent"); got != 0 {
		t.Errorf("Value() = %f, want 0", got)
	}
}

func TestCollectorRoutesGlobalHelpers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	c, m := newTestCollector(t, db, path)
	SetGlobal(m)
	SetCollector(c)
	defer func() {
		SetCollector(nil)
		SetGlobal(nil)
	}()

	IncSends("naver", "sent")
	IncBatches("naver", "cancelled")
	AddCrawlRecipients("daum", 4)
	AddCrawlRecipients("daum", 0)
	IncCrawlErrors("daum")

	if got := c.Value(seriesSends, "naver", "sent"); got != 1 {
		t.Errorf("shadow sends = %f, want 1", got)
	}
	if got := c.Value(seriesBatches, "naver", "cancelled"); got != 1 {
		t.Errorf("shadow batches = %f, want 1", got)
	}
	if got := c.Value(seriesCrawlRecipients, "daum"); got != 4 {
		t.Errorf("shadow crawl recipients = %f, want 4", got)
	}
	if v := counterValue(t, m.CrawlErrorsTotal); v != 1 {
		t.Errorf("crawl errors = %f, want 1", v)
	}
}

func TestCollectorFlushOnlyWhenDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	c, _ := newTestCollector(t, db, path)
	defer c.Stop()

	stored := func() []byte {
		var data []byte
		db.View(func(tx *bolt.Tx) error {
			data = append(data, tx.Bucket(bucketMetrics).Get(keyCounters)...)
			return nil
		})
		return data
	}

	if err := c.flush(false); err != nil {
		t.Fatal(err)
	}
	if data := stored(); len(data) != 0 {
		t.Errorf("clean flush wrote %q", data)
	}

	c.add(seriesCaptchaWaits, 1, "naver")
	if err := c.flush(false); err != nil {
		t.Fatal(err)
	}
	if data := stored(); len(data) == 0 {
		t.Error("dirty flush wrote nothing")
	}
}

func TestCollectSystemMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)
	defer db.Close()

	m := New()
	stats := &mockBatchStats{stats: &BatchStats{Batches: 4, Running: 1}}
	c, err := NewCollector(db, m, stats, path, time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	c.collectSystemMetrics(context.Background())

	if v := counterValue(t, m.BatchesRunning); v != 1 {
		t.Errorf("batches running = %f, want 1", v)
	}
	if v := counterValue(t, m.StorageUsedBytes); v <= 0 {
		t.Errorf("storage bytes = %f, want > 0", v)
	}
	if v := counterValue(t, m.Goroutines); v <= 0 {
		t.Errorf("goroutines = %f, want > 0", v)
	}
}
