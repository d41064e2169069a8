// Package metrics publishes pool and dispatch metrics to a DogStatsD agent.
// Until Init is called every call is a no-op.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/kong/adb-failover-client/pkg/pool"
)

const namespace = "adb_failover."

var (
	mu     sync.RWMutex
	client statsd.ClientInterface = &statsd.NoOpClient{}
)

// Init points the package at the agent listening on addr.
func Init(addr string, options ...statsd.Option) error {
	options = append([]statsd.Option{statsd.WithNamespace(namespace)}, options...)
	c, err := statsd.New(addr, options...)
	if err != nil {
		return fmt.Errorf("create statsd client: %w", err)
	}
	mu.Lock()
	old := client
	client = c
	mu.Unlock()
	return old.Close()
}

// Close flushes and closes the client and falls back to the no-op client.
func Close() error {
	mu.Lock()
	old := client
	client = &statsd.NoOpClient{}
	mu.Unlock()
	return old.Close()
}

// Flush sends buffered metrics.
func Flush() error {
	mu.RLock()
	defer mu.RUnlock()
	return client.Flush()
}

func Gauge(name string, value float64, tags ...string) {
	mu.RLock()
	defer mu.RUnlock()
	_ = client.Gauge(name, value, tags, 1)
}

func Incr(name string, tags ...string) {
	mu.RLock()
	defer mu.RUnlock()
	_ = client.Incr(name, tags, 1)
}

func Timing(name string, d time.Duration, tags ...string) {
	mu.RLock()
	defer mu.RUnlock()
	_ = client.Timing(name, d, tags, 1)
}

// PoolEmitter is a pool.MetricsEmitterFunction that reports a pool.Stat as
// gauges and a pool.Metric as a single gauge.
func PoolEmitter(m interface{}, tags []pool.MetricsTag) {
	t := make([]string, 0, len(tags))
	for _, tag := range tags {
		t = append(t, tag.Key+":"+tag.Value)
	}
	switch m := m.(type) {
	case pool.Stat:
		Gauge("pool.in_use", float64(m.InUse), t...)
		Gauge("pool.idle", float64(m.Idle), t...)
		Gauge("pool.total", float64(m.Total), t...)
		Gauge("pool.waiting", float64(m.Waiting), t...)
		Gauge("pool.exhausted", float64(m.ExhaustedCount), t...)
	case pool.Metric:
		Gauge(m.Key, m.Value, t...)
	}
}
