package pagecache

import "github.com/prometheus/client_golang/prometheus"

// RegisterMetrics exposes the cache's hit/miss/eviction counters as
// prometheus gauges under the given registry and name prefix. Optional:
// callers that don't care about metrics simply never call this.
func (c *Cache) RegisterMetrics(reg *prometheus.Registry, name string) error {
	hits := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name + "_hits_total",
		Help: "Cache hits for " + name,
	}, func() float64 { return float64(c.Stats().Hits) })

	misses := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name + "_misses_total",
		Help: "Cache misses for " + name,
	}, func() float64 { return float64(c.Stats().Misses) })

	evictions := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name + "_evictions_total",
		Help: "Cache evictions for " + name,
	}, func() float64 { return float64(c.Stats().Evictions) })

	for _, collector := range []prometheus.Collector{hits, misses, evictions} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
