package metrics

import (
	"time"

	"github.com/cuemby/warrenswarm/pkg/storage"
)

// Collector periodically samples the local store and republishes gauges so
// a Prometheus scrape never has to walk the database itself.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a metrics collector over the node's local store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTaskMetrics()
	c.collectAgentMetrics()
	c.collectBountyMetrics()
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.store.ListTasks()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, t := range tasks {
		counts[string(t.Status)]++
	}
	for status, count := range counts {
		TasksByStatus.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectAgentMetrics() {
	agents, err := c.store.ListAgents()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, a := range agents {
		counts[string(a.Status)]++
	}
	for status, count := range counts {
		AgentsByStatus.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectBountyMetrics() {
	bounties, err := c.store.ListBounties()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, b := range bounties {
		counts[string(b.Status)]++
	}
	for status, count := range counts {
		BountiesByStatus.WithLabelValues(status).Set(float64(count))
	}
}
