package graph

import (
	"time"

	"github.com/invgraph/invgraph/pkg/metrics"
)

// MetricsCollector periodically samples a Graph and publishes the current
// node/edge/raft counts to the registered Prometheus gauges.
type MetricsCollector struct {
	g      *Graph
	stopCh chan struct{}
}

// NewMetricsCollector creates a metrics collector over g.
func NewMetricsCollector(g *Graph) *MetricsCollector {
	return &MetricsCollector{g: g, stopCh: make(chan struct{})}
}

// Start begins collecting metrics every 15 seconds.
func (c *MetricsCollector) Start() {
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
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectNodeMetrics()
	c.collectEdgeMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectNodeMetrics() {
	nodes, err := c.g.QueryNodes(NodeFilter{})
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	for _, n := range nodes {
		if counts[n.Provider] == nil {
			counts[n.Provider] = make(map[string]int)
		}
		counts[n.Provider][string(n.Status)]++
	}
	for provider, statuses := range counts {
		for status, count := range statuses {
			metrics.NodesTotal.WithLabelValues(provider, status).Set(float64(count))
		}
	}
}

func (c *MetricsCollector) collectEdgeMetrics() {
	edges, err := c.g.QueryEdges(EdgeFilter{})
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, e := range edges {
		counts[string(e.Type)]++
	}
	for relType, count := range counts {
		metrics.EdgesTotal.WithLabelValues(relType).Set(float64(count))
	}
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.g.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	metrics.RaftAppliedIndex.Set(float64(c.g.RaftAppliedIndex()))
}
