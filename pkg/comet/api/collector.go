package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randalmurphal/comet/pkg/comet/store"
)

const collectTimeout = 5 * time.Second

// GroupCollector exports the number of groups per source type and state,
// read from the store at scrape time.
type GroupCollector struct {
	svc    Service
	logger *slog.Logger
	groups *prometheus.Desc
	up     *prometheus.Desc
}

// NewGroupCollector creates a collector over svc.
func NewGroupCollector(svc Service, logger *slog.Logger) *GroupCollector {
	return &GroupCollector{
		svc:    svc,
		logger: logger,
		groups: prometheus.NewDesc(
			prometheus.BuildFQName("comet", "", "groups"),
			"Number of groups by source type and state.",
			[]string{"source_type", "state"}, nil,
		),
		up: prometheus.NewDesc(
			prometheus.BuildFQName("comet", "store", "up"),
			"Whether the last scrape could read the store.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *GroupCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.groups
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *GroupCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	groups, err := c.svc.Groups(ctx, store.Filter{})
	if err != nil {
		c.logger.Warn("collecting group metrics failed", "error", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	type bucket struct {
		sourceType string
		state      store.State
	}
	counts := make(map[bucket]int)
	for _, g := range groups {
		counts[bucket{g.SourceType, g.State}]++
	}
	for b, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.groups, prometheus.GaugeValue, float64(n), b.sourceType, string(b.state))
	}
}
