package report

import (
	"fmt"
	"io"

	"github.com/kittclouds/kittlink/pkg/linker"
	"github.com/kittclouds/kittlink/pkg/scanner/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// metrics lives on a private registry so every run exports only its own counters
type metrics struct {
	registry      *prometheus.Registry
	documents     *prometheus.CounterVec
	mentions      *prometheus.CounterVec
	groups        prometheus.Counter
	entities      *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	highWaterMark prometheus.Gauge
	elapsed       prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		documents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kittlink",
				Subsystem: "run",
				Name:      "documents_total",
				Help:      "Documents by outcome.",
			},
			[]string{"outcome"},
		),
		mentions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kittlink",
				Subsystem: "coref",
				Name:      "mentions_total",
				Help:      "Mentions by kind and resolution.",
			},
			[]string{"kind"},
		),
		groups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kittlink",
			Subsystem: "coref",
			Name:      "groups_total",
			Help:      "Local entity groups formed.",
		}),
		entities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kittlink",
				Subsystem: "link",
				Name:      "groups_total",
				Help:      "Linked groups by decision.",
			},
			[]string{"decision"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kittlink",
				Subsystem: "link",
				Name:      "conflicts_total",
				Help:      "Flagged ambiguities by kind.",
			},
			[]string{"kind"},
		),
		highWaterMark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kittlink",
			Subsystem: "registry",
			Name:      "high_water_mark",
			Help:      "Largest entity id allocated.",
		}),
		elapsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kittlink",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time of the run.",
		}),
	}
	m.registry.MustRegister(m.documents, m.mentions, m.groups, m.entities, m.conflicts, m.highWaterMark, m.elapsed)
	return m
}

func (m *metrics) observeCoref(stats resolver.Stats) {
	m.mentions.WithLabelValues("named").Add(float64(stats.Mentions - stats.Referring))
	m.mentions.WithLabelValues("referring_resolved").Add(float64(stats.Resolved))
	m.mentions.WithLabelValues("referring_unresolved").Add(float64(stats.Unresolved))
	m.groups.Add(float64(stats.Groups))
}

func (m *metrics) observeLinks(links *linker.DocumentLinks) {
	m.documents.WithLabelValues("processed").Inc()
	m.entities.WithLabelValues(string(linker.DecisionCreated)).Add(float64(links.Created))
	m.entities.WithLabelValues(string(linker.DecisionMatched)).Add(float64(links.Matched))
	m.entities.WithLabelValues(string(linker.DecisionUnlinked)).Add(float64(links.Unlinked))
	for _, c := range links.Conflicts {
		m.conflicts.WithLabelValues(c.Kind).Inc()
	}
}

func (m *metrics) write(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	return nil
}
