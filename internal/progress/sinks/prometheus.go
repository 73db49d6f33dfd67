package sinks

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/project5001/harvestd/internal/progress"
)

// Prometheus exports harvest progress as Prometheus metrics. One instance
// registers its collectors once and may then serve many runs.
type Prometheus struct {
	unitsTotal      *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	fetchBytes      prometheus.Counter
	rateLimitEvents *prometheus.CounterVec
	runsTotal       prometheus.Counter
}

// NewPrometheus registers the harvest collectors on reg and returns the sink.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		unitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harvestd",
			Name:      "units_total",
			Help:      "Finished work units by outcome.",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "harvestd",
			Name:      "fetch_duration_seconds",
			Help:      "Fetch attempt latency by quality and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"quality", "outcome"}),
		fetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harvestd",
			Name:      "fetch_bytes_total",
			Help:      "Bytes downloaded by successful fetches.",
		}),
		rateLimitEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harvestd",
			Name:      "rate_limit_events_total",
			Help:      "Detected throttle events by device and signal.",
		}, []string{"device", "signal"}),
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harvestd",
			Name:      "runs_total",
			Help:      "Completed coordinator runs.",
		}),
	}
	collectors := []prometheus.Collector{
		p.unitsTotal, p.fetchDuration, p.fetchBytes, p.rateLimitEvents, p.runsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Name implements progress.Sink.
func (p *Prometheus) Name() string { return "prometheus" }

// Consume updates the collectors from the batch.
func (p *Prometheus) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageUnitDone:
			p.unitsTotal.WithLabelValues(string(evt.Outcome)).Inc()
		case progress.StageFetchDone:
			p.fetchDuration.WithLabelValues(evt.Quality, string(evt.Outcome)).Observe(evt.Dur.Seconds())
			if evt.Bytes > 0 {
				p.fetchBytes.Add(float64(evt.Bytes))
			}
		case progress.StageRateLimited:
			p.rateLimitEvents.WithLabelValues(evt.DeviceID, string(evt.Signal)).Inc()
		case progress.StageRunDone:
			p.runsTotal.Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (p *Prometheus) Close(context.Context) error { return nil }
