package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"main/internal/mempool"
	"main/internal/sched"
	"main/internal/shm"
	"main/internal/vol"
)

const namespace = "qv"

// Exporter publishes the core's counters on a Prometheus registry.
// All collectors read point-in-time snapshots, so scrapes never touch
// the scheduler thread's hot path.
type Exporter struct {
	registry *prometheus.Registry
}

// NewExporter builds an empty exporter.
func NewExporter() *Exporter {
	return &Exporter{registry: prometheus.NewRegistry()}
}

// Handler returns the scrape endpoint handler.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) gaugeFunc(subsystem, name, help string, labels prometheus.Labels, fn func() float64) {
	e.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}

// RegisterPool exposes allocator counters.
func (e *Exporter) RegisterPool(p *mempool.Pool) {
	e.gaugeFunc("pool", "acquired_total", "Blocks acquired.", nil,
		func() float64 { return float64(p.Snapshot().Acquired) })
	e.gaugeFunc("pool", "released_total", "Blocks released.", nil,
		func() float64 { return float64(p.Snapshot().Released) })
	e.gaugeFunc("pool", "exhausted_total", "Acquire calls that found no free block.", nil,
		func() float64 { return float64(p.Snapshot().Exhausted) })
	e.gaugeFunc("pool", "in_use", "Blocks currently leased.", nil,
		func() float64 { return float64(p.Snapshot().InUse) })
}

// RegisterChannel exposes transport counters for one shared channel.
func (e *Exporter) RegisterChannel(name string, ch *shm.Channel) {
	labels := prometheus.Labels{"channel": name}
	e.gaugeFunc("channel", "published_total", "Payloads published.", labels,
		func() float64 { return float64(ch.Snapshot().Published) })
	e.gaugeFunc("channel", "consumed_total", "Payloads consumed.", labels,
		func() float64 { return float64(ch.Snapshot().Consumed) })
	e.gaugeFunc("channel", "torn_retries_total", "Torn reads that were retried.", labels,
		func() float64 { return float64(ch.Snapshot().TornRetries) })
	e.gaugeFunc("channel", "torn_failed_total", "Reads abandoned after the retry bound.", labels,
		func() float64 { return float64(ch.Snapshot().TornFailed) })
	e.gaugeFunc("channel", "dropped_total", "Writes skipped by lapped readers.", labels,
		func() float64 { return float64(ch.Snapshot().Dropped) })
}

// RegisterScheduler exposes loop and per-task counters.
func (e *Exporter) RegisterScheduler(s *sched.Scheduler) {
	e.gaugeFunc("sched", "ticks_total", "Scheduler loop iterations.", nil,
		func() float64 { return float64(s.Snapshot().Ticks) })
	for _, t := range s.Snapshot().Tasks {
		name := t.Name
		labels := prometheus.Labels{"task": name}
		e.gaugeFunc("sched", "fired_total", "Task executions.", labels,
			func() float64 { return float64(taskStats(s, name).Fired) })
		e.gaugeFunc("sched", "overruns_total", "Task interval overruns.", labels,
			func() float64 { return float64(taskStats(s, name).Overruns) })
		e.gaugeFunc("sched", "skipped_total", "Missed ticks skipped, not replayed.", labels,
			func() float64 { return float64(taskStats(s, name).Skipped) })
	}
}

// RegisterEnsemble exposes weights and health.
func (e *Exporter) RegisterEnsemble(ens *vol.Ensemble) {
	models := [vol.ModelCount]string{"garch", "realized", "ewma"}
	for i, model := range models {
		idx := i
		e.gaugeFunc("ensemble", "weight", "Current sub-model weight.",
			prometheus.Labels{"model": model},
			func() float64 { return ens.Weights()[idx] })
	}
	e.gaugeFunc("ensemble", "outcomes_total", "Recorded forecast outcomes.", nil,
		func() float64 { return float64(ens.Outcomes()) })
	e.gaugeFunc("ensemble", "healthy", "1 when the forecaster is healthy.", nil,
		func() float64 {
			if ens.Healthy() {
				return 1
			}
			return 0
		})
}

func taskStats(s *sched.Scheduler, name string) sched.TaskStats {
	for _, t := range s.Snapshot().Tasks {
		if t.Name == name {
			return t
		}
	}
	return sched.TaskStats{}
}
