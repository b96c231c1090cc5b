// Package metrics exposes reconciliation counters on the default Prometheus
// registry.
package metrics

import (
	"sync"
	"time"

	"github.com/dyluth/mural/pkg/canvas"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mural",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mural",
			Subsystem: "reconcile",
			Name:      "run_duration_seconds",
			Help:      "Reconciliation run duration in seconds, including budget waits.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"trigger"},
	)
	pixelsDamaged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mural",
			Subsystem: "reconcile",
			Name:      "pixels_damaged_total",
			Help:      "Damaged pixels found by scans.",
		},
	)
	pixelsRepaired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mural",
			Subsystem: "reconcile",
			Name:      "pixels_repaired_total",
			Help:      "Pixels the paint authority reported as painted.",
		},
	)
	batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mural",
			Subsystem: "repair",
			Name:      "batches_total",
			Help:      "Submitted batches by result.",
		},
		[]string{"result"},
	)
	budgetCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mural",
			Subsystem: "admission",
			Name:      "budget_count",
			Help:      "Last known write budget.",
		},
	)
	budgetMax = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mural",
			Subsystem: "admission",
			Name:      "budget_max",
			Help:      "Last known write budget maximum.",
		},
	)
	tilesCached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mural",
			Subsystem: "tilecache",
			Name:      "tiles",
			Help:      "Tiles currently held in the cache.",
		},
	)
	tileUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mural",
			Subsystem: "tilecache",
			Name:      "updates_total",
			Help:      "Tile snapshots accepted from the feed.",
		},
	)
)

// Batch results.
const (
	BatchOK      = "ok"
	BatchPartial = "partial"
	BatchAuth    = "auth_failure"
	BatchHard    = "hard_failure"
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(runs, runDuration, pixelsDamaged, pixelsRepaired, batches,
			budgetCount, budgetMax, tilesCached, tileUpdates)
	})
}

func RecordRun(trigger, outcome string, duration time.Duration) {
	Register()
	runs.WithLabelValues(trigger, outcome).Inc()
	runDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

func RecordDamage(n int) {
	Register()
	pixelsDamaged.Add(float64(n))
}

func RecordBatch(result string, painted int) {
	Register()
	batches.WithLabelValues(result).Inc()
	if painted > 0 {
		pixelsRepaired.Add(float64(painted))
	}
}

func RecordBudget(b canvas.BudgetState) {
	Register()
	budgetCount.Set(float64(b.Count))
	budgetMax.Set(float64(b.Max))
}

// RecordTileUpdate counts an accepted snapshot and sets the cache size.
func RecordTileUpdate(cached int) {
	Register()
	tileUpdates.Inc()
	tilesCached.Set(float64(cached))
}
