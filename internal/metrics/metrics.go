// Package metrics exposes the bench's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CyclesTotal counts completed actuation cycles per station and result
// (pass/fail). Aborted cycles are not counted here.
var CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "switchbench",
	Name:      "cycles_total",
	Help:      "Total completed actuation cycles.",
}, []string{"station", "result"})

// CyclesAborted counts cycles that ended before completion, by reason.
var CyclesAborted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "switchbench",
	Name:      "cycles_aborted_total",
	Help:      "Total aborted actuation cycles.",
}, []string{"reason"})

// PeakCurrent records the peak switch current observed per cycle.
var PeakCurrent = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "switchbench",
	Name:      "peak_switch_current_amperes",
	Help:      "Peak switch current measured during a cycle.",
	Buckets:   []float64{0.5, 1, 2, 3, 4, 5, 6, 8, 10, 15},
}, []string{"station"})

// CycleDuration records wall-clock time per full press-and-return cycle.
var CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "switchbench",
	Name:      "cycle_duration_seconds",
	Help:      "Wall-clock duration of one actuation cycle.",
	Buckets:   []float64{0.25, 0.5, 1, 1.5, 2, 3, 5},
}, []string{"station"})

// SafeState reports whether the actuator is in safe state (1) or armed (0).
var SafeState = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "switchbench",
	Name:      "actuator_safe_state",
	Help:      "Actuator safe state (1=safe, 0=armed).",
})

// SupplyVoltage reports the latest supply-voltage reading.
var SupplyVoltage = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "switchbench",
	Name:      "supply_voltage_volts",
	Help:      "Latest supply-voltage reading.",
})

// StationsEnabled reports how many stations are currently enabled.
var StationsEnabled = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "switchbench",
	Name:      "stations_enabled",
	Help:      "Number of enabled stations.",
})

// BusErrors counts failed servo bus transactions by operation.
var BusErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "switchbench",
	Name:      "servo_bus_errors_total",
	Help:      "Total failed servo bus transactions.",
}, []string{"operation"})
