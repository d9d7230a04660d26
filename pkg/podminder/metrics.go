package podminder

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace          = "podminder"
	collectorSubsystem = "collector"
	detectorSubsystem  = "detector"
	executorSubsystem  = "executor"
)

var (
	// Collection loop metrics
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: collectorSubsystem,
			Name:      "cycles_total",
			Help:      "Collection cycles by result",
		},
		[]string{"result"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: collectorSubsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one collection cycle",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	samplesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: collectorSubsystem,
			Name:      "samples_appended_total",
			Help:      "Samples written to the metrics store",
		},
	)

	samplesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: collectorSubsystem,
			Name:      "samples_dropped_total",
			Help:      "Samples dropped for arriving out of order",
		},
	)

	fleetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: collectorSubsystem,
			Name:      "fleet_size",
			Help:      "Instances in the last fleet snapshot",
		},
	)

	// Detector metrics
	instancesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: detectorSubsystem,
			Name:      "instances",
			Help:      "Instances per idle lifecycle state",
		},
		[]string{"state"},
	)

	utilizationPct = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: detectorSubsystem,
			Name:      "utilization_pct",
			Help:      "Last observed utilization per instance and resource",
		},
		[]string{"instance", "resource"},
	)

	willStopIn = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: detectorSubsystem,
			Name:      "will_stop_in_seconds",
			Help:      "Time until an idle-accumulating instance would be stopped",
		},
		[]string{"instance"},
	)

	excludedInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: detectorSubsystem,
			Name:      "excluded_instances",
			Help:      "Instances currently excluded from idle detection",
		},
	)

	// Executor metrics
	stopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: executorSubsystem,
			Name:      "stops_total",
			Help:      "Stop commands by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(cycleDuration)
	prometheus.MustRegister(samplesAppended)
	prometheus.MustRegister(samplesDropped)
	prometheus.MustRegister(fleetSize)
	prometheus.MustRegister(instancesByState)
	prometheus.MustRegister(utilizationPct)
	prometheus.MustRegister(willStopIn)
	prometheus.MustRegister(excludedInstances)
	prometheus.MustRegister(stopsTotal)
}

// forgetInstanceMetrics drops the per-instance label series when fleet
// cleanup removes an instance, keeping scrape output bounded by fleet size.
func forgetInstanceMetrics(instanceID string) {
	for _, resource := range []string{"cpu", "mem", "gpu"} {
		utilizationPct.DeleteLabelValues(instanceID, resource)
	}
	willStopIn.DeleteLabelValues(instanceID)
}
