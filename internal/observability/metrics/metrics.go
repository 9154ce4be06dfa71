package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "gridflow_"

	labelFinal       = "true"
	labelProvisional = "false"
)

var (
	registerOnce sync.Once

	eventsIngested       prometheus.Counter
	eventsRejected       *prometheus.CounterVec
	eventsLateDropped    prometheus.Counter
	eventsDeduped        prometheus.Counter
	rowsEmitted          *prometheus.CounterVec
	windowsFinalized     prometheus.Counter
	windowsEvicted       prometheus.Counter
	sourceFetchFailures  prometheus.Counter
	sourceDecodeFailures prometheus.Counter
	sinkWriteFailures    prometheus.Counter

	windowsOpen     prometheus.Gauge
	watermarkLag    prometheus.Gauge
	batchDuration   prometheus.Histogram
	batchEventCount prometheus.Histogram
)

// Init registers the engine metrics. Safe to call more than once; only the
// first call registers.
func Init() {
	registerOnce.Do(func() {
		eventsIngested = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "events_ingested_total",
			Help: "Raw events pulled from the transport",
		})
		eventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "events_rejected_total",
			Help: "Events rejected by the normalizer, by reason",
		}, []string{"reason"})
		eventsLateDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "events_late_dropped_total",
			Help: "Events dropped because their window was already finalized",
		})
		eventsDeduped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "events_deduped_total",
			Help: "Redelivered events skipped by the event-id dedup set",
		})
		rowsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "rows_emitted_total",
			Help: "Output rows emitted, split by finalization",
		}, []string{"finalized"})
		windowsFinalized = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "windows_finalized_total",
			Help: "Windows finalized by watermark advance",
		})
		windowsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "windows_evicted_total",
			Help: "Windows force finalized by the retention bound",
		})
		sourceFetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "source_fetch_failures_total",
			Help: "Transport fetch attempts that failed",
		})
		sourceDecodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "source_decode_failures_total",
			Help: "Transport records skipped because they did not decode",
		})
		sinkWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "sink_write_failures_total",
			Help: "Sink write attempts that failed",
		})

		windowsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "windows_open",
			Help: "Windows currently held in the aggregation arena",
		})
		watermarkLag = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "watermark_lag_seconds",
			Help: "Wall clock now minus watermark position",
		})
		batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "batch_duration_seconds",
			Help:    "End to end processing time per batch",
			Buckets: prometheus.DefBuckets,
		})
		batchEventCount = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "batch_events",
			Help:    "Raw events per batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		})

		prometheus.MustRegister(
			eventsIngested,
			eventsRejected,
			eventsLateDropped,
			eventsDeduped,
			rowsEmitted,
			windowsFinalized,
			windowsEvicted,
			sourceFetchFailures,
			sourceDecodeFailures,
			sinkWriteFailures,
			windowsOpen,
			watermarkLag,
			batchDuration,
			batchEventCount,
		)
	})
}

// AddEventsIngested counts raw events fetched from the transport.
func AddEventsIngested(n int) {
	if n <= 0 {
		return
	}
	if eventsIngested != nil {
		eventsIngested.Add(float64(n))
	}
}

// IncEventRejected counts one rejection by reason.
func IncEventRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if eventsRejected != nil {
		eventsRejected.WithLabelValues(reason).Inc()
	}
}

// AddLateDropped counts events refused because their window was finalized.
func AddLateDropped(n int) {
	if n <= 0 {
		return
	}
	if eventsLateDropped != nil {
		eventsLateDropped.Add(float64(n))
	}
}

// AddDeduped counts redelivered events absorbed by the dedup set.
func AddDeduped(n int) {
	if n <= 0 {
		return
	}
	if eventsDeduped != nil {
		eventsDeduped.Add(float64(n))
	}
}

// AddRowsEmitted counts emitted rows by finalization flag.
func AddRowsEmitted(finalized bool, n int) {
	if n <= 0 {
		return
	}
	label := labelProvisional
	if finalized {
		label = labelFinal
	}
	if rowsEmitted != nil {
		rowsEmitted.WithLabelValues(label).Add(float64(n))
	}
}

// AddWindowsFinalized counts windows closed by watermark advance.
func AddWindowsFinalized(n int) {
	if n <= 0 {
		return
	}
	if windowsFinalized != nil {
		windowsFinalized.Add(float64(n))
	}
}

// AddWindowsEvicted counts windows force finalized by the retention bound.
func AddWindowsEvicted(n int) {
	if n <= 0 {
		return
	}
	if windowsEvicted != nil {
		windowsEvicted.Add(float64(n))
	}
}

// IncSourceFetchFailure counts one failed transport fetch attempt.
func IncSourceFetchFailure() {
	if sourceFetchFailures != nil {
		sourceFetchFailures.Inc()
	}
}

// IncSourceDecodeFailure counts one undecodable transport record.
func IncSourceDecodeFailure() {
	if sourceDecodeFailures != nil {
		sourceDecodeFailures.Inc()
	}
}

// IncSinkWriteFailure counts one failed sink write attempt.
func IncSinkWriteFailure() {
	if sinkWriteFailures != nil {
		sinkWriteFailures.Inc()
	}
}

// SetWindowsOpen tracks the arena size.
func SetWindowsOpen(n int) {
	if windowsOpen != nil {
		windowsOpen.Set(float64(n))
	}
}

// SetWatermarkLag tracks how far the watermark trails the wall clock.
func SetWatermarkLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	if watermarkLag != nil {
		watermarkLag.Set(lag.Seconds())
	}
}

// ObserveBatch records one batch's processing duration and size.
func ObserveBatch(duration time.Duration, events int) {
	if batchDuration != nil {
		batchDuration.Observe(duration.Seconds())
	}
	if batchEventCount != nil && events >= 0 {
		batchEventCount.Observe(float64(events))
	}
}
