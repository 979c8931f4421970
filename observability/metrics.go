// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the channel runtime.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// CHANNEL LIFECYCLE METRICS
// =============================================================================

var (
	channelStateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelengine_channel_state_transitions_total",
			Help: "Total channel state machine transitions",
		},
		[]string{"channel", "from", "to"},
	)

	channelsDeployedGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "channelengine_channels_deployed",
			Help: "Number of currently deployed channels",
		},
		[]string{"state"},
	)
)

// RecordStateTransition records a channel state machine transition.
func RecordStateTransition(channel, from, to string) {
	channelStateTransitionsTotal.WithLabelValues(channel, from, to).Inc()
}

// SetDeployedGauge sets the deployed-channel gauge for a given state bucket.
func SetDeployedGauge(state string, count int) {
	channelsDeployedGauge.WithLabelValues(state).Set(float64(count))
}

// =============================================================================
// MESSAGE / CONNECTOR STATISTICS
// =============================================================================

var (
	connectorStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelengine_connector_status_total",
			Help: "Total connector-message status transitions, by (channel, metaDataId, status)",
		},
		[]string{"channel", "meta_data_id", "status"},
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "channelengine_pipeline_duration_seconds",
			Help:    "End-to-end pipeline processing duration per message",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)
)

// RecordConnectorStatus increments the per-(channel, metaDataId, status)
// counter behind the per-connector statistics.
func RecordConnectorStatus(channel string, metaDataID int, status string) {
	connectorStatusTotal.WithLabelValues(channel, itoa(metaDataID), status).Inc()
}

// RecordPipelineDuration records end-to-end processing time for one message.
func RecordPipelineDuration(channel string, seconds float64) {
	pipelineDurationSeconds.WithLabelValues(channel).Observe(seconds)
}

// =============================================================================
// DESTINATION QUEUE METRICS
// =============================================================================

var (
	queueDepthGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "channelengine_destination_queue_depth",
			Help: "Current in-flight item count per destination queue",
		},
		[]string{"channel", "meta_data_id"},
	)

	sendAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelengine_destination_send_attempts_total",
			Help: "Total destination send attempts, by outcome",
		},
		[]string{"channel", "meta_data_id", "outcome"},
	)
)

// SetQueueDepth sets the current queue depth gauge for a destination.
func SetQueueDepth(channel string, metaDataID int, depth int) {
	queueDepthGauge.WithLabelValues(channel, itoa(metaDataID)).Set(float64(depth))
}

// RecordSendAttempt records one destination send attempt outcome (sent,
// queued, error, filtered).
func RecordSendAttempt(channel string, metaDataID int, outcome string) {
	sendAttemptsTotal.WithLabelValues(channel, itoa(metaDataID), outcome).Inc()
}

// =============================================================================
// DICOM METRICS
// =============================================================================

var (
	dicomAssociationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelengine_dicom_associations_total",
			Help: "Total DICOM associations, by outcome (accepted, rejected, aborted)",
		},
		[]string{"channel", "outcome"},
	)
)

// RecordDICOMAssociation records the outcome of a DICOM association attempt.
func RecordDICOMAssociation(channel, outcome string) {
	dicomAssociationsTotal.WithLabelValues(channel, outcome).Inc()
}

func itoa(n int) string { return strconv.Itoa(n) }
