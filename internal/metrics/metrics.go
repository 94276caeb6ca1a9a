// Package metrics holds the prometheus collectors of the audio server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream lifecycle
	processesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audiofw_processes_active",
			Help: "Number of stream processes that have not been released",
		},
	)

	processTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiofw_process_transitions_total",
			Help: "Total number of accepted stream status transitions by target status",
		},
		[]string{"status"},
	)

	processIllegalCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiofw_process_illegal_calls_total",
			Help: "Total number of lifecycle calls rejected for an illegal state",
		},
		[]string{"operation"},
	)

	// Data plane
	futexTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audiofw_futex_timeouts_total",
			Help: "Total number of drain waits that timed out",
		},
	)

	spanUnderrunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audiofw_span_underruns_total",
			Help: "Total number of drain cycles where a started stream had no span ready",
		},
	)

	framesMixedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiofw_frames_mixed_total",
			Help: "Total number of frames written to endpoint sinks",
		},
		[]string{"endpoint"},
	)

	endpointsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audiofw_endpoints_open",
			Help: "Number of open endpoints including warm idle ones",
		},
	)

	// Interrupt arbitration
	focusDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiofw_focus_decisions_total",
			Help: "Total number of focus decisions by outcome",
		},
		[]string{"outcome"},
	)

	interruptEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audiofw_interrupt_events_dropped_total",
			Help: "Total number of interrupt events dropped because a listener queue was full or gone",
		},
	)

	// Effects
	effectChainsAlive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audiofw_effect_chains_alive",
			Help: "Number of live effect chain instances",
		},
	)

	effectPassthroughTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audiofw_effect_passthrough_total",
			Help: "Total number of effect applications that copied input to output without a chain",
		},
	)

	// Policy
	policyQueueDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audiofw_policy_queue_dropped_total",
			Help: "Total number of policy tasks rejected because the queue was full",
		},
	)
)

func ProcessCreated()  { processesActive.Inc() }
func ProcessReleased() { processesActive.Dec() }

func RecordTransition(status string) {
	processTransitionsTotal.WithLabelValues(status).Inc()
}

func RecordIllegalCall(op string) {
	processIllegalCallsTotal.WithLabelValues(op).Inc()
}

func RecordFutexTimeout() { futexTimeoutsTotal.Inc() }
func RecordUnderrun()     { spanUnderrunsTotal.Inc() }

func RecordFramesMixed(endpoint string, frames int) {
	framesMixedTotal.WithLabelValues(endpoint).Add(float64(frames))
}

func EndpointOpened() { endpointsOpen.Inc() }
func EndpointClosed() { endpointsOpen.Dec() }

// Focus outcomes.
const (
	FocusGranted = "granted"
	FocusDenied  = "denied"
	FocusPaused  = "paused"
	FocusDucked  = "ducked"
	FocusStopped = "stopped"
	FocusResumed = "resumed"
	FocusPending = "pending"
)

func RecordFocus(outcome string) {
	focusDecisionsTotal.WithLabelValues(outcome).Inc()
}

func RecordInterruptEventDropped() { interruptEventsDroppedTotal.Inc() }

func EffectChainCreated()  { effectChainsAlive.Inc() }
func EffectChainReleased() { effectChainsAlive.Dec() }
func RecordPassthrough()   { effectPassthroughTotal.Inc() }

func RecordPolicyTaskDropped() { policyQueueDroppedTotal.Inc() }
