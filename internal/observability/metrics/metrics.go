// Package metrics holds the process-wide Prometheus collectors.
//
// Collectors are registered with the default registry at init time, so any
// package can update them without wiring a registry through constructors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	EventsFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ircbot_scheduler_events_fired_total",
			Help: "Total number of scheduler callbacks invoked",
		},
	)

	CallbackPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ircbot_scheduler_callback_panics_total",
			Help: "Total number of scheduler callbacks that panicked",
		},
	)

	EventsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ircbot_scheduler_events_pending",
			Help: "Number of live registrations in the scheduler",
		},
	)

	InboxPosted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ircbot_scheduler_inbox_posted_total",
			Help: "Total number of callbacks posted through the thread-safe inbox",
		},
	)

	// Driver loop metrics
	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ircbot_driver_tick_duration_seconds",
			Help:    "Time spent in a single driver Tick",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"driver"},
	)

	TickPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ircbot_driver_tick_panics_total",
			Help: "Total number of driver ticks that panicked",
		},
		[]string{"driver"},
	)

	// Connection metrics
	FramesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ircbot_conn_frames_in_total",
			Help: "Inbound frames delivered to the IRC state",
		},
		[]string{"server"},
	)

	FramesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ircbot_conn_frames_out_total",
			Help: "Outbound frames fully written to the socket",
		},
		[]string{"server"},
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ircbot_conn_frames_dropped_total",
			Help: "Inbound frames dropped as malformed",
		},
		[]string{"server", "reason"},
	)

	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ircbot_conn_connect_attempts_total",
			Help: "Connect attempts by outcome",
		},
		[]string{"server", "result"},
	)

	ConnState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ircbot_conn_state",
			Help: "Current connection state (0=disconnected 1=connecting 2=connected 3=registered 4=closing)",
		},
		[]string{"server"},
	)

	ReconnectDelay = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ircbot_conn_reconnect_delay_seconds",
			Help: "Current reconnect backoff delay",
		},
		[]string{"server"},
	)

	// Worker pool metrics
	TasksRun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ircbot_engine_tasks_total",
			Help: "Background tasks executed by outcome",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(EventsFired)
	prometheus.MustRegister(CallbackPanics)
	prometheus.MustRegister(EventsPending)
	prometheus.MustRegister(InboxPosted)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(TickPanics)
	prometheus.MustRegister(FramesIn)
	prometheus.MustRegister(FramesOut)
	prometheus.MustRegister(FramesDropped)
	prometheus.MustRegister(ConnectAttempts)
	prometheus.MustRegister(ConnState)
	prometheus.MustRegister(ReconnectDelay)
	prometheus.MustRegister(TasksRun)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
