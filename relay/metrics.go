package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// publish outcome label values
const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeTimeout  = "timeout"
	outcomeFailed   = "failed"
)

// prometheus collectors for one or more clients
// all methods are safe to call on a nil `*ClientMetrics`.
type ClientMetrics struct {
	connectAttempts  prometheus.Counter
	connectErrors    prometheus.Counter
	reconnects       prometheus.Counter
	publishResults   *prometheus.CounterVec
	pendingPublishes prometheus.Gauge
	subscriptions    prometheus.Gauge
	eventsDispatched prometheus.Counter
	eventsDropped    *prometheus.CounterVec
	handlerErrors    prometheus.Counter
	protocolErrors   prometheus.Counter
	notices          prometheus.Counter
}

type MetricsConfig struct {
	// default "relay"
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	// default prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "relay",
		Subsystem: "client",
		Registry:  prometheus.DefaultRegisterer,
	}
}

func NewClientMetrics(config MetricsConfig) *ClientMetrics {
	if config.Namespace == "" {
		config.Namespace = "relay"
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}
	counterOpts := func(name string, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}
	gaugeOpts := func(name string, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}

	metrics := &ClientMetrics{
		connectAttempts: prometheus.NewCounter(counterOpts(
			"connect_attempts_total", "Websocket dial attempts.",
		)),
		connectErrors: prometheus.NewCounter(counterOpts(
			"connect_errors_total", "Websocket dial attempts that failed.",
		)),
		reconnects: prometheus.NewCounter(counterOpts(
			"reconnects_total", "Automatic reconnects after a connection loss.",
		)),
		publishResults: prometheus.NewCounterVec(counterOpts(
			"publish_results_total", "Publish outcomes by result.",
		), []string{"outcome"}),
		pendingPublishes: prometheus.NewGauge(gaugeOpts(
			"pending_publishes", "Publishes waiting for an acknowledgement.",
		)),
		subscriptions: prometheus.NewGauge(gaugeOpts(
			"subscriptions", "Registered subscriptions.",
		)),
		eventsDispatched: prometheus.NewCounter(counterOpts(
			"events_dispatched_total", "Inbound events handed to a subscription handler.",
		)),
		eventsDropped: prometheus.NewCounterVec(counterOpts(
			"events_dropped_total", "Inbound events dropped before reaching a handler.",
		), []string{"reason"}),
		handlerErrors: prometheus.NewCounter(counterOpts(
			"handler_errors_total", "Errors and panics from subscription handlers.",
		)),
		protocolErrors: prometheus.NewCounter(counterOpts(
			"protocol_errors_total", "Malformed or unrecognized inbound frames.",
		)),
		notices: prometheus.NewCounter(counterOpts(
			"notices_total", "NOTICE frames received from the relay.",
		)),
	}

	config.Registry.MustRegister(
		metrics.connectAttempts,
		metrics.connectErrors,
		metrics.reconnects,
		metrics.publishResults,
		metrics.pendingPublishes,
		metrics.subscriptions,
		metrics.eventsDispatched,
		metrics.eventsDropped,
		metrics.handlerErrors,
		metrics.protocolErrors,
		metrics.notices,
	)
	return metrics
}

func (self *ClientMetrics) connectAttempt() {
	if self != nil {
		self.connectAttempts.Inc()
	}
}

func (self *ClientMetrics) connectError() {
	if self != nil {
		self.connectErrors.Inc()
	}
}

func (self *ClientMetrics) reconnect() {
	if self != nil {
		self.reconnects.Inc()
	}
}

func (self *ClientMetrics) publishResult(outcome PublishOutcome) {
	if self != nil {
		self.publishResults.WithLabelValues(outcome.String()).Inc()
	}
}

func (self *ClientMetrics) pendingPublishesAdd(delta float64) {
	if self != nil {
		self.pendingPublishes.Add(delta)
	}
}

func (self *ClientMetrics) subscriptionsSet(count int) {
	if self != nil {
		self.subscriptions.Set(float64(count))
	}
}

func (self *ClientMetrics) eventDispatched() {
	if self != nil {
		self.eventsDispatched.Inc()
	}
}

func (self *ClientMetrics) eventDropped(reason string) {
	if self != nil {
		self.eventsDropped.WithLabelValues(reason).Inc()
	}
}

func (self *ClientMetrics) handlerError() {
	if self != nil {
		self.handlerErrors.Inc()
	}
}

func (self *ClientMetrics) protocolError() {
	if self != nil {
		self.protocolErrors.Inc()
	}
}

func (self *ClientMetrics) notice() {
	if self != nil {
		self.notices.Inc()
	}
}
