// Package metrics provides Prometheus instrumentation for the CoAP endpoint.
//
// All methods are safe to call on a nil *Metrics, so components can be
// constructed without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "coap"

// Metrics holds the Prometheus collectors of one endpoint.
type Metrics struct {
	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	SendErrors       prometheus.Counter

	// Reliability metrics
	Retransmissions      prometheus.Counter
	TransmissionTimeouts prometheus.Counter
	ResetsReceived       prometheus.Counter
	EmptyAcksSent        prometheus.Counter
	OutstandingExchanges prometheus.Gauge

	// Deduplication metrics
	Duplicates *prometheus.CounterVec

	// Dispatch metrics
	StrayResponses      prometheus.Counter
	PendingRequests     prometheus.Gauge
	ResourceExhaustions *prometheus.CounterVec

	// Observe metrics
	Observers     prometheus.Gauge
	Notifications prometheus.Counter
}

// New registers all collectors with reg under the given namespace.
// A nil registerer uses prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		MessagesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of decoded inbound messages",
			},
			[]string{"type"},
		),
		MessagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of outbound datagrams, retransmissions included",
			},
			[]string{"type"},
		),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of inbound datagrams that failed to decode",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total number of datagram writes that failed",
		}),
		Retransmissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "Total number of confirmable message retransmissions",
		}),
		TransmissionTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transmission_timeouts_total",
			Help:      "Total number of exchanges that ended without a response",
		}),
		ResetsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_received_total",
			Help:      "Total number of RST messages matched to an exchange",
		}),
		EmptyAcksSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_acks_sent_total",
			Help:      "Total number of empty acknowledgements sent",
		}),
		OutstandingExchanges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_exchanges",
			Help:      "Number of outbound exchanges awaiting ACK, RST or retirement",
		}),
		Duplicates: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_total",
				Help:      "Total number of suppressed duplicate messages",
			},
			[]string{"kind"},
		),
		StrayResponses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stray_responses_total",
			Help:      "Total number of responses with no matching request",
		}),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Number of client requests awaiting a terminal outcome",
		}),
		ResourceExhaustions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_exhaustions_total",
				Help:      "Total number of failed message ID or token allocations",
			},
			[]string{"resource"},
		),
		Observers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Number of registered observers",
		}),
		Notifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of update notifications published",
		}),
	}
}

// MessageReceived counts one decoded inbound message of the given type.
func (m *Metrics) MessageReceived(typ string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(typ).Inc()
}

// MessageSent counts one outbound datagram of the given type.
func (m *Metrics) MessageSent(typ string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(typ).Inc()
}

// DecodeError counts an undecodable datagram.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// SendError counts a failed datagram write.
func (m *Metrics) SendError() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

// Retransmission counts one retransmission.
func (m *Metrics) Retransmission() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

// TransmissionTimeout counts an exchange that timed out.
func (m *Metrics) TransmissionTimeout() {
	if m == nil {
		return
	}
	m.TransmissionTimeouts.Inc()
}

// ResetReceived counts a matched RST.
func (m *Metrics) ResetReceived() {
	if m == nil {
		return
	}
	m.ResetsReceived.Inc()
}

// EmptyAckSent counts an empty acknowledgement.
func (m *Metrics) EmptyAckSent() {
	if m == nil {
		return
	}
	m.EmptyAcksSent.Inc()
}

// SetOutstandingExchanges records the size of the retransmission table.
func (m *Metrics) SetOutstandingExchanges(n int) {
	if m == nil {
		return
	}
	m.OutstandingExchanges.Set(float64(n))
}

// Duplicate counts a suppressed duplicate of the given kind.
func (m *Metrics) Duplicate(kind string) {
	if m == nil {
		return
	}
	m.Duplicates.WithLabelValues(kind).Inc()
}

// StrayResponse counts a response with no registration.
func (m *Metrics) StrayResponse() {
	if m == nil {
		return
	}
	m.StrayResponses.Inc()
}

// SetPendingRequests records the number of live client registrations.
func (m *Metrics) SetPendingRequests(n int) {
	if m == nil {
		return
	}
	m.PendingRequests.Set(float64(n))
}

// Exhausted counts a failed allocation of resource ("message_id" or "token").
func (m *Metrics) Exhausted(resource string) {
	if m == nil {
		return
	}
	m.ResourceExhaustions.WithLabelValues(resource).Inc()
}

// SetObservers records the number of registered observers.
func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.Observers.Set(float64(n))
}

// Notification counts a published update notification.
func (m *Metrics) Notification() {
	if m == nil {
		return
	}
	m.Notifications.Inc()
}
