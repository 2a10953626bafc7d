// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections counts accepted client connections by outcome.
	Connections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fovea",
		Name:      "transport_connections_total",
		Help:      "Client connections, by outcome",
	}, []string{"outcome"}) // outcome: "accepted|rejected"

	// MessagesReceived counts decoded wire messages by kind.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fovea",
		Name:      "transport_messages_received_total",
		Help:      "Wire messages received, by kind",
	}, []string{"kind"})

	// MessagesSent counts encoded wire messages by kind.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fovea",
		Name:      "transport_messages_sent_total",
		Help:      "Wire messages sent, by kind",
	}, []string{"kind"})

	// Reconnects counts client-side reconnect attempts by outcome.
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fovea",
		Name:      "transport_reconnects_total",
		Help:      "Client reconnect attempts, by outcome",
	}, []string{"outcome"}) // outcome: "success|failure"

	// SinkWrites counts local sink write outcomes.
	SinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fovea",
		Name:      "sink_writes_total",
		Help:      "Local sink writes, by sink and outcome",
	}, []string{"sink", "outcome"}) // outcome: "success|failure|overflow"
)

// IncSinkWrite records one sink write outcome.
func IncSinkWrite(sink, outcome string) {
	SinkWrites.WithLabelValues(sink, outcome).Inc()
}
