package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	InvalidTransitions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "imclient",
		Name:      "invalid_status_transitions_total",
		Help:      "Status signals discarded by the message status machine",
	})

	MessagesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imclient",
		Name:      "messages_failed_total",
		Help:      "Messages diverted to failed, by reason",
	}, []string{"reason"})

	GiftOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imclient",
		Name:      "gift_transactions_total",
		Help:      "Gift transactions by final state",
	}, []string{"state"})

	TypingBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imclient",
		Name:      "typing_broadcasts_total",
		Help:      "Local typing start/stop broadcasts",
	}, []string{"typing"})

	PresenceEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imclient",
		Name:      "presence_events_total",
		Help:      "Presence events received, by kind",
	}, []string{"kind"})
)

// Init registers all collectors with reg.
func Init(reg prometheus.Registerer) {
	reg.MustRegister(
		InvalidTransitions,
		MessagesFailed,
		GiftOutcomes,
		TypingBroadcasts,
		PresenceEvents,
	)
}
