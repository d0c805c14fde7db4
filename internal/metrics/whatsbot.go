package metrics

import "fmt"

// Event outcomes recorded at the webhook boundary.
const (
	OutcomeAccepted    = "accepted"
	OutcomeDuplicate   = "duplicate"
	OutcomeRateLimited = "rate_limited"
	OutcomeIgnored     = "ignored"
	OutcomeMalformed   = "malformed"
	OutcomeRejected    = "unauthorized"
	OutcomeDropped     = "dropped"
)

var (
	AILatency = Collector.Histogram("whatsbot_ai_latency_seconds", "AI request latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60})
	MediaBytes = Collector.Counter("whatsbot_media_bytes_total", "Bytes of inbound media downloaded", "")
	InFlight   = Collector.Gauge("whatsbot_inflight_events", "Events currently being processed", "")
)

// Event counts one inbound webhook event by provider and outcome.
func Event(provider, outcome string) *Counter {
	return Collector.Counter("whatsbot_events_total", "Inbound webhook events by outcome",
		fmt.Sprintf(`provider=%q,outcome=%q`, provider, outcome))
}

// Reply counts delivered replies per provider.
func Reply(provider string) *Counter {
	return Collector.Counter("whatsbot_replies_total", "Replies delivered to users",
		fmt.Sprintf(`provider=%q`, provider))
}

// ProcessingState counts terminal processing states.
func ProcessingState(state string) *Counter {
	return Collector.Counter("whatsbot_processed_total", "Processed events by terminal state",
		fmt.Sprintf(`state=%q`, state))
}
