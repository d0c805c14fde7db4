package domain

// EventBus hands accepted inbound events from HTTP handlers to the dispatcher.
type EventBus interface {
	Publish(ev InboundEvent) bool
	Subscribe() <-chan InboundEvent
	Close()
}
