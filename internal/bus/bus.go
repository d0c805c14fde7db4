package bus

import (
	"log/slog"
	"sync"
	"time"

	"whatsbot/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based queue between webhook handlers and the
// dispatcher.
type InMemoryBus struct {
	inbound        chan domain.InboundEvent
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound:        make(chan domain.InboundEvent, bufferSize),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
}

// Publish enqueues ev. When the buffer is full it waits up to the publish
// timeout before dropping. It reports whether the event was queued.
func (b *InMemoryBus) Publish(ev domain.InboundEvent) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "provider", ev.Provider, "message_id", ev.ProviderMessageID)
		return false
	}

	select {
	case b.inbound <- ev:
		return true
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "provider", ev.Provider, "sender", ev.SenderID)
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- ev:
		b.logger.Info("event queued after wait", "provider", ev.Provider)
		return true
	case <-timer.C:
		b.logger.Error("event dropped: bus full",
			"provider", ev.Provider,
			"sender", ev.SenderID,
			"message_id", ev.ProviderMessageID,
			"waited", b.publishTimeout,
		)
		return false
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundEvent {
	return b.inbound
}

// Len returns the number of queued events.
func (b *InMemoryBus) Len() int { return len(b.inbound) }

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
