package agent

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"whatsbot/internal/domain"
)

const defaultConcurrency = 5

// EventHandler processes one admitted event to a terminal state.
type EventHandler interface {
	Process(ctx context.Context, ev domain.InboundEvent) State
}

// Dispatcher consumes the inbound bus and runs each event on its own
// goroutine, bounded by a weighted semaphore.
type Dispatcher struct {
	bus         domain.EventBus
	handler     EventHandler
	sem         *semaphore.Weighted
	concurrency int
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// DispatcherConfig holds the dispatcher's dependencies.
type DispatcherConfig struct {
	Bus         domain.EventBus
	Handler     EventHandler
	Concurrency int // max events in flight (default 5)
	Logger      *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Dispatcher{
		bus:         cfg.Bus,
		handler:     cfg.Handler,
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

// Run dispatches events until ctx is cancelled or the bus closes, then
// waits for in-flight events. Those keep running on a context that is not
// cancelled with ctx, so a shutdown does not cut a reply in half.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "concurrency", d.concurrency)
	defer d.wg.Wait()

	work := context.WithoutCancel(ctx)
	inbound := d.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return nil
		case ev, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound bus closed, dispatcher stopping")
				return nil
			}
			if err := d.sem.Acquire(ctx, 1); err != nil {
				d.logger.Warn("event dropped at shutdown", "provider", ev.Provider, "message_id", ev.ProviderMessageID)
				return nil
			}
			d.wg.Add(1)
			go func(ev domain.InboundEvent) {
				defer d.wg.Done()
				defer d.sem.Release(1)
				d.handler.Process(work, ev)
			}(ev)
		}
	}
}
