package agent

import (
	"context"
	"fmt"
	"log/slog"

	"whatsbot/internal/domain"
)

// DedupPolicy selects what happens to a redelivered provider message id.
type DedupPolicy string

const (
	// DedupReject drops redeliveries, including ones already persisted
	// before a restart.
	DedupReject DedupPolicy = "reject"
	// DedupReplace deletes the stored record and processes the event again.
	DedupReplace DedupPolicy = "replace"
)

// Admission gates events between normalization and the bus: dedup first,
// then the per-sender rate limit.
type Admission struct {
	dedup   *DedupStore
	limiter *RateLimiter
	store   domain.Store
	policy  DedupPolicy
	logger  *slog.Logger
}

type AdmissionConfig struct {
	Dedup   *DedupStore
	Limiter *RateLimiter
	Store   domain.Store // optional; consulted for ids seen before a restart
	Policy  DedupPolicy
	Logger  *slog.Logger
}

func NewAdmission(cfg AdmissionConfig) *Admission {
	if cfg.Dedup == nil {
		cfg.Dedup = NewDedupStore(0)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(0, 0)
	}
	if cfg.Policy == "" {
		cfg.Policy = DedupReject
	}
	return &Admission{
		dedup:   cfg.Dedup,
		limiter: cfg.Limiter,
		store:   cfg.Store,
		policy:  cfg.Policy,
		logger:  cfg.Logger,
	}
}

// Admit returns nil when ev may be queued, or an error wrapping
// domain.ErrDuplicate or domain.ErrRateLimited. Store lookups are best
// effort: a failing store never blocks admission.
func (a *Admission) Admit(ctx context.Context, ev domain.InboundEvent) error {
	if err := a.dedupe(ctx, ev); err != nil {
		return err
	}
	if !a.limiter.Allow(ev.SenderID) {
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, ev.SenderID)
	}
	return nil
}

func (a *Admission) dedupe(ctx context.Context, ev domain.InboundEvent) error {
	id := ev.ProviderMessageID
	if a.policy == DedupReplace {
		a.replace(ctx, ev)
		a.dedup.Record(ev.Provider, id)
		return nil
	}

	if !a.dedup.Admit(ev.Provider, id) {
		return fmt.Errorf("%w: %s/%s", domain.ErrDuplicate, ev.Provider, id)
	}
	if a.store == nil || id == "" {
		return nil
	}
	existing, err := a.store.FindMessageByProviderID(ctx, ev.Provider, id)
	if err != nil {
		a.logger.Warn("dedup store lookup failed", "provider", ev.Provider, "message_id", id, "err", err)
		return nil
	}
	if existing != nil {
		return fmt.Errorf("%w: %s/%s already stored", domain.ErrDuplicate, ev.Provider, id)
	}
	return nil
}

// replace removes a previously persisted record for ev's id so the new
// delivery takes its place.
func (a *Admission) replace(ctx context.Context, ev domain.InboundEvent) {
	if a.store == nil || ev.ProviderMessageID == "" {
		return
	}
	existing, err := a.store.FindMessageByProviderID(ctx, ev.Provider, ev.ProviderMessageID)
	if err != nil {
		a.logger.Warn("dedup store lookup failed", "provider", ev.Provider, "message_id", ev.ProviderMessageID, "err", err)
		return
	}
	if existing == nil {
		return
	}
	if err := a.store.DeleteMessage(ctx, existing.ID); err != nil {
		a.logger.Warn("failed to delete duplicate message", "message_id", existing.ID, "err", err)
		return
	}
	a.logger.Info("duplicate message replaced", "provider", ev.Provider, "message_id", ev.ProviderMessageID)
}
