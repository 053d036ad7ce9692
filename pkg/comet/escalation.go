package comet

import (
	"context"
	"errors"
	"slices"
	"time"

	cerrors "github.com/randalmurphal/comet/pkg/comet/errors"
	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/observability"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

// escalationClaim is a ROUTED group marked pending for one sweep.
type escalationClaim struct {
	key        store.Key
	generation int64
	records    []event.Record
}

// escalate sends every ROUTED group whose SLA has elapsed to the
// escalator, one call per source type. Groups are marked pending while
// the call runs so a concurrent Acknowledge cannot resolve a group that
// is being escalated.
func (e *Engine) escalate(ctx context.Context, now time.Time) error {
	if e.cfg.escalator == nil {
		return nil
	}

	groups, err := e.store.List(ctx, store.Filter{States: []store.State{store.StateRouted}})
	if err != nil {
		return storageErr("list", store.Key{}, err)
	}

	var errs []error
	claims := make(map[string][]escalationClaim)
	for _, candidate := range groups {
		if !e.overdue(candidate, now) {
			continue
		}
		claim, ok, err := e.claimEscalation(ctx, candidate.Key, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			claims[candidate.Key.SourceType] = append(claims[candidate.Key.SourceType], claim)
		}
	}

	sourceTypes := make([]string, 0, len(claims))
	for st := range claims {
		sourceTypes = append(sourceTypes, st)
	}
	slices.Sort(sourceTypes)

	for _, st := range sourceTypes {
		if err := e.escalateSource(ctx, st, claims[st]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) overdue(g *store.Group, now time.Time) bool {
	sla := e.cfg.Settings(g.Key.SourceType).EscalateAfter
	if sla <= 0 || g.EscalationPending || g.RoutedAt.IsZero() {
		return false
	}
	return !now.Before(g.RoutedAt.Add(sla))
}

func (e *Engine) claimEscalation(ctx context.Context, key store.Key, now time.Time) (escalationClaim, bool, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	g, err := e.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return escalationClaim{}, false, nil
	}
	if err != nil {
		return escalationClaim{}, false, storageErr("get", key, err)
	}
	if g.State != store.StateRouted || !e.overdue(g, now) {
		return escalationClaim{}, false, nil
	}

	g.EscalationPending = true
	g.UpdatedAt = now
	if err := e.store.Save(ctx, g); err != nil {
		return escalationClaim{}, false, storageErr("save", key, err)
	}
	return escalationClaim{key: key, generation: g.Generation, records: event.CloneAll(g.Members)}, true, nil
}

func (e *Engine) escalateSource(ctx context.Context, sourceType string, claims []escalationClaim) error {
	var records []event.Record
	for _, c := range claims {
		records = append(records, c.records...)
	}

	spanCtx, span := e.spans.StartEscalationSpan(ctx, sourceType, len(claims))
	_, escErr := cerrors.Do(spanCtx, e.cfg.retry, func(ctx context.Context) error {
		return guard("escalate", func() error {
			return e.cfg.escalator.Escalate(ctx, sourceType, records)
		})
	})
	e.spans.EndSpanWithError(span, escErr)
	e.metrics.RecordEscalation(ctx, sourceType, len(claims), escErr)

	var errs []error
	for _, c := range claims {
		if err := e.settleEscalation(ctx, c, escErr == nil); err != nil {
			errs = append(errs, err)
		}
	}

	if escErr != nil {
		observability.LogEscalationError(e.logger, sourceType, len(claims), escErr)
		e.report(ctx, &EscalationError{SourceType: sourceType, Groups: len(claims), Err: escErr})
	} else {
		observability.LogEscalated(e.logger, sourceType, len(claims), len(records))
	}
	return errors.Join(errs...)
}

// settleEscalation clears the pending flag and, when the escalator
// accepted the batch, moves the group to ESCALATED.
func (e *Engine) settleEscalation(ctx context.Context, c escalationClaim, escalated bool) error {
	unlock := e.locks.Lock(c.key)
	defer unlock()

	g, err := e.store.Get(ctx, c.key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storageErr("get", c.key, err)
	}
	if g.Generation != c.generation || g.State != store.StateRouted {
		return nil
	}

	now := e.clock.Now()
	g.EscalationPending = false
	g.UpdatedAt = now
	if escalated {
		g.State = store.StateEscalated
		g.EscalatedAt = now
	}
	if err := e.store.Save(ctx, g); err != nil {
		return storageErr("save", c.key, err)
	}
	return nil
}
