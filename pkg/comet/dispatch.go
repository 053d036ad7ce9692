package comet

import (
	"context"
	"errors"
	"fmt"
	"time"

	cerrors "github.com/randalmurphal/comet/pkg/comet/errors"
	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/observability"
	"github.com/randalmurphal/comet/pkg/comet/schedule"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

// dispatchJob is a READY group claimed for one routing cycle.
type dispatchJob struct {
	key        store.Key
	generation int64
	owner      string
	records    []event.Record
}

// fire handles an expired window timer. The COLLECTING to READY
// transition happens only if the group is still in the timer's generation
// and its deadline has passed; anything else is a state conflict and is
// reconciled by rescheduling or ignoring the timer.
func (e *Engine) fire(ctx context.Context, t schedule.Timer[store.Key]) error {
	unlock := e.locks.Lock(t.Key)
	now := e.clock.Now()

	g, err := e.store.Get(ctx, t.Key)
	if errors.Is(err, store.ErrNotFound) {
		unlock()
		return nil
	}
	if err != nil {
		e.timers.Schedule(schedule.Timer[store.Key]{Key: t.Key, Generation: t.Generation, Deadline: now.Add(e.cfg.retryCycle)})
		unlock()
		return storageErr("get", t.Key, err)
	}

	if conflict := checkTimer(g, t, now); conflict != nil {
		logger := observability.EnrichLogger(e.logger, t.Key.SourceType, t.Key.Fingerprint, g.Generation)
		observability.LogStateConflict(logger, conflict.Error())
		if g.State == store.StateCollecting && g.Deadline.After(now) {
			e.timers.Schedule(schedule.Timer[store.Key]{Key: t.Key, Generation: g.Generation, Deadline: g.Deadline})
		}
		unlock()
		return nil
	}

	g.State = store.StateReady
	g.Deadline = time.Time{}
	g.UpdatedAt = now
	if err := e.store.Save(ctx, g); err != nil {
		e.timers.Schedule(schedule.Timer[store.Key]{Key: t.Key, Generation: t.Generation, Deadline: now.Add(e.cfg.retryCycle)})
		unlock()
		return storageErr("save", t.Key, err)
	}

	job := e.claimDispatch(g)
	unlock()

	return e.dispatch(ctx, job)
}

// checkTimer returns a state conflict when t no longer describes g.
func checkTimer(g *store.Group, t schedule.Timer[store.Key], now time.Time) error {
	switch {
	case g.Generation != t.Generation:
		return fmt.Errorf("%w: timer for generation %d, group at %d", ErrStateConflict, t.Generation, g.Generation)
	case g.State != store.StateCollecting:
		return fmt.Errorf("%w: group is %s", ErrStateConflict, g.State)
	case g.Deadline.After(now):
		return fmt.Errorf("%w: deadline moved to %s", ErrStateConflict, g.Deadline.Format(time.RFC3339))
	}
	return nil
}

// claimDispatch marks g in flight and snapshots what will be routed.
// Must be called with the key lock held.
func (e *Engine) claimDispatch(g *store.Group) dispatchJob {
	e.setInflight(g.Key, true)
	return dispatchJob{
		key:        g.Key,
		generation: g.Generation,
		owner:      g.Owner,
		records:    event.CloneAll(g.Members),
	}
}

// routedOutcome is a successful route that has not been written yet.
type routedOutcome struct {
	generation int64
	routedAt   time.Time
	attempts   int
	dispatched int
}

// dispatch routes a claimed group without holding its lock, then records
// the outcome. It returns only storage errors; routing failures are
// reported to the operator channel and retried on a later cycle.
func (e *Engine) dispatch(ctx context.Context, job dispatchJob) error {
	defer e.setInflight(job.key, false)

	logger := observability.EnrichLogger(e.logger, job.key.SourceType, job.key.Fingerprint, job.generation)
	spanCtx, span := e.spans.StartDispatchSpan(ctx, job.key.SourceType, job.key.Fingerprint, job.generation)
	done := observability.TimedOperation()
	start := time.Now()

	attempts, routeErr := cerrors.Do(spanCtx, e.cfg.retry, func(ctx context.Context) error {
		return guard("route", func() error {
			return e.cfg.router.Route(ctx, job.key.SourceType, job.owner, job.records)
		})
	})
	e.spans.EndSpanWithError(span, routeErr)
	e.metrics.RecordDispatch(ctx, job.key.SourceType, time.Since(start), routeErr)

	unlock := e.locks.Lock(job.key)
	defer unlock()

	if routeErr == nil {
		saved, err := e.recordRouted(ctx, job.key, routedOutcome{
			generation: job.generation,
			routedAt:   e.clock.Now(),
			attempts:   attempts,
			dispatched: len(job.records),
		})
		if err != nil {
			return err
		}
		if saved {
			observability.LogDispatched(logger, job.owner, len(job.records), done())
		}
		return nil
	}

	g, err := e.store.Get(ctx, job.key)
	if err != nil {
		return storageErr("get", job.key, err)
	}
	if g.Generation != job.generation || g.State != store.StateReady {
		return nil
	}

	now := e.clock.Now()
	g.DispatchAttempts += attempts
	g.UpdatedAt = now
	g.RetryAt = now.Add(e.cfg.retryCycle)
	g.LastError = routeErr.Error()
	if err := e.store.Save(ctx, g); err != nil {
		return storageErr("save", job.key, err)
	}

	observability.LogDispatchError(logger, routeErr, attempts, g.RetryAt)
	e.report(ctx, &DispatchError{Key: job.key, Generation: job.generation, Attempts: attempts, Err: routeErr})
	return nil
}

// recordRouted moves the group to ROUTED. When the write fails the
// outcome is held in memory and the next cycle retries the write, never
// the route. Must be called with the key lock held.
func (e *Engine) recordRouted(ctx context.Context, key store.Key, r routedOutcome) (bool, error) {
	g, err := e.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		e.setUnsaved(key, nil)
		return false, nil
	}
	if err != nil {
		e.setUnsaved(key, &r)
		return false, storageErr("get", key, err)
	}
	if g.Generation != r.generation || g.State != store.StateReady {
		e.setUnsaved(key, nil)
		return false, nil
	}

	g.State = store.StateRouted
	g.RoutedAt = r.routedAt
	g.UpdatedAt = e.clock.Now()
	g.RetryAt = time.Time{}
	g.LastError = ""
	g.DispatchAttempts += r.attempts
	g.DispatchedCount = r.dispatched
	if err := e.store.Save(ctx, g); err != nil {
		e.setUnsaved(key, &r)
		return false, storageErr("save", key, err)
	}
	e.setUnsaved(key, nil)
	return true, nil
}

// guard runs fn and turns a panic into a permanent error.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cerrors.Permanent(fmt.Errorf("panic: %v", r), op)
		}
	}()
	return fn()
}

// retryReady starts a new routing cycle for READY groups that are not in
// flight and whose retry time has come. A READY group with no retry time
// and nothing in flight was interrupted by a restart and is retried too.
// A group already routed whose ROUTED write failed only has the write
// retried.
func (e *Engine) retryReady(ctx context.Context, now time.Time) error {
	groups, err := e.store.List(ctx, store.Filter{States: []store.State{store.StateReady}})
	if err != nil {
		return storageErr("list", store.Key{}, err)
	}

	var errs []error
	for _, candidate := range groups {
		if e.isInflight(candidate.Key) {
			continue
		}
		if _, ok := e.unsaved(candidate.Key); !ok && candidate.RetryAt.After(now) {
			continue
		}

		unlock := e.locks.Lock(candidate.Key)
		g, err := e.store.Get(ctx, candidate.Key)
		if err != nil {
			unlock()
			if !errors.Is(err, store.ErrNotFound) {
				errs = append(errs, storageErr("get", candidate.Key, err))
			}
			continue
		}
		if g.State != store.StateReady || e.isInflight(g.Key) {
			unlock()
			continue
		}
		if r, ok := e.unsaved(g.Key); ok {
			_, err := e.recordRouted(ctx, g.Key, r)
			unlock()
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if g.RetryAt.After(now) {
			unlock()
			continue
		}
		job := e.claimDispatch(g)
		unlock()

		if err := e.dispatch(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
