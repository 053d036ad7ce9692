package comet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/randalmurphal/comet/pkg/comet/schedule"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

// Tick runs one pass of background work at the clock's current time:
// expired windows are dispatched, failed dispatches whose retry time has
// come are retried, and overdue groups are escalated. Start calls Tick in
// a loop; tests drive it directly with a manual clock.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.clock.Now()
	var errs []error

	for _, t := range e.timers.Due(now) {
		if err := e.fire(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.retryReady(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if err := e.escalate(ctx, now); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Recover rebuilds in-memory scheduling state from the store after a
// restart. COLLECTING groups get their timers back; deadlines that passed
// while the process was down fire on the next Tick. Escalation claims
// left by an interrupted sweep are released so the group is escalated
// again. READY groups need nothing: with nothing in flight they are
// picked up by the retry pass.
func (e *Engine) Recover(ctx context.Context) error {
	collecting, err := e.store.List(ctx, store.Filter{States: []store.State{store.StateCollecting}})
	if err != nil {
		return storageErr("list", store.Key{}, err)
	}
	for _, g := range collecting {
		e.timers.Schedule(schedule.Timer[store.Key]{Key: g.Key, Generation: g.Generation, Deadline: g.Deadline})
	}

	routed, err := e.store.List(ctx, store.Filter{States: []store.State{store.StateRouted}})
	if err != nil {
		return storageErr("list", store.Key{}, err)
	}
	var errs []error
	released := 0
	for _, candidate := range routed {
		if !candidate.EscalationPending {
			continue
		}
		ok, err := e.releaseClaim(ctx, candidate.Key)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			released++
		}
	}

	e.logger.Info("engine state recovered",
		slog.Int("collecting", len(collecting)),
		slog.Int("released_escalations", released),
	)
	return errors.Join(errs...)
}

func (e *Engine) releaseClaim(ctx context.Context, key store.Key) (bool, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	g, err := e.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("get", key, err)
	}
	if g.State != store.StateRouted || !g.EscalationPending {
		return false, nil
	}
	g.EscalationPending = false
	if err := e.store.Save(ctx, g); err != nil {
		return false, storageErr("save", key, err)
	}
	return true, nil
}

// Start recovers state and runs the background loop until Stop is called
// or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.running {
		return ErrEngineRunning
	}
	if err := e.Recover(ctx); err != nil {
		return err
	}

	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.run(ctx, e.stopCh, e.doneCh)

	e.logger.Info("engine started",
		slog.Any("sources", e.cfg.sources.Types()),
		slog.Duration("retry_cycle", e.cfg.retryCycle),
		slog.Duration("escalation_interval", e.cfg.escalationInterval),
	)
	return nil
}

// Stop halts the background loop and waits for the current pass to end.
// Stopping an engine that is not running is a no-op.
func (e *Engine) Stop() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if !e.running {
		return
	}
	close(e.stopCh)
	<-e.doneCh
	e.running = false
	e.logger.Info("engine stopped")
}

func (e *Engine) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		if err := e.Tick(ctx); err != nil {
			e.logger.Error("background pass failed", slog.String("error", err.Error()))
			e.report(ctx, err)
		}

		timer := time.NewTimer(e.nextWake())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.timers.Wake():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextWake is how long the loop may sleep: until the earliest window
// timer, but never longer than the retry cycle or escalation interval.
func (e *Engine) nextWake() time.Duration {
	wait := min(e.cfg.retryCycle, e.cfg.escalationInterval)
	if next, ok := e.timers.Next(); ok {
		wait = min(wait, max(next.Sub(e.clock.Now()), 0))
	}
	return wait
}
