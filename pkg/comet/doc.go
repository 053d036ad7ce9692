// Package comet correlates security events into per-issue groups, routes
// each group to its owner once per generation, and escalates groups nobody
// acknowledged within the source's SLA.
//
// # Lifecycle
//
// Every (source_type, fingerprint) pair owns one group. Within a generation
// a group moves forward only:
//
//	COLLECTING --window expiry--> READY --route ok--> ROUTED --SLA--> ESCALATED
//	                                                  ROUTED --ack--> RESOLVED
//
// An event arriving while COLLECTING refreshes the deadline to
// now + wait_for_more. Events arriving after dispatch are kept as late
// members. An event for a RESOLVED or ESCALATED group opens the next
// generation, unless the group was RESOLVED within the source's reopen
// cooldown.
//
// # Wiring
//
//	b := comet.NewBuilder()
//	b.RegisterSource(forseti)
//	b.Configure("forseti", event.Settings{WaitForMore: 2 * time.Minute})
//	b.WithRouter(router).WithEscalator(escalator)
//	cfg, err := b.Build()
//
//	eng := comet.NewEngine(cfg, store.NewMemoryStore(), comet.WithLogger(logger))
//	err = eng.Start(ctx)
//	defer eng.Stop()
//	err = eng.Ingest(ctx, raw)
//
// Tests drive time with schedule.ManualClock and call Tick directly
// instead of Start.
package comet
