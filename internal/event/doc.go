// Package event carries worker output from the gateways to whoever drives
// the run.
//
// # Main Types
//
//   - [Event]: interface implemented by every event (EventType, Timestamp)
//   - [WorkerEvent]: one decoded worker event, or an errordown notification
//   - [SyncEvent]: start and end of a root transfer
//   - [Sink]: anything that accepts events from many goroutines
//   - [Queue]: unbounded fan-in Sink with one consumer channel
//   - [Bus]: synchronous pub-sub dispatcher, also usable as a Sink
//
// # Kinds
//
// A [Kind] names an event. Kinds received from workers use their wire names
// (workerready, testreport, workerfinished, ...); [ParseKind] rejects
// anything else. The coordinator adds errordown, sync_start and sync_finish.
//
// # Ordering
//
// Events from one worker arrive in the order the worker sent them, because
// each worker's events are emitted from a single goroutine. Events from
// different workers interleave arbitrarily.
//
// # Usage
//
//	q := event.NewQueue()
//	bus := event.NewBus()
//	bus.SubscribeAll(func(e event.Event) { logger.Debug("event", "kind", e.EventType()) })
//
//	workers, err := coord.SetupWorkers(ctx, event.Tee(q, bus))
//	for e := range q.Events() {
//	    ...
//	}
package event
