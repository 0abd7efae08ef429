// Package worker drives one remote worker over its gateway.
//
// A Controller owns the worker's channel for its whole life. It sends the
// bootstrap payload, exposes the command API used by a scheduler, and
// decodes the inbound event stream into event.WorkerEvent values emitted
// into a shared event.Sink.
//
// # Lifecycle
//
//	bootstrapping ──Setup──► running ──Shutdown──► shuttingDown
//	                            │                       │
//	                            └──finished/EOS/error───┴──► down
//
// A worker ends cleanly only by sending workerfinished. Any other end
// (channel closed, transport failure, unknown event, decoding panic) is
// reported exactly once as an errordown event. Once down, commands are
// ignored.
//
// # Commands
//
// Commands are one-way [name, kwargs] pairs:
//
//	runtests      {indices: [...]}
//	runtests_all  {}
//	steal         {indices: [...]}
//	shutdown      {}
package worker
