// Package coordinator provisions and tears down the worker pool of a
// distributed run.
//
// A Coordinator expands the configured target specs, decides which source
// roots remote workers need, and then brings every worker up in parallel:
//
//  1. open the gateway through a gateway.Factory
//  2. sync each source root with treesync (in-process workers only get a
//     search path entry)
//  3. create a worker.Controller and send its bootstrap
//
// Setup is all-or-nothing. If any worker fails, every gateway opened so far
// is killed and the joined error is returned. Configuration errors surface
// before any gateway is opened.
//
// Scheduling is not part of this package: callers drive the returned
// controllers and consume their events from the sink given to SetupWorkers.
package coordinator
