// Package treesync pushes source roots to workers before they start.
//
// A Syncer walks a root with afero, filters it through glob ignore patterns
// and streams the surviving directories and files to the worker's treesync
// service as one batch:
//
//	begin{dest} → dir{path} / file{path, mode, mtime, size} chunk{data}... fileend{size, sha512} ... → done
//
// File content is read through afero.File and split into chunks of at most
// ChunkSize bytes, so no message approaches the frame limit.
//
// The call blocks until the remote acknowledges the batch with {ok: true}
// or reports {error: ...}.
//
// Workers that share the coordinator's filesystem and working directory
// (spec.TargetSpec.InProcess) receive no files. They are sent a single
// searchpath message naming the root's parent instead.
//
// Every (gateway, root) pair is synced at most once per Syncer. The Record
// enforces this even when several goroutines sync the same pair
// concurrently: the first one transfers, the rest wait for its result.
package treesync
