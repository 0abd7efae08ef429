// Package spec parses worker target specs.
//
// A target spec describes how one worker is launched:
//
//	[<N>*]<kind>[=<address>][//<key>=<value>]...
//
// Supported kinds are popen (a local subprocess), ssh=<[user@]host[:port]>
// and socket=<host:port>. Supported keys are id, chdir, env:<NAME> and
// fs=shared|remote.
//
// Two independent axes decide how a worker's code is provisioned: whether
// the worker shares the coordinator's filesystem (SharedFS) and whether a
// working-directory change was requested (Chdir). Only a worker that
// shares the filesystem and keeps the coordinator's directory is
// InProcess, which lets tree synchronization take its search-path
// shortcut.
package spec
