// Package tui renders the progress of a distributed run.
//
// Progress folds the event stream of a run into one row per worker. Two
// front ends display it: Model, a bubbletea program for interactive
// terminals, and PlainPrinter, a line-oriented writer for logs and pipes.
// Run picks one based on the configured mode and whether the output is a
// terminal.
package tui
