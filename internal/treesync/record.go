package treesync

import (
	"sort"
	"sync"
)

type recordKey struct {
	gateway string
	root    string
}

type recordEntry struct {
	done chan struct{}
	err  error
}

// Record is the append-only set of (gateway, root) pairs already synced.
// It is safe for concurrent use.
type Record struct {
	mu      sync.Mutex
	entries map[recordKey]*recordEntry
}

// NewRecord returns an empty Record.
func NewRecord() *Record {
	return &Record{entries: make(map[recordKey]*recordEntry)}
}

// Do runs fn unless the pair was claimed before, in which case it waits for
// the first run to finish and returns its result. ran reports whether fn
// was called by this invocation.
func (r *Record) Do(gatewayID, root string, fn func() error) (ran bool, err error) {
	key := recordKey{gateway: gatewayID, root: root}

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		<-e.done
		return false, e.err
	}
	e := &recordEntry{done: make(chan struct{})}
	r.entries[key] = e
	r.mu.Unlock()

	defer close(e.done)
	e.err = fn()
	return true, e.err
}

// Has reports whether the pair has been claimed.
func (r *Record) Has(gatewayID, root string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[recordKey{gateway: gatewayID, root: root}]
	return ok
}

// Len returns the number of claimed pairs.
func (r *Record) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Roots returns the sorted roots claimed for a gateway.
func (r *Record) Roots(gatewayID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var roots []string
	for k := range r.entries {
		if k.gateway == gatewayID {
			roots = append(roots, k.root)
		}
	}
	sort.Strings(roots)
	return roots
}
