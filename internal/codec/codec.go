// Package codec serializes the messages exchanged between the coordinator
// and its workers. Every codec turns Go values built from maps, slices,
// strings, numbers and booleans into bytes and back.
package codec

import (
	"fmt"
	"sort"
	"strings"
)

// Codec marshals protocol messages. Implementations must be safe for
// concurrent use.
type Codec interface {
	// Name is the short configuration name, such as "msgpack".
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps codec names and content types to codecs.
type Registry struct {
	byKey map[string]Codec
}

// NewRegistry returns a registry preloaded with the msgpack, cbor and json codecs.
func NewRegistry() *Registry {
	r := &Registry{byKey: make(map[string]Codec)}
	r.Register(MsgPack())
	r.Register(CBOR())
	r.Register(JSON())
	return r
}

// Register adds c under both its name and its content type.
func (r *Registry) Register(c Codec) {
	r.byKey[c.Name()] = c
	r.byKey[c.ContentType()] = c
}

// Get returns the codec registered under key, or nil.
func (r *Registry) Get(key string) Codec {
	return r.byKey[strings.ToLower(key)]
}

// Lookup is like Get but reports an unknown key as an error.
func (r *Registry) Lookup(key string) (Codec, error) {
	if c := r.Get(key); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("unknown codec %q (available: %s)", key, strings.Join(r.Names(), ", "))
}

// Names returns the sorted short names of the registered codecs.
func (r *Registry) Names() []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range r.byKey {
		if !seen[c.Name()] {
			seen[c.Name()] = true
			names = append(names, c.Name())
		}
	}
	sort.Strings(names)
	return names
}
