package spec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Iron-Ham/distrun/internal/errors"
)

// Kind is the transport used to reach a worker.
type Kind string

const (
	KindPopen  Kind = "popen"
	KindSSH    Kind = "ssh"
	KindSocket Kind = "socket"
)

// Valid reports whether k is a known transport kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPopen, KindSSH, KindSocket:
		return true
	}
	return false
}

// TargetSpec describes the launch parameters of one worker.
// It is immutable once parsed.
type TargetSpec struct {
	// Raw is the spec string this value was parsed from, without any
	// repeat prefix.
	Raw string

	Kind    Kind
	Address string
	ID      string
	Chdir   string
	Env     map[string]string

	// SharedFS reports whether the worker sees the coordinator's filesystem.
	SharedFS bool
}

// Popen reports whether the worker runs as a local subprocess.
func (s TargetSpec) Popen() bool {
	return s.Kind == KindPopen
}

// InProcess reports whether the worker shares the coordinator's filesystem
// and working directory, so no tree transfer is needed.
func (s TargetSpec) InProcess() bool {
	return s.SharedFS && s.Chdir == ""
}

// String renders the spec back into its canonical string form.
func (s TargetSpec) String() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	if s.Address != "" {
		b.WriteString("=" + s.Address)
	}
	if s.ID != "" {
		b.WriteString("//id=" + s.ID)
	}
	if s.Chdir != "" {
		b.WriteString("//chdir=" + s.Chdir)
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "//env:%s=%s", k, s.Env[k])
	}
	if s.SharedFS != defaultSharedFS(s.Kind) {
		if s.SharedFS {
			b.WriteString("//fs=shared")
		} else {
			b.WriteString("//fs=remote")
		}
	}
	return b.String()
}

func defaultSharedFS(k Kind) bool {
	return k == KindPopen
}

// Parse parses a single spec string without a repeat prefix.
func Parse(raw string) (TargetSpec, error) {
	invalid := func(msg string) error {
		return errors.NewConfigurationError(msg, errors.ErrInvalidSpec).WithSpec(raw)
	}

	parts := strings.Split(raw, "//")
	head := strings.TrimSpace(parts[0])
	if head == "" {
		return TargetSpec{}, invalid("missing transport kind")
	}

	ts := TargetSpec{Raw: raw}
	kind, addr, hasAddr := strings.Cut(head, "=")
	ts.Kind = Kind(kind)
	if !ts.Kind.Valid() {
		return TargetSpec{}, invalid(fmt.Sprintf("unknown transport kind %q", kind))
	}
	ts.Address = addr
	switch {
	case ts.Kind == KindPopen && hasAddr:
		return TargetSpec{}, invalid("popen takes no address")
	case ts.Kind != KindPopen && addr == "":
		return TargetSpec{}, invalid(fmt.Sprintf("%s requires an address", kind))
	}
	ts.SharedFS = defaultSharedFS(ts.Kind)

	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return TargetSpec{}, invalid(fmt.Sprintf("option %q is not key=value", part))
		}
		switch {
		case key == "id":
			ts.ID = value
		case key == "chdir":
			ts.Chdir = value
		case key == "fs":
			switch value {
			case "shared":
				ts.SharedFS = true
			case "remote":
				ts.SharedFS = false
			default:
				return TargetSpec{}, invalid(fmt.Sprintf("fs must be shared or remote, got %q", value))
			}
		case strings.HasPrefix(key, "env:"):
			if ts.Env == nil {
				ts.Env = make(map[string]string)
			}
			ts.Env[strings.TrimPrefix(key, "env:")] = value
		default:
			return TargetSpec{}, invalid(fmt.Sprintf("unknown option %q", key))
		}
	}
	return ts, nil
}

// splitRepeat splits "<N>*<rest>" into N and rest. Strings without a
// numeric prefix yield (1, raw).
func splitRepeat(raw string) (int, string, error) {
	prefix, rest, ok := strings.Cut(raw, "*")
	if !ok {
		return 1, raw, nil
	}
	n, err := strconv.Atoi(prefix)
	if err != nil {
		// Not an int* prefix; the '*' belongs to the spec itself.
		return 1, raw, nil
	}
	if n < 1 {
		return 0, "", errors.NewConfigurationError(
			fmt.Sprintf("repeat count must be at least 1, got %d", n), errors.ErrInvalidSpec).WithSpec(raw)
	}
	return n, rest, nil
}

// ExpandStrings applies the repeat prefixes of raw without parsing the
// specs themselves: "<N>*<rest>" becomes N copies of rest.
func ExpandStrings(raw []string) ([]string, error) {
	var out []string
	for _, r := range raw {
		n, rest, err := splitRepeat(r)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			out = append(out, rest)
		}
	}
	if len(out) == 0 {
		return nil, errors.NewConfigurationError("at least one worker spec is required", errors.ErrNoSpecs)
	}
	return out, nil
}

// Expand expands repeat prefixes and parses every resulting spec.
// An empty result is a configuration error.
func Expand(raw []string) ([]TargetSpec, error) {
	expanded, err := ExpandStrings(raw)
	if err != nil {
		return nil, err
	}
	specs := make([]TargetSpec, 0, len(expanded))
	for _, s := range expanded {
		ts, err := Parse(s)
		if err != nil {
			return nil, err
		}
		specs = append(specs, ts)
	}
	return specs, nil
}

// NeedsSync reports whether any spec requires its roots to be transferred.
func NeedsSync(specs []TargetSpec) bool {
	for _, s := range specs {
		if !s.InProcess() {
			return true
		}
	}
	return false
}
