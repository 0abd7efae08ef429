// Package report rebuilds the test and collection reports that workers send
// back in serialized form.
package report

import (
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"

	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/errors"
)

// TypeKey names the discriminator field of a serialized report.
const TypeKey = "$report_type"

// Type distinguishes the two report shapes.
type Type string

const (
	TypeTest    Type = "TestReport"
	TypeCollect Type = "CollectReport"
)

// Outcomes.
const (
	OutcomePassed  = "passed"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Location is where a test was defined: file, zero-based line, and the
// test's display name.
type Location struct {
	Path   string
	Line   *int
	Domain string
}

// Section is a captured output block, such as "Captured stdout call".
type Section struct {
	Title   string
	Content string
}

// Report is a test or collection report received from a worker.
type Report struct {
	Type           Type           `mapstructure:"-"`
	NodeID         string         `mapstructure:"nodeid"`
	Location       *Location      `mapstructure:"location"`
	Keywords       map[string]any `mapstructure:"keywords"`
	Outcome        string         `mapstructure:"outcome"`
	LongRepr       any            `mapstructure:"longrepr"`
	When           string         `mapstructure:"when"`
	Sections       []Section      `mapstructure:"sections"`
	Duration       float64        `mapstructure:"duration"`
	Result         []any          `mapstructure:"result"`
	UserProperties []any          `mapstructure:"user_properties"`

	// ItemIndex is the index of the work item the report belongs to, when
	// the worker supplied one.
	ItemIndex *int `mapstructure:"-"`

	// Extra keeps fields this package does not model.
	Extra map[string]any `mapstructure:",remain"`
}

// FromSerializable rebuilds a report from its serialized map.
func FromSerializable(data map[string]any) (*Report, error) {
	rawType, _ := codec.ToString(data[TypeKey])
	typ := Type(rawType)
	if typ != TypeTest && typ != TypeCollect {
		return nil, errors.NewReconstructionError("report",
			fmt.Errorf("%w: unknown %s %q", errors.ErrMalformedEvent, TypeKey, rawType))
	}

	fields := make(map[string]any, len(data))
	for k, v := range data {
		if k != TypeKey {
			fields[k] = v
		}
	}

	r := &Report{Type: typ}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(locationHook, sectionHook),
		WeaklyTypedInput: true,
		Result:           r,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(fields); err != nil {
		return nil, errors.NewReconstructionError(string(typ), err)
	}
	return r, nil
}

// ToSerializable is the inverse of FromSerializable.
func (r *Report) ToSerializable() map[string]any {
	out := make(map[string]any, len(r.Extra)+12)
	for k, v := range r.Extra {
		out[k] = v
	}
	out[TypeKey] = string(r.Type)
	out["nodeid"] = r.NodeID
	out["outcome"] = r.Outcome
	out["longrepr"] = r.LongRepr
	out["when"] = r.When
	out["duration"] = r.Duration
	if r.Keywords != nil {
		out["keywords"] = r.Keywords
	}
	if r.Location != nil {
		var line any
		if r.Location.Line != nil {
			line = *r.Location.Line
		}
		out["location"] = []any{r.Location.Path, line, r.Location.Domain}
	}
	sections := make([]any, 0, len(r.Sections))
	for _, s := range r.Sections {
		sections = append(sections, []any{s.Title, s.Content})
	}
	out["sections"] = sections
	if r.Result != nil {
		out["result"] = r.Result
	}
	if r.UserProperties != nil {
		out["user_properties"] = r.UserProperties
	}
	return out
}

// Passed reports whether the outcome is passed.
func (r *Report) Passed() bool { return r.Outcome == OutcomePassed }

// Failed reports whether the outcome is failed.
func (r *Report) Failed() bool { return r.Outcome == OutcomeFailed }

// Skipped reports whether the outcome is skipped.
func (r *Report) Skipped() bool { return r.Outcome == OutcomeSkipped }

// LongReprText renders the failure representation as text.
func (r *Report) LongReprText() string {
	switch v := r.LongRepr.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		// Skip reasons arrive as (path, lineno, message).
		if len(v) == 3 {
			if msg, ok := codec.ToString(v[2]); ok {
				return msg
			}
		}
	}
	if m, ok := codec.ToMap(r.LongRepr); ok {
		if crash, ok := codec.ToMap(m["reprcrash"]); ok {
			if msg, ok := codec.ToString(crash["message"]); ok {
				return msg
			}
		}
	}
	return fmt.Sprint(r.LongRepr)
}

var (
	locationType = reflect.TypeOf(Location{})
	sectionType  = reflect.TypeOf(Section{})
)

// locationHook decodes a (path, lineno, domain) triple.
func locationHook(from, to reflect.Type, data any) (any, error) {
	if to != locationType {
		return data, nil
	}
	list, ok := data.([]any)
	if !ok {
		return data, nil
	}
	if len(list) != 3 {
		return nil, fmt.Errorf("location must have 3 elements, got %d", len(list))
	}
	loc := map[string]any{"Path": list[0], "Domain": list[2]}
	if n, ok := codec.ToInt(list[1]); ok {
		loc["Line"] = n
	}
	return loc, nil
}

// sectionHook decodes a (title, content) pair.
func sectionHook(from, to reflect.Type, data any) (any, error) {
	if to != sectionType {
		return data, nil
	}
	list, ok := data.([]any)
	if !ok {
		return data, nil
	}
	if len(list) != 2 {
		return nil, fmt.Errorf("section must have 2 elements, got %d", len(list))
	}
	return map[string]any{"Title": list[0], "Content": list[1]}, nil
}
