package warning

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/errors"
)

// GenericClass is the class used when the original cannot be rebuilt.
const GenericClass = "builtins.Warning"

// Message is a rebuilt warning instance.
type Message struct {
	// Class is the qualified class name, empty for plain string messages.
	Class string
	Args  []any
	Text  string
}

// String returns the warning's rendered text.
func (m Message) String() string {
	return m.Text
}

// Constructor builds a Message from constructor arguments.
type Constructor func(args []any) (Message, error)

// Registry maps qualified class names to constructors. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// Builtin warning classes known to every Registry.
var builtinClasses = []string{
	"builtins.Warning",
	"builtins.UserWarning",
	"builtins.DeprecationWarning",
	"builtins.PendingDeprecationWarning",
	"builtins.SyntaxWarning",
	"builtins.RuntimeWarning",
	"builtins.FutureWarning",
	"builtins.ImportWarning",
	"builtins.UnicodeWarning",
	"builtins.BytesWarning",
	"builtins.ResourceWarning",
	"builtins.EncodingWarning",
	"_pytest.warning_types.PytestWarning",
	"_pytest.warning_types.PytestAssertRewriteWarning",
	"_pytest.warning_types.PytestCacheWarning",
	"_pytest.warning_types.PytestConfigWarning",
	"_pytest.warning_types.PytestCollectionWarning",
	"_pytest.warning_types.PytestDeprecationWarning",
	"_pytest.warning_types.PytestUnknownMarkWarning",
	"_pytest.warning_types.PytestUnraisableExceptionWarning",
	"_pytest.warning_types.PytestUnhandledThreadExceptionWarning",
}

// NewRegistry returns a Registry seeded with the builtin warning classes.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}
	for _, class := range builtinClasses {
		r.Register(class, Simple(class))
	}
	return r
}

// Register adds or replaces the constructor for class.
func (r *Registry) Register(class string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[class] = ctor
}

// Lookup returns the constructor for class.
func (r *Registry) Lookup(class string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[class]
	return ctor, ok
}

// Simple returns a constructor that accepts any arguments and renders them
// the way an exception renders its args: a single argument as itself,
// several as a tuple.
func Simple(class string) Constructor {
	return func(args []any) (Message, error) {
		return Message{Class: class, Args: args, Text: renderArgs(args)}, nil
	}
}

func renderArgs(args []any) string {
	switch len(args) {
	case 0:
		return ""
	case 1:
		return fmt.Sprint(args[0])
	}
	parts := make([]string, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			parts[i] = fmt.Sprintf("'%s'", s)
		} else {
			parts[i] = fmt.Sprint(a)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Serialized is the wire description of a warning.
type Serialized struct {
	MessageStr        string `mapstructure:"message_str"`
	MessageModule     string `mapstructure:"message_module"`
	MessageClassName  string `mapstructure:"message_class_name"`
	MessageArgs       []any  `mapstructure:"message_args"`
	CategoryModule    string `mapstructure:"category_module"`
	CategoryClassName string `mapstructure:"category_class_name"`

	Filename string `mapstructure:"filename"`
	Lineno   int    `mapstructure:"lineno"`
	File     any    `mapstructure:"file"`
	Line     any    `mapstructure:"line"`
	Source   any    `mapstructure:"source"`

	Extra map[string]any `mapstructure:",remain"`
}

// WarningMessage is a reconstructed warning with its context.
type WarningMessage struct {
	Message Message
	// Category is the qualified category class, empty when none was given.
	Category string

	Filename string
	Lineno   int
	File     any
	Line     any
	Source   any

	// Extra holds auxiliary fields this package does not model.
	Extra map[string]any
}

// ReconstructionNote explains why a fallback was used.
type ReconstructionNote struct {
	Class string
	Err   error
}

func (n *ReconstructionNote) Error() string {
	return n.Err.Error()
}

func (n *ReconstructionNote) Unwrap() error {
	return n.Err
}

// Reconstruct rebuilds a warning from its serialized map. It never fails
// and never panics; note is non-nil when the original class could not be
// rebuilt.
func Reconstruct(reg *Registry, data map[string]any) (wm WarningMessage, note *ReconstructionNote) {
	var s Serialized
	if err := decode(data, &s); err != nil {
		s = bestEffort(data)
		note = &ReconstructionNote{Class: "warning", Err: errors.NewReconstructionError("warning", err)}
	}

	wm = WarningMessage{
		Filename: s.Filename,
		Lineno:   s.Lineno,
		File:     s.File,
		Line:     s.Line,
		Source:   s.Source,
		Extra:    s.Extra,
	}
	if s.CategoryModule != "" {
		wm.Category = s.CategoryModule + "." + s.CategoryClassName
	}

	if s.MessageModule == "" {
		wm.Message = Message{Text: s.MessageStr}
		return wm, note
	}

	class := s.MessageModule + "." + s.MessageClassName
	msg, err := construct(reg, class, s.MessageArgs)
	if err != nil {
		wm.Message = Message{
			Class: GenericClass,
			Text:  fmt.Sprintf("%s: %s", class, s.MessageStr),
		}
		wm.Message.Args = []any{wm.Message.Text}
		if note == nil {
			note = &ReconstructionNote{Class: class, Err: errors.NewReconstructionError(class, err)}
		}
		return wm, note
	}
	wm.Message = msg
	return wm, note
}

func construct(reg *Registry, class string, args []any) (msg Message, err error) {
	if reg == nil {
		return Message{}, fmt.Errorf("no registry")
	}
	ctor, ok := reg.Lookup(class)
	if !ok {
		return Message{}, fmt.Errorf("class %s is not registered", class)
	}
	if args == nil {
		return Message{}, fmt.Errorf("no constructor arguments captured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("constructor panicked: %v", r)
		}
	}()
	return ctor(args)
}

func decode(data map[string]any, s *Serialized) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           s,
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

// bestEffort extracts what it can from a map that failed strict decoding.
func bestEffort(data map[string]any) Serialized {
	str := func(k string) string {
		s, _ := codec.ToString(data[k])
		return s
	}
	s := Serialized{
		MessageStr:        str("message_str"),
		MessageModule:     str("message_module"),
		MessageClassName:  str("message_class_name"),
		CategoryModule:    str("category_module"),
		CategoryClassName: str("category_class_name"),
		Filename:          str("filename"),
		File:              data["file"],
		Line:              data["line"],
		Source:            data["source"],
	}
	if args, ok := data["message_args"].([]any); ok {
		s.MessageArgs = args
	}
	s.Lineno, _ = codec.ToInt(data["lineno"])
	return s
}
