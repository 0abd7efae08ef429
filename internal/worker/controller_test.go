package worker

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/event"
	"github.com/Iron-Ham/distrun/internal/gateway"
	"github.com/Iron-Ham/distrun/internal/gateway/gatewaytest"
	"github.com/Iron-Ham/distrun/internal/report"
	"github.com/Iron-Ham/distrun/internal/spec"
	"github.com/Iron-Ham/distrun/internal/warning"
)

// recorder is a sink that keeps every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []event.WorkerEvent
}

func (r *recorder) Emit(e event.Event) {
	if we, ok := e.(event.WorkerEvent); ok {
		r.mu.Lock()
		r.events = append(r.events, we)
		r.mu.Unlock()
	}
}

func (r *recorder) all() []event.WorkerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.WorkerEvent(nil), r.events...)
}

func (r *recorder) ofKind(k event.Kind) []event.WorkerEvent {
	var out []event.WorkerEvent
	for _, e := range r.all() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func mustParse(t *testing.T, raw string) spec.TargetSpec {
	t.Helper()
	ts, err := spec.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	return ts
}

// setup returns a bootstrapped controller over an in-memory gateway.
func setup(t *testing.T, raw string, session SessionConfig) (*Controller, *gatewaytest.Channel, *recorder) {
	t.Helper()
	gw := gatewaytest.NewGateway("gw0", mustParse(t, raw))
	rec := &recorder{}
	c := New(gw, session, rec)
	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	ch := gw.Channel(gateway.ServiceWorker)
	if ch == nil {
		t.Fatal("Setup() did not open a worker channel")
	}
	return c, ch, rec
}

func evt(name string, kwargs map[string]any) []any {
	return []any{name, kwargs}
}

func TestSetup_RemoteWorkerGetsRebasedArgs(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	testFile := filepath.Join(root, "tests", "test_a.py")
	if err := os.MkdirAll(filepath.Dir(testFile), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(testFile, []byte("def test_x(): pass\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	session := SessionConfig{
		RunID:       "run-1",
		WorkerCount: 2,
		MainArgs:    []string{"distrun", "run"},
		Args:        []string{"-x", testFile + "::test_x"},
		Options:     map[string]any{"verbose": 1},
		Roots:       []string{root},
	}
	c, ch, _ := setup(t, "popen//chdir="+t.TempDir(), session)

	sent := ch.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages during setup, want 1", len(sent))
	}
	boot, ok := sent[0].(map[string]any)
	if !ok {
		t.Fatalf("bootstrap is %T, want map", sent[0])
	}

	wantArgs := []string{"-x", filepath.Base(root) + "/tests/test_a.py::test_x"}
	if !reflect.DeepEqual(boot["args"], wantArgs) {
		t.Errorf("args = %v, want %v", boot["args"], wantArgs)
	}
	if _, ok := boot["searchpath"]; ok {
		t.Error("remote worker bootstrap must not carry a searchpath")
	}
	wantInput := map[string]any{
		"workerid":    "gw0",
		"workercount": 2,
		"testrunuid":  "run-1",
		"mainargs":    []string{"distrun", "run"},
	}
	if !reflect.DeepEqual(boot["workerinput"], wantInput) {
		t.Errorf("workerinput = %v, want %v", boot["workerinput"], wantInput)
	}
	if !reflect.DeepEqual(boot["options"], session.Options) {
		t.Errorf("options = %v", boot["options"])
	}
	if c.State() != StateRunning {
		t.Errorf("State() = %v, want running", c.State())
	}
}

func TestSetup_InProcessWorkerKeepsArgs(t *testing.T) {
	session := SessionConfig{
		Args:       []string{"/somewhere/not/under/a/root"},
		SearchPath: []string{"/src/lib"},
	}
	_, ch, _ := setup(t, "popen", session)

	boot := ch.Sent()[0].(map[string]any)
	if !reflect.DeepEqual(boot["args"], session.Args) {
		t.Errorf("args = %v, want unchanged %v", boot["args"], session.Args)
	}
	if !reflect.DeepEqual(boot["searchpath"], []string{"/src/lib"}) {
		t.Errorf("searchpath = %v", boot["searchpath"])
	}
}

func TestSetup_UnrelatedPathIsConfigurationError(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	gw := gatewaytest.NewGateway("gw0", mustParse(t, "ssh=host"))
	c := New(gw, SessionConfig{Roots: []string{root}, Args: []string{outside}}, nil)
	err := c.Setup(context.Background())
	if !errors.IsFatalToPool(err) {
		t.Fatalf("Setup() error = %v, want configuration error", err)
	}
	if gw.Opens(gateway.ServiceWorker) != 0 {
		t.Error("no channel should be opened when args cannot be rebased")
	}
}

func TestSetup_OpenFailure(t *testing.T) {
	gw := gatewaytest.NewGateway("gw0", mustParse(t, "popen"))
	gw.FailOpen(errors.ErrGatewayClosed)
	c := New(gw, SessionConfig{}, nil)
	if err := c.Setup(context.Background()); !errors.Is(err, errors.ErrGatewayClosed) {
		t.Errorf("Setup() error = %v, want ErrGatewayClosed", err)
	}
	if c.State() != StateBootstrapping {
		t.Errorf("State() = %v, want bootstrapping", c.State())
	}
}

func TestCommands_WireShape(t *testing.T) {
	c, ch, _ := setup(t, "popen", SessionConfig{})

	if err := c.RunSome([]int{0, 1}); err != nil {
		t.Fatal(err)
	}
	if err := c.Steal([]int{1}); err != nil {
		t.Fatal(err)
	}
	if err := c.RunAll(); err != nil {
		t.Fatal(err)
	}

	want := []any{
		[]any{"runtests", map[string]any{"indices": []int{0, 1}}},
		[]any{"steal", map[string]any{"indices": []int{1}}},
		[]any{"runtests_all", map[string]any{}},
	}
	if got := ch.Sent()[1:]; !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %v, want %v", got, want)
	}
}

func TestShutdown_FlagSetEvenWhenSendFails(t *testing.T) {
	c, ch, rec := setup(t, "popen", SessionConfig{})
	ch.FailSends(errors.ErrChannelClosed)

	if err := c.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v, want nil", err)
	}
	if !c.ShuttingDown() {
		t.Error("ShuttingDown() = false after Shutdown")
	}
	if c.State() != StateShuttingDown {
		t.Errorf("State() = %v, want shutting down", c.State())
	}
	if n := len(rec.ofKind(event.KindErrorDown)); n != 0 {
		t.Errorf("failed shutdown send produced %d errordown events", n)
	}
}

func TestSendFailure_MarksDown(t *testing.T) {
	c, ch, rec := setup(t, "popen", SessionConfig{})
	ch.FailSends(errors.ErrChannelClosed)

	err := c.RunAll()
	var te *errors.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("RunAll() error = %v, want TransportError", err)
	}
	if !c.IsDown() {
		t.Error("worker should be down after a failed send")
	}
	if n := len(rec.ofKind(event.KindErrorDown)); n != 1 {
		t.Errorf("got %d errordown events, want 1", n)
	}

	// Once down, commands are silent no-ops.
	if err := c.RunSome([]int{3}); err != nil {
		t.Errorf("RunSome() on down worker error = %v, want nil", err)
	}
}

func TestFinished_ThenEndOfStream(t *testing.T) {
	c, ch, rec := setup(t, "popen", SessionConfig{})

	ch.Deliver(evt("workerready", map[string]any{"workerinfo": map[string]any{"version": "1"}}))
	ch.Deliver(evt("workerfinished", map[string]any{"workeroutput": map[string]any{"coverage": 0.9}}))
	ch.DeliverEOS(nil)

	if !c.IsDown() {
		t.Error("IsDown() = false after workerfinished")
	}
	if got := c.Output(); !reflect.DeepEqual(got, map[string]any{"coverage": 0.9}) {
		t.Errorf("Output() = %v", got)
	}
	if n := len(rec.ofKind(event.KindErrorDown)); n != 0 {
		t.Errorf("clean finish produced %d errordown events", n)
	}
	kinds := []event.Kind{}
	for _, e := range rec.all() {
		kinds = append(kinds, e.Kind)
	}
	want := []event.Kind{event.KindReady, event.KindWorkerFinished}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}

	sentBefore := len(ch.Sent())
	_ = c.RunAll()
	if len(ch.Sent()) != sentBefore {
		t.Error("command on a finished worker should not be sent")
	}
}

func TestEndOfStream_WithoutFinish(t *testing.T) {
	tests := []struct {
		name      string
		remoteErr error
		want      error
	}{
		{"clean close", nil, errors.ErrNotProperlyTerminated},
		{"remote error", errors.ErrGatewayClosed, errors.ErrGatewayClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ch, rec := setup(t, "popen", SessionConfig{})
			ch.DeliverEOS(tt.remoteErr)

			downs := rec.ofKind(event.KindErrorDown)
			if len(downs) != 1 {
				t.Fatalf("got %d errordown events, want 1", len(downs))
			}
			if !errors.Is(downs[0].Err, tt.want) {
				t.Errorf("errordown error = %v, want %v", downs[0].Err, tt.want)
			}
			if downs[0].Err.Error() == "" {
				t.Error("errordown error text is empty")
			}
			if !c.IsDown() {
				t.Error("worker should be down")
			}
		})
	}
}

func TestUnknownEvent_ShutsDownAndReportsOnce(t *testing.T) {
	c, ch, rec := setup(t, "popen", SessionConfig{})

	ch.Deliver(evt("bogus", map[string]any{}))
	ch.DeliverEOS(nil)

	downs := rec.ofKind(event.KindErrorDown)
	if len(downs) != 1 {
		t.Fatalf("got %d errordown events, want exactly 1", len(downs))
	}
	var pe *errors.ProtocolError
	if !errors.As(downs[0].Err, &pe) || pe.Event != "bogus" {
		t.Errorf("errordown error = %v, want ProtocolError for bogus", downs[0].Err)
	}

	sent := ch.Sent()
	last := sent[len(sent)-1]
	if !reflect.DeepEqual(last, []any{"shutdown", map[string]any{}}) {
		t.Errorf("last sent = %v, want shutdown", last)
	}
	if !c.ShuttingDown() {
		t.Error("ShuttingDown() = false")
	}
}

func TestMalformedEvent(t *testing.T) {
	_, ch, rec := setup(t, "popen", SessionConfig{})
	ch.Deliver("not a pair")

	downs := rec.ofKind(event.KindErrorDown)
	if len(downs) != 1 || !errors.Is(downs[0].Err, errors.ErrMalformedEvent) {
		t.Fatalf("errordown = %v, want one ErrMalformedEvent", downs)
	}
}

func TestReportDecoding(t *testing.T) {
	_, ch, rec := setup(t, "popen", SessionConfig{})

	ch.Deliver(evt("testreport", map[string]any{
		"data": map[string]any{
			report.TypeKey: "TestReport",
			"nodeid":       "tests/test_a.py::test_x",
			"outcome":      "passed",
			"when":         "call",
			"duration":     0.25,
			"item_index":   int64(7),
		},
	}))
	ch.Deliver(evt("collectreport", map[string]any{
		"data": map[string]any{report.TypeKey: "Mystery"},
	}))

	reports := rec.ofKind(event.KindTestReport)
	if len(reports) != 1 || reports[0].Report == nil {
		t.Fatalf("testreport events = %v", reports)
	}
	rep := reports[0].Report
	if rep.NodeID != "tests/test_a.py::test_x" || !rep.Passed() {
		t.Errorf("report = %+v", rep)
	}
	if rep.ItemIndex == nil || *rep.ItemIndex != 7 {
		t.Errorf("ItemIndex = %v, want 7", rep.ItemIndex)
	}

	collect := rec.ofKind(event.KindCollectReport)
	if len(collect) != 1 {
		t.Fatalf("collectreport events = %d, want 1", len(collect))
	}
	if got := collect[0].Report; got == nil || got.Type != report.TypeCollect || !got.Failed() {
		t.Errorf("unrebuildable report = %+v, want synthetic failed collect report", got)
	}
	if n := len(rec.ofKind(event.KindErrorDown)); n != 0 {
		t.Error("a report that cannot be rebuilt must not take the worker down")
	}
}

func TestWarningDecoding(t *testing.T) {
	_, ch, rec := setup(t, "popen", SessionConfig{})

	ch.Deliver(evt("warning_recorded", map[string]any{
		"warning_message_data": map[string]any{
			"message_str":        "custom thing",
			"message_module":     "myproj.warnings",
			"message_class_name": "OddWarning",
			"message_args":       []any{"custom thing"},
			"filename":           "a.py",
			"lineno":             3,
		},
		"when":   "runtest",
		"nodeid": "a.py::t",
	}))

	evs := rec.ofKind(event.KindWarningRecorded)
	if len(evs) != 1 || evs[0].Warning == nil {
		t.Fatalf("warning events = %v", evs)
	}
	w := evs[0].Warning
	if w.Message.Class != warning.GenericClass {
		t.Errorf("Class = %q, want %q", w.Message.Class, warning.GenericClass)
	}
	if w.Message.Text != "myproj.warnings.OddWarning: custom thing" {
		t.Errorf("Text = %q", w.Message.Text)
	}
	if evs[0].Note == nil {
		t.Error("fallback reconstruction should carry a note")
	}
}

func TestInternalError(t *testing.T) {
	_, ch, rec := setup(t, "popen", SessionConfig{})
	ch.Deliver(evt("internal_error", map[string]any{"formatted_error": "Traceback: boom"}))

	evs := rec.ofKind(event.KindInternalError)
	if len(evs) != 1 || evs[0].Err == nil || evs[0].Err.Error() != "Traceback: boom" {
		t.Errorf("internal_error events = %v", evs)
	}
}

func TestInterrupt_StopsWithoutErrorDown(t *testing.T) {
	gw := gatewaytest.NewGateway("gw0", mustParse(t, "popen"))
	rec := &recorder{}
	c := New(gw, SessionConfig{}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	ch := gw.Channel(gateway.ServiceWorker)
	cancel()

	ch.Deliver(evt("logstart", map[string]any{"nodeid": "a"}))
	ch.DeliverEOS(nil)

	if n := len(rec.all()); n != 0 {
		t.Errorf("interrupted controller emitted %d events", n)
	}
}

func TestInterrupt_MalformedEventIsDropped(t *testing.T) {
	gw := gatewaytest.NewGateway("gw0", mustParse(t, "popen"))
	rec := &recorder{}
	c := New(gw, SessionConfig{}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	ch := gw.Channel(gateway.ServiceWorker)
	cancel()

	ch.Deliver("not an event")

	if c.IsDown() {
		t.Error("malformed event after interrupt should not mark the worker down")
	}
	if n := len(rec.all()); n != 0 {
		t.Errorf("interrupted controller emitted %d events", n)
	}
	for _, v := range ch.Sent() {
		if pair, ok := v.([]any); ok && len(pair) > 0 && pair[0] == string(CommandShutdown) {
			t.Error("interrupted controller should not request shutdown")
		}
	}
}

func TestEventsBufferedUntilSetup(t *testing.T) {
	gw := gatewaytest.NewGateway("gw0", mustParse(t, "popen"))
	gw.OnOpen(func(service string, ch *gatewaytest.Channel) {
		ch.Deliver(evt("workerready", map[string]any{}))
	})
	rec := &recorder{}
	c := New(gw, SessionConfig{}, rec)
	if err := c.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.ofKind(event.KindReady)); n != 1 {
		t.Errorf("workerready delivered %d times, want 1", n)
	}
}

func TestClose_Idempotent(t *testing.T) {
	c, ch, _ := setup(t, "popen", SessionConfig{})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	_ = c.Close()
	if ch.CloseCalls() != 1 {
		t.Errorf("CloseCalls() = %d, want 1", ch.CloseCalls())
	}
}

func TestCommandValid(t *testing.T) {
	for _, cmd := range []Command{CommandRunTests, CommandRunAll, CommandSteal, CommandShutdown} {
		if !cmd.Valid() {
			t.Errorf("%q.Valid() = false", cmd)
		}
	}
	if Command("explode").Valid() {
		t.Error("unknown command reported valid")
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateBootstrapping: "bootstrapping",
		StateRunning:       "running",
		StateShuttingDown:  "shutting down",
		StateDown:          "down",
		State(42):          "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
