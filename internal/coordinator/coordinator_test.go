package coordinator

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/config"
	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/event"
	"github.com/Iron-Ham/distrun/internal/gateway"
	"github.com/Iron-Ham/distrun/internal/gateway/gatewaytest"
	"github.com/Iron-Ham/distrun/internal/spec"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Emit(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) syncEvents() []event.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.SyncEvent
	for _, e := range r.events {
		if se, ok := e.(event.SyncEvent); ok {
			out = append(out, se)
		}
	}
	return out
}

// projectFs lays out a core root, a sibling library and a manifest.
func projectFs(t *testing.T, manifest string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"/work/proj/app.py":         "print('app')",
		"/work/proj/tests/test_a.py": "def test_a(): pass",
		"/work/lib/util.py":         "X = 1",
		"/work/extra/data.txt":      "data",
	}
	if manifest != "" {
		files["/work/proj/"+config.DefaultSyncFile] = manifest
	}
	for path, content := range files {
		if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func baseConfig(specs ...string) Config {
	return Config{
		Specs:    specs,
		RootDir:  "/work/proj",
		SyncFile: "/work/proj/" + config.DefaultSyncFile,
		RunID:    "run-42",
	}
}

func bootstrapOf(t *testing.T, gw *gatewaytest.Gateway) map[string]any {
	t.Helper()
	ch := gw.Channel(gateway.ServiceWorker)
	if ch == nil {
		t.Fatalf("%s: no worker channel", gw.ID())
	}
	sent := ch.Sent()
	if len(sent) == 0 {
		t.Fatalf("%s: nothing sent on the worker channel", gw.ID())
	}
	boot, ok := sent[0].(map[string]any)
	if !ok {
		t.Fatalf("%s: bootstrap is %T", gw.ID(), sent[0])
	}
	return boot
}

func TestNew_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		specs []string
		want  error
	}{
		{"no specs", nil, errors.ErrNoSpecs},
		{"bad spec", []string{"popen", "ftp=x"}, errors.ErrInvalidSpec},
		{"duplicate ids", []string{"2*popen//id=same"}, errors.ErrInvalidSpec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := &gatewaytest.Factory{}
			_, err := New(baseConfig(tt.specs...), factory)
			if !errors.Is(err, tt.want) {
				t.Fatalf("New() error = %v, want %v", err, tt.want)
			}
			if !errors.IsFatalToPool(err) {
				t.Error("spec problems must be configuration errors")
			}
			if len(factory.Gateways()) != 0 {
				t.Error("no gateway may be opened for an invalid configuration")
			}
		})
	}
}

func TestNew_GeneratesRunID(t *testing.T) {
	cfg := baseConfig("popen")
	cfg.RunID = ""
	c, err := New(cfg, &gatewaytest.Factory{})
	if err != nil {
		t.Fatal(err)
	}
	if len(c.RunID()) != 36 {
		t.Errorf("RunID() = %q, want a uuid", c.RunID())
	}
}

func TestWorkerIDs(t *testing.T) {
	c, err := New(baseConfig("2*popen", "ssh=h//id=remote"), &gatewaytest.Factory{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"gw0", "gw1", "remote"}
	if got := c.WorkerIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("WorkerIDs() = %v, want %v", got, want)
	}
}

func TestDiscoverSourceRoots_InProcessPoolNeedsNone(t *testing.T) {
	c, err := New(baseConfig("3*popen"), &gatewaytest.Factory{}, WithFs(projectFs(t, "")))
	if err != nil {
		t.Fatal(err)
	}
	roots, err := c.DiscoverSourceRoots()
	if err != nil {
		t.Fatalf("DiscoverSourceRoots() error = %v", err)
	}
	if len(roots) != 0 {
		t.Errorf("roots = %v, want none", roots)
	}
}

func TestDiscoverSourceRoots_OrderAndDedupe(t *testing.T) {
	manifest := "roots:\n  - ../extra\n  - /work/lib\nignore:\n  - \"*.log\"\n"
	cfg := baseConfig("popen", "ssh=host")
	cfg.RsyncDirs = []string{"../lib", "/work/proj"}
	cfg.RsyncIgnore = []string{"build"}

	c, err := New(cfg, &gatewaytest.Factory{}, WithFs(projectFs(t, manifest)))
	if err != nil {
		t.Fatal(err)
	}
	roots, err := c.DiscoverSourceRoots()
	if err != nil {
		t.Fatalf("DiscoverSourceRoots() error = %v", err)
	}
	want := []string{"/work/proj", "/work/lib", "/work/extra"}
	if !reflect.DeepEqual(roots, want) {
		t.Errorf("roots = %v, want %v", roots, want)
	}
	if got := c.IgnorePatterns(); !reflect.DeepEqual(got, []string{"build", "*.log"}) {
		t.Errorf("IgnorePatterns() = %v", got)
	}
}

func TestDiscoverSourceRoots_MissingRoot(t *testing.T) {
	cfg := baseConfig("ssh=host")
	cfg.RsyncDirs = []string{"/work/nope"}

	c, err := New(cfg, &gatewaytest.Factory{}, WithFs(projectFs(t, "")))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.DiscoverSourceRoots()
	if !errors.Is(err, errors.ErrRootNotFound) {
		t.Fatalf("error = %v, want ErrRootNotFound", err)
	}
	var cfgErr *errors.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Path != "/work/nope" {
		t.Errorf("error should name the missing root, got %v", err)
	}
}

func TestDiscoverSourceRoots_BadManifest(t *testing.T) {
	c, err := New(baseConfig("ssh=host"), &gatewaytest.Factory{}, WithFs(projectFs(t, "roots: [unterminated")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.DiscoverSourceRoots(); !errors.IsFatalToPool(err) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func TestSetupWorkers_InProcessPool(t *testing.T) {
	factory := &gatewaytest.Factory{}
	c, err := New(baseConfig("2*popen"), factory, WithFs(projectFs(t, "")))
	if err != nil {
		t.Fatal(err)
	}

	ctrls, err := c.SetupWorkers(context.Background(), &recorder{})
	if err != nil {
		t.Fatalf("SetupWorkers() error = %v", err)
	}
	if len(ctrls) != 2 {
		t.Fatalf("got %d controllers, want 2", len(ctrls))
	}

	for i, gw := range []*gatewaytest.Gateway{factory.Gateway("gw0"), factory.Gateway("gw1")} {
		if gw == nil {
			t.Fatalf("gateway %d was not opened", i)
		}
		if ctrls[i].ID() != gw.ID() {
			t.Errorf("controller %d id = %s, want %s", i, ctrls[i].ID(), gw.ID())
		}
		if gw.Opens(gateway.ServiceTreeSync) != 0 {
			t.Errorf("%s: in-process pool should not sync", gw.ID())
		}
		input := bootstrapOf(t, gw)["workerinput"].(map[string]any)
		if input["workercount"] != 2 {
			t.Errorf("%s: workercount = %v, want 2", gw.ID(), input["workercount"])
		}
		if input["testrunuid"] != "run-42" {
			t.Errorf("%s: testrunuid = %v, want run-42", gw.ID(), input["testrunuid"])
		}
		if input["workerid"] != gw.ID() {
			t.Errorf("%s: workerid = %v", gw.ID(), input["workerid"])
		}
	}

	if err := ctrls[0].RunSome([]int{0, 1}); err != nil {
		t.Fatal(err)
	}
	sent := factory.Gateway("gw0").Channel(gateway.ServiceWorker).Sent()[1:]
	want := []any{[]any{"runtests", map[string]any{"indices": []int{0, 1}}}}
	if !reflect.DeepEqual(sent, want) {
		t.Errorf("commands sent = %v, want %v", sent, want)
	}
	if n := len(factory.Gateway("gw1").Channel(gateway.ServiceWorker).Sent()); n != 1 {
		t.Errorf("gw1 received %d messages, want only the bootstrap", n)
	}
}

func TestSetupWorkers_SyncsRemoteWorkers(t *testing.T) {
	factory := &gatewaytest.Factory{}
	cfg := baseConfig("popen", "ssh=a", "ssh=b")
	cfg.RsyncDirs = []string{"../lib"}
	rec := &recorder{}

	c, err := New(cfg, factory, WithFs(projectFs(t, "")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetupWorkers(context.Background(), rec); err != nil {
		t.Fatalf("SetupWorkers() error = %v", err)
	}

	// The in-process worker only learns where the roots live.
	local := factory.Gateway("gw0").Channels(gateway.ServiceTreeSync)
	if len(local) != 2 {
		t.Fatalf("gw0 opened %d sync channels, want 2", len(local))
	}
	for i, dir := range []string{"/work", "/work"} {
		m, _ := codec.ToMap(local[i].Sent()[0])
		if m["op"] != "searchpath" || m["dir"] != dir {
			t.Errorf("gw0 sync %d = %v, want searchpath %s", i, m, dir)
		}
	}
	if _, ok := bootstrapOf(t, factory.Gateway("gw0"))["searchpath"]; !ok {
		t.Error("in-process bootstrap should carry a searchpath")
	}

	for _, id := range []string{"gw1", "gw2"} {
		chs := factory.Gateway(id).Channels(gateway.ServiceTreeSync)
		if len(chs) != 2 {
			t.Fatalf("%s opened %d sync channels, want 2", id, len(chs))
		}
		var dests []string
		for _, ch := range chs {
			m, _ := codec.ToMap(ch.Sent()[0])
			if m["op"] != "begin" {
				t.Errorf("%s: first sync op = %v, want begin", id, m["op"])
			}
			dests = append(dests, m["dest"].(string))
		}
		if !reflect.DeepEqual(dests, []string{"proj", "lib"}) {
			t.Errorf("%s: sync dests = %v", id, dests)
		}
	}

	// Two remote workers, two roots each, start and finish per batch.
	evs := rec.syncEvents()
	if len(evs) != 8 {
		t.Fatalf("got %d sync events, want 8", len(evs))
	}
	var finished []string
	for _, e := range evs {
		if e.Kind == event.KindSyncFinish {
			if e.Err != nil {
				t.Errorf("sync %s -> %s failed: %v", e.Root, e.WorkerID, e.Err)
			}
			finished = append(finished, e.WorkerID+":"+e.Root)
		}
	}
	sort.Strings(finished)
	want := []string{"gw1:/work/lib", "gw1:/work/proj", "gw2:/work/lib", "gw2:/work/proj"}
	if !reflect.DeepEqual(finished, want) {
		t.Errorf("finished syncs = %v, want %v", finished, want)
	}
}

func TestSetupWorkers_AllOrNothing(t *testing.T) {
	factory := &gatewaytest.Factory{
		Fail: func(id string, ts spec.TargetSpec) error {
			if id == "gw2" {
				return fmt.Errorf("connection refused")
			}
			return nil
		},
	}
	c, err := New(baseConfig("3*popen"), factory, WithFs(projectFs(t, "")))
	if err != nil {
		t.Fatal(err)
	}

	ctrls, err := c.SetupWorkers(context.Background(), &recorder{})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("SetupWorkers() error = %v, want the open failure", err)
	}
	if ctrls != nil {
		t.Errorf("controllers = %v, want none", ctrls)
	}
	for _, gw := range factory.Gateways() {
		if gw.KillCalls() != 1 {
			t.Errorf("%s: KillCalls() = %d, want 1", gw.ID(), gw.KillCalls())
		}
	}
	if len(c.Controllers()) != 0 {
		t.Error("a failed setup must not register controllers")
	}
}

func TestSetupWorkers_FailedPoolEmitsNothingAfterFailure(t *testing.T) {
	bootstrapped := make(chan struct{})
	factory := &gatewaytest.Factory{
		Configure: func(gw *gatewaytest.Gateway) {
			if gw.ID() != "gw0" {
				return
			}
			gw.OnOpen(func(service string, _ *gatewaytest.Channel) {
				if service == gateway.ServiceWorker {
					close(bootstrapped)
				}
			})
		},
		Fail: func(id string, _ spec.TargetSpec) error {
			if id != "gw1" {
				return nil
			}
			select {
			case <-bootstrapped:
			case <-time.After(5 * time.Second):
			}
			return fmt.Errorf("connection refused")
		},
	}
	c, err := New(baseConfig("2*popen"), factory, WithFs(projectFs(t, "")))
	if err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	if _, err := c.SetupWorkers(context.Background(), rec); err == nil {
		t.Fatal("SetupWorkers() should fail")
	}

	gw0 := factory.Gateway("gw0")
	ch := gw0.Channel(gateway.ServiceWorker)
	if ch == nil {
		t.Fatal("gw0 was never bootstrapped")
	}
	if ch.CloseCalls() != 1 {
		t.Errorf("gw0 worker channel CloseCalls() = %d, want 1", ch.CloseCalls())
	}
	ch.DeliverEOS(fmt.Errorf("killed"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.events {
		if we, ok := e.(event.WorkerEvent); ok && we.Kind == event.KindErrorDown {
			t.Errorf("errordown for %s reached the sink of a pool that never started", we.WorkerID)
		}
	}
}

func TestSetupWorkers_SyncFailure(t *testing.T) {
	factory := &gatewaytest.Factory{
		Configure: func(gw *gatewaytest.Gateway) {
			if gw.ID() == "gw1" {
				gw.FailSync("disk full")
			}
		},
	}
	c, err := New(baseConfig("2*ssh=host//chdir=w"), factory, WithFs(projectFs(t, "")))
	if err == nil {
		_, err = c.SetupWorkers(context.Background(), &recorder{})
	}
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("error = %v, want the remote sync error", err)
	}
}

func TestTeardownWorkers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	factory := &gatewaytest.Factory{
		Configure: func(gw *gatewaytest.Gateway) {
			if gw.ID() == "gw1" {
				gw.HangOnExit()
			}
		},
	}
	c, err := New(baseConfig("2*popen"), factory, WithFs(projectFs(t, "")), WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetupWorkers(context.Background(), &recorder{}); err != nil {
		t.Fatal(err)
	}

	result := make(chan []string, 1)
	go func() { result <- c.TeardownWorkers(3 * time.Second) }()
	clock.BlockUntil(1)
	clock.Advance(3 * time.Second)

	select {
	case killed := <-result:
		if !reflect.DeepEqual(killed, []string{"gw1"}) {
			t.Errorf("killed = %v, want [gw1]", killed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("TeardownWorkers did not return")
	}

	if killed := c.TeardownWorkers(time.Second); len(killed) != 0 {
		t.Errorf("second teardown killed %v", killed)
	}
	for _, gw := range factory.Gateways() {
		if gw.ExitCalls() != 1 {
			t.Errorf("%s ExitCalls() = %d, want 1", gw.ID(), gw.ExitCalls())
		}
		if n := gw.Channel(gateway.ServiceWorker).CloseCalls(); n != 1 {
			t.Errorf("%s worker channel CloseCalls() = %d, want 1", gw.ID(), n)
		}
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Dist.Tx = []string{"popen"}
	cfg.Dist.RootDir = "src"
	cfg.Dist.TeardownTimeoutSeconds = 4

	got := FromConfig(cfg, "/home/dev/proj")
	if got.RootDir != "/home/dev/proj/src" {
		t.Errorf("RootDir = %q", got.RootDir)
	}
	if got.SyncFile != "/home/dev/proj/src/"+config.DefaultSyncFile {
		t.Errorf("SyncFile = %q", got.SyncFile)
	}
	if got.TeardownTimeout != 4*time.Second {
		t.Errorf("TeardownTimeout = %v", got.TeardownTimeout)
	}
	if !reflect.DeepEqual(got.Specs, []string{"popen"}) {
		t.Errorf("Specs = %v", got.Specs)
	}
}
