package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/distrun/internal/config"
	"github.com/Iron-Ham/distrun/internal/coordinator"
	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/gateway"
	"github.com/Iron-Ham/distrun/internal/gateway/gatewaytest"
	"github.com/Iron-Ham/distrun/internal/logging"
	"github.com/Iron-Ham/distrun/internal/spec"
	"github.com/Iron-Ham/distrun/internal/tui"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// isolate points config lookup and logging at a temporary directory and
// returns a directory usable as the project root.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("DISTRUN_LOGGING_ENABLED", "false")
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("DISTRUN_DIST_ROOT_DIR", root)
	return root
}

func evt(name string, kwargs map[string]any) []any {
	return []any{name, kwargs}
}

func testReport(nodeID, outcome string) map[string]any {
	return map[string]any{
		"data": map[string]any{
			"$report_type": "TestReport",
			"nodeid":       nodeID,
			"outcome":      outcome,
			"when":         "call",
		},
	}
}

// scriptedFactory returns gateways whose workers answer runtests_all with
// one report, passing unless the worker id is listed in failing, and
// answer shutdown with workerfinished.
func scriptedFactory(failing ...string) *gatewaytest.Factory {
	fails := make(map[string]bool)
	for _, id := range failing {
		fails[id] = true
	}
	return &gatewaytest.Factory{
		Configure: func(gw *gatewaytest.Gateway) {
			id := gw.ID()
			gw.OnOpen(func(service string, ch *gatewaytest.Channel) {
				if service != gateway.ServiceWorker {
					return
				}
				ch.OnSend(func(v any) []any {
					pair, ok := v.([]any)
					if !ok {
						return nil
					}
					switch pair[0] {
					case "runtests_all":
						if fails[id] {
							return []any{
								evt("workerready", map[string]any{}),
								evt("testreport", testReport("test_a.py::test_bad", "failed")),
							}
						}
						return []any{
							evt("workerready", map[string]any{}),
							evt("testreport", testReport("test_a.py::test_ok", "passed")),
						}
					case "shutdown":
						return []any{evt("workerfinished", map[string]any{"workeroutput": map[string]any{}})}
					}
					return nil
				})
			})
		},
	}
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "distrun" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "distrun")
	}

	expectedCmds := []string{"specs", "roots", "run", "config", "version"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, name := range expectedCmds {
		if !cmdMap[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	isolate(t)
	out, err := executeCommand(rootCmd, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "distrun "+Version) {
		t.Errorf("output = %q", out)
	}
}

func TestSpecsCommand(t *testing.T) {
	isolate(t)
	t.Setenv("DISTRUN_DIST_TX", "2*popen,ssh=ci@build01//id=remote")

	out, err := executeCommand(rootCmd, "specs")
	if err != nil {
		t.Fatalf("specs error = %v\n%s", err, out)
	}
	for _, want := range []string{"gw0", "gw1", "remote", "shared", "shipped", "ssh=ci@build01//id=remote"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSpecsCommand_NoSpecs(t *testing.T) {
	isolate(t)
	t.Setenv("DISTRUN_DIST_TX", "")

	if _, err := executeCommand(rootCmd, "specs"); err == nil {
		t.Error("specs without any target spec should fail")
	}
}

func TestRootsCommand(t *testing.T) {
	root := isolate(t)
	if err := os.MkdirAll(filepath.Join(root, "lib"), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DISTRUN_DIST_TX", "ssh=build01")
	t.Setenv("DISTRUN_DIST_RSYNC_DIRS", "lib")
	t.Setenv("DISTRUN_DIST_RSYNC_IGNORE", "*.log")

	out, err := executeCommand(rootCmd, "roots")
	if err != nil {
		t.Fatalf("roots error = %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 || lines[0] != root || lines[1] != filepath.Join(root, "lib") {
		t.Errorf("roots output:\n%s", out)
	}
	if !strings.Contains(out, "*.log") {
		t.Errorf("ignore patterns missing:\n%s", out)
	}
}

func TestRootsCommand_InProcessOnly(t *testing.T) {
	isolate(t)
	t.Setenv("DISTRUN_DIST_TX", "3*popen")

	out, err := executeCommand(rootCmd, "roots")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No roots to ship") {
		t.Errorf("output = %q", out)
	}
}

func TestRunWorkers(t *testing.T) {
	factory := scriptedFactory("gw1")
	coord, err := coordinator.New(coordinator.Config{
		Specs:   []string{"2*popen"},
		RootDir: t.TempDir(),
		RunID:   "run-1",
	}, factory)
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	summary, _, err := runWorkers(context.Background(), coord, logging.NopLogger(), tui.Options{Mode: tui.ModePlain, Plain: &out})
	if err != nil {
		t.Fatalf("runWorkers() error = %v", err)
	}
	if summary.Passed != 1 || summary.Failed != 1 || summary.Workers != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if !strings.Contains(out.String(), "[gw1] FAILED test_a.py::test_bad") {
		t.Errorf("output:\n%s", out.String())
	}
	for _, gw := range factory.Gateways() {
		if gw.ExitCalls() != 1 {
			t.Errorf("%s: ExitCalls() = %d, want 1", gw.ID(), gw.ExitCalls())
		}
	}
}

func TestRunWorkers_SetupFailure(t *testing.T) {
	factory := scriptedFactory()
	factory.Fail = func(id string, _ spec.TargetSpec) error {
		if id == "gw1" {
			return fmt.Errorf("connection refused")
		}
		return nil
	}
	coord, err := coordinator.New(coordinator.Config{
		Specs:   []string{"2*popen"},
		RootDir: t.TempDir(),
	}, factory)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = runWorkers(context.Background(), coord, logging.NopLogger(), tui.Options{Mode: tui.ModePlain, Plain: &bytes.Buffer{}})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("runWorkers() error = %v, want the open failure", err)
	}
	for _, gw := range factory.Gateways() {
		if gw.KillCalls() != 1 {
			t.Errorf("%s: KillCalls() = %d, want 1", gw.ID(), gw.KillCalls())
		}
	}
}

func TestRunCommand(t *testing.T) {
	isolate(t)
	t.Setenv("DISTRUN_DIST_TX", "2*popen")

	tests := []struct {
		name    string
		failing []string
		wantErr bool
		want    string
	}{
		{name: "all pass", want: "2 passed, 0 failed, 0 skipped on 2 workers"},
		{name: "one fails", failing: []string{"gw0"}, wantErr: true, want: "1 passed, 1 failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := newFactory
			newFactory = func(*config.Config, *logging.Logger) (gateway.Factory, error) {
				return scriptedFactory(tt.failing...), nil
			}
			defer func() { newFactory = orig }()

			out, err := executeCommand(rootCmd, "run")
			if (err != nil) != tt.wantErr {
				t.Fatalf("run error = %v, wantErr %v\n%s", err, tt.wantErr, out)
			}
			if tt.wantErr && !errors.Is(err, errRunFailed) {
				t.Errorf("run error = %v, want errRunFailed", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
		})
	}
}

func TestConfigPathCommand(t *testing.T) {
	isolate(t)
	out, err := executeCommand(rootCmd, "config", "path")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "DISTRUN_DIST_TX") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigInitCommand(t *testing.T) {
	isolate(t)
	if _, err := executeCommand(rootCmd, "config", "init"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(config.ConfigFile())
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.Contains(string(data), "codec: msgpack") {
		t.Errorf("config file content:\n%s", data)
	}
	if _, err := executeCommand(rootCmd, "config", "init"); err == nil {
		t.Error("second init should refuse to overwrite")
	}
}
