package tui

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/distrun/internal/event"
)

func TestUseTUI(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if UseTUI(ModeAuto, f) {
		t.Error("a regular file is not a terminal")
	}
	if UseTUI(ModePlain, f) {
		t.Error("plain mode never uses the TUI")
	}
	if !UseTUI(ModeTUI, f) {
		t.Error("tui mode forces the TUI")
	}
	if UseTUI(ModeAuto, nil) {
		t.Error("no output means no TUI")
	}
}

func TestRun_Plain(t *testing.T) {
	var buf bytes.Buffer
	events := make(chan event.Event, 2)
	events <- testReport("gw0", "a::t", "passed", "call")
	events <- event.NewWorkerEvent(event.KindWorkerFinished, "gw0", nil)

	s, err := Run(context.Background(), events, Options{Mode: ModePlain, Plain: &buf, Worker: []string{"gw0"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Passed != 1 || !s.OK() {
		t.Errorf("Summary = %+v", s)
	}
	if !strings.Contains(buf.String(), "[gw0] finished") {
		t.Errorf("output = %q", buf.String())
	}
}
