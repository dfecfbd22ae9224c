package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()

	var entries []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", sc.Text(), err)
		}
		entries = append(entries, m)
	}
	return entries
}

func TestNewJSONRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "winkctl.log")
	opts := NewOptions()
	opts.Format = "json"
	opts.Level = "info"
	opts.OutputPaths = []string{path}

	logger, flush, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.WithName("ble").Info("[BLE] Connected", "device", "Wink Module")
	logger.V(1).Info("[BLE] debug detail")
	flush()

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (debug suppressed at info level): %v", len(entries), entries)
	}
	e := entries[0]
	if e["message"] != "[BLE] Connected" {
		t.Errorf("message = %v", e["message"])
	}
	if e["device"] != "Wink Module" {
		t.Errorf("device = %v", e["device"])
	}
	if e["logger"] != "winkctl.ble" {
		t.Errorf("logger = %v, want winkctl.ble", e["logger"])
	}
	if _, ok := e["timestamp"]; !ok {
		t.Error("entry missing timestamp")
	}
}

func TestNewDebugLevelEmitsVerbose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "winkctl.log")
	opts := &Options{Level: "debug", Format: "json", OutputPaths: []string{path}}

	logger, flush, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.V(1).Info("verbose")
	flush()

	if n := len(readEntries(t, path)); n != 1 {
		t.Errorf("got %d entries, want 1", n)
	}
}

func TestNewBadOutputPath(t *testing.T) {
	opts := NewOptions()
	opts.OutputPaths = []string{filepath.Join(t.TempDir(), "missing", "dir", "log")}
	if _, _, err := New(opts); err == nil {
		t.Error("New() should fail for an unwritable output path")
	}
}

func TestAddFlags(t *testing.T) {
	opts := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.AddFlags(fs)

	if err := fs.Parse([]string{"--log-level=debug", "--log-format=json", "--log-output=stdout"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if opts.Level != "debug" || opts.Format != "json" {
		t.Errorf("opts = %+v", opts)
	}
	if len(opts.OutputPaths) != 1 || opts.OutputPaths[0] != "stdout" {
		t.Errorf("OutputPaths = %v", opts.OutputPaths)
	}
}
