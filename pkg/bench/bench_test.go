package bench_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/downfa11-org/posttimes/pkg/bench"
	"github.com/downfa11-org/posttimes/pkg/config"
	"github.com/downfa11-org/posttimes/pkg/producer"
	"github.com/downfa11-org/posttimes/pkg/runner"
)

func sampleResult() runner.Result {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return runner.Result{
		StartedAt: start,
		EndedAt:   start.Add(2 * time.Second),
		Workers: []runner.WorkerOutcome{
			{ID: 0, Stats: producer.Stats{Submitted: 600}},
			{ID: 1, Stats: producer.Stats{Submitted: 400, HookFailures: 2}, Err: errors.New("thread 1: fetch message: boom")},
		},
		Submitted:    1000,
		HookFailures: 2,
		Acked:        990,
		Failed:       10,
		Recorded:     990,
	}
}

func TestPrintSummaryTo(t *testing.T) {
	var buf bytes.Buffer
	bench.PrintSummaryTo(&buf, sampleResult(), 1002, 15*time.Millisecond)
	got := buf.String()

	for _, want := range []string{
		"PRODUCER RUN SUMMARY",
		"Producer threads",
		"1002 / 1000",
		"990 (99.0%)",
		"Failed messages              : 12",
		"495.00 msg/s",
		"15.00 ms",
		"#1  submitted=400  hook_failures=2  failed",
		"[1 occurrences]: thread 1: fetch message: boom",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
}

func TestStatusDataSetGet(t *testing.T) {
	s := bench.StatusData{}
	s.Set("a.b.c", 1)
	s.Set("a.b.d", "x")
	s.Set("top", true)

	if v, ok := s.Get("a.b.c"); !ok || v != 1 {
		t.Errorf("a.b.c = %v, %v", v, ok)
	}
	if v, ok := s.Get("a.b.d"); !ok || v != "x" {
		t.Errorf("a.b.d = %v, %v", v, ok)
	}
	if _, ok := s.Get("a.missing"); ok {
		t.Error("missing path reported present")
	}
	if _, ok := s.Get("top.nested"); ok {
		t.Error("path through a scalar reported present")
	}

	s.Set("top.nested", 2)
	if v, _ := s.Get("top.nested"); v != 2 {
		t.Errorf("scalar on the path should be replaced, got %v", v)
	}
}

func TestStatusDataSave(t *testing.T) {
	cfg := config.PublisherConfig{Topic: "platform.upload.qpc", Password: "secret", StoragePass: "db-secret"}
	path := filepath.Join(t.TempDir(), "out", "status.json")

	if err := bench.NewStatusData(cfg, sampleResult()).Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "secret") {
		t.Fatalf("status data leaks credentials:\n%s", raw)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	params := doc["parameters"].(map[string]any)
	produce := params["produce"].(map[string]any)
	if produce["started_at"] != "2024-03-01T10:00:00Z" || produce["ended_at"] != "2024-03-01T10:00:02Z" {
		t.Errorf("unexpected timestamps: %v", produce)
	}
	if params["produce_messages"].(map[string]any)["topic"] != "platform.upload.qpc" {
		t.Errorf("parameters not stored: %v", params["produce_messages"])
	}
	results := doc["results"].(map[string]any)["produce"].(map[string]any)
	if results["recorded"].(float64) != 990 {
		t.Errorf("recorded = %v", results["recorded"])
	}
	threads := results["threads"].([]any)
	if len(threads) != 2 || threads[1].(map[string]any)["result"] != "failed" {
		t.Errorf("unexpected threads: %v", threads)
	}
}
