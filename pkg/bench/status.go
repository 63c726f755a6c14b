package bench

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/downfa11-org/posttimes/pkg/config"
	"github.com/downfa11-org/posttimes/pkg/runner"
	"github.com/downfa11-org/posttimes/util"
)

// StatusData is a nested document addressed by dotted paths such as
// "parameters.produce.started_at".
type StatusData map[string]any

// Set stores value at path, creating intermediate objects. A non-object
// found on the way is replaced.
func (s StatusData) Set(path string, value any) {
	parts := strings.Split(path, ".")
	node := map[string]any(s)
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[p] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
}

// Get returns the value at path.
func (s StatusData) Get(path string) (any, bool) {
	var cur any = map[string]any(s)
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func (s StatusData) SetTime(path string, t time.Time) {
	s.Set(path, t.UTC().Format(time.RFC3339Nano))
}

// NewStatusData describes a finished run.
func NewStatusData(cfg config.PublisherConfig, res runner.Result) StatusData {
	s := StatusData{}
	s.Set("parameters.produce_messages", cfg.Redacted())
	s.SetTime("parameters.produce.started_at", res.StartedAt)
	s.SetTime("parameters.produce.ended_at", res.EndedAt)
	s.Set("results.produce.submitted", res.Submitted)
	s.Set("results.produce.acked", res.Acked)
	s.Set("results.produce.failed", res.Failed)
	s.Set("results.produce.hook_failures", res.HookFailures)
	s.Set("results.produce.recorded", res.Recorded)
	s.Set("results.produce.duration", res.EndedAt.Sub(res.StartedAt).Seconds())

	threads := make([]map[string]any, 0, len(res.Workers))
	for _, o := range res.Workers {
		t := map[string]any{"id": o.ID, "submitted": o.Stats.Submitted, "result": "worked"}
		if o.Err != nil {
			t["result"] = "failed"
			t["error"] = o.Err.Error()
		}
		threads = append(threads, t)
	}
	s.Set("results.produce.threads", threads)
	return s
}

// Save writes the status data as indented JSON.
func (s StatusData) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status data: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write status data %s: %w", path, err)
	}
	util.Info("✅ Status data saved to %s", path)
	return nil
}
