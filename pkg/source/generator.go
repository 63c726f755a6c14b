package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
	"github.com/google/uuid"
)

// Synthetic generates Count messages with uuid ids and a JSON-able payload
// padded to roughly PayloadSize bytes.
type Synthetic struct {
	Count       int
	PayloadSize int
	Now         func() time.Time
}

func (s Synthetic) Iterator() Iterator {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	n := 0
	return func() (types.Message, bool) {
		if n >= s.Count {
			return types.Message{}, false
		}
		n++
		id := uuid.NewString()
		return types.Message{
			ID: id,
			Payload: map[string]any{
				"id":   id,
				"seq":  n,
				"time": now().UTC().Format(time.RFC3339Nano),
				"data": padding(s.PayloadSize, n),
			},
		}, true
	}
}

func padding(size, seq int) string {
	if size <= 0 {
		return fmt.Sprintf("Hello World! #%d", seq)
	}
	header := fmt.Sprintf("msg-%d-", seq)
	if size <= len(header) {
		return header
	}
	return header + strings.Repeat("x", size-len(header))
}

// JSONLines reads one JSON object per line. The message id is taken from
// IDField; lines that do not decode or lack the id are logged and skipped.
// A read error ends the iteration and is kept for Err.
type JSONLines struct {
	f       *os.File
	scanner *bufio.Scanner
	idField string
	line    int

	mu  sync.Mutex
	err error
}

func OpenJSONLines(path, idField string) (*JSONLines, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	return &JSONLines{f: f, scanner: sc, idField: idField}, nil
}

func (j *JSONLines) Iterator() Iterator {
	return j.next
}

func (j *JSONLines) next() (types.Message, bool) {
	for j.scanner.Scan() {
		j.line++
		raw := strings.TrimSpace(j.scanner.Text())
		if raw == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var payload map[string]any
		if err := dec.Decode(&payload); err != nil {
			util.Warn("skipping line %d of %s: %v", j.line, j.f.Name(), err)
			continue
		}
		id, ok := payload[j.idField]
		if !ok || id == nil {
			util.Warn("skipping line %d of %s: no %q field", j.line, j.f.Name(), j.idField)
			continue
		}
		return types.Message{ID: fmt.Sprint(id), Payload: payload}, true
	}
	if err := j.scanner.Err(); err != nil {
		err = fmt.Errorf("read %s after line %d: %w", j.f.Name(), j.line, err)
		util.Error("Input stopped early: %v", err)
		j.mu.Lock()
		j.err = err
		j.mu.Unlock()
	}
	return types.Message{}, false
}

// Err returns the read error that ended the input, nil after a clean EOF.
// Only meaningful once the iterator has reported the end.
func (j *JSONLines) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Source wraps the reader for concurrent workers; with queueSize > 0 a
// producer goroutine prefetches into a bounded queue. Either way a read
// error is returned from Next instead of ErrExhausted.
func (j *JSONLines) Source(ctx context.Context, queueSize int) Source {
	if queueSize > 0 {
		return NewQueue(ctx, func(ctx context.Context, emit Emit) error {
			if err := j.Iterator().Produce(ctx, emit); err != nil {
				return err
			}
			return j.Err()
		}, queueSize)
	}
	return FromFallibleIterator(j.Iterator(), j.Err)
}

func (j *JSONLines) Close() error {
	return j.f.Close()
}
