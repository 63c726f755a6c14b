package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/downfa11-org/posttimes/pkg/types"
)

// File appends records as JSON lines. Commit flushes the buffer and syncs the
// journal to disk.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := openJournal(path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	w := bufio.NewWriterSize(f, 64<<10)
	return &File{path: path, f: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (j *File) InsertBatch(_ context.Context, recs []types.DeliveryRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	for _, r := range recs {
		if err := j.enc.Encode(r); err != nil {
			return fmt.Errorf("append to %s: %w", j.path, err)
		}
	}
	return nil
}

func (j *File) Commit(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", j.path, err)
	}
	if err := syncJournal(j.f); err != nil {
		return fmt.Errorf("sync %s: %w", j.path, err)
	}
	return nil
}

func (j *File) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	ferr := j.w.Flush()
	cerr := j.f.Close()
	j.f = nil
	return errors.Join(ferr, cerr)
}
