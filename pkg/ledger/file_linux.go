//go:build linux
// +build linux

package ledger

import (
	"os"

	"golang.org/x/sys/unix"
)

func openJournal(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	// Linux: sequential access hint
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	return f, nil
}

func syncJournal(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
