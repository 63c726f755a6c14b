//go:build !linux
// +build !linux

package ledger

import "os"

func openJournal(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func syncJournal(f *os.File) error {
	return f.Sync()
}
