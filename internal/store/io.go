package store

import (
	"errors"
	"os"
	"path/filepath"
)

// snapshotFile is where FileStore keeps its sealed state: the current
// generation at path and the one it replaced at path+".prev".
type snapshotFile struct{ path string }

func (s snapshotFile) prev() string { return s.path + ".prev" }

// load returns the newest snapshot on disk, or nil for a new store. The
// previous generation is only read when the current one is missing, which
// happens when a save stopped between its two renames.
func (s snapshotFile) load() ([]byte, error) {
	for _, p := range []string{s.path, s.prev()} {
		b, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return b, err
	}
	return nil, nil
}

// save writes b next to the snapshot, moves the current generation aside and
// renames the new one into place.
func (s snapshotFile) save(b []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(s.path, s.prev()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Not every platform supports fsync on a directory.
	_ = d.Sync()
	return nil
}
