package store

import (
	"fmt"
	"path/filepath"

	"mxcrypt/internal/domain/interfaces"
)

const storeFilename = "crypto.store"

// FileStore is a MemoryStore whose every commit is written to an encrypted
// snapshot file under the configured directory.
type FileStore struct {
	*MemoryStore
	file snapshotFile
	env  *envelope
}

// FileOption tweaks OpenFileStore.
type FileOption func(*fileOptions)

type fileOptions struct{ params scryptParams }

// WithScrypt overrides the key derivation cost for newly created stores.
func WithScrypt(n, r, p int) FileOption {
	return func(o *fileOptions) { o.params = scryptParams{N: n, R: r, P: p} }
}

// OpenFileStore opens (or creates) the encrypted store in dir.
func OpenFileStore(dir, passphrase string, opts ...FileOption) (*FileStore, error) {
	o := fileOptions{params: scryptParamsDefault()}
	for _, opt := range opts {
		opt(&o)
	}
	fs := &FileStore{MemoryStore: NewMemoryStore(), file: snapshotFile{path: filepath.Join(dir, storeFilename)}}

	b, err := fs.file.load()
	if err != nil {
		return nil, err
	}
	if b == nil {
		if fs.env, err = newEnvelope(passphrase, o.params); err != nil {
			return nil, err
		}
	} else {
		env, raw, err := openBlob(passphrase, b)
		if err != nil {
			return nil, err
		}
		data := buckets{}
		if err := unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode store snapshot: %w", err)
		}
		fs.env = env
		fs.MemoryStore.data = data
	}
	fs.MemoryStore.persist = fs.write
	return fs, nil
}

func (fs *FileStore) write(data buckets) error {
	raw, err := marshal(data)
	if err != nil {
		return err
	}
	sealed, err := fs.env.seal(raw)
	if err != nil {
		return err
	}
	return fs.file.save(sealed)
}

// Close wipes the derived key.
func (fs *FileStore) Close() error {
	err := fs.MemoryStore.Close()
	fs.env.wipe()
	return err
}

// Compile-time assertion that FileStore implements interfaces.Store.
var _ interfaces.Store = (*FileStore)(nil)
