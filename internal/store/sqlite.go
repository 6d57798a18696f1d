package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"mxcrypt/internal/domain/interfaces"
)

// SQLiteStore keeps the same encoded records as MemoryStore in a SQLite table,
// one row per record.
type SQLiteStore struct {
	db *dbutil.Database
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func OpenSQLiteStore(ctx context.Context, path string, log zerolog.Logger) (*SQLiteStore, error) {
	raw, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(1)
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "sqlite_store").Logger())
	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS crypto_record (
			bucket TEXT NOT NULL,
			key BLOB NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (bucket, key)
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure crypto store schema: %w", err)
		}
	}
	return nil
}

// Txn runs fn inside a database transaction; returning an error rolls back.
func (s *SQLiteStore) Txn(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		return fn(newWriter(sqlKV{db: s.db, ctx: ctx}))
	})
}

// View runs fn inside a transaction so every read sees one snapshot.
func (s *SQLiteStore) View(ctx context.Context, fn func(tx interfaces.ReadTx) error) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		return fn(newReader(sqlKV{db: s.db, ctx: ctx}))
	})
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Compile-time assertion that SQLiteStore implements interfaces.Store.
var _ interfaces.Store = (*SQLiteStore)(nil)

// sqlKV binds the transaction context DoTxn placed in ctx.
type sqlKV struct {
	db  *dbutil.Database
	ctx context.Context
}

func (k sqlKV) get(bucket, key string) ([]byte, bool, error) {
	var val []byte
	err := k.db.QueryRow(k.ctx, `SELECT value FROM crypto_record WHERE bucket=$1 AND key=$2`, bucket, []byte(key)).Scan(&val)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (k sqlKV) scan(bucket, prefix string, fn func(key string, val []byte) bool) error {
	rows, err := k.db.Query(k.ctx, `
		SELECT key, value FROM crypto_record
		WHERE bucket=$1 AND substr(key, 1, $2)=$3
		ORDER BY key
	`, bucket, len(prefix), []byte(prefix))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key, val []byte
		if err := rows.Scan(&key, &val); err != nil {
			return err
		}
		if !fn(string(key), val) {
			break
		}
	}
	return rows.Err()
}

func (k sqlKV) put(bucket, key string, val []byte) error {
	_, err := k.db.Exec(k.ctx, `
		INSERT INTO crypto_record (bucket, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (bucket, key) DO UPDATE SET value=excluded.value
	`, bucket, []byte(key), val)
	return err
}

func (k sqlKV) del(bucket, key string) error {
	_, err := k.db.Exec(k.ctx, `DELETE FROM crypto_record WHERE bucket=$1 AND key=$2`, bucket, []byte(key))
	return err
}
