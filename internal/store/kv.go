package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// KV is the opaque key-value persistence contract every KMS component
// programs against.
// Keys are the logical strings from (e.g. "lease:{lease_id}");
// values are opaque byte blobs the caller has already serialized.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// CompareAndSwap atomically replaces key's value with newValue if its
	// current value equals expected (nil expected requires the key to be
	// absent). It reports whether the swap happened. The Lease Engine's
	// per-lease quota read-modify-write builds on it; the Audit Log
	// reserves seq_num under an in-process mutex with plain Put.
	CompareAndSwap(ctx context.Context, key string, expected, newValue []byte) (bool, error)
	// ListPrefix returns keys sorted ascending that begin with prefix.
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
}

// SQLKV is a KV backed by a single kv_store table (sqlite or postgres,
// selected by the driver passed to Open).
type SQLKV struct {
	db *sql.DB
}

func NewSQLKV(db *sql.DB) *SQLKV { return &SQLKV{db: db} }

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv_store WHERE k = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *SQLKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_store (k, v, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at
`, key, value, time.Now().UnixMilli())
	return err
}

func (s *SQLKV) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE k = $1`, key)
	return err
}

func (s *SQLKV) CompareAndSwap(ctx context.Context, key string, expected, newValue []byte) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var current []byte
	err = tx.QueryRowContext(ctx, `SELECT v FROM kv_store WHERE k = $1`, key).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expected != nil {
			return false, nil
		}
	case err != nil:
		return false, err
	default:
		if expected == nil || !bytes.Equal(current, expected) {
			return false, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO kv_store (k, v, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at
`, key, newValue, time.Now().UnixMilli()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLKV) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT k FROM kv_store WHERE k LIKE $1 ORDER BY k ASC`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// MemKV is an in-memory KV used by unit tests, mirroring the style of
// the teacher project's hand-written in-memory test fakes.
type MemKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemKV() *MemKV {
	return &MemKV{data: map[string][]byte{}}
}

func (m *MemKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemKV) CompareAndSwap(_ context.Context, key string, expected, newValue []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.data[key]
	if expected == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || !bytes.Equal(current, expected) {
			return false, nil
		}
	}
	cp := make([]byte, len(newValue))
	copy(cp, newValue)
	m.data[key] = cp
	return true, nil
}

func (m *MemKV) ListPrefix(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}
