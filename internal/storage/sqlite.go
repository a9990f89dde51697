package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftsync/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_kv (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL
);
`

type kvRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

// SqliteStorage persists keys in a single sqlite table.
type SqliteStorage struct {
	db     *sqlx.DB
	dbPath string
}

// NewSqliteStorage opens (or creates) the store at dbPath. ":memory:" is
// accepted for tests.
func NewSqliteStorage(dbPath string) (*SqliteStorage, error) {
	conn, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1), db.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	return &SqliteStorage{db: conn, dbPath: dbPath}, nil
}

func (s *SqliteStorage) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("storage close", "path", s.dbPath, "error", err)
		return err
	}
	slog.Debug("storage closed", "path", s.dbPath)
	return nil
}

func (s *SqliteStorage) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.Get(&value, "SELECT value FROM sync_kv WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

func (s *SqliteStorage) Set(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.NamedExec(`INSERT OR REPLACE INTO sync_kv (key, value) VALUES (:key, :value)`, kvRow{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *SqliteStorage) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM sync_kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *SqliteStorage) List(prefix string) (map[string][]byte, error) {
	var rows []kvRow
	// range scan on the primary key; LIKE would need escaping of % and _
	err := s.db.Select(&rows, "SELECT key, value FROM sync_kv WHERE key >= ? AND key < ?", prefix, prefixEnd(prefix))
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}

	out := make(map[string][]byte, len(rows))
	for _, row := range rows {
		if strings.HasPrefix(row.Key, prefix) {
			out[row.Key] = row.Value
		}
	}
	return out, nil
}

// Apply writes sets and deletes in one transaction.
func (s *SqliteStorage) Apply(sets map[string][]byte, deletes []string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for key, value := range sets {
		if value == nil {
			value = []byte{}
		}
		if _, err := tx.Exec("INSERT OR REPLACE INTO sync_kv (key, value) VALUES (?, ?)", key, value); err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
	}
	for _, key := range deletes {
		if _, err := tx.Exec("DELETE FROM sync_kv WHERE key = ?", key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Count returns the number of stored keys.
func (s *SqliteStorage) Count() (int, error) {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM sync_kv"); err != nil {
		return 0, fmt.Errorf("count keys: %w", err)
	}
	return count, nil
}

// prefixEnd is the smallest string greater than every string with prefix.
func prefixEnd(prefix string) string {
	if prefix == "" {
		return "\U0010FFFF"
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return "\U0010FFFF"
}
