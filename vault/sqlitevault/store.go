package sqlitevault

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-client/vault"
	"github.com/jrsteele09/go-auth-client/vault/sqlitevault/migrations"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const migrationTable = "schema_migrations"

var _ vault.Vault = (*Store)(nil)
var _ vault.Batcher = (*Store)(nil)

// Store is a credential vault backed by a single app-private SQLite file.
// Values are sealed before they reach the database.
type Store struct {
	sqlDB  *sql.DB
	sealer *vault.Sealer
	now    func() time.Time
}

// Open opens the vault file at path, restricts it to the current user and
// applies bundled migrations.
func Open(path string, sealer *vault.Sealer) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("[sqlitevault.Open] storage path is required")
	}
	if sealer == nil {
		return nil, errors.New("[sqlitevault.Open] sealer is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return nil, errors.Wrap(err, "[sqlitevault.Open] create directory")
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "[sqlitevault.Open] open sqlite db")
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "[sqlitevault.Open] ping sqlite db")
	}
	if err := os.Chmod(cleanPath, 0o600); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "[sqlitevault.Open] restrict permissions")
	}

	store := &Store{sqlDB: sqlDB, sealer: sealer, now: time.Now}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "[sqlitevault.Open] run migrations")
	}
	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var sealed string
	err := s.sqlDB.QueryRowContext(ctx, "SELECT value FROM credentials WHERE key = ?", key).Scan(&sealed)
	if err == sql.ErrNoRows {
		return "", vault.ErrNotFound
	}
	if err != nil {
		return "", vault.NewStorageError("get", key, err)
	}
	value, err := s.sealer.Open(key, sealed)
	if err != nil {
		return "", vault.NewStorageError("get", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.Apply(ctx, map[string]string{key: value}, nil)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM credentials WHERE key = ?", key); err != nil {
		return vault.NewStorageError("delete", key, err)
	}
	return nil
}

// Apply writes sets and deletes in one transaction.
func (s *Store) Apply(ctx context.Context, sets map[string]string, deletes []string) error {
	sealed := make(map[string]string, len(sets))
	for key, value := range sets {
		v, err := s.sealer.Seal(key, value)
		if err != nil {
			return vault.NewStorageError("set", key, err)
		}
		sealed[key] = v
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return vault.NewStorageError("apply", "", err)
	}
	updatedAt := s.now().UTC().UnixMilli()
	for key, value := range sealed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, updatedAt,
		); err != nil {
			_ = tx.Rollback()
			return vault.NewStorageError("set", key, err)
		}
	}
	for _, key := range deletes {
		if _, err := tx.ExecContext(ctx, "DELETE FROM credentials WHERE key = ?", key); err != nil {
			_ = tx.Rollback()
			return vault.NewStorageError("delete", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return vault.NewStorageError("apply", "", err)
	}
	return nil
}

// runMigrations executes embedded migrations at most once per file.
func (s *Store) runMigrations() error {
	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`, migrationTable)
	if _, err := s.sqlDB.Exec(createSQL); err != nil {
		return errors.Wrap(err, "ensure migration table")
	}

	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return errors.Wrap(err, "read migrations dir")
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		var found int
		err := s.sqlDB.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", file).Scan(&found)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return errors.Wrapf(err, "check migration %s", file)
		}

		content, err := fs.ReadFile(migrations.FS, file)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", file)
		}
		tx, err := s.sqlDB.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin migration %s", file)
		}
		if _, err := tx.Exec(extractUpMigration(string(content))); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "exec migration %s", file)
		}
		if _, err := tx.Exec(
			"INSERT INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
			file, s.now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "record migration %s", file)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %s", file)
		}
	}
	return nil
}

// extractUpMigration returns the SQL in the -- +migrate Up section.
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}
