package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS pending_sales (
		temp_id       TEXT PRIMARY KEY,
		store_id      TEXT NOT NULL,
		created_at_ns BIGINT NOT NULL,
		payload       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS pending_sales_created_idx ON pending_sales (created_at_ns)`,
	`CREATE TABLE IF NOT EXISTS kv_cache (
		cache_key     TEXT PRIMARY KEY,
		value         TEXT NOT NULL,
		updated_at_ns BIGINT NOT NULL
	)`,
}

// Store is the durable queue and cache backed by SQLite on the till or by a
// shared Postgres database on the store server.
type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, driver string, dsn string) (*Store, error) {
	driverName, dsn, err := resolve(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}

	if driverName == DriverSQLite {
		// One writer keeps SQLite transactions from tripping over each other.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxIdleConns(4)
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func resolve(driver string, dsn string) (string, string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		if dsn == "" {
			dsn = "terminal.db"
		}
		if !strings.Contains(dsn, "?") {
			dsn = "file:" + strings.TrimPrefix(dsn, "file:") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
		}
		return DriverSQLite, dsn, nil
	case DriverPostgres, "pgx":
		if dsn == "" {
			return "", "", errors.New("postgres queue requires a DSN")
		}
		return "pgx", dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Enqueue(ctx context.Context, sale domain.PendingSale) error {
	if strings.TrimSpace(sale.TempID) == "" {
		return store.ErrInvalid
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(sale)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO pending_sales (temp_id, store_id, created_at_ns, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (temp_id) DO NOTHING
	`), sale.TempID, sale.StoreID, sale.CreatedAt.UnixNano(), string(payload)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListAll(ctx context.Context) ([]domain.PendingSale, error) {
	var rows []struct {
		TempID  string `db:"temp_id"`
		Payload string `db:"payload"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT temp_id, payload
		FROM pending_sales
		ORDER BY created_at_ns, temp_id
	`); err != nil {
		return nil, err
	}

	out := make([]domain.PendingSale, 0, len(rows))
	for _, row := range rows {
		var sale domain.PendingSale
		if err := json.Unmarshal([]byte(row.Payload), &sale); err != nil {
			return nil, fmt.Errorf("decode pending sale %s: %w", row.TempID, err)
		}
		out = append(out, sale)
	}
	return out, nil
}

func (s *Store) Remove(ctx context.Context, tempIDs ...string) error {
	if len(tempIDs) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`DELETE FROM pending_sales WHERE temp_id IN (?)`, tempIDs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_sales`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pending_sales`); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`SELECT value FROM kv_cache WHERE cache_key = ?`), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return []byte(value), nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO kv_cache (cache_key, value, updated_at_ns)
		VALUES (?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET value = excluded.value, updated_at_ns = excluded.updated_at_ns
	`), key, string(value), time.Now().UTC().UnixNano())
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM kv_cache WHERE cache_key = ?`), key)
	return err
}
