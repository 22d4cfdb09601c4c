package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteRecorder implements Recorder using SQLite.
type SQLiteRecorder struct {
	db *sqlx.DB
}

// NewSQLiteRecorder opens the audit database and runs migrations.
func NewSQLiteRecorder(dsn string) (*SQLiteRecorder, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, &StoreError{Op: "NewSQLiteRecorder", Message: "failed to open database", Err: ErrConnectionFailed}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &StoreError{Op: "NewSQLiteRecorder", Message: "failed to ping database", Err: ErrConnectionFailed}
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, &StoreError{Op: "NewSQLiteRecorder", Message: err.Error(), Err: ErrMigrationFailed}
	}

	return &SQLiteRecorder{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

// entryRow is a dispatch_log row.
type entryRow struct {
	ID        string `db:"id"`
	Tenant    string `db:"tenant"`
	Action    string `db:"action"`
	Method    string `db:"method"`
	Status    int    `db:"status"`
	FaultType string `db:"fault_type"`
	CreatedAt string `db:"created_at"`
}

// Record inserts one dispatch entry, assigning an id and timestamp when the
// caller left them empty.
func (r *SQLiteRecorder) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	row := entryRow{
		ID:        entry.ID,
		Tenant:    entry.Tenant,
		Action:    entry.Action,
		Method:    entry.Method,
		Status:    entry.Status,
		FaultType: entry.FaultType,
		CreatedAt: entry.CreatedAt.Format(time.RFC3339Nano),
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO dispatch_log (id, tenant, action, method, status, fault_type, created_at)
		VALUES (:id, :tenant, :action, :method, :status, :fault_type, :created_at)`, row)
	if err != nil {
		return &StoreError{Op: "Record", Message: err.Error(), Err: err}
	}
	return nil
}

// Recent returns the newest entries for a tenant, most recent first.
func (r *SQLiteRecorder) Recent(ctx context.Context, tenant string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []entryRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, tenant, action, method, status, fault_type, created_at
		FROM dispatch_log
		WHERE tenant = ?
		ORDER BY created_at DESC
		LIMIT ?`, tenant, limit)
	if err != nil {
		return nil, &StoreError{Op: "Recent", Message: err.Error(), Err: err}
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
		if err != nil {
			return nil, &StoreError{Op: "Recent", Message: "invalid created_at: " + row.CreatedAt, Err: err}
		}
		entries = append(entries, Entry{
			ID:        row.ID,
			Tenant:    row.Tenant,
			Action:    row.Action,
			Method:    row.Method,
			Status:    row.Status,
			FaultType: row.FaultType,
			CreatedAt: createdAt,
		})
	}
	return entries, nil
}
