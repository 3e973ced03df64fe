package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ishenwei/smart-trip-quote/internal/extract"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS travel_requirements (
	requirement_id TEXT PRIMARY KEY,
	origin         TEXT NOT NULL DEFAULT '',
	destinations   TEXT NOT NULL DEFAULT '',
	trip_days      INTEGER,
	group_adults   INTEGER,
	group_children INTEGER,
	group_seniors  INTEGER,
	group_total    INTEGER,
	start_date     TEXT,
	end_date       TEXT,
	is_flexible    INTEGER,
	transport_type TEXT NOT NULL DEFAULT '',
	hotel_level    TEXT NOT NULL DEFAULT '',
	rhythm         TEXT NOT NULL DEFAULT '',
	budget_level   TEXT NOT NULL DEFAULT '',
	currency       TEXT NOT NULL DEFAULT '',
	budget_min     REAL,
	budget_max     REAL,
	source_type    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT '',
	payload        TEXT NOT NULL,
	origin_input   TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL
)`

// SQLiteStore handles travel_requirements persistence on an embedded
// SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens path with the pure-Go driver and ensures the schema.
// In-memory databases are limited to one connection so every query sees
// the same data.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure travel_requirements schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) CreateFromStructured(ctx context.Context, req *extract.Requirement) (string, error) {
	rec, err := newRecord(req, s.now())
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO travel_requirements (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.args()...)
	if err != nil {
		if isSQLiteConstraint(err) {
			return "", fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
		}
		return "", fmt.Errorf("insert requirement: %w", err)
	}
	return rec.ID, nil
}

func (s *SQLiteStore) Get(ctx context.Context, requirementID string) (*extract.Requirement, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM travel_requirements WHERE requirement_id = ?`,
		requirementID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requirementID)
	}
	if err != nil {
		return nil, fmt.Errorf("load requirement: %w", err)
	}
	return decodePayload([]byte(payload))
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteConstraint(err error) bool {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		code := sqlErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
