package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ishenwei/smart-trip-quote/internal/extract"
)

const pgUniqueViolation = "23505"

const postgresSchema = `
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
	is_flexible    BOOLEAN,
	transport_type TEXT NOT NULL DEFAULT '',
	hotel_level    TEXT NOT NULL DEFAULT '',
	rhythm         TEXT NOT NULL DEFAULT '',
	budget_level   TEXT NOT NULL DEFAULT '',
	currency       TEXT NOT NULL DEFAULT '',
	budget_min     DOUBLE PRECISION,
	budget_max     DOUBLE PRECISION,
	source_type    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT '',
	payload        JSONB NOT NULL,
	origin_input   TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore handles travel_requirements persistence on Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects, pings and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore returns a store backed by an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure travel_requirements schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateFromStructured(ctx context.Context, req *extract.Requirement) (string, error) {
	rec, err := newRecord(req, s.now())
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO travel_requirements (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21::jsonb, $22, $23)
	`, rec.args()...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return "", fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
		}
		return "", fmt.Errorf("insert requirement: %w", err)
	}
	return rec.ID, nil
}

func (s *PostgresStore) Get(ctx context.Context, requirementID string) (*extract.Requirement, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload::text FROM travel_requirements WHERE requirement_id = $1`,
		requirementID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requirementID)
	}
	if err != nil {
		return nil, fmt.Errorf("load requirement: %w", err)
	}
	return decodePayload(payload)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
