package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS delivery_records (
	message_id      TEXT PRIMARY KEY,
	instrument_id   TEXT NOT NULL,
	native_sequence TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	duplicate_count INTEGER NOT NULL DEFAULT 0,
	first_seen      TIMESTAMPTZ NOT NULL,
	last_attempt    TIMESTAMPTZ,
	last_error      TEXT NOT NULL DEFAULT '',
	raw_message     BYTEA
);
CREATE INDEX IF NOT EXISTS idx_delivery_records_status
	ON delivery_records(status);
CREATE INDEX IF NOT EXISTS idx_delivery_records_instrument
	ON delivery_records(instrument_id);
`

// PostgresStore persists delivery records in PostgreSQL, for deployments
// where several broker instances share one ledger.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection pool. The schema is
// assumed to exist; tests use this with sqlmock.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, messageID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, instrument_id, native_sequence, status,
		       attempt_count, duplicate_count, first_seen, last_attempt,
		       last_error, raw_message
		FROM delivery_records WHERE message_id = $1`, messageID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_records
			(message_id, instrument_id, native_sequence, status,
			 attempt_count, duplicate_count, first_seen, last_attempt,
			 last_error, raw_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.MessageID, rec.InstrumentID, rec.NativeSequence, string(rec.Status),
		rec.AttemptCount, rec.DuplicateCount, rec.FirstSeen, nullableTime(rec.LastAttempt),
		rec.LastError, rec.RawMessage)
	return err
}

func (s *PostgresStore) Update(ctx context.Context, rec Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = $1, attempt_count = $2, duplicate_count = $3,
		    last_attempt = $4, last_error = $5
		WHERE message_id = $6`,
		string(rec.Status), rec.AttemptCount, rec.DuplicateCount,
		nullableTime(rec.LastAttempt), rec.LastError, rec.MessageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ledger: update of unknown record %s", rec.MessageID)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, status Status, limit int) ([]Record, error) {
	query := `
		SELECT message_id, instrument_id, native_sequence, status,
		       attempt_count, duplicate_count, first_seen, last_attempt,
		       last_error, raw_message
		FROM delivery_records WHERE status = $1
		ORDER BY first_seen ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }
