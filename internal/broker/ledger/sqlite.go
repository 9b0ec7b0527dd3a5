package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS delivery_records (
	message_id      TEXT PRIMARY KEY,
	instrument_id   TEXT NOT NULL,
	native_sequence TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	duplicate_count INTEGER NOT NULL DEFAULT 0,
	first_seen      TIMESTAMP NOT NULL,
	last_attempt    TIMESTAMP,
	last_error      TEXT NOT NULL DEFAULT '',
	raw_message     BLOB
);
CREATE INDEX IF NOT EXISTS idx_delivery_records_status
	ON delivery_records(status);
CREATE INDEX IF NOT EXISTS idx_delivery_records_instrument
	ON delivery_records(instrument_id);
`

// SQLiteStore persists delivery records in a SQLite database. Use ":memory:"
// as the path for an in-memory database in tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the delivery record database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "labflow_ledger.db"
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, messageID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, instrument_id, native_sequence, status,
		       attempt_count, duplicate_count, first_seen, last_attempt,
		       last_error, raw_message
		FROM delivery_records WHERE message_id = ?`, messageID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_records
			(message_id, instrument_id, native_sequence, status,
			 attempt_count, duplicate_count, first_seen, last_attempt,
			 last_error, raw_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MessageID, rec.InstrumentID, rec.NativeSequence, string(rec.Status),
		rec.AttemptCount, rec.DuplicateCount, rec.FirstSeen, nullableTime(rec.LastAttempt),
		rec.LastError, rec.RawMessage)
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, rec Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = ?, attempt_count = ?, duplicate_count = ?,
		    last_attempt = ?, last_error = ?
		WHERE message_id = ?`,
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

func (s *SQLiteStore) List(ctx context.Context, status Status, limit int) ([]Record, error) {
	query := `
		SELECT message_id, instrument_id, native_sequence, status,
		       attempt_count, duplicate_count, first_seen, last_attempt,
		       last_error, raw_message
		FROM delivery_records WHERE status = ?
		ORDER BY first_seen ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT ?"
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

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var status string
	var lastAttempt sql.NullTime
	err := row.Scan(&rec.MessageID, &rec.InstrumentID, &rec.NativeSequence,
		&status, &rec.AttemptCount, &rec.DuplicateCount, &rec.FirstSeen,
		&lastAttempt, &rec.LastError, &rec.RawMessage)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if lastAttempt.Valid {
		rec.LastAttempt = lastAttempt.Time
	}
	return rec, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
