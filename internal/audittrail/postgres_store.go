package audittrail

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists the audit chain in a single append-only table.
// Sequence assignment is serialized by selecting the current max(seq) for
// update within the same transaction as the insert, which Postgres's row
// locking makes safe under concurrent writers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT max(seq) FROM audit_entries FOR UPDATE`).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("lock audit tail: %w", err)
	}
	entry.Seq = uint64(maxSeq.Int64) + 1

	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return 0, fmt.Errorf("marshal detail: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries (seq, timestamp, actor, request_id, action, subject, detail, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.Seq, entry.Timestamp, entry.Actor, entry.RequestID, entry.Action, entry.Subject, detail, entry.PrevHash, entry.Hash)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return entry.Seq, nil
}

func (s *PostgresStore) Tail(ctx context.Context, n int) ([]Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if n <= 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT seq, timestamp, actor, request_id, action, subject, detail, prev_hash, hash
			FROM audit_entries ORDER BY seq ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT seq, timestamp, actor, request_id, action, subject, detail, prev_hash, hash
			FROM (
				SELECT seq, timestamp, actor, request_id, action, subject, detail, prev_hash, hash
				FROM audit_entries ORDER BY seq DESC LIMIT $1
			) recent ORDER BY seq ASC`, n)
	}
	if err != nil {
		return nil, fmt.Errorf("query audit tail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var detail []byte
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Actor, &e.RequestID, &e.Action, &e.Subject, &detail, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Head(ctx context.Context) (Entry, error) {
	var e Entry
	var detail []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, timestamp, actor, request_id, action, subject, detail, prev_hash, hash
		FROM audit_entries ORDER BY seq ASC LIMIT 1`).Scan(
		&e.Seq, &e.Timestamp, &e.Actor, &e.RequestID, &e.Action, &e.Subject, &detail, &e.PrevHash, &e.Hash)
	if err == sql.ErrNoRows {
		return Entry{}, ErrEmpty
	}
	if err != nil {
		return Entry{}, fmt.Errorf("query audit head: %w", err)
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return Entry{}, fmt.Errorf("unmarshal detail: %w", err)
		}
	}
	return e, nil
}

func (s *PostgresStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}
