package ledgerengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/sardis-labs/paycore/internal/money"
)

// PostgresStore implements Store against Postgres. Schema is managed by the
// goose migrations under cmd/migrate; this type only reads and writes rows.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open *sql.DB. Callers own the connection's
// lifecycle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) NextSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval('ledger_entry_seq')`).Scan(&seq)
	return seq, err
}

func (p *PostgresStore) AppendEntry(ctx context.Context, e Entry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			entry_id, seq, tx_id, account_id, entry_type, sign, amount, fee,
			running_balance, currency, chain, chain_tx_hash, block_number,
			audit_anchor, status, created_at, confirmed_at, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		e.EntryID, e.Seq, e.TxID, e.AccountID, string(e.EntryType), e.Sign,
		e.Amount.String(), e.Fee.String(), e.RunningBalance.String(), e.Currency,
		e.Chain, e.ChainTxHash, e.BlockNumber, e.AuditAnchor, string(e.Status),
		e.CreatedAt, e.ConfirmedAt, metadata,
	)
	return err
}

func (p *PostgresStore) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT entry_id, seq, tx_id, account_id, entry_type, sign, amount, fee,
			running_balance, currency, chain, chain_tx_hash, block_number,
			audit_anchor, status, created_at, confirmed_at, metadata
		FROM ledger_entries WHERE entry_id = $1
	`, entryID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) SetStatus(ctx context.Context, entryID string, status Status) error {
	res, err := p.db.ExecContext(ctx, `UPDATE ledger_entries SET status = $2 WHERE entry_id = $1`, entryID, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (p *PostgresStore) EntriesAfter(ctx context.Context, accountID, currency string, afterSeq int64, at time.Time) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT entry_id, seq, tx_id, account_id, entry_type, sign, amount, fee,
			running_balance, currency, chain, chain_tx_hash, block_number,
			audit_anchor, status, created_at, confirmed_at, metadata
		FROM ledger_entries
		WHERE account_id = $1 AND currency = $2 AND seq > $3 AND created_at <= $4
		ORDER BY seq ASC
	`, accountID, currency, afterSeq, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LatestSnapshot(ctx context.Context, accountID, currency string, at time.Time) (Snapshot, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT snapshot_id, account_id, currency, balance, last_entry_id, last_seq, entry_count, created_at
		FROM ledger_snapshots
		WHERE account_id = $1 AND currency = $2 AND created_at <= $3
		ORDER BY last_seq DESC LIMIT 1
	`, accountID, currency, at)

	var s Snapshot
	var balance string
	err := row.Scan(&s.SnapshotID, &s.AccountID, &s.Currency, &balance, &s.LastEntryID, &s.LastSeq, &s.EntryCount, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	s.Balance = money.MustParse(balance)
	return s, true, nil
}

func (p *PostgresStore) WriteSnapshot(ctx context.Context, s Snapshot) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_snapshots (snapshot_id, account_id, currency, balance, last_entry_id, last_seq, entry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.SnapshotID, s.AccountID, s.Currency, s.Balance.String(), s.LastEntryID, s.LastSeq, s.EntryCount, s.CreatedAt)
	return err
}

func (p *PostgresStore) EntryCount(ctx context.Context, accountID, currency string) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM ledger_entries WHERE account_id = $1 AND currency = $2
	`, accountID, currency).Scan(&count)
	return count, err
}

// ConfirmedChainEntries lists every confirmed entry carrying a chain_tx_hash
// since the given time, for the reconciliation engine.
func (p *PostgresStore) ConfirmedChainEntries(ctx context.Context, since time.Time) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT entry_id, seq, tx_id, account_id, entry_type, sign, amount, fee,
			running_balance, currency, chain, chain_tx_hash, block_number,
			audit_anchor, status, created_at, confirmed_at, metadata
		FROM ledger_entries
		WHERE chain_tx_hash <> '' AND status = 'confirmed' AND created_at >= $1
		ORDER BY seq ASC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var entryType, status, amount, fee, runningBalance string
	var metadata []byte
	err := row.Scan(
		&e.EntryID, &e.Seq, &e.TxID, &e.AccountID, &entryType, &e.Sign, &amount, &fee,
		&runningBalance, &e.Currency, &e.Chain, &e.ChainTxHash, &e.BlockNumber,
		&e.AuditAnchor, &status, &e.CreatedAt, &e.ConfirmedAt, &metadata,
	)
	if err != nil {
		return Entry{}, err
	}
	e.EntryType = EntryType(entryType)
	e.Status = Status(status)
	e.Amount = money.MustParse(amount)
	e.Fee = money.MustParse(fee)
	e.RunningBalance = money.MustParse(runningBalance)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &e.Metadata)
	}
	return e, nil
}
