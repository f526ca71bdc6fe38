package subledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sardis-labs/paycore/internal/idgen"
	"github.com/sardis-labs/paycore/internal/money"
)

// PostgresStore persists sub-ledger balances in an agent_balances table and
// entries in a subledger_entries table, numeric columns scaled to
// money.Decimals. Single-account mutations use a conditional UPDATE whose
// WHERE clause re-checks the balance, so a concurrent debit that would
// overdraw fails the row-count check instead of corrupting state; two-account
// mutations (Transfer, SettleHold, ReleaseEscrow) run inside one
// serializable transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed sub-ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	var b Balance
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, available, pending, escrowed, credit_limit, credit_used, total_in, total_out, updated_at
		FROM agent_balances WHERE account_id = $1
	`, accountID).Scan(&b.AccountID, &b.Available, &b.Pending, &b.Escrowed, &b.CreditLimit, &b.CreditUsed, &b.TotalIn, &b.TotalOut, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return Balance{}, ErrAccountNotFound
	}
	if err != nil {
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) insertEntry(ctx context.Context, q querier, accountID string, typ EntryType, amount money.Amount, txHash, reference, description string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO subledger_entries (id, account_id, type, amount, tx_hash, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, idgen.WithPrefix("entry_"), accountID, string(typ), amount, txHash, reference, description)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) Credit(ctx context.Context, accountID string, amount money.Amount, txHash, description string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if txHash != "" {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM subledger_entries WHERE tx_hash = $1 AND type = 'deposit')`, txHash).Scan(&exists); err != nil {
			return fmt.Errorf("check duplicate deposit: %w", err)
		}
		if exists {
			return ErrDuplicateDeposit
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_balances (account_id, available, total_in, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			available = agent_balances.available + $2,
			total_in  = agent_balances.total_in + $2,
			updated_at = NOW()
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if err := s.insertEntry(ctx, tx, accountID, EntryDeposit, amount, txHash, "", description); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Debit(ctx context.Context, accountID string, amount money.Amount, reference, description string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE agent_balances SET available = available - $2, total_out = total_out + $2, updated_at = NOW()
		WHERE account_id = $1 AND available >= $2
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, err := s.GetBalance(ctx, accountID); err != nil {
			return ErrAccountNotFound
		}
		return ErrInsufficientBalance
	}
	if err := s.insertEntry(ctx, tx, accountID, EntrySpend, amount, "", reference, description); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Refund(ctx context.Context, accountID string, amount money.Amount, reference, description string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE agent_balances SET available = available + $2, total_out = total_out - $2, updated_at = NOW()
		WHERE account_id = $1
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("refund balance: %w", err)
	}
	if err := s.insertEntry(ctx, tx, accountID, EntryRefund, amount, "", reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Withdraw(ctx context.Context, accountID string, amount money.Amount, txHash string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE agent_balances SET available = available - $2, total_out = total_out + $2, updated_at = NOW()
		WHERE account_id = $1 AND available >= $2
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("withdraw balance: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInsufficientBalance
	}
	if err := s.insertEntry(ctx, tx, accountID, EntryWithdrawal, amount, txHash, "", ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetHistory(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, type, amount, COALESCE(tx_hash,''), COALESCE(reference,''), COALESCE(description,''), reversed_at, COALESCE(reversed_by,''), COALESCE(reversal_of,''), created_at
		FROM subledger_entries WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var typ string
		if err := rows.Scan(&e.ID, &e.AccountID, &typ, &e.Amount, &e.TxHash, &e.Reference, &e.Description, &e.ReversedAt, &e.ReversedBy, &e.ReversalOf, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Type = EntryType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM subledger_entries WHERE tx_hash = $1 AND type = 'deposit')`, txHash).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) Hold(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE agent_balances SET available = available - $2, pending = pending + $2, updated_at = NOW()
		WHERE account_id = $1 AND available >= $2
	`, accountID, amount)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInsufficientBalance
	}
	if err := s.insertEntry(ctx, tx, accountID, EntryHold, amount, "", reference, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ConfirmHold(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_balances SET pending = pending - $2, total_out = total_out + $2, updated_at = NOW()
		WHERE account_id = $1 AND pending >= $2
	`, accountID, amount)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *PostgresStore) ReleaseHold(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_balances SET pending = pending - $2, available = available + $2, updated_at = NOW()
		WHERE account_id = $1 AND pending >= $2
	`, accountID, amount)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *PostgresStore) EscrowLock(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE agent_balances SET available = available - $2, escrowed = escrowed + $2, updated_at = NOW()
		WHERE account_id = $1 AND available >= $2
	`, accountID, amount)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInsufficientBalance
	}
	if err := s.insertEntry(ctx, tx, accountID, EntryEscrow, amount, "", reference, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ReleaseEscrow(ctx context.Context, buyerID, sellerID string, amount money.Amount, reference string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	first, second := buyerID, sellerID
	if second < first {
		first, second = second, first
	}
	for _, id := range []string{first, second} {
		if _, err := tx.ExecContext(ctx, `SELECT 1 FROM agent_balances WHERE account_id = $1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("lock account %s: %w", id, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE agent_balances SET escrowed = escrowed - $2, total_out = total_out + $2, updated_at = NOW()
		WHERE account_id = $1 AND escrowed >= $2
	`, buyerID, amount)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_balances (account_id, available, total_in, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			available = agent_balances.available + $2, total_in = agent_balances.total_in + $2, updated_at = NOW()
	`, sellerID, amount)
	if err != nil {
		return err
	}

	if err := s.insertEntry(ctx, tx, sellerID, EntryEscrow, amount, "", reference, "escrow release from "+buyerID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) RefundEscrow(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_balances SET escrowed = escrowed - $2, available = available + $2, updated_at = NOW()
		WHERE account_id = $1 AND escrowed >= $2
	`, accountID, amount)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *PostgresStore) SetCreditLimit(ctx context.Context, accountID string, limit money.Amount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_balances (account_id, credit_limit, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET credit_limit = $2, updated_at = NOW()
	`, accountID, limit)
	return err
}

func (s *PostgresStore) UseCredit(ctx context.Context, accountID string, amount money.Amount) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_balances SET credit_used = credit_used + $2, updated_at = NOW()
		WHERE account_id = $1 AND credit_used + $2 <= credit_limit
	`, accountID, amount)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *PostgresStore) RepayCredit(ctx context.Context, accountID string, amount money.Amount) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_balances SET credit_used = GREATEST(credit_used - $2, 0), updated_at = NOW()
		WHERE account_id = $1
	`, accountID, amount)
	return err
}

func (s *PostgresStore) GetCreditInfo(ctx context.Context, accountID string) (money.Amount, money.Amount, error) {
	var limit, used money.Amount
	err := s.db.QueryRowContext(ctx, `SELECT credit_limit, credit_used FROM agent_balances WHERE account_id = $1`, accountID).Scan(&limit, &used)
	if err == sql.ErrNoRows {
		return money.Zero(), money.Zero(), ErrAccountNotFound
	}
	return limit, used, err
}

func (s *PostgresStore) SumAllBalances(ctx context.Context) (money.Amount, money.Amount, money.Amount, error) {
	var avail, pend, escrow money.Amount
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(available),0), COALESCE(SUM(pending),0), COALESCE(SUM(escrowed),0) FROM agent_balances
	`).Scan(&avail, &pend, &escrow)
	return avail, pend, escrow, err
}

func (s *PostgresStore) Transfer(ctx context.Context, fromID, toID string, amount money.Amount, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	first, second := fromID, toID
	if second < first {
		first, second = second, first
	}
	for _, id := range []string{first, second} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_balances (account_id, updated_at) VALUES ($1, NOW()) ON CONFLICT DO NOTHING
		`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `SELECT 1 FROM agent_balances WHERE account_id = $1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("lock account %s: %w", id, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE agent_balances SET available = available - $2, total_out = total_out + $2, updated_at = NOW()
		WHERE account_id = $1 AND available >= $2
	`, fromID, amount)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE agent_balances SET available = available + $2, total_in = total_in + $2, updated_at = NOW()
		WHERE account_id = $1
	`, toID, amount); err != nil {
		return err
	}

	if err := s.insertEntry(ctx, tx, fromID, EntryTransfer, amount, "", reference, "to "+toID); err != nil {
		return err
	}
	if err := s.insertEntry(ctx, tx, toID, EntryTransfer, amount, "", reference, "from "+fromID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) SettleHold(ctx context.Context, buyerID, sellerID string, amount money.Amount, reference string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE agent_balances SET pending = pending - $2, total_out = total_out + $2, updated_at = NOW()
		WHERE account_id = $1 AND pending >= $2
	`, buyerID, amount)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_balances (account_id, available, total_in, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			available = agent_balances.available + $2, total_in = agent_balances.total_in + $2, updated_at = NOW()
	`, sellerID, amount)
	return tx.Commit()
}

func (s *PostgresStore) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	var e Entry
	var typ string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, type, amount, COALESCE(tx_hash,''), COALESCE(reference,''), COALESCE(description,''), reversed_at, COALESCE(reversed_by,''), COALESCE(reversal_of,''), created_at
		FROM subledger_entries WHERE id = $1
	`, entryID).Scan(&e.ID, &e.AccountID, &typ, &e.Amount, &e.TxHash, &e.Reference, &e.Description, &e.ReversedAt, &e.ReversedBy, &e.ReversalOf, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return Entry{}, ErrEntryNotFound
	}
	e.Type = EntryType(typ)
	return e, err
}

func (s *PostgresStore) Reverse(ctx context.Context, entryID, reason, actorID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var accountID, typ string
	var amount money.Amount
	var reversedAt *time.Time
	err = tx.QueryRowContext(ctx, `SELECT account_id, type, amount, reversed_at FROM subledger_entries WHERE id = $1 FOR UPDATE`, entryID).
		Scan(&accountID, &typ, &amount, &reversedAt)
	if err == sql.ErrNoRows {
		return ErrEntryNotFound
	}
	if err != nil {
		return err
	}
	if reversedAt != nil {
		return ErrAlreadyReversed
	}

	switch EntryType(typ) {
	case EntryDeposit:
		if _, err := tx.ExecContext(ctx, `UPDATE agent_balances SET available = available - $2, total_in = total_in - $2, updated_at = NOW() WHERE account_id = $1`, accountID, amount); err != nil {
			return err
		}
	case EntrySpend:
		if _, err := tx.ExecContext(ctx, `UPDATE agent_balances SET available = available + $2, total_out = total_out - $2, updated_at = NOW() WHERE account_id = $1`, accountID, amount); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE subledger_entries SET reversed_at = NOW(), reversed_by = $2 WHERE id = $1`, entryID, actorID); err != nil {
		return err
	}
	if err := s.insertEntry(ctx, tx, accountID, EntryType(typ), amount.Neg(), "", reason, "reversal of "+entryID); err != nil {
		return err
	}
	return tx.Commit()
}
