package subledger

import (
	"context"
	"sync"
	"time"

	"github.com/sardis-labs/paycore/internal/idgen"
	"github.com/sardis-labs/paycore/internal/money"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]*Balance
	entries  map[string]*Entry
	order    []*Entry
	deposits map[string]bool
}

// NewMemoryStore creates an empty in-memory sub-ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make(map[string]*Entry),
		deposits: make(map[string]bool),
	}
}

func (s *MemoryStore) account(id string) *Balance {
	bal, ok := s.balances[id]
	if !ok {
		bal = &Balance{
			AccountID:   id,
			Available:   money.Zero(),
			Pending:     money.Zero(),
			Escrowed:    money.Zero(),
			CreditLimit: money.Zero(),
			CreditUsed:  money.Zero(),
			TotalIn:     money.Zero(),
			TotalOut:    money.Zero(),
		}
		s.balances[id] = bal
	}
	return bal
}

func (s *MemoryStore) record(e *Entry) {
	e.ID = idgen.WithPrefix("entry_")
	e.CreatedAt = time.Now().UTC()
	s.entries[e.ID] = e
	s.order = append(s.order, e)
}

func (s *MemoryStore) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[accountID]
	if !ok {
		return Balance{}, ErrAccountNotFound
	}
	return *bal, nil
}

func (s *MemoryStore) Credit(ctx context.Context, accountID string, amount money.Amount, txHash, description string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if txHash != "" && s.deposits[txHash] {
		return ErrDuplicateDeposit
	}

	bal := s.account(accountID)
	bal.Available = bal.Available.Add(amount)
	bal.TotalIn = bal.TotalIn.Add(amount)
	bal.UpdatedAt = time.Now().UTC()

	if txHash != "" {
		s.deposits[txHash] = true
	}
	s.record(&Entry{AccountID: accountID, Type: EntryDeposit, Amount: amount, TxHash: txHash, Description: description})
	return nil
}

func (s *MemoryStore) Debit(ctx context.Context, accountID string, amount money.Amount, reference, description string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.Available.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Available = bal.Available.Sub(amount)
	bal.TotalOut = bal.TotalOut.Add(amount)
	bal.UpdatedAt = time.Now().UTC()

	s.record(&Entry{AccountID: accountID, Type: EntrySpend, Amount: amount, Reference: reference, Description: description})
	return nil
}

func (s *MemoryStore) Refund(ctx context.Context, accountID string, amount money.Amount, reference, description string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.account(accountID)
	bal.Available = bal.Available.Add(amount)
	bal.TotalOut = bal.TotalOut.Sub(amount)
	bal.UpdatedAt = time.Now().UTC()

	s.record(&Entry{AccountID: accountID, Type: EntryRefund, Amount: amount, Reference: reference, Description: description})
	return nil
}

func (s *MemoryStore) Withdraw(ctx context.Context, accountID string, amount money.Amount, txHash string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.Available.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Available = bal.Available.Sub(amount)
	bal.TotalOut = bal.TotalOut.Add(amount)
	bal.UpdatedAt = time.Now().UTC()

	s.record(&Entry{AccountID: accountID, Type: EntryWithdrawal, Amount: amount, TxHash: txHash})
	return nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.order[i].AccountID == accountID {
			out = append(out, *s.order[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deposits[txHash], nil
}

func (s *MemoryStore) Hold(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.Available.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Available = bal.Available.Sub(amount)
	bal.Pending = bal.Pending.Add(amount)
	bal.UpdatedAt = time.Now().UTC()

	s.record(&Entry{AccountID: accountID, Type: EntryHold, Amount: amount, Reference: reference})
	return nil
}

func (s *MemoryStore) ConfirmHold(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.Pending.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Pending = bal.Pending.Sub(amount)
	bal.TotalOut = bal.TotalOut.Add(amount)
	bal.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ReleaseHold(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.Pending.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Pending = bal.Pending.Sub(amount)
	bal.Available = bal.Available.Add(amount)
	bal.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) EscrowLock(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.Available.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Available = bal.Available.Sub(amount)
	bal.Escrowed = bal.Escrowed.Add(amount)
	bal.UpdatedAt = time.Now().UTC()

	s.record(&Entry{AccountID: accountID, Type: EntryEscrow, Amount: amount, Reference: reference})
	return nil
}

func (s *MemoryStore) ReleaseEscrow(ctx context.Context, buyerID, sellerID string, amount money.Amount, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buyer, ok := s.balances[buyerID]
	if !ok {
		return ErrAccountNotFound
	}
	if buyer.Escrowed.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	seller := s.account(sellerID)

	buyer.Escrowed = buyer.Escrowed.Sub(amount)
	buyer.TotalOut = buyer.TotalOut.Add(amount)
	seller.Available = seller.Available.Add(amount)
	seller.TotalIn = seller.TotalIn.Add(amount)

	now := time.Now().UTC()
	buyer.UpdatedAt, seller.UpdatedAt = now, now

	s.record(&Entry{AccountID: sellerID, Type: EntryEscrow, Amount: amount, Reference: reference, Description: "escrow release from " + buyerID})
	return nil
}

func (s *MemoryStore) RefundEscrow(ctx context.Context, accountID string, amount money.Amount, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.Escrowed.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Escrowed = bal.Escrowed.Sub(amount)
	bal.Available = bal.Available.Add(amount)
	bal.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetCreditLimit(ctx context.Context, accountID string, limit money.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.account(accountID)
	bal.CreditLimit = limit
	return nil
}

func (s *MemoryStore) UseCredit(ctx context.Context, accountID string, amount money.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.CreditUsed.Add(amount).Cmp(bal.CreditLimit) > 0 {
		return ErrInsufficientBalance
	}
	bal.CreditUsed = bal.CreditUsed.Add(amount)
	return nil
}

func (s *MemoryStore) RepayCredit(ctx context.Context, accountID string, amount money.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	bal.CreditUsed = bal.CreditUsed.Sub(amount)
	if bal.CreditUsed.IsNegative() {
		bal.CreditUsed = money.Zero()
	}
	return nil
}

func (s *MemoryStore) GetCreditInfo(ctx context.Context, accountID string) (money.Amount, money.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[accountID]
	if !ok {
		return money.Zero(), money.Zero(), ErrAccountNotFound
	}
	return bal.CreditLimit, bal.CreditUsed, nil
}

func (s *MemoryStore) SumAllBalances(ctx context.Context) (money.Amount, money.Amount, money.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	avail, pend, escrow := money.Zero(), money.Zero(), money.Zero()
	for _, b := range s.balances {
		avail = avail.Add(b.Available)
		pend = pend.Add(b.Pending)
		escrow = escrow.Add(b.Escrowed)
	}
	return avail, pend, escrow, nil
}

// Transfer acquires the single store-wide lock, so two concurrent transfers
// involving overlapping accounts cannot interleave — the in-memory
// equivalent of sorted per-row locking in a SQL transaction.
func (s *MemoryStore) Transfer(ctx context.Context, fromID, toID string, amount money.Amount, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.balances[fromID]
	if !ok {
		return ErrAccountNotFound
	}
	if from.Available.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	to := s.account(toID)

	from.Available = from.Available.Sub(amount)
	from.TotalOut = from.TotalOut.Add(amount)
	to.Available = to.Available.Add(amount)
	to.TotalIn = to.TotalIn.Add(amount)

	now := time.Now().UTC()
	from.UpdatedAt, to.UpdatedAt = now, now

	s.record(&Entry{AccountID: fromID, Type: EntryTransfer, Amount: amount, Reference: reference, Description: "to " + toID})
	s.record(&Entry{AccountID: toID, Type: EntryTransfer, Amount: amount, Reference: reference, Description: "from " + fromID})
	return nil
}

func (s *MemoryStore) SettleHold(ctx context.Context, buyerID, sellerID string, amount money.Amount, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buyer, ok := s.balances[buyerID]
	if !ok {
		return ErrAccountNotFound
	}
	if buyer.Pending.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	seller := s.account(sellerID)

	buyer.Pending = buyer.Pending.Sub(amount)
	buyer.TotalOut = buyer.TotalOut.Add(amount)
	seller.Available = seller.Available.Add(amount)
	seller.TotalIn = seller.TotalIn.Add(amount)

	now := time.Now().UTC()
	buyer.UpdatedAt, seller.UpdatedAt = now, now
	return nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return *e, nil
}

func (s *MemoryStore) Reverse(ctx context.Context, entryID, reason, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	if e.ReversedAt != nil {
		return ErrAlreadyReversed
	}
	now := time.Now().UTC()
	e.ReversedAt = &now
	e.ReversedBy = actorID

	bal := s.account(e.AccountID)
	switch e.Type {
	case EntryDeposit:
		bal.Available = bal.Available.Sub(e.Amount)
		bal.TotalIn = bal.TotalIn.Sub(e.Amount)
	case EntrySpend:
		bal.Available = bal.Available.Add(e.Amount)
		bal.TotalOut = bal.TotalOut.Sub(e.Amount)
	}
	bal.UpdatedAt = now

	s.record(&Entry{AccountID: e.AccountID, Type: e.Type, Amount: e.Amount.Neg(), Reference: reason, ReversalOf: entryID})
	return nil
}
