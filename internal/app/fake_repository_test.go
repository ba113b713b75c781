package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/accountclient"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
)

// fakeRepository is an in-memory store.Repository. The combined money steps
// hold the mutex across the balance mutation and the status advance, matching
// the single-transaction semantics of the real repository.
type fakeRepository struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]*domain.Account
	transfers map[string]*domain.TransferRecord
	history   map[string][]domain.TransferStatus

	// Injection knobs: each counter forces that many version conflicts
	// before the step is allowed through.
	debitConflicts   int
	creditConflicts  int
	reverseConflicts int
	// hideNextFind makes the next FindTransferByKey miss even when the
	// record exists, simulating the window of a concurrent create race.
	hideNextFind bool
	// vanishOnDebit deletes the given account right after a successful
	// debit, simulating a receiver removed while the transfer is in flight.
	vanishOnDebit uuid.UUID
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		accounts:  make(map[uuid.UUID]*domain.Account),
		transfers: make(map[string]*domain.TransferRecord),
		history:   make(map[string][]domain.TransferStatus),
	}
}

func (f *fakeRepository) seedAccount(balance int64) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	now := time.Now().UTC()
	f.accounts[id] = &domain.Account{ID: id, Balance: balance, Version: 1, CreatedAt: now, UpdatedAt: now}
	return id
}

func (f *fakeRepository) balanceOf(id uuid.UUID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[id].Balance
}

func (f *fakeRepository) statusHistory(key string) []domain.TransferStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TransferStatus(nil), f.history[key]...)
}

func copyAccount(a *domain.Account) *domain.Account {
	cp := *a
	return &cp
}

func copyTransfer(r *domain.TransferRecord) *domain.TransferRecord {
	cp := *r
	return &cp
}

func (f *fakeRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return copyAccount(account), nil
}

func (f *fakeRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.accounts[account.ID]; exists {
		return store.ErrDuplicateAccount
	}
	now := time.Now().UTC()
	account.Version = 1
	account.CreatedAt = now
	account.UpdatedAt = now
	f.accounts[account.ID] = copyAccount(account)
	return nil
}

func (f *fakeRepository) ApplyDelta(ctx context.Context, id uuid.UUID, delta int64, expectedVersion int64) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyDeltaLocked(id, delta, expectedVersion)
}

func (f *fakeRepository) applyDeltaLocked(id uuid.UUID, delta int64, expectedVersion int64) (*domain.Account, error) {
	account, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if account.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	if account.Balance+delta < 0 {
		return nil, store.ErrInsufficientFunds
	}
	account.Balance += delta
	account.Version++
	account.UpdatedAt = time.Now().UTC()
	return copyAccount(account), nil
}

func (f *fakeRepository) CreateTransfer(ctx context.Context, record *domain.TransferRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.transfers[record.IdempotencyKey]; exists {
		return store.ErrDuplicateIdempotencyKey
	}
	if record.Status == "" {
		record.Status = domain.TransferPending
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	f.transfers[record.IdempotencyKey] = copyTransfer(record)
	f.history[record.IdempotencyKey] = []domain.TransferStatus{record.Status}
	return nil
}

func (f *fakeRepository) FindTransferByKey(ctx context.Context, idempotencyKey string) (*domain.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hideNextFind {
		f.hideNextFind = false
		return nil, store.ErrTransferNotFound
	}
	record, ok := f.transfers[idempotencyKey]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	return copyTransfer(record), nil
}

func (f *fakeRepository) AdvanceTransfer(ctx context.Context, idempotencyKey string, next domain.TransferStatus, params store.AdvanceParams) (*domain.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advanceLocked(idempotencyKey, next, params)
}

func (f *fakeRepository) advanceLocked(idempotencyKey string, next domain.TransferStatus, params store.AdvanceParams) (*domain.TransferRecord, error) {
	record, ok := f.transfers[idempotencyKey]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	if !record.Status.CanTransitionTo(next) {
		return nil, store.ErrInvalidTransition
	}
	record.Status = next
	if params.FailureReason != nil {
		record.FailureReason = params.FailureReason
	}
	if params.CompletedAt != nil {
		record.CompletedAt = params.CompletedAt
	}
	f.history[idempotencyKey] = append(f.history[idempotencyKey], next)
	return copyTransfer(record), nil
}

func (f *fakeRepository) ListTransfers(ctx context.Context, filter domain.TransferFilter) ([]domain.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []domain.TransferRecord
	for _, record := range f.transfers {
		if filter.AccountID != nil && record.SenderID != *filter.AccountID && record.ReceiverID != *filter.AccountID {
			continue
		}
		if filter.Start != nil && record.CreatedAt.Before(*filter.Start) {
			continue
		}
		if filter.End != nil && record.CreatedAt.After(*filter.End) {
			continue
		}
		matched = append(matched, *copyTransfer(record))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (f *fakeRepository) FindResumableTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []domain.TransferRecord
	for _, record := range f.transfers {
		if record.Status.Terminal() {
			continue
		}
		if !record.CreatedAt.Before(olderThan) {
			continue
		}
		matched = append(matched, *copyTransfer(record))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (f *fakeRepository) DebitTransfer(ctx context.Context, idempotencyKey string, senderID uuid.UUID, amount int64, expectedVersion int64) (*domain.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.transfers[idempotencyKey]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	if !record.Status.CanTransitionTo(domain.TransferDebited) {
		return nil, store.ErrInvalidTransition
	}
	if f.debitConflicts > 0 {
		f.debitConflicts--
		return nil, store.ErrVersionConflict
	}
	if _, err := f.applyDeltaLocked(senderID, -amount, expectedVersion); err != nil {
		return nil, err
	}
	if f.vanishOnDebit != uuid.Nil {
		delete(f.accounts, f.vanishOnDebit)
		f.vanishOnDebit = uuid.Nil
	}
	return f.advanceLocked(idempotencyKey, domain.TransferDebited, store.AdvanceParams{})
}

func (f *fakeRepository) CreditTransfer(ctx context.Context, idempotencyKey string, receiverID uuid.UUID, amount int64, expectedVersion int64) (*domain.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.transfers[idempotencyKey]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	if !record.Status.CanTransitionTo(domain.TransferCredited) {
		return nil, store.ErrInvalidTransition
	}
	if f.creditConflicts > 0 {
		f.creditConflicts--
		return nil, store.ErrVersionConflict
	}
	if _, err := f.applyDeltaLocked(receiverID, amount, expectedVersion); err != nil {
		return nil, err
	}
	return f.advanceLocked(idempotencyKey, domain.TransferCredited, store.AdvanceParams{})
}

func (f *fakeRepository) ReverseDebit(ctx context.Context, idempotencyKey string, senderID uuid.UUID, amount int64, expectedVersion int64, reason string) (*domain.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.transfers[idempotencyKey]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	if !record.Status.CanTransitionTo(domain.TransferDebitReversed) {
		return nil, store.ErrInvalidTransition
	}
	if f.reverseConflicts > 0 {
		f.reverseConflicts--
		return nil, store.ErrVersionConflict
	}
	if _, err := f.applyDeltaLocked(senderID, amount, expectedVersion); err != nil {
		return nil, err
	}
	return f.advanceLocked(idempotencyKey, domain.TransferDebitReversed, store.AdvanceParams{FailureReason: &reason})
}

// fakePublisher records terminal transfer events for assertions.
type fakePublisher struct {
	mu     sync.Mutex
	events []rabbitmq.TransferEvent
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *fakePublisher) PublishTransferEvent(ctx context.Context, event rabbitmq.TransferEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) Close() {}

func (p *fakePublisher) recorded() []rabbitmq.TransferEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]rabbitmq.TransferEvent(nil), p.events...)
}

// stubRegistry answers existence checks per account id; unknown ids resolve.
type stubRegistry struct {
	errs map[uuid.UUID]error
}

func (r *stubRegistry) ResolveAccount(ctx context.Context, accountID uuid.UUID) (*accountclient.ResolvedAccount, error) {
	if err, ok := r.errs[accountID]; ok && err != nil {
		return nil, err
	}
	return &accountclient.ResolvedAccount{ID: accountID}, nil
}

// stubLimiter returns a fixed limiter answer.
type stubLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *stubLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return l.count, l.retryAfter, l.err
}

func newTestService(repo *fakeRepository, producer rabbitmq.Publisher) *Service {
	return NewService(repo, nil, producer, 5, time.Millisecond)
}
