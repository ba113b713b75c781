/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access required by the ledger-service. The orchestrator depends on this
 * interface only, which keeps the business logic independent of PostgreSQL
 * and lets tests substitute in-memory fakes.
 *
 * @notes
 * - The three combined money steps (DebitTransfer, CreditTransfer,
 *   ReverseDebit) apply the balance delta and advance the journal row in a
 *   single database transaction. That pairing is what makes crash recovery
 *   exact: a record is `debited` if and only if the sender's balance moved.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

var (
	// ErrAccountNotFound is returned when the referenced account row does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientFunds is returned when a debit would take a balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrVersionConflict is returned when a compare-and-set loses the race:
	// the stored version no longer matches the expected one.
	ErrVersionConflict = errors.New("account version conflict")
	// ErrTransferNotFound is returned when no journal record exists for a key.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrDuplicateIdempotencyKey is returned when a journal record already
	// exists under the idempotency key being created.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already exists")
	// ErrInvalidTransition is returned when a status advance is not a legal
	// successor of the record's current status. This is an invariant check and
	// is never silently corrected.
	ErrInvalidTransition = errors.New("invalid transfer status transition")
	// ErrDuplicateAccount is returned when provisioning an account id that exists.
	ErrDuplicateAccount = errors.New("account already exists")
)

// AdvanceParams carries the optional fields written alongside a status
// transition. Nil fields leave the stored values untouched.
type AdvanceParams struct {
	FailureReason *string
	CompletedAt   *time.Time
}

// Repository is the set of persistence operations used by the orchestrator
// and the reporting queries.
type Repository interface {
	// Account store
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	CreateAccount(ctx context.Context, account *domain.Account) error
	// ApplyDelta atomically sets balance += delta and version += 1 only if the
	// stored version equals expectedVersion and the resulting balance stays
	// non-negative. Otherwise nothing is mutated and the specific sentinel
	// error is returned.
	ApplyDelta(ctx context.Context, id uuid.UUID, delta int64, expectedVersion int64) (*domain.Account, error)

	// Ledger journal
	CreateTransfer(ctx context.Context, record *domain.TransferRecord) error
	FindTransferByKey(ctx context.Context, idempotencyKey string) (*domain.TransferRecord, error)
	AdvanceTransfer(ctx context.Context, idempotencyKey string, next domain.TransferStatus, params AdvanceParams) (*domain.TransferRecord, error)
	ListTransfers(ctx context.Context, filter domain.TransferFilter) ([]domain.TransferRecord, error)
	FindResumableTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.TransferRecord, error)

	// Combined money steps: balance CAS plus journal transition in one
	// database transaction.
	DebitTransfer(ctx context.Context, idempotencyKey string, senderID uuid.UUID, amount int64, expectedVersion int64) (*domain.TransferRecord, error)
	CreditTransfer(ctx context.Context, idempotencyKey string, receiverID uuid.UUID, amount int64, expectedVersion int64) (*domain.TransferRecord, error)
	// ReverseDebit records the failure reason in the same transaction so a
	// crash between reversal and finalization cannot lose it.
	ReverseDebit(ctx context.Context, idempotencyKey string, senderID uuid.UUID, amount int64, expectedVersion int64, reason string) (*domain.TransferRecord, error)
}
