/**
 * @description
 * This file contains the transfer orchestrator, the core business logic of
 * the ledger-service. Given a transfer request it drives the journal record
 * through its state machine: validate, debit the sender, credit the
 * receiver, commit. Compensation (reversing the debit) runs when the credit
 * cannot succeed, and resumption when a previous attempt stopped mid-flight.
 *
 * Key properties:
 * - Idempotent: the journal is consulted before any work; a terminal record
 *   is returned unchanged, a non-terminal one is resumed, never restarted.
 * - Double-spend safe: every balance mutation is a compare-and-set keyed on
 *   the account version; losers of the race retry with a fresh read, up to a
 *   bounded attempt budget with exponential backoff.
 * - Deadline-safe: once the debit has committed, the operation detaches from
 *   the caller's cancellation and runs to completion or compensation
 *   server-side; an impatient caller polls by idempotency key.
 *
 * @dependencies
 * - internal/domain, internal/store: models and persistence contract.
 * - pkg/accountclient, pkg/rabbitmq: external registry and event stream.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/accountclient"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
)

const (
	defaultMaxAttempts  = 5
	defaultRetryBackoff = 25 * time.Millisecond
)

var (
	// ErrSameAccount rejects transfers where sender and receiver coincide.
	ErrSameAccount = errors.New("sender and receiver must be different accounts")
	// ErrNonPositiveAmount rejects zero or negative transfer amounts.
	ErrNonPositiveAmount = errors.New("amount must be a positive integer")
	// ErrNegativeOpeningBalance rejects provisioning an account below zero.
	ErrNegativeOpeningBalance = errors.New("opening balance must not be negative")
	// ErrTransferContended is surfaced when the bounded retry budget is
	// exhausted by compare-and-set conflicts. The journal record stays
	// non-terminal; the caller should retry with the same idempotency key.
	ErrTransferContended = errors.New("transfer contended, retry with the same idempotency key")
)

// RateLimitedError tells the caller how long to wait before resubmitting.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("transfer submissions rate limited, retry after %ds", e.RetryAfterSeconds)
}

// AccountRegistry is the external collaborator that owns account identity.
// The ledger owns the authoritative balances; the registry is consulted for
// existence only.
type AccountRegistry interface {
	ResolveAccount(ctx context.Context, accountID uuid.UUID) (*accountclient.ResolvedAccount, error)
}

// TransferRateLimiter bounds transfer submissions per sender.
type TransferRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service orchestrates transfers over the repository, the account registry,
// and the event stream.
type Service struct {
	repo          store.Repository
	registry      AccountRegistry
	eventProducer rabbitmq.Publisher

	maxAttempts  int
	retryBackoff time.Duration

	limiter              TransferRateLimiter
	submitLimitPerMinute int
}

// NewService creates a new orchestrator instance. registry and producer may
// be nil; the corresponding integrations degrade to no-ops.
func NewService(repo store.Repository, registry AccountRegistry, producer rabbitmq.Publisher, maxAttempts int, retryBackoff time.Duration) *Service {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	return &Service{
		repo:          repo,
		registry:      registry,
		eventProducer: producer,
		maxAttempts:   maxAttempts,
		retryBackoff:  retryBackoff,
	}
}

// SetTransferRateLimiter installs an optional per-sender submission limiter.
func (s *Service) SetTransferRateLimiter(limiter TransferRateLimiter, perMinute int) {
	s.limiter = limiter
	s.submitLimitPerMinute = perMinute
}

// Transfer executes (or resumes) the transfer identified by idempotencyKey.
// The returned record is terminal (committed or failed) unless an error is
// returned alongside a nil record.
func (s *Service) Transfer(ctx context.Context, idempotencyKey string, senderID, receiverID uuid.UUID, amount int64) (*domain.TransferRecord, error) {
	if senderID == receiverID {
		return nil, ErrSameAccount
	}
	if amount <= 0 {
		return nil, ErrNonPositiveAmount
	}
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		// Callers that do not supply a key get a generated one; they lose
		// retry deduplication but the journal invariant holds regardless.
		key = uuid.NewString()
	}

	if s.limiter != nil && s.submitLimitPerMinute > 0 {
		count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, "transfer.submit", senderID.String(), s.submitLimitPerMinute, time.Minute)
		if err != nil {
			log.Printf("level=warn component=orchestrator msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if count > s.submitLimitPerMinute {
			return nil, &RateLimitedError{RetryAfterSeconds: retryAfter}
		}
	}

	// Idempotency lookup before any work.
	existing, err := s.repo.FindTransferByKey(ctx, key)
	if err == nil {
		return s.drive(ctx, existing)
	}
	if !errors.Is(err, store.ErrTransferNotFound) {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	record := &domain.TransferRecord{
		ID:             uuid.New(),
		IdempotencyKey: key,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Amount:         amount,
		Status:         domain.TransferPending,
	}
	if err := s.repo.CreateTransfer(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			// A concurrent caller won the reservation race; adopt its record.
			winner, findErr := s.repo.FindTransferByKey(ctx, key)
			if findErr != nil {
				return nil, fmt.Errorf("duplicate key but record not readable: %w", findErr)
			}
			return s.drive(ctx, winner)
		}
		return nil, fmt.Errorf("journal create failed: %w", err)
	}
	transfersStarted.Inc()

	return s.drive(ctx, record)
}

// GetTransfer returns the journal record for an idempotency key. Callers use
// this to poll the outcome of a transfer whose deadline expired mid-flight.
func (s *Service) GetTransfer(ctx context.Context, idempotencyKey string) (*domain.TransferRecord, error) {
	return s.repo.FindTransferByKey(ctx, idempotencyKey)
}

// GetAccount returns the current balance row for an account.
func (s *Service) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return s.repo.GetAccount(ctx, accountID)
}

// CreateAccount provisions a new account with an optional opening balance.
// Account identity is owned by the registry collaborator; this endpoint only
// seeds the ledger-side balance row.
func (s *Service) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (*domain.Account, error) {
	if req.OpeningBalance < 0 {
		return nil, ErrNegativeOpeningBalance
	}
	id := uuid.New()
	if req.AccountID != nil {
		id = *req.AccountID
	}
	account := &domain.Account{ID: id, Balance: req.OpeningBalance}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// drive advances a journal record until it reaches a terminal state. Every
// step is guarded at the store: if a concurrent worker (a retrying caller or
// the recovery sweep) advanced the record first, the step fails with
// ErrInvalidTransition and the record is reloaded instead of re-applied.
func (s *Service) drive(ctx context.Context, record *domain.TransferRecord) (*domain.TransferRecord, error) {
	// Once money has moved, the caller's deadline no longer cancels the
	// operation; it runs to completion or compensation server-side.
	moneyCtx := context.WithoutCancel(ctx)

	for {
		var (
			next *domain.TransferRecord
			err  error
		)
		switch record.Status {
		case domain.TransferPending:
			next, err = s.runPending(ctx, record)
		case domain.TransferDebited:
			next, err = s.runDebited(moneyCtx, record)
		case domain.TransferCredited:
			next, err = s.finalizeCommit(moneyCtx, record)
		case domain.TransferDebitReversed:
			next, err = s.finalizeFailure(moneyCtx, record, nil)
		default:
			return record, nil
		}

		if err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				reloaded, findErr := s.repo.FindTransferByKey(moneyCtx, record.IdempotencyKey)
				if findErr != nil {
					return nil, fmt.Errorf("reload after concurrent advance failed: %w", findErr)
				}
				record = reloaded
				continue
			}
			return nil, err
		}
		record = next
	}
}

// runPending validates account existence and performs the debit. Both
// parties must exist in the local store before any balance is touched; a
// transfer to an unknown receiver fails here rather than after the debit.
func (s *Service) runPending(ctx context.Context, record *domain.TransferRecord) (*domain.TransferRecord, error) {
	if reason, err := s.validateAccounts(ctx, record); err != nil {
		return nil, err
	} else if reason != "" {
		return s.finalizeFailure(ctx, record, &reason)
	}

	if _, err := s.repo.GetAccount(ctx, record.ReceiverID); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			reason := "receiver account not found"
			return s.finalizeFailure(ctx, record, &reason)
		}
		return nil, fmt.Errorf("receiver read failed: %w", err)
	}

	for attempt := 0; ; attempt++ {
		sender, err := s.repo.GetAccount(ctx, record.SenderID)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				reason := "sender account not found"
				return s.finalizeFailure(ctx, record, &reason)
			}
			return nil, fmt.Errorf("sender read failed: %w", err)
		}

		debited, err := s.repo.DebitTransfer(ctx, record.IdempotencyKey, record.SenderID, record.Amount, sender.Version)
		switch {
		case err == nil:
			return debited, nil
		case errors.Is(err, store.ErrInsufficientFunds):
			reason := "insufficient funds"
			return s.finalizeFailure(ctx, record, &reason)
		case errors.Is(err, store.ErrVersionConflict):
			casConflictsTotal.Inc()
			if attempt+1 >= s.maxAttempts {
				return nil, ErrTransferContended
			}
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

// runDebited performs the credit, compensating if the receiver is gone.
func (s *Service) runDebited(ctx context.Context, record *domain.TransferRecord) (*domain.TransferRecord, error) {
	for attempt := 0; ; attempt++ {
		receiver, err := s.repo.GetAccount(ctx, record.ReceiverID)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return s.compensate(ctx, record, "receiver account not found")
			}
			return nil, fmt.Errorf("receiver read failed: %w", err)
		}

		credited, err := s.repo.CreditTransfer(ctx, record.IdempotencyKey, record.ReceiverID, record.Amount, receiver.Version)
		switch {
		case err == nil:
			return credited, nil
		case errors.Is(err, store.ErrAccountNotFound):
			return s.compensate(ctx, record, "receiver account not found")
		case errors.Is(err, store.ErrVersionConflict):
			casConflictsTotal.Inc()
			if attempt+1 >= s.maxAttempts {
				return nil, ErrTransferContended
			}
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

// compensate returns the debited amount to the sender. The reversal carries
// the failure reason in the same transaction, and the record then finalizes
// as failed on the next drive iteration.
func (s *Service) compensate(ctx context.Context, record *domain.TransferRecord, reason string) (*domain.TransferRecord, error) {
	log.Printf("level=warn component=orchestrator msg=\"compensating transfer\" idempotency_key=%s reason=%q", record.IdempotencyKey, reason)

	for attempt := 0; ; attempt++ {
		sender, err := s.repo.GetAccount(ctx, record.SenderID)
		if err != nil {
			// The sender row vanishing while it holds a pending reversal is a
			// defect; the record stays debited for the recovery sweep.
			return nil, fmt.Errorf("sender read during compensation failed: %w", err)
		}

		reversed, err := s.repo.ReverseDebit(ctx, record.IdempotencyKey, record.SenderID, record.Amount, sender.Version, reason)
		switch {
		case err == nil:
			compensationsTotal.Inc()
			return reversed, nil
		case errors.Is(err, store.ErrVersionConflict):
			casConflictsTotal.Inc()
			if attempt+1 >= s.maxAttempts {
				return nil, ErrTransferContended
			}
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

// finalizeCommit advances credited -> committed and publishes the outcome.
func (s *Service) finalizeCommit(ctx context.Context, record *domain.TransferRecord) (*domain.TransferRecord, error) {
	now := time.Now().UTC()
	committed, err := s.repo.AdvanceTransfer(ctx, record.IdempotencyKey, domain.TransferCommitted, store.AdvanceParams{CompletedAt: &now})
	if err != nil {
		return nil, err
	}
	transfersCommitted.Inc()
	s.publishOutcome(ctx, committed)
	return committed, nil
}

// finalizeFailure advances the record to failed. A nil reason preserves the
// reason already stored by the reversal step.
func (s *Service) finalizeFailure(ctx context.Context, record *domain.TransferRecord, reason *string) (*domain.TransferRecord, error) {
	now := time.Now().UTC()
	failed, err := s.repo.AdvanceTransfer(ctx, record.IdempotencyKey, domain.TransferFailed, store.AdvanceParams{
		FailureReason: reason,
		CompletedAt:   &now,
	})
	if err != nil {
		return nil, err
	}
	transfersFailed.Inc()
	s.publishOutcome(ctx, failed)
	return failed, nil
}

// validateAccounts checks the registry (when configured) for both parties.
// It returns a failure reason for a definitive "not registered" answer and
// treats registry outages as advisory.
func (s *Service) validateAccounts(ctx context.Context, record *domain.TransferRecord) (string, error) {
	if s.registry == nil {
		return "", nil
	}
	for _, check := range []struct {
		label string
		id    uuid.UUID
	}{
		{"sender", record.SenderID},
		{"receiver", record.ReceiverID},
	} {
		if _, err := s.registry.ResolveAccount(ctx, check.id); err != nil {
			if errors.Is(err, accountclient.ErrAccountNotRegistered) {
				return check.label + " account not registered", nil
			}
			log.Printf("level=warn component=orchestrator msg=\"account registry unavailable; proceeding on local store\" account_id=%s err=%v", check.id, err)
		}
	}
	return "", nil
}

func (s *Service) publishOutcome(ctx context.Context, record *domain.TransferRecord) {
	if s.eventProducer == nil {
		return
	}
	event := rabbitmq.TransferEvent{
		TransferID:     record.ID,
		IdempotencyKey: record.IdempotencyKey,
		SenderID:       record.SenderID,
		ReceiverID:     record.ReceiverID,
		Amount:         record.Amount,
		Status:         string(record.Status),
		FailureReason:  record.FailureReason,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.eventProducer.PublishTransferEvent(ctx, event); err != nil {
		log.Printf("level=warn component=orchestrator msg=\"transfer event publish failed\" idempotency_key=%s err=%v", record.IdempotencyKey, err)
	}
}

// maxBackoffShift caps the exponential growth so a large attempt budget
// cannot overflow the duration shift.
const maxBackoffShift = 10

// backoff sleeps for an exponentially growing interval, honoring ctx.
func (s *Service) backoff(ctx context.Context, attempt int) error {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	timer := time.NewTimer(s.retryBackoff << attempt)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
