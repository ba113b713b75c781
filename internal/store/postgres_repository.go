/**
 * @description
 * PostgreSQL implementation of the Repository interface using pgx. The
 * balance compare-and-set is a single conditional UPDATE, so no ambient
 * locking is needed: two concurrent transfers reading the same version can
 * have at most one UPDATE match, and the loser sees ErrVersionConflict.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pooling.
 * - internal/domain: ledger models and the status transition table.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/ledger-service/internal/domain"
)

const uniqueViolationCode = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same query
// helpers serve standalone calls and the combined transactional steps.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRepository implements Repository on top of a pgx connection pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository instance.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = "id, balance, version, created_at, updated_at"

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.Balance, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount retrieves a single account row by id.
func (r *PostgresRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	account, err := scanAccount(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// CreateAccount provisions a new account row at version 1.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, balance, version)
		VALUES ($1, $2, 1)
		RETURNING ` + accountColumns
	created, err := scanAccount(r.db.QueryRow(ctx, query, account.ID, account.Balance))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	*account = *created
	return nil
}

// ApplyDelta performs the compare-and-set mutation on a balance.
func (r *PostgresRepository) ApplyDelta(ctx context.Context, id uuid.UUID, delta int64, expectedVersion int64) (*domain.Account, error) {
	return r.applyDelta(ctx, r.db, id, delta, expectedVersion)
}

func (r *PostgresRepository) applyDelta(ctx context.Context, q querier, id uuid.UUID, delta int64, expectedVersion int64) (*domain.Account, error) {
	query := `
		UPDATE accounts
		SET balance = balance + $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3 AND balance + $1 >= 0
		RETURNING ` + accountColumns
	account, err := scanAccount(q.QueryRow(ctx, query, delta, id, expectedVersion))
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to apply delta: %w", err)
	}

	// The conditional update matched nothing. Probe the row to report the
	// specific reason without having mutated anything.
	var currentVersion, currentBalance int64
	probeErr := q.QueryRow(ctx, `SELECT version, balance FROM accounts WHERE id = $1`, id).
		Scan(&currentVersion, &currentBalance)
	if probeErr != nil {
		if errors.Is(probeErr, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to probe account after delta miss: %w", probeErr)
	}
	if currentVersion != expectedVersion {
		return nil, ErrVersionConflict
	}
	return nil, ErrInsufficientFunds
}

const transferColumns = "id, idempotency_key, sender_id, receiver_id, amount, status, failure_reason, created_at, completed_at"

func scanTransfer(row pgx.Row) (*domain.TransferRecord, error) {
	var rec domain.TransferRecord
	var status string
	if err := row.Scan(&rec.ID, &rec.IdempotencyKey, &rec.SenderID, &rec.ReceiverID,
		&rec.Amount, &status, &rec.FailureReason, &rec.CreatedAt, &rec.CompletedAt); err != nil {
		return nil, err
	}
	rec.Status = domain.TransferStatus(status)
	return &rec, nil
}

// CreateTransfer appends a new journal record. A concurrent caller racing on
// the same idempotency key loses with ErrDuplicateIdempotencyKey and must
// load the existing record instead.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, record *domain.TransferRecord) error {
	query := `
		INSERT INTO transfers (id, idempotency_key, sender_id, receiver_id, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + transferColumns
	created, err := scanTransfer(r.db.QueryRow(ctx, query,
		record.ID, record.IdempotencyKey, record.SenderID, record.ReceiverID,
		record.Amount, string(record.Status)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to create transfer record: %w", err)
	}
	*record = *created
	return nil
}

// FindTransferByKey looks up the journal record for an idempotency key.
func (r *PostgresRepository) FindTransferByKey(ctx context.Context, idempotencyKey string) (*domain.TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE idempotency_key = $1`
	rec, err := scanTransfer(r.db.QueryRow(ctx, query, idempotencyKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to find transfer: %w", err)
	}
	return rec, nil
}

// AdvanceTransfer moves a journal record forward through the state machine.
func (r *PostgresRepository) AdvanceTransfer(ctx context.Context, idempotencyKey string, next domain.TransferStatus, params AdvanceParams) (*domain.TransferRecord, error) {
	return r.advanceTransfer(ctx, r.db, idempotencyKey, next, params)
}

func (r *PostgresRepository) advanceTransfer(ctx context.Context, q querier, idempotencyKey string, next domain.TransferStatus, params AdvanceParams) (*domain.TransferRecord, error) {
	predecessors := domain.LegalPredecessors(next)
	if len(predecessors) == 0 {
		return nil, ErrInvalidTransition
	}
	allowed := make([]string, len(predecessors))
	for i, p := range predecessors {
		allowed[i] = string(p)
	}

	// The legal-predecessor guard lives in the WHERE clause, so an illegal
	// transition can never be written, not even under concurrent advances.
	query := `
		UPDATE transfers
		SET status = $1,
		    failure_reason = COALESCE($2, failure_reason),
		    completed_at = COALESCE($3, completed_at)
		WHERE idempotency_key = $4 AND status = ANY($5)
		RETURNING ` + transferColumns
	rec, err := scanTransfer(q.QueryRow(ctx, query,
		string(next), params.FailureReason, params.CompletedAt, idempotencyKey, allowed))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to advance transfer: %w", err)
	}

	var currentStatus string
	probeErr := q.QueryRow(ctx, `SELECT status FROM transfers WHERE idempotency_key = $1`, idempotencyKey).
		Scan(&currentStatus)
	if probeErr != nil {
		if errors.Is(probeErr, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to probe transfer after advance miss: %w", probeErr)
	}
	return nil, ErrInvalidTransition
}

// buildListTransfersQuery assembles the journal query for a filter. Split out
// as a pure function so the SQL shape is unit-testable.
func buildListTransfersQuery(filter domain.TransferFilter) (string, []any) {
	query := `SELECT ` + transferColumns + ` FROM transfers`
	var args []any
	var conditions []string

	if filter.AccountID != nil {
		args = append(args, *filter.AccountID)
		placeholder := fmt.Sprintf("$%d", len(args))
		conditions = append(conditions, fmt.Sprintf("(sender_id = %s OR receiver_id = %s)", placeholder, placeholder))
	}
	if filter.Start != nil {
		args = append(args, *filter.Start)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.End != nil {
		args = append(args, *filter.End)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return query, args
}

// ListTransfers returns journal records matching the filter, newest first.
// Re-issuing the same query re-executes it; there is no persisted cursor.
func (r *PostgresRepository) ListTransfers(ctx context.Context, filter domain.TransferFilter) ([]domain.TransferRecord, error) {
	query, args := buildListTransfersQuery(filter)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var records []domain.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer row: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// FindResumableTransfers returns non-terminal journal records created before
// olderThan, oldest first, for the recovery sweep.
func (r *PostgresRepository) FindResumableTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.TransferRecord, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`
	nonTerminal := []string{
		string(domain.TransferPending),
		string(domain.TransferDebited),
		string(domain.TransferCredited),
		string(domain.TransferDebitReversed),
	}
	rows, err := r.db.Query(ctx, query, nonTerminal, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find resumable transfers: %w", err)
	}
	defer rows.Close()

	var records []domain.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resumable transfer: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// DebitTransfer applies the sender debit and advances the journal record to
// `debited` in one database transaction.
func (r *PostgresRepository) DebitTransfer(ctx context.Context, idempotencyKey string, senderID uuid.UUID, amount int64, expectedVersion int64) (*domain.TransferRecord, error) {
	return r.moneyStep(ctx, idempotencyKey, senderID, -amount, expectedVersion, domain.TransferDebited, AdvanceParams{})
}

// CreditTransfer applies the receiver credit and advances the journal record
// to `credited` in one database transaction.
func (r *PostgresRepository) CreditTransfer(ctx context.Context, idempotencyKey string, receiverID uuid.UUID, amount int64, expectedVersion int64) (*domain.TransferRecord, error) {
	return r.moneyStep(ctx, idempotencyKey, receiverID, amount, expectedVersion, domain.TransferCredited, AdvanceParams{})
}

// ReverseDebit returns the debited amount to the sender and advances the
// journal record to `debit_reversed` in one database transaction, recording
// the failure reason alongside.
func (r *PostgresRepository) ReverseDebit(ctx context.Context, idempotencyKey string, senderID uuid.UUID, amount int64, expectedVersion int64, reason string) (*domain.TransferRecord, error) {
	return r.moneyStep(ctx, idempotencyKey, senderID, amount, expectedVersion, domain.TransferDebitReversed, AdvanceParams{FailureReason: &reason})
}

func (r *PostgresRepository) moneyStep(ctx context.Context, idempotencyKey string, accountID uuid.UUID, delta int64, expectedVersion int64, next domain.TransferStatus, params AdvanceParams) (*domain.TransferRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin money step: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := r.applyDelta(ctx, tx, accountID, delta, expectedVersion); err != nil {
		return nil, err
	}
	rec, err := r.advanceTransfer(ctx, tx, idempotencyKey, next, params)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit money step: %w", err)
	}
	return rec, nil
}
