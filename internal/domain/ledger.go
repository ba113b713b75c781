/**
 * @description
 * This file defines the core domain models for the ledger-service: accounts,
 * transfer records, and the transfer status state machine. These structs are
 * shared by the store, orchestrator, and API layers.
 *
 * @notes
 * - Amounts and balances are `int64` values in the smallest currency unit,
 *   which keeps all money arithmetic exact and avoids floating-point drift.
 * - TransferStatus transitions are forward-only; a terminal record is never
 *   rewritten. The legality table below is the single source of truth and is
 *   enforced again at the storage layer.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a versioned balance row. The version increments on every
// successful mutation and is the token for compare-and-set updates.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransferStatus is the lifecycle state of a TransferRecord.
type TransferStatus string

const (
	TransferPending       TransferStatus = "pending"
	TransferDebited       TransferStatus = "debited"
	TransferCredited      TransferStatus = "credited"
	TransferCommitted     TransferStatus = "committed"
	TransferDebitReversed TransferStatus = "debit_reversed"
	TransferFailed        TransferStatus = "failed"
)

// transferTransitions maps each status to its legal successors.
//
//	pending -> debited | failed
//	debited -> credited | debit_reversed
//	credited -> committed
//	debit_reversed -> failed
var transferTransitions = map[TransferStatus][]TransferStatus{
	TransferPending:       {TransferDebited, TransferFailed},
	TransferDebited:       {TransferCredited, TransferDebitReversed},
	TransferCredited:      {TransferCommitted},
	TransferDebitReversed: {TransferFailed},
	TransferCommitted:     {},
	TransferFailed:        {},
}

// Terminal reports whether no further transition is legal from s.
func (s TransferStatus) Terminal() bool {
	return s == TransferCommitted || s == TransferFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	for _, candidate := range transferTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// LegalPredecessors returns the statuses from which s may be reached. The
// storage layer embeds this list in the transition UPDATE's WHERE clause so
// an illegal transition can never be written.
func LegalPredecessors(next TransferStatus) []TransferStatus {
	var preds []TransferStatus
	for from, successors := range transferTransitions {
		for _, to := range successors {
			if to == next {
				preds = append(preds, from)
			}
		}
	}
	return preds
}

// TransferRecord is the append-only journal entry for one transfer attempt.
// Exactly one record exists per idempotency key.
type TransferRecord struct {
	ID             uuid.UUID      `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	SenderID       uuid.UUID      `json:"sender_id"`
	ReceiverID     uuid.UUID      `json:"receiver_id"`
	Amount         int64          `json:"amount"`
	Status         TransferStatus `json:"status"`
	FailureReason  *string        `json:"failure_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// TransferFilter narrows a journal query. A zero field means "no constraint".
type TransferFilter struct {
	AccountID *uuid.UUID
	Start     *time.Time
	End       *time.Time
	Limit     int
	Offset    int
}

// AccountSummary aggregates an account's committed transfer activity.
// All fields are exact int64 sums folded from the journal, so the same
// query always reproduces the same numbers.
type AccountSummary struct {
	AccountID     uuid.UUID `json:"account_id"`
	TotalSent     int64     `json:"total_sent"`
	TotalReceived int64     `json:"total_received"`
	NetFlow       int64     `json:"net_flow"`
	SentCount     int       `json:"sent_count"`
	ReceivedCount int       `json:"received_count"`
}

// TransferRequest is the payload accepted by the transfer endpoint.
type TransferRequest struct {
	SenderID   uuid.UUID `json:"sender_id"`
	ReceiverID uuid.UUID `json:"receiver_id"`
	Amount     int64     `json:"amount"`
}

// CreateAccountRequest is the payload for internal account provisioning.
type CreateAccountRequest struct {
	AccountID      *uuid.UUID `json:"account_id,omitempty"`
	OpeningBalance int64      `json:"opening_balance"`
}
