/**
 * @description
 * Reporting queries over the ledger journal. Aggregates are folded from
 * committed records only, in pages, using the same exact int64 fixed-point
 * arithmetic as the money path, so the numbers are reproducible from the
 * journal alone.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
)

const summaryPageSize = 200

// QueryTransfers returns journal records matching the filter, newest first.
func (s *Service) QueryTransfers(ctx context.Context, filter domain.TransferFilter) ([]domain.TransferRecord, error) {
	return s.repo.ListTransfers(ctx, filter)
}

// GetAccountSummary folds the account's committed transfers into totals.
// Only committed records count: a failed or reversed transfer moved no value.
func (s *Service) GetAccountSummary(ctx context.Context, accountID uuid.UUID, start, end *time.Time) (*domain.AccountSummary, error) {
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	summary := &domain.AccountSummary{AccountID: accountID}
	offset := 0
	for {
		page, err := s.repo.ListTransfers(ctx, domain.TransferFilter{
			AccountID: &accountID,
			Start:     start,
			End:       end,
			Limit:     summaryPageSize,
			Offset:    offset,
		})
		if err != nil {
			return nil, fmt.Errorf("summary query failed: %w", err)
		}

		for _, rec := range page {
			if rec.Status != domain.TransferCommitted {
				continue
			}
			if rec.SenderID == accountID {
				summary.TotalSent += rec.Amount
				summary.SentCount++
			}
			if rec.ReceiverID == accountID {
				summary.TotalReceived += rec.Amount
				summary.ReceivedCount++
			}
		}

		if len(page) < summaryPageSize {
			break
		}
		offset += summaryPageSize
	}

	summary.NetFlow = summary.TotalReceived - summary.TotalSent
	return summary, nil
}
