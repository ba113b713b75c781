package app

import (
	"context"
	"testing"

	"github.com/transfa/ledger-service/internal/domain"
)

func TestTransfer_CompensatesWhenReceiverVanishesMidFlight(t *testing.T) {
	repo := newFakeRepository()
	producer := &fakePublisher{}
	svc := newTestService(repo, producer)

	sender := repo.seedAccount(100)
	receiver := repo.seedAccount(0)
	// The receiver passes the pending-stage existence check but is removed
	// while the transfer is in flight, right after the debit lands.
	repo.vanishOnDebit = receiver

	record, err := svc.Transfer(context.Background(), "key-compensate", sender, receiver, 40)
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if record.Status != domain.TransferFailed {
		t.Fatalf("expected failed record after compensation, got %s", record.Status)
	}
	if record.FailureReason == nil || *record.FailureReason != "receiver account not found" {
		t.Fatalf("expected receiver-not-found reason, got %v", record.FailureReason)
	}
	if got := repo.balanceOf(sender); got != 100 {
		t.Fatalf("expected debit fully reversed, balance %d", got)
	}

	wantHistory := []domain.TransferStatus{
		domain.TransferPending,
		domain.TransferDebited,
		domain.TransferDebitReversed,
		domain.TransferFailed,
	}
	history := repo.statusHistory("key-compensate")
	if len(history) != len(wantHistory) {
		t.Fatalf("expected history %v, got %v", wantHistory, history)
	}
	for i := range wantHistory {
		if history[i] != wantHistory[i] {
			t.Fatalf("expected history %v, got %v", wantHistory, history)
		}
	}

	events := producer.recorded()
	if len(events) != 1 || events[0].Status != string(domain.TransferFailed) {
		t.Fatalf("expected one failed event, got %+v", events)
	}
}

func TestTransfer_CompensationRetriesVersionConflicts(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, &fakePublisher{})

	sender := repo.seedAccount(100)
	receiver := repo.seedAccount(0)
	repo.vanishOnDebit = receiver
	repo.reverseConflicts = 2

	record, err := svc.Transfer(context.Background(), "key-reversal-retry", sender, receiver, 25)
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if record.Status != domain.TransferFailed {
		t.Fatalf("expected failed record, got %s", record.Status)
	}
	if got := repo.balanceOf(sender); got != 100 {
		t.Fatalf("expected reversal applied exactly once, balance %d", got)
	}
}
