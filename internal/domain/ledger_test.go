package domain

import "testing"

func TestTransferStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from TransferStatus
		to   TransferStatus
		want bool
	}{
		{"pending to debited", TransferPending, TransferDebited, true},
		{"pending to failed", TransferPending, TransferFailed, true},
		{"pending to credited skips debit", TransferPending, TransferCredited, false},
		{"pending to committed skips everything", TransferPending, TransferCommitted, false},
		{"debited to credited", TransferDebited, TransferCredited, true},
		{"debited to debit_reversed", TransferDebited, TransferDebitReversed, true},
		{"debited straight to failed", TransferDebited, TransferFailed, false},
		{"debited back to pending", TransferDebited, TransferPending, false},
		{"credited to committed", TransferCredited, TransferCommitted, true},
		{"credited to failed", TransferCredited, TransferFailed, false},
		{"debit_reversed to failed", TransferDebitReversed, TransferFailed, true},
		{"debit_reversed to committed", TransferDebitReversed, TransferCommitted, false},
		{"committed is terminal", TransferCommitted, TransferFailed, false},
		{"failed is terminal", TransferFailed, TransferPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Fatalf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[TransferStatus]bool{
		TransferPending:       false,
		TransferDebited:       false,
		TransferCredited:      false,
		TransferDebitReversed: false,
		TransferCommitted:     true,
		TransferFailed:        true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Fatalf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestLegalPredecessorsCoverEveryTransition(t *testing.T) {
	preds := LegalPredecessors(TransferFailed)
	if len(preds) != 2 {
		t.Fatalf("expected 2 predecessors for failed, got %v", preds)
	}
	seen := map[TransferStatus]bool{}
	for _, p := range preds {
		seen[p] = true
	}
	if !seen[TransferPending] || !seen[TransferDebitReversed] {
		t.Fatalf("expected pending and debit_reversed as predecessors of failed, got %v", preds)
	}

	if got := LegalPredecessors(TransferPending); len(got) != 0 {
		t.Fatalf("pending must have no predecessors, got %v", got)
	}
}
