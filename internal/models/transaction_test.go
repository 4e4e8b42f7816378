package models

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from     TransactionStatus
		to       TransactionStatus
		expected bool
	}{
		// Happy path
		{TxStatusPending, TxStatusInEscrow, true},
		{TxStatusInEscrow, TxStatusShipped, true},
		{TxStatusShipped, TxStatusDelivered, true},
		{TxStatusDelivered, TxStatusCompleted, true},

		// Disputes
		{TxStatusShipped, TxStatusDisputed, true},
		{TxStatusDelivered, TxStatusDisputed, true},
		{TxStatusDisputed, TxStatusCompleted, true},
		{TxStatusDisputed, TxStatusCancelled, true},

		// Cancellation paths
		{TxStatusPending, TxStatusCancelled, true},
		{TxStatusInEscrow, TxStatusCancelled, true},

		// Invalid transitions
		{TxStatusPending, TxStatusShipped, false},
		{TxStatusPending, TxStatusDisputed, false},
		{TxStatusInEscrow, TxStatusDisputed, false},
		{TxStatusShipped, TxStatusCancelled, false},
		{TxStatusDelivered, TxStatusCancelled, false},
		{TxStatusShipped, TxStatusCompleted, false},
		{TxStatusCompleted, TxStatusCancelled, false},
		{TxStatusCancelled, TxStatusCompleted, false},
		{TxStatusCompleted, TxStatusDisputed, false},
		{TxStatusDisputed, TxStatusDelivered, false},
		{"nonexistent", TxStatusPending, false},
		{TxStatusPending, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			result := CanTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestAllStatusesHaveTransitionEntry(t *testing.T) {
	allStatuses := []TransactionStatus{
		TxStatusPending, TxStatusInEscrow, TxStatusShipped, TxStatusDelivered,
		TxStatusCompleted, TxStatusDisputed, TxStatusCancelled,
	}

	for _, status := range allStatuses {
		if !status.Valid() {
			t.Errorf("status %q missing from TransactionTransitions map", status)
		}
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	for status, next := range TransactionTransitions {
		if status.IsTerminal() && len(next) != 0 {
			t.Errorf("terminal status %q should have no transitions, got %v", status, next)
		}
		if !status.IsTerminal() && len(next) == 0 {
			t.Errorf("non-terminal status %q has no way out", status)
		}
	}
}

func TestDisputeTransitions(t *testing.T) {
	tests := []struct {
		from     DisputeStatus
		to       DisputeStatus
		expected bool
	}{
		{DisputeStatusOpen, DisputeStatusEscalated, true},
		{DisputeStatusOpen, DisputeStatusResolved, true},
		{DisputeStatusEscalated, DisputeStatusResolved, true},
		{DisputeStatusEscalated, DisputeStatusOpen, false},
		{DisputeStatusResolved, DisputeStatusOpen, false},
		{DisputeStatusResolved, DisputeStatusResolved, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransitionDispute(tt.from, tt.to); got != tt.expected {
				t.Errorf("CanTransitionDispute(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.expected)
			}
		})
	}
}

func TestTransactionCloneIsDeep(t *testing.T) {
	reason := "x"
	orig := &Transaction{FailureReason: &reason}
	c := orig.Clone()
	*c.FailureReason = "y"
	if *orig.FailureReason != "x" {
		t.Errorf("clone shares FailureReason pointer")
	}
}
