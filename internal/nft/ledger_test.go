package nft_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jensholdgaard/nft-auction-house/internal/nft"
)

func TestLedger_Transfer(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(l *nft.Ledger) (tokenID string)
		op      func(l *nft.Ledger, tokenID string) error
		wantErr error
	}{
		{
			name:  "owner transfers own token",
			setup: func(l *nft.Ledger) string { return l.Mint("alice") },
			op: func(l *nft.Ledger, id string) error {
				return l.Transfer(ctx, "alice", "alice", "bob", id)
			},
		},
		{
			name:  "approved operator transfers",
			setup: func(l *nft.Ledger) string { return l.Mint("alice") },
			op: func(l *nft.Ledger, id string) error {
				if err := l.Approve(ctx, "alice", "escrow", id); err != nil {
					return err
				}
				return l.Transfer(ctx, "escrow", "alice", "escrow", id)
			},
		},
		{
			name:  "unapproved operator rejected",
			setup: func(l *nft.Ledger) string { return l.Mint("alice") },
			op: func(l *nft.Ledger, id string) error {
				return l.Transfer(ctx, "escrow", "alice", "escrow", id)
			},
			wantErr: nft.ErrNotOwnerApproved,
		},
		{
			name:  "nonexistent token rejected",
			setup: func(l *nft.Ledger) string { return "token-404" },
			op: func(l *nft.Ledger, id string) error {
				return l.Transfer(ctx, "alice", "alice", "bob", id)
			},
			wantErr: nft.ErrNonexistentToken,
		},
		{
			name:  "from must be the owner",
			setup: func(l *nft.Ledger) string { return l.Mint("alice") },
			op: func(l *nft.Ledger, id string) error {
				return l.Transfer(ctx, "alice", "mallory", "bob", id)
			},
			wantErr: nft.ErrNotOwn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := nft.NewLedger()
			id := tt.setup(l)
			err := tt.op(l, id)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLedger_ApprovalClearedOnTransfer(t *testing.T) {
	ctx := context.Background()
	l := nft.NewLedger()
	id := l.Mint("alice")

	if err := l.Approve(ctx, "alice", "escrow", id); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := l.Transfer(ctx, "escrow", "alice", "escrow", id); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	// The old approval must not survive the transfer.
	ok, err := l.IsApprovedOrOwner(ctx, "alice", id)
	if err != nil {
		t.Fatalf("IsApprovedOrOwner: %v", err)
	}
	if ok {
		t.Error("previous owner still approved after transfer")
	}
}

func TestLedger_BalanceOf(t *testing.T) {
	ctx := context.Background()
	l := nft.NewLedger()
	l.Mint("alice")
	id := l.Mint("alice")

	if n, _ := l.BalanceOf(ctx, "alice"); n != 2 {
		t.Errorf("BalanceOf(alice) = %d, want 2", n)
	}

	if err := l.Transfer(ctx, "alice", "alice", "bob", id); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if n, _ := l.BalanceOf(ctx, "alice"); n != 1 {
		t.Errorf("BalanceOf(alice) = %d, want 1", n)
	}
	if n, _ := l.BalanceOf(ctx, "bob"); n != 1 {
		t.Errorf("BalanceOf(bob) = %d, want 1", n)
	}
}

func TestLedger_ApproveRequiresOwner(t *testing.T) {
	ctx := context.Background()
	l := nft.NewLedger()
	id := l.Mint("alice")

	if err := l.Approve(ctx, "mallory", "escrow", id); !errors.Is(err, nft.ErrNotOwner) {
		t.Errorf("got error %v, want %v", err, nft.ErrNotOwner)
	}
}
