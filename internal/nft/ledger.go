package nft

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Errors returned by the in-memory ledger. Wording follows the ERC721
// reference implementation so callers see familiar failure reasons.
var (
	ErrNonexistentToken = errors.New("operator query for nonexistent token")
	ErrNotOwnerApproved = errors.New("transfer caller is not owner nor approved")
	ErrNotOwn           = errors.New("transfer of token that is not own")
	ErrNotOwner         = errors.New("approve caller is not token owner")
)

// Ledger is an in-memory Registry used by the single-node deployment and by
// tests. Safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	owners   map[string]string // tokenID -> owner
	approved map[string]string // tokenID -> approved operator
	nextID   int
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		owners:   make(map[string]string),
		approved: make(map[string]string),
	}
}

// Mint creates a new token owned by account and returns its ID.
func (l *Ledger) Mint(account string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := fmt.Sprintf("token-%d", l.nextID)
	l.nextID++
	l.owners[id] = account
	return id
}

func (l *Ledger) Transfer(_ context.Context, operator, from, to, tokenID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, ok := l.owners[tokenID]
	if !ok {
		return ErrNonexistentToken
	}
	if operator != owner && l.approved[tokenID] != operator {
		return ErrNotOwnerApproved
	}
	if owner != from {
		return ErrNotOwn
	}

	l.owners[tokenID] = to
	delete(l.approved, tokenID) // approval is cleared on transfer
	return nil
}

func (l *Ledger) OwnerOf(_ context.Context, tokenID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	owner, ok := l.owners[tokenID]
	if !ok {
		return "", ErrNonexistentToken
	}
	return owner, nil
}

func (l *Ledger) Approve(_ context.Context, owner, operator, tokenID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	actual, ok := l.owners[tokenID]
	if !ok {
		return ErrNonexistentToken
	}
	if actual != owner {
		return ErrNotOwner
	}
	l.approved[tokenID] = operator
	return nil
}

func (l *Ledger) IsApprovedOrOwner(_ context.Context, operator, tokenID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	owner, ok := l.owners[tokenID]
	if !ok {
		return false, ErrNonexistentToken
	}
	return operator == owner || l.approved[tokenID] == operator, nil
}

func (l *Ledger) BalanceOf(_ context.Context, account string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, owner := range l.owners {
		if owner == account {
			n++
		}
	}
	return n, nil
}
