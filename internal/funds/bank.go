// Package funds defines the currency-transfer collaborator consumed by the
// marketplace for escrowing bids and paying out sellers and refunds.
package funds

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Bank moves funds between accounts.
type Bank interface {
	// Transfer moves amount from one account to another. A failed transfer
	// leaves both balances unchanged.
	Transfer(ctx context.Context, from, to string, amount int64) error
	// Balance returns the current balance of account.
	Balance(ctx context.Context, account string) (int64, error)
}

// ErrInsufficientFunds is returned when a transfer exceeds the sender's balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Vault is an in-memory Bank used by the single-node deployment and by
// tests. Safe for concurrent use.
type Vault struct {
	mu       sync.RWMutex
	balances map[string]int64
}

// NewVault returns an empty Vault.
func NewVault() *Vault {
	return &Vault{balances: make(map[string]int64)}
}

// Deposit credits account with amount. Used to seed balances.
func (v *Vault) Deposit(account string, amount int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[account] += amount
}

func (v *Vault) Transfer(_ context.Context, from, to string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative transfer amount %d", amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balances[from] < amount {
		return fmt.Errorf("transferring %d from %s: %w", amount, from, ErrInsufficientFunds)
	}
	v.balances[from] -= amount
	v.balances[to] += amount
	return nil
}

func (v *Vault) Balance(_ context.Context, account string) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[account], nil
}
