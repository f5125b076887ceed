// Package nft defines the asset-custody collaborator consumed by the
// marketplace. The registry owns token existence, ownership and approval
// rules; the marketplace only instructs transfers and trusts the registry
// to reject illegitimate ones.
package nft

import "context"

// Registry moves uniquely identified tokens between accounts and enforces
// ownership and approval.
type Registry interface {
	// Transfer moves tokenID from one account to another on behalf of
	// operator. It fails unless operator is the token's owner or has been
	// approved for it.
	Transfer(ctx context.Context, operator, from, to, tokenID string) error
	// OwnerOf returns the current owner of tokenID.
	OwnerOf(ctx context.Context, tokenID string) (string, error)
	// Approve grants operator the right to transfer tokenID. Only the
	// token's owner may approve.
	Approve(ctx context.Context, owner, operator, tokenID string) error
	// IsApprovedOrOwner reports whether operator may transfer tokenID.
	IsApprovedOrOwner(ctx context.Context, operator, tokenID string) (bool, error)
	// BalanceOf returns the number of tokens held by account.
	BalanceOf(ctx context.Context, account string) (int, error)
}
