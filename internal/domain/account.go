// Package domain defines the core types of the settlement engine: accounts,
// signed instructions, markets, pools, and receipts, plus the store and
// cache interfaces implemented by the infrastructure packages.
package domain

import "time"

// Account is a ledger account keyed by its lowercase hex address. Accounts
// are created lazily on first credit and never deleted.
type Account struct {
	Address   string    `json:"address"`
	Balance   float64   `json:"balance"` // never negative
	Nonce     uint64    `json:"nonce"`   // last accepted instruction nonce
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
