// Package ledger implements the authoritative account store: balances and
// instruction nonces per address, with atomic transfers.
//
// Locking follows a single-writer-per-account discipline: every account
// carries its own mutex, so operations on distinct accounts run in
// parallel while operations on one account serialize. Transfers lock both
// accounts in address order and hold both locks across the two-sided
// update, so no reader can observe a half-applied transfer.
package ledger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/marketd/internal/domain"
)

// Ledger is the single source of truth for balances and nonces. Total
// supply changes only through explicit Credit (mint) and Debit (burn);
// Transfer conserves it.
type Ledger struct {
	mu       sync.RWMutex // guards the accounts map, not account contents
	accounts map[string]*entry

	now func() time.Time
}

// entry pairs an account with its lock.
type entry struct {
	mu   sync.Mutex
	acct domain.Account
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[string]*entry),
		now:      time.Now,
	}
}

// getOrCreate returns the entry for addr, creating a zero-balance account
// on first touch. Accounts are never deleted.
func (l *Ledger) getOrCreate(addr string) *entry {
	addr = Normalize(addr)

	l.mu.RLock()
	e, ok := l.accounts[addr]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.accounts[addr]; ok {
		return e
	}
	e = &entry{acct: domain.Account{
		Address:   addr,
		CreatedAt: l.now(),
		UpdatedAt: l.now(),
	}}
	l.accounts[addr] = e
	return e
}

// get returns the entry for addr without creating it.
func (l *Ledger) get(addr string) (*entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.accounts[Normalize(addr)]
	return e, ok
}

// Normalize lowercases an address so lookups are case-insensitive across
// checksummed and plain hex forms.
func Normalize(addr string) string {
	return strings.ToLower(addr)
}

// Credit mints amt into addr's balance. The account is created lazily on
// first credit.
func (l *Ledger) Credit(addr string, amt float64) error {
	if amt <= 0 {
		return fmt.Errorf("%w: credit %v", domain.ErrInvalidAmount, amt)
	}
	e := l.getOrCreate(addr)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acct.Balance += amt
	e.acct.UpdatedAt = l.now()
	return nil
}

// Debit burns amt from addr's balance, failing without mutation when the
// balance cannot cover it.
func (l *Ledger) Debit(addr string, amt float64) error {
	if amt <= 0 {
		return fmt.Errorf("%w: debit %v", domain.ErrInvalidAmount, amt)
	}
	e, ok := l.get(addr)
	if !ok {
		return fmt.Errorf("%w: %s has no balance", domain.ErrInsufficientBalance, addr)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acct.Balance < amt {
		return fmt.Errorf("%w: %s has %v, need %v",
			domain.ErrInsufficientBalance, addr, e.acct.Balance, amt)
	}
	e.acct.Balance -= amt
	e.acct.UpdatedAt = l.now()
	return nil
}

// Transfer atomically moves amt from one account to another. The debit and
// credit commit together: both account locks are held for the duration, so
// either side failing leaves no partial state behind.
func (l *Ledger) Transfer(from, to string, amt float64) error {
	if amt <= 0 {
		return fmt.Errorf("%w: transfer %v", domain.ErrInvalidAmount, amt)
	}
	from, to = Normalize(from), Normalize(to)
	if from == to {
		return fmt.Errorf("%w: self transfer", domain.ErrInvalidAmount)
	}

	src := l.getOrCreate(from)
	dst := l.getOrCreate(to)

	// Lock in address order to avoid deadlock with a concurrent reverse
	// transfer.
	first, second := src, dst
	if to < from {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if src.acct.Balance < amt {
		return fmt.Errorf("%w: %s has %v, need %v",
			domain.ErrInsufficientBalance, from, src.acct.Balance, amt)
	}

	src.acct.Balance -= amt
	dst.acct.Balance += amt
	ts := l.now()
	src.acct.UpdatedAt = ts
	dst.acct.UpdatedAt = ts
	return nil
}

// Balance returns addr's current balance; unknown accounts read as zero.
func (l *Ledger) Balance(addr string) float64 {
	e, ok := l.get(addr)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct.Balance
}

// Nonce returns the last accepted instruction nonce for addr.
func (l *Ledger) Nonce(addr string) uint64 {
	e, ok := l.get(addr)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acct.Nonce
}

// CheckNonce verifies that n is the next nonce for addr without advancing
// anything. It backs the side-effect-free verification pass.
func (l *Ledger) CheckNonce(addr string, n uint64) error {
	return checkAgainst(l.Nonce(addr), n)
}

// AcceptNonce advances addr's nonce to n, failing unless n is exactly one
// past the stored value. Accepted nonces therefore increase strictly with
// no gaps.
func (l *Ledger) AcceptNonce(addr string, n uint64) error {
	e := l.getOrCreate(addr)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkAgainst(e.acct.Nonce, n); err != nil {
		return err
	}
	e.acct.Nonce = n
	e.acct.UpdatedAt = l.now()
	return nil
}

func checkAgainst(stored, n uint64) error {
	switch {
	case n <= stored:
		return fmt.Errorf("%w: nonce %d already consumed (at %d)", domain.ErrNonceReplay, n, stored)
	case n > stored+1:
		return fmt.Errorf("%w: nonce %d skips ahead of %d", domain.ErrNonceGap, n, stored)
	default:
		return nil
	}
}

// TotalSupply sums all balances. Used by conservation checks and tests; it
// takes the map read lock plus each account lock in turn, so concurrent
// transfers may be counted before or after but never half-applied.
func (l *Ledger) TotalSupply() float64 {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.accounts))
	for _, e := range l.accounts {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	var total float64
	for _, e := range entries {
		e.mu.Lock()
		total += e.acct.Balance
		e.mu.Unlock()
	}
	return total
}

// Accounts returns a copy of every account, for snapshots.
func (l *Ledger) Accounts() []domain.Account {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.accounts))
	for _, e := range l.accounts {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]domain.Account, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.acct)
		e.mu.Unlock()
	}
	return out
}

// Restore replaces the ledger contents with the given accounts. The caller
// must have quiesced all writers (the engine holds its state gate).
func (l *Ledger) Restore(accounts []domain.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[string]*entry, len(accounts))
	for _, a := range accounts {
		a.Address = Normalize(a.Address)
		l.accounts[a.Address] = &entry{acct: a}
	}
}
