package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	fpmath "SafeLedger/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger owns every account balance, share and nonce. All mutation goes
// through ApplyBatch; views take a read lock so they can never observe a
// half-applied batch.
type Ledger struct {
	mu           sync.RWMutex
	accounts     map[AccountID]*Account
	totalBalance Amount
	totalShares  Amount
	sequence     uint64 // last applied batch sequence
}

func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[AccountID]*Account),
	}
}

// staged is the scratch state a batch is validated against before commit.
type staged struct {
	accounts     map[AccountID]Account
	totalBalance Amount
	totalShares  Amount
}

func (s *staged) account(l *Ledger, id AccountID) Account {
	if a, ok := s.accounts[id]; ok {
		return a
	}
	if a, ok := l.accounts[id]; ok {
		return *a
	}
	return Account{ID: id}
}

// ApplyBatch validates and applies a batch as one indivisible step.
// The batch sequence must be exactly one past the last applied sequence.
// On any error nothing is changed.
func (l *Ledger) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if batch.Sequence != l.sequence+1 {
		return fmt.Errorf("%w: batch %s has sequence %d, expected %d",
			ErrInvalidSequence, batch.BatchID, batch.Sequence, l.sequence+1)
	}

	s := &staged{
		accounts:     make(map[AccountID]Account, len(batch.Entries)),
		totalBalance: l.totalBalance,
		totalShares:  l.totalShares,
	}

	for _, e := range batch.Entries {
		acct := s.account(l, e.Account)
		if err := applyEntry(s, &acct, e); err != nil {
			return fmt.Errorf("batch %s entry %s (%s): %w", batch.BatchID, e.EntryID, e.Kind, err)
		}
		if batch.Timestamp > acct.LastActionTimestamp {
			acct.LastActionTimestamp = batch.Timestamp
		}
		s.accounts[e.Account] = acct
	}

	// Commit
	for id, acct := range s.accounts {
		a := acct
		l.accounts[id] = &a
	}
	l.totalBalance = s.totalBalance
	l.totalShares = s.totalShares
	l.sequence = batch.Sequence

	return nil
}

func applyEntry(s *staged, acct *Account, e Entry) error {
	var err error
	switch e.Kind {
	case EntryCredit:
		if acct.Balance, err = acct.Balance.Add(e.Amount); err != nil {
			return err
		}
		if acct.Shares, err = acct.Shares.Add(e.Shares); err != nil {
			return err
		}
		if s.totalBalance, err = s.totalBalance.Add(e.Amount); err != nil {
			return err
		}
		if s.totalShares, err = s.totalShares.Add(e.Shares); err != nil {
			return err
		}

	case EntryDebit:
		if acct.Balance.Lt(e.Amount) {
			return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientBalance, acct.Balance, e.Amount)
		}
		if acct.Shares.Lt(e.Shares) {
			return fmt.Errorf("%w: shares have=%s, need=%s", ErrInsufficientBalance, acct.Shares, e.Shares)
		}
		if acct.Balance, err = acct.Balance.Sub(e.Amount); err != nil {
			return err
		}
		if acct.Shares, err = acct.Shares.Sub(e.Shares); err != nil {
			return err
		}
		if s.totalBalance, err = s.totalBalance.Sub(e.Amount); err != nil {
			return err
		}
		if s.totalShares, err = s.totalShares.Sub(e.Shares); err != nil {
			return err
		}

	case EntryNonceAdvance:
		switch {
		case e.Nonce < acct.Nonce:
			return fmt.Errorf("%w: nonce %d, account at %d", ErrReplayedAuthorization, e.Nonce, acct.Nonce)
		case e.Nonce > acct.Nonce:
			return fmt.Errorf("%w: nonce %d, account at %d", ErrInvalidSequence, e.Nonce, acct.Nonce)
		}
		acct.Nonce++

	case EntryNonceRevert:
		if acct.Nonce == 0 || acct.Nonce-1 != e.Nonce {
			return fmt.Errorf("%w: cannot release nonce %d, account at %d", ErrInvalidSequence, e.Nonce, acct.Nonce)
		}
		acct.Nonce = e.Nonce
	}
	return nil
}

// Credit mints shares at the current price (rounded down) and credits
// amount to account. Returns the new balance.
func (l *Ledger) Credit(account AccountID, amount Amount, ref string, timestamp int64) (Amount, error) {
	shares, err := l.SharesForDeposit(amount)
	if err != nil {
		return Amount{}, err
	}
	if err := l.ApplyBatch(l.singleEntry(account, EntryCredit, amount, shares, ref, timestamp)); err != nil {
		return Amount{}, err
	}
	return l.BalanceOf(account), nil
}

// Debit burns the shares backing amount and debits it from account.
// Returns the new balance.
func (l *Ledger) Debit(account AccountID, amount Amount, ref string, timestamp int64) (Amount, error) {
	shares, err := l.SharesForBurn(account, amount)
	if err != nil {
		return Amount{}, err
	}
	if err := l.ApplyBatch(l.singleEntry(account, EntryDebit, amount, shares, ref, timestamp)); err != nil {
		return Amount{}, err
	}
	return l.BalanceOf(account), nil
}

func (l *Ledger) singleEntry(account AccountID, kind EntryKind, amount, shares Amount, ref string, timestamp int64) *Batch {
	batchID := uuid.New()
	batchKind := BatchDeposit
	if kind == EntryDebit {
		batchKind = BatchReserve
	}
	return &Batch{
		BatchID:      batchID,
		OperationRef: ref,
		Kind:         batchKind,
		Sequence:     l.Sequence() + 1,
		Timestamp:    timestamp,
		Entries: []Entry{{
			EntryID: uuid.New(),
			BatchID: batchID,
			Account: account,
			Kind:    kind,
			Amount:  amount,
			Shares:  shares,
		}},
	}
}

// === Views ===

// Account returns a copy of the account state.
func (l *Ledger) Account(id AccountID) (Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[id]
	if !ok {
		return Account{ID: id}, false
	}
	return *a, true
}

func (l *Ledger) BalanceOf(id AccountID) Amount {
	a, _ := l.Account(id)
	return a.Balance
}

func (l *Ledger) SharesOf(id AccountID) Amount {
	a, _ := l.Account(id)
	return a.Shares
}

// NonceOf returns the next unused authorization nonce for id.
func (l *Ledger) NonceOf(id AccountID) uint64 {
	a, _ := l.Account(id)
	return a.Nonce
}

// Totals returns totalBalance and totalShares from one consistent read.
func (l *Ledger) Totals() (totalBalance, totalShares Amount) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalBalance, l.totalShares
}

// Sequence returns the last applied batch sequence.
func (l *Ledger) Sequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// SharePrice returns totalBalance/totalShares as an 18-decimal fixed-point
// value, or exactly 1.0 when no shares exist.
func (l *Ledger) SharePrice() Amount {
	tb, ts := l.Totals()
	price, ok := fpmath.SharePrice(tb.Uint256(), ts.Uint256())
	if !ok {
		// totalBalance*1e18 does not fit 256 bits; unreachable for sane supplies.
		panic(fmt.Sprintf("FATAL: share price overflow: balance=%s shares=%s", tb, ts))
	}
	return AmountFromUint256(price)
}

// SharePriceDecimal renders SharePrice.
func (l *Ledger) SharePriceDecimal() decimal.Decimal {
	p := l.SharePrice()
	return fpmath.PriceDecimal(p.Uint256())
}

// SharesForDeposit returns the shares minted for amount, rounded down.
func (l *Ledger) SharesForDeposit(amount Amount) (Amount, error) {
	tb, ts := l.Totals()
	shares, ok := fpmath.SharesForAmount(amount.Uint256(), tb.Uint256(), ts.Uint256(), fpmath.RoundDown)
	if !ok {
		return Amount{}, fmt.Errorf("%w: shares for %s", ErrOverflow, amount)
	}
	return AmountFromUint256(shares), nil
}

// SharesForBurn returns the shares burned when amount leaves account:
// rounded up, capped at the account's shares, and all of them when the
// full balance leaves.
func (l *Ledger) SharesForBurn(account AccountID, amount Amount) (Amount, error) {
	l.mu.RLock()
	acct, ok := l.accounts[account]
	tb, ts := l.totalBalance, l.totalShares
	var held Account
	if ok {
		held = *acct
	}
	l.mu.RUnlock()

	if held.Balance.Lt(amount) {
		return Amount{}, fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientBalance, held.Balance, amount)
	}
	if held.Balance.Eq(amount) {
		return held.Shares, nil
	}

	shares, ok2 := fpmath.SharesForAmount(amount.Uint256(), tb.Uint256(), ts.Uint256(), fpmath.RoundUp)
	if !ok2 {
		return Amount{}, fmt.Errorf("%w: shares for %s", ErrOverflow, amount)
	}
	return AmountFromUint256(shares).Min(held.Shares), nil
}

// Accounts returns a copy of every account, ordered by id.
func (l *Ledger) Accounts() []Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// Digest returns the canonical bytes of every account touched by batch,
// plus the pool totals, for the state hash chain.
func (l *Ledger) Digest(batch *Batch) []byte {
	touched := make(map[AccountID]bool, len(batch.Entries))
	ids := make([]AccountID, 0, len(batch.Entries))
	for _, e := range batch.Entries {
		if !touched[e.Account] {
			touched[e.Account] = true
			ids = append(ids, e.Account)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	l.mu.RLock()
	defer l.mu.RUnlock()

	digest := make([]byte, 0, 64+len(ids)*(20+32+32+8))
	for _, id := range ids {
		var a Account
		if p, ok := l.accounts[id]; ok {
			a = *p
		}
		digest = append(digest, id[:]...)
		bal := a.Balance.Bytes32()
		digest = append(digest, bal[:]...)
		sh := a.Shares.Bytes32()
		digest = append(digest, sh[:]...)
		digest = binary.BigEndian.AppendUint64(digest, a.Nonce)
	}
	tb := l.totalBalance.Bytes32()
	ts := l.totalShares.Bytes32()
	digest = append(digest, tb[:]...)
	digest = append(digest, ts[:]...)
	return digest
}

// === Snapshot ===

// Snapshot is the serialisable ledger state.
type Snapshot struct {
	Sequence     uint64    `json:"sequence"`
	TotalBalance Amount    `json:"total_balance"`
	TotalShares  Amount    `json:"total_shares"`
	Accounts     []Account `json:"accounts"`
}

func (l *Ledger) Snapshot() Snapshot {
	accounts := l.Accounts()
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{
		Sequence:     l.sequence,
		TotalBalance: l.totalBalance,
		TotalShares:  l.totalShares,
		Accounts:     accounts,
	}
}

// Restore replaces the ledger state with snap. Totals are recomputed from
// the accounts and must match the recorded ones.
func (l *Ledger) Restore(snap Snapshot) error {
	accounts := make(map[AccountID]*Account, len(snap.Accounts))
	var tb, ts Amount
	var err error
	for _, a := range snap.Accounts {
		acct := a
		accounts[a.ID] = &acct
		if tb, err = tb.Add(a.Balance); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if ts, err = ts.Add(a.Shares); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	if !tb.Eq(snap.TotalBalance) || !ts.Eq(snap.TotalShares) {
		return fmt.Errorf("restore: snapshot totals mismatch: balance %s != %s or shares %s != %s",
			tb, snap.TotalBalance, ts, snap.TotalShares)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = accounts
	l.totalBalance = tb
	l.totalShares = ts
	l.sequence = snap.Sequence
	return nil
}
