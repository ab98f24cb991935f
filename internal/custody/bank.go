package custody

import (
	"CurvePool/internal/ledger"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrZeroAddress   = errors.New("zero address")
	ErrUnknownRevert = errors.New("unknown custody revision")
)

// Transfer describes a completed balance movement handed to hooks.
type Transfer struct {
	Asset  common.Address
	From   common.Address
	To     common.Address
	Amount *uint256.Int
	Type   ledger.JournalType
}

// Hook runs synchronously after an asset moves, on the caller's goroutine.
// It stands in for token code the engine does not control; a non-nil error
// fails the transfer. Engine mutators called from a hook fail with a
// reentrancy error whatever context they carry; reads succeed only with ctx.
type Hook func(ctx context.Context, t Transfer) error

// Bank is an in-memory multi-asset custodian. Balance changes are recorded as
// journals and can be reverted to a revision taken with Snapshot.
type Bank struct {
	mu        sync.RWMutex
	balances  *ledger.BalanceTracker
	journals  *ledger.JournalGenerator
	hooks     map[common.Address]Hook
	revisions []revision
}

type revision struct {
	balances int
	journals int
}

func NewBank() *Bank {
	return &Bank{
		balances: ledger.NewBalanceTracker(),
		journals: ledger.NewJournalGenerator(),
		hooks:    make(map[common.Address]Hook),
	}
}

// SetHook installs h for asset; nil removes it.
func (b *Bank) SetHook(asset common.Address, h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h == nil {
		delete(b.hooks, asset)
		return
	}
	b.hooks[asset] = h
}

// Mint credits amount of asset to holder from outside the system.
func (b *Bank) Mint(asset, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) || asset == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount.IsZero() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.apply(ledger.NewAccountKey(to, asset), ledger.ExternalAccountKey(asset), amount, ledger.JournalTypeDeposit)
}

// Transfer moves amount of asset from one holder to another, then runs the
// asset's hook. Zero amounts are accepted and only run the hook.
func (b *Bank) Transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int, jt ledger.JournalType) error {
	if from == (common.Address{}) || to == (common.Address{}) || asset == (common.Address{}) {
		return ErrZeroAddress
	}

	b.mu.Lock()
	if !amount.IsZero() && from != to {
		err := b.apply(ledger.NewAccountKey(to, asset), ledger.NewAccountKey(from, asset), amount, jt)
		if err != nil {
			b.mu.Unlock()
			return err
		}
	}
	hook := b.hooks[asset]
	b.mu.Unlock()

	if hook == nil {
		return nil
	}
	return hook(ctx, Transfer{Asset: asset, From: from, To: to, Amount: amount.Clone(), Type: jt})
}

func (b *Bank) apply(debit, credit ledger.AccountKey, amount *uint256.Int, jt ledger.JournalType) error {
	mark := b.journals.Mark()
	j := b.journals.Append(debit, credit, amount, jt)
	if err := b.balances.ApplyJournal(j); err != nil {
		b.journals.Truncate(mark)
		return err
	}
	return nil
}

// BalanceOf returns holder's balance of asset.
func (b *Bank) BalanceOf(asset, holder common.Address) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances.GetBalance(ledger.NewAccountKey(holder, asset))
}

// Snapshot returns a revision id for RevertToSnapshot.
func (b *Bank) Snapshot() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revisions = append(b.revisions, revision{
		balances: b.balances.Revision(),
		journals: b.journals.Mark(),
	})
	return len(b.revisions) - 1
}

// RevertToSnapshot undoes every balance change and journal since id.
func (b *Bank) RevertToSnapshot(id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id < 0 || id >= len(b.revisions) {
		return fmt.Errorf("%w: %d", ErrUnknownRevert, id)
	}
	r := b.revisions[id]
	b.balances.RevertTo(r.balances)
	b.journals.Truncate(r.journals)
	b.revisions = b.revisions[:id]
	return nil
}

// BeginBatch opens the journal batch for a command.
func (b *Bank) BeginBatch(eventRef string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.journals.Begin(eventRef)
}

// Commit makes all changes since the last commit permanent and returns the
// journals recorded for them, stamped with sequence.
func (b *Bank) Commit(sequence int64) *ledger.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances.Commit()
	b.revisions = b.revisions[:0]
	return b.journals.Finish(sequence)
}

// Balances returns a copy of every tracked balance.
func (b *Bank) Balances() map[ledger.AccountKey]*uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances.Snapshot()
}

// Restore overwrites balances from a snapshot.
func (b *Bank) Restore(balances map[ledger.AccountKey]*uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range balances {
		b.balances.SetBalance(k, v)
	}
}
