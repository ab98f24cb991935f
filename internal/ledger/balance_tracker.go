package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory holder balances with an undo log so a
// failed command can be rolled back to a revision.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
	undo     []balanceChange
}

type balanceChange struct {
	key     AccountKey
	prev    *uint256.Int
	existed bool
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
	}
}

// ApplyJournal moves j.Amount from the credit account to the debit account.
// The external boundary account is never debited against a balance.
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	var credited, debited *uint256.Int

	if !j.CreditAccount.IsExternal() {
		have := bt.GetBalance(j.CreditAccount)
		if have.Lt(j.Amount) {
			return fmt.Errorf("%w: %s has %s, needs %s",
				ErrInsufficientBalance, j.CreditAccount.AccountPath(), have.Dec(), j.Amount.Dec())
		}
		credited = new(uint256.Int).Sub(have, j.Amount)
	}

	if !j.DebitAccount.IsExternal() {
		sum, overflow := new(uint256.Int).AddOverflow(bt.GetBalance(j.DebitAccount), j.Amount)
		if overflow {
			return fmt.Errorf("balance overflow on %s", j.DebitAccount.AccountPath())
		}
		debited = sum
	}

	if credited != nil {
		bt.set(j.CreditAccount, credited)
	}
	if debited != nil {
		bt.set(j.DebitAccount, debited)
	}
	return nil
}

func (bt *BalanceTracker) set(key AccountKey, v *uint256.Int) {
	prev, existed := bt.balances[key]
	bt.undo = append(bt.undo, balanceChange{key: key, prev: prev, existed: existed})
	bt.balances[key] = v
}

// GetBalance returns a copy of the current balance for an account.
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := bt.balances[key]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// BalanceOf implements BalanceReader.
func (bt *BalanceTracker) BalanceOf(asset, holder common.Address) *uint256.Int {
	return bt.GetBalance(NewAccountKey(holder, asset))
}

// SetBalance overwrites a balance without recording undo. Used for snapshot restore.
func (bt *BalanceTracker) SetBalance(key AccountKey, v *uint256.Int) {
	bt.balances[key] = v.Clone()
}

// Revision returns a marker for RevertTo.
func (bt *BalanceTracker) Revision() int {
	return len(bt.undo)
}

// RevertTo undoes every change made after rev.
func (bt *BalanceTracker) RevertTo(rev int) {
	for i := len(bt.undo) - 1; i >= rev; i-- {
		c := bt.undo[i]
		if c.existed {
			bt.balances[c.key] = c.prev
		} else {
			delete(bt.balances, c.key)
		}
	}
	bt.undo = bt.undo[:rev]
}

// Commit discards the undo log. Revisions taken earlier become invalid.
func (bt *BalanceTracker) Commit() {
	bt.undo = bt.undo[:0]
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v.Clone()
	}
	return snapshot
}
