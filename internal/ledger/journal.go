package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeRegisterSeed
	JournalTypeBuyIn
	JournalTypeBuyOut
	JournalTypeSellIn
	JournalTypeSellOut
	JournalTypeFeeWithdrawal
	JournalTypeTransfer
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeRegisterSeed:
		return "register_seed"
	case JournalTypeBuyIn:
		return "buy_in"
	case JournalTypeBuyOut:
		return "buy_out"
	case JournalTypeSellIn:
		return "sell_in"
	case JournalTypeSellOut:
		return "sell_out"
	case JournalTypeFeeWithdrawal:
		return "fee_withdrawal"
	default:
		return "transfer"
	}
}

// Journal records one asset movement. Debit receives, credit pays.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // Command id that caused the movement
	Sequence      int64
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Amount        *uint256.Int // Always positive
	JournalType   JournalType
}

// Batch groups the journals produced by one command.
type Batch struct {
	BatchID  uuid.UUID
	EventRef string
	Sequence int64
	Journals []Journal
}

// Validate ensures the batch is well-formed. Each journal is balanced by
// construction (one amount leaves credit and reaches debit).
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.CreditAccount.Asset {
			return fmt.Errorf("journal %s moves between different assets", j.JournalID)
		}
	}
	return nil
}
