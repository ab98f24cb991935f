package ledger

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator accumulates the journals of the command currently being
// processed. Begin opens a batch, Finish stamps the sequence and hands it off.
// Journals appended outside a batch are recorded under an anonymous batch.
type JournalGenerator struct {
	batch *Batch
}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// Begin opens a new batch for eventRef, discarding any unfinished one.
func (g *JournalGenerator) Begin(eventRef string) {
	g.batch = &Batch{
		BatchID:  uuid.New(),
		EventRef: eventRef,
	}
}

// Append records a movement of amount from credit to debit.
func (g *JournalGenerator) Append(debit, credit AccountKey, amount *uint256.Int, jt JournalType) Journal {
	if g.batch == nil {
		g.Begin("")
	}
	j := Journal{
		JournalID:     uuid.New(),
		BatchID:       g.batch.BatchID,
		EventRef:      g.batch.EventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount.Clone(),
		JournalType:   jt,
	}
	g.batch.Journals = append(g.batch.Journals, j)
	return j
}

// Mark returns the number of journals in the open batch.
func (g *JournalGenerator) Mark() int {
	if g.batch == nil {
		return 0
	}
	return len(g.batch.Journals)
}

// Truncate drops journals appended after mark.
func (g *JournalGenerator) Truncate(mark int) {
	if g.batch == nil || mark >= len(g.batch.Journals) {
		return
	}
	g.batch.Journals = g.batch.Journals[:mark]
}

// Finish closes the open batch, stamping every journal with sequence.
// Returns nil when no batch is open.
func (g *JournalGenerator) Finish(sequence int64) *Batch {
	b := g.batch
	g.batch = nil
	if b == nil {
		return nil
	}
	b.Sequence = sequence
	for i := range b.Journals {
		b.Journals[i].Sequence = sequence
	}
	return b
}
