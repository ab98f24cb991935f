package persistence

import (
	"CurvePool/internal/core"
	"CurvePool/internal/event"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventLogWriter writes events and journals to Postgres using multi-row
// INSERT statements inside the caller's transaction.
type EventLogWriter struct {
	db *sql.DB
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Asset          *string // Hex address, nil for global events
	Payload        []byte
	Command        []byte
	StateDigest    []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // Decimal, stored as NUMERIC(78,0)
	JournalType   string
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput flattens a committed core output into storage rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		Command:        env.Command,
		StateDigest:    out.StateDigest,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
	if env.Asset != nil {
		hex := env.Asset.Hex()
		row.Asset = &hex
	}

	if out.Batch == nil {
		return row, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         j.DebitAccount.Asset.Hex(),
			Amount:        j.Amount.Dec(),
			JournalType:   j.JournalType.String(),
		})
	}
	return row, journals
}

// EnvelopeFromRow rebuilds the envelope stored in row.
func EnvelopeFromRow(row EventRow) (*event.EventEnvelope, error) {
	et := event.ParseEventType(row.EventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("event %d: unknown type %q", row.Sequence, row.EventType)
	}
	if len(row.StateHash) != 32 || len(row.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: malformed hash", row.Sequence)
	}
	env := &event.EventEnvelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		EventType:      et,
		Timestamp:      row.Timestamp.UTC(),
		Payload:        row.Payload,
		Command:        row.Command,
	}
	if row.Asset != nil {
		if !common.IsHexAddress(*row.Asset) {
			return nil, fmt.Errorf("event %d: malformed asset %q", row.Sequence, *row.Asset)
		}
		a := common.HexToAddress(*row.Asset)
		env.Asset = &a
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)
	return env, nil
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, tx execer) error {
	if len(events) == 0 {
		return nil
	}
	if tx == nil {
		tx = w.db
	}

	const cols = 10
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, asset, payload, command, state_digest, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Asset,
			e.Payload, e.Command, e.StateDigest, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, journals []JournalRow, tx execer) error {
	if len(journals) == 0 {
		return nil
	}
	if tx == nil {
		tx = w.db
	}

	const cols = 9
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount, j.JournalType,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders returns "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
