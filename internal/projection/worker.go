package projection

import (
	"CurvePool/internal/core"
	"CurvePool/internal/event"
	"CurvePool/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const watermarkName = "main"

// Statement is one SQL write produced for a core output.
type Statement struct {
	Query string
	Args  []any
}

// PlanOutput returns the projection writes for out, in execution order.
func PlanOutput(out core.CoreOutput) ([]Statement, error) {
	env := out.Envelope
	evt := out.Event
	if evt == nil {
		var err error
		if evt, err = event.Decode(env.EventType, env.Payload); err != nil {
			return nil, err
		}
	}

	stmts := planEvent(env, evt)

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			// Debit receives, credit pays. The deposit boundary is not tracked.
			if !j.DebitAccount.IsExternal() {
				stmts = append(stmts, balanceDelta(j.DebitAccount.Holder.Hex(), j.DebitAccount.Asset.Hex(), "+", j.Amount.Dec(), env.Sequence))
			}
			if !j.CreditAccount.IsExternal() {
				stmts = append(stmts, balanceDelta(j.CreditAccount.Holder.Hex(), j.CreditAccount.Asset.Hex(), "-", j.Amount.Dec(), env.Sequence))
			}
		}
	}

	stmts = append(stmts, Statement{
		Query: `INSERT INTO projections.watermark (projection, last_sequence, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (projection) DO UPDATE SET last_sequence = $2, updated_at = NOW()`,
		Args: []any{watermarkName, env.Sequence},
	})
	return stmts, nil
}

// planEvent covers the pool and trade tables, which are derived from event
// payloads alone.
func planEvent(env *event.EventEnvelope, evt event.Event) []Statement {
	switch e := evt.(type) {
	case *event.PoolRegistered:
		return []Statement{{
			Query: `INSERT INTO projections.pools
				(asset, creator, supply, quote_reserve, trade_count, registered_seq, last_sequence, updated_at)
				VALUES ($1, $2, $3::numeric, $4::numeric, 0, $5, $5, $6)
				ON CONFLICT (asset) DO NOTHING`,
			Args: []any{e.Asset.Hex(), e.Creator.Hex(), e.InitialSupply.Dec(), e.InitialQuote.Dec(), env.Sequence, env.Timestamp},
		}}
	case *event.Bought, *event.Sold:
		t, _ := TradeFromEvent(env, evt)
		return []Statement{
			{
				Query: `UPDATE projections.pools
					SET supply = $2::numeric, quote_reserve = $3::numeric, last_price = $4::numeric,
					    trade_count = trade_count + 1, last_sequence = $5, updated_at = $6
					WHERE asset = $1 AND last_sequence < $5`,
				Args: []any{t.Asset.Hex(), t.SupplyAfter.Dec(), t.ReserveAfter.Dec(), t.UnitPrice.Dec(), t.Sequence, t.Timestamp},
			},
			{
				Query: `INSERT INTO projections.trades
					(sequence, asset, side, caller, recipient, quote_amount, token_amount, fee,
					 unit_price, supply_after, reserve_after, timestamp)
					VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11::numeric, $12)
					ON CONFLICT (sequence) DO NOTHING`,
				Args: []any{
					t.Sequence, t.Asset.Hex(), t.Side, t.Caller.Hex(), t.Recipient.Hex(),
					t.QuoteAmount.Dec(), t.TokenAmount.Dec(), t.Fee.Dec(),
					t.UnitPrice.Dec(), t.SupplyAfter.Dec(), t.ReserveAfter.Dec(), t.Timestamp,
				},
			},
		}
	}
	return nil
}

func balanceDelta(holder, asset, sign, amount string, seq int64) Statement {
	return Statement{
		Query: fmt.Sprintf(`INSERT INTO projections.balances (holder, asset, balance, last_sequence)
			VALUES ($1, $2, %s$3::numeric, $4)
			ON CONFLICT (holder, asset)
			DO UPDATE SET balance = projections.balances.balance %s $3::numeric, last_sequence = $4`, sign, sign),
		Args: []any{holder, asset, amount, seq},
	}
}

// ProjectionWorker updates projection tables from committed outputs. The
// projection channel drops on overflow; a worker that fell behind can be
// rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	trades    *TradeHistoryProjection
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	trades *TradeHistoryProjection,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		trades:    trades,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if pw.db != nil {
		seq, err := LoadWatermark(ctx, pw.db)
		if err != nil {
			return fmt.Errorf("load watermark: %w", err)
		}
		pw.lastSeq = seq
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue
			}
			if seq != pw.lastSeq+1 && pw.lastSeq >= 0 {
				pw.logger.Warn().
					Int64("expected", pw.lastSeq+1).
					Int64("got", seq).
					Msg("projection gap, rebuild required")
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and rebuildable.
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			}
			pw.lastSeq = seq
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	start := time.Now()
	if pw.trades != nil {
		if t, ok := TradeFromEvent(output.Envelope, output.Event); ok {
			pw.trades.AddEntry(t)
		}
	}
	if pw.db == nil {
		return nil
	}

	stmts, err := PlanOutput(output)
	if err != nil {
		return err
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.Query, s.Args...); err != nil {
			return fmt.Errorf("seq %d: %w", output.Envelope.Sequence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("sql").Observe(time.Since(start).Seconds())
	}
	return nil
}

// LoadWatermark returns the last projected sequence, or -1.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE projection = $1`, watermarkName,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// RebuildProjections rebuilds every projection table from the event log.
// Balances are summed from journals; pools and trades are replayed from
// stored payloads.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.pools`,
		`TRUNCATE projections.trades`,
		`TRUNCATE projections.balances`,
		`DELETE FROM projections.watermark WHERE projection = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (holder, asset, balance, last_sequence)
		SELECT holder, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT split_part(debit_account, ':', 2) AS holder, asset, amount AS delta, sequence
			FROM event_log.journal WHERE debit_account LIKE 'holder:%'
			UNION ALL
			SELECT split_part(credit_account, ':', 2) AS holder, asset, -amount AS delta, sequence
			FROM event_log.journal WHERE credit_account LIKE 'holder:%'
		) movements
		GROUP BY holder, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, event_type, payload, timestamp
		FROM event_log.events
		WHERE event_type IN ('PoolRegistered', 'Bought', 'Sold')
		ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	var stmts []Statement
	var last int64 = -1
	for rows.Next() {
		var (
			env     event.EventEnvelope
			typName string
		)
		if err := rows.Scan(&env.Sequence, &typName, &env.Payload, &env.Timestamp); err != nil {
			rows.Close()
			return err
		}
		env.EventType = event.ParseEventType(typName)
		evt, err := event.Decode(env.EventType, env.Payload)
		if err != nil {
			rows.Close()
			return fmt.Errorf("decode %d: %w", env.Sequence, err)
		}
		stmts = append(stmts, planEvent(&env, evt)...)
		last = env.Sequence
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.Query, s.Args...); err != nil {
			return fmt.Errorf("replay projection: %w", err)
		}
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), $1) FROM event_log.events`, last,
	).Scan(&last); err != nil {
		return err
	}
	if last >= 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (projection, last_sequence, updated_at)
			VALUES ($1, $2, NOW())
		`, watermarkName, last); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Int64("last_sequence", last).Msg("projection rebuild complete")
	return nil
}
