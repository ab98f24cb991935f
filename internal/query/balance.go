package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceResponse is one holder's balance of one asset.
type BalanceResponse struct {
	Holder       string `json:"holder"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
	Source       string `json:"source"` // "engine" or "projection"
}

// GetBalance returns holder's balance of asset. The live engine is
// authoritative; the projection answers when no engine is attached.
func (qs *QueryService) GetBalance(ctx context.Context, holder, asset common.Address) (*BalanceResponse, error) {
	if qs.engine != nil {
		bal, err := qs.engine.BalanceOf(ctx, asset, holder)
		if err != nil {
			return nil, err
		}
		return &BalanceResponse{
			Holder:       holder.Hex(),
			Asset:        asset.Hex(),
			Balance:      bal.Dec(),
			AsOfSequence: qs.liveSequence(),
			Source:       "engine",
		}, nil
	}
	if qs.db == nil {
		return nil, ErrUnavailable
	}

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	resp := &BalanceResponse{
		Holder:       holder.Hex(),
		Asset:        asset.Hex(),
		Balance:      "0",
		AsOfSequence: asOf,
		Source:       "projection",
	}
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance::text FROM projections.balances
		WHERE holder = $1 AND asset = $2
	`, holder.Hex(), asset.Hex()).Scan(&resp.Balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return resp, nil
}

// GetJournalHistory returns journals touching holder, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, holder common.Address, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrUnavailable
	}
	accountPrefix := fmt.Sprintf("holder:%s:%%", holder.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount, &e.JournalType,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
