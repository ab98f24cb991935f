package persistence

import (
	"CurvePool/internal/core"
	"CurvePool/internal/ledger"
	"CurvePool/internal/pricing"
	"CurvePool/internal/state"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON form of core.SnapshotState. Amounts are decimal
// strings and accounts are keyed by AccountPath.
type SnapshotData struct {
	Sequence        int64                    `json:"sequence"`
	StateHash       string                   `json:"state_hash"`
	Config          ConfigSnapshot           `json:"config"`
	Pools           []PoolSnapshot           `json:"pools"`
	CurveParams     map[string]CurveSnapshot `json:"curve_params"` // asset -> params
	Balances        map[string]string        `json:"balances"`     // AccountPath -> balance
	IdempotencyKeys []string                 `json:"idempotency_keys"`
	CreatedAt       time.Time                `json:"created_at"`
}

type ConfigSnapshot struct {
	QuoteAsset   string `json:"quote_asset"`
	Factory      string `json:"factory"`
	Router       string `json:"router"`
	FeeCollector string `json:"fee_collector"`
	Owner        string `json:"owner"`
}

type PoolSnapshot struct {
	Asset        string `json:"asset"`
	Creator      string `json:"creator"`
	Supply       string `json:"supply"`
	QuoteReserve string `json:"quote_reserve"`
}

type CurveSnapshot struct {
	BasePrice string `json:"base_price"`
	Slope     string `json:"slope"`
	Threshold string `json:"threshold"`
	TailSlope string `json:"tail_slope"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// EncodeSnapshot converts engine state into its stored form.
func EncodeSnapshot(s *core.SnapshotState, at time.Time) *SnapshotData {
	d := &SnapshotData{
		Sequence:  s.Sequence,
		StateHash: hex.EncodeToString(s.StateHash[:]),
		Config: ConfigSnapshot{
			QuoteAsset:   s.Config.QuoteAsset.Hex(),
			Factory:      s.Config.Factory.Hex(),
			Router:       s.Config.Router.Hex(),
			FeeCollector: s.Config.FeeCollector.Hex(),
			Owner:        s.Config.Owner.Hex(),
		},
		Pools:           make([]PoolSnapshot, 0, len(s.Pools)),
		CurveParams:     make(map[string]CurveSnapshot, len(s.CurveParams)),
		Balances:        make(map[string]string, len(s.Balances)),
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       at.UTC(),
	}
	for _, p := range s.Pools {
		d.Pools = append(d.Pools, PoolSnapshot{
			Asset:        p.Asset.Hex(),
			Creator:      p.Creator.Hex(),
			Supply:       p.Supply.Dec(),
			QuoteReserve: p.QuoteReserve.Dec(),
		})
	}
	for asset, params := range s.CurveParams {
		d.CurveParams[asset.Hex()] = CurveSnapshot{
			BasePrice: params.BasePrice.Dec(),
			Slope:     params.Slope.Dec(),
			Threshold: params.Threshold.Dec(),
			TailSlope: params.TailSlope.Dec(),
		}
	}
	for key, bal := range s.Balances {
		d.Balances[key.AccountPath()] = bal.Dec()
	}
	return d
}

// Decode is the inverse of EncodeSnapshot.
func (d *SnapshotData) Decode() (*core.SnapshotState, error) {
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		CurveParams:     make(map[common.Address]pricing.Params, len(d.CurveParams)),
		Balances:        make(map[ledger.AccountKey]*uint256.Int, len(d.Balances)),
		IdempotencyKeys: d.IdempotencyKeys,
	}

	h, err := hex.DecodeString(d.StateHash)
	if err != nil || len(h) != 32 {
		return nil, fmt.Errorf("snapshot %d: malformed state hash", d.Sequence)
	}
	copy(s.StateHash[:], h)

	var cfg state.GlobalConfig
	for _, f := range []struct {
		dst *common.Address
		src string
	}{
		{&cfg.QuoteAsset, d.Config.QuoteAsset},
		{&cfg.Factory, d.Config.Factory},
		{&cfg.Router, d.Config.Router},
		{&cfg.FeeCollector, d.Config.FeeCollector},
		{&cfg.Owner, d.Config.Owner},
	} {
		if *f.dst, err = parseAddress(f.src); err != nil {
			return nil, err
		}
	}
	s.Config = cfg

	for _, p := range d.Pools {
		pool := ledger.Pool{}
		if pool.Asset, err = parseAddress(p.Asset); err != nil {
			return nil, err
		}
		if pool.Creator, err = parseAddress(p.Creator); err != nil {
			return nil, err
		}
		if pool.Supply, err = parseAmount(p.Supply); err != nil {
			return nil, fmt.Errorf("pool %s supply: %w", p.Asset, err)
		}
		if pool.QuoteReserve, err = parseAmount(p.QuoteReserve); err != nil {
			return nil, fmt.Errorf("pool %s reserve: %w", p.Asset, err)
		}
		s.Pools = append(s.Pools, pool)
	}

	for a, c := range d.CurveParams {
		asset, err := parseAddress(a)
		if err != nil {
			return nil, err
		}
		var p pricing.Params
		for _, f := range []struct {
			dst **uint256.Int
			src string
		}{
			{&p.BasePrice, c.BasePrice},
			{&p.Slope, c.Slope},
			{&p.Threshold, c.Threshold},
			{&p.TailSlope, c.TailSlope},
		} {
			if *f.dst, err = parseAmount(f.src); err != nil {
				return nil, fmt.Errorf("curve %s: %w", a, err)
			}
		}
		s.CurveParams[asset] = p
	}

	for path, bal := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, err
		}
		if s.Balances[key], err = parseAmount(bal); err != nil {
			return nil, fmt.Errorf("balance %s: %w", path, err)
		}
	}
	return s, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("malformed address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(s string) (*uint256.Int, error) {
	return uint256.FromDecimal(s)
}

// SaveSnapshot persists a snapshot and returns its encoded size. Snapshots
// are stored unverified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1)

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot usable for recovery once the event it
// covers is durable.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, asset, payload, command,
		       state_digest, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Asset, &e.Payload, &e.Command,
			&e.StateDigest, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest persisted sequence, or -1 for an
// empty log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
