package core

import (
	"CurvePool/internal/ledger"
	"CurvePool/internal/pricing"
	"CurvePool/internal/state"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SnapshotState holds the in-memory state needed to resume without
// replaying the whole log.
type SnapshotState struct {
	// Last applied sequence, -1 before the first event
	Sequence  int64
	StateHash [32]byte

	Config      state.GlobalConfig
	Pools       []ledger.Pool
	CurveParams map[common.Address]pricing.Params
	Balances    map[ledger.AccountKey]*uint256.Int

	IdempotencyKeys []string
}

// balanceStore is implemented by custodians whose balances can be captured.
type balanceStore interface {
	Balances() map[ledger.AccountKey]*uint256.Int
	Restore(map[ledger.AccountKey]*uint256.Int)
}

// CreateSnapshotState captures the engine state between calls.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &SnapshotState{
		Sequence:    e.log.NextSequence() - 1,
		StateHash:   e.log.Tip(),
		Config:      e.gate.Config(),
		Pools:       e.pools.All(),
		CurveParams: e.params.All(),
	}
	if bs, ok := e.custodian.(balanceStore); ok {
		snap.Balances = bs.Balances()
	}
	return snap
}

// RestoreFromSnapshot loads snap into a freshly constructed engine.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pools.Len() > 0 {
		return fmt.Errorf("restore into non-empty engine (%d pools)", e.pools.Len())
	}
	if snap.Config.Owner == (common.Address{}) {
		return fmt.Errorf("snapshot at %d has no owner", snap.Sequence)
	}

	e.gate.Restore(snap.Config)
	for _, p := range snap.Pools {
		e.pools.Restore(p)
	}
	for asset, params := range snap.CurveParams {
		e.params.Restore(asset, params)
	}
	if len(snap.Balances) > 0 {
		bs, ok := e.custodian.(balanceStore)
		if !ok {
			return fmt.Errorf("custodian %T cannot restore balances", e.custodian)
		}
		bs.Restore(snap.Balances)
	}
	e.log.Restore(snap.Sequence+1, snap.StateHash)
	return nil
}
