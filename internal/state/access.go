package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnauthorized = errors.New("caller not authorized")
	ErrNullAddress  = errors.New("null address")
)

// Role names a privileged address in GlobalConfig.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleFactory      Role = "factory"
	RoleRouter       Role = "router"
	RoleFeeCollector Role = "fee_collector"
)

// GlobalConfig holds the engine-wide addresses. A zero address means the
// role is unset and matches no caller.
type GlobalConfig struct {
	QuoteAsset   common.Address
	Factory      common.Address
	Router       common.Address
	FeeCollector common.Address
	Owner        common.Address
}

// AccessGate answers "is caller X the holder of role R".
type AccessGate struct {
	cfg GlobalConfig
}

func NewAccessGate(cfg GlobalConfig) *AccessGate {
	return &AccessGate{cfg: cfg}
}

// Config returns a copy of the current configuration.
func (g *AccessGate) Config() GlobalConfig {
	return g.cfg
}

func (g *AccessGate) holder(r Role) common.Address {
	switch r {
	case RoleOwner:
		return g.cfg.Owner
	case RoleFactory:
		return g.cfg.Factory
	case RoleRouter:
		return g.cfg.Router
	case RoleFeeCollector:
		return g.cfg.FeeCollector
	}
	return common.Address{}
}

// Require fails unless caller holds role r.
func (g *AccessGate) Require(r Role, caller common.Address) error {
	h := g.holder(r)
	if h == (common.Address{}) || h != caller {
		return fmt.Errorf("%w: %s is not %s", ErrUnauthorized, caller.Hex(), r)
	}
	return nil
}

func (g *AccessGate) RequireOwner(caller common.Address) error   { return g.Require(RoleOwner, caller) }
func (g *AccessGate) RequireFactory(caller common.Address) error { return g.Require(RoleFactory, caller) }
func (g *AccessGate) RequireRouter(caller common.Address) error  { return g.Require(RoleRouter, caller) }
func (g *AccessGate) RequireFeeCollector(caller common.Address) error {
	return g.Require(RoleFeeCollector, caller)
}

// Set replaces field with v and returns the previous value. Null values are
// rejected.
func (g *AccessGate) Set(field Field, v common.Address) (common.Address, error) {
	if v == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNullAddress, field)
	}
	var slot *common.Address
	switch field {
	case FieldQuoteAsset:
		slot = &g.cfg.QuoteAsset
	case FieldFactory:
		slot = &g.cfg.Factory
	case FieldRouter:
		slot = &g.cfg.Router
	case FieldFeeCollector:
		slot = &g.cfg.FeeCollector
	case FieldOwner:
		slot = &g.cfg.Owner
	default:
		return common.Address{}, fmt.Errorf("unknown config field %q", field)
	}
	old := *slot
	*slot = v
	return old, nil
}

// Restore replaces the whole configuration. Used for snapshot restore.
func (g *AccessGate) Restore(cfg GlobalConfig) {
	g.cfg = cfg
}

// Field names a settable GlobalConfig entry.
type Field string

const (
	FieldQuoteAsset   Field = "quote_asset"
	FieldFactory      Field = "factory"
	FieldRouter       Field = "router"
	FieldFeeCollector Field = "fee_collector"
	FieldOwner        Field = "owner"
)
