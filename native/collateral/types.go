package collateral

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind identifies the asset class of a locked collateral position.
type Kind uint8

const (
	// KindNative is collateral held in the 18 decimal native asset.
	KindNative Kind = iota
	// KindStable is collateral held in the 6 decimal stable asset.
	KindStable
)

// Valid reports whether the kind is within the supported range.
func (k Kind) Valid() bool {
	switch k {
	case KindNative, KindStable:
		return true
	default:
		return false
	}
}

// String renders the canonical lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindStable:
		return "stable"
	default:
		return "unknown"
	}
}

// Status tracks the lifecycle of a collateral record. Locked positions
// transition exactly once to Released or Liquidated.
type Status uint8

const (
	StatusLocked Status = iota + 1
	StatusReleased
	StatusLiquidated
)

// String renders the canonical lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusLocked:
		return "locked"
	case StatusReleased:
		return "released"
	case StatusLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// Collateral captures the escrowed backing of a single loan. Principal
// records the loan principal in stable base units so the health ratio can be
// recomputed without consulting the loan record.
type Collateral struct {
	LoanID    [32]byte       `json:"loanId"`
	Owner     common.Address `json:"owner"`
	Kind      Kind           `json:"kind"`
	Amount    *big.Int       `json:"amount"`
	Principal *big.Int       `json:"principal"`
	LockedAt  int64          `json:"lockedAt"`
	Status    Status         `json:"status"`
}

// Active reports whether the collateral still backs its loan.
func (c *Collateral) Active() bool {
	return c != nil && c.Status == StatusLocked
}

// Clone returns a deep copy of the collateral record.
func (c *Collateral) Clone() *Collateral {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Amount != nil {
		clone.Amount = new(big.Int).Set(c.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if c.Principal != nil {
		clone.Principal = new(big.Int).Set(c.Principal)
	} else {
		clone.Principal = big.NewInt(0)
	}
	return &clone
}
