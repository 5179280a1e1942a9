package pool

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PoolState is the singleton aggregate for the lending pool. Amounts are
// stable-asset base units; InterestAccumulator is scaled by 1e18.
type PoolState struct {
	TotalDeposits       *big.Int `json:"totalDeposits"`
	TotalBorrowed       *big.Int `json:"totalBorrowed"`
	TotalInterestPaid   *big.Int `json:"totalInterestPaid"`
	InterestAccumulator *big.Int `json:"interestAccumulator"`
}

// EnsureDefaults backfills nil fields so callers can mutate without nil
// checks.
func (s *PoolState) EnsureDefaults() {
	if s == nil {
		return
	}
	if s.TotalDeposits == nil {
		s.TotalDeposits = big.NewInt(0)
	}
	if s.TotalBorrowed == nil {
		s.TotalBorrowed = big.NewInt(0)
	}
	if s.TotalInterestPaid == nil {
		s.TotalInterestPaid = big.NewInt(0)
	}
	if s.InterestAccumulator == nil {
		s.InterestAccumulator = big.NewInt(0)
	}
}

// Clone returns a deep copy.
func (s *PoolState) Clone() *PoolState {
	if s == nil {
		return nil
	}
	clone := &PoolState{}
	if s.TotalDeposits != nil {
		clone.TotalDeposits = new(big.Int).Set(s.TotalDeposits)
	}
	if s.TotalBorrowed != nil {
		clone.TotalBorrowed = new(big.Int).Set(s.TotalBorrowed)
	}
	if s.TotalInterestPaid != nil {
		clone.TotalInterestPaid = new(big.Int).Set(s.TotalInterestPaid)
	}
	if s.InterestAccumulator != nil {
		clone.InterestAccumulator = new(big.Int).Set(s.InterestAccumulator)
	}
	clone.EnsureDefaults()
	return clone
}

// Deposit is a lender's position. Records persist for the owner's lifetime;
// a fully withdrawn position keeps a zero principal rather than being
// deleted.
type Deposit struct {
	Owner common.Address `json:"owner"`
	// Principal is the lender's share of TotalDeposits.
	Principal   *big.Int `json:"principal"`
	DepositedAt int64    `json:"depositedAt"`
	// AccumulatorCheckpoint is the pool accumulator value the position was
	// last reconciled against, scaled by 1e18.
	AccumulatorCheckpoint *big.Int `json:"accumulatorCheckpoint"`
	// AccruedInterest is reconciled but unclaimed interest.
	AccruedInterest *big.Int `json:"accruedInterest"`
}

// EnsureDefaults backfills nil fields.
func (d *Deposit) EnsureDefaults() {
	if d == nil {
		return
	}
	if d.Principal == nil {
		d.Principal = big.NewInt(0)
	}
	if d.AccumulatorCheckpoint == nil {
		d.AccumulatorCheckpoint = big.NewInt(0)
	}
	if d.AccruedInterest == nil {
		d.AccruedInterest = big.NewInt(0)
	}
}

// Clone returns a deep copy.
func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	clone := &Deposit{Owner: d.Owner, DepositedAt: d.DepositedAt}
	if d.Principal != nil {
		clone.Principal = new(big.Int).Set(d.Principal)
	}
	if d.AccumulatorCheckpoint != nil {
		clone.AccumulatorCheckpoint = new(big.Int).Set(d.AccumulatorCheckpoint)
	}
	if d.AccruedInterest != nil {
		clone.AccruedInterest = new(big.Int).Set(d.AccruedInterest)
	}
	clone.EnsureDefaults()
	return clone
}

// Stats is the read-model snapshot served to clients.
type Stats struct {
	TotalDeposits      *big.Int `json:"totalDeposits"`
	TotalBorrowed      *big.Int `json:"totalBorrowed"`
	AvailableLiquidity *big.Int `json:"availableLiquidity"`
	TotalInterestPaid  *big.Int `json:"totalInterestPaid"`
	UtilizationBp      uint64   `json:"utilizationBp"`
	BorrowRateBp       uint64   `json:"borrowRateBp"`
	LenderAPYBp        uint64   `json:"lenderApyBp"`
}
