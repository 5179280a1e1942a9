package loan

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"onloan/native/collateral"
	"onloan/native/rates"
)

// Status models the loan lifecycle. Repaid and Defaulted are terminal.
type Status uint8

const (
	// StatusActive marks an originated loan with outstanding debt.
	StatusActive Status = iota + 1
	// StatusRepaid marks a loan whose full principal and interest was paid.
	StatusRepaid
	// StatusDefaulted marks a loan closed by grace-period default.
	StatusDefaulted
)

// Valid reports whether the status is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusRepaid, StatusDefaulted:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusRepaid:
		return "repaid"
	case StatusDefaulted:
		return "defaulted"
	default:
		return "unknown"
	}
}

// Loan is the persisted record of one fixed-term loan. Interest is simple
// interest over the full duration, fixed at origination.
type Loan struct {
	ID               [32]byte        `json:"id"`
	Borrower         common.Address  `json:"borrower"`
	Principal        *big.Int        `json:"principal"`
	CollateralKind   collateral.Kind `json:"collateralKind"`
	CollateralAmount *big.Int        `json:"collateralAmount"`
	Type             rates.LoanType  `json:"type"`
	RateBp           uint64          `json:"rateBp"`
	DurationDays     uint64          `json:"durationDays"`
	StartTime        int64           `json:"startTime"`
	DueTime          int64           `json:"dueTime"`
	TotalRepaid      *big.Int        `json:"totalRepaid"`
	// PrincipalRepaid is the principal share of TotalRepaid, tracked so a
	// default can write off exactly the undisbursed remainder.
	PrincipalRepaid *big.Int `json:"principalRepaid"`
	Status          Status   `json:"status"`
}

// EnsureDefaults backfills nil amounts.
func (l *Loan) EnsureDefaults() {
	if l == nil {
		return
	}
	if l.Principal == nil {
		l.Principal = big.NewInt(0)
	}
	if l.CollateralAmount == nil {
		l.CollateralAmount = big.NewInt(0)
	}
	if l.TotalRepaid == nil {
		l.TotalRepaid = big.NewInt(0)
	}
	if l.PrincipalRepaid == nil {
		l.PrincipalRepaid = big.NewInt(0)
	}
}

// Clone returns a deep copy.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	}
	if l.CollateralAmount != nil {
		clone.CollateralAmount = new(big.Int).Set(l.CollateralAmount)
	}
	if l.TotalRepaid != nil {
		clone.TotalRepaid = new(big.Int).Set(l.TotalRepaid)
	}
	if l.PrincipalRepaid != nil {
		clone.PrincipalRepaid = new(big.Int).Set(l.PrincipalRepaid)
	}
	clone.EnsureDefaults()
	return &clone
}
