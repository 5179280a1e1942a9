package rates

import (
	"errors"
	"math/big"
)

var (
	// ErrInvalidUtilization marks rate queries with bps inputs above 100%.
	ErrInvalidUtilization = errors.New("rates: utilization exceeds 10000 bps")
	// ErrInvalidAmount marks interest computations on a missing or
	// non-positive principal.
	ErrInvalidAmount = errors.New("rates: principal must be positive")
	// ErrInvalidDuration marks interest computations outside the 1..365 day
	// window.
	ErrInvalidDuration = errors.New("rates: duration must be between 1 and 365 days")
	// ErrUnknownLoanType marks lookups for loan types outside the table.
	ErrUnknownLoanType = errors.New("rates: unknown loan type")
)

const (
	basisPoints = 10_000
	daysPerYear = 365

	// baseRateBp is the minimum borrow rate applied at zero utilization.
	baseRateBp = 300
	// optimalUtilizationBp is the kink point of the borrow rate curve.
	optimalUtilizationBp = 8_000
	// slopeLowBp is the rate increase accrued linearly up to the kink.
	slopeLowBp = 400
	// slopeHighBp is the additional rate increase between the kink and full
	// utilization.
	slopeHighBp = 6_000
)

// LoanType enumerates the supported loan products.
type LoanType uint8

const (
	LoanTypePersonal LoanType = iota
	LoanTypeHome
	LoanTypeBusiness
	LoanTypeAuto
)

// Valid reports whether the loan type is within the supported range.
func (t LoanType) Valid() bool {
	switch t {
	case LoanTypePersonal, LoanTypeHome, LoanTypeBusiness, LoanTypeAuto:
		return true
	default:
		return false
	}
}

// String renders the canonical lowercase name of the loan type.
func (t LoanType) String() string {
	switch t {
	case LoanTypePersonal:
		return "personal"
	case LoanTypeHome:
		return "home"
	case LoanTypeBusiness:
		return "business"
	case LoanTypeAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// ParseLoanType resolves the canonical name back to the enum value.
func ParseLoanType(name string) (LoanType, error) {
	switch name {
	case "personal":
		return LoanTypePersonal, nil
	case "home":
		return LoanTypeHome, nil
	case "business":
		return LoanTypeBusiness, nil
	case "auto":
		return LoanTypeAuto, nil
	default:
		return 0, ErrUnknownLoanType
	}
}

// BorrowRate derives the dynamic borrow rate for the given pool utilization.
// The curve is kinked: below the optimal utilization the rate climbs linearly
// from the base rate, above it the slope steepens sharply to defend the
// remaining liquidity.
func BorrowRate(utilizationBp uint64) (uint64, error) {
	if utilizationBp > basisPoints {
		return 0, ErrInvalidUtilization
	}
	if utilizationBp <= optimalUtilizationBp {
		return baseRateBp + slopeLowBp*utilizationBp/optimalUtilizationBp, nil
	}
	excess := utilizationBp - optimalUtilizationBp
	return baseRateBp + slopeLowBp + slopeHighBp*excess/(basisPoints-optimalUtilizationBp), nil
}

// LenderAPY derives the supply-side yield. Lenders only earn on the borrowed
// fraction of the pool, so the borrow rate is scaled by utilization.
func LenderAPY(utilizationBp, borrowRateBp uint64) (uint64, error) {
	if utilizationBp > basisPoints || borrowRateBp > basisPoints {
		return 0, ErrInvalidUtilization
	}
	return borrowRateBp * utilizationBp / basisPoints, nil
}

// BaseRateForType resolves the fixed base rate table for loan products.
func BaseRateForType(t LoanType) (uint64, error) {
	switch t {
	case LoanTypePersonal:
		return 800, nil
	case LoanTypeHome:
		return 500, nil
	case LoanTypeBusiness:
		return 1_000, nil
	case LoanTypeAuto:
		return 600, nil
	default:
		return 0, ErrUnknownLoanType
	}
}

// SimpleInterest computes principal*rate*days/(10000*365) with truncating
// integer division. The duration is capped at one year to match the loan
// product terms.
func SimpleInterest(principal *big.Int, rateBp, days uint64) (*big.Int, error) {
	if principal == nil || principal.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if days == 0 || days > daysPerYear {
		return nil, ErrInvalidDuration
	}
	if rateBp > basisPoints {
		return nil, ErrInvalidUtilization
	}
	interest := new(big.Int).Mul(principal, new(big.Int).SetUint64(rateBp))
	interest.Mul(interest, new(big.Int).SetUint64(days))
	interest.Quo(interest, big.NewInt(basisPoints*daysPerYear))
	return interest, nil
}
