package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/types"
)

const (
	// TypePoolDeposit is emitted when a lender adds liquidity to the pool.
	TypePoolDeposit = "pool.deposit"
	// TypePoolWithdraw is emitted when a lender removes principal.
	TypePoolWithdraw = "pool.withdraw"
	// TypePoolInterestClaimed is emitted when accrued interest is paid out.
	TypePoolInterestClaimed = "pool.interest.claimed"
	// TypePoolInterestAccrued is emitted when a repayment bumps the
	// distribution accumulator.
	TypePoolInterestAccrued = "pool.interest.accrued"
	// TypePoolWriteOff is emitted when defaulted principal is removed from
	// the outstanding total.
	TypePoolWriteOff = "pool.writeoff"
	// TypeLoanCreated is emitted when a loan is originated.
	TypeLoanCreated = "loan.created"
	// TypeLoanRepayment is emitted for every accepted repayment, partial or
	// final.
	TypeLoanRepayment = "loan.repayment"
	// TypeLoanRepaid is emitted when a loan reaches the Repaid terminal state.
	TypeLoanRepaid = "loan.repaid"
	// TypeLoanDefaulted is emitted when a loan transitions to Defaulted.
	TypeLoanDefaulted = "loan.defaulted"
	// TypeCollateralLocked is emitted when collateral is escrowed for a loan.
	TypeCollateralLocked = "collateral.locked"
	// TypeCollateralReleased is emitted when collateral returns to the
	// borrower after full repayment.
	TypeCollateralReleased = "collateral.released"
	// TypeCollateralLiquidated is emitted when collateral is seized.
	TypeCollateralLiquidated = "collateral.liquidated"
	// TypeCreditUpdated is emitted whenever a credit profile mutates.
	TypeCreditUpdated = "credit.profile.updated"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatLoanID(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

// PoolDeposit builds the event payload for a lender deposit.
func PoolDeposit(owner common.Address, amount, totalDeposits *big.Int) *types.Event {
	return &types.Event{
		Type: TypePoolDeposit,
		Attributes: map[string]string{
			"owner":         owner.Hex(),
			"amount":        formatAmount(amount),
			"totalDeposits": formatAmount(totalDeposits),
		},
	}
}

// PoolWithdraw builds the event payload for a principal withdrawal.
func PoolWithdraw(owner common.Address, amount, totalDeposits *big.Int) *types.Event {
	return &types.Event{
		Type: TypePoolWithdraw,
		Attributes: map[string]string{
			"owner":         owner.Hex(),
			"amount":        formatAmount(amount),
			"totalDeposits": formatAmount(totalDeposits),
		},
	}
}

// PoolInterestClaimed builds the event payload for an interest payout.
func PoolInterestClaimed(owner common.Address, amount *big.Int) *types.Event {
	return &types.Event{
		Type: TypePoolInterestClaimed,
		Attributes: map[string]string{
			"owner":  owner.Hex(),
			"amount": formatAmount(amount),
		},
	}
}

// PoolInterestAccrued builds the event payload emitted when repayment interest
// is distributed to the accumulator.
func PoolInterestAccrued(interest, accumulator *big.Int) *types.Event {
	return &types.Event{
		Type: TypePoolInterestAccrued,
		Attributes: map[string]string{
			"interest":    formatAmount(interest),
			"accumulator": formatAmount(accumulator),
		},
	}
}

// PoolWriteOff builds the event payload for a default write-off.
func PoolWriteOff(principal, totalBorrowed *big.Int) *types.Event {
	return &types.Event{
		Type: TypePoolWriteOff,
		Attributes: map[string]string{
			"principal":     formatAmount(principal),
			"totalBorrowed": formatAmount(totalBorrowed),
		},
	}
}

// LoanCreated builds the event payload for loan origination.
func LoanCreated(id [32]byte, borrower common.Address, principal *big.Int, rateBp, durationDays uint64) *types.Event {
	return &types.Event{
		Type: TypeLoanCreated,
		Attributes: map[string]string{
			"id":           formatLoanID(id),
			"borrower":     borrower.Hex(),
			"principal":    formatAmount(principal),
			"rateBp":       strconv.FormatUint(rateBp, 10),
			"durationDays": strconv.FormatUint(durationDays, 10),
		},
	}
}

// LoanRepayment builds the event payload for an accepted repayment.
func LoanRepayment(id [32]byte, borrower common.Address, amount, outstanding *big.Int) *types.Event {
	return &types.Event{
		Type: TypeLoanRepayment,
		Attributes: map[string]string{
			"id":          formatLoanID(id),
			"borrower":    borrower.Hex(),
			"amount":      formatAmount(amount),
			"outstanding": formatAmount(outstanding),
		},
	}
}

// LoanRepaid builds the event payload for the Repaid terminal transition.
func LoanRepaid(id [32]byte, borrower common.Address, totalRepaid *big.Int) *types.Event {
	return &types.Event{
		Type: TypeLoanRepaid,
		Attributes: map[string]string{
			"id":          formatLoanID(id),
			"borrower":    borrower.Hex(),
			"totalRepaid": formatAmount(totalRepaid),
		},
	}
}

// LoanDefaulted builds the event payload for the Defaulted terminal
// transition.
func LoanDefaulted(id [32]byte, borrower common.Address, outstanding *big.Int) *types.Event {
	return &types.Event{
		Type: TypeLoanDefaulted,
		Attributes: map[string]string{
			"id":          formatLoanID(id),
			"borrower":    borrower.Hex(),
			"outstanding": formatAmount(outstanding),
		},
	}
}

// CollateralLocked builds the event payload emitted when collateral is locked.
func CollateralLocked(loanID [32]byte, owner common.Address, kind string, amount *big.Int) *types.Event {
	return &types.Event{
		Type: TypeCollateralLocked,
		Attributes: map[string]string{
			"loanId": formatLoanID(loanID),
			"owner":  owner.Hex(),
			"kind":   kind,
			"amount": formatAmount(amount),
		},
	}
}

// CollateralReleased builds the event payload emitted on release.
func CollateralReleased(loanID [32]byte, to common.Address, amount *big.Int) *types.Event {
	return &types.Event{
		Type: TypeCollateralReleased,
		Attributes: map[string]string{
			"loanId": formatLoanID(loanID),
			"to":     to.Hex(),
			"amount": formatAmount(amount),
		},
	}
}

// CollateralLiquidated builds the event payload emitted when collateral is
// seized, recording the liquidator reward split.
func CollateralLiquidated(loanID [32]byte, liquidator common.Address, reward, protocolAmount *big.Int) *types.Event {
	return &types.Event{
		Type: TypeCollateralLiquidated,
		Attributes: map[string]string{
			"loanId":         formatLoanID(loanID),
			"liquidator":     liquidator.Hex(),
			"reward":         formatAmount(reward),
			"protocolAmount": formatAmount(protocolAmount),
		},
	}
}

// CreditUpdated builds the event payload for credit profile mutations.
func CreditUpdated(user common.Address, score uint64, reason string) *types.Event {
	return &types.Event{
		Type: TypeCreditUpdated,
		Attributes: map[string]string{
			"user":   user.Hex(),
			"score":  strconv.FormatUint(score, 10),
			"reason": reason,
		},
	}
}
