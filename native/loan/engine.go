package loan

import (
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"onloan/core/events"
	"onloan/core/types"
	"onloan/native/collateral"
	nativecommon "onloan/native/common"
	"onloan/native/pool"
	"onloan/native/rates"
)

var (
	errNilState         = errors.New("loan engine: state not configured")
	errNilCollaborators = errors.New("loan engine: pool, vault and credit not configured")
	// ErrInvalidAmount marks originations below the minimum principal and
	// repayments with a non-positive amount.
	ErrInvalidAmount = errors.New("loan engine: invalid amount")
	// ErrInvalidDuration marks durations outside the 7..365 day range.
	ErrInvalidDuration = errors.New("loan engine: duration out of range")
	// ErrInvalidLoanAmount marks originations above the borrower's credit
	// cap, including disqualified borrowers whose cap is zero.
	ErrInvalidLoanAmount = errors.New("loan engine: amount exceeds credit limit")
	// ErrInsufficientCollateral marks originations whose realized collateral
	// value does not meet the borrower's required ratio.
	ErrInsufficientCollateral = errors.New("loan engine: insufficient collateral")
	// ErrLoanNotFound marks lookups of unknown loan IDs.
	ErrLoanNotFound = errors.New("loan engine: loan not found")
	// ErrLoanNotActive marks mutations of loans in a terminal state.
	ErrLoanNotActive = errors.New("loan engine: loan not active")
	// ErrLoanNotDue marks default attempts before the grace period elapsed.
	ErrLoanNotDue = errors.New("loan engine: loan not past grace period")
	// ErrUnauthorized marks repayments by anyone other than the borrower.
	ErrUnauthorized = errors.New("loan engine: caller is not the borrower")
	// ErrInsufficientBalance marks repayments the borrower cannot fund.
	ErrInsufficientBalance = errors.New("loan engine: insufficient balance")
	// ErrNoFees marks fee withdrawals with nothing accumulated.
	ErrNoFees = errors.New("loan engine: no protocol fees accumulated")
)

const moduleName = "loan"

// defaultMinLoanAmount is 100 stable units in base units.
var defaultMinLoanAmount = big.NewInt(100_000_000)

const (
	minDurationDays = 7
	maxDurationDays = 365
	// defaultGraceSeconds is the window after DueTime during which the loan
	// can still be repaid but not yet defaulted.
	defaultGraceSeconds = int64(3 * 24 * 60 * 60)
	secondsPerDay       = 24 * 60 * 60
	// defaultProtocolFeePercent is the protocol's share of each payment's
	// interest portion; the remainder goes to depositors.
	defaultProtocolFeePercent = int64(10)
)

type liquidityPool interface {
	Borrow(cap nativecommon.Capability, to common.Address, amount *big.Int) error
	Repay(cap nativecommon.Capability, from common.Address, total, interestPortion *big.Int) error
	WriteOff(cap nativecommon.Capability, principal *big.Int) error
	Stats() (*pool.Stats, error)
}

type collateralVault interface {
	Lock(cap nativecommon.Capability, loanID [32]byte, owner common.Address, kind collateral.Kind, amount, principal *big.Int) error
	ValueUSD(loanID [32]byte) (*big.Int, error)
	Release(cap nativecommon.Capability, loanID [32]byte, to common.Address) error
	ForceLiquidate(cap nativecommon.Capability, loanID [32]byte, caller common.Address) (*big.Int, error)
}

type creditLedger interface {
	MaxBorrowAmount(user common.Address) (*big.Int, error)
	RequiredCollateralRatio(user common.Address) (uint64, error)
	RecordLoanTaken(cap nativecommon.Capability, user common.Address) error
	RecordRepayment(cap nativecommon.Capability, user common.Address, amount *big.Int) error
	RecordDefault(cap nativecommon.Capability, user common.Address, amount *big.Int) error
}

type engineState interface {
	GetLoan(id [32]byte) (*Loan, error)
	PutLoan(loan *Loan) error
	LoanIDsByBorrower(borrower common.Address) ([][32]byte, error)
	GetAccount(addr common.Address) (*types.Account, error)
	PutAccount(addr common.Address, account *types.Account) error
}

// Engine originates and services loans. It is the sole holder of the
// operator capability accepted by the pool, vault and credit engines, so
// privileged transitions in those modules can only be driven from here.
type Engine struct {
	state        engineState
	operator     nativecommon.Capability
	admin        nativecommon.Capability
	pool         liquidityPool
	vault        collateralVault
	credit       creditLedger
	feeCollector common.Address
	emitter      events.Emitter
	pauses       nativecommon.PauseView
	nowFn        func() int64
	minAmount    *big.Int
	grace        int64
	feePct       int64

	mu    sync.Mutex
	locks map[[32]byte]*sync.Mutex
}

// NewEngine constructs a loan engine. The operator capability authenticates
// it to the collaborating engines; the admin capability gates fee
// withdrawal. Protocol fees accumulate in the feeCollector account.
func NewEngine(operator, admin nativecommon.Capability, feeCollector common.Address) *Engine {
	return &Engine{
		operator:     operator,
		admin:        admin,
		feeCollector: feeCollector,
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
		minAmount:    defaultMinLoanAmount,
		grace:        defaultGraceSeconds,
		feePct:       defaultProtocolFeePercent,
		locks:        make(map[[32]byte]*sync.Mutex),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCollaborators wires the pool, vault and credit engines.
func (e *Engine) SetCollaborators(p liquidityPool, v collateralVault, c creditLedger) {
	if e == nil {
		return
	}
	e.pool = p
	e.vault = v
	e.credit = c
}

// SetPauses wires the administrative pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetMinLoanAmount overrides the minimum principal in base units. Values
// that are nil or not positive reset the default.
func (e *Engine) SetMinLoanAmount(amount *big.Int) {
	if e == nil {
		return
	}
	if amount == nil || amount.Sign() <= 0 {
		e.minAmount = defaultMinLoanAmount
		return
	}
	e.minAmount = new(big.Int).Set(amount)
}

// SetGracePeriod overrides the post-due window, in seconds, during which a
// loan cannot yet be defaulted. Negative values reset the default.
func (e *Engine) SetGracePeriod(seconds int64) {
	if e == nil {
		return
	}
	if seconds < 0 {
		seconds = defaultGraceSeconds
	}
	e.grace = seconds
}

// SetProtocolFeePercent overrides the protocol's share of repayment
// interest. Values outside [0,100] reset the default.
func (e *Engine) SetProtocolFeePercent(pct int64) {
	if e == nil {
		return
	}
	if pct < 0 || pct > 100 {
		pct = defaultProtocolFeePercent
	}
	e.feePct = pct
}

// SetNowFunc overrides the clock, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

type loanEvent struct {
	evt *types.Event
}

func (e loanEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the wrapped payload for subscribers.
func (e loanEvent) Event() *types.Event { return e.evt }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(loanEvent{evt: evt})
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.pool == nil || e.vault == nil || e.credit == nil {
		return errNilCollaborators
	}
	return nil
}

// lockFor returns the commit lock serialising transitions for one loan.
func (e *Engine) lockFor(id [32]byte) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// newLoanID derives the loan identifier from the borrower, their account
// nonce and the origination time.
func newLoanID(borrower common.Address, nonce uint64, startTime int64) [32]byte {
	buf := make([]byte, 0, common.AddressLength+16)
	buf = append(buf, borrower.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(startTime))
	var id [32]byte
	copy(id[:], gethcrypto.Keccak256(buf))
	return id
}

// CreateLoan originates a loan: the borrower's collateral is escrowed, the
// principal is drawn from the pool, and the credit profile records the loan.
// The principal is drawn before the record is persisted so that a failed draw
// never leaves an active loan behind; either step failing unwinds the
// collateral escrow.
func (e *Engine) CreateLoan(borrower common.Address, amount *big.Int, loanType rates.LoanType, durationDays uint64, collateralKind collateral.Kind, collateralAmount *big.Int) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Cmp(e.minAmount) < 0 {
		return nil, ErrInvalidAmount
	}
	if durationDays < minDurationDays || durationDays > maxDurationDays {
		return nil, ErrInvalidDuration
	}
	if !loanType.Valid() {
		return nil, rates.ErrUnknownLoanType
	}
	if collateralAmount == nil || collateralAmount.Sign() <= 0 {
		return nil, ErrInsufficientCollateral
	}

	stats, err := e.pool.Stats()
	if err != nil {
		return nil, err
	}
	if amount.Cmp(stats.AvailableLiquidity) > 0 {
		return nil, pool.ErrInsufficientLiquidity
	}

	maxBorrow, err := e.credit.MaxBorrowAmount(borrower)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(maxBorrow) > 0 {
		return nil, ErrInvalidLoanAmount
	}
	ratio, err := e.credit.RequiredCollateralRatio(borrower)
	if err != nil {
		return nil, err
	}
	requiredValue := new(big.Int).Mul(amount, new(big.Int).SetUint64(ratio))
	requiredValue.Quo(requiredValue, big.NewInt(100))

	rateBp, err := rates.BaseRateForType(loanType)
	if err != nil {
		return nil, err
	}

	now := e.nowFn()
	borrowerAcc, err := e.state.GetAccount(borrower)
	if err != nil {
		return nil, err
	}
	if borrowerAcc == nil {
		borrowerAcc = &types.Account{}
	}
	borrowerAcc.EnsureBalances()
	id := newLoanID(borrower, borrowerAcc.Nonce, now)
	borrowerAcc.Nonce++
	if err := e.state.PutAccount(borrower, borrowerAcc); err != nil {
		return nil, err
	}

	if err := e.vault.Lock(e.operator, id, borrower, collateralKind, collateralAmount, amount); err != nil {
		return nil, err
	}
	// The lock is priced only now; unwind it if the realized value falls
	// short of the borrower's tier requirement.
	value, err := e.vault.ValueUSD(id)
	if err != nil {
		if relErr := e.vault.Release(e.operator, id, borrower); relErr != nil {
			return nil, relErr
		}
		return nil, err
	}
	if value.Cmp(requiredValue) < 0 {
		if relErr := e.vault.Release(e.operator, id, borrower); relErr != nil {
			return nil, relErr
		}
		return nil, ErrInsufficientCollateral
	}

	record := &Loan{
		ID:               id,
		Borrower:         borrower,
		Principal:        new(big.Int).Set(amount),
		CollateralKind:   collateralKind,
		CollateralAmount: new(big.Int).Set(collateralAmount),
		Type:             loanType,
		RateBp:           rateBp,
		DurationDays:     durationDays,
		StartTime:        now,
		DueTime:          now + int64(durationDays)*secondsPerDay,
		TotalRepaid:      big.NewInt(0),
		PrincipalRepaid:  big.NewInt(0),
		Status:           StatusActive,
	}
	if err := e.pool.Borrow(e.operator, borrower, amount); err != nil {
		if relErr := e.vault.Release(e.operator, id, borrower); relErr != nil {
			return nil, relErr
		}
		return nil, err
	}
	if err := e.state.PutLoan(record); err != nil {
		// Claw the principal back so the pool never counts a loan that
		// was never recorded.
		if repErr := e.pool.Repay(e.operator, borrower, amount, big.NewInt(0)); repErr != nil {
			return nil, repErr
		}
		if relErr := e.vault.Release(e.operator, id, borrower); relErr != nil {
			return nil, relErr
		}
		return nil, err
	}
	if err := e.credit.RecordLoanTaken(e.operator, borrower); err != nil {
		return nil, err
	}
	e.emit(events.LoanCreated(id, borrower, amount, rateBp, durationDays))
	return record.Clone(), nil
}

// totalDue returns principal plus the full-term simple interest.
func totalDue(l *Loan) (*big.Int, *big.Int, error) {
	interest, err := rates.SimpleInterest(l.Principal, l.RateBp, l.DurationDays)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Add(l.Principal, interest), interest, nil
}

// Repay accepts a partial or full repayment from the borrower. The payment's
// interest share is split between the protocol fee collector and the pool
// depositors; the residual unit lost to truncating the interest share stays
// with the pool as principal.
func (e *Engine) Repay(loanID [32]byte, caller common.Address, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	commit := e.lockFor(loanID)
	commit.Lock()
	defer commit.Unlock()

	record, err := e.getLoan(loanID)
	if err != nil {
		return nil, err
	}
	if caller != record.Borrower {
		return nil, ErrUnauthorized
	}
	if record.Status != StatusActive {
		return nil, ErrLoanNotActive
	}

	due, interest, err := totalDue(record)
	if err != nil {
		return nil, err
	}
	outstanding := new(big.Int).Sub(due, record.TotalRepaid)
	payment := new(big.Int).Set(amount)
	if payment.Cmp(outstanding) > 0 {
		payment = new(big.Int).Set(outstanding)
	}

	borrowerAcc, err := e.state.GetAccount(caller)
	if err != nil {
		return nil, err
	}
	if borrowerAcc == nil {
		borrowerAcc = &types.Account{}
	}
	borrowerAcc.EnsureBalances()
	if borrowerAcc.BalanceUSDC.Cmp(payment) < 0 {
		return nil, ErrInsufficientBalance
	}

	// Interest share of this payment, truncating.
	paymentInterest := new(big.Int).Mul(interest, payment)
	paymentInterest.Quo(paymentInterest, due)
	protocolFee := new(big.Int).Mul(paymentInterest, big.NewInt(e.feePct))
	protocolFee.Quo(protocolFee, big.NewInt(100))
	poolInterest := new(big.Int).Sub(paymentInterest, protocolFee)
	poolPortion := new(big.Int).Sub(payment, protocolFee)

	if protocolFee.Sign() > 0 {
		feeAcc, err := e.state.GetAccount(e.feeCollector)
		if err != nil {
			return nil, err
		}
		if feeAcc == nil {
			feeAcc = &types.Account{}
		}
		feeAcc.EnsureBalances()
		borrowerAcc.BalanceUSDC = new(big.Int).Sub(borrowerAcc.BalanceUSDC, protocolFee)
		feeAcc.BalanceUSDC = new(big.Int).Add(feeAcc.BalanceUSDC, protocolFee)
		if err := e.state.PutAccount(caller, borrowerAcc); err != nil {
			return nil, err
		}
		if err := e.state.PutAccount(e.feeCollector, feeAcc); err != nil {
			return nil, err
		}
	}
	if err := e.pool.Repay(e.operator, caller, poolPortion, poolInterest); err != nil {
		return nil, err
	}

	record.TotalRepaid = new(big.Int).Add(record.TotalRepaid, payment)
	record.PrincipalRepaid = new(big.Int).Add(record.PrincipalRepaid, new(big.Int).Sub(payment, paymentInterest))
	remaining := new(big.Int).Sub(due, record.TotalRepaid)
	completed := record.TotalRepaid.Cmp(due) >= 0
	if completed {
		record.Status = StatusRepaid
	}
	if err := e.state.PutLoan(record); err != nil {
		return nil, err
	}
	e.emit(events.LoanRepayment(loanID, caller, payment, remaining))

	if completed {
		// The open liquidation path may have seized the collateral while
		// the loan was still active; a full repayment must still complete.
		if err := e.vault.Release(e.operator, loanID, record.Borrower); err != nil && !errors.Is(err, collateral.ErrNotActive) {
			return nil, err
		}
		if err := e.credit.RecordRepayment(e.operator, record.Borrower, record.TotalRepaid); err != nil {
			return nil, err
		}
		e.emit(events.LoanRepaid(loanID, record.Borrower, record.TotalRepaid))
	}
	return payment, nil
}

// DefaultLoan closes an overdue loan past its grace period. Open to any
// caller, who is paid the liquidator reward from the seized collateral. The
// per-loan lock guarantees at most one caller wins.
func (e *Engine) DefaultLoan(loanID [32]byte, caller common.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	commit := e.lockFor(loanID)
	commit.Lock()
	defer commit.Unlock()

	record, err := e.getLoan(loanID)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusActive {
		return nil, ErrLoanNotActive
	}
	if e.nowFn() < record.DueTime+e.grace {
		return nil, ErrLoanNotDue
	}

	due, _, err := totalDue(record)
	if err != nil {
		return nil, err
	}
	outstanding := new(big.Int).Sub(due, record.TotalRepaid)

	record.Status = StatusDefaulted
	if err := e.state.PutLoan(record); err != nil {
		return nil, err
	}
	// The health trigger may have seized the collateral already; the default
	// still has to settle the books and mark the profile.
	reward, err := e.vault.ForceLiquidate(e.operator, loanID, caller)
	if err != nil {
		if !errors.Is(err, collateral.ErrNotLiquidatable) {
			return nil, err
		}
		reward = big.NewInt(0)
	}
	unpaidPrincipal := new(big.Int).Sub(record.Principal, record.PrincipalRepaid)
	if unpaidPrincipal.Sign() > 0 {
		if err := e.pool.WriteOff(e.operator, unpaidPrincipal); err != nil {
			return nil, err
		}
	}
	if err := e.credit.RecordDefault(e.operator, record.Borrower, outstanding); err != nil {
		return nil, err
	}
	e.emit(events.LoanDefaulted(loanID, record.Borrower, outstanding))
	return reward, nil
}

// WithdrawProtocolFees sweeps the accumulated fee balance to the recipient.
// Restricted to the admin capability.
func (e *Engine) WithdrawProtocolFees(cap nativecommon.Capability, recipient common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Authorize(e.admin, cap); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	feeAcc, err := e.state.GetAccount(e.feeCollector)
	if err != nil {
		return nil, err
	}
	if feeAcc == nil {
		feeAcc = &types.Account{}
	}
	feeAcc.EnsureBalances()
	amount := new(big.Int).Set(feeAcc.BalanceUSDC)
	if amount.Sign() <= 0 {
		return nil, ErrNoFees
	}
	recipientAcc, err := e.state.GetAccount(recipient)
	if err != nil {
		return nil, err
	}
	if recipientAcc == nil {
		recipientAcc = &types.Account{}
	}
	recipientAcc.EnsureBalances()
	feeAcc.BalanceUSDC = big.NewInt(0)
	recipientAcc.BalanceUSDC = new(big.Int).Add(recipientAcc.BalanceUSDC, amount)
	if err := e.state.PutAccount(e.feeCollector, feeAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(recipient, recipientAcc); err != nil {
		return nil, err
	}
	return amount, nil
}

// ProtocolFees reports the currently withdrawable fee balance.
func (e *Engine) ProtocolFees() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	feeAcc, err := e.state.GetAccount(e.feeCollector)
	if err != nil {
		return nil, err
	}
	if feeAcc == nil {
		return big.NewInt(0), nil
	}
	feeAcc.EnsureBalances()
	return new(big.Int).Set(feeAcc.BalanceUSDC), nil
}

func (e *Engine) getLoan(id [32]byte) (*Loan, error) {
	record, err := e.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrLoanNotFound
	}
	record.EnsureDefaults()
	return record, nil
}

// GetLoan returns the loan record.
func (e *Engine) GetLoan(id [32]byte) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.getLoan(id)
}

// TotalDue returns principal plus full-term interest for the loan.
func (e *Engine) TotalDue(id [32]byte) (*big.Int, error) {
	record, err := e.GetLoan(id)
	if err != nil {
		return nil, err
	}
	due, _, err := totalDue(record)
	return due, err
}

// Outstanding returns the unpaid remainder of the total due.
func (e *Engine) Outstanding(id [32]byte) (*big.Int, error) {
	record, err := e.GetLoan(id)
	if err != nil {
		return nil, err
	}
	due, _, err := totalDue(record)
	if err != nil {
		return nil, err
	}
	outstanding := new(big.Int).Sub(due, record.TotalRepaid)
	if outstanding.Sign() < 0 {
		outstanding = big.NewInt(0)
	}
	return outstanding, nil
}

// IsOverdue reports whether an active loan is past its due time. The grace
// period does not factor in; an overdue loan inside the grace window can
// still be repaid but not defaulted.
func (e *Engine) IsOverdue(id [32]byte) (bool, error) {
	record, err := e.GetLoan(id)
	if err != nil {
		return false, err
	}
	if record.Status != StatusActive {
		return false, nil
	}
	return e.nowFn() >= record.DueTime, nil
}

// ActiveLoanCount returns how many of the borrower's loans are active.
func (e *Engine) ActiveLoanCount(borrower common.Address) (int, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	ids, err := e.state.LoanIDsByBorrower(borrower)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		record, err := e.state.GetLoan(id)
		if err != nil {
			return 0, err
		}
		if record != nil && record.Status == StatusActive {
			count++
		}
	}
	return count, nil
}
