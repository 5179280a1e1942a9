package pool

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/events"
	"onloan/core/types"
	nativecommon "onloan/native/common"
	"onloan/native/rates"
)

var (
	errNilState = errors.New("lending pool: state not configured")
	// ErrInvalidAmount marks operations with a missing or non-positive
	// amount.
	ErrInvalidAmount = errors.New("lending pool: amount must be positive")
	// ErrNoDeposit marks withdrawals and claims by addresses with no
	// position.
	ErrNoDeposit = errors.New("lending pool: no deposit for owner")
	// ErrInsufficientBalance marks withdrawals above the owner's principal
	// and deposits the owner cannot fund.
	ErrInsufficientBalance = errors.New("lending pool: insufficient balance")
	// ErrInsufficientLiquidity marks operations the pool cannot currently
	// fund because liquidity is lent out.
	ErrInsufficientLiquidity = errors.New("lending pool: insufficient liquidity")
	// ErrNoInterest marks claims with nothing accrued.
	ErrNoInterest = errors.New("lending pool: no interest accrued")
)

const moduleName = "pool"

// accumulatorScale is the fixed-point scale of the interest accumulator.
var accumulatorScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type engineState interface {
	PoolState() (*PoolState, error)
	PutPoolState(state *PoolState) error
	GetDeposit(owner common.Address) (*Deposit, error)
	PutDeposit(deposit *Deposit) error
	GetAccount(addr common.Address) (*types.Account, error)
	PutAccount(addr common.Address, account *types.Account) error
}

// Engine manages the shared lending pool. Lender operations are open;
// Borrow and Repay require the operator capability held by the loan engine.
// PoolState is the single-writer contention point, so every public operation
// runs under one engine mutex.
type Engine struct {
	mu          sync.Mutex
	state       engineState
	operator    nativecommon.Capability
	poolAddress common.Address
	emitter     events.Emitter
	pauses      nativecommon.PauseView
	nowFn       func() int64
}

// NewEngine constructs a pool custodied at poolAddr.
func NewEngine(operator nativecommon.Capability, poolAddr common.Address) *Engine {
	return &Engine{
		operator:    operator,
		poolAddress: poolAddr,
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses wires the administrative pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
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

type poolEvent struct {
	evt *types.Event
}

func (e poolEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the wrapped payload for subscribers.
func (e poolEvent) Event() *types.Event { return e.evt }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(poolEvent{evt: evt})
}

func (e *Engine) poolState() (*PoolState, error) {
	st, err := e.state.PoolState()
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &PoolState{}
	}
	st.EnsureDefaults()
	return st, nil
}

func (e *Engine) loadAccount(addr common.Address) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	acc.EnsureBalances()
	return acc, nil
}

// reconcile folds accumulator growth since the position's checkpoint into
// AccruedInterest: earned = principal * (accumulator - checkpoint) / 1e18.
// Always reconcile before mutating Principal so past growth is captured at
// the old share.
func reconcile(dep *Deposit, st *PoolState) {
	delta := new(big.Int).Sub(st.InterestAccumulator, dep.AccumulatorCheckpoint)
	if delta.Sign() > 0 && dep.Principal.Sign() > 0 {
		earned := new(big.Int).Mul(dep.Principal, delta)
		earned.Quo(earned, accumulatorScale)
		dep.AccruedInterest = new(big.Int).Add(dep.AccruedInterest, earned)
	}
	dep.AccumulatorCheckpoint = new(big.Int).Set(st.InterestAccumulator)
}

// AddLiquidity moves the owner's stable funds into the pool and grows their
// position.
func (e *Engine) AddLiquidity(owner common.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.poolState()
	if err != nil {
		return err
	}
	ownerAcc, err := e.loadAccount(owner)
	if err != nil {
		return err
	}
	if ownerAcc.BalanceUSDC.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	poolAcc, err := e.loadAccount(e.poolAddress)
	if err != nil {
		return err
	}

	dep, err := e.state.GetDeposit(owner)
	if err != nil {
		return err
	}
	if dep == nil {
		dep = &Deposit{Owner: owner, DepositedAt: e.nowFn()}
	}
	dep.EnsureDefaults()
	reconcile(dep, st)

	ownerAcc.BalanceUSDC = new(big.Int).Sub(ownerAcc.BalanceUSDC, amount)
	poolAcc.BalanceUSDC = new(big.Int).Add(poolAcc.BalanceUSDC, amount)
	dep.Principal = new(big.Int).Add(dep.Principal, amount)
	st.TotalDeposits = new(big.Int).Add(st.TotalDeposits, amount)

	if err := e.state.PutAccount(owner, ownerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.poolAddress, poolAcc); err != nil {
		return err
	}
	if err := e.state.PutDeposit(dep); err != nil {
		return err
	}
	if err := e.state.PutPoolState(st); err != nil {
		return err
	}
	e.emit(events.PoolDeposit(owner, amount, st.TotalDeposits))
	return nil
}

// RemoveLiquidity returns principal to the owner. Withdrawals are bounded by
// both the owner's principal and the liquidity not currently lent out.
func (e *Engine) RemoveLiquidity(owner common.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.poolState()
	if err != nil {
		return err
	}
	dep, err := e.state.GetDeposit(owner)
	if err != nil {
		return err
	}
	if dep == nil {
		return ErrNoDeposit
	}
	dep.EnsureDefaults()
	reconcile(dep, st)

	if amount.Cmp(dep.Principal) > 0 {
		return ErrInsufficientBalance
	}
	available := new(big.Int).Sub(st.TotalDeposits, st.TotalBorrowed)
	if amount.Cmp(available) > 0 {
		return ErrInsufficientLiquidity
	}

	poolAcc, err := e.loadAccount(e.poolAddress)
	if err != nil {
		return err
	}
	ownerAcc, err := e.loadAccount(owner)
	if err != nil {
		return err
	}
	poolAcc.BalanceUSDC = new(big.Int).Sub(poolAcc.BalanceUSDC, amount)
	ownerAcc.BalanceUSDC = new(big.Int).Add(ownerAcc.BalanceUSDC, amount)
	dep.Principal = new(big.Int).Sub(dep.Principal, amount)
	st.TotalDeposits = new(big.Int).Sub(st.TotalDeposits, amount)

	if err := e.state.PutAccount(e.poolAddress, poolAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(owner, ownerAcc); err != nil {
		return err
	}
	if err := e.state.PutDeposit(dep); err != nil {
		return err
	}
	if err := e.state.PutPoolState(st); err != nil {
		return err
	}
	e.emit(events.PoolWithdraw(owner, amount, st.TotalDeposits))
	return nil
}

// ClaimInterest pays out the owner's reconciled interest and resets the
// accrual.
func (e *Engine) ClaimInterest(owner common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.poolState()
	if err != nil {
		return nil, err
	}
	dep, err := e.state.GetDeposit(owner)
	if err != nil {
		return nil, err
	}
	if dep == nil {
		return nil, ErrNoDeposit
	}
	dep.EnsureDefaults()
	reconcile(dep, st)

	accrued := new(big.Int).Set(dep.AccruedInterest)
	if accrued.Sign() <= 0 {
		return nil, ErrNoInterest
	}

	poolAcc, err := e.loadAccount(e.poolAddress)
	if err != nil {
		return nil, err
	}
	if poolAcc.BalanceUSDC.Cmp(accrued) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	ownerAcc, err := e.loadAccount(owner)
	if err != nil {
		return nil, err
	}
	poolAcc.BalanceUSDC = new(big.Int).Sub(poolAcc.BalanceUSDC, accrued)
	ownerAcc.BalanceUSDC = new(big.Int).Add(ownerAcc.BalanceUSDC, accrued)
	dep.AccruedInterest = big.NewInt(0)
	st.TotalInterestPaid = new(big.Int).Add(st.TotalInterestPaid, accrued)

	if err := e.state.PutAccount(e.poolAddress, poolAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(owner, ownerAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutDeposit(dep); err != nil {
		return nil, err
	}
	if err := e.state.PutPoolState(st); err != nil {
		return nil, err
	}
	e.emit(events.PoolInterestClaimed(owner, accrued))
	return accrued, nil
}

// Borrow moves pool liquidity to the recipient. Restricted to the loan
// engine.
func (e *Engine) Borrow(cap nativecommon.Capability, to common.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Authorize(e.operator, cap); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.poolState()
	if err != nil {
		return err
	}
	available := new(big.Int).Sub(st.TotalDeposits, st.TotalBorrowed)
	if amount.Cmp(available) > 0 {
		return ErrInsufficientLiquidity
	}

	poolAcc, err := e.loadAccount(e.poolAddress)
	if err != nil {
		return err
	}
	if poolAcc.BalanceUSDC.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	toAcc, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	poolAcc.BalanceUSDC = new(big.Int).Sub(poolAcc.BalanceUSDC, amount)
	toAcc.BalanceUSDC = new(big.Int).Add(toAcc.BalanceUSDC, amount)
	st.TotalBorrowed = new(big.Int).Add(st.TotalBorrowed, amount)

	if err := e.state.PutAccount(e.poolAddress, poolAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(to, toAcc); err != nil {
		return err
	}
	return e.state.PutPoolState(st)
}

// Repay returns principal plus the depositors' interest share to the pool.
// Restricted to the loan engine, which has already split off the protocol
// fee. The principal portion reduces TotalBorrowed, floored at zero; the
// interest portion bumps the accumulator when depositors exist, and is
// otherwise retained in the pool account without distribution.
func (e *Engine) Repay(cap nativecommon.Capability, from common.Address, total, interestPortion *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Authorize(e.operator, cap); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if total == nil || total.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if interestPortion == nil {
		interestPortion = big.NewInt(0)
	}
	if interestPortion.Sign() < 0 || interestPortion.Cmp(total) > 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.poolState()
	if err != nil {
		return err
	}
	fromAcc, err := e.loadAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.BalanceUSDC.Cmp(total) < 0 {
		return ErrInsufficientBalance
	}
	poolAcc, err := e.loadAccount(e.poolAddress)
	if err != nil {
		return err
	}
	fromAcc.BalanceUSDC = new(big.Int).Sub(fromAcc.BalanceUSDC, total)
	poolAcc.BalanceUSDC = new(big.Int).Add(poolAcc.BalanceUSDC, total)

	principalPortion := new(big.Int).Sub(total, interestPortion)
	st.TotalBorrowed = new(big.Int).Sub(st.TotalBorrowed, principalPortion)
	if st.TotalBorrowed.Sign() < 0 {
		st.TotalBorrowed = big.NewInt(0)
	}

	var accrued *types.Event
	if interestPortion.Sign() > 0 && st.TotalDeposits.Sign() > 0 {
		bump := new(big.Int).Mul(interestPortion, accumulatorScale)
		bump.Quo(bump, st.TotalDeposits)
		st.InterestAccumulator = new(big.Int).Add(st.InterestAccumulator, bump)
		accrued = events.PoolInterestAccrued(interestPortion, st.InterestAccumulator)
	}

	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.poolAddress, poolAcc); err != nil {
		return err
	}
	if err := e.state.PutPoolState(st); err != nil {
		return err
	}
	e.emit(accrued)
	return nil
}

// WriteOff removes defaulted principal from TotalBorrowed so utilization
// reflects only loans that can still repay. Deposits keep their nominal
// principal; the shortfall is borne by the pool's cash balance. Restricted
// to the loan engine.
func (e *Engine) WriteOff(cap nativecommon.Capability, principal *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Authorize(e.operator, cap); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if principal == nil || principal.Sign() < 0 {
		return ErrInvalidAmount
	}
	if principal.Sign() == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.poolState()
	if err != nil {
		return err
	}
	st.TotalBorrowed = new(big.Int).Sub(st.TotalBorrowed, principal)
	if st.TotalBorrowed.Sign() < 0 {
		st.TotalBorrowed = big.NewInt(0)
	}
	if err := e.state.PutPoolState(st); err != nil {
		return err
	}
	e.emit(events.PoolWriteOff(principal, st.TotalBorrowed))
	return nil
}

// GetDeposit returns the owner's position with interest reconciled into the
// returned copy. The stored record is not mutated.
func (e *Engine) GetDeposit(owner common.Address) (*Deposit, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.poolState()
	if err != nil {
		return nil, err
	}
	dep, err := e.state.GetDeposit(owner)
	if err != nil {
		return nil, err
	}
	if dep == nil {
		return nil, ErrNoDeposit
	}
	view := dep.Clone()
	reconcile(view, st)
	return view, nil
}

// Utilization returns borrowed/deposits in basis points, zero when the pool
// is empty and capped at 10000.
func (e *Engine) Utilization() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.poolState()
	if err != nil {
		return 0, err
	}
	return utilizationBp(st), nil
}

func utilizationBp(st *PoolState) uint64 {
	if st.TotalDeposits.Sign() <= 0 {
		return 0
	}
	ratio := new(big.Int).Mul(st.TotalBorrowed, big.NewInt(10_000))
	ratio.Quo(ratio, st.TotalDeposits)
	if !ratio.IsUint64() || ratio.Uint64() > 10_000 {
		return 10_000
	}
	return ratio.Uint64()
}

// CurrentAPY returns the depositor yield in basis points at the pool's
// current utilization.
func (e *Engine) CurrentAPY() (uint64, error) {
	u, err := e.Utilization()
	if err != nil {
		return 0, err
	}
	rate, err := rates.BorrowRate(u)
	if err != nil {
		return 0, err
	}
	return rates.LenderAPY(u, rate)
}

// Stats returns a consistent snapshot of the pool read model.
func (e *Engine) Stats() (*Stats, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.poolState()
	if err != nil {
		return nil, err
	}
	u := utilizationBp(st)
	rate, err := rates.BorrowRate(u)
	if err != nil {
		return nil, err
	}
	apy, err := rates.LenderAPY(u, rate)
	if err != nil {
		return nil, err
	}
	return &Stats{
		TotalDeposits:      new(big.Int).Set(st.TotalDeposits),
		TotalBorrowed:      new(big.Int).Set(st.TotalBorrowed),
		AvailableLiquidity: new(big.Int).Sub(st.TotalDeposits, st.TotalBorrowed),
		TotalInterestPaid:  new(big.Int).Set(st.TotalInterestPaid),
		UtilizationBp:      u,
		BorrowRateBp:       rate,
		LenderAPYBp:        apy,
	}, nil
}
