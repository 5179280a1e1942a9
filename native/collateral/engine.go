package collateral

import (
	"errors"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/events"
	"onloan/core/types"
	nativecommon "onloan/native/common"
	"onloan/native/pricefeed"
)

var (
	errNilState = errors.New("collateral vault: state not configured")
	errNilFeed  = errors.New("collateral vault: price source not configured")
	// ErrInvalidAmount marks locks with a missing or non-positive amount or
	// principal.
	ErrInvalidAmount = errors.New("collateral vault: amount must be positive")
	// ErrAlreadyLocked marks a second lock attempt for the same loan.
	ErrAlreadyLocked = errors.New("collateral vault: loan already collateralised")
	// ErrNotFound marks lookups for loans without a collateral record.
	ErrNotFound = errors.New("collateral vault: collateral not found")
	// ErrNotActive marks releases of collateral that was already
	// deactivated.
	ErrNotActive = errors.New("collateral vault: collateral not active")
	// ErrNotLiquidatable marks liquidation attempts against healthy or
	// already-deactivated positions.
	ErrNotLiquidatable = errors.New("collateral vault: position not liquidatable")
	// ErrStalePrice marks valuations whose freshest quote is older than the
	// configured window.
	ErrStalePrice = errors.New("collateral vault: price quote stale")
	// ErrInvalidPrice marks valuations against a non-positive quote.
	ErrInvalidPrice = errors.New("collateral vault: price quote invalid")
	// ErrInsufficientBalance marks locks the owner cannot fund.
	ErrInsufficientBalance = errors.New("collateral vault: insufficient balance")
)

const moduleName = "collateral"

// liquidationThresholdPercent is the health ratio below which a position may
// be liquidated. Exactly the threshold is still safe.
const liquidationThresholdPercent = 120

// defaultLiquidatorRewardPercent is the share of seized collateral paid to
// the caller that commits the liquidation.
const defaultLiquidatorRewardPercent = 5

// defaultMaxQuoteAge bounds how old a price observation may be before
// valuations fail with ErrStalePrice.
const defaultMaxQuoteAge = time.Hour

// nativeToStableScale converts 18 decimal native amounts to the stable
// asset's 6 decimal scale.
var nativeToStableScale = big.NewInt(1_000_000_000_000)

type engineState interface {
	GetCollateral(loanID [32]byte) (*Collateral, error)
	PutCollateral(collateral *Collateral) error
	GetAccount(addr common.Address) (*types.Account, error)
	PutAccount(addr common.Address, account *types.Account) error
}

// Engine escrows per-loan collateral and arbitrates the liquidation race.
// Privileged operations (lock, release) require the operator capability held
// by the loan engine; liquidation is open to any caller.
type Engine struct {
	state        engineState
	operator     nativecommon.Capability
	vaultAddress common.Address
	protocolSink common.Address
	feed         pricefeed.Source
	pair         string
	maxQuoteAge  time.Duration
	nowFn        func() int64
	emitter      events.Emitter
	pauses       nativecommon.PauseView
	rewardPct    int64

	mu    sync.Mutex
	locks map[[32]byte]*sync.Mutex
}

// NewEngine constructs a vault custodied at vaultAddr with liquidation
// remainders routed to the protocol sink.
func NewEngine(operator nativecommon.Capability, vaultAddr, protocolSink common.Address) *Engine {
	return &Engine{
		operator:     operator,
		vaultAddress: vaultAddr,
		protocolSink: protocolSink,
		pair:         "MNT/USD",
		maxQuoteAge:  defaultMaxQuoteAge,
		rewardPct:    defaultLiquidatorRewardPercent,
		nowFn:        func() int64 { return time.Now().Unix() },
		emitter:      events.NoopEmitter{},
		locks:        make(map[[32]byte]*sync.Mutex),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPriceSource wires the feed used to value native-asset collateral.
func (e *Engine) SetPriceSource(feed pricefeed.Source) {
	if e == nil {
		return
	}
	e.feed = feed
}

// SetPair overrides the price pair used for native collateral valuation.
func (e *Engine) SetPair(pair string) {
	if e == nil || pair == "" {
		return
	}
	e.pair = pair
}

// SetMaxQuoteAge overrides the staleness window for price quotes.
func (e *Engine) SetMaxQuoteAge(age time.Duration) {
	if e == nil || age <= 0 {
		return
	}
	e.maxQuoteAge = age
}

// SetLiquidatorRewardPercent overrides the liquidator's share of seized
// collateral. Values outside [0,100] reset the default.
func (e *Engine) SetLiquidatorRewardPercent(pct int64) {
	if e == nil {
		return
	}
	if pct < 0 || pct > 100 {
		pct = defaultLiquidatorRewardPercent
	}
	e.rewardPct = pct
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

// SetPauses wires the administrative pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
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

type vaultEvent struct {
	evt *types.Event
}

func (e vaultEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the wrapped payload for subscribers.
func (e vaultEvent) Event() *types.Event { return e.evt }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(vaultEvent{evt: evt})
}

// lockFor returns the commit lock serialising transitions for one loan.
func (e *Engine) lockFor(loanID [32]byte) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[loanID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[loanID] = lock
	}
	return lock
}

// Lock escrows collateral for a loan. Restricted to the loan engine.
func (e *Engine) Lock(cap nativecommon.Capability, loanID [32]byte, owner common.Address, kind Kind, amount, principal *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Authorize(e.operator, cap); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 || principal == nil || principal.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !kind.Valid() {
		return ErrInvalidAmount
	}

	commit := e.lockFor(loanID)
	commit.Lock()
	defer commit.Unlock()

	existing, err := e.state.GetCollateral(loanID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrAlreadyLocked
	}

	ownerAcc, err := e.loadAccount(owner)
	if err != nil {
		return err
	}
	vaultAcc, err := e.loadAccount(e.vaultAddress)
	if err != nil {
		return err
	}
	switch kind {
	case KindNative:
		if ownerAcc.BalanceMNT.Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		ownerAcc.BalanceMNT = new(big.Int).Sub(ownerAcc.BalanceMNT, amount)
		vaultAcc.BalanceMNT = new(big.Int).Add(vaultAcc.BalanceMNT, amount)
	case KindStable:
		if ownerAcc.BalanceUSDC.Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		ownerAcc.BalanceUSDC = new(big.Int).Sub(ownerAcc.BalanceUSDC, amount)
		vaultAcc.BalanceUSDC = new(big.Int).Add(vaultAcc.BalanceUSDC, amount)
	}

	record := &Collateral{
		LoanID:    loanID,
		Owner:     owner,
		Kind:      kind,
		Amount:    new(big.Int).Set(amount),
		Principal: new(big.Int).Set(principal),
		LockedAt:  e.nowFn(),
		Status:    StatusLocked,
	}

	if err := e.state.PutAccount(owner, ownerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.vaultAddress, vaultAcc); err != nil {
		return err
	}
	if err := e.state.PutCollateral(record); err != nil {
		return err
	}
	e.emit(events.CollateralLocked(loanID, owner, kind.String(), amount))
	return nil
}

// Get returns the collateral record for a loan.
func (e *Engine) Get(loanID [32]byte) (*Collateral, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, err := e.state.GetCollateral(loanID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	return record, nil
}

// ValueUSD returns the current stable-denominated value of the collateral.
// Native collateral is valued against the configured price feed; stable
// collateral is its own value.
func (e *Engine) ValueUSD(loanID [32]byte) (*big.Int, error) {
	record, err := e.Get(loanID)
	if err != nil {
		return nil, err
	}
	return e.valueUSD(record)
}

func (e *Engine) valueUSD(record *Collateral) (*big.Int, error) {
	if record.Kind == KindStable {
		return new(big.Int).Set(record.Amount), nil
	}
	if e.feed == nil {
		return nil, errNilFeed
	}
	quote, err := e.feed.LatestPrice(e.pair)
	if err != nil {
		return nil, err
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	age := e.nowFn() - quote.UpdatedAt.Unix()
	if age > int64(e.maxQuoteAge/time.Second) {
		return nil, ErrStalePrice
	}
	value := new(big.Int).Mul(record.Amount, quote.Price)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(quote.Decimals)), nil)
	value.Quo(value, scale)
	value.Quo(value, nativeToStableScale)
	return value, nil
}

// HealthRatio recomputes collateralValue*100/principal with truncating
// division. The ratio reflects the latest price deterministically; nothing is
// cached between calls.
func (e *Engine) HealthRatio(loanID [32]byte) (uint64, error) {
	record, err := e.Get(loanID)
	if err != nil {
		return 0, err
	}
	return e.healthRatio(record)
}

func (e *Engine) healthRatio(record *Collateral) (uint64, error) {
	value, err := e.valueUSD(record)
	if err != nil {
		return 0, err
	}
	if record.Principal == nil || record.Principal.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	ratio := new(big.Int).Mul(value, big.NewInt(100))
	ratio.Quo(ratio, record.Principal)
	if !ratio.IsUint64() {
		return math.MaxUint64, nil
	}
	return ratio.Uint64(), nil
}

// CanLiquidate reports whether the position is active and strictly below the
// liquidation threshold. Exactly the threshold is not liquidatable.
func (e *Engine) CanLiquidate(loanID [32]byte) (bool, error) {
	record, err := e.Get(loanID)
	if err != nil {
		return false, err
	}
	if !record.Active() {
		return false, nil
	}
	ratio, err := e.healthRatio(record)
	if err != nil {
		return false, err
	}
	return ratio < liquidationThresholdPercent, nil
}

// Liquidate seizes the collateral of an undercollateralised loan. The
// liquidability predicate is re-validated under the per-loan commit lock so
// concurrent callers race for at most one winner; losers observe the
// deactivated record and fail with ErrNotLiquidatable without mutating state.
func (e *Engine) Liquidate(loanID [32]byte, caller common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	commit := e.lockFor(loanID)
	commit.Lock()
	defer commit.Unlock()

	record, err := e.Get(loanID)
	if err != nil {
		return nil, err
	}
	if !record.Active() {
		return nil, ErrNotLiquidatable
	}
	ratio, err := e.healthRatio(record)
	if err != nil {
		return nil, err
	}
	if ratio >= liquidationThresholdPercent {
		return nil, ErrNotLiquidatable
	}
	return e.seize(record, caller)
}

// seize pays the liquidator reward and routes the remainder to the protocol
// sink. Callers must hold the loan's commit lock.
func (e *Engine) seize(record *Collateral, caller common.Address) (*big.Int, error) {
	reward := new(big.Int).Mul(record.Amount, big.NewInt(e.rewardPct))
	reward.Quo(reward, big.NewInt(100))
	protocolAmount := new(big.Int).Sub(record.Amount, reward)

	vaultAcc, err := e.loadAccount(e.vaultAddress)
	if err != nil {
		return nil, err
	}
	callerAcc, err := e.loadAccount(caller)
	if err != nil {
		return nil, err
	}
	sinkAcc, err := e.loadAccount(e.protocolSink)
	if err != nil {
		return nil, err
	}
	switch record.Kind {
	case KindNative:
		if vaultAcc.BalanceMNT.Cmp(record.Amount) < 0 {
			return nil, ErrInsufficientBalance
		}
		vaultAcc.BalanceMNT = new(big.Int).Sub(vaultAcc.BalanceMNT, record.Amount)
		callerAcc.BalanceMNT = new(big.Int).Add(callerAcc.BalanceMNT, reward)
		sinkAcc.BalanceMNT = new(big.Int).Add(sinkAcc.BalanceMNT, protocolAmount)
	case KindStable:
		if vaultAcc.BalanceUSDC.Cmp(record.Amount) < 0 {
			return nil, ErrInsufficientBalance
		}
		vaultAcc.BalanceUSDC = new(big.Int).Sub(vaultAcc.BalanceUSDC, record.Amount)
		callerAcc.BalanceUSDC = new(big.Int).Add(callerAcc.BalanceUSDC, reward)
		sinkAcc.BalanceUSDC = new(big.Int).Add(sinkAcc.BalanceUSDC, protocolAmount)
	}

	record.Status = StatusLiquidated
	if err := e.state.PutCollateral(record); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.vaultAddress, vaultAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(caller, callerAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.protocolSink, sinkAcc); err != nil {
		return nil, err
	}
	e.emit(events.CollateralLiquidated(record.LoanID, caller, reward, protocolAmount))
	return reward, nil
}

// ForceLiquidate seizes active collateral without the health predicate. It
// backs loan defaults, where the trigger is the elapsed grace period rather
// than valuation, and is therefore restricted to the loan engine. The
// exactly-once transition is still enforced under the commit lock.
func (e *Engine) ForceLiquidate(cap nativecommon.Capability, loanID [32]byte, caller common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Authorize(e.operator, cap); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	commit := e.lockFor(loanID)
	commit.Lock()
	defer commit.Unlock()

	record, err := e.Get(loanID)
	if err != nil {
		return nil, err
	}
	if !record.Active() {
		return nil, ErrNotLiquidatable
	}
	return e.seize(record, caller)
}

// Release returns the full locked amount to the recipient. Restricted to the
// loan engine.
func (e *Engine) Release(cap nativecommon.Capability, loanID [32]byte, to common.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Authorize(e.operator, cap); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}

	commit := e.lockFor(loanID)
	commit.Lock()
	defer commit.Unlock()

	record, err := e.Get(loanID)
	if err != nil {
		return err
	}
	if !record.Active() {
		return ErrNotActive
	}

	vaultAcc, err := e.loadAccount(e.vaultAddress)
	if err != nil {
		return err
	}
	recipientAcc, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	switch record.Kind {
	case KindNative:
		if vaultAcc.BalanceMNT.Cmp(record.Amount) < 0 {
			return ErrInsufficientBalance
		}
		vaultAcc.BalanceMNT = new(big.Int).Sub(vaultAcc.BalanceMNT, record.Amount)
		recipientAcc.BalanceMNT = new(big.Int).Add(recipientAcc.BalanceMNT, record.Amount)
	case KindStable:
		if vaultAcc.BalanceUSDC.Cmp(record.Amount) < 0 {
			return ErrInsufficientBalance
		}
		vaultAcc.BalanceUSDC = new(big.Int).Sub(vaultAcc.BalanceUSDC, record.Amount)
		recipientAcc.BalanceUSDC = new(big.Int).Add(recipientAcc.BalanceUSDC, record.Amount)
	}

	record.Status = StatusReleased
	if err := e.state.PutCollateral(record); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.vaultAddress, vaultAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(to, recipientAcc); err != nil {
		return err
	}
	e.emit(events.CollateralReleased(loanID, to, record.Amount))
	return nil
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
