package credit

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/events"
	"onloan/core/types"
	nativecommon "onloan/native/common"
)

var (
	errNilState = errors.New("credit ledger: state not configured")
	// ErrInvalidAmount marks repayment or default records without a positive
	// amount.
	ErrInvalidAmount = errors.New("credit ledger: amount must be positive")
)

const moduleName = "credit"

// unit is one whole stable-asset unit at 6 decimals.
var unit = big.NewInt(1_000_000)

// Borrow caps per score tier, denominated in whole stable units.
const (
	newBorrowerCapUnits = 5_000
	tierExcellentUnits  = 100_000
	tierGoodUnits       = 50_000
	tierFairUnits       = 20_000
	tierPoorUnits       = 10_000
	tierFloorUnits      = 5_000
)

type engineState interface {
	GetProfile(addr common.Address) (*Profile, error)
	PutProfile(profile *Profile) error
}

// Engine maintains borrower reputation and derives the risk tier inputs the
// loan engine prices against. All mutating entry points require the operator
// capability held by the loan engine.
type Engine struct {
	state    engineState
	operator nativecommon.Capability
	emitter  events.Emitter
	pauses   nativecommon.PauseView
}

// NewEngine constructs a credit ledger whose mutations are gated by the
// supplied operator capability.
func NewEngine(operator nativecommon.Capability) *Engine {
	return &Engine{operator: operator, emitter: events.NoopEmitter{}}
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

type creditEvent struct {
	evt *types.Event
}

func (e creditEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the wrapped payload for subscribers.
func (e creditEvent) Event() *types.Event { return e.evt }

// Profile returns the stored profile, lazily materialising a fresh one at the
// initial score. The lazily created profile is not persisted until the first
// mutation.
func (e *Engine) Profile(addr common.Address) (*Profile, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	profile, err := e.state.GetProfile(addr)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		profile = &Profile{Address: addr, Score: InitialScore, TotalRepaid: big.NewInt(0)}
	}
	if profile.TotalRepaid == nil {
		profile.TotalRepaid = big.NewInt(0)
	}
	return profile, nil
}

// RecordLoanTaken increments the borrower's loan counter. Restricted to the
// loan engine.
func (e *Engine) RecordLoanTaken(cap nativecommon.Capability, user common.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Authorize(e.operator, cap); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	profile, err := e.Profile(user)
	if err != nil {
		return err
	}
	profile.TotalLoans++
	if err := e.state.PutProfile(profile); err != nil {
		return err
	}
	e.emit(events.CreditUpdated(user, profile.Score, "loan_taken"))
	return nil
}

// RecordRepayment credits a completed loan: +10 score, with a +50 bonus on
// every fifth completed loan, clamped at the maximum score.
func (e *Engine) RecordRepayment(cap nativecommon.Capability, user common.Address, amount *big.Int) error {
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
	profile, err := e.Profile(user)
	if err != nil {
		return err
	}
	profile.CompletedLoans++
	profile.TotalRepaid = new(big.Int).Add(profile.TotalRepaid, amount)
	profile.Score += repaymentReward
	if profile.CompletedLoans%milestoneInterval == 0 {
		profile.Score += milestoneBonus
	}
	if profile.Score > MaxScore {
		profile.Score = MaxScore
	}
	if err := e.state.PutProfile(profile); err != nil {
		return err
	}
	e.emit(events.CreditUpdated(user, profile.Score, "repayment"))
	return nil
}

// RecordDefault debits a defaulted loan: -100 score, floored at zero.
func (e *Engine) RecordDefault(cap nativecommon.Capability, user common.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Authorize(e.operator, cap); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	profile, err := e.Profile(user)
	if err != nil {
		return err
	}
	profile.DefaultedLoans++
	if profile.Score >= defaultPenalty {
		profile.Score -= defaultPenalty
	} else {
		profile.Score = 0
	}
	if err := e.state.PutProfile(profile); err != nil {
		return err
	}
	e.emit(events.CreditUpdated(user, profile.Score, "default"))
	return nil
}

// RequiredCollateralRatio derives the collateral requirement (percent of the
// principal) for the borrower's current score tier.
func (e *Engine) RequiredCollateralRatio(user common.Address) (uint64, error) {
	profile, err := e.Profile(user)
	if err != nil {
		return 0, err
	}
	switch {
	case profile.Score >= 800:
		return 110, nil
	case profile.Score >= 600:
		return 120, nil
	case profile.Score >= 400:
		return 140, nil
	case profile.Score >= 200:
		return 160, nil
	default:
		return 180, nil
	}
}

// MaxBorrowAmount derives the borrow cap in stable-asset base units. New
// borrowers are capped regardless of score, and borrowers whose historical
// default rate exceeds the threshold are disqualified with a zero cap.
func (e *Engine) MaxBorrowAmount(user common.Address) (*big.Int, error) {
	profile, err := e.Profile(user)
	if err != nil {
		return nil, err
	}
	if profile.TotalLoans == 0 {
		return capUnits(newBorrowerCapUnits), nil
	}
	if profile.DefaultRatePercent() > maxDefaultRatePercent {
		return big.NewInt(0), nil
	}
	switch {
	case profile.Score >= 800:
		return capUnits(tierExcellentUnits), nil
	case profile.Score >= 600:
		return capUnits(tierGoodUnits), nil
	case profile.Score >= 400:
		return capUnits(tierFairUnits), nil
	case profile.Score >= 200:
		return capUnits(tierPoorUnits), nil
	default:
		return capUnits(tierFloorUnits), nil
	}
}

func capUnits(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), unit)
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(creditEvent{evt: evt})
}
