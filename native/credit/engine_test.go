package credit

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "onloan/native/common"
)

type mockCreditState struct {
	profiles map[common.Address]*Profile
}

func newMockCreditState() *mockCreditState {
	return &mockCreditState{profiles: make(map[common.Address]*Profile)}
}

func (m *mockCreditState) GetProfile(addr common.Address) (*Profile, error) {
	profile, ok := m.profiles[addr]
	if !ok {
		return nil, nil
	}
	return profile.Clone(), nil
}

func (m *mockCreditState) PutProfile(profile *Profile) error {
	m.profiles[profile.Address] = profile.Clone()
	return nil
}

func makeAddress(b byte) common.Address {
	var addr common.Address
	addr[19] = b
	return addr
}

func newTestEngine() (*Engine, nativecommon.Capability, *mockCreditState) {
	operator := nativecommon.MintCapability()
	engine := NewEngine(operator)
	state := newMockCreditState()
	engine.SetState(state)
	return engine, operator, state
}

func TestProfileLazyInitialisation(t *testing.T) {
	engine, _, state := newTestEngine()
	user := makeAddress(0x01)

	profile, err := engine.Profile(user)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.Score != InitialScore {
		t.Fatalf("expected initial score %d, got %d", InitialScore, profile.Score)
	}
	if _, ok := state.profiles[user]; ok {
		t.Fatalf("lazy profile should not be persisted before first mutation")
	}
}

func TestFiveRepaymentsReachSixHundred(t *testing.T) {
	engine, operator, _ := newTestEngine()
	user := makeAddress(0x02)

	for i := 0; i < 5; i++ {
		if err := engine.RecordLoanTaken(operator, user); err != nil {
			t.Fatalf("record loan taken: %v", err)
		}
		if err := engine.RecordRepayment(operator, user, big.NewInt(1_000_000)); err != nil {
			t.Fatalf("record repayment: %v", err)
		}
	}

	profile, err := engine.Profile(user)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.Score != 600 {
		t.Fatalf("expected score 600 after five repayments, got %d", profile.Score)
	}
	if profile.CompletedLoans != 5 || profile.TotalLoans != 5 {
		t.Fatalf("unexpected counters: completed=%d total=%d", profile.CompletedLoans, profile.TotalLoans)
	}
	if profile.TotalRepaid.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("unexpected total repaid: %s", profile.TotalRepaid)
	}
}

func TestScoreStaysWithinBounds(t *testing.T) {
	engine, operator, _ := newTestEngine()
	user := makeAddress(0x03)

	for i := 0; i < 120; i++ {
		if err := engine.RecordLoanTaken(operator, user); err != nil {
			t.Fatalf("record loan taken: %v", err)
		}
		if err := engine.RecordRepayment(operator, user, big.NewInt(1)); err != nil {
			t.Fatalf("record repayment: %v", err)
		}
	}
	profile, _ := engine.Profile(user)
	if profile.Score != MaxScore {
		t.Fatalf("expected score clamped at %d, got %d", MaxScore, profile.Score)
	}

	for i := 0; i < 15; i++ {
		if err := engine.RecordDefault(operator, user, big.NewInt(1)); err != nil {
			t.Fatalf("record default: %v", err)
		}
	}
	profile, _ = engine.Profile(user)
	if profile.Score != 0 {
		t.Fatalf("expected score floored at 0, got %d", profile.Score)
	}
}

func TestRequiredCollateralRatioTiers(t *testing.T) {
	engine, _, state := newTestEngine()
	cases := []struct {
		score uint64
		want  uint64
	}{
		{850, 110},
		{800, 110},
		{700, 120},
		{500, 140},
		{300, 160},
		{100, 180},
	}
	for i, tc := range cases {
		user := makeAddress(byte(0x10 + i))
		state.profiles[user] = &Profile{Address: user, Score: tc.score, TotalRepaid: big.NewInt(0)}
		ratio, err := engine.RequiredCollateralRatio(user)
		if err != nil {
			t.Fatalf("required ratio (score %d): %v", tc.score, err)
		}
		if ratio != tc.want {
			t.Fatalf("score %d: expected ratio %d, got %d", tc.score, tc.want, ratio)
		}
	}
}

func TestMaxBorrowAmount(t *testing.T) {
	engine, _, state := newTestEngine()

	// Fresh borrowers are capped at 5k units regardless of score.
	fresh := makeAddress(0x20)
	cap, err := engine.MaxBorrowAmount(fresh)
	if err != nil {
		t.Fatalf("max borrow (fresh): %v", err)
	}
	if cap.Cmp(big.NewInt(5_000_000_000)) != 0 {
		t.Fatalf("unexpected fresh borrower cap: %s", cap)
	}

	// Established high-score borrower unlocks the top tier.
	prime := makeAddress(0x21)
	state.profiles[prime] = &Profile{Address: prime, Score: 820, TotalLoans: 10, CompletedLoans: 10, TotalRepaid: big.NewInt(0)}
	cap, err = engine.MaxBorrowAmount(prime)
	if err != nil {
		t.Fatalf("max borrow (prime): %v", err)
	}
	if cap.Cmp(big.NewInt(100_000_000_000)) != 0 {
		t.Fatalf("unexpected prime cap: %s", cap)
	}

	// Default rate above 20% disqualifies outright even with a high score.
	risky := makeAddress(0x22)
	state.profiles[risky] = &Profile{Address: risky, Score: 700, TotalLoans: 4, DefaultedLoans: 1, TotalRepaid: big.NewInt(0)}
	cap, err = engine.MaxBorrowAmount(risky)
	if err != nil {
		t.Fatalf("max borrow (risky): %v", err)
	}
	if cap.Sign() != 0 {
		t.Fatalf("expected zero cap for disqualified borrower, got %s", cap)
	}

	// Exactly 20% is still allowed.
	edge := makeAddress(0x23)
	state.profiles[edge] = &Profile{Address: edge, Score: 700, TotalLoans: 5, DefaultedLoans: 1, TotalRepaid: big.NewInt(0)}
	cap, err = engine.MaxBorrowAmount(edge)
	if err != nil {
		t.Fatalf("max borrow (edge): %v", err)
	}
	if cap.Cmp(big.NewInt(50_000_000_000)) != 0 {
		t.Fatalf("expected tier cap at exactly 20%% default rate, got %s", cap)
	}
}

func TestMutationsRequireCapability(t *testing.T) {
	engine, _, _ := newTestEngine()
	user := makeAddress(0x30)
	forged := nativecommon.MintCapability()

	if err := engine.RecordLoanTaken(forged, user); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.RecordRepayment(forged, user, big.NewInt(1)); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.RecordDefault(forged, user, big.NewInt(1)); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRecordRepaymentValidatesAmount(t *testing.T) {
	engine, operator, _ := newTestEngine()
	user := makeAddress(0x31)
	if err := engine.RecordRepayment(operator, user, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := engine.RecordRepayment(operator, user, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
