package collateral

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/types"
	nativecommon "onloan/native/common"
	"onloan/native/pricefeed"
)

type mockVaultState struct {
	mu          sync.Mutex
	collaterals map[[32]byte]*Collateral
	accounts    map[common.Address]*types.Account
}

func newMockVaultState() *mockVaultState {
	return &mockVaultState{
		collaterals: make(map[[32]byte]*Collateral),
		accounts:    make(map[common.Address]*types.Account),
	}
}

func (m *mockVaultState) GetCollateral(loanID [32]byte) (*Collateral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.collaterals[loanID]
	if !ok {
		return nil, nil
	}
	return record.Clone(), nil
}

func (m *mockVaultState) PutCollateral(record *Collateral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collaterals[record.LoanID] = record.Clone()
	return nil
}

func (m *mockVaultState) GetAccount(addr common.Address) (*types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[addr]
	if !ok {
		return nil, nil
	}
	return acc.Clone(), nil
}

func (m *mockVaultState) PutAccount(addr common.Address, acc *types.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[addr] = acc.Clone()
	return nil
}

func (m *mockVaultState) balance(addr common.Address) *types.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.accounts[addr].Clone()
	acc.EnsureBalances()
	return acc
}

func makeAddress(b byte) common.Address {
	var addr common.Address
	addr[19] = b
	return addr
}

func makeLoanID(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

var (
	oneMNT        = new(big.Int).Mul(big.NewInt(1), big.NewInt(1_000_000_000_000_000_000))
	thousandUSDC  = big.NewInt(1_000_000_000)
	testQuoteTime = time.Unix(1_700_000_000, 0)
)

func priceUSD(dollars int64) *big.Int {
	// 8 decimal oracle quotes.
	return new(big.Int).Mul(big.NewInt(dollars), big.NewInt(100_000_000))
}

type vaultFixture struct {
	engine   *Engine
	operator nativecommon.Capability
	state    *mockVaultState
	feed     *pricefeed.ManualSource
	vault    common.Address
	sink     common.Address
}

func newVaultFixture(t *testing.T) *vaultFixture {
	t.Helper()
	operator := nativecommon.MintCapability()
	vault := makeAddress(0xF0)
	sink := makeAddress(0xF1)
	engine := NewEngine(operator, vault, sink)
	state := newMockVaultState()
	engine.SetState(state)
	feed := pricefeed.NewManualSource()
	engine.SetPriceSource(feed)
	engine.SetNowFunc(func() int64 { return testQuoteTime.Unix() })
	return &vaultFixture{engine: engine, operator: operator, state: state, feed: feed, vault: vault, sink: sink}
}

func (f *vaultFixture) fundNative(addr common.Address, amount *big.Int) {
	f.state.accounts[addr] = &types.Account{BalanceMNT: new(big.Int).Set(amount), BalanceUSDC: big.NewInt(0)}
}

func (f *vaultFixture) setPrice(dollars int64) {
	f.feed.Set("MNT/USD", priceUSD(dollars), 8, testQuoteTime)
}

func TestLockMovesBalanceAndRejectsDoubleLock(t *testing.T) {
	f := newVaultFixture(t)
	owner := makeAddress(0x01)
	loanID := makeLoanID(0x01)
	f.fundNative(owner, oneMNT)

	if err := f.engine.Lock(f.operator, loanID, owner, KindNative, oneMNT, thousandUSDC); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if got := f.state.balance(owner).BalanceMNT; got.Sign() != 0 {
		t.Fatalf("expected owner drained, got %s", got)
	}
	if got := f.state.balance(f.vault).BalanceMNT; got.Cmp(oneMNT) != 0 {
		t.Fatalf("expected vault funded, got %s", got)
	}

	if err := f.engine.Lock(f.operator, loanID, owner, KindNative, oneMNT, thousandUSDC); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}
}

func TestLockValidation(t *testing.T) {
	f := newVaultFixture(t)
	owner := makeAddress(0x02)
	loanID := makeLoanID(0x02)
	f.fundNative(owner, oneMNT)

	if err := f.engine.Lock(f.operator, loanID, owner, KindNative, big.NewInt(0), thousandUSDC); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero amount, got %v", err)
	}
	if err := f.engine.Lock(f.operator, loanID, owner, KindNative, oneMNT, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero principal, got %v", err)
	}
	forged := nativecommon.MintCapability()
	if err := f.engine.Lock(forged, loanID, owner, KindNative, oneMNT, thousandUSDC); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHealthRatioTracksPrice(t *testing.T) {
	f := newVaultFixture(t)
	owner := makeAddress(0x03)
	loanID := makeLoanID(0x03)
	f.fundNative(owner, oneMNT)
	f.setPrice(2_000)

	if err := f.engine.Lock(f.operator, loanID, owner, KindNative, oneMNT, thousandUSDC); err != nil {
		t.Fatalf("lock: %v", err)
	}

	ratio, err := f.engine.HealthRatio(loanID)
	if err != nil {
		t.Fatalf("health ratio: %v", err)
	}
	if ratio != 200 {
		t.Fatalf("expected health 200 at $2000, got %d", ratio)
	}

	f.setPrice(1_100)
	ratio, err = f.engine.HealthRatio(loanID)
	if err != nil {
		t.Fatalf("health ratio: %v", err)
	}
	if ratio != 110 {
		t.Fatalf("expected health 110 at $1100, got %d", ratio)
	}
	liquidatable, err := f.engine.CanLiquidate(loanID)
	if err != nil {
		t.Fatalf("can liquidate: %v", err)
	}
	if !liquidatable {
		t.Fatalf("expected liquidatable at health 110")
	}

	// Exactly the threshold is still safe.
	f.setPrice(1_200)
	ratio, err = f.engine.HealthRatio(loanID)
	if err != nil {
		t.Fatalf("health ratio: %v", err)
	}
	if ratio != 120 {
		t.Fatalf("expected health 120 at $1200, got %d", ratio)
	}
	liquidatable, err = f.engine.CanLiquidate(loanID)
	if err != nil {
		t.Fatalf("can liquidate: %v", err)
	}
	if liquidatable {
		t.Fatalf("health of exactly 120 must not be liquidatable")
	}
}

func TestStableCollateralValueIgnoresOracle(t *testing.T) {
	f := newVaultFixture(t)
	owner := makeAddress(0x04)
	loanID := makeLoanID(0x04)
	f.state.accounts[owner] = &types.Account{BalanceUSDC: new(big.Int).Mul(big.NewInt(2), thousandUSDC), BalanceMNT: big.NewInt(0)}

	amount := new(big.Int).Mul(big.NewInt(2), thousandUSDC)
	if err := f.engine.Lock(f.operator, loanID, owner, KindStable, amount, thousandUSDC); err != nil {
		t.Fatalf("lock: %v", err)
	}
	// No price ever set; stable valuation must not consult the feed.
	ratio, err := f.engine.HealthRatio(loanID)
	if err != nil {
		t.Fatalf("health ratio: %v", err)
	}
	if ratio != 200 {
		t.Fatalf("expected health 200 for 2x stable collateral, got %d", ratio)
	}
}

func TestHealthRatioOracleFailures(t *testing.T) {
	f := newVaultFixture(t)
	owner := makeAddress(0x05)
	loanID := makeLoanID(0x05)
	f.fundNative(owner, oneMNT)
	f.setPrice(2_000)
	if err := f.engine.Lock(f.operator, loanID, owner, KindNative, oneMNT, thousandUSDC); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Quote older than one hour.
	f.feed.Set("MNT/USD", priceUSD(2_000), 8, testQuoteTime.Add(-2*time.Hour))
	if _, err := f.engine.HealthRatio(loanID); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}

	f.feed.Set("MNT/USD", big.NewInt(0), 8, testQuoteTime)
	if _, err := f.engine.HealthRatio(loanID); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestLiquidateSplitsReward(t *testing.T) {
	f := newVaultFixture(t)
	owner := makeAddress(0x06)
	liquidator := makeAddress(0x07)
	loanID := makeLoanID(0x06)
	f.fundNative(owner, oneMNT)
	f.fundNative(liquidator, big.NewInt(0))
	f.setPrice(2_000)
	if err := f.engine.Lock(f.operator, loanID, owner, KindNative, oneMNT, thousandUSDC); err != nil {
		t.Fatalf("lock: %v", err)
	}

	f.setPrice(1_000)
	reward, err := f.engine.Liquidate(loanID, liquidator)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	wantReward := new(big.Int).Quo(new(big.Int).Mul(oneMNT, big.NewInt(5)), big.NewInt(100))
	if reward.Cmp(wantReward) != 0 {
		t.Fatalf("unexpected reward: %s", reward)
	}
	if got := f.state.balance(liquidator).BalanceMNT; got.Cmp(wantReward) != 0 {
		t.Fatalf("unexpected liquidator balance: %s", got)
	}
	wantSink := new(big.Int).Sub(oneMNT, wantReward)
	if got := f.state.balance(f.sink).BalanceMNT; got.Cmp(wantSink) != 0 {
		t.Fatalf("unexpected protocol sink balance: %s", got)
	}
	if got := f.state.balance(f.vault).BalanceMNT; got.Sign() != 0 {
		t.Fatalf("expected vault drained, got %s", got)
	}

	record, err := f.engine.Get(loanID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != StatusLiquidated {
		t.Fatalf("expected liquidated status, got %s", record.Status)
	}
}

func TestLiquidateHealthyPositionIsIdempotentFailure(t *testing.T) {
	f := newVaultFixture(t)
	owner := makeAddress(0x08)
	liquidator := makeAddress(0x09)
	loanID := makeLoanID(0x08)
	f.fundNative(owner, oneMNT)
	f.fundNative(liquidator, big.NewInt(0))
	f.setPrice(2_000)
	if err := f.engine.Lock(f.operator, loanID, owner, KindNative, oneMNT, thousandUSDC); err != nil {
		t.Fatalf("lock: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := f.engine.Liquidate(loanID, liquidator); !errors.Is(err, ErrNotLiquidatable) {
			t.Fatalf("expected ErrNotLiquidatable, got %v", err)
		}
	}
	if got := f.state.balance(f.vault).BalanceMNT; got.Cmp(oneMNT) != 0 {
		t.Fatalf("vault must be untouched by failed liquidations, got %s", got)
	}
	record, _ := f.engine.Get(loanID)
	if record.Status != StatusLocked {
		t.Fatalf("expected still locked, got %s", record.Status)
	}
}

func TestConcurrentLiquidationSingleWinner(t *testing.T) {
	f := newVaultFixture(t)
	owner := makeAddress(0x0A)
	loanID := makeLoanID(0x0A)
	f.fundNative(owner, oneMNT)
	f.setPrice(2_000)
	if err := f.engine.Lock(f.operator, loanID, owner, KindNative, oneMNT, thousandUSDC); err != nil {
		t.Fatalf("lock: %v", err)
	}
	f.setPrice(1_000)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		liquidator := makeAddress(byte(0x40 + i))
		f.fundNative(liquidator, big.NewInt(0))
	}
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.engine.Liquidate(loanID, makeAddress(byte(0x40+i)))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrNotLiquidatable):
		default:
			t.Fatalf("unexpected liquidation error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one liquidation winner, got %d", winners)
	}
	if got := f.state.balance(f.vault).BalanceMNT; got.Sign() != 0 {
		t.Fatalf("expected vault drained exactly once, got %s", got)
	}
}

func TestReleaseExactlyOnce(t *testing.T) {
	f := newVaultFixture(t)
	owner := makeAddress(0x0B)
	loanID := makeLoanID(0x0B)
	f.fundNative(owner, oneMNT)
	if err := f.engine.Lock(f.operator, loanID, owner, KindNative, oneMNT, thousandUSDC); err != nil {
		t.Fatalf("lock: %v", err)
	}

	forged := nativecommon.MintCapability()
	if err := f.engine.Release(forged, loanID, owner); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if err := f.engine.Release(f.operator, loanID, owner); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := f.state.balance(owner).BalanceMNT; got.Cmp(oneMNT) != 0 {
		t.Fatalf("expected full refund, got %s", got)
	}

	if err := f.engine.Release(f.operator, loanID, owner); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive on second release, got %v", err)
	}
	f.setPrice(1)
	if _, err := f.engine.Liquidate(loanID, owner); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("released collateral must not be liquidatable, got %v", err)
	}
}

func TestForceLiquidateRequiresCapability(t *testing.T) {
	f := newVaultFixture(t)
	owner := makeAddress(0x0C)
	liquidator := makeAddress(0x0D)
	loanID := makeLoanID(0x0C)
	f.fundNative(owner, oneMNT)
	f.fundNative(liquidator, big.NewInt(0))
	f.setPrice(2_000)
	if err := f.engine.Lock(f.operator, loanID, owner, KindNative, oneMNT, thousandUSDC); err != nil {
		t.Fatalf("lock: %v", err)
	}

	forged := nativecommon.MintCapability()
	if _, err := f.engine.ForceLiquidate(forged, loanID, liquidator); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	// Healthy positions may still be force-liquidated by the loan engine on
	// default; the predicate there is the grace period, not valuation.
	reward, err := f.engine.ForceLiquidate(f.operator, loanID, liquidator)
	if err != nil {
		t.Fatalf("force liquidate: %v", err)
	}
	if reward.Sign() <= 0 {
		t.Fatalf("expected positive reward, got %s", reward)
	}
	if _, err := f.engine.ForceLiquidate(f.operator, loanID, liquidator); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable on second force liquidation, got %v", err)
	}
}

func TestConfiguredLiquidatorReward(t *testing.T) {
	f := newVaultFixture(t)
	f.engine.SetLiquidatorRewardPercent(10)
	owner := makeAddress(0x30)
	liquidator := makeAddress(0x31)
	loanID := makeLoanID(0x30)
	f.fundNative(owner, oneMNT)
	f.fundNative(liquidator, big.NewInt(0))
	f.setPrice(2_000)
	if err := f.engine.Lock(f.operator, loanID, owner, KindNative, oneMNT, thousandUSDC); err != nil {
		t.Fatalf("lock: %v", err)
	}

	f.setPrice(1_000)
	reward, err := f.engine.Liquidate(loanID, liquidator)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	wantReward := new(big.Int).Quo(new(big.Int).Mul(oneMNT, big.NewInt(10)), big.NewInt(100))
	if reward.Cmp(wantReward) != 0 {
		t.Fatalf("unexpected reward: %s", reward)
	}
	wantSink := new(big.Int).Sub(oneMNT, wantReward)
	if got := f.state.balance(f.sink).BalanceMNT; got.Cmp(wantSink) != 0 {
		t.Fatalf("unexpected protocol sink balance: %s", got)
	}
}
