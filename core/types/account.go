package types

import "math/big"

// Account holds the token balances tracked by the ledger for a single
// principal. BalanceUSDC is denominated in the stable asset's 6 decimal
// places while BalanceMNT uses the native asset's 18 decimal places.
type Account struct {
	Nonce       uint64   `json:"nonce"`
	BalanceUSDC *big.Int `json:"balanceUSDC"`
	BalanceMNT  *big.Int `json:"balanceMNT"`
}

// EnsureBalances populates nil balance fields so JSON handling and arithmetic
// remain safe on freshly decoded accounts.
func (a *Account) EnsureBalances() {
	if a == nil {
		return
	}
	if a.BalanceUSDC == nil {
		a.BalanceUSDC = big.NewInt(0)
	}
	if a.BalanceMNT == nil {
		a.BalanceMNT = big.NewInt(0)
	}
}

// Clone returns a deep copy of the account so callers can mutate the copy
// without affecting the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Nonce: a.Nonce}
	if a.BalanceUSDC != nil {
		clone.BalanceUSDC = new(big.Int).Set(a.BalanceUSDC)
	}
	if a.BalanceMNT != nil {
		clone.BalanceMNT = new(big.Int).Set(a.BalanceMNT)
	}
	clone.EnsureBalances()
	return clone
}
