package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/types"
	"onloan/native/collateral"
	"onloan/native/credit"
	"onloan/native/loan"
	"onloan/native/pool"
	"onloan/storage"
)

// Key prefixes for the ledger keyspace. Records are JSON-encoded under these
// prefixes so any Database backend can serve them.
const (
	accountPrefix      = "ledger/account/"
	poolStateKey       = "ledger/pool"
	depositPrefix      = "ledger/deposit/"
	loanPrefix         = "ledger/loan/"
	loanBorrowerPrefix = "ledger/loans/borrower/"
	collateralPrefix   = "ledger/collateral/"
	creditPrefix       = "ledger/credit/"
)

// Manager persists ledger records in a key-value Database and implements the
// narrow persistence interfaces consumed by the pool, vault, credit and loan
// engines. Lookups for absent records return (nil, nil) so engines can apply
// their own lazy-creation rules.
type Manager struct {
	db storage.Database

	// guards read-modify-write of the borrower loan index.
	indexMu sync.Mutex
}

// NewManager wraps the provided database.
func NewManager(db storage.Database) (*Manager, error) {
	if db == nil {
		return nil, errors.New("state: database is required")
	}
	return &Manager{db: db}, nil
}

// Close closes the underlying database.
func (m *Manager) Close() error { return m.db.Close() }

func (m *Manager) getJSON(key string, out interface{}) (bool, error) {
	raw, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putJSON(key string, in interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return m.db.Put([]byte(key), raw)
}

func accountKey(addr common.Address) string {
	return accountPrefix + addr.Hex()
}

func depositKey(owner common.Address) string {
	return depositPrefix + owner.Hex()
}

func loanKey(id [32]byte) string {
	return loanPrefix + hex.EncodeToString(id[:])
}

func loanBorrowerKey(borrower common.Address) string {
	return loanBorrowerPrefix + borrower.Hex()
}

func collateralKey(id [32]byte) string {
	return collateralPrefix + hex.EncodeToString(id[:])
}

func creditKey(addr common.Address) string {
	return creditPrefix + addr.Hex()
}

// GetAccount loads an account record, or nil if the address is untouched.
func (m *Manager) GetAccount(addr common.Address) (*types.Account, error) {
	account := &types.Account{}
	ok, err := m.getJSON(accountKey(addr), account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	account.EnsureBalances()
	return account, nil
}

// PutAccount stores an account record.
func (m *Manager) PutAccount(addr common.Address, account *types.Account) error {
	if account == nil {
		return errors.New("state: account is required")
	}
	account.EnsureBalances()
	return m.putJSON(accountKey(addr), account)
}

// PoolState loads the pool singleton, or nil before the first write.
func (m *Manager) PoolState() (*pool.PoolState, error) {
	st := &pool.PoolState{}
	ok, err := m.getJSON(poolStateKey, st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	st.EnsureDefaults()
	return st, nil
}

// PutPoolState stores the pool singleton.
func (m *Manager) PutPoolState(st *pool.PoolState) error {
	if st == nil {
		return errors.New("state: pool state is required")
	}
	st.EnsureDefaults()
	return m.putJSON(poolStateKey, st)
}

// GetDeposit loads a lender position, or nil if the owner never deposited.
func (m *Manager) GetDeposit(owner common.Address) (*pool.Deposit, error) {
	dep := &pool.Deposit{}
	ok, err := m.getJSON(depositKey(owner), dep)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	dep.EnsureDefaults()
	return dep, nil
}

// PutDeposit stores a lender position.
func (m *Manager) PutDeposit(dep *pool.Deposit) error {
	if dep == nil {
		return errors.New("state: deposit is required")
	}
	dep.EnsureDefaults()
	return m.putJSON(depositKey(dep.Owner), dep)
}

// GetCollateral loads a collateral record, or nil if none was locked for the
// loan.
func (m *Manager) GetCollateral(loanID [32]byte) (*collateral.Collateral, error) {
	record := &collateral.Collateral{}
	ok, err := m.getJSON(collateralKey(loanID), record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return record, nil
}

// PutCollateral stores a collateral record.
func (m *Manager) PutCollateral(record *collateral.Collateral) error {
	if record == nil {
		return errors.New("state: collateral is required")
	}
	return m.putJSON(collateralKey(record.LoanID), record)
}

// GetProfile loads a credit profile, or nil if the address has no history.
func (m *Manager) GetProfile(addr common.Address) (*credit.Profile, error) {
	profile := &credit.Profile{}
	ok, err := m.getJSON(creditKey(addr), profile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return profile, nil
}

// PutProfile stores a credit profile.
func (m *Manager) PutProfile(profile *credit.Profile) error {
	if profile == nil {
		return errors.New("state: profile is required")
	}
	return m.putJSON(creditKey(profile.Address), profile)
}

// GetLoan loads a loan record, or nil for unknown IDs.
func (m *Manager) GetLoan(id [32]byte) (*loan.Loan, error) {
	record := &loan.Loan{}
	ok, err := m.getJSON(loanKey(id), record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	record.EnsureDefaults()
	return record, nil
}

// PutLoan stores a loan record and maintains the borrower's loan index.
func (m *Manager) PutLoan(record *loan.Loan) error {
	if record == nil {
		return errors.New("state: loan is required")
	}
	record.EnsureDefaults()

	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	exists, err := m.db.Has([]byte(loanKey(record.ID)))
	if err != nil {
		return err
	}
	if !exists {
		ids, err := m.loanIndex(record.Borrower)
		if err != nil {
			return err
		}
		ids = append(ids, record.ID)
		if err := m.putJSON(loanBorrowerKey(record.Borrower), ids); err != nil {
			return err
		}
	}
	return m.putJSON(loanKey(record.ID), record)
}

func (m *Manager) loanIndex(borrower common.Address) ([][32]byte, error) {
	var ids [][32]byte
	if _, err := m.getJSON(loanBorrowerKey(borrower), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// LoanIDsByBorrower lists every loan ever originated by the borrower, in
// origination order.
func (m *Manager) LoanIDsByBorrower(borrower common.Address) ([][32]byte, error) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	return m.loanIndex(borrower)
}
