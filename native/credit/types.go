package credit

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// InitialScore is assigned on first reference of a profile.
	InitialScore = 500
	// MaxScore bounds the reputation score from above.
	MaxScore = 1_000

	// repaymentReward is credited for every completed loan.
	repaymentReward = 10
	// milestoneBonus is credited once per five completed loans.
	milestoneBonus = 50
	// milestoneInterval is the completed-loan cadence of the bonus.
	milestoneInterval = 5
	// defaultPenalty is debited for every defaulted loan.
	defaultPenalty = 100

	// maxDefaultRatePercent disqualifies borrowers whose historical default
	// rate exceeds it.
	maxDefaultRatePercent = 20
)

// Profile tracks the reputation history for a single borrower. Profiles are
// created lazily at InitialScore and never deleted.
type Profile struct {
	Address        common.Address `json:"address"`
	Score          uint64         `json:"score"`
	TotalLoans     uint64         `json:"totalLoans"`
	CompletedLoans uint64         `json:"completedLoans"`
	DefaultedLoans uint64         `json:"defaultedLoans"`
	TotalRepaid    *big.Int       `json:"totalRepaid"`
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	clone := *p
	if p.TotalRepaid != nil {
		clone.TotalRepaid = new(big.Int).Set(p.TotalRepaid)
	} else {
		clone.TotalRepaid = big.NewInt(0)
	}
	return &clone
}

// DefaultRatePercent computes the historical default rate. Profiles without
// loans report zero.
func (p *Profile) DefaultRatePercent() uint64 {
	if p == nil || p.TotalLoans == 0 {
		return 0
	}
	return p.DefaultedLoans * 100 / p.TotalLoans
}
