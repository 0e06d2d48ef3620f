package model

import (
	"math/big"
	"time"
)

// Fund holds the epoch policy and consensus thresholds of one fund. Funds are
// created by an external bootstrap flow and are read-only to the relayer.
type Fund struct {
	FundID                string        `json:"fund_id"`
	Name                  string        `json:"name"`
	EpochDuration         time.Duration `json:"epoch_duration"`
	EpochMinClaims        int64         `json:"epoch_min_claims"`
	EpochMaxClaims        int64         `json:"epoch_max_claims"`
	AutoEpochEnabled      bool          `json:"auto_epoch_enabled"`
	ClaimThresholdWeight  *big.Int      `json:"claim_threshold_weight,omitempty"`
	IntentThresholdWeight *big.Int      `json:"intent_threshold_weight,omitempty"`
	AllowlistTokens       []string      `json:"allowlist_tokens,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
}

// FundDeployment is the onchain footprint of a fund.
type FundDeployment struct {
	FundID              string    `json:"fund_id"`
	ChainID             int64     `json:"chain_id"`
	SnapshotBookAddress string    `json:"snapshot_book_address"`
	CoreAddress         string    `json:"core_address"`
	VaultAddress        string    `json:"vault_address"`
	DeployedAt          time.Time `json:"deployed_at"`
}

// Participant is a registered claim submitter of a fund.
type Participant struct {
	FundID       string    `json:"fund_id"`
	Address      string    `json:"address"`
	RegisteredAt time.Time `json:"registered_at"`
}

// StakeWeight is a participant's voting power within a fund.
type StakeWeight struct {
	FundID      string    `json:"fund_id"`
	Participant string    `json:"participant"`
	Weight      *big.Int  `json:"weight"`
	UpdatedAt   time.Time `json:"updated_at"`
}
