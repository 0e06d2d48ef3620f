package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

type EpochStatus string

const (
	EpochOpen       EpochStatus = "OPEN"
	EpochClosed     EpochStatus = "CLOSED"
	EpochAggregated EpochStatus = "AGGREGATED"
)

// EpochLifecycle is one collection window of a fund.
type EpochLifecycle struct {
	FundID       string      `json:"fund_id"`
	EpochID      uint64      `json:"epoch_id"`
	Status       EpochStatus `json:"status"`
	OpenedAt     time.Time   `json:"opened_at"`
	ClosesAt     time.Time   `json:"closes_at"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
	AggregatedAt *time.Time  `json:"aggregated_at,omitempty"`
	ClaimCount   int64       `json:"claim_count"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// EpochState is the finalized aggregate of an epoch. It is written once.
type EpochState struct {
	FundID           string     `json:"fund_id"`
	EpochID          uint64     `json:"epoch_id"`
	EpochStateHash   string     `json:"epoch_state_hash"`
	AggregateWeights []*big.Int `json:"aggregate_weights"`
	ClaimHashes      []string   `json:"claim_hashes"`
	ClaimCount       int        `json:"claim_count"`
	CreatedAt        time.Time  `json:"created_at"`
}

// AllocationClaim is a participant's proposed allocation for one epoch. The
// claim body is kept verbatim; TargetWeights decodes it.
type AllocationClaim struct {
	ID          int64           `json:"id"`
	FundID      string          `json:"fund_id"`
	ClaimHash   string          `json:"claim_hash"`
	EpochID     uint64          `json:"epoch_id"`
	Participant string          `json:"participant"`
	ClaimJSON   json.RawMessage `json:"claim_json"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TargetWeights decodes the claim's weight vector.
func (c AllocationClaim) TargetWeights() ([]*big.Int, error) {
	var payload struct {
		TargetWeights []interface{} `json:"targetWeights"`
	}
	if err := decodeJSON(c.ClaimJSON, &payload); err != nil {
		return nil, fmt.Errorf("invalid claim_json in claim %s: %w", c.ClaimHash, err)
	}
	if len(payload.TargetWeights) == 0 {
		return nil, fmt.Errorf("invalid targetWeights in claim %s", c.ClaimHash)
	}
	weights := make([]*big.Int, len(payload.TargetWeights))
	for i, raw := range payload.TargetWeights {
		w, err := ParseBigInt(raw)
		if err != nil {
			return nil, fmt.Errorf("targetWeights must contain only integer values (claim %s)", c.ClaimHash)
		}
		weights[i] = w
	}
	return weights, nil
}

// NewClaimJSON encodes a weight vector the way claims are stored.
func NewClaimJSON(weights []*big.Int) json.RawMessage {
	b, _ := json.Marshal(map[string]interface{}{"targetWeights": BigIntStrings(weights)})
	return b
}
