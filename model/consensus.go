package model

import (
	"math/big"
	"time"
)

type SubjectType string

const (
	SubjectClaim  SubjectType = "CLAIM"
	SubjectIntent SubjectType = "INTENT"
)

type SubjectStatus string

const (
	SubjectPending         SubjectStatus = "PENDING"
	SubjectReadyForOnchain SubjectStatus = "READY_FOR_ONCHAIN"
	SubjectApproved        SubjectStatus = "APPROVED"
	SubjectRejected        SubjectStatus = "REJECTED"
)

// SubjectState tracks threshold consensus for a claim or an intent.
// AttestedWeight only grows, and Status only moves forward.
type SubjectState struct {
	FundID          string        `json:"fund_id"`
	SubjectType     SubjectType   `json:"subject_type"`
	SubjectHash     string        `json:"subject_hash"`
	EpochID         *uint64       `json:"epoch_id,omitempty"`
	ThresholdWeight *big.Int      `json:"threshold_weight"`
	AttestedWeight  *big.Int      `json:"attested_weight"`
	Status          SubjectStatus `json:"status"`
	TxHash          string        `json:"tx_hash,omitempty"`
	SubmitAttempts  int           `json:"submit_attempts"`
	LastError       string        `json:"last_error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Attestation is one verifier's vote on a subject.
type Attestation struct {
	ID          int64         `json:"id"`
	FundID      string        `json:"fund_id"`
	SubjectType SubjectType   `json:"subject_type"`
	SubjectHash string        `json:"subject_hash"`
	EpochID     *uint64       `json:"epoch_id,omitempty"`
	Verifier    string        `json:"verifier"`
	ExpiresAt   uint64        `json:"expires_at"`
	Nonce       string        `json:"nonce"`
	Signature   string        `json:"signature"`
	Status      SubjectStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}
