package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

type ExecutionStatus string

const (
	ExecutionReady           ExecutionStatus = "READY"
	ExecutionReadyForOnchain ExecutionStatus = "READY_FOR_ONCHAIN"
	ExecutionRunning         ExecutionStatus = "RUNNING"
	ExecutionExecuted        ExecutionStatus = "EXECUTED"
	ExecutionFailedRetryable ExecutionStatus = "FAILED_RETRYABLE"
	ExecutionFailedFinal     ExecutionStatus = "FAILED_FINAL"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionExecuted || s == ExecutionFailedFinal
}

// Claimable reports whether a job in this status may be picked up by a cycle.
func (s ExecutionStatus) Claimable() bool {
	return s == ExecutionReady || s == ExecutionReadyForOnchain || s == ExecutionFailedRetryable
}

// ExecutionJob is the queued onchain execution of an approved intent.
type ExecutionJob struct {
	ID           int64           `json:"id"`
	FundID       string          `json:"fund_id"`
	IntentHash   string          `json:"intent_hash"`
	Status       ExecutionStatus `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	NextRunAt    time.Time       `json:"next_run_at"`
	TxHash       string          `json:"tx_hash,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ExecutionJobFilter narrows ListExecutionJobs.
type ExecutionJobFilter struct {
	FundID string
	Status ExecutionStatus
	Limit  int
	Offset int
}

// Intent is a proposed trade awaiting consensus and execution.
type Intent struct {
	FundID             string          `json:"fund_id"`
	IntentHash         string          `json:"intent_hash"`
	IntentJSON         json.RawMessage `json:"intent_json"`
	ExecutionRouteJSON json.RawMessage `json:"execution_route_json"`
	Status             SubjectStatus   `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
}

type TradeIntent struct {
	IntentVersion  string
	Vault          string
	Action         string
	TokenIn        string
	TokenOut       string
	AmountIn       *big.Int
	MinAmountOut   *big.Int
	Deadline       uint64
	MaxSlippageBps uint16
	SnapshotHash   string
	Reason         string
}

type ExecutionRoute struct {
	TokenIn        string
	TokenOut       string
	QuoteAmountOut *big.Int
	MinAmountOut   *big.Int
	Adapter        string
	AdapterData    string
}

// ParseTradeIntent decodes an intent body. Integer fields may be strings or numbers.
func (i Intent) ParseTradeIntent() (TradeIntent, error) {
	var raw map[string]interface{}
	if err := decodeJSON(i.IntentJSON, &raw); err != nil {
		return TradeIntent{}, fmt.Errorf("invalid intent_json: %w", err)
	}
	amountIn, err := ParseBigInt(raw["amountIn"])
	if err != nil {
		return TradeIntent{}, fmt.Errorf("intent amountIn: %w", err)
	}
	minOut, err := ParseBigInt(raw["minAmountOut"])
	if err != nil {
		return TradeIntent{}, fmt.Errorf("intent minAmountOut: %w", err)
	}
	deadline, err := ParseBigInt(raw["deadline"])
	if err != nil || !deadline.IsUint64() {
		return TradeIntent{}, fmt.Errorf("intent deadline must be uint64")
	}
	slippage, err := ParseBigInt(raw["maxSlippageBps"])
	if err != nil || slippage.Cmp(big.NewInt(65535)) > 0 {
		return TradeIntent{}, fmt.Errorf("intent maxSlippageBps must be uint16")
	}
	return TradeIntent{
		IntentVersion:  stringField(raw, "intentVersion"),
		Vault:          NormalizeAddress(stringField(raw, "vault")),
		Action:         stringField(raw, "action"),
		TokenIn:        NormalizeAddress(stringField(raw, "tokenIn")),
		TokenOut:       NormalizeAddress(stringField(raw, "tokenOut")),
		AmountIn:       amountIn,
		MinAmountOut:   minOut,
		Deadline:       deadline.Uint64(),
		MaxSlippageBps: uint16(slippage.Uint64()),
		SnapshotHash:   NormalizeHash(stringField(raw, "snapshotHash")),
		Reason:         stringField(raw, "reason"),
	}, nil
}

// ParseExecutionRoute decodes the stored execution route.
func (i Intent) ParseExecutionRoute() (ExecutionRoute, error) {
	var raw map[string]interface{}
	if err := decodeJSON(i.ExecutionRouteJSON, &raw); err != nil {
		return ExecutionRoute{}, fmt.Errorf("invalid execution_route_json: %w", err)
	}
	quote, err := ParseBigInt(raw["quoteAmountOut"])
	if err != nil {
		return ExecutionRoute{}, fmt.Errorf("route quoteAmountOut: %w", err)
	}
	minOut, err := ParseBigInt(raw["minAmountOut"])
	if err != nil {
		return ExecutionRoute{}, fmt.Errorf("route minAmountOut: %w", err)
	}
	adapterData := stringField(raw, "adapterData")
	if adapterData == "" {
		adapterData = "0x"
	}
	return ExecutionRoute{
		TokenIn:        NormalizeAddress(stringField(raw, "tokenIn")),
		TokenOut:       NormalizeAddress(stringField(raw, "tokenOut")),
		QuoteAmountOut: quote,
		MinAmountOut:   minOut,
		Adapter:        NormalizeAddress(stringField(raw, "adapter")),
		AdapterData:    adapterData,
	}, nil
}

func stringField(raw map[string]interface{}, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
