/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// Gateway is the ledger surface the relayer depends on.
type Gateway interface {
	ValidateSnapshotBook(ctx context.Context, book common.Address) SnapshotBookValidation
	IsSnapshotFinalized(ctx context.Context, book common.Address, snapshotHash [32]byte) (bool, error)
	PublishSnapshot(ctx context.Context, signer Signer, book common.Address, snapshotHash [32]byte) (string, error)
	ValidateIntentExecution(ctx context.Context, core common.Address, intentHash [32]byte, req ExecutionRequest) (*IntentPreflight, error)
	ExecuteIntent(ctx context.Context, signer Signer, core common.Address, intentHash [32]byte, req ExecutionRequest) (string, error)
	AttestClaim(ctx context.Context, signer Signer, book common.Address, claimHash [32]byte, verifiers []common.Address, sigs [][]byte) (string, error)
}

var _ Gateway = (*Client)(nil)

// SnapshotBookValidation describes whether an address behaves like a
// SnapshotBook.
type SnapshotBookValidation struct {
	Address                     string   `json:"address"`
	HasCode                     bool     `json:"has_code"`
	IsSnapshotFinalizedCallable bool     `json:"is_snapshot_finalized_callable"`
	Errors                      []string `json:"errors,omitempty"`
}

func (v SnapshotBookValidation) Valid() bool {
	return v.HasCode && v.IsSnapshotFinalizedCallable && len(v.Errors) == 0
}

// ValidateSnapshotBook checks for deployed code and that
// isSnapshotFinalized(bytes32(0)) decodes to a bool without reverting.
func (c *Client) ValidateSnapshotBook(ctx context.Context, book common.Address) SnapshotBookValidation {
	addr := strings.ToLower(book.Hex())
	result := SnapshotBookValidation{Address: addr}

	hasCode, err := c.HasCode(ctx, book)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.HasCode = hasCode
	if !hasCode {
		result.Errors = append(result.Errors, fmt.Sprintf("address %s has no deployed bytecode (EOA or self-destructed)", addr))
		return result
	}

	if _, err := c.IsSnapshotFinalized(ctx, book, [32]byte{}); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("isSnapshotFinalized(bytes32(0)) reverted: %v", err))
		return result
	}
	result.IsSnapshotFinalizedCallable = true
	return result
}

func (c *Client) IsSnapshotFinalized(ctx context.Context, book common.Address, snapshotHash [32]byte) (bool, error) {
	data, err := SnapshotBookABI.Pack("isSnapshotFinalized", snapshotHash)
	if err != nil {
		return false, err
	}
	out, err := c.Call(ctx, book, data)
	if err != nil {
		return false, err
	}
	values, err := SnapshotBookABI.Unpack("isSnapshotFinalized", out)
	if err != nil {
		return false, errors.Wrap(err, "decode isSnapshotFinalized")
	}
	finalized, ok := values[0].(bool)
	if !ok {
		return false, errors.Errorf("isSnapshotFinalized returned %T", values[0])
	}
	return finalized, nil
}

// PublishSnapshot submits publishSnapshot(hash) and waits for inclusion.
func (c *Client) PublishSnapshot(ctx context.Context, signer Signer, book common.Address, snapshotHash [32]byte) (string, error) {
	data, err := SnapshotBookABI.Pack("publishSnapshot", snapshotHash)
	if err != nil {
		return "", err
	}
	return c.TransactAndWait(ctx, signer, book, data)
}

// ExecutionRequest mirrors the Core contract's execution request tuple.
// Field names must match the ABI component names.
type ExecutionRequest struct {
	TokenIn        common.Address
	TokenOut       common.Address
	AmountIn       *big.Int
	QuoteAmountOut *big.Int
	MinAmountOut   *big.Int
	Adapter        common.Address
	AdapterData    []byte
}

// IntentPreflight is the result of validateIntentExecution.
type IntentPreflight struct {
	Exists                bool
	Approved              bool
	NotExpired            bool
	NotExecuted           bool
	WithinNotional        bool
	SlippageOk            bool
	AllowlistOk           bool
	SnapshotHash          [32]byte
	Deadline              uint64
	MaxSlippageBps        uint16
	MaxNotional           *big.Int
	ExpectedAllowlistHash [32]byte
	ComputedAllowlistHash [32]byte
}

// Passed reports whether every preflight check holds.
func (p IntentPreflight) Passed() bool {
	return p.Exists && p.Approved && p.NotExpired && p.NotExecuted &&
		p.WithinNotional && p.SlippageOk && p.AllowlistOk
}

func (p IntentPreflight) FailureMessage() string {
	return fmt.Sprintf("preflight failed: exists=%t approved=%t notExpired=%t notExecuted=%t withinNotional=%t slippageOk=%t allowlistOk=%t",
		p.Exists, p.Approved, p.NotExpired, p.NotExecuted, p.WithinNotional, p.SlippageOk, p.AllowlistOk)
}

func (c *Client) ValidateIntentExecution(ctx context.Context, core common.Address, intentHash [32]byte, req ExecutionRequest) (*IntentPreflight, error) {
	data, err := CoreABI.Pack("validateIntentExecution", intentHash, req)
	if err != nil {
		return nil, errors.Wrap(err, "encode validateIntentExecution")
	}
	out, err := c.Call(ctx, core, data)
	if err != nil {
		return nil, err
	}
	values, err := CoreABI.Unpack("validateIntentExecution", out)
	if err != nil {
		return nil, errors.Wrap(err, "decode validateIntentExecution")
	}
	preflight := *abi.ConvertType(values[0], new(IntentPreflight)).(*IntentPreflight)
	return &preflight, nil
}

// ExecuteIntent submits executeIntent(intentHash, req) and waits for inclusion.
func (c *Client) ExecuteIntent(ctx context.Context, signer Signer, core common.Address, intentHash [32]byte, req ExecutionRequest) (string, error) {
	data, err := CoreABI.Pack("executeIntent", intentHash, req)
	if err != nil {
		return "", errors.Wrap(err, "encode executeIntent")
	}
	return c.TransactAndWait(ctx, signer, core, data)
}

// AttestClaim submits the collected verifier signatures for a claim.
func (c *Client) AttestClaim(ctx context.Context, signer Signer, book common.Address, claimHash [32]byte, verifiers []common.Address, sigs [][]byte) (string, error) {
	if len(verifiers) != len(sigs) {
		return "", errors.Errorf("verifiers (%d) and signatures (%d) differ in length", len(verifiers), len(sigs))
	}
	data, err := ClaimBookABI.Pack("attestClaim", claimHash, verifiers, sigs)
	if err != nil {
		return "", errors.Wrap(err, "encode attestClaim")
	}
	return c.TransactAndWait(ctx, signer, book, data)
}

// DecodeHexBytes parses 0x-prefixed calldata such as adapterData. "0x"
// decodes to an empty slice.
func DecodeHexBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" || s == "0X" {
		return []byte{}, nil
	}
	return hexutil.Decode(strings.ToLower(s))
}
