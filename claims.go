package relayer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/ledger"
	"github.com/wiimdy/openfunderse-sub000/model"
)

// ClaimInput is a participant's allocation proposal for the open epoch.
type ClaimInput struct {
	FundID        string     `json:"fund_id"`
	ClaimHash     string     `json:"claim_hash"`
	EpochID       *uint64    `json:"epoch_id,omitempty"`
	Participant   string     `json:"participant"`
	TargetWeights []*big.Int `json:"target_weights"`
	CreatedBy     string     `json:"created_by"`
}

func (in ClaimInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.FundID, validation.Required),
		validation.Field(&in.ClaimHash, validation.Required, validation.By(isHash32)),
		validation.Field(&in.Participant, validation.Required, validation.By(isAddress)),
		validation.Field(&in.TargetWeights, validation.Required, validation.By(nonNegativeWeights)),
	)
}

func nonNegativeWeights(value interface{}) error {
	weights, _ := value.([]*big.Int)
	for i, w := range weights {
		if w == nil || w.Sign() < 0 {
			return fmt.Errorf("targetWeights[%d] must be a non-negative integer", i)
		}
	}
	return nil
}

// SubmitClaim stores a claim against the fund's open epoch and bumps the
// epoch's claim count.
func (r *Relayer) SubmitClaim(ctx context.Context, in ClaimInput) (*model.AllocationClaim, error) {
	if err := in.Validate(); err != nil {
		return nil, badRequest(err.Error(), nil)
	}
	if model.SumBigInts(in.TargetWeights).Sign() <= 0 {
		return nil, badRequest("targetWeights sum must be positive", nil)
	}

	open, err := r.datasource.GetOpenEpoch(ctx, in.FundID)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return nil, badRequest(fmt.Sprintf("fund %s has no open epoch", in.FundID), nil)
		}
		return nil, err
	}
	if in.EpochID != nil && *in.EpochID != open.EpochID {
		return nil, badRequest(fmt.Sprintf("epoch %d is not open (open epoch is %d)", *in.EpochID, open.EpochID), nil)
	}
	if !r.now().Before(open.ClosesAt) {
		return nil, badRequest(fmt.Sprintf("epoch %d closed at %s", open.EpochID, open.ClosesAt.UTC().Format("2006-01-02T15:04:05Z")), nil)
	}

	fund, err := r.GetFund(ctx, in.FundID)
	if err != nil {
		return nil, err
	}
	if n := len(fund.AllowlistTokens); n > 0 && len(in.TargetWeights) != n {
		return nil, badRequest(fmt.Sprintf("targetWeights must have one entry per allowlisted token (%d)", n), nil)
	}

	participants, err := r.datasource.ListParticipants(ctx, in.FundID)
	if err != nil {
		return nil, err
	}
	if len(participants) > 0 && !containsAddress(participants, in.Participant) {
		return nil, apierror.NewAPIError(apierror.ErrForbidden, "participant is not registered for this fund", nil)
	}

	// CONFLICT when the epoch closed since it was read; the caller resubmits
	// into the next epoch.
	claim, count, err := r.datasource.InsertClaim(ctx, model.AllocationClaim{
		FundID:      in.FundID,
		ClaimHash:   in.ClaimHash,
		EpochID:     open.EpochID,
		Participant: in.Participant,
		ClaimJSON:   model.NewClaimJSON(in.TargetWeights),
		CreatedBy:   in.CreatedBy,
		CreatedAt:   r.now(),
	})
	if err != nil {
		return nil, err
	}

	r.publish(ctx, model.EventClaimSubmitted, in.FundID, map[string]interface{}{
		"epochId":     open.EpochID,
		"claimHash":   claim.ClaimHash,
		"participant": claim.Participant,
		"claimCount":  count,
	})
	return claim, nil
}

func containsAddress(addresses []string, addr string) bool {
	addr = model.NormalizeAddress(addr)
	for _, a := range addresses {
		if model.NormalizeAddress(a) == addr {
			return true
		}
	}
	return false
}

// StakeInput sets a participant's stake weight within a fund.
type StakeInput struct {
	FundID      string   `json:"fund_id"`
	Participant string   `json:"participant"`
	Weight      *big.Int `json:"weight"`
}

func (in StakeInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.FundID, validation.Required),
		validation.Field(&in.Participant, validation.Required, validation.By(isAddress)),
		validation.Field(&in.Weight, validation.NotNil, validation.By(func(value interface{}) error {
			if w, _ := value.(*big.Int); w != nil && w.Sign() < 0 {
				return fmt.Errorf("must be non-negative")
			}
			return nil
		})),
	)
}

func (r *Relayer) SetStakeWeight(ctx context.Context, in StakeInput) error {
	if err := in.Validate(); err != nil {
		return badRequest(err.Error(), nil)
	}
	return r.datasource.UpsertStakeWeight(ctx, model.StakeWeight{
		FundID:      in.FundID,
		Participant: model.NormalizeAddress(in.Participant),
		Weight:      new(big.Int).Set(in.Weight),
		UpdatedAt:   r.now(),
	})
}

func (r *Relayer) RegisterParticipant(ctx context.Context, fundID, address string) error {
	if strings.TrimSpace(fundID) == "" {
		return badRequest("fund id is required", nil)
	}
	if !model.IsAddress(address) {
		return badRequest("participant must be a 0x-prefixed 20 byte hex address", nil)
	}
	if _, err := r.GetFund(ctx, fundID); err != nil {
		return err
	}
	return r.datasource.RegisterParticipant(ctx, fundID, model.NormalizeAddress(address))
}

// IntentInput is a trade proposal and the route it would execute through.
type IntentInput struct {
	FundID         string          `json:"fund_id"`
	IntentHash     string          `json:"intent_hash"`
	Intent         json.RawMessage `json:"intent"`
	ExecutionRoute json.RawMessage `json:"execution_route"`
}

func (in IntentInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.FundID, validation.Required),
		validation.Field(&in.IntentHash, validation.Required, validation.By(isHash32)),
		validation.Field(&in.Intent, validation.Required),
		validation.Field(&in.ExecutionRoute, validation.Required),
	)
}

// ProposeIntent stores a trade intent for attestation. The intent and its
// route must already form a valid execution request, and both tokens must be
// on the fund's allowlist when it has one.
func (r *Relayer) ProposeIntent(ctx context.Context, in IntentInput) (*model.Intent, error) {
	if err := in.Validate(); err != nil {
		return nil, badRequest(err.Error(), nil)
	}
	fund, err := r.GetFund(ctx, in.FundID)
	if err != nil {
		return nil, err
	}

	intent := model.Intent{
		FundID:             in.FundID,
		IntentHash:         model.NormalizeHash(in.IntentHash),
		IntentJSON:         in.Intent,
		ExecutionRouteJSON: in.ExecutionRoute,
		Status:             model.SubjectPending,
		CreatedAt:          r.now(),
	}
	trade, err := intent.ParseTradeIntent()
	if err != nil {
		return nil, badRequest(err.Error(), nil)
	}
	route, err := intent.ParseExecutionRoute()
	if err != nil {
		return nil, badRequest(err.Error(), nil)
	}
	if _, err := ledger.BuildExecutionRequest(trade, route); err != nil {
		return nil, badRequest(err.Error(), nil)
	}
	if len(fund.AllowlistTokens) > 0 {
		for _, token := range []string{trade.TokenIn, trade.TokenOut} {
			if !containsAddress(fund.AllowlistTokens, token) {
				return nil, badRequest(fmt.Sprintf("token %s is not allowlisted for fund %s", token, fund.FundID), nil)
			}
		}
	}

	if err := r.datasource.UpsertIntent(ctx, intent); err != nil {
		return nil, err
	}
	r.publish(ctx, model.EventIntentProposed, in.FundID, map[string]interface{}{
		"intentHash": intent.IntentHash,
		"tokenIn":    trade.TokenIn,
		"tokenOut":   trade.TokenOut,
		"amountIn":   trade.AmountIn.String(),
	})
	return r.datasource.GetIntent(ctx, in.FundID, intent.IntentHash)
}
