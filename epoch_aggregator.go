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

package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wiimdy/openfunderse-sub000/aggregate"
	"github.com/wiimdy/openfunderse-sub000/config"
	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/internal/hash"
	"github.com/wiimdy/openfunderse-sub000/ledger"
	"github.com/wiimdy/openfunderse-sub000/model"
)

type AggregateStatus string

const (
	AggregateOK                AggregateStatus = "OK"
	AggregateAlreadyAggregated AggregateStatus = "ALREADY_AGGREGATED"
)

type SnapshotPublish struct {
	AlreadyPublished bool   `json:"already_published"`
	TxHash           string `json:"tx_hash,omitempty"`
}

// EpochAggregate is the offchain part of an aggregation: the weighted vector
// and the state hash that commits to the contributing claims.
type EpochAggregate struct {
	FundID           string            `json:"fund_id"`
	EpochID          uint64            `json:"epoch_id"`
	EpochStateHash   string            `json:"epoch_state_hash"`
	ClaimScale       *big.Int          `json:"claim_scale"`
	ParticipantCount int               `json:"participant_count"`
	ClaimCount       int               `json:"claim_count"`
	ClaimHashes      []string          `json:"claim_hashes"`
	AggregateWeights []*big.Int        `json:"aggregate_weights"`
	Skipped          aggregate.Skipped `json:"skipped"`
}

// AggregateResult is an EpochAggregate anchored on the ledger.
type AggregateResult struct {
	EpochAggregate
	Status              AggregateStatus `json:"status"`
	SnapshotBookAddress string          `json:"snapshot_book_address"`
	SnapshotPublish     SnapshotPublish `json:"snapshot_publish"`
}

func badRequest(message string, details interface{}) error {
	return apierror.NewAPIError(apierror.ErrBadRequest, message, details)
}

func onchainError(message string, txHash string, cause error) error {
	details := map[string]interface{}{}
	if txHash != "" {
		details["txHash"] = txHash
	}
	if cause != nil {
		details["cause"] = cause.Error()
	}
	return apierror.NewAPIError(apierror.ErrOnchain, message, details)
}

// ComputeEpochAggregate loads an epoch's claims and stakes and computes the
// stake-weighted aggregate. It has no side effects.
func (r *Relayer) ComputeEpochAggregate(ctx context.Context, fundID string, epochID uint64) (*EpochAggregate, error) {
	rows, err := r.datasource.ListClaimsByEpoch(ctx, fundID, epochID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, badRequest("no allocation claims for epoch", nil)
	}

	claims := make([]aggregate.Claim, 0, len(rows))
	for _, row := range rows {
		weights, err := row.TargetWeights()
		if err != nil {
			return nil, badRequest(err.Error(), nil)
		}
		claims = append(claims, aggregate.Claim{
			Participant: row.Participant,
			Weights:     weights,
			ClaimHash:   row.ClaimHash,
			CreatedAt:   row.CreatedAt,
		})
	}

	latest := aggregate.LatestPerParticipant(claims)
	dims, scale, err := aggregate.CheckShape(latest)
	if err != nil {
		return nil, badRequest(err.Error(), nil)
	}

	registered, err := r.registry(ctx, fundID)
	if err != nil {
		return nil, err
	}
	stakes, err := r.datasource.GetStakeWeights(ctx, fundID)
	if err != nil {
		return nil, err
	}
	if r.config.Epoch.StakePolicy == config.StakePolicyUnit {
		for _, c := range latest {
			if _, ok := stakes[c.Participant]; !ok {
				stakes[c.Participant] = big.NewInt(1)
			}
		}
	}

	filtered := aggregate.FilterAndWeighClaims(aggregate.FilterInput{
		Claims:             latest,
		Registered:         registered,
		Stakes:             stakes,
		ExpectedDimensions: dims,
	})
	weights, err := aggregate.ComputeStakeWeighted(filtered.Included, dims)
	if err != nil {
		return nil, badRequest(err.Error(), filtered.Skipped)
	}

	claimHashes := make([]string, len(filtered.Included))
	for i, p := range filtered.Included {
		claimHashes[i] = p.ClaimHash
	}
	stateHash, ordered, err := hash.EpochStateHash(epochID, claimHashes)
	if err != nil {
		return nil, badRequest(err.Error(), nil)
	}
	sorted := make([]string, len(ordered))
	for i, h := range ordered {
		sorted[i] = h.Hex()
	}

	return &EpochAggregate{
		FundID:           fundID,
		EpochID:          epochID,
		EpochStateHash:   stateHash.Hex(),
		ClaimScale:       scale,
		ParticipantCount: len(filtered.Included),
		ClaimCount:       len(sorted),
		ClaimHashes:      sorted,
		AggregateWeights: weights,
		Skipped:          filtered.Skipped,
	}, nil
}

// registry returns the registered participants of a fund, or nil when the
// fund keeps no registry and every participant is admitted.
func (r *Relayer) registry(ctx context.Context, fundID string) (map[string]struct{}, error) {
	participants, err := r.datasource.ListParticipants(ctx, fundID)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, nil
	}
	registered := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		registered[model.NormalizeAddress(p)] = struct{}{}
	}
	return registered, nil
}

// AggregateEpoch computes an epoch's aggregate and anchors its state hash on
// the fund's SnapshotBook. Repeating the call for an epoch that is already
// anchored and stored returns ALREADY_AGGREGATED without writing anything.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - fundID string: The fund the epoch belongs to.
// - epochID uint64: The epoch to aggregate.
//
// Returns:
// - *AggregateResult: The aggregate and its publish metadata.
// - error: BAD_REQUEST for unusable claims or deployment data, CONFIG_ERROR
//   for missing chain or signer settings and ONCHAIN_ERROR for ledger failures.
func (r *Relayer) AggregateEpoch(ctx context.Context, fundID string, epochID uint64) (*AggregateResult, error) {
	ctx, span := tracer.Start(ctx, "AggregateEpoch")
	defer span.End()
	span.SetAttributes(attribute.String("fund.id", fundID), attribute.Int64("epoch.id", int64(epochID)))

	result, err := r.aggregateEpoch(ctx, fundID, epochID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"fund_id":          fundID,
		"epoch_id":         epochID,
		"status":           result.Status,
		"epoch_state_hash": result.EpochStateHash,
	}).Info("epoch aggregated")
	return result, nil
}

func (r *Relayer) aggregateEpoch(ctx context.Context, fundID string, epochID uint64) (*AggregateResult, error) {
	agg, err := r.ComputeEpochAggregate(ctx, fundID, epochID)
	if err != nil {
		return nil, err
	}

	deployment, err := r.datasource.GetFundDeployment(ctx, fundID)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return nil, badRequest("fund is not deployed yet (missing onchain deployment metadata)", nil)
		}
		return nil, err
	}
	bookAddress := model.NormalizeAddress(deployment.SnapshotBookAddress)
	if !model.IsAddress(bookAddress) {
		return nil, badRequest("invalid snapshotBook address in deployment", map[string]interface{}{
			"snapshotBookAddress": deployment.SnapshotBookAddress,
		})
	}
	book := common.HexToAddress(bookAddress)

	gw, err := r.ledgerGateway(ctx)
	if err != nil {
		return nil, err
	}

	validation := gw.ValidateSnapshotBook(ctx, book)
	if !validation.Valid() {
		return nil, apierror.NewAPIError(apierror.ErrOnchain,
			fmt.Sprintf("snapshotBook at %s does not implement SnapshotBook interface", bookAddress),
			map[string]interface{}{"snapshotBookAddress": bookAddress, "validation": validation})
	}

	stateHash, err := hash.Parse(agg.EpochStateHash)
	if err != nil {
		return nil, err
	}
	finalized, err := gw.IsSnapshotFinalized(ctx, book, stateHash)
	if err != nil {
		return nil, onchainError("failed to read snapshot finalization status", "", err)
	}

	existing, err := r.datasource.GetEpochState(ctx, fundID, epochID)
	if err != nil && !apierror.Is(err, apierror.ErrNotFound) {
		return nil, err
	}

	result := &AggregateResult{
		EpochAggregate:      *agg,
		Status:              AggregateOK,
		SnapshotBookAddress: bookAddress,
		SnapshotPublish:     SnapshotPublish{AlreadyPublished: finalized},
	}

	if finalized && existing != nil {
		result.Status = AggregateAlreadyAggregated
		result.EpochStateHash = existing.EpochStateHash
		return result, nil
	}

	if !finalized {
		txHash, err := r.publishSnapshot(ctx, gw, book, stateHash)
		if err != nil {
			return nil, err
		}
		result.SnapshotPublish.TxHash = txHash
	}

	err = r.datasource.UpsertEpochState(ctx, model.EpochState{
		FundID:           fundID,
		EpochID:          epochID,
		EpochStateHash:   agg.EpochStateHash,
		AggregateWeights: agg.AggregateWeights,
		ClaimHashes:      agg.ClaimHashes,
		ClaimCount:       agg.ClaimCount,
		CreatedAt:        r.now(),
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// publishSnapshot submits the state hash and confirms it by reading the
// finalization flag back.
func (r *Relayer) publishSnapshot(ctx context.Context, gw ledger.Gateway, book common.Address, stateHash hash.Hash) (string, error) {
	signer, err := r.publisherSigner()
	if err != nil {
		return "", err
	}

	txHash, err := gw.PublishSnapshot(ctx, signer, book, stateHash)
	if err != nil {
		r.metrics.Inc(ctx, CounterOnchainSubmitFail)
		if errors.Is(err, ledger.ErrTxReverted) {
			return "", onchainError("publishSnapshot reverted: "+txHash, txHash, err)
		}
		return "", onchainError("failed to publish snapshot onchain", txHash, err)
	}

	finalizedAfter, err := gw.IsSnapshotFinalized(ctx, book, stateHash)
	if err != nil || !finalizedAfter {
		r.metrics.Inc(ctx, CounterOnchainSubmitFail)
		return "", onchainError("snapshot root publish succeeded but read-back check failed", txHash, err)
	}
	r.metrics.Inc(ctx, CounterOnchainSubmitSuccess)
	return strings.ToLower(txHash), nil
}

// ClaimInclusion is the merkle path of one claim within an aggregated epoch.
type ClaimInclusion struct {
	FundID         string   `json:"fund_id"`
	EpochID        uint64   `json:"epoch_id"`
	ClaimHash      string   `json:"claim_hash"`
	MerkleRoot     string   `json:"merkle_root"`
	EpochStateHash string   `json:"epoch_state_hash"`
	Proof          []string `json:"proof"`
}

// ClaimProof returns the inclusion proof of a claim in the stored aggregate
// of an epoch. A claim that was not aggregated is NOT_FOUND.
func (r *Relayer) ClaimProof(ctx context.Context, fundID string, epochID uint64, claimHash string) (*ClaimInclusion, error) {
	ctx, span := tracer.Start(ctx, "ClaimProof")
	defer span.End()

	leaf, err := hash.Parse(claimHash)
	if err != nil {
		return nil, badRequest(err.Error(), nil)
	}
	state, err := r.datasource.GetEpochState(ctx, fundID, epochID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	ordered, err := hash.UniqueSorted(state.ClaimHashes)
	if err != nil {
		return nil, err
	}
	root, err := hash.MerkleRoot(ordered)
	if err != nil {
		return nil, err
	}
	proof, err := hash.MerkleProof(ordered, leaf)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("claim %s is not part of epoch %d", leaf.Hex(), epochID), nil)
	}
	if !hash.VerifyProof(root, leaf, proof) {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "stored claim set does not reproduce its merkle root", nil)
	}

	out := &ClaimInclusion{
		FundID:         fundID,
		EpochID:        epochID,
		ClaimHash:      leaf.Hex(),
		MerkleRoot:     root.Hex(),
		EpochStateHash: state.EpochStateHash,
		Proof:          make([]string, len(proof)),
	}
	for i, p := range proof {
		out.Proof[i] = p.Hex()
	}
	return out, nil
}
