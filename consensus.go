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
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wiimdy/openfunderse-sub000/config"
	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/internal/hash"
	redlock "github.com/wiimdy/openfunderse-sub000/internal/lock"
	"github.com/wiimdy/openfunderse-sub000/ledger"
	"github.com/wiimdy/openfunderse-sub000/model"
)

const subjectLockTTL = 2 * time.Minute

// AttestationInput is one verifier's signed vote on a claim or an intent.
type AttestationInput struct {
	FundID      string            `json:"fund_id"`
	SubjectType model.SubjectType `json:"subject_type"`
	SubjectHash string            `json:"subject_hash"`
	EpochID     *uint64           `json:"epoch_id,omitempty"`
	Verifier    string            `json:"verifier"`
	ExpiresAt   uint64            `json:"expires_at"`
	Nonce       string            `json:"nonce"`
	Signature   string            `json:"signature"`
}

func (in AttestationInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.FundID, validation.Required),
		validation.Field(&in.SubjectType, validation.Required, validation.In(model.SubjectClaim, model.SubjectIntent)),
		validation.Field(&in.SubjectHash, validation.Required, validation.By(isHash32)),
		validation.Field(&in.Verifier, validation.Required, validation.By(isAddress)),
		validation.Field(&in.Signature, validation.Required),
		validation.Field(&in.EpochID, validation.When(in.SubjectType == model.SubjectClaim, validation.NotNil)),
	)
}

func isHash32(value interface{}) error {
	if s, _ := value.(string); !model.IsHash32(s) {
		return fmt.Errorf("must be a 0x-prefixed 32 byte hex string")
	}
	return nil
}

func isAddress(value interface{}) error {
	if s, _ := value.(string); !model.IsAddress(s) {
		return fmt.Errorf("must be a 0x-prefixed 20 byte hex address")
	}
	return nil
}

// Verification is the outcome of checking an attestation signature.
// Verifier holds the recovered signer when the scheme recovers one.
type Verification struct {
	OK       bool   `json:"ok"`
	Verifier string `json:"verifier,omitempty"`
	Digest   string `json:"digest,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SignatureVerifier checks the typed-data signature of an attestation. Key
// material never reaches the relayer.
type SignatureVerifier interface {
	Verify(ctx context.Context, input AttestationInput) (Verification, error)
}

// AttestationResult reports the subject's consensus state after a vote.
type AttestationResult struct {
	SubjectType     model.SubjectType `json:"subject_type"`
	SubjectHash     string            `json:"subject_hash"`
	Digest          string            `json:"digest,omitempty"`
	AttestedWeight  *big.Int          `json:"attested_weight"`
	ThresholdWeight *big.Int          `json:"threshold_weight"`
	TotalWeight     *big.Int          `json:"total_weight"`
	SnapshotID      string            `json:"validator_snapshot_id"`
	Finalized       bool              `json:"finalized"`
	TxHash          string            `json:"tx_hash,omitempty"`
	SubmitError     string            `json:"submit_error,omitempty"`
}

func finalStatus(subjectType model.SubjectType) model.SubjectStatus {
	if subjectType == model.SubjectIntent {
		return model.SubjectReadyForOnchain
	}
	return model.SubjectApproved
}

func isFinalized(status model.SubjectStatus) bool {
	return status == model.SubjectApproved || status == model.SubjectReadyForOnchain
}

func (r *Relayer) verifierAllowed(verifier string) bool {
	allowlist := r.config.Consensus.VerifierAllowlist
	if len(allowlist) == 0 {
		return true
	}
	verifier = model.NormalizeAddress(verifier)
	for _, v := range allowlist {
		if model.NormalizeAddress(v) == verifier {
			return true
		}
	}
	return false
}

// IngestAttestation records one verifier's vote and finalizes the subject
// once the weight of its pending votes reaches the snapshot threshold.
//
// A verifier's vote counts once per subject: a repeated vote is rejected with
// CONFLICT. Finalization happens exactly once however many votes arrive after
// the threshold is crossed.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - in AttestationInput: The vote.
// - snapshot *ValidatorSnapshot: The verifier weights and threshold to apply.
// - v Verification: The result of checking the vote's signature.
//
// Returns:
// - *AttestationResult: The subject's weights and finalization state.
// - error: BAD_REQUEST, FORBIDDEN or CONFLICT when the vote is not counted.
func (r *Relayer) IngestAttestation(ctx context.Context, in AttestationInput, snapshot *ValidatorSnapshot, v Verification) (*AttestationResult, error) {
	ctx, span := tracer.Start(ctx, "IngestAttestation")
	defer span.End()
	span.SetAttributes(
		attribute.String("fund.id", in.FundID),
		attribute.String("subject.type", string(in.SubjectType)),
		attribute.String("subject.hash", in.SubjectHash),
	)

	result, err := r.ingestAttestation(ctx, in, snapshot, v)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

func (r *Relayer) ingestAttestation(ctx context.Context, in AttestationInput, snapshot *ValidatorSnapshot, v Verification) (*AttestationResult, error) {
	r.metrics.Inc(ctx, CounterRequestsTotal)
	if in.SubjectType == model.SubjectIntent {
		r.metrics.Inc(ctx, CounterRequestsIntentAttest)
	} else {
		r.metrics.Inc(ctx, CounterRequestsClaimAttest)
	}

	if err := in.Validate(); err != nil {
		return nil, badRequest(err.Error(), nil)
	}
	if snapshot == nil {
		return nil, apierror.NewAPIError(apierror.ErrConfig, "validator snapshot is required", nil)
	}
	in.SubjectHash = model.NormalizeHash(in.SubjectHash)
	in.Verifier = model.NormalizeAddress(in.Verifier)

	if !v.OK {
		r.metrics.Inc(ctx, CounterVerifyFail)
		message := v.Error
		if message == "" {
			message = "attestation verification failed"
		}
		return nil, badRequest(message, nil)
	}
	if v.Verifier != "" && model.NormalizeAddress(v.Verifier) != in.Verifier {
		r.metrics.Inc(ctx, CounterVerifyFail)
		return nil, badRequest("recovered signer does not match verifier", nil)
	}

	if !r.verifierAllowed(in.Verifier) {
		return nil, apierror.NewAPIError(apierror.ErrForbidden, "verifier not allowlisted", nil)
	}
	weight := snapshot.WeightOf(in.Verifier)
	if weight.Sign() <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrForbidden, "verifier is not in validator snapshot", nil)
	}

	state, err := r.datasource.EnsureSubjectState(ctx, model.SubjectState{
		FundID:          in.FundID,
		SubjectType:     in.SubjectType,
		SubjectHash:     in.SubjectHash,
		EpochID:         in.EpochID,
		ThresholdWeight: snapshot.ThresholdWeight,
		Status:          model.SubjectPending,
	})
	if err != nil {
		return nil, err
	}

	result := &AttestationResult{
		SubjectType:     in.SubjectType,
		SubjectHash:     in.SubjectHash,
		Digest:          v.Digest,
		AttestedWeight:  state.AttestedWeight,
		ThresholdWeight: snapshot.ThresholdWeight,
		TotalWeight:     snapshot.TotalWeight,
		SnapshotID:      snapshot.SnapshotID,
		TxHash:          state.TxHash,
	}

	if isFinalized(state.Status) {
		// Late votes are kept for the record but carry no weight.
		if _, err := r.insertAttestation(ctx, in, state.Status); err != nil {
			return nil, err
		}
		result.Finalized = true
		r.publishFinalized(ctx, in.FundID, in.SubjectType, in.SubjectHash, state.TxHash)
		return result, nil
	}

	if _, err := r.insertAttestation(ctx, in, model.SubjectPending); err != nil {
		return nil, err
	}
	r.metrics.Inc(ctx, CounterVerifySuccess)

	attested, err := r.datasource.IncrementAttestedWeight(ctx, in.FundID, in.SubjectType, in.SubjectHash, weight)
	if err != nil {
		return nil, err
	}
	result.AttestedWeight = attested

	attestedEvent := model.EventClaimAttested
	hashKey := "claimHash"
	if in.SubjectType == model.SubjectIntent {
		attestedEvent = model.EventIntentAttested
		hashKey = "intentHash"
	}
	r.publish(ctx, attestedEvent, in.FundID, map[string]interface{}{
		hashKey:           in.SubjectHash,
		"verifier":        in.Verifier,
		"weight":          weight.String(),
		"attestedWeight":  attested.String(),
		"thresholdWeight": snapshot.ThresholdWeight.String(),
	})

	if err := r.maybeFinalize(ctx, in, snapshot, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Relayer) insertAttestation(ctx context.Context, in AttestationInput, status model.SubjectStatus) (*model.Attestation, error) {
	a, err := r.datasource.InsertAttestation(ctx, model.Attestation{
		FundID:      in.FundID,
		SubjectType: in.SubjectType,
		SubjectHash: in.SubjectHash,
		EpochID:     in.EpochID,
		Verifier:    in.Verifier,
		ExpiresAt:   in.ExpiresAt,
		Nonce:       in.Nonce,
		Signature:   in.Signature,
		Status:      status,
		CreatedAt:   r.now(),
	})
	if err != nil {
		if isConflict(err) {
			r.metrics.Inc(ctx, CounterDuplicateRejected)
			return nil, apierror.NewAPIError(apierror.ErrConflict, "duplicate attestation", nil)
		}
		return nil, err
	}
	return a, nil
}

// maybeFinalize finalizes the subject when its pending votes reach the
// threshold. The stored status transition is a compare-and-set, so only one
// caller acts on a crossing.
func (r *Relayer) maybeFinalize(ctx context.Context, in AttestationInput, snapshot *ValidatorSnapshot, result *AttestationResult) error {
	current, err := r.datasource.GetSubjectState(ctx, in.FundID, in.SubjectType, in.SubjectHash)
	if err != nil {
		return err
	}
	if isFinalized(current.Status) {
		result.Finalized = true
		result.TxHash = current.TxHash
		return nil
	}

	pending, err := r.datasource.ListAttestations(ctx, in.FundID, in.SubjectType, in.SubjectHash, model.SubjectPending)
	if err != nil {
		return err
	}
	verifiers := make([]string, len(pending))
	for i, a := range pending {
		verifiers[i] = a.Verifier
	}
	if !snapshot.Reached(verifiers) {
		return nil
	}

	if in.SubjectType == model.SubjectIntent {
		return r.finalizeIntent(ctx, in, result)
	}
	if r.config.Consensus.ClaimFinalizationMode == config.FinalizationOnchain {
		return r.finalizeClaimOnchain(ctx, in, pending, result)
	}
	return r.finalizeClaimOffchain(ctx, in, result)
}

func (r *Relayer) finalizeIntent(ctx context.Context, in AttestationInput, result *AttestationResult) error {
	changed, err := r.datasource.TransitionSubject(ctx, in.FundID, model.SubjectIntent, in.SubjectHash, model.SubjectPending, model.SubjectReadyForOnchain, "")
	if err != nil {
		return err
	}
	result.Finalized = true
	if !changed {
		return nil
	}
	r.metrics.Inc(ctx, CounterThresholdMet)

	job, err := r.datasource.UpsertExecutionJob(ctx, in.FundID, in.SubjectHash, r.now())
	if err != nil {
		return err
	}
	r.publish(ctx, model.EventIntentReady, in.FundID, map[string]interface{}{
		"intentHash":     in.SubjectHash,
		"jobId":          job.ID,
		"attestedWeight": result.AttestedWeight.String(),
	})
	logrus.WithFields(logrus.Fields{"fund_id": in.FundID, "intent_hash": in.SubjectHash, "job_id": job.ID}).Info("intent ready for execution")
	return nil
}

func (r *Relayer) finalizeClaimOffchain(ctx context.Context, in AttestationInput, result *AttestationResult) error {
	changed, err := r.datasource.TransitionSubject(ctx, in.FundID, model.SubjectClaim, in.SubjectHash, model.SubjectPending, model.SubjectApproved, "")
	if err != nil {
		return err
	}
	result.Finalized = true
	if changed {
		r.metrics.Inc(ctx, CounterThresholdMet)
		r.publishFinalized(ctx, in.FundID, model.SubjectClaim, in.SubjectHash, "")
	}
	return nil
}

// finalizeClaimOnchain submits the collected signatures to the ClaimBook. A
// failed submission is recorded on the subject, which stays PENDING so a
// later vote retries it.
func (r *Relayer) finalizeClaimOnchain(ctx context.Context, in AttestationInput, pending []model.Attestation, result *AttestationResult) error {
	r.metrics.Inc(ctx, CounterThresholdMet)

	submit := func(ctx context.Context) error {
		current, err := r.datasource.GetSubjectState(ctx, in.FundID, model.SubjectClaim, in.SubjectHash)
		if err != nil {
			return err
		}
		if isFinalized(current.Status) {
			result.Finalized = true
			result.TxHash = current.TxHash
			return nil
		}

		txHash, err := r.submitClaimAttestations(ctx, in.SubjectHash, pending)
		if err != nil {
			r.metrics.Inc(ctx, CounterOnchainSubmitFail)
			result.SubmitError = err.Error()
			return r.datasource.RecordSubmitError(ctx, in.FundID, model.SubjectClaim, in.SubjectHash, err.Error())
		}
		r.metrics.Inc(ctx, CounterOnchainSubmitSuccess)

		changed, err := r.datasource.TransitionSubject(ctx, in.FundID, model.SubjectClaim, in.SubjectHash, model.SubjectPending, model.SubjectApproved, txHash)
		if err != nil {
			return err
		}
		result.Finalized = true
		result.TxHash = txHash
		if changed {
			r.publishFinalized(ctx, in.FundID, model.SubjectClaim, in.SubjectHash, txHash)
		}
		return nil
	}

	if r.redis == nil {
		return submit(ctx)
	}
	key := fmt.Sprintf("lock:subject:%s:%s", strings.ToLower(string(in.SubjectType)), in.SubjectHash)
	ran, err := redlock.RunExclusive(ctx, r.redis, key, subjectLockTTL, submit)
	if err != nil {
		return err
	}
	if !ran {
		logrus.WithField("claim_hash", in.SubjectHash).Debug("claim submission already in progress")
	}
	return nil
}

func (r *Relayer) submitClaimAttestations(ctx context.Context, claimHash string, pending []model.Attestation) (string, error) {
	gw, err := r.ledgerGateway(ctx)
	if err != nil {
		return "", err
	}
	signer, err := r.executionSigner()
	if err != nil {
		return "", err
	}
	if !model.IsAddress(r.config.Chain.ClaimBookAddress) {
		return "", apierror.NewAPIError(apierror.ErrConfig, "CLAIM_BOOK_ADDRESS is required for onchain claim finalization", nil)
	}
	subject, err := hash.Parse(claimHash)
	if err != nil {
		return "", badRequest(err.Error(), nil)
	}

	verifiers := make([]common.Address, 0, len(pending))
	sigs := make([][]byte, 0, len(pending))
	for _, a := range pending {
		sig, err := ledger.DecodeHexBytes(a.Signature)
		if err != nil {
			return "", badRequest(fmt.Sprintf("invalid signature from %s", a.Verifier), err)
		}
		verifiers = append(verifiers, common.HexToAddress(a.Verifier))
		sigs = append(sigs, sig)
	}

	book := common.HexToAddress(r.config.Chain.ClaimBookAddress)
	txHash, err := gw.AttestClaim(ctx, signer, book, subject, verifiers, sigs)
	if err != nil {
		return "", onchainError("failed to submit claim attestations", txHash, err)
	}
	return strings.ToLower(txHash), nil
}

func (r *Relayer) publishFinalized(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash, txHash string) {
	payload := map[string]interface{}{}
	if txHash != "" {
		payload["txHash"] = txHash
	}
	if subjectType == model.SubjectIntent {
		payload["intentHash"] = subjectHash
		r.publish(ctx, model.EventIntentReady, fundID, payload)
		return
	}
	payload["claimHash"] = subjectHash
	r.publish(ctx, model.EventClaimFinalized, fundID, payload)
}

// VerifyAndIngest loads the validator snapshot, checks the signature with the
// configured verifier and ingests the vote.
func (r *Relayer) VerifyAndIngest(ctx context.Context, in AttestationInput) (*AttestationResult, error) {
	if r.verifier == nil {
		return nil, apierror.NewAPIError(apierror.ErrConfig, "signature verifier is not configured", nil)
	}
	var epochID uint64
	if in.EpochID != nil {
		epochID = *in.EpochID
	}
	snapshot, err := r.LoadValidatorSnapshot(ctx, in.FundID, in.SubjectType, epochID)
	if err != nil {
		return nil, err
	}

	v, err := r.verifier.Verify(ctx, in)
	if err != nil {
		v = Verification{OK: false, Error: err.Error()}
	}
	return r.IngestAttestation(ctx, in, snapshot, v)
}
