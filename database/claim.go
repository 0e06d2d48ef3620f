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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/model"
)

// InsertClaim stores a claim in its epoch and bumps the epoch's claim count in
// one transaction. The epoch row stays locked until commit, so a concurrent
// close waits for the claim. A claim for an epoch that is no longer OPEN is a
// CONFLICT.
func (d Datasource) InsertClaim(ctx context.Context, c model.AllocationClaim) (*model.AllocationClaim, int64, error) {
	ctx, span := otel.Tracer("Claim").Start(ctx, "Saving allocation claim to db")
	defer span.End()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.ClaimHash = model.NormalizeHash(c.ClaimHash)
	c.Participant = model.NormalizeAddress(c.Participant)

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var count int64
	err = tx.QueryRowContext(ctx, `
		UPDATE openfunderse.epoch_lifecycle
		SET claim_count = claim_count + 1, updated_at = NOW()
		WHERE fund_id = $1 AND epoch_id = $2 AND status = 'OPEN'
		RETURNING claim_count
	`, c.FundID, c.EpochID).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("epoch %d of fund %s is not open", c.EpochID, c.FundID), nil)
		}
		span.RecordError(err)
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to increment claim count", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO openfunderse.allocation_claims (fund_id, claim_hash, epoch_id, participant, claim_json, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, c.FundID, c.ClaimHash, c.EpochID, c.Participant, []byte(c.ClaimJSON), c.CreatedBy, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		span.RecordError(err)
		if IsUniqueViolation(err) {
			return nil, 0, apierror.NewAPIError(apierror.ErrConflict, "duplicate claim", err)
		}
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save claim", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit claim", err)
	}
	return &c, count, nil
}

func (d Datasource) ListClaimsByEpoch(ctx context.Context, fundID string, epochID uint64) ([]model.AllocationClaim, error) {
	ctx, span := otel.Tracer("Claim").Start(ctx, "Fetching epoch claims from db")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, fund_id, claim_hash, epoch_id, participant, claim_json, created_by, created_at
		FROM openfunderse.allocation_claims
		WHERE fund_id = $1 AND epoch_id = $2
		ORDER BY created_at, id
	`, fundID, epochID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list claims", err)
	}
	defer rows.Close()

	claims := []model.AllocationClaim{}
	for rows.Next() {
		var (
			c   model.AllocationClaim
			raw []byte
		)
		if err := rows.Scan(&c.ID, &c.FundID, &c.ClaimHash, &c.EpochID, &c.Participant, &raw, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan claim", err)
		}
		c.ClaimJSON = json.RawMessage(raw)
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over claims", err)
	}
	return claims, nil
}

func (d Datasource) UpsertStakeWeight(ctx context.Context, s model.StakeWeight) error {
	if s.Weight == nil || s.Weight.Sign() < 0 {
		return apierror.NewAPIError(apierror.ErrBadRequest, "stake weight must be a non-negative integer", nil)
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO openfunderse.stake_weights (fund_id, participant, weight, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fund_id, participant) DO UPDATE SET weight = EXCLUDED.weight, updated_at = EXCLUDED.updated_at
	`, s.FundID, model.NormalizeAddress(s.Participant), s.Weight.String(), s.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save stake weight", err)
	}
	return nil
}

func (d Datasource) GetStakeWeights(ctx context.Context, fundID string) (map[string]*big.Int, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT participant, weight::TEXT FROM openfunderse.stake_weights WHERE fund_id = $1
	`, fundID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list stake weights", err)
	}
	defer rows.Close()

	stakes := map[string]*big.Int{}
	for rows.Next() {
		var participant, raw string
		if err := rows.Scan(&participant, &raw); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan stake weight", err)
		}
		w, err := parseNumeric(raw)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Invalid stake weight", err)
		}
		stakes[model.NormalizeAddress(participant)] = w
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over stake weights", err)
	}
	return stakes, nil
}

func scanEpochState(row rowScanner) (*model.EpochState, error) {
	var (
		s       model.EpochState
		weights []byte
		hashes  []byte
	)
	if err := row.Scan(&s.FundID, &s.EpochID, &s.EpochStateHash, &weights, &hashes, &s.ClaimCount, &s.CreatedAt); err != nil {
		return nil, err
	}
	var raw []string
	if err := json.Unmarshal(weights, &raw); err != nil {
		return nil, err
	}
	parsed, err := model.ParseBigIntStrings(raw)
	if err != nil {
		return nil, err
	}
	s.AggregateWeights = parsed
	if err := json.Unmarshal(hashes, &s.ClaimHashes); err != nil {
		return nil, err
	}
	return &s, nil
}

const epochStateColumns = `fund_id, epoch_id, epoch_state_hash, aggregate_weights, claim_hashes, claim_count, created_at`

func (d Datasource) GetLatestEpochState(ctx context.Context, fundID string) (*model.EpochState, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+epochStateColumns+`
		FROM openfunderse.epoch_states
		WHERE fund_id = $1
		ORDER BY epoch_id DESC
		LIMIT 1
	`, fundID)
	return d.epochStateResult(row)
}

func (d Datasource) GetEpochState(ctx context.Context, fundID string, epochID uint64) (*model.EpochState, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+epochStateColumns+`
		FROM openfunderse.epoch_states
		WHERE fund_id = $1 AND epoch_id = $2
	`, fundID, epochID)
	return d.epochStateResult(row)
}

func (d Datasource) epochStateResult(row rowScanner) (*model.EpochState, error) {
	s, err := scanEpochState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Epoch state not found", nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve epoch state", err)
	}
	return s, nil
}

// UpsertEpochState stores the aggregate once. A replay for the same epoch
// keeps the first row.
func (d Datasource) UpsertEpochState(ctx context.Context, s model.EpochState) error {
	ctx, span := otel.Tracer("Epoch").Start(ctx, "Saving epoch state to db")
	defer span.End()

	weights, err := json.Marshal(model.BigIntStrings(s.AggregateWeights))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal aggregate weights", err)
	}
	hashes, err := json.Marshal(s.ClaimHashes)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal claim hashes", err)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO openfunderse.epoch_states (fund_id, epoch_id, epoch_state_hash, aggregate_weights, claim_hashes, claim_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (fund_id, epoch_id) DO NOTHING
	`, s.FundID, s.EpochID, model.NormalizeHash(s.EpochStateHash), weights, hashes, s.ClaimCount, s.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save epoch state", err)
	}
	return nil
}
