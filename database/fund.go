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
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/model"
)

const fundColumns = `fund_id, name, epoch_duration_ms, epoch_min_claims, epoch_max_claims,
	auto_epoch_enabled, claim_threshold_weight::TEXT, intent_threshold_weight::TEXT, allowlist_tokens, created_at`

func (d Datasource) CreateFund(ctx context.Context, f model.Fund) (model.Fund, error) {
	ctx, span := otel.Tracer("Fund").Start(ctx, "Saving fund to db")
	defer span.End()

	tokens, err := json.Marshal(f.AllowlistTokens)
	if err != nil {
		return model.Fund{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal allowlist tokens", err)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO openfunderse.funds (fund_id, name, epoch_duration_ms, epoch_min_claims, epoch_max_claims,
			auto_epoch_enabled, claim_threshold_weight, intent_threshold_weight, allowlist_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, f.FundID, f.Name, f.EpochDuration.Milliseconds(), f.EpochMinClaims, f.EpochMaxClaims,
		f.AutoEpochEnabled, nullableNumeric(f.ClaimThresholdWeight), nullableNumeric(f.IntentThresholdWeight), tokens, f.CreatedAt)
	if err != nil {
		span.RecordError(err)
		if IsUniqueViolation(err) {
			return model.Fund{}, apierror.NewAPIError(apierror.ErrConflict, "Fund with this ID already exists", err)
		}
		return model.Fund{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create fund", err)
	}
	return f, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFund(row rowScanner) (*model.Fund, error) {
	var (
		f            model.Fund
		durationMs   int64
		claimWeight  sql.NullString
		intentWeight sql.NullString
		tokens       []byte
	)
	if err := row.Scan(&f.FundID, &f.Name, &durationMs, &f.EpochMinClaims, &f.EpochMaxClaims,
		&f.AutoEpochEnabled, &claimWeight, &intentWeight, &tokens, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.EpochDuration = time.Duration(durationMs) * time.Millisecond
	if claimWeight.Valid {
		w, err := parseNumeric(claimWeight.String)
		if err != nil {
			return nil, err
		}
		f.ClaimThresholdWeight = w
	}
	if intentWeight.Valid {
		w, err := parseNumeric(intentWeight.String)
		if err != nil {
			return nil, err
		}
		f.IntentThresholdWeight = w
	}
	if len(tokens) > 0 {
		if err := json.Unmarshal(tokens, &f.AllowlistTokens); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

func (d Datasource) GetFund(ctx context.Context, fundID string) (*model.Fund, error) {
	ctx, span := otel.Tracer("Fund").Start(ctx, "Fetching fund from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+fundColumns+` FROM openfunderse.funds WHERE fund_id = $1`, fundID)
	f, err := scanFund(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Fund not found", err)
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve fund", err)
	}
	return f, nil
}

func (d Datasource) ListAutoEpochFunds(ctx context.Context, limit int) ([]model.Fund, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+fundColumns+`
		FROM openfunderse.funds
		WHERE auto_epoch_enabled = TRUE
		ORDER BY fund_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list funds", err)
	}
	defer rows.Close()

	funds := []model.Fund{}
	for rows.Next() {
		f, err := scanFund(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan fund", err)
		}
		funds = append(funds, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over funds", err)
	}
	return funds, nil
}

func (d Datasource) UpsertFundDeployment(ctx context.Context, dep model.FundDeployment) error {
	if dep.DeployedAt.IsZero() {
		dep.DeployedAt = time.Now().UTC()
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO openfunderse.fund_deployments (fund_id, chain_id, snapshot_book_address, core_address, vault_address, deployed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fund_id) DO UPDATE SET
			chain_id = EXCLUDED.chain_id,
			snapshot_book_address = EXCLUDED.snapshot_book_address,
			core_address = EXCLUDED.core_address,
			vault_address = EXCLUDED.vault_address
	`, dep.FundID, dep.ChainID, model.NormalizeAddress(dep.SnapshotBookAddress),
		model.NormalizeAddress(dep.CoreAddress), model.NormalizeAddress(dep.VaultAddress), dep.DeployedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save fund deployment", err)
	}
	return nil
}

func (d Datasource) GetFundDeployment(ctx context.Context, fundID string) (*model.FundDeployment, error) {
	dep := model.FundDeployment{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT fund_id, chain_id, snapshot_book_address, core_address, vault_address, deployed_at
		FROM openfunderse.fund_deployments
		WHERE fund_id = $1
	`, fundID).Scan(&dep.FundID, &dep.ChainID, &dep.SnapshotBookAddress, &dep.CoreAddress, &dep.VaultAddress, &dep.DeployedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Fund deployment not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve fund deployment", err)
	}
	return &dep, nil
}

func (d Datasource) RegisterParticipant(ctx context.Context, fundID, address string) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO openfunderse.fund_participants (fund_id, address)
		VALUES ($1, $2)
		ON CONFLICT (fund_id, address) DO NOTHING
	`, fundID, model.NormalizeAddress(address))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to register participant", err)
	}
	return nil
}

func (d Datasource) ListParticipants(ctx context.Context, fundID string) ([]string, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT address FROM openfunderse.fund_participants WHERE fund_id = $1 ORDER BY address
	`, fundID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list participants", err)
	}
	defer rows.Close()

	participants := []string{}
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan participant", err)
		}
		participants = append(participants, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over participants", err)
	}
	return participants, nil
}
