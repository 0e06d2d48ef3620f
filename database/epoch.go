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
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/model"
)

const epochColumns = `fund_id, epoch_id, status, opened_at, closes_at, closed_at, aggregated_at, claim_count, updated_at`

func scanEpoch(row rowScanner) (*model.EpochLifecycle, error) {
	var (
		e            model.EpochLifecycle
		closedAt     sql.NullTime
		aggregatedAt sql.NullTime
	)
	if err := row.Scan(&e.FundID, &e.EpochID, &e.Status, &e.OpenedAt, &e.ClosesAt,
		&closedAt, &aggregatedAt, &e.ClaimCount, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		e.ClosedAt = &closedAt.Time
	}
	if aggregatedAt.Valid {
		e.AggregatedAt = &aggregatedAt.Time
	}
	return &e, nil
}

// CreateEpoch inserts a new OPEN epoch. The partial unique index on OPEN
// epochs turns a concurrent open into a CONFLICT.
func (d Datasource) CreateEpoch(ctx context.Context, e model.EpochLifecycle) (*model.EpochLifecycle, error) {
	ctx, span := otel.Tracer("Epoch").Start(ctx, "Opening epoch in db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		INSERT INTO openfunderse.epoch_lifecycle (fund_id, epoch_id, status, opened_at, closes_at, claim_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $4)
		RETURNING `+epochColumns, e.FundID, e.EpochID, model.EpochOpen, e.OpenedAt, e.ClosesAt)
	created, err := scanEpoch(row)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "concurrent open detected", err)
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to open epoch", err)
	}
	return created, nil
}

func (d Datasource) getEpochByStatus(ctx context.Context, fundID string, status model.EpochStatus) (*model.EpochLifecycle, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+epochColumns+`
		FROM openfunderse.epoch_lifecycle
		WHERE fund_id = $1 AND status = $2
		ORDER BY epoch_id
		LIMIT 1
	`, fundID, status)
	e, err := scanEpoch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no %s epoch for fund %s", status, fundID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve epoch", err)
	}
	return e, nil
}

func (d Datasource) GetOpenEpoch(ctx context.Context, fundID string) (*model.EpochLifecycle, error) {
	return d.getEpochByStatus(ctx, fundID, model.EpochOpen)
}

func (d Datasource) GetClosedEpoch(ctx context.Context, fundID string) (*model.EpochLifecycle, error) {
	return d.getEpochByStatus(ctx, fundID, model.EpochClosed)
}

func (d Datasource) ExtendEpoch(ctx context.Context, fundID string, epochID uint64, closesAt time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE openfunderse.epoch_lifecycle
		SET closes_at = $3, updated_at = NOW()
		WHERE fund_id = $1 AND epoch_id = $2 AND status = 'OPEN'
	`, fundID, epochID, closesAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to extend epoch", err)
	}
	return requireAffected(result, fmt.Sprintf("no OPEN epoch for fund=%s epoch=%d", fundID, epochID))
}

// ClaimEpochAggregation takes the aggregation lease on a CLOSED epoch. It
// fails with CONFLICT while another holder's lease is newer than staleBefore.
func (d Datasource) ClaimEpochAggregation(ctx context.Context, fundID string, epochID uint64, at, staleBefore time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE openfunderse.epoch_lifecycle
		SET aggregating_at = $3, updated_at = $3
		WHERE fund_id = $1 AND epoch_id = $2 AND status = 'CLOSED'
			AND (aggregating_at IS NULL OR aggregating_at <= $4)
	`, fundID, epochID, at, staleBefore)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim epoch aggregation", err)
	}
	return requireAffected(result, fmt.Sprintf("epoch %d of fund %s is already being aggregated", epochID, fundID))
}

// ReleaseEpochAggregation drops the lease taken at `at`. A lease already taken
// over by another tick is left alone.
func (d Datasource) ReleaseEpochAggregation(ctx context.Context, fundID string, epochID uint64, at time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE openfunderse.epoch_lifecycle
		SET aggregating_at = NULL
		WHERE fund_id = $1 AND epoch_id = $2 AND aggregating_at = $3
	`, fundID, epochID, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release epoch aggregation", err)
	}
	return nil
}

func requireAffected(result sql.Result, conflict string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	if n == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, conflict, nil)
	}
	return nil
}

// transitionEpoch moves an epoch between statuses and fails when the epoch
// was not in the expected status.
func (d Datasource) transitionEpoch(ctx context.Context, fundID string, epochID uint64, from, to model.EpochStatus, column string, at time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE openfunderse.epoch_lifecycle
		SET status = $4, `+column+` = $5, updated_at = $5
		WHERE fund_id = $1 AND epoch_id = $2 AND status = $3
	`, fundID, epochID, from, to, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("Failed to mark epoch %s", to), err)
	}
	return requireAffected(result, fmt.Sprintf("no %s epoch for fund=%s epoch=%d", from, fundID, epochID))
}

func (d Datasource) CloseEpoch(ctx context.Context, fundID string, epochID uint64, at time.Time) error {
	return d.transitionEpoch(ctx, fundID, epochID, model.EpochOpen, model.EpochClosed, "closed_at", at)
}

func (d Datasource) MarkEpochAggregated(ctx context.Context, fundID string, epochID uint64, at time.Time) error {
	return d.transitionEpoch(ctx, fundID, epochID, model.EpochClosed, model.EpochAggregated, "aggregated_at", at)
}
