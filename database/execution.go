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
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/model"
)

const executionJobColumns = `id, fund_id, intent_hash, status, attempt_count, next_run_at,
	COALESCE(tx_hash, ''), COALESCE(last_error, ''), created_at, updated_at`

func scanExecutionJob(row rowScanner) (*model.ExecutionJob, error) {
	var j model.ExecutionJob
	if err := row.Scan(&j.ID, &j.FundID, &j.IntentHash, &j.Status, &j.AttemptCount, &j.NextRunAt,
		&j.TxHash, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func collectExecutionJobs(rows *sql.Rows) ([]model.ExecutionJob, error) {
	defer rows.Close()
	jobs := []model.ExecutionJob{}
	for rows.Next() {
		j, err := scanExecutionJob(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan execution job", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over execution jobs", err)
	}
	return jobs, nil
}

// UpsertExecutionJob enqueues the intent as READY. An existing job for the
// same intent is returned unchanged.
func (d Datasource) UpsertExecutionJob(ctx context.Context, fundID, intentHash string, nextRunAt time.Time) (*model.ExecutionJob, error) {
	ctx, span := otel.Tracer("Execution").Start(ctx, "Enqueueing execution job")
	defer span.End()

	key := model.NormalizeHash(intentHash)
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO openfunderse.execution_jobs (fund_id, intent_hash, status, attempt_count, next_run_at, created_at, updated_at)
		VALUES ($1, $2, 'READY', 0, $3, $3, $3)
		ON CONFLICT (fund_id, intent_hash) DO NOTHING
	`, fundID, key, nextRunAt)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to enqueue execution job", err)
	}
	return d.GetExecutionJobByIntent(ctx, fundID, key)
}

// ClaimExecutionJobs moves up to limit due jobs to RUNNING in one statement.
// Rows locked by another worker are skipped, so a job is never claimed twice.
func (d Datasource) ClaimExecutionJobs(ctx context.Context, now time.Time, limit int) ([]model.ExecutionJob, error) {
	ctx, span := otel.Tracer("Execution").Start(ctx, "Claiming execution jobs")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE openfunderse.execution_jobs
		SET status = 'RUNNING', updated_at = $1
		WHERE id IN (
			SELECT id FROM openfunderse.execution_jobs
			WHERE status IN ('READY', 'READY_FOR_ONCHAIN', 'FAILED_RETRYABLE') AND next_run_at <= $1
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+executionJobColumns, now, limit)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim execution jobs", err)
	}
	return collectExecutionJobs(rows)
}

func (d Datasource) MarkExecutionJobExecuted(ctx context.Context, id int64, txHash string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE openfunderse.execution_jobs
		SET status = 'EXECUTED', tx_hash = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, model.NormalizeHash(txHash))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark execution job executed", err)
	}
	return nil
}

// MarkExecutionJobFailed counts the attempt and parks the job as
// FAILED_FINAL once maxAttempts is reached, FAILED_RETRYABLE otherwise.
func (d Datasource) MarkExecutionJobFailed(ctx context.Context, id int64, maxAttempts int, nextRunAt time.Time, message string) (*model.ExecutionJob, error) {
	row := d.Conn.QueryRowContext(ctx, `
		UPDATE openfunderse.execution_jobs
		SET attempt_count = attempt_count + 1,
			status = CASE WHEN attempt_count + 1 >= $2 THEN 'FAILED_FINAL' ELSE 'FAILED_RETRYABLE' END,
			next_run_at = $3,
			last_error = $4,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+executionJobColumns, id, maxAttempts, nextRunAt, message)
	j, err := scanExecutionJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("execution job %d not found", id), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark execution job failed", err)
	}
	return j, nil
}

func (d Datasource) GetExecutionJobByIntent(ctx context.Context, fundID, intentHash string) (*model.ExecutionJob, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+executionJobColumns+`
		FROM openfunderse.execution_jobs
		WHERE fund_id = $1 AND intent_hash = $2
	`, fundID, model.NormalizeHash(intentHash))
	j, err := scanExecutionJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "execution job not found", nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve execution job", err)
	}
	return j, nil
}

func (d Datasource) MarkExecutionJobExecutedByIntent(ctx context.Context, fundID, intentHash, txHash string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE openfunderse.execution_jobs
		SET status = 'EXECUTED', tx_hash = $3, last_error = NULL, updated_at = NOW()
		WHERE fund_id = $1 AND intent_hash = $2
	`, fundID, model.NormalizeHash(intentHash), model.NormalizeHash(txHash))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark execution job executed", err)
	}
	return requireAffectedNotFound(result, "execution job not found")
}

func (d Datasource) MarkExecutionJobRetryableByIntent(ctx context.Context, fundID, intentHash string, nextRunAt time.Time, message string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE openfunderse.execution_jobs
		SET status = 'FAILED_RETRYABLE', attempt_count = attempt_count + 1, next_run_at = $3, last_error = $4, updated_at = NOW()
		WHERE fund_id = $1 AND intent_hash = $2
	`, fundID, model.NormalizeHash(intentHash), nextRunAt, message)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark execution job retryable", err)
	}
	return requireAffectedNotFound(result, "execution job not found")
}

func requireAffectedNotFound(result sql.Result, notFound string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	if n == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, notFound, nil)
	}
	return nil
}

func (d Datasource) ListExecutionJobs(ctx context.Context, filter model.ExecutionJobFilter) ([]model.ExecutionJob, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.FundID != "" {
		args = append(args, filter.FundID)
		conditions = append(conditions, fmt.Sprintf("fund_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, filter.Offset)

	query := fmt.Sprintf(`
		SELECT %s
		FROM openfunderse.execution_jobs
		%s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d
	`, executionJobColumns, where, len(args)-1, len(args))

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list execution jobs", err)
	}
	return collectExecutionJobs(rows)
}
