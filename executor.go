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
	"time"

	"github.com/ethereum/go-ethereum/common"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wiimdy/openfunderse-sub000/config"
	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/internal/hash"
	"github.com/wiimdy/openfunderse-sub000/ledger"
	"github.com/wiimdy/openfunderse-sub000/model"
)

var retryDelays = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	180 * time.Second,
	300 * time.Second,
}

// RetryDelay returns how long to wait before the given attempt, counting
// from 1. Attempts past the end of the table use its last entry.
func RetryDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryDelays) {
		idx = len(retryDelays) - 1
	}
	return retryDelays[idx]
}

// JobResult is the outcome of one job in a cycle.
type JobResult struct {
	JobID      int64                 `json:"job_id"`
	FundID     string                `json:"fund_id"`
	IntentHash string                `json:"intent_hash"`
	Status     model.ExecutionStatus `json:"status"`
	Attempts   int                   `json:"attempts"`
	TxHash     string                `json:"tx_hash,omitempty"`
	NextRunAt  *time.Time            `json:"next_run_at,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// CycleReport summarises one execution cycle.
type CycleReport struct {
	BatchSize int         `json:"batch_size"`
	Processed int         `json:"processed"`
	Results   []JobResult `json:"results"`
}

func (r *Relayer) batchLimit() int {
	if r.config.Execution.BatchLimit > 0 {
		return r.config.Execution.BatchLimit
	}
	return config.DEFAULT_EXECUTION_BATCH
}

func (r *Relayer) maxAttempts() int {
	if r.config.Execution.MaxAttempts > 0 {
		return r.config.Execution.MaxAttempts
	}
	return config.DEFAULT_MAX_ATTEMPTS
}

// RunExecutionCycle claims due execution jobs and runs each one to success
// or a recorded failure. Jobs are processed one at a time; a failing job
// never stops the cycle.
func (r *Relayer) RunExecutionCycle(ctx context.Context, now time.Time) (*CycleReport, error) {
	ctx, span := tracer.Start(ctx, "RunExecutionCycle")
	defer span.End()

	batch := r.batchLimit()
	jobs, err := r.datasource.ClaimExecutionJobs(ctx, now, batch)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("jobs.claimed", len(jobs)))

	report := &CycleReport{BatchSize: batch, Results: make([]JobResult, 0, len(jobs))}
	for _, job := range jobs {
		report.Results = append(report.Results, r.runJob(ctx, job, now))
		report.Processed++
	}
	return report, nil
}

func (r *Relayer) runJob(ctx context.Context, job model.ExecutionJob, now time.Time) JobResult {
	ctx, span := tracer.Start(ctx, "RunExecutionJob")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("fund.id", job.FundID),
		attribute.String("intent.hash", job.IntentHash),
	)

	txHash, err := r.executeJob(ctx, job)
	if err == nil {
		return r.completeJob(ctx, job, txHash)
	}
	span.RecordError(err)
	return r.failJob(ctx, job, now, err)
}

// executeJob rebuilds the execution request from the stored intent,
// revalidates it against the ledger and submits it.
func (r *Relayer) executeJob(ctx context.Context, job model.ExecutionJob) (string, error) {
	intent, err := r.datasource.GetIntent(ctx, job.FundID, job.IntentHash)
	if err != nil {
		return "", err
	}
	trade, err := intent.ParseTradeIntent()
	if err != nil {
		return "", badRequest(err.Error(), nil)
	}
	route, err := intent.ParseExecutionRoute()
	if err != nil {
		return "", badRequest(err.Error(), nil)
	}
	req, err := ledger.BuildExecutionRequest(trade, route)
	if err != nil {
		return "", badRequest(err.Error(), nil)
	}
	intentHash, err := hash.Parse(job.IntentHash)
	if err != nil {
		return "", badRequest(err.Error(), nil)
	}

	if !model.IsAddress(r.config.Chain.CoreAddress) {
		return "", apierror.NewAPIError(apierror.ErrConfig, "CORE_ADDRESS is required for intent execution", nil)
	}
	gw, err := r.ledgerGateway(ctx)
	if err != nil {
		return "", err
	}
	signer, err := r.executionSigner()
	if err != nil {
		return "", err
	}
	core := common.HexToAddress(r.config.Chain.CoreAddress)

	preflight, err := gw.ValidateIntentExecution(ctx, core, intentHash, req)
	if err != nil {
		r.metrics.Inc(ctx, CounterExecutionPreflightFail)
		return "", onchainError("intent preflight failed", "", err)
	}
	if !preflight.Passed() {
		r.metrics.Inc(ctx, CounterExecutionPreflightFail)
		return "", onchainError(fmt.Sprintf("intent preflight failed: %s", preflight.FailureMessage()), "", nil)
	}

	txHash, err := gw.ExecuteIntent(ctx, signer, core, intentHash, req)
	if err != nil {
		return "", onchainError("executeIntent failed", txHash, err)
	}
	return model.NormalizeHash(txHash), nil
}

func (r *Relayer) completeJob(ctx context.Context, job model.ExecutionJob, txHash string) JobResult {
	result := JobResult{
		JobID:      job.ID,
		FundID:     job.FundID,
		IntentHash: job.IntentHash,
		Status:     model.ExecutionExecuted,
		Attempts:   job.AttemptCount,
		TxHash:     txHash,
	}
	if err := r.datasource.MarkExecutionJobExecuted(ctx, job.ID, txHash); err != nil {
		// The transaction is mined; only the bookkeeping failed.
		logrus.WithError(err).WithField("job_id", job.ID).Error("failed to mark execution job executed")
		result.Error = err.Error()
	}
	r.metrics.Inc(ctx, CounterExecutionSuccess)
	r.publish(ctx, model.EventIntentExecuted, job.FundID, map[string]interface{}{
		"intentHash": job.IntentHash,
		"jobId":      job.ID,
		"txHash":     txHash,
	})
	logrus.WithFields(logrus.Fields{"job_id": job.ID, "intent_hash": job.IntentHash, "tx_hash": txHash}).Info("intent executed")
	return result
}

func (r *Relayer) failJob(ctx context.Context, job model.ExecutionJob, now time.Time, cause error) JobResult {
	r.metrics.Inc(ctx, CounterExecutionFail)
	message := cause.Error()
	nextRunAt := now.Add(RetryDelay(job.AttemptCount + 1))

	result := JobResult{
		JobID:      job.ID,
		FundID:     job.FundID,
		IntentHash: job.IntentHash,
		Status:     model.ExecutionFailedRetryable,
		Attempts:   job.AttemptCount + 1,
		NextRunAt:  &nextRunAt,
		Error:      message,
	}

	updated, err := r.datasource.MarkExecutionJobFailed(ctx, job.ID, r.maxAttempts(), nextRunAt, message)
	if err != nil {
		logrus.WithError(err).WithField("job_id", job.ID).Error("failed to record execution failure")
	} else {
		result.Status = updated.Status
		result.Attempts = updated.AttemptCount
	}
	if result.Status == model.ExecutionFailedFinal {
		result.NextRunAt = nil
	}

	r.publish(ctx, model.EventIntentExecutionFailed, job.FundID, map[string]interface{}{
		"intentHash": job.IntentHash,
		"jobId":      job.ID,
		"status":     string(result.Status),
		"attempts":   result.Attempts,
		"error":      message,
	})
	logrus.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"intent_hash": job.IntentHash,
		"status":      result.Status,
		"attempts":    result.Attempts,
	}).WithError(cause).Warn("intent execution failed")
	return result
}

// ExecutionReport is an outcome reported by an external executor that ran
// the intent itself.
type ExecutionReport struct {
	FundID     string `json:"fund_id"`
	IntentHash string `json:"intent_hash"`
	Success    bool   `json:"success"`
	TxHash     string `json:"tx_hash"`
	Error      string `json:"error"`
}

func (rep ExecutionReport) Validate() error {
	return validation.ValidateStruct(&rep,
		validation.Field(&rep.FundID, validation.Required),
		validation.Field(&rep.IntentHash, validation.Required, validation.By(isHash32)),
		validation.Field(&rep.TxHash, validation.When(rep.Success, validation.Required, validation.By(isHash32))),
	)
}

// ReportExecution records an externally observed execution result against
// the intent's job.
func (r *Relayer) ReportExecution(ctx context.Context, rep ExecutionReport) (*model.ExecutionJob, error) {
	if err := rep.Validate(); err != nil {
		return nil, badRequest(err.Error(), nil)
	}
	rep.IntentHash = model.NormalizeHash(rep.IntentHash)

	job, err := r.datasource.GetExecutionJobByIntent(ctx, rep.FundID, rep.IntentHash)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("execution job is already %s", job.Status), nil)
	}

	if rep.Success {
		if err := r.datasource.MarkExecutionJobExecutedByIntent(ctx, rep.FundID, rep.IntentHash, rep.TxHash); err != nil {
			return nil, err
		}
		r.metrics.Inc(ctx, CounterExecutionSuccess)
		r.publish(ctx, model.EventIntentExecuted, rep.FundID, map[string]interface{}{
			"intentHash": rep.IntentHash,
			"jobId":      job.ID,
			"txHash":     model.NormalizeHash(rep.TxHash),
		})
	} else {
		message := rep.Error
		if message == "" {
			message = "execution reported as failed"
		}
		nextRunAt := r.now().Add(RetryDelay(job.AttemptCount + 1))
		if err := r.datasource.MarkExecutionJobRetryableByIntent(ctx, rep.FundID, rep.IntentHash, nextRunAt, message); err != nil {
			return nil, err
		}
		r.metrics.Inc(ctx, CounterExecutionFail)
		r.publish(ctx, model.EventIntentExecutionFailed, rep.FundID, map[string]interface{}{
			"intentHash": rep.IntentHash,
			"jobId":      job.ID,
			"status":     string(model.ExecutionFailedRetryable),
			"error":      message,
		})
	}
	return r.datasource.GetExecutionJobByIntent(ctx, rep.FundID, rep.IntentHash)
}

// ListExecutionJobs lists jobs newest first.
func (r *Relayer) ListExecutionJobs(ctx context.Context, filter model.ExecutionJobFilter) ([]model.ExecutionJob, error) {
	if filter.Status != "" {
		switch filter.Status {
		case model.ExecutionReady, model.ExecutionReadyForOnchain, model.ExecutionRunning,
			model.ExecutionExecuted, model.ExecutionFailedRetryable, model.ExecutionFailedFinal:
		default:
			return nil, badRequest(fmt.Sprintf("unknown execution status %q", filter.Status), nil)
		}
	}
	return r.datasource.ListExecutionJobs(ctx, filter)
}
