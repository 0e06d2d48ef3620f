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
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wiimdy/openfunderse-sub000/config"
	"github.com/wiimdy/openfunderse-sub000/database"
	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/model"
)

type TickAction string

const (
	TickOpened     TickAction = "OPENED"
	TickExtended   TickAction = "EXTENDED"
	TickAggregated TickAction = "AGGREGATED"
	TickNoop       TickAction = "NOOP"
	TickSkipped    TickAction = "SKIPPED"
	TickError      TickAction = "ERROR"
)

// TickInput is one fund's epoch policy evaluated at Now.
type TickInput struct {
	Fund model.Fund
	Now  time.Time
}

// TickResult reports what a tick did to a fund's epoch. Only ERROR and
// SKIPPED describe a failure; a tick never returns an error value.
type TickResult struct {
	Action         TickAction `json:"action"`
	FundID         string     `json:"fund_id"`
	EpochID        uint64     `json:"epoch_id,omitempty"`
	EpochStateHash string     `json:"epoch_state_hash,omitempty"`
	NewClosesAt    *time.Time `json:"new_closes_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func tickError(fundID string, epochID uint64, err error) TickResult {
	return TickResult{Action: TickError, FundID: fundID, EpochID: epochID, Error: err.Error()}
}

func isConflict(err error) bool {
	return apierror.Is(err, apierror.ErrConflict) || database.IsUniqueViolation(err)
}

// tickConflict turns a lost race with another tick into SKIPPED.
func tickConflict(fundID string, epochID uint64, err error, reason string) TickResult {
	if isConflict(err) {
		return TickResult{Action: TickSkipped, FundID: fundID, EpochID: epochID, Reason: reason}
	}
	return tickError(fundID, epochID, err)
}

// TickEpoch advances one fund's epoch state machine.
//
// With no OPEN epoch a new one is opened; a concurrent opener makes this call
// return SKIPPED. An OPEN epoch past its deadline or at its claim cap is
// closed and aggregated, or extended when it has too few claims. A CLOSED
// epoch left behind by a failed aggregation is aggregated again before a new
// epoch may open. Aggregation runs under a lease on the epoch row, and a tick
// that loses any transition to a concurrent tick returns SKIPPED.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - input TickInput: The fund and the time to evaluate it at.
//
// Returns:
// - TickResult: The action taken.
func (r *Relayer) TickEpoch(ctx context.Context, input TickInput) TickResult {
	ctx, span := tracer.Start(ctx, "TickEpoch")
	defer span.End()

	result := r.tickEpoch(ctx, input)
	span.SetAttributes(
		attribute.String("fund.id", result.FundID),
		attribute.String("tick.action", string(result.Action)),
	)
	r.metrics.Inc(ctx, CounterEpochTick, attribute.String("action", string(result.Action)))

	fields := logrus.Fields{"fund_id": result.FundID, "action": result.Action, "epoch_id": result.EpochID}
	switch result.Action {
	case TickError:
		logrus.WithFields(fields).Error(result.Error)
	case TickNoop:
		logrus.WithFields(fields).Debug(result.Reason)
	default:
		logrus.WithFields(fields).Info("epoch tick")
	}
	return result
}

func (r *Relayer) tickEpoch(ctx context.Context, input TickInput) TickResult {
	fund := input.Fund
	now := input.Now

	open, err := r.datasource.GetOpenEpoch(ctx, fund.FundID)
	if err != nil && !apierror.Is(err, apierror.ErrNotFound) {
		return tickError(fund.FundID, 0, err)
	}

	if open == nil {
		closed, err := r.datasource.GetClosedEpoch(ctx, fund.FundID)
		if err != nil && !apierror.Is(err, apierror.ErrNotFound) {
			return tickError(fund.FundID, 0, err)
		}
		if closed != nil {
			return r.finishEpoch(ctx, fund.FundID, closed.EpochID, now)
		}
		return r.openEpoch(ctx, fund, now)
	}

	timeExpired := !now.Before(open.ClosesAt)
	// A zero cap means the fund only closes on its deadline.
	maxReached := fund.EpochMaxClaims > 0 && open.ClaimCount >= fund.EpochMaxClaims
	if !timeExpired && !maxReached {
		return TickResult{Action: TickNoop, FundID: fund.FundID, EpochID: open.EpochID, Reason: "epoch still active"}
	}

	if open.ClaimCount < fund.EpochMinClaims {
		if !timeExpired {
			return TickResult{Action: TickNoop, FundID: fund.FundID, EpochID: open.EpochID, Reason: "waiting for minimum claims"}
		}
		closesAt := now.Add(fund.EpochDuration)
		if err := r.datasource.ExtendEpoch(ctx, fund.FundID, open.EpochID, closesAt); err != nil {
			return tickConflict(fund.FundID, open.EpochID, err, "epoch closed by a concurrent tick")
		}
		return TickResult{Action: TickExtended, FundID: fund.FundID, EpochID: open.EpochID, NewClosesAt: &closesAt}
	}

	if err := r.datasource.CloseEpoch(ctx, fund.FundID, open.EpochID, now); err != nil {
		return tickConflict(fund.FundID, open.EpochID, err, "epoch closed by a concurrent tick")
	}
	return r.finishEpoch(ctx, fund.FundID, open.EpochID, now)
}

func (r *Relayer) openEpoch(ctx context.Context, fund model.Fund, now time.Time) TickResult {
	nextID := uint64(1)
	latest, err := r.datasource.GetLatestEpochState(ctx, fund.FundID)
	switch {
	case err == nil:
		nextID = latest.EpochID + 1
	case !apierror.Is(err, apierror.ErrNotFound):
		return tickError(fund.FundID, 0, err)
	}

	closesAt := now.Add(fund.EpochDuration)
	_, err = r.datasource.CreateEpoch(ctx, model.EpochLifecycle{
		FundID:   fund.FundID,
		EpochID:  nextID,
		Status:   model.EpochOpen,
		OpenedAt: now,
		ClosesAt: closesAt,
	})
	if err != nil {
		if isConflict(err) {
			return TickResult{Action: TickSkipped, FundID: fund.FundID, EpochID: nextID, Reason: "concurrent open detected"}
		}
		return tickError(fund.FundID, nextID, err)
	}

	r.publish(ctx, model.EventEpochOpened, fund.FundID, map[string]interface{}{
		"epochId":  nextID,
		"closesAt": closesAt.UnixMilli(),
	})
	return TickResult{Action: TickOpened, FundID: fund.FundID, EpochID: nextID, NewClosesAt: &closesAt}
}

// finishEpoch aggregates a CLOSED epoch and marks it AGGREGATED. On failure
// the lease is released and the epoch stays CLOSED for the next tick.
func (r *Relayer) finishEpoch(ctx context.Context, fundID string, epochID uint64, now time.Time) TickResult {
	lease := r.config.Epoch.AggregationLease
	if lease <= 0 {
		lease = config.DEFAULT_AGGREGATION_LEASE
	}
	if err := r.datasource.ClaimEpochAggregation(ctx, fundID, epochID, now, now.Add(-lease)); err != nil {
		return tickConflict(fundID, epochID, err, "aggregation in progress")
	}

	result, err := r.AggregateEpoch(ctx, fundID, epochID)
	if err != nil {
		if rerr := r.datasource.ReleaseEpochAggregation(ctx, fundID, epochID, now); rerr != nil {
			logrus.WithError(rerr).WithField("fund_id", fundID).Warn("failed to release epoch aggregation")
		}
		return tickError(fundID, epochID, err)
	}
	if err := r.datasource.MarkEpochAggregated(ctx, fundID, epochID, now); err != nil {
		return tickConflict(fundID, epochID, err, "epoch aggregated by a concurrent tick")
	}

	r.publish(ctx, model.EventEpochAggregated, fundID, map[string]interface{}{
		"epochId":          epochID,
		"epochStateHash":   result.EpochStateHash,
		"aggregateWeights": model.BigIntStrings(result.AggregateWeights),
		"claimCount":       result.ClaimCount,
		"participantCount": result.ParticipantCount,
	})
	return TickResult{Action: TickAggregated, FundID: fundID, EpochID: epochID, EpochStateHash: result.EpochStateHash}
}

// TickAll ticks every fund with automatic epochs enabled, in fund id order.
// A failing fund is reported in its result and never stops the batch.
func (r *Relayer) TickAll(ctx context.Context, now time.Time, limit int) ([]TickResult, error) {
	ctx, span := tracer.Start(ctx, "TickAll")
	defer span.End()

	if limit <= 0 {
		limit = r.config.Epoch.TickLimit
	}
	if limit <= 0 {
		limit = config.DEFAULT_TICK_LIMIT
	}
	funds, err := r.datasource.ListAutoEpochFunds(ctx, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	results := make([]TickResult, 0, len(funds))
	for _, fund := range funds {
		results = append(results, r.TickEpoch(ctx, TickInput{Fund: fund, Now: now}))
	}
	return results, nil
}
