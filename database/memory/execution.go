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

package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/model"
)

func (s *Store) UpsertExecutionJob(_ context.Context, fundID, intentHash string, nextRunAt time.Time) (*model.ExecutionJob, error) {
	key := intentKey{fundID: fundID, intentHash: model.NormalizeHash(intentHash)}
	id, _ := s.jobIndex.Compute(key, func(old int64, loaded bool) (int64, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		job := model.ExecutionJob{
			ID:         s.nextID(),
			FundID:     fundID,
			IntentHash: key.intentHash,
			Status:     model.ExecutionReady,
			NextRunAt:  nextRunAt,
			CreatedAt:  nextRunAt,
			UpdatedAt:  nextRunAt,
		}
		s.jobs.Store(job.ID, job)
		return job.ID, xsync.UpdateOp
	})
	job, _ := s.jobs.Load(id)
	return &job, nil
}

// ClaimExecutionJobs moves due claimable jobs to RUNNING. Each job is
// switched with its own compare-and-set, so concurrent callers never claim
// the same job.
func (s *Store) ClaimExecutionJobs(_ context.Context, now time.Time, limit int) ([]model.ExecutionJob, error) {
	var due []model.ExecutionJob
	s.jobs.Range(func(_ int64, j model.ExecutionJob) bool {
		if j.Status.Claimable() && !j.NextRunAt.After(now) {
			due = append(due, j)
		}
		return true
	})
	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})

	claimed := []model.ExecutionJob{}
	for _, candidate := range due {
		if len(claimed) >= limit {
			break
		}
		var won bool
		job, _ := s.jobs.Compute(candidate.ID, func(old model.ExecutionJob, loaded bool) (model.ExecutionJob, xsync.ComputeOp) {
			if !loaded || !old.Status.Claimable() || old.NextRunAt.After(now) {
				return old, xsync.CancelOp
			}
			won = true
			old.Status = model.ExecutionRunning
			old.UpdatedAt = now
			return old, xsync.UpdateOp
		})
		if won {
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

func (s *Store) updateJob(id int64, fn func(*model.ExecutionJob)) (model.ExecutionJob, bool) {
	var found bool
	job, _ := s.jobs.Compute(id, func(old model.ExecutionJob, loaded bool) (model.ExecutionJob, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		found = true
		fn(&old)
		old.UpdatedAt = time.Now().UTC()
		return old, xsync.UpdateOp
	})
	return job, found
}

func (s *Store) MarkExecutionJobExecuted(_ context.Context, id int64, txHash string) error {
	s.updateJob(id, func(j *model.ExecutionJob) {
		j.Status = model.ExecutionExecuted
		j.TxHash = model.NormalizeHash(txHash)
		j.LastError = ""
	})
	return nil
}

func (s *Store) MarkExecutionJobFailed(_ context.Context, id int64, maxAttempts int, nextRunAt time.Time, message string) (*model.ExecutionJob, error) {
	job, ok := s.updateJob(id, func(j *model.ExecutionJob) {
		j.AttemptCount++
		if j.AttemptCount >= maxAttempts {
			j.Status = model.ExecutionFailedFinal
		} else {
			j.Status = model.ExecutionFailedRetryable
		}
		j.NextRunAt = nextRunAt
		j.LastError = message
	})
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("execution job %d not found", id), nil)
	}
	return &job, nil
}

func (s *Store) GetExecutionJobByIntent(_ context.Context, fundID, intentHash string) (*model.ExecutionJob, error) {
	id, ok := s.jobIndex.Load(intentKey{fundID: fundID, intentHash: model.NormalizeHash(intentHash)})
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "execution job not found", nil)
	}
	job, _ := s.jobs.Load(id)
	return &job, nil
}

func (s *Store) updateJobByIntent(fundID, intentHash string, fn func(*model.ExecutionJob)) error {
	id, ok := s.jobIndex.Load(intentKey{fundID: fundID, intentHash: model.NormalizeHash(intentHash)})
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, "execution job not found", nil)
	}
	if _, ok := s.updateJob(id, fn); !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, "execution job not found", nil)
	}
	return nil
}

func (s *Store) MarkExecutionJobExecutedByIntent(_ context.Context, fundID, intentHash, txHash string) error {
	return s.updateJobByIntent(fundID, intentHash, func(j *model.ExecutionJob) {
		j.Status = model.ExecutionExecuted
		j.TxHash = model.NormalizeHash(txHash)
		j.LastError = ""
	})
}

func (s *Store) MarkExecutionJobRetryableByIntent(_ context.Context, fundID, intentHash string, nextRunAt time.Time, message string) error {
	return s.updateJobByIntent(fundID, intentHash, func(j *model.ExecutionJob) {
		j.Status = model.ExecutionFailedRetryable
		j.AttemptCount++
		j.NextRunAt = nextRunAt
		j.LastError = message
	})
}

func (s *Store) ListExecutionJobs(_ context.Context, filter model.ExecutionJobFilter) ([]model.ExecutionJob, error) {
	var jobs []model.ExecutionJob
	s.jobs.Range(func(_ int64, j model.ExecutionJob) bool {
		if filter.FundID != "" && j.FundID != filter.FundID {
			return true
		}
		if filter.Status != "" && j.Status != filter.Status {
			return true
		}
		jobs = append(jobs, j)
		return true
	})
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if filter.Offset >= len(jobs) {
		return []model.ExecutionJob{}, nil
	}
	jobs = jobs[filter.Offset:]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Outbox

func (s *Store) RecordEvent(_ context.Context, e model.Event) (*model.Event, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.events.Compute(e.FundID, func(old []model.Event, _ bool) ([]model.Event, xsync.ComputeOp) {
		e.ID = s.nextID()
		return append(append(make([]model.Event, 0, len(old)+1), old...), e), xsync.UpdateOp
	})
	return &e, nil
}

func (s *Store) ListEventsSince(_ context.Context, fundID string, afterID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	current, _ := s.events.Load(fundID)
	out := []model.Event{}
	for _, e := range current {
		if e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
