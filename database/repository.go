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
	"math/big"
	"time"

	"github.com/wiimdy/openfunderse-sub000/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	fund       // Interface for fund, deployment and participant records
	epoch      // Interface for epoch lifecycle operations
	claim      // Interface for allocation claim operations
	stake      // Interface for stake weight operations
	epochState // Interface for finalized epoch state operations
	consensus  // Interface for subject state and attestation operations
	intent     // Interface for trade intent operations
	execution  // Interface for execution job operations
	outbox     // Interface for the event outbox
}

// fund defines methods for handling funds and their onchain footprint.
type fund interface {
	CreateFund(ctx context.Context, f model.Fund) (model.Fund, error)
	GetFund(ctx context.Context, fundID string) (*model.Fund, error)
	ListAutoEpochFunds(ctx context.Context, limit int) ([]model.Fund, error) // Ordered by fund id
	UpsertFundDeployment(ctx context.Context, d model.FundDeployment) error
	GetFundDeployment(ctx context.Context, fundID string) (*model.FundDeployment, error)
	RegisterParticipant(ctx context.Context, fundID, address string) error
	ListParticipants(ctx context.Context, fundID string) ([]string, error)
}

// epoch defines methods for the per-fund epoch state machine.
type epoch interface {
	CreateEpoch(ctx context.Context, e model.EpochLifecycle) (*model.EpochLifecycle, error) // Conflict when an OPEN epoch or the id exists
	GetOpenEpoch(ctx context.Context, fundID string) (*model.EpochLifecycle, error)
	GetClosedEpoch(ctx context.Context, fundID string) (*model.EpochLifecycle, error) // Oldest CLOSED epoch
	ExtendEpoch(ctx context.Context, fundID string, epochID uint64, closesAt time.Time) error
	CloseEpoch(ctx context.Context, fundID string, epochID uint64, at time.Time) error
	ClaimEpochAggregation(ctx context.Context, fundID string, epochID uint64, at, staleBefore time.Time) error // Conflict while another lease is live
	ReleaseEpochAggregation(ctx context.Context, fundID string, epochID uint64, at time.Time) error
	MarkEpochAggregated(ctx context.Context, fundID string, epochID uint64, at time.Time) error
}

// claim defines methods for allocation claims.
type claim interface {
	InsertClaim(ctx context.Context, c model.AllocationClaim) (*model.AllocationClaim, int64, error) // Conflict when the epoch is not OPEN or the hash exists
	ListClaimsByEpoch(ctx context.Context, fundID string, epochID uint64) ([]model.AllocationClaim, error)
}

// stake defines methods for participant stake weights.
type stake interface {
	UpsertStakeWeight(ctx context.Context, s model.StakeWeight) error
	GetStakeWeights(ctx context.Context, fundID string) (map[string]*big.Int, error)
}

// epochState defines methods for finalized epoch aggregates.
type epochState interface {
	GetLatestEpochState(ctx context.Context, fundID string) (*model.EpochState, error)
	GetEpochState(ctx context.Context, fundID string, epochID uint64) (*model.EpochState, error)
	UpsertEpochState(ctx context.Context, s model.EpochState) error // First write wins
}

// consensus defines methods for threshold consensus bookkeeping.
type consensus interface {
	EnsureSubjectState(ctx context.Context, s model.SubjectState) (*model.SubjectState, error) // Inserts if absent, returns the stored row
	GetSubjectState(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string) (*model.SubjectState, error)
	InsertAttestation(ctx context.Context, a model.Attestation) (*model.Attestation, error) // Conflict on duplicate verifier
	IncrementAttestedWeight(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string, weight *big.Int) (*big.Int, error)
	ListAttestations(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string, status model.SubjectStatus) ([]model.Attestation, error)
	// TransitionSubject moves the subject and its attestations from one status to
	// another and reports whether this call performed the change.
	TransitionSubject(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string, from, to model.SubjectStatus, txHash string) (bool, error)
	RecordSubmitError(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string, message string) error
}

// intent defines methods for trade intents.
type intent interface {
	UpsertIntent(ctx context.Context, i model.Intent) error
	GetIntent(ctx context.Context, fundID, intentHash string) (*model.Intent, error)
}

// execution defines methods for the execution job queue.
type execution interface {
	UpsertExecutionJob(ctx context.Context, fundID, intentHash string, nextRunAt time.Time) (*model.ExecutionJob, error)
	ClaimExecutionJobs(ctx context.Context, now time.Time, limit int) ([]model.ExecutionJob, error) // Claimable and due jobs move to RUNNING
	MarkExecutionJobExecuted(ctx context.Context, id int64, txHash string) error
	MarkExecutionJobFailed(ctx context.Context, id int64, maxAttempts int, nextRunAt time.Time, message string) (*model.ExecutionJob, error)
	GetExecutionJobByIntent(ctx context.Context, fundID, intentHash string) (*model.ExecutionJob, error)
	MarkExecutionJobExecutedByIntent(ctx context.Context, fundID, intentHash, txHash string) error
	MarkExecutionJobRetryableByIntent(ctx context.Context, fundID, intentHash string, nextRunAt time.Time, message string) error
	ListExecutionJobs(ctx context.Context, filter model.ExecutionJobFilter) ([]model.ExecutionJob, error)
}

// outbox defines methods for the append-only event log.
type outbox interface {
	RecordEvent(ctx context.Context, e model.Event) (*model.Event, error)
	ListEventsSince(ctx context.Context, fundID string, afterID int64, limit int) ([]model.Event, error)
}
