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
package mocks

import (
	"context"
	"math/big"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/wiimdy/openfunderse-sub000/database"
	"github.com/wiimdy/openfunderse-sub000/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

var _ database.IDataSource = (*MockDataSource)(nil)

// Fund methods

func (m *MockDataSource) CreateFund(ctx context.Context, f model.Fund) (model.Fund, error) {
	args := m.Called(ctx, f)
	return args.Get(0).(model.Fund), args.Error(1)
}

func (m *MockDataSource) GetFund(ctx context.Context, fundID string) (*model.Fund, error) {
	args := m.Called(ctx, fundID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Fund), args.Error(1)
}

func (m *MockDataSource) ListAutoEpochFunds(ctx context.Context, limit int) ([]model.Fund, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]model.Fund), args.Error(1)
}

func (m *MockDataSource) UpsertFundDeployment(ctx context.Context, d model.FundDeployment) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockDataSource) GetFundDeployment(ctx context.Context, fundID string) (*model.FundDeployment, error) {
	args := m.Called(ctx, fundID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.FundDeployment), args.Error(1)
}

func (m *MockDataSource) RegisterParticipant(ctx context.Context, fundID, address string) error {
	args := m.Called(ctx, fundID, address)
	return args.Error(0)
}

func (m *MockDataSource) ListParticipants(ctx context.Context, fundID string) ([]string, error) {
	args := m.Called(ctx, fundID)
	return args.Get(0).([]string), args.Error(1)
}

// Epoch methods

func (m *MockDataSource) CreateEpoch(ctx context.Context, e model.EpochLifecycle) (*model.EpochLifecycle, error) {
	args := m.Called(ctx, e)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.EpochLifecycle), args.Error(1)
}

func (m *MockDataSource) GetOpenEpoch(ctx context.Context, fundID string) (*model.EpochLifecycle, error) {
	args := m.Called(ctx, fundID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.EpochLifecycle), args.Error(1)
}

func (m *MockDataSource) GetClosedEpoch(ctx context.Context, fundID string) (*model.EpochLifecycle, error) {
	args := m.Called(ctx, fundID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.EpochLifecycle), args.Error(1)
}

func (m *MockDataSource) ExtendEpoch(ctx context.Context, fundID string, epochID uint64, closesAt time.Time) error {
	args := m.Called(ctx, fundID, epochID, closesAt)
	return args.Error(0)
}

func (m *MockDataSource) CloseEpoch(ctx context.Context, fundID string, epochID uint64, at time.Time) error {
	args := m.Called(ctx, fundID, epochID, at)
	return args.Error(0)
}

func (m *MockDataSource) ClaimEpochAggregation(ctx context.Context, fundID string, epochID uint64, at, staleBefore time.Time) error {
	args := m.Called(ctx, fundID, epochID, at, staleBefore)
	return args.Error(0)
}

func (m *MockDataSource) ReleaseEpochAggregation(ctx context.Context, fundID string, epochID uint64, at time.Time) error {
	args := m.Called(ctx, fundID, epochID, at)
	return args.Error(0)
}

func (m *MockDataSource) MarkEpochAggregated(ctx context.Context, fundID string, epochID uint64, at time.Time) error {
	args := m.Called(ctx, fundID, epochID, at)
	return args.Error(0)
}

// Claim, stake and epoch state methods

func (m *MockDataSource) InsertClaim(ctx context.Context, c model.AllocationClaim) (*model.AllocationClaim, int64, error) {
	args := m.Called(ctx, c)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(*model.AllocationClaim), args.Get(1).(int64), args.Error(2)
}

func (m *MockDataSource) ListClaimsByEpoch(ctx context.Context, fundID string, epochID uint64) ([]model.AllocationClaim, error) {
	args := m.Called(ctx, fundID, epochID)
	return args.Get(0).([]model.AllocationClaim), args.Error(1)
}

func (m *MockDataSource) UpsertStakeWeight(ctx context.Context, s model.StakeWeight) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockDataSource) GetStakeWeights(ctx context.Context, fundID string) (map[string]*big.Int, error) {
	args := m.Called(ctx, fundID)
	return args.Get(0).(map[string]*big.Int), args.Error(1)
}

func (m *MockDataSource) GetLatestEpochState(ctx context.Context, fundID string) (*model.EpochState, error) {
	args := m.Called(ctx, fundID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.EpochState), args.Error(1)
}

func (m *MockDataSource) GetEpochState(ctx context.Context, fundID string, epochID uint64) (*model.EpochState, error) {
	args := m.Called(ctx, fundID, epochID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.EpochState), args.Error(1)
}

func (m *MockDataSource) UpsertEpochState(ctx context.Context, s model.EpochState) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

// Consensus methods

func (m *MockDataSource) EnsureSubjectState(ctx context.Context, s model.SubjectState) (*model.SubjectState, error) {
	args := m.Called(ctx, s)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SubjectState), args.Error(1)
}

func (m *MockDataSource) GetSubjectState(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string) (*model.SubjectState, error) {
	args := m.Called(ctx, fundID, subjectType, subjectHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SubjectState), args.Error(1)
}

func (m *MockDataSource) InsertAttestation(ctx context.Context, a model.Attestation) (*model.Attestation, error) {
	args := m.Called(ctx, a)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Attestation), args.Error(1)
}

func (m *MockDataSource) IncrementAttestedWeight(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string, weight *big.Int) (*big.Int, error) {
	args := m.Called(ctx, fundID, subjectType, subjectHash, weight)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *MockDataSource) ListAttestations(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string, status model.SubjectStatus) ([]model.Attestation, error) {
	args := m.Called(ctx, fundID, subjectType, subjectHash, status)
	return args.Get(0).([]model.Attestation), args.Error(1)
}

func (m *MockDataSource) TransitionSubject(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string, from, to model.SubjectStatus, txHash string) (bool, error) {
	args := m.Called(ctx, fundID, subjectType, subjectHash, from, to, txHash)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) RecordSubmitError(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string, message string) error {
	args := m.Called(ctx, fundID, subjectType, subjectHash, message)
	return args.Error(0)
}

// Intent methods

func (m *MockDataSource) UpsertIntent(ctx context.Context, i model.Intent) error {
	args := m.Called(ctx, i)
	return args.Error(0)
}

func (m *MockDataSource) GetIntent(ctx context.Context, fundID, intentHash string) (*model.Intent, error) {
	args := m.Called(ctx, fundID, intentHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Intent), args.Error(1)
}

// Execution methods

func (m *MockDataSource) UpsertExecutionJob(ctx context.Context, fundID, intentHash string, nextRunAt time.Time) (*model.ExecutionJob, error) {
	args := m.Called(ctx, fundID, intentHash, nextRunAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ExecutionJob), args.Error(1)
}

func (m *MockDataSource) ClaimExecutionJobs(ctx context.Context, now time.Time, limit int) ([]model.ExecutionJob, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]model.ExecutionJob), args.Error(1)
}

func (m *MockDataSource) MarkExecutionJobExecuted(ctx context.Context, id int64, txHash string) error {
	args := m.Called(ctx, id, txHash)
	return args.Error(0)
}

func (m *MockDataSource) MarkExecutionJobFailed(ctx context.Context, id int64, maxAttempts int, nextRunAt time.Time, message string) (*model.ExecutionJob, error) {
	args := m.Called(ctx, id, maxAttempts, nextRunAt, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ExecutionJob), args.Error(1)
}

func (m *MockDataSource) GetExecutionJobByIntent(ctx context.Context, fundID, intentHash string) (*model.ExecutionJob, error) {
	args := m.Called(ctx, fundID, intentHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ExecutionJob), args.Error(1)
}

func (m *MockDataSource) MarkExecutionJobExecutedByIntent(ctx context.Context, fundID, intentHash, txHash string) error {
	args := m.Called(ctx, fundID, intentHash, txHash)
	return args.Error(0)
}

func (m *MockDataSource) MarkExecutionJobRetryableByIntent(ctx context.Context, fundID, intentHash string, nextRunAt time.Time, message string) error {
	args := m.Called(ctx, fundID, intentHash, nextRunAt, message)
	return args.Error(0)
}

func (m *MockDataSource) ListExecutionJobs(ctx context.Context, filter model.ExecutionJobFilter) ([]model.ExecutionJob, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]model.ExecutionJob), args.Error(1)
}

// Outbox methods

func (m *MockDataSource) RecordEvent(ctx context.Context, e model.Event) (*model.Event, error) {
	args := m.Called(ctx, e)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Event), args.Error(1)
}

func (m *MockDataSource) ListEventsSince(ctx context.Context, fundID string, afterID int64, limit int) ([]model.Event, error) {
	args := m.Called(ctx, fundID, afterID, limit)
	return args.Get(0).([]model.Event), args.Error(1)
}
