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

// Package memory is a concurrent in-memory IDataSource. It keeps the same
// conflict, compare-and-set and claim semantics as the Postgres datasource so
// the relayer can run without a database.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/wiimdy/openfunderse-sub000/database"
	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/model"
)

type subjectKey struct {
	fundID      string
	subjectType model.SubjectType
	subjectHash string
}

// voteKey mirrors the unique index on attestations, which is not fund scoped.
type voteKey struct {
	subjectType model.SubjectType
	subjectHash string
}

type intentKey struct {
	fundID     string
	intentHash string
}

type Store struct {
	seq atomic.Int64

	funds        *xsync.Map[string, model.Fund]
	deployments  *xsync.Map[string, model.FundDeployment]
	participants *xsync.Map[string, []string]
	stakes       *xsync.Map[string, map[string]*big.Int]
	epochs       *xsync.Map[string, []model.EpochLifecycle]
	leases       *xsync.Map[string, time.Time]
	claims       *xsync.Map[string, []model.AllocationClaim]
	epochStates  *xsync.Map[string, map[uint64]model.EpochState]
	subjects     *xsync.Map[subjectKey, model.SubjectState]
	attestations *xsync.Map[voteKey, []model.Attestation]
	intents      *xsync.Map[intentKey, model.Intent]
	jobs         *xsync.Map[int64, model.ExecutionJob]
	jobIndex     *xsync.Map[intentKey, int64]
	events       *xsync.Map[string, []model.Event]
}

var _ database.IDataSource = (*Store)(nil)

func New() *Store {
	return &Store{
		funds:        xsync.NewMap[string, model.Fund](),
		deployments:  xsync.NewMap[string, model.FundDeployment](),
		participants: xsync.NewMap[string, []string](),
		stakes:       xsync.NewMap[string, map[string]*big.Int](),
		epochs:       xsync.NewMap[string, []model.EpochLifecycle](),
		leases:       xsync.NewMap[string, time.Time](),
		claims:       xsync.NewMap[string, []model.AllocationClaim](),
		epochStates:  xsync.NewMap[string, map[uint64]model.EpochState](),
		subjects:     xsync.NewMap[subjectKey, model.SubjectState](),
		attestations: xsync.NewMap[voteKey, []model.Attestation](),
		intents:      xsync.NewMap[intentKey, model.Intent](),
		jobs:         xsync.NewMap[int64, model.ExecutionJob](),
		jobIndex:     xsync.NewMap[intentKey, int64](),
		events:       xsync.NewMap[string, []model.Event](),
	}
}

func (s *Store) nextID() int64 {
	return s.seq.Add(1)
}

func clone(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneAll(values []*big.Int) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = clone(v)
	}
	return out
}

// Funds

func (s *Store) CreateFund(_ context.Context, f model.Fund) (model.Fund, error) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if _, loaded := s.funds.LoadOrStore(f.FundID, f); loaded {
		return model.Fund{}, apierror.NewAPIError(apierror.ErrConflict, "Fund with this ID already exists", nil)
	}
	return f, nil
}

func (s *Store) GetFund(_ context.Context, fundID string) (*model.Fund, error) {
	f, ok := s.funds.Load(fundID)
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Fund not found", nil)
	}
	return &f, nil
}

func (s *Store) ListAutoEpochFunds(_ context.Context, limit int) ([]model.Fund, error) {
	funds := []model.Fund{}
	s.funds.Range(func(_ string, f model.Fund) bool {
		if f.AutoEpochEnabled {
			funds = append(funds, f)
		}
		return true
	})
	sort.Slice(funds, func(i, j int) bool { return funds[i].FundID < funds[j].FundID })
	if limit > 0 && len(funds) > limit {
		funds = funds[:limit]
	}
	return funds, nil
}

func (s *Store) UpsertFundDeployment(_ context.Context, d model.FundDeployment) error {
	if d.DeployedAt.IsZero() {
		d.DeployedAt = time.Now().UTC()
	}
	d.SnapshotBookAddress = model.NormalizeAddress(d.SnapshotBookAddress)
	d.CoreAddress = model.NormalizeAddress(d.CoreAddress)
	d.VaultAddress = model.NormalizeAddress(d.VaultAddress)
	s.deployments.Compute(d.FundID, func(old model.FundDeployment, loaded bool) (model.FundDeployment, xsync.ComputeOp) {
		if loaded {
			d.DeployedAt = old.DeployedAt
		}
		return d, xsync.UpdateOp
	})
	return nil
}

func (s *Store) GetFundDeployment(_ context.Context, fundID string) (*model.FundDeployment, error) {
	d, ok := s.deployments.Load(fundID)
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Fund deployment not found", nil)
	}
	return &d, nil
}

func (s *Store) RegisterParticipant(_ context.Context, fundID, address string) error {
	address = model.NormalizeAddress(address)
	s.participants.Compute(fundID, func(old []string, _ bool) ([]string, xsync.ComputeOp) {
		for _, a := range old {
			if a == address {
				return old, xsync.CancelOp
			}
		}
		next := append(append(make([]string, 0, len(old)+1), old...), address)
		sort.Strings(next)
		return next, xsync.UpdateOp
	})
	return nil
}

func (s *Store) ListParticipants(_ context.Context, fundID string) ([]string, error) {
	current, _ := s.participants.Load(fundID)
	return append([]string{}, current...), nil
}

// Epochs

func (s *Store) CreateEpoch(_ context.Context, e model.EpochLifecycle) (*model.EpochLifecycle, error) {
	var conflict bool
	e.Status = model.EpochOpen
	e.ClaimCount = 0
	e.UpdatedAt = e.OpenedAt
	s.epochs.Compute(e.FundID, func(old []model.EpochLifecycle, _ bool) ([]model.EpochLifecycle, xsync.ComputeOp) {
		for _, existing := range old {
			if existing.Status == model.EpochOpen || existing.EpochID == e.EpochID {
				conflict = true
				return old, xsync.CancelOp
			}
		}
		return append(append(make([]model.EpochLifecycle, 0, len(old)+1), old...), e), xsync.UpdateOp
	})
	if conflict {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "concurrent open detected", nil)
	}
	return &e, nil
}

func (s *Store) epochByStatus(fundID string, status model.EpochStatus) (*model.EpochLifecycle, error) {
	current, _ := s.epochs.Load(fundID)
	var found *model.EpochLifecycle
	for i := range current {
		if current[i].Status != status {
			continue
		}
		if found == nil || current[i].EpochID < found.EpochID {
			e := current[i]
			found = &e
		}
	}
	if found == nil {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no %s epoch for fund %s", status, fundID), nil)
	}
	return found, nil
}

func (s *Store) GetOpenEpoch(_ context.Context, fundID string) (*model.EpochLifecycle, error) {
	return s.epochByStatus(fundID, model.EpochOpen)
}

func (s *Store) GetClosedEpoch(_ context.Context, fundID string) (*model.EpochLifecycle, error) {
	return s.epochByStatus(fundID, model.EpochClosed)
}

// updateEpoch applies fn to the epoch when it is in the wanted status and
// reports whether it did.
func (s *Store) updateEpoch(fundID string, epochID uint64, want model.EpochStatus, fn func(*model.EpochLifecycle)) (model.EpochLifecycle, bool) {
	var (
		updated model.EpochLifecycle
		ok      bool
	)
	s.epochs.Compute(fundID, func(old []model.EpochLifecycle, _ bool) ([]model.EpochLifecycle, xsync.ComputeOp) {
		for i := range old {
			if old[i].EpochID != epochID || old[i].Status != want {
				continue
			}
			next := append([]model.EpochLifecycle(nil), old...)
			fn(&next[i])
			updated, ok = next[i], true
			return next, xsync.UpdateOp
		}
		return old, xsync.CancelOp
	})
	return updated, ok
}

func (s *Store) ExtendEpoch(_ context.Context, fundID string, epochID uint64, closesAt time.Time) error {
	_, ok := s.updateEpoch(fundID, epochID, model.EpochOpen, func(e *model.EpochLifecycle) {
		e.ClosesAt = closesAt
		e.UpdatedAt = time.Now().UTC()
	})
	if !ok {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("no %s epoch for fund=%s epoch=%d", model.EpochOpen, fundID, epochID), nil)
	}
	return nil
}

func (s *Store) CloseEpoch(_ context.Context, fundID string, epochID uint64, at time.Time) error {
	_, ok := s.updateEpoch(fundID, epochID, model.EpochOpen, func(e *model.EpochLifecycle) {
		e.Status = model.EpochClosed
		e.ClosedAt = &at
		e.UpdatedAt = at
	})
	if !ok {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("no %s epoch for fund=%s epoch=%d", model.EpochOpen, fundID, epochID), nil)
	}
	return nil
}

// ClaimEpochAggregation records the lease while holding the fund's epoch
// entry, so two claims on the same epoch are serialized.
func (s *Store) ClaimEpochAggregation(_ context.Context, fundID string, epochID uint64, at, staleBefore time.Time) error {
	key := fmt.Sprintf("%s/%d", fundID, epochID)
	claimed := false
	s.epochs.Compute(fundID, func(old []model.EpochLifecycle, _ bool) ([]model.EpochLifecycle, xsync.ComputeOp) {
		for i := range old {
			if old[i].EpochID != epochID || old[i].Status != model.EpochClosed {
				continue
			}
			if held, ok := s.leases.Load(key); ok && held.After(staleBefore) {
				break
			}
			s.leases.Store(key, at)
			claimed = true
			break
		}
		return old, xsync.CancelOp
	})
	if !claimed {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("epoch %d of fund %s is already being aggregated", epochID, fundID), nil)
	}
	return nil
}

func (s *Store) ReleaseEpochAggregation(_ context.Context, fundID string, epochID uint64, at time.Time) error {
	s.leases.Compute(fmt.Sprintf("%s/%d", fundID, epochID), func(held time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && held.Equal(at) {
			return held, xsync.DeleteOp
		}
		return held, xsync.CancelOp
	})
	return nil
}

func (s *Store) MarkEpochAggregated(_ context.Context, fundID string, epochID uint64, at time.Time) error {
	_, ok := s.updateEpoch(fundID, epochID, model.EpochClosed, func(e *model.EpochLifecycle) {
		e.Status = model.EpochAggregated
		e.AggregatedAt = &at
		e.UpdatedAt = at
	})
	if !ok {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("no %s epoch for fund=%s epoch=%d", model.EpochClosed, fundID, epochID), nil)
	}
	return nil
}

// Claims, stakes and epoch states

// InsertClaim appends the claim and bumps the claim count while holding the
// fund's epoch entry, so a concurrent CloseEpoch sees either both or neither.
func (s *Store) InsertClaim(_ context.Context, c model.AllocationClaim) (*model.AllocationClaim, int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.ClaimHash = model.NormalizeHash(c.ClaimHash)
	c.Participant = model.NormalizeAddress(c.Participant)

	var (
		count int64
		err   error
	)
	s.epochs.Compute(c.FundID, func(old []model.EpochLifecycle, _ bool) ([]model.EpochLifecycle, xsync.ComputeOp) {
		idx := -1
		for i := range old {
			if old[i].EpochID == c.EpochID && old[i].Status == model.EpochOpen {
				idx = i
				break
			}
		}
		if idx < 0 {
			err = apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("epoch %d of fund %s is not open", c.EpochID, c.FundID), nil)
			return old, xsync.CancelOp
		}
		if !s.appendClaim(&c) {
			err = apierror.NewAPIError(apierror.ErrConflict, "duplicate claim", nil)
			return old, xsync.CancelOp
		}
		next := append([]model.EpochLifecycle(nil), old...)
		next[idx].ClaimCount++
		next[idx].UpdatedAt = c.CreatedAt
		count = next[idx].ClaimCount
		return next, xsync.UpdateOp
	})
	if err != nil {
		return nil, 0, err
	}
	return &c, count, nil
}

func (s *Store) appendClaim(c *model.AllocationClaim) bool {
	added := false
	s.claims.Compute(c.FundID, func(old []model.AllocationClaim, _ bool) ([]model.AllocationClaim, xsync.ComputeOp) {
		for _, existing := range old {
			if existing.ClaimHash == c.ClaimHash {
				return old, xsync.CancelOp
			}
		}
		c.ID = s.nextID()
		added = true
		return append(append(make([]model.AllocationClaim, 0, len(old)+1), old...), *c), xsync.UpdateOp
	})
	return added
}

func (s *Store) ListClaimsByEpoch(_ context.Context, fundID string, epochID uint64) ([]model.AllocationClaim, error) {
	current, _ := s.claims.Load(fundID)
	claims := []model.AllocationClaim{}
	for _, c := range current {
		if c.EpochID == epochID {
			claims = append(claims, c)
		}
	}
	sort.SliceStable(claims, func(i, j int) bool {
		if !claims[i].CreatedAt.Equal(claims[j].CreatedAt) {
			return claims[i].CreatedAt.Before(claims[j].CreatedAt)
		}
		return claims[i].ID < claims[j].ID
	})
	return claims, nil
}

func (s *Store) UpsertStakeWeight(_ context.Context, w model.StakeWeight) error {
	if w.Weight == nil || w.Weight.Sign() < 0 {
		return apierror.NewAPIError(apierror.ErrBadRequest, "stake weight must be a non-negative integer", nil)
	}
	participant := model.NormalizeAddress(w.Participant)
	s.stakes.Compute(w.FundID, func(old map[string]*big.Int, _ bool) (map[string]*big.Int, xsync.ComputeOp) {
		next := make(map[string]*big.Int, len(old)+1)
		for k, v := range old {
			next[k] = v
		}
		next[participant] = clone(w.Weight)
		return next, xsync.UpdateOp
	})
	return nil
}

func (s *Store) GetStakeWeights(_ context.Context, fundID string) (map[string]*big.Int, error) {
	current, _ := s.stakes.Load(fundID)
	out := make(map[string]*big.Int, len(current))
	for k, v := range current {
		out[k] = clone(v)
	}
	return out, nil
}

func (s *Store) GetLatestEpochState(_ context.Context, fundID string) (*model.EpochState, error) {
	current, _ := s.epochStates.Load(fundID)
	var latest *model.EpochState
	for id := range current {
		if latest == nil || id > latest.EpochID {
			st := current[id]
			latest = &st
		}
	}
	if latest == nil {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Epoch state not found", nil)
	}
	latest.AggregateWeights = cloneAll(latest.AggregateWeights)
	return latest, nil
}

func (s *Store) GetEpochState(_ context.Context, fundID string, epochID uint64) (*model.EpochState, error) {
	current, _ := s.epochStates.Load(fundID)
	st, ok := current[epochID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Epoch state not found", nil)
	}
	st.AggregateWeights = cloneAll(st.AggregateWeights)
	return &st, nil
}

func (s *Store) UpsertEpochState(_ context.Context, st model.EpochState) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	st.EpochStateHash = model.NormalizeHash(st.EpochStateHash)
	st.AggregateWeights = cloneAll(st.AggregateWeights)
	st.ClaimHashes = append([]string{}, st.ClaimHashes...)
	s.epochStates.Compute(st.FundID, func(old map[uint64]model.EpochState, _ bool) (map[uint64]model.EpochState, xsync.ComputeOp) {
		if _, exists := old[st.EpochID]; exists {
			return old, xsync.CancelOp
		}
		next := make(map[uint64]model.EpochState, len(old)+1)
		for k, v := range old {
			next[k] = v
		}
		next[st.EpochID] = st
		return next, xsync.UpdateOp
	})
	return nil
}
