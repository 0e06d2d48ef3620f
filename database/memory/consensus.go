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
	"math/big"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/model"
)

func copySubject(st model.SubjectState) *model.SubjectState {
	st.ThresholdWeight = clone(st.ThresholdWeight)
	st.AttestedWeight = clone(st.AttestedWeight)
	return &st
}

func (s *Store) EnsureSubjectState(_ context.Context, st model.SubjectState) (*model.SubjectState, error) {
	now := time.Now().UTC()
	st.SubjectHash = model.NormalizeHash(st.SubjectHash)
	key := subjectKey{fundID: st.FundID, subjectType: st.SubjectType, subjectHash: st.SubjectHash}

	stored, _ := s.subjects.Compute(key, func(old model.SubjectState, loaded bool) (model.SubjectState, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		st.ThresholdWeight = clone(st.ThresholdWeight)
		st.AttestedWeight = new(big.Int)
		st.Status = model.SubjectPending
		st.SubmitAttempts = 0
		st.CreatedAt, st.UpdatedAt = now, now
		return st, xsync.UpdateOp
	})
	return copySubject(stored), nil
}

func (s *Store) GetSubjectState(_ context.Context, fundID string, subjectType model.SubjectType, subjectHash string) (*model.SubjectState, error) {
	st, ok := s.subjects.Load(subjectKey{fundID: fundID, subjectType: subjectType, subjectHash: model.NormalizeHash(subjectHash)})
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Subject state not found", nil)
	}
	return copySubject(st), nil
}

func (s *Store) InsertAttestation(_ context.Context, a model.Attestation) (*model.Attestation, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = model.SubjectPending
	}
	a.SubjectHash = model.NormalizeHash(a.SubjectHash)
	a.Verifier = model.NormalizeAddress(a.Verifier)

	var duplicate bool
	key := voteKey{subjectType: a.SubjectType, subjectHash: a.SubjectHash}
	s.attestations.Compute(key, func(old []model.Attestation, _ bool) ([]model.Attestation, xsync.ComputeOp) {
		for _, existing := range old {
			if existing.Verifier == a.Verifier {
				duplicate = true
				return old, xsync.CancelOp
			}
		}
		a.ID = s.nextID()
		return append(append(make([]model.Attestation, 0, len(old)+1), old...), a), xsync.UpdateOp
	})
	if duplicate {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "duplicate attestation", nil)
	}
	return &a, nil
}

func (s *Store) IncrementAttestedWeight(_ context.Context, fundID string, subjectType model.SubjectType, subjectHash string, weight *big.Int) (*big.Int, error) {
	var (
		total *big.Int
		found bool
	)
	key := subjectKey{fundID: fundID, subjectType: subjectType, subjectHash: model.NormalizeHash(subjectHash)}
	s.subjects.Compute(key, func(old model.SubjectState, loaded bool) (model.SubjectState, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		found = true
		old.AttestedWeight = new(big.Int).Add(old.AttestedWeight, weight)
		old.UpdatedAt = time.Now().UTC()
		total = clone(old.AttestedWeight)
		return old, xsync.UpdateOp
	})
	if !found {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Subject state not found", nil)
	}
	return total, nil
}

func (s *Store) ListAttestations(_ context.Context, fundID string, subjectType model.SubjectType, subjectHash string, status model.SubjectStatus) ([]model.Attestation, error) {
	current, _ := s.attestations.Load(voteKey{subjectType: subjectType, subjectHash: model.NormalizeHash(subjectHash)})
	out := []model.Attestation{}
	for _, a := range current {
		if a.FundID != fundID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TransitionSubject is the compare-and-set that makes finalization happen
// once: only the caller that observes the from status moves the subject.
func (s *Store) TransitionSubject(_ context.Context, fundID string, subjectType model.SubjectType, subjectHash string, from, to model.SubjectStatus, txHash string) (bool, error) {
	hash := model.NormalizeHash(subjectHash)
	var changed bool
	s.subjects.Compute(subjectKey{fundID: fundID, subjectType: subjectType, subjectHash: hash},
		func(old model.SubjectState, loaded bool) (model.SubjectState, xsync.ComputeOp) {
			if !loaded || old.Status != from {
				return old, xsync.CancelOp
			}
			changed = true
			old.Status = to
			if txHash != "" {
				old.TxHash = model.NormalizeHash(txHash)
			}
			old.LastError = ""
			old.UpdatedAt = time.Now().UTC()
			return old, xsync.UpdateOp
		})
	if !changed {
		return false, nil
	}

	s.attestations.Compute(voteKey{subjectType: subjectType, subjectHash: hash}, func(old []model.Attestation, loaded bool) ([]model.Attestation, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		next := append([]model.Attestation(nil), old...)
		for i := range next {
			if next[i].FundID == fundID && next[i].Status == from {
				next[i].Status = to
			}
		}
		return next, xsync.UpdateOp
	})

	if subjectType == model.SubjectIntent {
		s.intents.Compute(intentKey{fundID: fundID, intentHash: hash}, func(old model.Intent, loaded bool) (model.Intent, xsync.ComputeOp) {
			if !loaded {
				return old, xsync.CancelOp
			}
			old.Status = to
			return old, xsync.UpdateOp
		})
	}
	return true, nil
}

func (s *Store) RecordSubmitError(_ context.Context, fundID string, subjectType model.SubjectType, subjectHash string, message string) error {
	s.subjects.Compute(subjectKey{fundID: fundID, subjectType: subjectType, subjectHash: model.NormalizeHash(subjectHash)},
		func(old model.SubjectState, loaded bool) (model.SubjectState, xsync.ComputeOp) {
			if !loaded {
				return old, xsync.CancelOp
			}
			old.SubmitAttempts++
			old.LastError = message
			old.UpdatedAt = time.Now().UTC()
			return old, xsync.UpdateOp
		})
	return nil
}

// Intents

func (s *Store) UpsertIntent(_ context.Context, i model.Intent) error {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	if i.Status == "" {
		i.Status = model.SubjectPending
	}
	i.IntentHash = model.NormalizeHash(i.IntentHash)
	s.intents.Compute(intentKey{fundID: i.FundID, intentHash: i.IntentHash}, func(old model.Intent, loaded bool) (model.Intent, xsync.ComputeOp) {
		if loaded {
			old.IntentJSON = i.IntentJSON
			old.ExecutionRouteJSON = i.ExecutionRouteJSON
			return old, xsync.UpdateOp
		}
		return i, xsync.UpdateOp
	})
	return nil
}

func (s *Store) GetIntent(_ context.Context, fundID, intentHash string) (*model.Intent, error) {
	i, ok := s.intents.Load(intentKey{fundID: fundID, intentHash: model.NormalizeHash(intentHash)})
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "intent row not found", nil)
	}
	return &i, nil
}
