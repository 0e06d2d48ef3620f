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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/model"
)

var subjectRowColumns = []string{"fund_id", "subject_type", "subject_hash", "epoch_id", "threshold_weight", "attested_weight",
	"status", "tx_hash", "submit_attempts", "last_error", "created_at", "updated_at"}

func TestEnsureSubjectState(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO openfunderse.subject_state .* ON CONFLICT`).
		WithArgs("fund-1", model.SubjectIntent, "0xaa", nil, "5", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM openfunderse.subject_state").
		WithArgs("fund-1", model.SubjectIntent, "0xaa").
		WillReturnRows(sqlmock.NewRows(subjectRowColumns).
			AddRow("fund-1", "INTENT", "0xaa", nil, "5", "0", "PENDING", "", 0, "", now, now))

	s, err := ds.EnsureSubjectState(context.Background(), model.SubjectState{
		FundID:          "fund-1",
		SubjectType:     model.SubjectIntent,
		SubjectHash:     "0xAA",
		ThresholdWeight: big.NewInt(5),
	})
	require.NoError(t, err)
	assert.Equal(t, model.SubjectPending, s.Status)
	assert.Equal(t, "5", s.ThresholdWeight.String())
	assert.Equal(t, "0", s.AttestedWeight.String())
	assert.Nil(t, s.EpochID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAttestation_Duplicate(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery("INSERT INTO openfunderse.attestations").
		WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})

	_, err := ds.InsertAttestation(context.Background(), model.Attestation{
		FundID: "fund-1", SubjectType: model.SubjectClaim, SubjectHash: "0xaa", Verifier: "0xBB",
	})
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
	assert.Contains(t, err.Error(), "duplicate attestation")
}

func TestIncrementAttestedWeight(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery(`SET attested_weight = attested_weight \+ \$4::NUMERIC`).
		WithArgs("fund-1", model.SubjectClaim, "0xaa", "3").
		WillReturnRows(sqlmock.NewRows([]string{"attested_weight"}).AddRow("7"))

	total, err := ds.IncrementAttestedWeight(context.Background(), "fund-1", model.SubjectClaim, "0xaa", big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, "7", total.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionSubject_Wins(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE openfunderse.subject_state").
		WithArgs("fund-1", model.SubjectIntent, "0xaa", model.SubjectPending, model.SubjectReadyForOnchain, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE openfunderse.attestations").
		WithArgs("fund-1", model.SubjectIntent, "0xaa", model.SubjectPending, model.SubjectReadyForOnchain).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE openfunderse.intents").
		WithArgs("fund-1", "0xaa", model.SubjectReadyForOnchain).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	changed, err := ds.TransitionSubject(context.Background(), "fund-1", model.SubjectIntent, "0xaa",
		model.SubjectPending, model.SubjectReadyForOnchain, "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionSubject_AlreadyMoved(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE openfunderse.subject_state").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	changed, err := ds.TransitionSubject(context.Background(), "fund-1", model.SubjectClaim, "0xaa",
		model.SubjectPending, model.SubjectApproved, "0xtx")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStakeWeights(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery("SELECT participant, weight::TEXT FROM openfunderse.stake_weights").
		WithArgs("fund-1").
		WillReturnRows(sqlmock.NewRows([]string{"participant", "weight"}).
			AddRow("0xAB", "100").
			AddRow("0xcd", "340282366920938463463374607431768211456"))

	stakes, err := ds.GetStakeWeights(context.Background(), "fund-1")
	require.NoError(t, err)
	assert.Equal(t, "100", stakes["0xab"].String())
	assert.Equal(t, "340282366920938463463374607431768211456", stakes["0xcd"].String())
}

func TestUpsertEpochState(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectExec(`INSERT INTO openfunderse.epoch_states .* ON CONFLICT \(fund_id, epoch_id\) DO NOTHING`).
		WithArgs("fund-1", uint64(2), "0xabc", []byte(`["6000","4000"]`), []byte(`["0x01","0x02"]`), 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := ds.UpsertEpochState(context.Background(), model.EpochState{
		FundID:           "fund-1",
		EpochID:          2,
		EpochStateHash:   "0xABC",
		AggregateWeights: []*big.Int{big.NewInt(6000), big.NewInt(4000)},
		ClaimHashes:      []string{"0x01", "0x02"},
		ClaimCount:       2,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
