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
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/model"
)

const subjectColumns = `fund_id, subject_type, subject_hash, epoch_id, threshold_weight::TEXT, attested_weight::TEXT,
	status, COALESCE(tx_hash, ''), submit_attempts, COALESCE(last_error, ''), created_at, updated_at`

func scanSubject(row rowScanner) (*model.SubjectState, error) {
	var (
		s         model.SubjectState
		epochID   sql.NullInt64
		threshold string
		attested  string
		err       error
	)
	if err = row.Scan(&s.FundID, &s.SubjectType, &s.SubjectHash, &epochID, &threshold, &attested,
		&s.Status, &s.TxHash, &s.SubmitAttempts, &s.LastError, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if epochID.Valid {
		id := uint64(epochID.Int64)
		s.EpochID = &id
	}
	if s.ThresholdWeight, err = parseNumeric(threshold); err != nil {
		return nil, err
	}
	if s.AttestedWeight, err = parseNumeric(attested); err != nil {
		return nil, err
	}
	return &s, nil
}

func nullableEpoch(id *uint64) interface{} {
	if id == nil {
		return nil
	}
	return int64(*id)
}

// EnsureSubjectState inserts a PENDING subject if none exists and returns the
// stored row either way.
func (d Datasource) EnsureSubjectState(ctx context.Context, s model.SubjectState) (*model.SubjectState, error) {
	ctx, span := otel.Tracer("Consensus").Start(ctx, "Ensuring subject state")
	defer span.End()

	now := time.Now().UTC()
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO openfunderse.subject_state (fund_id, subject_type, subject_hash, epoch_id, threshold_weight,
			attested_weight, status, submit_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 'PENDING', 0, $6, $6)
		ON CONFLICT (fund_id, subject_type, subject_hash) DO NOTHING
	`, s.FundID, s.SubjectType, model.NormalizeHash(s.SubjectHash), nullableEpoch(s.EpochID), numeric(s.ThresholdWeight), now)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save subject state", err)
	}
	return d.GetSubjectState(ctx, s.FundID, s.SubjectType, s.SubjectHash)
}

func (d Datasource) GetSubjectState(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string) (*model.SubjectState, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+subjectColumns+`
		FROM openfunderse.subject_state
		WHERE fund_id = $1 AND subject_type = $2 AND subject_hash = $3
	`, fundID, subjectType, model.NormalizeHash(subjectHash))
	s, err := scanSubject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Subject state not found", nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve subject state", err)
	}
	return s, nil
}

func (d Datasource) InsertAttestation(ctx context.Context, a model.Attestation) (*model.Attestation, error) {
	ctx, span := otel.Tracer("Consensus").Start(ctx, "Saving attestation to db")
	defer span.End()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = model.SubjectPending
	}
	a.SubjectHash = model.NormalizeHash(a.SubjectHash)
	a.Verifier = model.NormalizeAddress(a.Verifier)

	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO openfunderse.attestations (fund_id, subject_type, subject_hash, epoch_id, verifier,
			expires_at, nonce, signature, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, a.FundID, a.SubjectType, a.SubjectHash, nullableEpoch(a.EpochID), a.Verifier,
		int64(a.ExpiresAt), a.Nonce, a.Signature, a.Status, a.CreatedAt).Scan(&a.ID)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "duplicate attestation", err)
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save attestation", err)
	}
	return &a, nil
}

// IncrementAttestedWeight adds weight in a single statement so concurrent
// votes never lose an update.
func (d Datasource) IncrementAttestedWeight(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string, weight *big.Int) (*big.Int, error) {
	var raw string
	err := d.Conn.QueryRowContext(ctx, `
		UPDATE openfunderse.subject_state
		SET attested_weight = attested_weight + $4::NUMERIC, updated_at = NOW()
		WHERE fund_id = $1 AND subject_type = $2 AND subject_hash = $3
		RETURNING attested_weight::TEXT
	`, fundID, subjectType, model.NormalizeHash(subjectHash), numeric(weight)).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Subject state not found", nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to increment attested weight", err)
	}
	total, err := parseNumeric(raw)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Invalid attested weight", err)
	}
	return total, nil
}

func (d Datasource) ListAttestations(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string, status model.SubjectStatus) ([]model.Attestation, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, fund_id, subject_type, subject_hash, epoch_id, verifier, expires_at, nonce, signature, status, created_at
		FROM openfunderse.attestations
		WHERE fund_id = $1 AND subject_type = $2 AND subject_hash = $3 AND ($4 = '' OR status = $4)
		ORDER BY id
	`, fundID, subjectType, model.NormalizeHash(subjectHash), string(status))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list attestations", err)
	}
	defer rows.Close()

	attestations := []model.Attestation{}
	for rows.Next() {
		var (
			a         model.Attestation
			epochID   sql.NullInt64
			expiresAt int64
		)
		if err := rows.Scan(&a.ID, &a.FundID, &a.SubjectType, &a.SubjectHash, &epochID, &a.Verifier,
			&expiresAt, &a.Nonce, &a.Signature, &a.Status, &a.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan attestation", err)
		}
		if epochID.Valid {
			id := uint64(epochID.Int64)
			a.EpochID = &id
		}
		a.ExpiresAt = uint64(expiresAt)
		attestations = append(attestations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over attestations", err)
	}
	return attestations, nil
}

// TransitionSubject is a compare-and-set on the subject status. Only the
// caller that changes the row sees true, which is what makes finalization
// happen exactly once.
func (d Datasource) TransitionSubject(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string, from, to model.SubjectStatus, txHash string) (bool, error) {
	ctx, span := otel.Tracer("Consensus").Start(ctx, "Transitioning subject status")
	defer span.End()

	key := model.NormalizeHash(subjectHash)
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE openfunderse.subject_state
		SET status = $5, tx_hash = COALESCE(NULLIF($6, ''), tx_hash), last_error = NULL, updated_at = NOW()
		WHERE fund_id = $1 AND subject_type = $2 AND subject_hash = $3 AND status = $4
	`, fundID, subjectType, key, from, to, model.NormalizeHash(txHash))
	if err != nil {
		span.RecordError(err)
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update subject state", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE openfunderse.attestations
		SET status = $5
		WHERE fund_id = $1 AND subject_type = $2 AND subject_hash = $3 AND status = $4
	`, fundID, subjectType, key, from, to)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update attestations", err)
	}

	if subjectType == model.SubjectIntent {
		_, err = tx.ExecContext(ctx, `
			UPDATE openfunderse.intents SET status = $3 WHERE fund_id = $1 AND intent_hash = $2
		`, fundID, key, to)
		if err != nil {
			return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update intent", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit subject transition", err)
	}
	return true, nil
}

func (d Datasource) RecordSubmitError(ctx context.Context, fundID string, subjectType model.SubjectType, subjectHash string, message string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE openfunderse.subject_state
		SET submit_attempts = submit_attempts + 1, last_error = $4, updated_at = NOW()
		WHERE fund_id = $1 AND subject_type = $2 AND subject_hash = $3
	`, fundID, subjectType, model.NormalizeHash(subjectHash), message)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record submit error", err)
	}
	return nil
}

func (d Datasource) UpsertIntent(ctx context.Context, i model.Intent) error {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	if i.Status == "" {
		i.Status = model.SubjectPending
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO openfunderse.intents (fund_id, intent_hash, intent_json, execution_route_json, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fund_id, intent_hash) DO UPDATE SET
			intent_json = EXCLUDED.intent_json,
			execution_route_json = EXCLUDED.execution_route_json
	`, i.FundID, model.NormalizeHash(i.IntentHash), []byte(i.IntentJSON), []byte(i.ExecutionRouteJSON), i.Status, i.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save intent", err)
	}
	return nil
}

func (d Datasource) GetIntent(ctx context.Context, fundID, intentHash string) (*model.Intent, error) {
	var (
		i          model.Intent
		intentJSON []byte
		routeJSON  []byte
	)
	err := d.Conn.QueryRowContext(ctx, `
		SELECT fund_id, intent_hash, intent_json, execution_route_json, status, created_at
		FROM openfunderse.intents
		WHERE fund_id = $1 AND intent_hash = $2
	`, fundID, model.NormalizeHash(intentHash)).Scan(&i.FundID, &i.IntentHash, &intentJSON, &routeJSON, &i.Status, &i.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "intent row not found", nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve intent", err)
	}
	i.IntentJSON = json.RawMessage(intentJSON)
	i.ExecutionRouteJSON = json.RawMessage(routeJSON)
	return &i, nil
}
