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
	"encoding/json"
	"time"

	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/model"
)

func (d Datasource) RecordEvent(ctx context.Context, e model.Event) (*model.Event, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal event payload", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err = d.Conn.QueryRowContext(ctx, `
		INSERT INTO openfunderse.events_outbox (fund_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, e.FundID, e.Type, payload, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record event", err)
	}
	return &e, nil
}

func (d Datasource) ListEventsSince(ctx context.Context, fundID string, afterID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, fund_id, event_type, payload, created_at
		FROM openfunderse.events_outbox
		WHERE fund_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, fundID, afterID, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list events", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var (
			e   model.Event
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.FundID, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan event", err)
		}
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal event payload", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over events", err)
	}
	return events, nil
}
