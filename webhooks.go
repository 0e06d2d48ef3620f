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
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/wiimdy/openfunderse-sub000/config"
	"github.com/wiimdy/openfunderse-sub000/internal/notification"
	"github.com/wiimdy/openfunderse-sub000/internal/request"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// processHTTP posts a webhook notification to the configured URL. Non-2xx
// responses are returned as errors so the task is retried.
func processHTTP(ctx context.Context, conf *config.Configuration, data NewWebhook) error {
	_, err := request.PostJSON(ctx, nil, conf.Notification.Webhook.Url, conf.Notification.Webhook.Headers, data, nil)
	if err != nil {
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) {
			logrus.WithFields(logrus.Fields{"event": data.Event, "status": statusErr.StatusCode}).Warn("webhook rejected")
		}
		return err
	}
	logrus.WithField("event", data.Event).Debug("webhook notification sent")
	return nil
}

// ProcessWebhook processes a webhook notification task from the queue.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the webhook notification data.
//
// Returns:
// - error: An error if the webhook processing fails.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.WithError(err).Error("failed to decode webhook task")
		return errors.Join(err, asynq.SkipRetry)
	}
	return processHTTP(ctx, conf, payload)
}

// WebhookSender adapts the queue for error notifications.
func (q *Queue) WebhookSender() notification.WebhookSender {
	return func(event string, payload interface{}) error {
		return q.EnqueueWebhook(context.Background(), NewWebhook{Event: event, Payload: payload})
	}
}
