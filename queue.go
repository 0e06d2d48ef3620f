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
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/wiimdy/openfunderse-sub000/config"
	redis_db "github.com/wiimdy/openfunderse-sub000/internal/redis-db"
	"github.com/wiimdy/openfunderse-sub000/model"
)

const (
	webhookMaxRetry = 5
	webhookTimeout  = 30 * time.Second
)

// Queue represents a queue for handling event deliveries.
type Queue struct {
	Client       *asynq.Client
	Inspector    *asynq.Inspector
	webhookQueue string
}

// RedisClientOpt translates the configured Redis address into asynq options.
// Only the first address of a comma separated list is used.
func RedisClientOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	opts, err := redis_db.Options(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      opts.Addrs[0],
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}, nil
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
// - error: An error if the Redis address cannot be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	queueOptions, err := RedisClientOpt(conf)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:       asynq.NewClient(queueOptions),
		Inspector:    asynq.NewInspector(queueOptions),
		webhookQueue: conf.Queue.WebhookQueue,
	}, nil
}

// WebhookQueue is the asynq queue and task type used for webhook deliveries.
func (q *Queue) WebhookQueue() string {
	if q.webhookQueue == "" {
		return config.DEFAULT_WEBHOOK_QUEUE
	}
	return q.webhookQueue
}

// EnqueueWebhook schedules delivery of one event to the configured webhook.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - hook NewWebhook: The event to deliver.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueWebhook(ctx context.Context, hook NewWebhook) error {
	ctx, span := tracer.Start(ctx, "EnqueueWebhook")
	defer span.End()

	payload, err := json.Marshal(hook)
	if err != nil {
		span.RecordError(err)
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(model.GenerateUUIDWithSuffix("hook")),
		asynq.Queue(q.WebhookQueue()),
		asynq.MaxRetry(webhookMaxRetry),
		asynq.Timeout(webhookTimeout),
	}
	task := asynq.NewTask(q.WebhookQueue(), payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		span.RecordError(err)
		logrus.WithError(err).WithField("event", hook.Event).Error("failed to enqueue webhook")
		return err
	}
	logrus.WithFields(logrus.Fields{"event": hook.Event, "task_id": info.ID}).Debug("webhook enqueued")
	return nil
}

// QueueInfo returns the current counters of the webhook queue.
func (q *Queue) QueueInfo() (*asynq.QueueInfo, error) {
	return q.Inspector.GetQueueInfo(q.WebhookQueue())
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close queue inspector")
	}
	return q.Client.Close()
}
