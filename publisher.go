package relayer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wiimdy/openfunderse-sub000/config"
	"github.com/wiimdy/openfunderse-sub000/database"
	"github.com/wiimdy/openfunderse-sub000/model"
)

const defaultEventsLimit = 100

// Publisher receives an event after the state change it describes has been
// stored.
type Publisher interface {
	Publish(ctx context.Context, eventType model.EventType, fundID string, payload map[string]interface{}) (*model.Event, error)
}

// EventPublisher appends every event to the outbox, then fans it out on Redis
// pub/sub and to the webhook queue. Only the outbox write can fail a publish.
type EventPublisher struct {
	outbox        database.IDataSource
	redis         redis.UniversalClient
	queue         *Queue
	channelPrefix string
	webhookURL    string
}

func NewEventPublisher(db database.IDataSource, client redis.UniversalClient, queue *Queue, cnf *config.Configuration) *EventPublisher {
	p := &EventPublisher{
		outbox:        db,
		redis:         client,
		queue:         queue,
		channelPrefix: config.DEFAULT_EVENT_CHANNEL,
	}
	if cnf != nil {
		if cnf.Events.ChannelPrefix != "" {
			p.channelPrefix = cnf.Events.ChannelPrefix
		}
		p.webhookURL = cnf.Notification.Webhook.Url
	}
	return p
}

// EventChannel is the pub/sub channel carrying one fund's events.
func EventChannel(prefix, fundID string) string {
	return prefix + ":" + fundID
}

func (p *EventPublisher) Publish(ctx context.Context, eventType model.EventType, fundID string, payload map[string]interface{}) (*model.Event, error) {
	ctx, span := tracer.Start(ctx, "PublishEvent")
	defer span.End()

	event, err := p.outbox.RecordEvent(ctx, model.Event{
		Type:      eventType,
		FundID:    fundID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if p.redis != nil {
		raw, err := json.Marshal(event)
		if err == nil {
			err = p.redis.Publish(ctx, EventChannel(p.channelPrefix, fundID), raw).Err()
		}
		if err != nil {
			logrus.WithError(err).WithField("event", eventType).Warn("failed to fan out event")
		}
	}

	if p.queue != nil && p.webhookURL != "" {
		if err := p.queue.EnqueueWebhook(ctx, NewWebhook{Event: string(eventType), Payload: event}); err != nil {
			logrus.WithError(err).WithField("event", eventType).Warn("failed to queue event webhook")
		}
	}
	return event, nil
}

// SubscribeEvents streams a fund's events from Redis until ctx is done. The
// returned channel is closed when the subscription ends.
func SubscribeEvents(ctx context.Context, client redis.UniversalClient, prefix, fundID string) (<-chan model.Event, error) {
	sub := client.Subscribe(ctx, EventChannel(prefix, fundID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan model.Event)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event model.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logrus.WithError(err).Warn("dropping undecodable event")
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// publish hands an event to the publisher. A failed publish is logged and
// never fails the state change that produced it.
func (r *Relayer) publish(ctx context.Context, eventType model.EventType, fundID string, payload map[string]interface{}) {
	if _, err := r.publisher.Publish(ctx, eventType, fundID, payload); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"event": eventType, "fund_id": fundID}).Warn("failed to publish event")
	}
}

// EventsSince returns outbox events of a fund with an id above afterID.
func (r *Relayer) EventsSince(ctx context.Context, fundID string, afterID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	return r.datasource.ListEventsSince(ctx, fundID, afterID, limit)
}
