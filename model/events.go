package model

import "time"

type EventType string

const (
	EventEpochOpened           EventType = "epoch:opened"
	EventEpochAggregated       EventType = "epoch:aggregated"
	EventClaimSubmitted        EventType = "claim:submitted"
	EventClaimAttested         EventType = "claim:attested"
	EventClaimFinalized        EventType = "claim:finalized"
	EventIntentProposed        EventType = "intent:proposed"
	EventIntentAttested        EventType = "intent:attested"
	EventIntentReady           EventType = "intent:ready"
	EventIntentExecuted        EventType = "intent:executed"
	EventIntentExecutionFailed EventType = "intent:execution_failed"
)

// Event is a notification emitted after a state transition has been stored.
// ID is the outbox sequence number and orders events within a fund.
type Event struct {
	ID        int64                  `json:"id"`
	Type      EventType              `json:"type"`
	FundID    string                 `json:"fund_id"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}
