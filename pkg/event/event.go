package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of event kinds the engine distributes.
type EventType string

const (
	TypeDashboardChanged EventType = "dashboard_changed"
	TypeMetricsUpdated   EventType = "metrics_updated"
	TypeUserActivity     EventType = "user_activity"
	TypeSystemAlert      EventType = "system_alert"
	TypeCollaboration    EventType = "collaboration_event"
	TypeActivityCreated  EventType = "activity_created"
	TypeActivityUpdated  EventType = "activity_updated"
)

func (t EventType) Valid() bool {
	switch t {
	case TypeDashboardChanged, TypeMetricsUpdated, TypeUserActivity,
		TypeSystemAlert, TypeCollaboration, TypeActivityCreated, TypeActivityUpdated:
		return true
	}
	return false
}

// Priority drives routing: critical events bypass the batch queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type Metadata struct {
	Version       string        `json:"version"`
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlationId,omitempty"`
	Priority      Priority      `json:"priority"`
	TTL           time.Duration `json:"ttl,omitempty"`
	RetryCount    int           `json:"retryCount"`
	Tags          []string      `json:"tags,omitempty"`
}

// Routing addresses an event. Rooms are the primary addressing dimension;
// UserIDs and Roles narrow delivery, ExcludeUsers always wins over any match.
type Routing struct {
	Rooms        []string `json:"rooms"`
	UserIDs      []string `json:"userIds,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	ExcludeUsers []string `json:"excludeUsers,omitempty"`
}

// HasTarget reports whether the routing names at least one addressing dimension.
func (r Routing) HasTarget() bool {
	return len(r.Rooms) > 0 || len(r.UserIDs) > 0 || len(r.Roles) > 0
}

// Event is the unit of distribution. Once constructed it is immutable except
// for Metadata.RetryCount, which the publisher bumps on failed delivery attempts.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Source         string         `json:"source"`
	OrganizationID string         `json:"organizationId"`
	UserID         string         `json:"userId,omitempty"`
	Data           map[string]any `json:"data"`
	Metadata       Metadata       `json:"metadata"`
	Routing        Routing        `json:"routing"`
}

// Envelope is the wire form of a single event. Source and UserID ride along so
// the subscriber's source and user filters have something to match against.
type Envelope struct {
	EventID  string         `json:"eventId"`
	Type     EventType      `json:"type"`
	Source   string         `json:"source,omitempty"`
	UserID   string         `json:"userId,omitempty"`
	Data     map[string]any `json:"data"`
	Metadata Metadata       `json:"metadata"`
	Routing  Routing        `json:"routing"`
}

func (e *Event) Envelope() Envelope {
	return Envelope{
		EventID:  e.ID,
		Type:     e.Type,
		Source:   e.Source,
		UserID:   e.UserID,
		Data:     e.Data,
		Metadata: e.Metadata,
		Routing:  e.Routing,
	}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// BatchType marks a wire message as a batch of envelopes.
const BatchType = "batch_events"

type BatchEnvelope struct {
	Type      string     `json:"type"`
	Events    []Envelope `json:"events"`
	Timestamp time.Time  `json:"timestamp"`
}

func NewBatch(events []Envelope) BatchEnvelope {
	return BatchEnvelope{Type: BatchType, Events: events, Timestamp: time.Now().UTC()}
}

func (b BatchEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// ParseMessage decodes a raw transport payload into envelopes, unwrapping
// batch messages. A payload that is neither a batch nor a single envelope
// with an event ID is malformed.
func ParseMessage(data []byte) ([]Envelope, error) {
	var probe struct {
		Type    string          `json:"type"`
		Events  json.RawMessage `json:"events"`
		EventID string          `json:"eventId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decoding transport message: %w", err)
	}

	if probe.Type == BatchType {
		var batch BatchEnvelope
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("decoding batch message: %w", err)
		}
		return batch.Events, nil
	}

	if probe.EventID == "" {
		return nil, fmt.Errorf("transport message has no event id")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}
	return []Envelope{env}, nil
}
