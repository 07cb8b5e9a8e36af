// Package events publishes normalized reconciliation events for the
// GraphQL subscription layer.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topics consumed by the GraphQL subscription resolvers.
const (
	TopicTestTaskUpdated              = "TEST_TASK_UPDATED"
	TopicReportStatusUpdated          = "REPORT_STATUS_UPDATED"
	TopicValidateDatasetStatusUpdated = "VALIDATE_DATASET_STATUS_UPDATED"
	TopicValidateModelStatusUpdated   = "VALIDATE_MODEL_STATUS_UPDATED"
)

// AllTopics lists every topic the worker publishes.
var AllTopics = []string{
	TopicTestTaskUpdated,
	TopicReportStatusUpdated,
	TopicValidateDatasetStatusUpdated,
	TopicValidateModelStatusUpdated,
}

// Event is the envelope every payload travels in.
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Publisher publishes a payload under a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Bus is a Publisher that can also be subscribed to.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error)
	Close() error
}

// NewEvent wraps payload in an envelope with a fresh id.
func NewEvent(topic string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", topic, err)
	}

	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// ParseEvent decodes an envelope received from an external bus.
func ParseEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}

	if event.Topic == "" {
		return Event{}, fmt.Errorf("decoding event: missing topic")
	}

	return event, nil
}
