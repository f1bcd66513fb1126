package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/calderapay/fraudflow-backend/pkg/config"
	"github.com/calderapay/fraudflow-backend/pkg/db/models"
	"github.com/calderapay/fraudflow-backend/pkg/enums"
	"github.com/calderapay/fraudflow-backend/pkg/outbox"
	"github.com/calderapay/fraudflow-backend/pkg/outbox/payloads"
)

// EventDescriptor links an event type to its destination topic and payload
// schema.
type EventDescriptor struct {
	EventType      enums.OutboxEventType
	Topic          string
	PayloadFactory func() interface{}
}

// ResolvedEvent is the result of decoding an outbox row.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    interface{}
}

// ErrUnregisteredType marks rows whose event type has no descriptor. The
// publisher must skip such rows and leave them unpublished for investigation
// rather than poisoning or crashing.
var ErrUnregisteredType = errors.New("event type not registered")

// NonRetryableError signals the publisher should stop retrying a row.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// EventRegistry maps each event type this system publishes to its descriptor.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NewEventRegistry builds the registry with the configured topic names.
// FraudCheckCompleted and FraudCheckTimeoutExpired are consumed, never
// published through the outbox, so they are deliberately absent.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.TransactionsTopic == "" {
		return nil, fmt.Errorf("transactions topic is required")
	}
	if cfg.FraudRequestsTopic == "" {
		return nil, fmt.Errorf("fraud requests topic is required")
	}
	if cfg.OutcomesTopic == "" {
		return nil, fmt.Errorf("outcomes topic is required")
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor)}
	for _, desc := range []EventDescriptor{
		{
			EventType:      enums.EventTransactionCreated,
			Topic:          cfg.TransactionsTopic,
			PayloadFactory: func() interface{} { return &payloads.TransactionCreatedEvent{} },
		},
		{
			EventType:      enums.EventFraudCheckRequested,
			Topic:          cfg.FraudRequestsTopic,
			PayloadFactory: func() interface{} { return &payloads.FraudCheckRequestedEvent{} },
		},
		{
			EventType:      enums.EventTransactionApproved,
			Topic:          cfg.OutcomesTopic,
			PayloadFactory: func() interface{} { return &payloads.TransactionApprovedEvent{} },
		},
		{
			EventType:      enums.EventTransactionRejected,
			Topic:          cfg.OutcomesTopic,
			PayloadFactory: func() interface{} { return &payloads.TransactionRejectedEvent{} },
		},
	} {
		reg.register(desc)
	}
	return reg, nil
}

func (r *EventRegistry) register(desc EventDescriptor) {
	if desc.PayloadFactory == nil {
		return
	}
	r.entries[desc.EventType] = desc
}

// Resolve validates the row and decodes its typed payload.
func (r *EventRegistry) Resolve(message models.OutboxMessage) (*ResolvedEvent, error) {
	desc, ok := r.entries[message.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredType, message.EventType)
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(message.Payload, &envelope); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode envelope: %w", err))
	}
	if envelope.EventID == "" {
		return nil, NewNonRetryableError(fmt.Errorf("envelope missing event id"))
	}

	trimmed := bytes.TrimSpace(envelope.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", message.EventType))
	}

	payload := desc.PayloadFactory()
	if payload == nil {
		return nil, NewNonRetryableError(fmt.Errorf("payload factory returned nil for %s", message.EventType))
	}
	if err := json.Unmarshal(envelope.Data, payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode payload for %s: %w", message.EventType, err))
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Envelope:   envelope,
		Payload:    payload,
	}, nil
}
