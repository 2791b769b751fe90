package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

type EventKind string

const (
	EventDelivered EventKind = "delivered"
	EventFailed    EventKind = "failed"
	EventRead      EventKind = "read"
	EventClick     EventKind = "click"
)

// ProviderEvent is the decoded form of one inbound webhook. The provider
// reports status transitions through a "status" field and engagement events
// through an "event" field; both collapse into Kind here so downstream code
// handles a single shape.
type ProviderEvent struct {
	ProviderMessageID string
	Kind              EventKind
	FailureReason     string
	Raw               json.RawMessage
}

type webhookPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Event     string `json:"event"`
	Reason    string `json:"reason"`
}

var (
	ErrMissingMessageID = errors.New("messageId is required")
	ErrUnknownEvent     = errors.New("unknown event type")
)

// ParseProviderEvent decodes a raw webhook body. The original payload is
// preserved in Raw for the audit trail.
func ParseProviderEvent(body []byte) (ProviderEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ProviderEvent{}, err
	}
	if p.MessageID == "" {
		return ProviderEvent{}, ErrMissingMessageID
	}

	ev := ProviderEvent{
		ProviderMessageID: p.MessageID,
		Raw:               json.RawMessage(body),
	}

	switch strings.ToLower(p.Status) {
	case "delivered":
		ev.Kind = EventDelivered
		return ev, nil
	case "failed":
		ev.Kind = EventFailed
		ev.FailureReason = p.Reason
		return ev, nil
	}

	switch strings.ToLower(p.Event) {
	case "read":
		ev.Kind = EventRead
		return ev, nil
	case "click":
		ev.Kind = EventClick
		return ev, nil
	}

	return ProviderEvent{}, ErrUnknownEvent
}
