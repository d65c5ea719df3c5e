package domain

import (
	"encoding/json"
	"time"
)

type NotificationState string

const (
	NotificationPending       NotificationState = "pending"
	NotificationDeliveredLive NotificationState = "delivered_live"
	NotificationQueued        NotificationState = "queued"
	NotificationSurfaced      NotificationState = "surfaced"
	NotificationAcknowledged  NotificationState = "acknowledged"
)

var notificationTransitions = map[NotificationState][]NotificationState{
	NotificationPending:       {NotificationDeliveredLive, NotificationQueued},
	NotificationQueued:        {NotificationSurfaced, NotificationAcknowledged},
	NotificationSurfaced:      {NotificationAcknowledged},
	NotificationDeliveredLive: {NotificationAcknowledged},
}

// CanTransition aplica la maquina de estados; nunca se retrocede.
func (s NotificationState) CanTransition(to NotificationState) bool {
	for _, next := range notificationTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// NotificationRecord es unico por (EventID, Recipient).
type NotificationRecord struct {
	ID             string            `json:"id"`
	Recipient      string            `json:"recipient"`
	EventID        string            `json:"event_id"`
	Topic          string            `json:"topic"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	State          NotificationState `json:"state"`
	Read           bool              `json:"read"`
	CreatedAt      time.Time         `json:"created_at"`
	SurfacedAt     *time.Time        `json:"surfaced_at,omitempty"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
}

// Event reconstruye el evento de dominio que origino la notificacion.
func (n NotificationRecord) Event() DomainEvent {
	return DomainEvent{ID: n.EventID, Topic: n.Topic, Payload: n.Payload, PublishedAt: n.CreatedAt}
}
