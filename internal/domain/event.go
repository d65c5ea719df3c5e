package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

const (
	TopicBidCreated         = "bid.created"
	TopicBidAccepted        = "bid.accepted"
	TopicAgreementMilestone = "agreement.milestone"

	// Topicos internos para el fan-out entre instancias.
	TopicChatMessage  = "chat.message"
	TopicChatReceipt  = "chat.receipt"
	TopicChatPresence = "chat.presence"

	internalTopicPrefix = "chat."
)

// DomainEvent es append-only; los consumidores nunca lo modifican.
type DomainEvent struct {
	ID          string          `json:"eventId"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ProducerID  string          `json:"producerId,omitempty"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// IsInternalTopic indica si el topico esta reservado al fan-out del chat.
func IsInternalTopic(topic string) bool {
	return strings.HasPrefix(topic, internalTopicPrefix)
}

// Recipients extrae destinatarios del payload opaco: "recipients" (lista) o "recipient_id".
func (e DomainEvent) Recipients() []string {
	if len(e.Payload) == 0 {
		return nil
	}
	var body struct {
		Recipients  []string `json:"recipients"`
		RecipientID string   `json:"recipient_id"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return nil
	}
	all := append(body.Recipients, body.RecipientID)
	return lo.Uniq(lo.FilterMap(all, func(id string, _ int) (string, bool) {
		id = strings.TrimSpace(id)
		return id, id != ""
	}))
}

// ChatMessageEventID es el id determinista del evento de notificacion de un mensaje.
func ChatMessageEventID(conversationID string, sequence int64) string {
	return fmt.Sprintf("%s:%s:%d", TopicChatMessage, conversationID, sequence)
}

// RoutedDelivery es el sobre publicado en el bus para completar una entrega en otra instancia.
type RoutedDelivery struct {
	TargetIdentity string        `json:"targetIdentity"`
	TargetInstance string        `json:"targetInstance"`
	DedupKey       string        `json:"dedupKey"`
	Fallback       bool          `json:"fallback,omitempty"`
	Frame          OutboundFrame `json:"frame"`
}
