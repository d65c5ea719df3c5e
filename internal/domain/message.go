package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindFile, MessageKindSystem:
		return true
	}
	return false
}

// DeliveryState es el estado de entrega por destinatario. Solo avanza: sent -> delivered -> read.
type DeliveryState int

const (
	DeliverySent DeliveryState = iota + 1
	DeliveryDelivered
	DeliveryRead
)

var ErrUnknownDeliveryState = errors.New("unknown delivery state")

func (s DeliveryState) String() string {
	switch s {
	case DeliverySent:
		return "sent"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryRead:
		return "read"
	}
	return "unknown"
}

func ParseDeliveryState(raw string) (DeliveryState, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent":
		return DeliverySent, nil
	case "delivered":
		return DeliveryDelivered, nil
	case "read":
		return DeliveryRead, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDeliveryState, raw)
}

func (s DeliveryState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *DeliveryState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseDeliveryState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Attachment describe un archivo adjunto (imagen o documento) ya subido.
type Attachment struct {
	Name     string `json:"name" validate:"required"`
	MimeType string `json:"type" validate:"required"`
	Size     int64  `json:"size" validate:"gte=0"`
	URL      string `json:"url" validate:"required,url"`
}

// Message es inmutable una vez creado salvo por los estados de entrega.
type Message struct {
	ConversationID  string                   `json:"conversation_id"`
	Sequence        int64                    `json:"sequence"`
	SenderID        string                   `json:"sender_id"`
	Kind            MessageKind              `json:"kind"`
	Payload         json.RawMessage          `json:"payload,omitempty"`
	Attachment      *Attachment              `json:"attachment,omitempty"`
	ClientMessageID string                   `json:"client_message_id,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	Receipts        map[string]DeliveryState `json:"receipts,omitempty"`
}

// DedupKey identifica la entrega de un mensaje a un destinatario.
func (m Message) DedupKey(target string) string {
	return fmt.Sprintf("%s:%d:%s", m.ConversationID, m.Sequence, target)
}

// ReceiptCursor guarda las marcas de agua acumulativas de un destinatario en una conversacion.
type ReceiptCursor struct {
	ConversationID   string `json:"conversation_id"`
	Recipient        string `json:"recipient"`
	DeliveredThrough int64  `json:"delivered_through"`
	ReadThrough      int64  `json:"read_through"`
}

// StateOf calcula el estado de la secuencia dada a partir de las marcas de agua.
func (c ReceiptCursor) StateOf(sequence int64) DeliveryState {
	switch {
	case sequence <= c.ReadThrough:
		return DeliveryRead
	case sequence <= c.DeliveredThrough:
		return DeliveryDelivered
	default:
		return DeliverySent
	}
}

// Through devuelve la marca de agua asociada al estado.
func (c ReceiptCursor) Through(state DeliveryState) int64 {
	if state == DeliveryRead {
		return c.ReadThrough
	}
	return c.DeliveredThrough
}

// Receipt es una transicion de estado de un mensaje para un destinatario.
type Receipt struct {
	ConversationID string        `json:"conversation_id"`
	Sequence       int64         `json:"sequence"`
	SenderID       string        `json:"sender_id"`
	Recipient      string        `json:"recipient"`
	State          DeliveryState `json:"state"`
	At             time.Time     `json:"at"`
}
