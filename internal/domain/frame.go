package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	FrameMessage      = "message"
	FrameTyping       = "typing"
	FrameAck          = "ack"
	FrameResume       = "resume"
	FramePing         = "ping"
	FramePong         = "pong"
	FramePresence     = "presence"
	FrameReceipt      = "receipt"
	FrameNotification = "notification"
	FrameError        = "error"
)

var ErrInvalidFrame = errors.New("invalid frame")

// ResumeCursor es la ultima secuencia procesada por el cliente en una conversacion.
type ResumeCursor struct {
	ID           string `json:"id" validate:"required"`
	LastSequence int64  `json:"lastSequence" validate:"gte=0"`
}

// InboundFrame es cualquier frame JSON que envia el cliente por el WebSocket.
type InboundFrame struct {
	Type            string          `json:"type" validate:"required,oneof=message typing ack resume ping"`
	ConversationID  string          `json:"conversationId,omitempty"`
	Kind            MessageKind     `json:"kind,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Attachment      *Attachment     `json:"attachment,omitempty" validate:"omitempty"`
	ClientMessageID string          `json:"clientMessageId,omitempty" validate:"max=128"`
	IsTyping        bool            `json:"isTyping,omitempty"`
	Sequence        int64           `json:"sequence,omitempty" validate:"gte=0"`
	State           string          `json:"state,omitempty"`
	Conversations   []ResumeCursor  `json:"conversations,omitempty" validate:"dive"`
}

// CheckShape valida los campos que dependen del tipo de frame.
func (f InboundFrame) CheckShape() error {
	switch f.Type {
	case FrameMessage:
		if strings.TrimSpace(f.ConversationID) == "" {
			return fmt.Errorf("%w: conversationId required", ErrInvalidFrame)
		}
		if !f.Kind.Valid() {
			return fmt.Errorf("%w: unknown kind %q", ErrInvalidFrame, f.Kind)
		}
	case FrameTyping:
		if strings.TrimSpace(f.ConversationID) == "" {
			return fmt.Errorf("%w: conversationId required", ErrInvalidFrame)
		}
	case FrameAck:
		if strings.TrimSpace(f.ConversationID) == "" || f.Sequence <= 0 {
			return fmt.Errorf("%w: conversationId and sequence required", ErrInvalidFrame)
		}
		state, err := ParseDeliveryState(f.State)
		if err != nil || state == DeliverySent {
			return fmt.Errorf("%w: state must be delivered or read", ErrInvalidFrame)
		}
	case FrameResume, FramePing:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
	return nil
}

// OutboundFrame es el frame JSON que el servidor empuja al cliente.
type OutboundFrame struct {
	Type            string          `json:"type"`
	ConversationID  string          `json:"conversationId,omitempty"`
	Sequence        int64           `json:"sequence,omitempty"`
	Sender          string          `json:"sender,omitempty"`
	Kind            MessageKind     `json:"kind,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Attachment      *Attachment     `json:"attachment,omitempty"`
	CreatedAt       *time.Time      `json:"createdAt,omitempty"`
	Identity        string          `json:"identity,omitempty"`
	Online          *bool           `json:"online,omitempty"`
	Typing          *bool           `json:"typing,omitempty"`
	Recipient       string          `json:"recipient,omitempty"`
	State           string          `json:"state,omitempty"`
	Event           *DomainEvent    `json:"event,omitempty"`
	NotificationID  string          `json:"notificationId,omitempty"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
	Code            string          `json:"code,omitempty"`
	Error           string          `json:"error,omitempty"`
}

func MessageFrame(m Message) OutboundFrame {
	createdAt := m.CreatedAt
	return OutboundFrame{
		Type:           FrameMessage,
		ConversationID: m.ConversationID,
		Sequence:       m.Sequence,
		Sender:         m.SenderID,
		Kind:           m.Kind,
		Payload:        m.Payload,
		Attachment:     m.Attachment,
		CreatedAt:      &createdAt,
	}
}

func PresenceFrame(r PresenceRecord) OutboundFrame {
	online, typing := r.Online, r.Typing
	return OutboundFrame{
		Type:           FramePresence,
		Identity:       r.Identity,
		Online:         &online,
		Typing:         &typing,
		ConversationID: r.ConversationID,
	}
}

func ReceiptFrame(r Receipt) OutboundFrame {
	return OutboundFrame{
		Type:           FrameReceipt,
		ConversationID: r.ConversationID,
		Sequence:       r.Sequence,
		Recipient:      r.Recipient,
		State:          r.State.String(),
	}
}

func NotificationFrame(n NotificationRecord) OutboundFrame {
	event := n.Event()
	return OutboundFrame{Type: FrameNotification, Event: &event, NotificationID: n.ID}
}

// EventFrame notifica un evento de dominio en vivo, sin registro asociado todavia.
func EventFrame(e DomainEvent) OutboundFrame {
	return OutboundFrame{Type: FrameNotification, Event: &e}
}

func AckFrame(m Message) OutboundFrame {
	return OutboundFrame{
		Type:            FrameAck,
		ConversationID:  m.ConversationID,
		Sequence:        m.Sequence,
		ClientMessageID: m.ClientMessageID,
		State:           DeliverySent.String(),
	}
}

func ErrorFrame(code string, err error, clientMessageID string) OutboundFrame {
	return OutboundFrame{Type: FrameError, Code: code, Error: err.Error(), ClientMessageID: clientMessageID}
}

func PongFrame() OutboundFrame {
	return OutboundFrame{Type: FramePong}
}
