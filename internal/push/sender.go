package push

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrDisabled = errors.New("push sender disabled")

// Payload es lo que se entrega fuera de banda a un destinatario desconectado.
type Payload struct {
	Recipient      string          `json:"recipient"`
	NotificationID string          `json:"notificationId"`
	EventID        string          `json:"eventId"`
	Topic          string          `json:"topic"`
	Data           json.RawMessage `json:"data,omitempty"`
	Badge          int             `json:"badge"`
}

// Sender define la interfaz para el envío de notificaciones push.
type Sender interface {
	Send(ctx context.Context, payload Payload) error
}

type disabledSender struct {
	reason string
}

func NewDisabledSender(reason string) Sender {
	return &disabledSender{reason: reason}
}

func (s *disabledSender) Send(_ context.Context, _ Payload) error {
	if s.reason == "" {
		return ErrDisabled
	}
	return errors.New(s.reason)
}

// IsDisabled indica si el error viene de un sender deshabilitado.
func IsDisabled(s Sender) bool {
	_, ok := s.(*disabledSender)
	return ok
}
