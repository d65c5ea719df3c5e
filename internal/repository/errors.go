package repository

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrSequenceConflict indica que otro escritor ya ocupo la secuencia pedida.
	ErrSequenceConflict = errors.New("sequence conflict")
	ErrDuplicate        = errors.New("duplicate record")
)

// Store agrupa los repositorios del colaborador de almacenamiento.
type Store struct {
	Conversations ConversationRepository
	Messages      MessageRepository
	Receipts      ReceiptRepository
	Notifications NotificationRepository
	close         func() error
}

func (s Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Pinger lo implementan los backends que pueden verificar conectividad.
type Pinger interface {
	Ping(ctx context.Context) error
}
