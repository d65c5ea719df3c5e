package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"
)

var ErrConversationParticipants = errors.New("conversation needs at least two distinct participants")

// Conversation agrupa participantes y el contador de secuencia del hilo.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	LastSequence int64     `json:"last_sequence"`
	CreatedAt    time.Time `json:"created_at"`
}

// NormalizeParticipants limpia espacios y duplicados conservando el orden original.
func NormalizeParticipants(ids []string) ([]string, error) {
	cleaned := lo.Uniq(lo.FilterMap(ids, func(id string, _ int) (string, bool) {
		id = strings.TrimSpace(id)
		return id, id != ""
	}))
	if len(cleaned) < 2 {
		return nil, ErrConversationParticipants
	}
	return cleaned, nil
}

func (c Conversation) HasParticipant(userID string) bool {
	return lo.Contains(c.Participants, userID)
}

// Recipients devuelve los participantes menos el emisor.
func (c Conversation) Recipients(senderID string) []string {
	return lo.Without(c.Participants, senderID)
}
