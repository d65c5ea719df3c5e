package domain

import "time"

// PresenceRecord es efimero: se reconstruye con las reconexiones y nunca es fuente de verdad.
type PresenceRecord struct {
	Identity       string    `json:"identity"`
	Online         bool      `json:"online"`
	Typing         bool      `json:"typing"`
	ConversationID string    `json:"conversation_id,omitempty"`
	LastSeen       time.Time `json:"last_seen"`
	InstanceID     string    `json:"instance_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OfflineRecord es lo que se responde para identidades desconocidas.
func OfflineRecord(identity string) PresenceRecord {
	return PresenceRecord{Identity: identity}
}
