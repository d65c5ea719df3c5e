package service

import "errors"

var (
	ErrNotParticipant      = errors.New("identity is not a participant of the conversation")
	ErrConversationMissing = errors.New("conversation not found")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrSequenceOutOfRange  = errors.New("sequence beyond last appended message")
	ErrRateLimited         = errors.New("rate limited")
	ErrNotificationMissing = errors.New("notification not found")
	ErrInternalTopic       = errors.New("topic reserved for internal fan-out")
	ErrInvalidTransition   = errors.New("invalid notification state transition")
)
