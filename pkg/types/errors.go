package types

import "errors"

var (
	ErrInvalidSessionID     = errors.New("session ID must not be empty")
	ErrInvalidClassroomCode = errors.New("classroom code must be six characters from the unambiguous alphabet")
	ErrInvalidLanguageTag   = errors.New("language tag must be a BCP-47-shaped value")
	ErrInvalidMessageType   = errors.New("invalid message type")
	ErrInvalidContent       = errors.New("invalid JSON content")
	ErrContentTooLarge      = errors.New("message content exceeds 64KB limit")
)
