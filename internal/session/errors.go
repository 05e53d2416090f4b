package session

import "errors"

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionNotActive   = errors.New("session is not active")
	ErrClassroomInvalid   = errors.New("classroom code does not resolve to a session")
	ErrClassroomExpired   = errors.New("classroom code has expired")
	ErrCapacitySessions   = errors.New("maximum session count reached")
	ErrNotTeacherOfSession = errors.New("connection is not the teacher of this session")
)
