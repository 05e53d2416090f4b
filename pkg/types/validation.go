package types

import (
	"encoding/json"
	"regexp"
)

// Regexes compiled once at package init for high-frequency validation.
var (
	classroomCodeRegex = regexp.MustCompile(`^[A-Z2-9]{6}$`)
	bcp47Regex         = regexp.MustCompile(`^[a-zA-Z]{2,3}(-[a-zA-Z0-9]{1,8})*$`)
	ambiguousChars      = regexp.MustCompile(`[0O1I]`)
)

// MaxPayloadBytes is the inbound frame size ceiling (§4.1): frames larger
// than this are rejected with error.payload_too_large.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// IsValidClassroomCode reports whether code is six characters drawn from
// the unambiguous alphabet A-Z minus O,I plus digits 2-9. Input comparisons
// are case-insensitive; callers should uppercase before calling Validate.
func IsValidClassroomCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	if ambiguousChars.MatchString(code) {
		return false
	}
	return classroomCodeRegex.MatchString(code)
}

// IsValidLanguageTag performs a light BCP-47-shaped check (e.g. "en-US",
// "es", "pt-BR"). It does not validate against the IANA subtag registry.
func IsValidLanguageTag(tag string) bool {
	if tag == "" {
		return false
	}
	return bcp47Regex.MatchString(tag)
}

// Validate checks session invariants that are cheap to assert eagerly;
// the stateful invariants (§3 invariants 1-6) are enforced by the registry
// and lifecycle controller, not here.
func (s *Session) Validate() error {
	if s.ID == "" {
		return ErrInvalidSessionID
	}
	if !IsValidClassroomCode(s.ClassroomCode) {
		return ErrInvalidClassroomCode
	}
	if !IsValidLanguageTag(s.TeacherLanguage) {
		return ErrInvalidLanguageTag
	}
	return nil
}

// ValidateRole reports whether role is one of the two recognized roles.
func ValidateRole(role string) bool {
	return role == RoleTeacher || role == RoleStudent
}

// ValidateContentSize marshals content and rejects payloads over the 64KB
// ceiling carried forward from the reference message-content validation.
func ValidateContentSize(content map[string]interface{}) error {
	b, err := json.Marshal(content)
	if err != nil {
		return ErrInvalidContent
	}
	if len(b) > 65536 {
		return ErrContentTooLarge
	}
	return nil
}

// IsValidMessageType reports whether msgType is a recognized inbound wire
// envelope type.
func IsValidMessageType(msgType string) bool {
	switch msgType {
	case MessageTypeRegister,
		MessageTypeTranscription,
		MessageTypeAudio,
		MessageTypeLanguageChange,
		MessageTypePing,
		MessageTypeStudentPTT,
		MessageTypeStudentSend:
		return true
	default:
		return false
	}
}
