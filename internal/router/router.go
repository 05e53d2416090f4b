// Package router implements the Message Router (§4.5): it decodes each
// inbound envelope type, enforces that envelope's role/session
// preconditions, and either mutates registry state directly (register,
// language.change, ping) or hands off to the Translation Pipeline
// Orchestrator (finalized transcription) and the STT provider (audio
// chunks).
package router

import (
	"context"
	"encoding/base64"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/codes"
	"relay/internal/gateway"
	"relay/internal/session"
	"relay/pkg/provider/stt"
	"relay/pkg/types"
)

// Orchestrator is the Translation Pipeline Orchestrator's contract as seen
// by the router (§4.6). Declared here, not in the orchestrator package,
// since the orchestrator needs the concrete *gateway.Connection type for
// fan-out and must not import back into router.
type Orchestrator interface {
	// SubmitUtterance kicks off §4.6's per-target-language translation fan-out
	// for a freshly finalized utterance.
	SubmitUtterance(sess *types.Session, utt types.Utterance)

	// StudentLanguageChanged re-evaluates which in-flight translations a
	// student should receive after switching target language mid-session.
	StudentLanguageChanged(sessionID, connectionID, newLang string)

	// StudentLeft cancels any in-flight job whose last subscriber just
	// disconnected.
	StudentLeft(sessionID, connectionID string)

	// SessionExpired cancels every outstanding job for sessionID.
	SessionExpired(sessionID string)
}

// Features gates envelope types behind configuration (§6.4).
type Features struct {
	TwoWay bool
}

// audioStream is the router's bookkeeping for one teacher connection's open
// STT session, keyed by connectionID.
type audioStream struct {
	handle stt.SessionHandle
	cancel context.CancelFunc
	manual bool
}

// Router is the Connection Gateway's internal/gateway.Router implementation.
type Router struct {
	index        *gateway.ConnectionIndex
	sessions     *session.Manager
	allocator    *codes.Allocator
	orchestrator Orchestrator
	stt          stt.Provider
	features     Features
	limiter      *RateLimiter

	mu            sync.Mutex
	interimBuffer map[string]string       // sessionID -> buffered non-final text
	audio         map[string]*audioStream // connectionID -> open STT stream
	recentUtt     map[string]recentUtterance // sessionID -> last finalized utterance
}

// recentUtteranceTTL bounds how long a finalized utterance's ID is reused
// for an identical resend (a network retry re-delivering the same final
// chunk), rather than minted fresh. Kept short since genuine repeated
// speech within a classroom session is expected and must get its own ID.
const recentUtteranceTTL = 3 * time.Second

// recentUtterance records the last utterance finalized for a session, so a
// literal duplicate resend within recentUtteranceTTL reuses its ID instead
// of being treated as new speech.
type recentUtterance struct {
	text string
	id   string
	at   time.Time
}

func New(index *gateway.ConnectionIndex, sessions *session.Manager, allocator *codes.Allocator, orchestrator Orchestrator, sttProvider stt.Provider, features Features) *Router {
	return &Router{
		index:         index,
		sessions:      sessions,
		allocator:     allocator,
		orchestrator:  orchestrator,
		stt:           sttProvider,
		features:      features,
		limiter:       NewRateLimiter(),
		interimBuffer: make(map[string]string),
		audio:         make(map[string]*audioStream),
		recentUtt:     make(map[string]recentUtterance),
	}
}

// utteranceIDFor returns the ID to use for a just-finalized utterance with
// the given text: a fresh UUID, unless the same text was finalized for this
// session within recentUtteranceTTL, in which case that utterance's ID is
// reused so a duplicate resend doesn't fan out as a second translation.
func (r *Router) utteranceIDFor(sessionID, text string, now time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.recentUtt[sessionID]; ok && prev.text == text && now.Sub(prev.at) < recentUtteranceTTL {
		r.recentUtt[sessionID] = recentUtterance{text: text, id: prev.id, at: now}
		return prev.id
	}

	id := uuid.New().String()
	r.recentUtt[sessionID] = recentUtterance{text: text, id: id, at: now}
	return id
}

// Dispatch implements gateway.Router. It never panics on malformed input:
// every field access is defensive, and a handler that cannot make sense of
// raw replies with error.invalid_frame rather than failing the read pump.
func (r *Router) Dispatch(conn *gateway.Connection, raw map[string]interface{}) {
	now := time.Now()

	msgType, _ := raw["type"].(string)
	if msgType == "" {
		r.sendError(conn, "invalid_frame", "missing type field", false)
		return
	}

	if conn.IsAuthenticated() && !r.limiter.Allow(conn.ID, now) {
		r.sendError(conn, "capacity", "rate limit exceeded", false)
		return
	}

	switch msgType {
	case types.MessageTypeRegister:
		r.handleRegister(conn, raw, now)
	case types.MessageTypeTranscription:
		r.handleTranscription(conn, raw, now)
	case types.MessageTypeAudio:
		r.handleAudio(conn, raw, now)
	case types.MessageTypeLanguageChange:
		r.handleLanguageChange(conn, raw, now)
	case types.MessageTypePing:
		_ = conn.Send(types.MessageTypePong, map[string]interface{}{"type": types.MessageTypePong})
	case types.MessageTypeStudentPTT, types.MessageTypeStudentSend:
		r.handleStudentAsk(conn, raw, msgType)
	default:
		r.sendError(conn, "unknown_type", "unrecognized message type: "+msgType, false)
	}
}

// HandleDisconnect implements gateway.Router, applying §4.3's
// teacher-disconnect/student-departure rules and releasing any open STT
// stream the connection owned.
func (r *Router) HandleDisconnect(conn *gateway.Connection) {
	now := time.Now()
	r.limiter.Forget(conn.ID)
	r.closeAudioStream(conn.ID)

	if !conn.IsAuthenticated() {
		return
	}

	sessionID := conn.SessionID()
	switch conn.Role() {
	case types.RoleTeacher:
		r.sessions.TeacherDisconnected(sessionID, now)
	case types.RoleStudent:
		r.sessions.RemoveStudent(sessionID, conn.ID, now)
		r.orchestrator.StudentLeft(sessionID, conn.ID)
	}
}

func (r *Router) handleRegister(conn *gateway.Connection, raw map[string]interface{}, now time.Time) {
	role, _ := raw["role"].(string)
	if role == "" {
		role = conn.Role()
	}
	languageCode, _ := raw["languageCode"].(string)
	if languageCode == "" {
		languageCode = conn.TargetLanguage()
	}

	if !types.ValidateRole(role) || !types.IsValidLanguageTag(languageCode) {
		r.sendError(conn, "invalid_frame", "role and languageCode are required", true)
		return
	}

	switch role {
	case types.RoleTeacher:
		r.registerTeacher(conn, raw, languageCode, now)
	case types.RoleStudent:
		r.registerStudent(conn, raw, languageCode, now)
	}
}

func (r *Router) registerTeacher(conn *gateway.Connection, raw map[string]interface{}, languageCode string, now time.Time) {
	token, _ := raw["token"].(string)
	if token == "" {
		r.sendError(conn, "auth_required", "teacher registration requires a token", true)
		return
	}

	newID := uuid.New().String()
	allocate := func(sessionID string) (string, error) {
		return r.allocator.Allocate(sessionID, now)
	}
	codeValid := func(code string, at time.Time) bool {
		_, err := r.allocator.Resolve(code, at)
		return err == nil
	}

	sess, resumed, err := r.sessions.CreateOrResume(token, languageCode, newID, allocate, codeValid, now)
	if err != nil {
		r.sendError(conn, "capacity", err.Error(), true)
		return
	}
	if resumed {
		r.allocator.Rotate(sess.ClassroomCode, now)
	}

	conn.SetCredentials(token, types.RoleTeacher, sess.ID, languageCode)
	if err := r.index.Register(conn); err != nil {
		log.Printf("router: failed to register teacher connection %s: %v", conn.ID, err)
	}

	_ = conn.Send(types.MessageTypeConnection, map[string]interface{}{
		"type":          types.MessageTypeConnection,
		"sessionId":     sess.ID,
		"role":          types.RoleTeacher,
		"languageCode":  languageCode,
		"classroomCode": sess.ClassroomCode,
		"resumed":       resumed,
	})
	_ = conn.Send(types.MessageTypeRegister, map[string]interface{}{
		"type":   types.MessageTypeRegister,
		"status": "ok",
		"data":   map[string]interface{}{"role": types.RoleTeacher, "languageCode": languageCode},
	})
}

func (r *Router) registerStudent(conn *gateway.Connection, raw map[string]interface{}, languageCode string, now time.Time) {
	code, _ := raw["classroomCode"].(string)
	code = normalizeClassroomCode(code)
	if !types.IsValidClassroomCode(code) {
		r.sendError(conn, "classroom_invalid", "classroomCode is missing or malformed", true)
		return
	}

	sessionID, err := r.allocator.Resolve(code, now)
	if err != nil {
		switch err {
		case codes.ErrCodeExpired:
			r.sendError(conn, "classroom_expired", "classroom code has expired", true)
		default:
			r.sendError(conn, "classroom_invalid", "classroom code not found", true)
		}
		return
	}

	sess, ok := r.sessions.Get(sessionID)
	if !ok || sess.GetState() != types.SessionActive {
		r.sendError(conn, "classroom_expired", "session is no longer active", true)
		return
	}

	ttsPref, _ := raw["ttsPreference"].(string)
	if ttsPref == "" {
		ttsPref = types.TTSSynthesized
	}

	sub := &types.StudentSubscription{
		ConnectionID:   conn.ID,
		SessionID:      sess.ID,
		TargetLanguage: languageCode,
		TTSPreference:  ttsPref,
		JoinedAt:       now,
	}
	r.sessions.AddStudent(sess.ID, sub)

	conn.SetCredentials(conn.ID, types.RoleStudent, sess.ID, languageCode)
	if err := r.index.Register(conn); err != nil {
		log.Printf("router: failed to register student connection %s: %v", conn.ID, err)
	}

	_ = conn.Send(types.MessageTypeConnection, map[string]interface{}{
		"type":         types.MessageTypeConnection,
		"sessionId":    sess.ID,
		"role":         types.RoleStudent,
		"languageCode": languageCode,
	})
	_ = conn.Send(types.MessageTypeRegister, map[string]interface{}{
		"type":   types.MessageTypeRegister,
		"status": "ok",
		"data":   map[string]interface{}{"role": types.RoleStudent, "languageCode": languageCode},
	})
}

func (r *Router) handleTranscription(conn *gateway.Connection, raw map[string]interface{}, now time.Time) {
	if !r.requireTeacherInActiveSession(conn) {
		return
	}
	sess, _ := r.sessions.Get(conn.SessionID())

	text, _ := raw["text"].(string)
	isFinal, _ := raw["isFinal"].(bool)

	if !isFinal {
		r.mu.Lock()
		r.interimBuffer[sess.ID] = text
		r.mu.Unlock()
		r.sessions.Touch(sess.ID, now)
		return
	}

	r.mu.Lock()
	delete(r.interimBuffer, sess.ID)
	r.mu.Unlock()

	utt := types.Utterance{
		ID:         r.utteranceIDFor(sess.ID, text, now),
		SessionID:  sess.ID,
		SourceText: text,
		SourceLang: sess.TeacherLanguage,
		CreatedAt:  now,
	}
	r.sessions.Touch(sess.ID, now)
	r.orchestrator.SubmitUtterance(sess, utt)
}

// handleAudio forwards base64 chunks to an open (or newly opened) STT
// stream for the connection, per §4.5's audio handler.
func (r *Router) handleAudio(conn *gateway.Connection, raw map[string]interface{}, now time.Time) {
	if !r.requireTeacherInActiveSession(conn) {
		return
	}
	sess, _ := r.sessions.Get(conn.SessionID())

	dataB64, _ := raw["data"].(string)
	isFirst, _ := raw["isFirstChunk"].(bool)
	isFinal, _ := raw["isFinalChunk"].(bool)
	manual, _ := raw["manual"].(bool)
	lang, _ := raw["language"].(string)
	if lang == "" {
		lang = sess.TeacherLanguage
	}

	chunk, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		r.sendError(conn, "invalid_frame", "audio data is not valid base64", false)
		return
	}

	as, err := r.audioStreamFor(conn, lang, isFirst, manual)
	if err != nil {
		r.sendError(conn, "stt_failed", err.Error(), false)
		return
	}

	if err := as.handle.SendChunk(chunk, isFirst, isFinal); err != nil {
		r.sendError(conn, "stt_failed", err.Error(), false)
		r.closeAudioStream(conn.ID)
		return
	}

	r.sessions.Touch(sess.ID, now)

	if isFinal {
		r.closeAudioStream(conn.ID)
	}
}

func (r *Router) audioStreamFor(conn *gateway.Connection, lang string, isFirst, manual bool) (*audioStream, error) {
	r.mu.Lock()
	if as, ok := r.audio[conn.ID]; ok {
		r.mu.Unlock()
		return as, nil
	}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	handle, err := r.stt.StartStream(ctx, lang)
	if err != nil {
		cancel()
		return nil, err
	}
	as := &audioStream{handle: handle, cancel: cancel, manual: manual}

	r.mu.Lock()
	r.audio[conn.ID] = as
	r.mu.Unlock()

	go r.consumeTranscriptionEvents(conn, as)
	return as, nil
}

// consumeTranscriptionEvents drains one STT stream's events, finalizing
// utterances the same way a transcription envelope would. manual=true
// treats every event as final on receipt (§4.5: "no speculative
// processing; treat as final on receipt").
func (r *Router) consumeTranscriptionEvents(conn *gateway.Connection, as *audioStream) {
	for ev := range as.handle.Events() {
		sess, ok := r.sessions.Get(conn.SessionID())
		if !ok {
			continue
		}
		now := time.Now()
		isFinal := ev.IsFinal || as.manual

		if !isFinal {
			r.mu.Lock()
			r.interimBuffer[sess.ID] = ev.Text
			r.mu.Unlock()
			r.sessions.Touch(sess.ID, now)
			continue
		}

		r.mu.Lock()
		delete(r.interimBuffer, sess.ID)
		r.mu.Unlock()

		utt := types.Utterance{
			ID:         r.utteranceIDFor(sess.ID, ev.Text, now),
			SessionID:  sess.ID,
			SourceText: ev.Text,
			SourceLang: sess.TeacherLanguage,
			CreatedAt:  now,
		}
		r.sessions.Touch(sess.ID, now)
		r.orchestrator.SubmitUtterance(sess, utt)
	}
	if err := as.handle.Err(); err != nil {
		log.Printf("router: stt stream for %s ended with error: %v", conn.ID, err)
	}
}

func (r *Router) closeAudioStream(connectionID string) {
	r.mu.Lock()
	as, ok := r.audio[connectionID]
	if ok {
		delete(r.audio, connectionID)
	}
	r.mu.Unlock()
	if ok {
		as.cancel()
		_ = as.handle.Close()
	}
}

func (r *Router) handleLanguageChange(conn *gateway.Connection, raw map[string]interface{}, now time.Time) {
	if !conn.IsAuthenticated() {
		r.sendError(conn, "auth_required", "connection is not registered", false)
		return
	}
	lang, _ := raw["languageCode"].(string)
	if !types.IsValidLanguageTag(lang) {
		r.sendError(conn, "invalid_frame", "languageCode is malformed", false)
		return
	}

	conn.SetTargetLanguage(lang)
	sessionID := conn.SessionID()

	if conn.Role() == types.RoleStudent {
		if sess, ok := r.sessions.Get(sessionID); ok {
			sess.SetStudentLanguage(conn.ID, lang)
			r.sessions.Touch(sessionID, now)
		}
		r.orchestrator.StudentLanguageChanged(sessionID, conn.ID, lang)
	}
}

// handleStudentAsk implements the feature-gated two-way ask channel
// (§4.5; the Open Question on translation-vs-verbatim is resolved in
// SPEC_FULL.md: forward verbatim, no translation into the teacher's
// language).
func (r *Router) handleStudentAsk(conn *gateway.Connection, raw map[string]interface{}, msgType string) {
	if !r.features.TwoWay {
		r.sendError(conn, "unknown_type", "two-way ask channel is disabled", false)
		return
	}
	if !conn.IsAuthenticated() || conn.Role() != types.RoleStudent {
		r.sendError(conn, "role_forbidden", "only students may use the ask channel", false)
		return
	}

	teacher, ok := r.index.Teacher(conn.SessionID())
	if !ok {
		return // teacher not currently connected; question is dropped, not queued
	}

	_ = teacher.Send(types.MessageTypeStudentQuestion, map[string]interface{}{
		"type":         types.MessageTypeStudentQuestion,
		"sessionId":    conn.SessionID(),
		"connectionId": conn.ID,
		"sourceType":   msgType,
		"content":      raw["text"],
	})
}

func (r *Router) requireTeacherInActiveSession(conn *gateway.Connection) bool {
	if !conn.IsAuthenticated() || conn.Role() != types.RoleTeacher {
		r.sendError(conn, "role_forbidden", "teacher-only operation", false)
		return false
	}
	sess, ok := r.sessions.Get(conn.SessionID())
	if !ok || sess.GetState() != types.SessionActive {
		r.sendError(conn, "session_expired", "session is no longer active", false)
		return false
	}
	return true
}

func (r *Router) sendError(conn *gateway.Connection, code, message string, close bool) {
	_ = conn.Send(types.MessageTypeError, map[string]interface{}{
		"type":    types.MessageTypeError,
		"code":    code,
		"message": message,
	})
	if close {
		_ = conn.Close()
	}
}

func normalizeClassroomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
