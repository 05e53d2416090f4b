// Package mock provides a deterministic stt.Provider. It doubles as the
// relay's default runtime provider when no real speech-recognition backend
// is configured, and as a test double that records every call it receives.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.StartStream(ctx, "en")
//	_ = handle.SendChunk([]byte("..."), true, true)
//	ev := <-handle.Events()
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"relay/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx        context.Context
	SourceLang string
}

// Provider is a deterministic mock implementation of stt.Provider. Each
// SendChunk call with isFinal=true emits one TranscriptionEvent whose text
// is clearly marked as fake output rather than a genuine transcription.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

func (p *Provider) StartStream(ctx context.Context, sourceLang string) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, SourceLang: sourceLang})
	err := p.StartStreamErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return newSession(sourceLang), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

var _ stt.Provider = (*Provider)(nil)

// Session is the mock stt.SessionHandle: every final chunk produces one
// synthetic transcription event immediately, with no real speech
// recognition performed.
type Session struct {
	sourceLang string
	seq        atomic.Int64
	events     chan stt.TranscriptionEvent
	errSlot    atomic.Pointer[error]
	closeOnce  sync.Once
}

func newSession(sourceLang string) *Session {
	return &Session{
		sourceLang: sourceLang,
		events:     make(chan stt.TranscriptionEvent, 16),
	}
}

// SendChunk ignores the audio payload and, on a final chunk, emits a
// deterministic fake transcription event derived from the chunk's ordinal.
func (s *Session) SendChunk(chunk []byte, isFirstChunk, isFinalChunk bool) error {
	n := s.seq.Add(1)
	if !isFinalChunk {
		return nil
	}
	select {
	case s.events <- stt.TranscriptionEvent{
		Text:       fmt.Sprintf("[mock-stt utterance %d, %d bytes, lang=%s]", n, len(chunk), s.sourceLang),
		IsFinal:    true,
		Confidence: 1.0,
	}:
	default:
	}
	return nil
}

func (s *Session) Events() <-chan stt.TranscriptionEvent { return s.events }

func (s *Session) Err() error {
	p := s.errSlot.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

var _ stt.SessionHandle = (*Session)(nil)
