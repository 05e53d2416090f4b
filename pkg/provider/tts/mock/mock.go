// Package mock provides a deterministic tts.Provider: it doubles as the
// relay's default runtime provider when no real speech-synthesis backend is
// configured, and as a test double that records every call it receives.
package mock

import (
	"context"
	"fmt"
	"sync"

	"relay/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	Ctx         context.Context
	Text, Lang  string
	Hints       tts.VoiceHints
}

// FakeFormat marks audio produced by Provider as synthetic, never to be
// confused with a real audio encoding.
const FakeFormat = "application/x-relay-fake-audio"

// Provider is a deterministic mock implementation of tts.Provider. The
// "audio" it returns is the UTF-8 text it was asked to synthesize, prefixed
// with a "[mock-tts lang=<lang>] " marker and tagged with FakeFormat, so
// tests and local runs can assert on it directly.
type Provider struct {
	mu sync.Mutex

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeCalls records every call to Synthesize.
	SynthesizeCalls []SynthesizeCall
}

func (p *Provider) Synthesize(ctx context.Context, text, lang string, hints tts.VoiceHints) ([]byte, string, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Lang: lang, Hints: hints})
	err := p.SynthesizeErr
	p.mu.Unlock()
	if err != nil {
		return nil, "", err
	}
	return []byte(fmt.Sprintf("[mock-tts lang=%s] %s", lang, text)), FakeFormat, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

var _ tts.Provider = (*Provider)(nil)
