// Package mock provides a deterministic translator.Provider: it doubles as
// the relay's default runtime provider when no real translation backend is
// configured, and as a test double that records every call it receives.
package mock

import (
	"context"
	"fmt"
	"sync"

	"relay/pkg/provider/translator"
)

// TranslateCall records a single invocation of Provider.Translate.
type TranslateCall struct {
	Ctx        context.Context
	Text, From, To string
}

// Provider is a deterministic mock implementation of translator.Provider.
// It never contacts a real translation backend; output is clearly marked
// as fake so it can never be mistaken for a genuine translation.
type Provider struct {
	mu sync.Mutex

	// TranslateErr, if non-nil, is returned as the error from Translate.
	TranslateErr error

	// TranslateCalls records every call to Translate.
	TranslateCalls []TranslateCall
}

func (p *Provider) Translate(ctx context.Context, text, from, to string) (string, error) {
	p.mu.Lock()
	p.TranslateCalls = append(p.TranslateCalls, TranslateCall{Ctx: ctx, Text: text, From: from, To: to})
	err := p.TranslateErr
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s->%s] %s", from, to, text), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranslateCalls = nil
}

var _ translator.Provider = (*Provider)(nil)
