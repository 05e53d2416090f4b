// Package tts defines the text-to-speech Provider contract (§6.2).
package tts

import (
	"context"
	"time"
)

// Deadline is the default per-call TTS deadline from §5.
const Deadline = 4 * time.Second

// VoiceHints carries optional synthesis hints a student subscription may
// request (voice id, speaking rate); providers that don't support a hint
// ignore it rather than failing.
type VoiceHints struct {
	VoiceID string
	Rate    float64
}

// Provider synthesizes audio for text in a given language. Implementations
// must be safe for concurrent use and honor ctx cancellation/deadline.
// Per §4.6, TTS failures are not retried beyond the provider's own attempt —
// the orchestrator calls Synthesize exactly once per translation.
type Provider interface {
	Synthesize(ctx context.Context, text, lang string, hints VoiceHints) (audio []byte, format string, err error)
}
