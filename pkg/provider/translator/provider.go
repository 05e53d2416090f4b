// Package translator defines the pure, stateless Translator provider
// contract (§6.2). Unlike the STT/TTS providers it carries no session
// state: one call translates one piece of text.
package translator

import (
	"context"
	"time"
)

// Deadline is the default per-call translation deadline from §5.
const Deadline = 5 * time.Second

// Provider translates text between two BCP-47 language tags. Implementations
// must be safe for concurrent use and must honor ctx cancellation/deadline;
// exceeding the deadline is treated by the orchestrator as a transient
// failure eligible for retry.
type Provider interface {
	Translate(ctx context.Context, text, from, to string) (translated string, err error)
}
