// Package fanout implements the Fan-out Dispatcher (§4.7): best-effort
// per-connection delivery of a ready envelope to every student subscribed
// to a session/target-language pair.
package fanout

import "relay/internal/gateway"

// Dispatcher delivers outbound envelopes through the Connection Gateway's
// send path. A blocked or closed connection is skipped without affecting
// delivery to the others.
type Dispatcher struct {
	index *gateway.ConnectionIndex
}

func New(index *gateway.ConnectionIndex) *Dispatcher {
	return &Dispatcher{index: index}
}

// Deliver sends payload as envelopeType to every connection in sessionID
// currently targeting targetLanguage, and returns how many sends
// succeeded. Callers use the count to decide whether to stamp session
// activity (§4.7: "stamp activity only when at least one delivery
// succeeded").
func (d *Dispatcher) Deliver(sessionID, targetLanguage, envelopeType string, payload interface{}) int {
	delivered := 0
	for _, conn := range d.index.Students(sessionID) {
		if conn.TargetLanguage() != targetLanguage {
			continue
		}
		if err := conn.Send(envelopeType, payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// SubscriberCount reports how many student connections in sessionID
// currently target targetLanguage, used by the orchestrator to decide
// whether a job has any remaining subscriber worth continuing for.
func (d *Dispatcher) SubscriberCount(sessionID, targetLanguage string) int {
	count := 0
	for _, conn := range d.index.Students(sessionID) {
		if conn.TargetLanguage() == targetLanguage {
			count++
		}
	}
	return count
}
