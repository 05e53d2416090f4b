// Package repository defines the narrow persistence contract (§6.2) the
// core writes through. It is a thin audit/analytics sink: memory (the
// Session Registry) is authoritative for liveness, the repository is
// append-mostly and idempotent.
package repository

import (
	"context"

	"relay/pkg/types"
)

// Repository is implemented by the Storage Adapter Shim. All methods must
// be idempotent on sessionId, and on (sessionId, utteranceId,
// targetLanguage) for translation rows, so that sweeper retries after a
// partial failure never double-write.
type Repository interface {
	UpsertSession(ctx context.Context, snap types.Snapshot) error
	EndSession(ctx context.Context, sessionID string, endTime int64) error
	InsertTranslation(ctx context.Context, rec types.TranslationRecord) error
	InsertTranscript(ctx context.Context, rec types.TranscriptRecord) error
	FetchActiveSessions(ctx context.Context) ([]types.Snapshot, error)
	AdminForceCleanup(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error
}
