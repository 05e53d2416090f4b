package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dbconfig "relay/pkg/database"
	"relay/pkg/types"
)

func setupTestDB(t *testing.T) (*Manager, func()) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	config := &dbconfig.Config{
		DatabasePath:    dbPath,
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 30,
		MigrationsPath:  migrationsDirForTest(t),
	}

	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	cleanup := func() { _ = manager.Close() }
	return manager, cleanup
}

// migrationsDirForTest locates the repository's migrations/ directory
// relative to this package, since tests run with the package dir as cwd.
func migrationsDirForTest(t *testing.T) string {
	t.Helper()
	return filepath.Join("..", "..", "migrations")
}

func testSnapshot(id string) types.Snapshot {
	now := time.Now().UTC().Truncate(time.Second)
	return types.Snapshot{
		ID:              id,
		TeacherIdentity: "teacher-" + id,
		ClassroomCode:   "ABCDEF",
		TeacherLanguage: "en",
		State:           types.SessionActive,
		StudentCount:    1,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
}

func TestManager_UpsertSessionCreateAndUpdate(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	snap := testSnapshot("sess-1")

	if err := manager.UpsertSession(ctx, snap); err != nil {
		t.Fatalf("UpsertSession should succeed: %v", err)
	}

	snap.StudentCount = 3
	snap.State = types.SessionDraining
	if err := manager.UpsertSession(ctx, snap); err != nil {
		t.Fatalf("UpsertSession update should succeed: %v", err)
	}

	active, err := manager.FetchActiveSessions(ctx)
	if err != nil {
		t.Fatalf("FetchActiveSessions should succeed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(active))
	}
	if active[0].StudentCount != 3 || active[0].State != types.SessionDraining {
		t.Errorf("expected updated row, got %+v", active[0])
	}
}

func TestManager_EndSessionExcludesFromActiveList(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	snap := testSnapshot("sess-ended")

	if err := manager.UpsertSession(ctx, snap); err != nil {
		t.Fatalf("UpsertSession should succeed: %v", err)
	}
	if err := manager.EndSession(ctx, "sess-ended", time.Now().Unix()); err != nil {
		t.Fatalf("EndSession should succeed: %v", err)
	}

	active, err := manager.FetchActiveSessions(ctx)
	if err != nil {
		t.Fatalf("FetchActiveSessions should succeed: %v", err)
	}
	for _, s := range active {
		if s.ID == "sess-ended" {
			t.Error("ended session should not appear in active list")
		}
	}
}

func TestManager_InsertTranscriptIdempotent(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	snap := testSnapshot("sess-transcript")
	if err := manager.UpsertSession(ctx, snap); err != nil {
		t.Fatalf("UpsertSession should succeed: %v", err)
	}

	rec := types.TranscriptRecord{
		SessionID:   "sess-transcript",
		UtteranceID: "utt-1",
		SourceText:  "hello class",
		SourceLang:  "en",
		CreatedAt:   time.Now(),
	}
	if err := manager.InsertTranscript(ctx, rec); err != nil {
		t.Fatalf("InsertTranscript should succeed: %v", err)
	}

	rec.SourceText = "hello class, corrected"
	if err := manager.InsertTranscript(ctx, rec); err != nil {
		t.Fatalf("InsertTranscript retry should overwrite, not error: %v", err)
	}
}

func TestManager_InsertTranslationIdempotentPerTargetLanguage(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	snap := testSnapshot("sess-translation")
	if err := manager.UpsertSession(ctx, snap); err != nil {
		t.Fatalf("UpsertSession should succeed: %v", err)
	}

	text := "hola clase"
	rec := types.TranslationRecord{
		SessionID:      "sess-translation",
		UtteranceID:    "utt-1",
		TargetLanguage: "es",
		TranslatedText: &text,
		LatencyMs:      120,
		CreatedAt:      time.Now(),
	}
	if err := manager.InsertTranslation(ctx, rec); err != nil {
		t.Fatalf("InsertTranslation should succeed: %v", err)
	}
	if err := manager.InsertTranslation(ctx, rec); err != nil {
		t.Fatalf("InsertTranslation retry should overwrite, not error: %v", err)
	}

	other := rec
	other.TargetLanguage = "fr"
	if err := manager.InsertTranslation(ctx, other); err != nil {
		t.Fatalf("InsertTranslation for a distinct target language should succeed: %v", err)
	}
}

func TestManager_AdminForceCleanupExpiresAllSessions(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := manager.UpsertSession(ctx, testSnapshot("sess-a")); err != nil {
		t.Fatalf("UpsertSession should succeed: %v", err)
	}
	if err := manager.UpsertSession(ctx, testSnapshot("sess-b")); err != nil {
		t.Fatalf("UpsertSession should succeed: %v", err)
	}

	if err := manager.AdminForceCleanup(ctx); err != nil {
		t.Fatalf("AdminForceCleanup should succeed: %v", err)
	}

	active, err := manager.FetchActiveSessions(ctx)
	if err != nil {
		t.Fatalf("FetchActiveSessions should succeed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active sessions after force-cleanup, got %d", len(active))
	}
}

func TestManager_HealthCheckBehavior(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	if err := manager.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck should succeed for healthy database: %v", err)
	}
}

func TestManager_CleanShutdownRejectsFurtherWrites(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer func() { _ = cleanup }()

	ctx := context.Background()
	if err := manager.UpsertSession(ctx, testSnapshot("sess-shutdown")); err != nil {
		t.Fatalf("UpsertSession should succeed: %v", err)
	}

	if err := manager.Close(); err != nil {
		t.Fatalf("Close should succeed: %v", err)
	}

	if err := manager.UpsertSession(ctx, testSnapshot("sess-after-close")); err == nil {
		t.Error("writes should fail after Close()")
	}
}

func TestManager_ConcurrentWritesAllSucceed(t *testing.T) {
	manager, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	const numWrites = 10
	var wg sync.WaitGroup
	errs := make(chan error, numWrites)

	wg.Add(numWrites)
	for i := 0; i < numWrites; i++ {
		go func(i int) {
			defer wg.Done()
			snap := testSnapshot(fmt.Sprintf("concurrent-%d", i))
			if err := manager.UpsertSession(ctx, snap); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent UpsertSession failed: %v", err)
	}
}
