// Package database is the Storage Adapter Shim (§6.2): a narrow,
// idempotent audit/analytics sink over SQLite. The Session Registry in
// memory is authoritative for liveness; this package only durably records
// session lifecycle events and per-utterance translation/transcript rows
// for later inspection, never for serving live traffic.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "relay/pkg/database"
	"relay/pkg/types"
)

// Manager implements relay/pkg/provider/repository.Repository.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies SQLite optimizations, runs
// pending migrations, and starts the single-writer goroutine.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrator := dbconfig.NewMigrationManager(db, config.MigrationsPath)
	if err := migrator.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop is the single writer goroutine; SQLite tolerates only one
// writer at a time, so every mutation funnels through this channel instead
// of racing on db.Exec from arbitrary goroutines.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				log.Printf("database: write failed, retrying in 5s: %v", err)
				time.Sleep(5 * time.Second)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("database: write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("database: write loop shutting down")
			return
		}
	}
}

func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}
}

// UpsertSession records the session's current snapshot. Called on create,
// resume, and every sweep tick for a live session, so it must be a plain
// overwrite, not an additive insert.
func (m *Manager) UpsertSession(ctx context.Context, snap types.Snapshot) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO sessions (
				id, teacher_identity, classroom_code, teacher_language, state,
				student_count, created_at, last_activity_at, teacher_connected_at,
				last_student_left_at, draining_since, total_translations,
				peak_concurrent_students
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				classroom_code = excluded.classroom_code,
				state = excluded.state,
				student_count = excluded.student_count,
				last_activity_at = excluded.last_activity_at,
				teacher_connected_at = excluded.teacher_connected_at,
				last_student_left_at = excluded.last_student_left_at,
				draining_since = excluded.draining_since,
				total_translations = excluded.total_translations,
				peak_concurrent_students = excluded.peak_concurrent_students
		`
		_, err := db.ExecContext(ctx, query,
			snap.ID, snap.TeacherIdentity, snap.ClassroomCode, snap.TeacherLanguage, snap.State,
			snap.StudentCount, snap.CreatedAt, snap.LastActivityAt, nullableTime(snap.TeacherConnectedAt),
			nullableTime(snap.LastStudentLeftAt), nullableTime(snap.DrainingSince), snap.TotalTranslations,
			snap.PeakConcurrentStudents,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}
		return nil
	})
}

// EndSession stamps the terminal record once the sweeper has expired a
// session, so the audit trail carries an end time alongside its state.
func (m *Manager) EndSession(ctx context.Context, sessionID string, endTime int64) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `UPDATE sessions SET state = ?, ended_at = ? WHERE id = ?`
		_, err := db.ExecContext(ctx, query, types.SessionExpired, time.Unix(endTime, 0).UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		return nil
	})
}

// InsertTranslation is idempotent on (session_id, utterance_id,
// target_language): a sweeper retry after a partial failure overwrites
// rather than duplicates the row.
func (m *Manager) InsertTranslation(ctx context.Context, rec types.TranslationRecord) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO translations (session_id, utterance_id, target_language, translated_text, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, utterance_id, target_language) DO UPDATE SET
				translated_text = excluded.translated_text,
				latency_ms = excluded.latency_ms,
				created_at = excluded.created_at
		`
		_, err := db.ExecContext(ctx, query,
			rec.SessionID, rec.UtteranceID, rec.TargetLanguage, rec.TranslatedText, rec.LatencyMs, rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert translation: %w", err)
		}
		return nil
	})
}

// InsertTranscript is idempotent on (session_id, utterance_id).
func (m *Manager) InsertTranscript(ctx context.Context, rec types.TranscriptRecord) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO transcripts (session_id, utterance_id, source_text, source_lang, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, utterance_id) DO UPDATE SET
				source_text = excluded.source_text,
				source_lang = excluded.source_lang
		`
		_, err := db.ExecContext(ctx, query, rec.SessionID, rec.UtteranceID, rec.SourceText, rec.SourceLang, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert transcript: %w", err)
		}
		return nil
	})
}

// FetchActiveSessions is a read, so it bypasses the write channel; WAL
// mode lets it run concurrently with the writer.
func (m *Manager) FetchActiveSessions(ctx context.Context) ([]types.Snapshot, error) {
	query := `
		SELECT id, teacher_identity, classroom_code, teacher_language, state,
		       student_count, created_at, last_activity_at, teacher_connected_at,
		       last_student_left_at, draining_since, total_translations,
		       peak_concurrent_students
		FROM sessions
		WHERE state != ?
		ORDER BY created_at DESC
	`
	rows, err := m.db.QueryContext(ctx, query, types.SessionExpired)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Snapshot
	for rows.Next() {
		var snap types.Snapshot
		var teacherConnectedAt, lastStudentLeftAt, drainingSince sql.NullTime

		err := rows.Scan(
			&snap.ID, &snap.TeacherIdentity, &snap.ClassroomCode, &snap.TeacherLanguage, &snap.State,
			&snap.StudentCount, &snap.CreatedAt, &snap.LastActivityAt, &teacherConnectedAt,
			&lastStudentLeftAt, &drainingSince, &snap.TotalTranslations, &snap.PeakConcurrentStudents,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if teacherConnectedAt.Valid {
			snap.TeacherConnectedAt = &teacherConnectedAt.Time
		}
		if lastStudentLeftAt.Valid {
			snap.LastStudentLeftAt = &lastStudentLeftAt.Time
		}
		if drainingSince.Valid {
			snap.DrainingSince = &drainingSince.Time
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return out, nil
}

// AdminForceCleanup marks every non-expired session row as expired. It
// touches only the audit trail: the in-memory registry and live
// connections are unaffected. No handler in this module calls it; POST
// /sessions/cleanup-now runs a sweeper tick instead.
func (m *Manager) AdminForceCleanup(ctx context.Context) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE sessions SET state = ?, ended_at = ? WHERE state != ?`,
			types.SessionExpired, time.Now().UTC(), types.SessionExpired,
		)
		if err != nil {
			return fmt.Errorf("failed to force-cleanup sessions: %w", err)
		}
		return nil
	})
}

func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := m.db.QueryContext(ctx, "SELECT COUNT(*) FROM sessions LIMIT 1"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
