// Package app is the Coordinator: it wires every component into one
// runnable process and owns the startup/shutdown sequence. It is the single
// place Application is defined — the reference implementation this module
// grew from declared the same struct twice, once here and once duplicated
// verbatim in its entrypoint, and that duplication is not repeated.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"relay/internal/api"
	"relay/internal/codes"
	"relay/internal/config"
	"relay/internal/database"
	"relay/internal/fanout"
	"relay/internal/gateway"
	"relay/internal/metrics"
	"relay/internal/orchestrator"
	"relay/internal/router"
	"relay/internal/session"
	"relay/internal/sweeper"
	pkgdatabase "relay/pkg/database"
	"relay/pkg/provider/stt"
	sttmock "relay/pkg/provider/stt/mock"
	"relay/pkg/provider/translator"
	translatormock "relay/pkg/provider/translator/mock"
	"relay/pkg/provider/tts"
	ttsmock "relay/pkg/provider/tts/mock"
	"relay/pkg/types"
)

// Application coordinates every system component.
type Application struct {
	config       *config.Config
	dbManager    *database.Manager
	allocator    *codes.Allocator
	sessions     *session.Manager
	index        *gateway.ConnectionIndex
	fanoutDisp   *fanout.Dispatcher
	orchestrator *orchestrator.Orchestrator
	router       *router.Router
	gatewayH     *gateway.Handler
	sweeper      *sweeper.Sweeper
	apiServer    *api.Server
	httpServer   *http.Server
	metrics      *metrics.Metrics

	sweepCancel context.CancelFunc
}

// Providers bundles the three external-facing provider implementations the
// Translation Pipeline Orchestrator and Message Router depend on. Real
// vendor integrations are pluggable behind these interfaces; NewApplication
// falls back to the deterministic mock providers when a field is nil, so
// the relay is runnable standalone with no external speech/translation
// service configured.
type Providers struct {
	STT        stt.Provider
	Translator translator.Provider
	TTS        tts.Provider
}

// NewApplication wires every component in dependency order: Database →
// Classroom Code Allocator → Session Registry → Connection Gateway →
// Fan-out Dispatcher → Translation Pipeline Orchestrator → Message Router →
// Cleanup Sweeper → Administrative Surface → HTTP.
func NewApplication(cfg *config.Config, providers Providers) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
		MigrationsPath:  "./migrations",
	}
	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	met := metrics.Default()

	allocator := codes.NewAllocator(cfg.Session.ClassroomCodeTTL)

	timers := session.Timers{
		Stale:        cfg.Session.StaleTimeout,
		EmptyTeacher: cfg.Session.EmptyTeacherTimeout,
		StudentsLeft: cfg.Session.StudentsLeftTimeout,
		TeacherGone:  cfg.Session.TeacherReconnectGrace,
	}
	sessions := session.NewManager(timers, cfg.Limits.MaxSessions)

	index := gateway.NewConnectionIndex()
	fanoutDisp := fanout.New(index)

	sttProvider := providers.STT
	if sttProvider == nil {
		sttProvider = &sttmock.Provider{}
	}
	translatorProvider := providers.Translator
	if translatorProvider == nil {
		translatorProvider = &translatormock.Provider{}
	}
	ttsProvider := providers.TTS
	if ttsProvider == nil {
		ttsProvider = &ttsmock.Provider{}
	}

	orch := orchestrator.New(sessions, fanoutDisp, translatorProvider, ttsProvider, dbManager, met, cfg.Limits.MaxJobs)

	msgRouter := router.New(index, sessions, allocator, orch, sttProvider, router.Features{TwoWay: cfg.Features.TwoWay})

	gwConfig := gateway.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		PongTimeout:    cfg.WebSocket.PongTimeout,
		SendQueueDepth: cfg.WebSocket.SendQueueDepth,
		MaxConnections: cfg.Limits.MaxConnections,
	}
	gatewayH := gateway.NewHandler(index, msgRouter, gwConfig, cfg.Features.E2EBypass)

	onExpired := func(snap types.Snapshot, reason string) {
		for _, conn := range index.SessionConnections(snap.ID) {
			_ = conn.Send(types.MessageTypeSessionExpired, map[string]interface{}{
				"type":      types.MessageTypeSessionExpired,
				"sessionId": snap.ID,
				"reason":    reason,
			})
			_ = conn.Close()
		}
		orch.SessionExpired(snap.ID)
	}
	sweep := sweeper.New(allocator, sessions, dbManager, met, cfg.Session.CleanupInterval, onExpired)

	apiServer := api.NewServer(sessions, dbManager, sweep)

	mux := http.NewServeMux()
	mux.Handle("/sessions/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", gatewayH.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:       cfg,
		dbManager:    dbManager,
		allocator:    allocator,
		sessions:     sessions,
		index:        index,
		fanoutDisp:   fanoutDisp,
		orchestrator: orch,
		router:       msgRouter,
		gatewayH:     gatewayH,
		sweeper:      sweep,
		apiServer:    apiServer,
		httpServer:   httpServer,
		metrics:      met,
	}, nil
}

// Start begins application execution: the cleanup sweeper runs first so
// lifecycle expiry is already ticking before the HTTP server accepts any
// connection.
func (a *Application) Start(ctx context.Context) error {
	log.Printf("Starting relay on %s", a.httpServer.Addr)

	sweepCtx, cancel := context.WithCancel(ctx)
	a.sweepCancel = cancel
	go a.sweeper.Run(sweepCtx)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		a.sweeper.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("relay started successfully")
		return nil
	case <-ctx.Done():
		a.sweeper.Stop()
		return ctx.Err()
	}
}

// Stop gracefully shuts down the application in reverse dependency order:
// HTTP → Sweeper → Database.
func (a *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down relay")

	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	a.sweeper.Stop()
	if a.sweepCancel != nil {
		a.sweepCancel()
	}

	if err := a.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("relay shutdown complete")
	return nil
}

// GetAddr returns the server address for external connections.
func (a *Application) GetAddr() string {
	return a.httpServer.Addr
}
