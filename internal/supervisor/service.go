// Package supervisor wires every pipeline component into one running
// process: the two host-IDE monitors, the fast-path consumers, the
// slow-path conversation worker, the session timeout sweep, and the
// metrics collector, then exposes their combined health over a small
// local HTTP surface (spec.md §6's CLI contract names this as the one
// inbound surface the supervisor itself needs).
package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/claude"
	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/conversation"
	"github.com/blueplane/telemetry-core/internal/cursor"
	"github.com/blueplane/telemetry-core/internal/dedup"
	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/errkind"
	"github.com/blueplane/telemetry-core/internal/ingest"
	"github.com/blueplane/telemetry-core/internal/metrics"
	"github.com/blueplane/telemetry-core/internal/mq"
	"github.com/blueplane/telemetry-core/internal/session"
	"github.com/blueplane/telemetry-core/internal/store"
)

// Service is the started, in-process pipeline. It owns every long-running
// goroutine and the HTTP listener serving /healthz and /status.
type Service struct {
	cfg *config.Config
	log zerolog.Logger

	store    *store.Store
	queue    *mq.Queue
	dedup    *dedup.Cache
	sessions *session.Manager
	writer   *store.BatchWriter
	health   *metrics.HealthTracker

	claudeMonitor *claude.Monitor
	cursorMonitor *cursor.Monitor
	cursorMapper  *cursor.WorkspaceMapper
	consumers     []*ingest.Consumer
	convWorker    *conversation.Worker
	unregMetrics  func() error

	httpAddr   string
	httpServer *http.Server

	startedAt time.Time
	wg        sync.WaitGroup
	runCtx    context.Context
	cancel    context.CancelFunc
}

// New builds every component from cfg without starting any goroutines.
// Callers check the returned error against errkind.Config to pick the CLI
// exit code spec.md §6 specifies; any other error is a store/mq-init error.
func New(cfg *config.Config, httpAddr string, log zerolog.Logger) (*Service, error) {
	if err := config.EnsureDataDir(cfg.Paths.DataDir); err != nil {
		return nil, fmt.Errorf("supervisor: ensure data dir: %w: %w", errkind.Config, err)
	}

	s, err := store.Open(store.Config{
		Path:             config.DBPath(cfg.Paths.DataDir),
		WAL:              cfg.Store.WAL,
		BusyTimeoutMs:    cfg.Store.BusyTimeoutMs,
		CompressionLevel: cfg.Store.CompressionLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: open store: %w", err)
	}

	q, err := mq.New(cfg.MQ, s, log)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("supervisor: open mq: %w", err)
	}

	d := dedup.New(cfg.DedupWindow(), dedup.DefaultCapacity)
	sessions := session.New(s, cfg.SessionTimeout(), log)
	writer := store.NewBatchWriter(s, q, store.DefaultFlushSize, store.DefaultFlushAge, cfg.Store.CompressionLevel)
	health := metrics.NewHealthTracker()

	svc := &Service{
		cfg:      cfg,
		log:      log,
		store:    s,
		queue:    q,
		dedup:    d,
		sessions: sessions,
		writer:   writer,
		health:   health,
		httpAddr: httpAddr,
	}

	if cfg.Features.Claude {
		svc.claudeMonitor = claude.New(cfg.Paths.Claude.ProjectsDir, q, sessions, cfg.ClaudePollInterval(), log)
		svc.consumers = append(svc.consumers, ingest.New(q, writer, d, sessions, envelope.PlatformClaude, mq.StreamClaudeEvents, consumerName("claude"), cfg.MQ.MaxRetries, cfg.MQ.ClaimMinIdleMs, log))
	}

	if cfg.Features.Cursor {
		svc.cursorMapper = cursor.NewWorkspaceMapper(cfg.Paths.Cursor.WorkspaceDir, s, config.WorkspaceCachePath(cfg.Paths.DataDir))
		svc.cursorMapper.LoadPersistentCache()
		svc.cursorMonitor = cursor.New(cfg.Paths.Cursor.GlobalDB, cfg.Paths.Cursor.WorkspaceDir, svc.cursorMapper, q, sessions, s,
			cfg.CursorQueryTimeout(), cfg.CursorPollInterval(), cfg.CursorDebounce(), log)
		svc.consumers = append(svc.consumers, ingest.New(q, writer, d, sessions, envelope.PlatformCursor, mq.StreamCursorEvents, consumerName("cursor"), cfg.MQ.MaxRetries, cfg.MQ.ClaimMinIdleMs, log))
	}

	sessions.SetBackingStoreChecker(backingStoreChecker{
		claudeProjectsDir: cfg.Paths.Claude.ProjectsDir,
		cursorMapper:      svc.cursorMapper,
	})

	if cfg.Features.Conversations {
		svc.convWorker = conversation.New(s, sessions, log)
	}

	if cfg.Features.Metrics {
		_, unreg, err := metrics.NewCollector(q, sessions, d, health)
		if err != nil {
			log.Warn().Err(err).Msg("metrics collector registration failed, continuing without it")
		} else {
			svc.unregMetrics = unreg
		}
	}

	return svc, nil
}

// backingStoreChecker implements session.BackingStoreChecker by dispatching
// to each platform's own notion of "does the backing artifact still exist":
// a stat on the Claude transcript file, or a resolve-plus-stat through the
// cursor workspace mapper.
type backingStoreChecker struct {
	claudeProjectsDir string
	cursorMapper      *cursor.WorkspaceMapper
}

func (c backingStoreChecker) Exists(ctx context.Context, platform envelope.Platform, platformSessionID, workspaceHash string) bool {
	switch platform {
	case envelope.PlatformClaude:
		return claude.TranscriptExists(c.claudeProjectsDir, platformSessionID)
	case envelope.PlatformCursor:
		if c.cursorMapper == nil {
			return true
		}
		return c.cursorMapper.DBExists(ctx, workspaceHash)
	default:
		return true
	}
}

func consumerName(platform string) string {
	return fmt.Sprintf("%s-%d", platform, os.Getpid())
}

// Start launches every enabled component as a goroutine under ctx and
// begins serving the HTTP status surface. It returns once the listener is
// up; components keep running in the background until ctx is cancelled or
// Shutdown is called.
func (svc *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	svc.runCtx = runCtx
	svc.cancel = cancel
	svc.startedAt = time.Now().UTC()

	if err := svc.sessions.RecoverOnStartup(runCtx); err != nil {
		svc.log.Warn().Err(err).Msg("session recovery on startup failed")
	}

	svc.spawn("session_sweep", func(ctx context.Context) error {
		svc.sessions.Run(ctx, time.Duration(svc.cfg.Session.TimeoutSweepInterval)*time.Second)
		return nil
	})

	if svc.claudeMonitor != nil {
		svc.spawn("claude_monitor", svc.claudeMonitor.Run)
	}
	if svc.cursorMonitor != nil {
		svc.spawn("cursor_monitor", svc.cursorMonitor.Run)
	}
	for i, c := range svc.consumers {
		name := fmt.Sprintf("ingest_consumer_%d", i)
		svc.spawn(name, c.Run)
	}
	if svc.convWorker != nil {
		svc.spawn("conversation_worker", svc.convWorker.Run)
	}

	svc.spawn("overflow_replay", func(ctx context.Context) error {
		return svc.runOverflowReplay(ctx)
	})

	if svc.httpAddr != "" {
		ln, err := net.Listen("tcp", svc.httpAddr)
		if err != nil {
			cancel()
			return fmt.Errorf("supervisor: listen %s: %w", svc.httpAddr, err)
		}
		svc.httpServer = &http.Server{Handler: svc.router()}
		svc.wg.Add(1)
		go func() {
			defer svc.wg.Done()
			if err := svc.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				svc.log.Error().Err(err).Msg("status server stopped unexpectedly")
			}
		}()
	}

	return nil
}

// spawn runs fn in a goroutine, reporting its outcome to the health
// tracker and recovering the health state to healthy on a clean exit so a
// component that stops intentionally (feature disabled mid-flight, ctx
// cancellation) doesn't linger as failed forever.
func (svc *Service) spawn(component string, fn func(context.Context) error) {
	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		svc.health.ReportSuccess(component)
		if err := fn(svc.runCtx); err != nil {
			svc.health.ReportError(component, err, false)
			svc.log.Error().Err(err).Str("component", component).Msg("component exited with error")
			return
		}
		svc.health.ReportSuccess(component)
	}()
}

// runOverflowReplay periodically drains the local overflow store back onto
// the bus once it's reachable again (spec.md §4.1).
func (svc *Service) runOverflowReplay(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := svc.queue.ReplayOverflow(ctx, 100); err != nil {
				svc.health.ReportError("overflow_replay", err, true)
			} else if n > 0 {
				svc.log.Info().Int("count", n).Msg("replayed overflow events onto the bus")
			}
		}
	}
}

// Shutdown drains every component within deadline: it cancels the shared
// context (each ingest consumer flushes its last batch as it exits), closes
// the HTTP listener, waits (bounded) for goroutines to exit, saves the
// workspace mapping cache, closes every open session, and closes the MQ
// pool and store last.
func (svc *Service) Shutdown(ctx context.Context) error {
	if svc.cancel != nil {
		svc.cancel()
	}

	// The HTTP listener goroutine only returns once Shutdown closes it, so
	// this must happen before waiting on wg below or the wait never ends.
	if svc.httpServer != nil {
		_ = svc.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		svc.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		svc.log.Warn().Msg("shutdown deadline exceeded, components may not have drained cleanly")
	}

	if svc.unregMetrics != nil {
		_ = svc.unregMetrics()
	}
	if svc.cursorMapper != nil {
		if err := svc.cursorMapper.SavePersistentCache(); err != nil {
			svc.log.Warn().Err(err).Msg("failed to persist workspace mapping cache")
		}
	}

	svc.sessions.CloseAll(ctx)

	if err := svc.queue.Close(); err != nil {
		svc.log.Warn().Err(err).Msg("mq close failed")
	}
	if err := svc.store.Close(); err != nil {
		return fmt.Errorf("supervisor: close store: %w", err)
	}
	return nil
}
