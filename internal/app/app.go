// Package app builds the long-lived services of the pipeline from
// configuration and runs the process roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/api"
	"github.com/JakeFAU/osint-shield/internal/config"
	"github.com/JakeFAU/osint-shield/internal/consumer"
	"github.com/JakeFAU/osint-shield/internal/dispatchstore"
	"github.com/JakeFAU/osint-shield/internal/forensic"
	"github.com/JakeFAU/osint-shield/internal/incident"
	"github.com/JakeFAU/osint-shield/internal/intake"
	"github.com/JakeFAU/osint-shield/internal/logging"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/policy/ratelimit"
	"github.com/JakeFAU/osint-shield/internal/pool"
	"github.com/JakeFAU/osint-shield/internal/purge"
	"github.com/JakeFAU/osint-shield/internal/queue"
	"github.com/JakeFAU/osint-shield/internal/scoring"
	"github.com/JakeFAU/osint-shield/internal/store"
	"github.com/JakeFAU/osint-shield/internal/telemetry"
	"github.com/JakeFAU/osint-shield/internal/worker"

	"github.com/JakeFAU/osint-shield/internal/clock/system"
	shieldsha "github.com/JakeFAU/osint-shield/internal/hash/sha256"
	shielduuid "github.com/JakeFAU/osint-shield/internal/id/uuid"
)

// Mode selects which loops a process runs.
type Mode string

// Supported modes.
const (
	ModeServe    Mode = "serve"
	ModeWorker   Mode = "worker"
	ModeConsumer Mode = "consumer"
	// ModeAll runs the API, the workers and the consumer in one process.
	ModeAll Mode = "all"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      store.Store
	blobs      pipeline.BlobStore
	dispatches dispatchstore.Store
	publisher  pipeline.Publisher
	dialer     pipeline.QueueDialer
	scorer     *scoring.Scorer
	renderer   forensic.Renderer

	hasher pipeline.Hasher
	ids    pipeline.IDGenerator
	clock  pipeline.Clock

	sealer    *forensic.Sealer
	incidents *incident.Service
	purger    *purge.Service

	// closers run in reverse order on Close.
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Version:     cfg.Sealer.EngineVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	logger, flushSentry, err := logging.WithSentry(logger, logging.SentryConfig{
		DSN:         cfg.Logging.SentryDSN,
		Environment: cfg.Logging.Environment,
		Release:     cfg.Sealer.EngineVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, flushSentry)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, flushSentry func()) (_ *App, err error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
		hasher: shieldsha.New(),
		ids:    shielduuid.New(),
		clock:  system.New(),
	}
	a.onClose("logger", func(context.Context) error {
		flushSentry()
		_ = logger.Sync()
		return nil
	})
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	type SanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Queue      string `json:"queue"`
		Storage    string `json:"storage"`
		Dispatch   string `json:"dispatch"`
		Notify     string `json:"notify"`
		Postgres   bool   `json:"postgres"`
	}
	logger.Info("building application", zap.Any("config", SanitizedConfig{
		ServerPort: cfg.Server.Port,
		Queue:      cfg.Queue.Backend,
		Storage:    cfg.Storage.Backend,
		Dispatch:   cfg.Dispatch.Backend,
		Notify:     cfg.Notify.Backend,
		Postgres:   cfg.DB.DSN != "",
	}))

	shutdownTracer, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.onClose("tracer", shutdownTracer)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.setupStore},
		{"storage", a.setupStorage},
		{"queue", a.setupQueue},
		{"dispatch", a.setupDispatch},
		{"publisher", a.setupPublisher},
		{"scoring", a.setupScoring},
		{"renderer", a.setupRenderer},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return nil, fmt.Errorf("%s init failed: %w", step.name, err)
		}
	}

	a.sealer = forensic.NewSealer(a.store, a.blobs, a.renderer, a.ids, a.clock, a.publisher, forensic.Config{
		EngineVersion: cfg.Sealer.EngineVersion,
		GeneratedBy:   cfg.Sealer.GeneratedBy,
		ReportPrefix:  cfg.Sealer.ReportPrefix,
	}, logger.Named("sealer"))
	a.incidents = incident.NewService(a.store, a.dispatches, a.ids, a.clock, a.publisher, incident.Config{
		TTL:      cfg.DispatchTTL(),
		IndexMax: cfg.Dispatch.IndexMax,
	}, logger.Named("incident"))
	a.purger = purge.New(a.store, a.blobs, a.dispatches, cfg.Storage.Purge.DeleteArtifacts, logger.Named("purge"))
	return a, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Sealer returns the forensic sealer.
func (a *App) Sealer() *forensic.Sealer { return a.sealer }

// Incidents returns the incident response service.
func (a *App) Incidents() *incident.Service { return a.incidents }

// Store returns the case store.
func (a *App) Store() store.Store { return a.store }

// Run starts the loops selected by mode and blocks until the context is
// canceled or the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context, mode Mode) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := pool.New(a.logger.Named("pool"))
	var srv *http.Server
	switch mode {
	case ModeServe:
		srv = a.newHTTPServer()
	case ModeWorker:
		if err := a.addWorkers(p); err != nil {
			return err
		}
	case ModeConsumer:
		a.addConsumer(p)
	case ModeAll:
		srv = a.newHTTPServer()
		if err := a.addWorkers(p); err != nil {
			return err
		}
		a.addConsumer(p)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if mode == ModeServe && a.cfg.Queue.Backend == "memory" {
		a.logger.Warn("memory queue in serve mode: tasks are only consumed by workers in this process")
	}
	a.logger.Info("application started", zap.String("mode", string(mode)), zap.Int("loops", p.Len()))

	if srv != nil {
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	p.Run(ctx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	return a.Close(shutdownCtx)
}

// Close releases every resource in reverse order of acquisition. It is safe
// to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) newSession(role string) *queue.Session {
	initial, maxDelay := a.cfg.ReconnectBackoff()
	return queue.NewSession(a.dialer, queue.Backoff{Initial: initial, Max: maxDelay}, role, a.logger.Named("queue"))
}

// newHTTPServer builds the API with its own intake queue session.
func (a *App) newHTTPServer() *http.Server {
	in := intake.New(a.store, a.newSession("intake"), a.blobs, a.scorer, a.hasher, a.ids, a.clock, a.publisher,
		intake.Config{TaskQueue: a.cfg.Queue.TaskQueue}, a.logger.Named("intake"))
	a.onClose("intake", func(context.Context) error { return in.Close() })

	svc := api.Services{
		Store:     a.store,
		Intake:    in,
		Sealer:    a.sealer,
		Incidents: a.incidents,
		Purge:     a.purger,
		Ready: map[string]api.Pinger{
			"store": a.store,
			"queue": queuePinger{dialer: a.dialer},
		},
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           api.NewServer(svc, a.cfg, a.logger.Named("api")).Handler(),
		ReadHeaderTimeout: time.Duration(a.cfg.Server.ReadHeaderTimeoutMs) * time.Millisecond,
	}
}

func (a *App) addWorkers(p *pool.Pool) error {
	workerCfg := worker.Config{
		TaskQueue:       a.cfg.Queue.TaskQueue,
		ResultQueue:     a.cfg.Queue.ResultQueue,
		PopTimeout:      a.cfg.PopTimeout(),
		TaskBudget:      a.cfg.TaskBudget(),
		TextLimit:       a.cfg.Worker.TextLimit,
		EvidencePrefix:  a.cfg.Worker.EvidencePrefix,
		CapturerName:    a.cfg.Worker.Capturer,
		RequeueOnCancel: a.cfg.Worker.RequeueOnCancel,
		Runs:            store.NewRunTracker(a.store),
	}
	if a.cfg.Worker.RateLimitRPS > 0 {
		workerCfg.Limiter = ratelimit.New(ratelimit.Config{
			RPS:   a.cfg.Worker.RateLimitRPS,
			Burst: a.cfg.Worker.RateLimitBurst,
		})
	}
	a.logger.Info("worker config",
		zap.Int("instances", a.cfg.Worker.Instances),
		zap.String("capturer", workerCfg.CapturerName),
		zap.Duration("task_budget", workerCfg.TaskBudget),
		zap.Duration("nav_timeout", a.cfg.NavTimeout()),
		zap.Float64("rate_limit_rps", a.cfg.Worker.RateLimitRPS),
	)
	for i := 0; i < a.cfg.Worker.Instances; i++ {
		capturer, err := a.newCapturer()
		if err != nil {
			return fmt.Errorf("capturer init failed: %w", err)
		}
		w := worker.New(a.newSession("worker"), capturer, a.blobs, a.scorer, a.hasher, a.clock, workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)))
		p.Add(fmt.Sprintf("worker-%d", i), w)
	}
	return nil
}

func (a *App) addConsumer(p *pool.Pool) {
	c := consumer.New(a.newSession("consumer"), a.store, a.publisher, a.clock, consumer.Config{
		ResultQueue: a.cfg.Queue.ResultQueue,
		PopTimeout:  a.cfg.PopTimeout(),
	}, a.logger.Named("consumer"))
	p.Add("consumer", c)
}

// queuePinger checks the queue store with a short-lived connection.
type queuePinger struct {
	dialer pipeline.QueueDialer
}

func (q queuePinger) Ping(ctx context.Context) error {
	conn, err := q.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Ping(ctx)
}
