package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miragelabs/mirage-core/internal/audio"
	"github.com/miragelabs/mirage-core/internal/bus"
	"github.com/miragelabs/mirage-core/internal/cluster"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/eventstore"
	"github.com/miragelabs/mirage-core/internal/fusion"
	"github.com/miragelabs/mirage-core/internal/imageproc"
	"github.com/miragelabs/mirage-core/internal/natsserver"
	"github.com/miragelabs/mirage-core/internal/pipeline"
	"github.com/miragelabs/mirage-core/internal/server"
	"github.com/miragelabs/mirage-core/internal/session"
)

// Runtime owns the wiring: config to telemetry to bus to store to pipeline to
// the serving surface, and the reverse order on shutdown.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	natsServer  *natsserver.EmbeddedServer
	busClient   *bus.Client
	store       *eventstore.Store
	registry    *session.Registry
	cluster     *cluster.Registry

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Enabled && r.cfg.Bus.Embedded {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.natsServer = srv
	}
	if r.cfg.Bus.Enabled {
		client, err := bus.Connect(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.busClient = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	if err := store.Prune(ctx); err != nil {
		r.logger.Warn("event store prune", slog.String("error", err.Error()))
	}

	invoker, err := r.buildPipeline()
	if err != nil {
		return err
	}

	var analyzer audio.Analyzer
	if r.cfg.Audio.Enabled {
		analyzer, err = audio.New(r.cfg.Audio)
		if err != nil {
			return fmt.Errorf("build audio analyzer: %w", err)
		}
	}

	var remover imageproc.BackgroundRemover
	if r.cfg.ImageProc.BackgroundRemoval {
		remover = imageproc.NewMockBackgroundRemover()
	}
	var safety imageproc.SafetyChecker
	if r.cfg.Safety.Enabled {
		safety = imageproc.NewMockSafetyChecker(r.cfg.Safety.FlagEvery)
	}

	r.registry = session.NewRegistry(r.cfg, imageproc.NewMockSegmenter(), r.busClient, r.store, r.logger)
	engine := fusion.NewEngine(invoker.Info().ModulationRanges(), r.logger)

	svc, err := server.NewService(r.cfg, r.registry, invoker, engine, analyzer, remover, safety, r.busClient, r.logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	if r.cfg.Bus.Enabled {
		clusterReg, err := cluster.NewRegistry(ctx, r.cfg.Node, r.busClient, r.registry, r.logger)
		if err != nil {
			return fmt.Errorf("start cluster registry: %w", err)
		}
		r.cluster = clusterReg
	}

	mux := http.NewServeMux()
	svc.Routes(mux)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		var err error
		if r.cfg.HTTP.TLSCertFile != "" && r.cfg.HTTP.TLSKeyFile != "" {
			err = r.httpServer.ListenAndServeTLS(r.cfg.HTTP.TLSCertFile, r.cfg.HTTP.TLSKeyFile)
		} else {
			err = r.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("pipeline", invoker.Info().Name),
		slog.Int("max_sessions", r.cfg.Session.MaxSessions))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	r.registry.RetireAll(shutdownCtx, "server_shutdown")
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.cluster != nil {
		r.cluster.Close()
	}
	r.busClient.Close()
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if err := r.store.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) buildPipeline() (*pipeline.Invoker, error) {
	manifest := pipeline.DefaultManifest()
	if path := r.cfg.Pipeline.ManifestPath; path != "" {
		loaded, err := pipeline.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load pipeline manifest: %w", err)
		}
		manifest = loaded
	}
	if err := pipeline.Validate(manifest); err != nil {
		return nil, fmt.Errorf("invalid pipeline manifest: %w", err)
	}

	var predictor pipeline.Predictor
	switch r.cfg.Pipeline.Mode {
	case "mock":
		predictor = pipeline.NewMockPredictor(manifest, time.Now().UnixNano())
	case "exec":
		var err error
		predictor, err = pipeline.NewExecPredictor(manifest, r.cfg.Pipeline.Command)
		if err != nil {
			return nil, fmt.Errorf("build exec predictor: %w", err)
		}
	default:
		return nil, fmt.Errorf("pipeline.mode %q not supported", r.cfg.Pipeline.Mode)
	}
	return pipeline.NewInvoker(predictor), nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
