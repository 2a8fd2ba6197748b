package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/miragelabs/mirage-core/internal/audio"
	"github.com/miragelabs/mirage-core/internal/bus"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/fusion"
	"github.com/miragelabs/mirage-core/internal/imageproc"
	"github.com/miragelabs/mirage-core/internal/pipeline"
	"github.com/miragelabs/mirage-core/internal/session"
)

// Service terminates the client-facing surface: the websocket control channel,
// the multipart frame stream, and the small JSON API around them.
type Service struct {
	cfg      config.Config
	log      *slog.Logger
	registry *session.Registry
	invoker  *pipeline.Invoker
	engine   *fusion.Engine
	analyzer audio.Analyzer
	remover  imageproc.BackgroundRemover
	safety   imageproc.SafetyChecker
	bus      *bus.Client

	upgrader    websocket.Upgrader
	throttle    time.Duration
	poll        time.Duration
	idleTimeout time.Duration

	settingsPage []byte

	framesEmitted    metric.Int64Counter
	framesSuppressed metric.Int64Counter
	invocations      metric.Int64Counter
	malformedUpdates metric.Int64Counter
}

func NewService(
	cfg config.Config,
	registry *session.Registry,
	invoker *pipeline.Invoker,
	engine *fusion.Engine,
	analyzer audio.Analyzer,
	remover imageproc.BackgroundRemover,
	safety imageproc.SafetyChecker,
	busClient *bus.Client,
	log *slog.Logger,
) (*Service, error) {
	svc := &Service{
		cfg:      cfg,
		log:      log.With(slog.String("component", "server")),
		registry: registry,
		invoker:  invoker,
		engine:   engine,
		analyzer: analyzer,
		remover:  remover,
		safety:   safety,
		bus:      busClient,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		throttle:    time.Second / time.Duration(cfg.Session.ThrottleFPS),
		poll:        time.Duration(cfg.Session.ReceivePollMS) * time.Millisecond,
		idleTimeout: time.Duration(cfg.Session.TimeoutMS) * time.Millisecond,
	}

	var page bytes.Buffer
	if content := invoker.Info().PageContent; content != "" {
		if err := goldmark.Convert([]byte(content), &page); err != nil {
			return nil, fmt.Errorf("render settings page: %w", err)
		}
	}
	svc.settingsPage = page.Bytes()

	meter := otel.Meter("mirage/server")
	var err error
	if svc.framesEmitted, err = meter.Int64Counter("mirage.frames.emitted"); err != nil {
		return nil, err
	}
	if svc.framesSuppressed, err = meter.Int64Counter("mirage.frames.suppressed"); err != nil {
		return nil, err
	}
	if svc.invocations, err = meter.Int64Counter("mirage.pipeline.invocations"); err != nil {
		return nil, err
	}
	if svc.malformedUpdates, err = meter.Int64Counter("mirage.updates.malformed"); err != nil {
		return nil, err
	}
	return svc, nil
}

// Routes registers the HTTP surface on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/ws/{id}", s.handleControl)
	mux.HandleFunc("GET /api/stream/{id}", s.handleStream)
	mux.HandleFunc("GET /api/queue", s.handleQueue)
	mux.HandleFunc("GET /api/settings", s.handleSettings)
}

func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", slog.String("error", err.Error()))
		return
	}

	sess, err := s.registry.Admit(r.Context(), session.AdmitRequest{
		ID:         id,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Conn:       conn,
	})
	if err != nil {
		s.log.Warn("admission rejected",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
		_ = conn.WriteJSON(map[string]string{"status": "error", "message": err.Error()})
		_ = conn.Close()
		return
	}

	s.runControl(sess)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Lookup(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.runStream(w, sess)
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"active_sessions": s.registry.Count(),
		"max_sessions":    s.registry.MaxSessions(),
	})
}

func (s *Service) handleSettings(w http.ResponseWriter, r *http.Request) {
	info := s.invoker.Info()
	writeJSON(w, map[string]any{
		"name":       info.Name,
		"version":    info.Version,
		"input_mode": info.InputMode,
		"width":      info.Width,
		"height":     info.Height,
		"params":     info.Params,
		"modulation": info.Modulation,
		"page":       string(s.settingsPage),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
