package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miragelabs/mirage-core/internal/bus"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/eventstore"
	"github.com/miragelabs/mirage-core/internal/fusion"
	"github.com/miragelabs/mirage-core/internal/imageproc"
	"github.com/miragelabs/mirage-core/internal/protocol"
)

var (
	// ErrCapacityExceeded means the registry is at its session cap.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrNotFound means no live session carries the requested ID.
	ErrNotFound = errors.New("session not found")
)

// AdmitRequest carries what the transport layer knows about an incoming
// client at admission time.
type AdmitRequest struct {
	ID         string
	RemoteAddr string
	UserAgent  string
	Conn       Conn
}

// Registry tracks live sessions and enforces the concurrency cap. Lifecycle
// transitions are published on the bus and recorded in the event store.
type Registry struct {
	maxSessions int
	procCfg     config.ImageProcConfig
	oscCfg      config.OscillatorConfig
	audioCfg    config.AudioConfig

	segmenter imageproc.Segmenter

	bus   *bus.Client
	store *eventstore.Store
	log   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(cfg config.Config, seg imageproc.Segmenter, busClient *bus.Client, store *eventstore.Store, log *slog.Logger) *Registry {
	return &Registry{
		maxSessions: cfg.Session.MaxSessions,
		procCfg:     cfg.ImageProc,
		oscCfg:      cfg.Oscillator,
		audioCfg:    cfg.Audio,
		segmenter:   seg,
		bus:         busClient,
		store:       store,
		log:         log.With(slog.String("component", "session_registry")),
		sessions:    make(map[string]*Session),
	}
}

// Admit registers a new session and allocates its per-session state. The
// session cap is enforced here; a full registry rejects before any state is
// built.
func (r *Registry) Admit(ctx context.Context, req AdmitRequest) (*Session, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	if len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d active sessions", ErrCapacityExceeded, r.maxSessions)
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %q already active", id)
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:         id,
		RemoteAddr: req.RemoteAddr,
		UserAgent:  req.UserAgent,
		Firefox:    strings.Contains(req.UserAgent, "Firefox"),
		CreatedAt:  time.Now(),
		Conn:       req.Conn,
		Fusion:     fusion.NewState(r.oscCfg, r.audioCfg, r.procCfg),
		Input:      imageproc.NewInputProcessor(r.procCfg, r.segmenter, r.log),
		Acid:       imageproc.NewAcidProcessor(r.procCfg),
		ctx:        sctx,
		cancel:     cancel,
	}
	sess.Touch()
	r.sessions[id] = sess
	active := len(r.sessions)
	reactive := 0
	for _, s := range r.sessions {
		if s.Fusion.AudioReactive() {
			reactive++
		}
	}
	r.mu.Unlock()

	// The audio controller tracks a single shared signal; more than one
	// reactive session fights over it.
	if reactive > 1 {
		r.log.Warn("multiple sessions have audio reactivity enabled",
			slog.Int("reactive_sessions", reactive),
			slog.Int("active_sessions", active))
	}

	if err := r.store.AppendSession(ctx, id, req.RemoteAddr, req.UserAgent); err != nil {
		r.log.Warn("record session", slog.String("error", err.Error()))
	}
	r.recordEvent(ctx, id, protocol.EventAdmitted, "")

	r.log.Info("session admitted",
		slog.String("session_id", id),
		slog.String("remote_addr", req.RemoteAddr),
		slog.Int("active_sessions", active))
	return sess, nil
}

// Lookup returns the live session with the given ID.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// Retire removes a session, cancels its context, and closes its connection.
// Retiring an already retired session is a no-op.
func (r *Registry) Retire(ctx context.Context, id, reason string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	active := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}

	sess.cancel()
	if err := sess.Conn.Close(); err != nil {
		r.log.Debug("close session connection", slog.String("error", err.Error()))
	}

	event := protocol.EventRetired
	if reason == "timeout" {
		event = protocol.EventTimeout
	}
	r.recordEvent(ctx, id, event, reason)

	r.log.Info("session retired",
		slog.String("session_id", id),
		slog.String("reason", reason),
		slog.Int("active_sessions", active))
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// MaxSessions returns the configured session cap.
func (r *Registry) MaxSessions() int {
	return r.maxSessions
}

// Active returns the IDs of all live sessions, for the queue endpoint.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// RetireAll retires every live session, for shutdown.
func (r *Registry) RetireAll(ctx context.Context, reason string) {
	for _, id := range r.Active() {
		r.Retire(ctx, id, reason)
	}
}

// RecordEvent publishes a session event on the bus and appends it to the
// event store. Exposed so the serving layer can record loop-level events.
func (r *Registry) RecordEvent(ctx context.Context, sessionID, event, detail string) {
	r.recordEvent(ctx, sessionID, event, detail)
}

func (r *Registry) recordEvent(ctx context.Context, sessionID, event, detail string) {
	evt := protocol.SessionEvent{
		SessionID: sessionID,
		Event:     event,
		Reason:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SessionEventSubject(event), evt); err != nil {
		r.log.Debug("publish session event", slog.String("error", err.Error()))
	}
	if err := r.store.AppendEvent(ctx, eventstore.Event{
		SessionID: sessionID,
		Type:      event,
		Detail:    detail,
	}); err != nil {
		r.log.Warn("append session event", slog.String("error", err.Error()))
	}
}
