package session

import (
	"context"
	"sync"
	"time"

	"github.com/miragelabs/mirage-core/internal/fusion"
	"github.com/miragelabs/mirage-core/internal/imageproc"
	"github.com/miragelabs/mirage-core/internal/pipeline"
)

// Conn is the subset of the websocket connection the session layer needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Slot is a single-entry overwritable mailbox carrying the latest fused
// parameter set from the control loop to the streaming loop. A newer set
// replaces an unconsumed older one; the streaming loop only ever sees the
// freshest state.
type Slot struct {
	mu  sync.Mutex
	set *pipeline.ParameterSet
}

// Put stores a parameter set, discarding any unconsumed predecessor.
func (s *Slot) Put(set *pipeline.ParameterSet) {
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()
}

// Peek returns the current parameter set without consuming it.
func (s *Slot) Peek() *pipeline.ParameterSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Session is one admitted client: its control connection, its modulation
// state, its imaging processors, and the slot joining the two loops.
type Session struct {
	ID         string
	RemoteAddr string
	UserAgent  string
	Firefox    bool
	CreatedAt  time.Time

	Conn   Conn
	Slot   Slot
	Fusion *fusion.State
	Input  *imageproc.InputProcessor
	Acid   *imageproc.AcidProcessor

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	activityMu   sync.Mutex
	lastActivity time.Time
}

// Context is cancelled when the session is retired.
func (s *Session) Context() context.Context {
	return s.ctx
}

// SendControl writes a control message to the client. Writes are serialized
// so the control and streaming loops cannot interleave frames on the wire.
func (s *Session) SendControl(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.Conn.WriteJSON(v)
}

// Touch records client activity for idle-timeout accounting.
func (s *Session) Touch() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

// IdleFor returns how long the session has gone without client activity.
func (s *Session) IdleFor() time.Duration {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return time.Since(s.lastActivity)
}
