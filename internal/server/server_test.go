package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/fusion"
	"github.com/miragelabs/mirage-core/internal/imageproc"
	"github.com/miragelabs/mirage-core/internal/pipeline"
	"github.com/miragelabs/mirage-core/internal/protocol"
	"github.com/miragelabs/mirage-core/internal/session"
)

type scriptMsg struct {
	mt   int
	data []byte
	err  error
}

// scriptConn replays a fixed message sequence. Once the script is exhausted,
// reads block until the connection is closed, like a quiet client on a real
// websocket.
type scriptConn struct {
	mu     sync.Mutex
	script []scriptMsg
	writes []any
	closed bool
	done   chan struct{}
}

func newScriptConn(script ...scriptMsg) *scriptConn {
	return &scriptConn{script: script, done: make(chan struct{})}
}

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if len(c.script) > 0 {
		msg := c.script[0]
		c.script = c.script[1:]
		c.mu.Unlock()
		return msg.mt, msg.data, msg.err
	}
	c.mu.Unlock()

	<-c.done
	return 0, nil, io.EOF
}

func (c *scriptConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, v)
	return nil
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *scriptConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *scriptConn) statuses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, w := range c.writes {
		if msg, ok := w.(protocol.ControlMessage); ok {
			out = append(out, msg.Status)
		}
	}
	return out
}

func (c *scriptConn) lastControl() (protocol.ControlMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.writes) - 1; i >= 0; i-- {
		if msg, ok := c.writes[i].(protocol.ControlMessage); ok {
			return msg, true
		}
	}
	return protocol.ControlMessage{}, false
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Session.MaxSessions = 4
	cfg.Session.ThrottleFPS = 1000
	cfg.Session.ReceivePollMS = 5
	cfg.Session.TimeoutMS = 0
	return cfg
}

// exchangeConfig terminates the control loop through the idle timeout once a
// scripted exchange has drained.
func exchangeConfig() config.Config {
	cfg := testConfig()
	cfg.Session.TimeoutMS = 40
	return cfg
}

type countingPredictor struct {
	manifest pipeline.Manifest
	mu       sync.Mutex
	calls    int
}

func (p *countingPredictor) Info() pipeline.Manifest { return p.manifest }

func (p *countingPredictor) Predict(ctx context.Context, _ *pipeline.ParameterSet) (image.Image, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (p *countingPredictor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixture struct {
	svc       *Service
	registry  *session.Registry
	predictor *countingPredictor
}

func newFixture(t *testing.T, cfg config.Config, safety imageproc.SafetyChecker) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := session.NewRegistry(cfg, imageproc.NewMockSegmenter(), nil, nil, log)
	predictor := &countingPredictor{manifest: pipeline.DefaultManifest()}
	engine := fusion.NewEngine(predictor.manifest.ModulationRanges(), log)

	svc, err := NewService(cfg, registry, pipeline.NewInvoker(predictor), engine,
		nil, nil, safety, nil, log)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return &fixture{svc: svc, registry: registry, predictor: predictor}
}

func admit(t *testing.T, f *fixture, conn session.Conn, userAgent string) *session.Session {
	t.Helper()
	sess, err := f.registry.Admit(context.Background(), session.AdmitRequest{
		Conn:      conn,
		UserAgent: userAgent,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return sess
}

func jsonMsg(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf syncWriter
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 16))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.bytes()
}

func TestControlLoopIdleTimeoutRetires(t *testing.T) {
	cfg := testConfig()
	cfg.Session.TimeoutMS = 20
	f := newFixture(t, cfg, nil)

	conn := newScriptConn()
	sess := admit(t, f, conn, "")

	f.svc.runControl(sess)

	msg, ok := conn.lastControl()
	if !ok || msg.Status != protocol.StatusTimeout {
		t.Fatalf("expected trailing timeout notification, got %v", conn.statuses())
	}
	if msg.Message != "Your session has ended" {
		t.Fatalf("timeout notification missing client-facing text: %+v", msg)
	}
	if _, err := f.registry.Lookup(sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected session retired after timeout, got %v", err)
	}
	if !conn.isClosed() {
		t.Fatal("connection left open after timeout retirement")
	}
}

func TestNextFrameExchangeFillsSlot(t *testing.T) {
	f := newFixture(t, exchangeConfig(), nil)

	frame := pngBytes(t)
	conn := newScriptConn(
		scriptMsg{mt: websocket.TextMessage, data: jsonMsg(t, protocol.ControlMessage{Status: protocol.StatusNextFrame})},
		scriptMsg{mt: websocket.TextMessage, data: []byte(`{"prompt":"aurora","acid_settings":{"zoom_factor":1.2}}`)},
		scriptMsg{mt: websocket.BinaryMessage, data: frame},
	)
	sess := admit(t, f, conn, "")

	f.svc.runControl(sess)

	set := sess.Slot.Peek()
	if set == nil {
		t.Fatal("slot empty after full exchange")
	}
	if set.Fields["prompt"] != "aurora" {
		t.Fatalf("unexpected fields: %v", set.Fields)
	}
	if set.ImageDigest != pipeline.Digest(frame) {
		t.Fatal("image digest not derived from the client payload")
	}
	if got := sess.Acid.ZoomFactor(); got != 1.2 {
		t.Fatalf("resolved zoom not applied to acid processor: %v", got)
	}

	statuses := conn.statuses()
	if len(statuses) == 0 || statuses[0] != protocol.StatusWait {
		t.Fatalf("expected wait reply, got %v", statuses)
	}
}

func TestNextFrameEmptyImageAsksAgain(t *testing.T) {
	f := newFixture(t, exchangeConfig(), nil)

	conn := newScriptConn(
		scriptMsg{mt: websocket.TextMessage, data: jsonMsg(t, protocol.ControlMessage{Status: protocol.StatusNextFrame})},
		scriptMsg{mt: websocket.TextMessage, data: []byte(`{"prompt":"aurora"}`)},
		scriptMsg{mt: websocket.BinaryMessage, data: nil},
	)
	sess := admit(t, f, conn, "")

	f.svc.runControl(sess)

	if sess.Slot.Peek() != nil {
		t.Fatal("empty image payload must not touch the slot")
	}
	statuses := conn.statuses()
	if len(statuses) == 0 || statuses[0] != protocol.StatusSendFrame {
		t.Fatalf("expected send_frame reply, got %v", statuses)
	}
}

func TestMalformedUpdateDiscardedSessionContinues(t *testing.T) {
	f := newFixture(t, exchangeConfig(), nil)

	conn := newScriptConn(
		scriptMsg{mt: websocket.TextMessage, data: jsonMsg(t, protocol.ControlMessage{Status: protocol.StatusNextFrame})},
		scriptMsg{mt: websocket.TextMessage, data: []byte(`{"prompt":"x","acid_settings":{"zoom_factor":99}}`)},
	)
	sess := admit(t, f, conn, "")

	f.svc.runControl(sess)

	if sess.Slot.Peek() != nil {
		t.Fatal("discarded update must not touch the slot")
	}
	statuses := conn.statuses()
	if len(statuses) == 0 || statuses[0] != protocol.StatusWait {
		t.Fatalf("expected wait reply after discard, got %v", statuses)
	}
}

// TestControlChannelSurvivesQuietClient runs the control loop over a real
// websocket. The client stays silent past several poll intervals between
// exchanges; the channel must keep working and the session must stay
// admitted.
func TestControlChannelSurvivesQuietClient(t *testing.T) {
	cfg := testConfig()
	cfg.Session.ReceivePollMS = 10
	cfg.Session.TimeoutMS = 2000
	f := newFixture(t, cfg, nil)

	mux := http.NewServeMux()
	f.svc.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/quiet-client"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	frame := pngBytes(t)
	for i := 0; i < 3; i++ {
		// Several poll intervals of silence before each exchange.
		time.Sleep(50 * time.Millisecond)

		if err := conn.WriteJSON(protocol.ControlMessage{Status: protocol.StatusNextFrame}); err != nil {
			t.Fatalf("write control: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"prompt":"aurora"}`)); err != nil {
			t.Fatalf("write params: %v", err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write frame: %v", err)
		}

		var reply protocol.ControlMessage
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("read reply: %v", err)
		}
		if reply.Status != protocol.StatusWait {
			t.Fatalf("expected wait reply, got %q", reply.Status)
		}
	}

	sess, err := f.registry.Lookup("quiet-client")
	if err != nil {
		t.Fatalf("session did not survive the quiet intervals: %v", err)
	}
	if sess.Slot.Peek() == nil {
		t.Fatal("slot empty after exchanges over a live connection")
	}
}

// faultConn fails the write side hard, standing in for an unexpected fault
// inside the control loop.
type faultConn struct {
	scriptConn
}

func (c *faultConn) WriteJSON(any) error {
	panic("write on poisoned connection")
}

func TestControlLoopFaultRetires(t *testing.T) {
	f := newFixture(t, exchangeConfig(), nil)

	conn := &faultConn{scriptConn: scriptConn{
		script: []scriptMsg{
			{mt: websocket.TextMessage, data: jsonMsg(t, protocol.ControlMessage{Status: protocol.StatusNextFrame})},
			{mt: websocket.TextMessage, data: []byte(`{"prompt":"aurora"}`)},
			{mt: websocket.BinaryMessage, data: pngBytes(t)},
		},
		done: make(chan struct{}),
	}}
	sess := admit(t, f, conn, "")

	f.svc.runControl(sess)

	if _, err := f.registry.Lookup(sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected faulted session retired, got %v", err)
	}
	if !conn.isClosed() {
		t.Fatal("connection left open after fault retirement")
	}
}

type faultPredictor struct {
	manifest pipeline.Manifest
}

func (p *faultPredictor) Info() pipeline.Manifest { return p.manifest }

func (p *faultPredictor) Predict(context.Context, *pipeline.ParameterSet) (image.Image, error) {
	panic("pipeline backend fault")
}

func TestStreamLoopFaultRetires(t *testing.T) {
	cfg := testConfig()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := session.NewRegistry(cfg, imageproc.NewMockSegmenter(), nil, nil, log)
	predictor := &faultPredictor{manifest: pipeline.DefaultManifest()}
	engine := fusion.NewEngine(predictor.manifest.ModulationRanges(), log)

	svc, err := NewService(cfg, registry, pipeline.NewInvoker(predictor), engine,
		nil, nil, nil, nil, log)
	if err != nil {
		t.Fatalf("build service: %v", err)
	}

	conn := newScriptConn()
	sess, err := registry.Admit(context.Background(), session.AdmitRequest{Conn: conn})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	sess.Slot.Put(&pipeline.ParameterSet{Fields: map[string]any{"prompt": "one"}})

	svc.runStream(&syncWriter{}, sess)

	if _, err := registry.Lookup(sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected faulted session retired, got %v", err)
	}
	if !conn.isClosed() {
		t.Fatal("connection left open after fault retirement")
	}
}

// syncWriter is a goroutine-safe byte sink doubling as a ResponseWriter.
type syncWriter struct {
	mu   sync.Mutex
	data []byte
	hdr  http.Header
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.data = append(w.data, p...)
	w.mu.Unlock()
	return len(p), nil
}

func (w *syncWriter) Header() http.Header {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hdr == nil {
		w.hdr = make(http.Header)
	}
	return w.hdr
}

func (w *syncWriter) WriteHeader(int) {}
func (w *syncWriter) Flush()          {}

func (w *syncWriter) bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.data...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStreamInvokesOncePerDistinctParameterSet(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	conn := newScriptConn()
	sess := admit(t, f, conn, "Firefox/128.0")
	sess.Slot.Put(&pipeline.ParameterSet{Fields: map[string]any{"prompt": "one"}})

	w := &syncWriter{}
	done := make(chan struct{})
	go func() {
		f.svc.runStream(w, sess)
		close(done)
	}()

	waitFor(t, func() bool { return len(w.bytes()) > 0 })
	// Let the loop spin on an unchanged slot.
	time.Sleep(20 * time.Millisecond)
	if got := f.predictor.callCount(); got != 1 {
		t.Fatalf("expected exactly one invocation for an unchanged parameter set, got %d", got)
	}

	sess.Slot.Put(&pipeline.ParameterSet{Fields: map[string]any{"prompt": "two"}})
	waitFor(t, func() bool { return f.predictor.callCount() == 2 })

	f.registry.Retire(context.Background(), sess.ID, "test_done")
	<-done
}

func TestStreamSafetySuppressionKeepsSessionAlive(t *testing.T) {
	// Flags every frame.
	f := newFixture(t, testConfig(), imageproc.NewMockSafetyChecker(1))

	conn := newScriptConn()
	sess := admit(t, f, conn, "Firefox/128.0")
	sess.Slot.Put(&pipeline.ParameterSet{Fields: map[string]any{"prompt": "one"}})

	w := &syncWriter{}
	done := make(chan struct{})
	go func() {
		f.svc.runStream(w, sess)
		close(done)
	}()

	waitFor(t, func() bool { return f.predictor.callCount() >= 1 })
	time.Sleep(20 * time.Millisecond)

	if got := len(w.bytes()); got != 0 {
		t.Fatalf("suppressed frame reached the wire: %d bytes", got)
	}
	if _, err := f.registry.Lookup(sess.ID); err != nil {
		t.Fatalf("suppression must not retire the session: %v", err)
	}

	f.registry.Retire(context.Background(), sess.ID, "test_done")
	<-done
}

func TestStreamWritesFramesTwiceForChromium(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	firefox := &syncWriter{}
	chromium := &syncWriter{}

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	nFirefox, err := f.svc.writeFrame(firefox, img, true)
	if err != nil {
		t.Fatalf("firefox write: %v", err)
	}
	nChromium, err := f.svc.writeFrame(chromium, img, false)
	if err != nil {
		t.Fatalf("chromium write: %v", err)
	}

	if nFirefox != nChromium {
		t.Fatalf("part size should not depend on agent: %d vs %d", nFirefox, nChromium)
	}
	if len(chromium.bytes()) != 2*len(firefox.bytes()) {
		t.Fatalf("expected doubled part for chromium: %d vs %d",
			len(chromium.bytes()), len(firefox.bytes()))
	}
}
