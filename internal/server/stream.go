package server

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/miragelabs/mirage-core/internal/pipeline"
	"github.com/miragelabs/mirage-core/internal/protocol"
	"github.com/miragelabs/mirage-core/internal/session"
)

const streamBoundary = "frame"

// frameEventSampleRate thins the bus traffic: one FrameEvent per this many
// emitted frames.
const frameEventSampleRate = 30

// runStream drives one session's frame stream until retirement. Each tick it
// asks the client for a fresh input frame, consumes the latest parameter set
// from the slot, and emits at most one generated frame.
func (s *Service) runStream(w http.ResponseWriter, sess *session.Session) {
	log := s.log.With(slog.String("session_id", sess.ID))

	// A fault anywhere in the loop must not leave the session occupying a
	// slot in the registry.
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("stream loop fault", slog.Any("panic", rec))
		}
		s.registry.Retire(context.Background(), sess.ID, "stream_loop_exit")
	}()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+streamBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var last *pipeline.ParameterSet
	var sequence uint64

	for {
		select {
		case <-sess.Context().Done():
			return
		default:
		}

		if err := sess.SendControl(protocol.ControlMessage{Status: protocol.StatusSendFrame}); err != nil {
			s.registry.Retire(context.Background(), sess.ID, "client_disconnect")
			return
		}

		set := sess.Slot.Peek()
		if set == nil || set.Equal(last) {
			time.Sleep(s.throttle)
			continue
		}

		img, err := s.invoker.Predict(sess.Context(), set)
		if err != nil {
			log.Warn("pipeline invocation failed", slog.String("error", err.Error()))
			s.registry.Retire(context.Background(), sess.ID, "pipeline_failure")
			return
		}
		s.invocations.Add(sess.Context(), 1)
		last = set

		// A result that finished after retirement is discarded.
		if sess.Context().Err() != nil {
			return
		}

		if s.safety != nil {
			flagged, err := s.safety.Check(sess.Context(), img)
			if err != nil {
				log.Warn("safety check failed", slog.String("error", err.Error()))
			} else if flagged {
				s.framesSuppressed.Add(sess.Context(), 1)
				s.registry.RecordEvent(context.Background(), sess.ID, protocol.EventFrameSuppressed, "")
				time.Sleep(s.throttle)
				continue
			}
		}

		sess.Acid.Update(img)

		n, err := s.writeFrame(w, img, sess.Firefox)
		if err != nil {
			s.registry.Retire(context.Background(), sess.ID, "client_disconnect")
			return
		}
		flusher.Flush()

		sequence++
		s.framesEmitted.Add(sess.Context(), 1)
		if sequence%frameEventSampleRate == 1 {
			_ = s.bus.PublishJSON(protocol.SubjectFrameEmitted, protocol.FrameEvent{
				SessionID: sess.ID,
				Sequence:  sequence,
				Bytes:     n,
				Timestamp: time.Now().UTC(),
			})
		}

		time.Sleep(s.throttle)
	}
}

// writeFrame emits one JPEG multipart part. Chromium-family browsers display
// a multipart part only once the next one arrives, so for non-Firefox agents
// the part is written twice.
func (s *Service) writeFrame(w io.Writer, img image.Image, firefox bool) (int, error) {
	var part bytes.Buffer
	fmt.Fprintf(&part, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", streamBoundary)
	if err := jpeg.Encode(&part, img, &jpeg.Options{Quality: 80}); err != nil {
		return 0, err
	}
	part.WriteString("\r\n")

	if _, err := w.Write(part.Bytes()); err != nil {
		return 0, err
	}
	if !firefox {
		if _, err := w.Write(part.Bytes()); err != nil {
			return 0, err
		}
	}
	return part.Len(), nil
}
