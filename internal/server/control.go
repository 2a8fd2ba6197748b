package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"time"

	"github.com/miragelabs/mirage-core/internal/fusion"
	"github.com/miragelabs/mirage-core/internal/pipeline"
	"github.com/miragelabs/mirage-core/internal/protocol"
	"github.com/miragelabs/mirage-core/internal/session"
)

// sessionEndedNotice is the client-facing text on a timeout notification.
const sessionEndedNotice = "Your session has ended"

var errExchangeTimeout = errors.New("client idle past the session timeout")

type wsMessage struct {
	data []byte
	err  error
}

// runControl drives one session's control channel until retirement. A
// dedicated goroutine owns all reads from the connection; the loop
// multiplexes incoming messages with a ticker so the idle timeout is
// evaluated at least once per poll interval even when the client goes quiet.
// The deferred retire is the safety net for faults: whatever ends this loop,
// the session never outlives it in the registry.
func (s *Service) runControl(sess *session.Session) {
	log := s.log.With(slog.String("session_id", sess.ID))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("control loop fault", slog.Any("panic", rec))
		}
		s.registry.Retire(context.Background(), sess.ID, "control_loop_exit")
	}()

	msgs := make(chan wsMessage)
	go s.readPump(sess, msgs)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Context().Done():
			return

		case <-ticker.C:
			if s.idleTimeout > 0 && sess.IdleFor() > s.idleTimeout {
				s.notifyTimeout(sess)
				s.registry.Retire(context.Background(), sess.ID, "timeout")
				return
			}

		case m := <-msgs:
			if m.err != nil {
				s.registry.Retire(context.Background(), sess.ID, "client_disconnect")
				return
			}
			sess.Touch()

			var msg protocol.ControlMessage
			if err := json.Unmarshal(m.data, &msg); err != nil {
				log.Debug("undecodable control message", slog.String("error", err.Error()))
				continue
			}
			if msg.Status != protocol.StatusNextFrame {
				continue
			}

			if err := s.handleNextFrame(sess, msgs, log); err != nil {
				if errors.Is(err, errExchangeTimeout) {
					s.notifyTimeout(sess)
					s.registry.Retire(context.Background(), sess.ID, "timeout")
					return
				}
				log.Warn("control channel failed", slog.String("error", err.Error()))
				s.registry.Retire(context.Background(), sess.ID, "client_disconnect")
				return
			}
		}
	}
}

// readPump owns the connection's read side. The websocket fails permanently
// on the first read error, so the pump forwards it once and never reads
// again.
func (s *Service) readPump(sess *session.Session, msgs chan<- wsMessage) {
	for {
		_, data, err := sess.Conn.ReadMessage()
		select {
		case msgs <- wsMessage{data: data, err: err}:
		case <-sess.Context().Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// awaitMessage delivers the next message of an in-progress exchange. The wait
// is bounded by the idle timeout when one is configured, so a client that
// stalls mid exchange still times out.
func (s *Service) awaitMessage(sess *session.Session, msgs <-chan wsMessage) ([]byte, error) {
	var expired <-chan time.Time
	if s.idleTimeout > 0 {
		timer := time.NewTimer(s.idleTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-sess.Context().Done():
		return nil, sess.Context().Err()
	case <-expired:
		return nil, errExchangeTimeout
	case m := <-msgs:
		if m.err != nil {
			return nil, m.err
		}
		sess.Touch()
		return m.data, nil
	}
}

func (s *Service) notifyTimeout(sess *session.Session) {
	_ = sess.SendControl(protocol.ControlMessage{
		Status:  protocol.StatusTimeout,
		Message: sessionEndedNotice,
	})
}

// handleNextFrame runs one next_frame exchange: parameter payload, fusion,
// optional image payload, slot store. Only transport failures are returned;
// bad updates are discarded and the session keeps going.
func (s *Service) handleNextFrame(sess *session.Session, msgs <-chan wsMessage, log *slog.Logger) error {
	payload, err := s.awaitMessage(sess, msgs)
	if err != nil {
		return err
	}

	upd, err := protocol.ParseParameterUpdate(payload)
	if err != nil {
		s.discardUpdate(sess, log, err)
		return sess.SendControl(protocol.ControlMessage{Status: protocol.StatusWait})
	}
	if err := s.invoker.Info().CheckFields(upd.Fields); err != nil {
		s.discardUpdate(sess, log, err)
		return sess.SendControl(protocol.ControlMessage{Status: protocol.StatusWait})
	}

	fupd, err := fusion.ParseUpdate(upd.Acid)
	if err != nil {
		s.discardUpdate(sess, log, err)
		return sess.SendControl(protocol.ControlMessage{Status: protocol.StatusWait})
	}
	s.applyAcidSettings(sess, upd.Acid)

	// No client bins but a live server-side analyzer: feed its window in,
	// pre-amplified the way raw analyzer energies need.
	if len(fupd.Bins) == 0 && s.analyzer != nil && sess.Fusion.AudioReactive() {
		if bins, err := s.analyzer.Features(sess.Context()); err != nil {
			log.Debug("audio analyzer", slog.String("error", err.Error()))
		} else {
			fupd.Bins = sess.Fusion.Freq.Amplify(bins)
		}
	}

	resolved, err := s.engine.Fuse(sess.Fusion, fupd)
	if err != nil {
		s.discardUpdate(sess, log, err)
		return sess.SendControl(protocol.ControlMessage{Status: protocol.StatusWait})
	}
	sess.Acid.SetZoomFactor(resolved.Zoom)
	sess.Acid.SetXShift(resolved.XShift)
	sess.Acid.SetYShift(resolved.YShift)

	set := &pipeline.ParameterSet{Fields: upd.Fields}

	if s.invoker.Info().InputMode == pipeline.InputModeImage {
		raw, err := s.awaitMessage(sess, msgs)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			// Client had no frame ready; ask again without touching
			// the slot.
			return sess.SendControl(protocol.ControlMessage{Status: protocol.StatusSendFrame})
		}

		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			s.discardUpdate(sess, log, err)
			return sess.SendControl(protocol.ControlMessage{Status: protocol.StatusWait})
		}

		processed := s.processInput(sess, img, log)
		var buf bytes.Buffer
		if err := png.Encode(&buf, processed); err != nil {
			return err
		}
		set.Image = buf.Bytes()
		set.ImageDigest = pipeline.Digest(raw)
	}

	sess.Slot.Put(set)
	return sess.SendControl(protocol.ControlMessage{Status: protocol.StatusWait})
}

// processInput runs the collaborator chain on a client frame. Every stage is
// best-effort; a failing collaborator logs and yields the previous stage's
// image.
func (s *Service) processInput(sess *session.Session, img image.Image, log *slog.Logger) image.Image {
	out, mask := sess.Input.Process(sess.Context(), img)

	if s.remover != nil {
		removed, err := s.remover.Remove(sess.Context(), out)
		if err != nil {
			log.Warn("background removal failed", slog.String("error", err.Error()))
		} else {
			out = removed
		}
	}

	return sess.Acid.ProcessInput(out, mask)
}

func (s *Service) discardUpdate(sess *session.Session, log *slog.Logger, cause error) {
	log.Warn("parameter update discarded", slog.String("error", cause.Error()))
	s.malformedUpdates.Add(sess.Context(), 1)
	s.registry.RecordEvent(context.Background(), sess.ID, protocol.EventMalformedUpdate, cause.Error())
}

// applyAcidSettings pushes the direct processor knobs from an update onto the
// session's processors. Fusion-owned fields (zoom, shifts, bins) are handled
// by the engine instead.
func (s *Service) applyAcidSettings(sess *session.Session, acid map[string]any) {
	if acid == nil {
		return
	}
	if v, ok := floatSetting(acid, "acid_strength"); ok {
		sess.Acid.SetAcidStrength(v)
	}
	if v, ok := floatSetting(acid, "acid_strength_foreground"); ok {
		sess.Acid.SetAcidStrengthForeground(v)
	}
	if v, ok := floatSetting(acid, "coef_noise"); ok {
		sess.Acid.SetCoefNoise(v)
	}
	if v, ok := floatSetting(acid, "color_matching"); ok {
		sess.Acid.SetColorMatching(v)
	}
	if v, ok := boolSetting(acid, "acid_tracers"); ok {
		sess.Acid.SetAcidTracers(v)
	}
	if v, ok := boolSetting(acid, "acid_wobblers"); ok {
		sess.Acid.SetAcidWobblers(v)
	}
	if v, ok := boolSetting(acid, "human_seg"); ok {
		sess.Input.SetHumanSeg(v)
	}
	if v, ok := floatSetting(acid, "resizing_factor"); ok {
		sess.Input.SetResizingFactor(v)
	}
	if v, ok := boolSetting(acid, "blur"); ok {
		sess.Input.SetBlur(v)
	}
	if v, ok := floatSetting(acid, "brightness"); ok {
		sess.Input.SetBrightness(v)
	}
	if v, ok := boolSetting(acid, "infrared_colorize"); ok {
		sess.Input.SetInfraredColorize(v)
	}
	if v, ok := boolSetting(acid, "audio_reactive"); ok {
		sess.Fusion.Freq.SetEnabled(v)
	}
}

func floatSetting(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func boolSetting(m map[string]any, key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
