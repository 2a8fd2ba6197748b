package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Control channel statuses exchanged with clients over the websocket.
const (
	StatusTimeout   = "timeout"
	StatusWait      = "wait"
	StatusSendFrame = "send_frame"
	StatusNextFrame = "next_frame"
)

// ControlMessage is the JSON envelope on the per-session control channel.
type ControlMessage struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SessionEvent is broadcast on the bus when a session changes lifecycle state.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FrameEvent is broadcast on the bus when a frame is emitted to a session.
type FrameEvent struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Bytes     int       `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSessionEventPrefix = "session.event"
	SubjectFrameEmitted       = "frame.emitted"
	SubjectNodeAnnounce       = "ctrl.node.announce"
	SubjectNodeHeartbeat      = "ctrl.node.heartbeat"
)

// SessionEventSubject returns the per-event bus subject, e.g. session.event.admitted.
func SessionEventSubject(event string) string {
	return fmt.Sprintf("%s.%s", SubjectSessionEventPrefix, event)
}

// Session lifecycle event names.
const (
	EventAdmitted        = "admitted"
	EventRetired         = "retired"
	EventTimeout         = "timeout"
	EventMalformedUpdate = "malformed_update"
	EventFrameSuppressed = "frame_suppressed"
)

// ParameterUpdate is the decoded second message of a next_frame exchange: the
// generative parameter fields plus the optional modulation sub-object.
type ParameterUpdate struct {
	Fields map[string]any
	Acid   map[string]any
}

// ParseParameterUpdate splits the raw payload into pipeline fields and the
// acid_settings sub-object. Absent acid_settings yields a nil Acid map.
func ParseParameterUpdate(data []byte) (ParameterUpdate, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return ParameterUpdate{}, fmt.Errorf("decode parameter payload: %w", err)
	}
	upd := ParameterUpdate{Fields: fields}
	if raw, ok := fields["acid_settings"]; ok {
		delete(fields, "acid_settings")
		acid, ok := raw.(map[string]any)
		if !ok {
			return ParameterUpdate{}, fmt.Errorf("acid_settings must be an object")
		}
		upd.Acid = acid
	}
	return upd, nil
}
