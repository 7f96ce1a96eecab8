package protocol

import "time"

// StateMessage is broadcast on SubjectState for every transition and on
// every status heartbeat.
type StateMessage struct {
	Mode       string    `json:"mode"`
	Generation uint64    `json:"generation"`
	SessionID  string    `json:"session_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Changed    time.Time `json:"changed"`
	Counters   *Counters `json:"counters,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Counters are cumulative since daemon start.
type Counters struct {
	Injected      uint64 `json:"injected"`
	InjectFailed  uint64 `json:"inject_failed"`
	StaleResults  uint64 `json:"stale_results"`
	StaleInjects  uint64 `json:"stale_injects"`
	PendingSlots  int    `json:"pending_slots"`
	FramesDropped uint64 `json:"frames_dropped"`
}

// ControlRequest asks the daemon to change mode. Requests sent with a reply
// subject get a ControlReply.
type ControlRequest struct {
	Action string `json:"action"` // toggle, set_mode
	Mode   string `json:"mode,omitempty"`
}

type ControlReply struct {
	OK    bool         `json:"ok"`
	Error string       `json:"error,omitempty"`
	State StateMessage `json:"state"`
}

// Transcript is advisory: it is published after the injection decision, and
// Injected tells observers whether the text was typed.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Generation uint64    `json:"generation"`
	StartSeq   uint64    `json:"start_seq"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Injected   bool      `json:"injected"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorReport carries fatal errors (device lost, open failure).
type ErrorReport struct {
	Error      string    `json:"error"`
	Generation uint64    `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	ActionToggle  = "toggle"
	ActionSetMode = "set_mode"
)

const (
	SubjectState             = "kevio.state"
	SubjectControl           = "kevio.control"
	SubjectTranscriptPartial = "kevio.transcript.partial"
	SubjectTranscriptFinal   = "kevio.transcript.final"
	SubjectError             = "kevio.error"
)
