package server

// Wire types for the /ws/agent protocol. Text frames carry JSON control
// messages in both directions; binary frames carry PCM (mic audio inbound,
// agent speech outbound).

// Inbound message types.
const (
	msgStart              = "start"
	msgStop               = "stop"
	msgFinalAudioComplete = "final_audio_complete"
)

// clientMessage is any inbound JSON control frame. Unknown fields are
// ignored so older clients keep working.
type clientMessage struct {
	Type    string `json:"type"`
	Persona string `json:"persona,omitempty"`
}

// Outbound event types.
const (
	evtStatus      = "status"
	evtASRFinal    = "asr_final"
	evtLLMToken    = "llm_token"
	evtAudioStart  = "audio_start"
	evtSegmentDone = "segment_done"
	evtTurnDone    = "turn_done"
	evtHangup      = "hangup"
	evtDone        = "done"
)

// statusEvent reports connection lifecycle transitions.
type statusEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// textEvent carries a transcript or model delta.
type textEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// segmentDoneEvent marks the end of one spoken segment's audio.
type segmentDoneEvent struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
}

// hangupEvent signals the prospect ended the call.
type hangupEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// typeOnlyEvent covers audio_start, turn_done, and done.
type typeOnlyEvent struct {
	Type string `json:"type"`
}
