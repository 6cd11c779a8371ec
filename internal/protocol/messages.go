package protocol

import "time"

// ChatInput asks the runtime to answer a user turn.
type ChatInput struct {
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechRequest asks the runtime to speak text verbatim.
type SpeechRequest struct {
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AnimationSignal mirrors the viewer WebSocket frames on the bus.
type AnimationSignal struct {
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is ASR output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// AssistantReply is published once a generated turn has been fully queued.
type AssistantReply struct {
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectChatInput       = "miko.chat.input"
	SubjectSpeechRequest   = "miko.speech.request"
	SubjectAnimation       = "miko.animation"
	SubjectTranscriptFinal = "miko.asr.text.final"
	SubjectAssistantReply  = "miko.chat.reply"
)
