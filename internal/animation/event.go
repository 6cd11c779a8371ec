// Package animation fans speech start/end signals out to avatar viewers.
package animation

// Kind names an animation signal.
type Kind string

const (
	KindSpeechStart Kind = "tts_start"
	KindSpeechEnd   Kind = "tts_end"
)

// Event is the JSON frame sent to viewers.
type Event struct {
	Type Kind   `json:"type"`
	Text string `json:"text,omitempty"`
}
