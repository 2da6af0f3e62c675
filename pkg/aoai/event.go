package aoai

import (
	"encoding/base64"
	"encoding/json"
)

// Event is one decoded server event. Only the handful of fields the bridge
// acts on are parsed; Raw carries the full payload for everything else.
type Event struct {
	Type string `json:"type"`

	// Delta carries base64 PCM16 on response.audio.delta /
	// response.output_audio.delta and text on transcript delta events.
	Delta string `json:"delta,omitempty"`

	// Transcript is set on
	// conversation.item.input_audio_transcription.completed.
	Transcript string `json:"transcript,omitempty"`

	// Error is set on error events.
	Error *ErrorDetail `json:"error,omitempty"`

	// Raw is the unparsed event payload.
	Raw json.RawMessage `json:"-"`
}

// ErrorDetail is the nested error object of an error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// AudioData decodes the base64 audio payload of a delta event. Returns nil
// when the event carries no decodable audio.
func (e Event) AudioData() []byte {
	if e.Delta == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(e.Delta)
	if err != nil {
		return nil
	}
	return data
}

// ErrorMessage returns the human-readable message of an error event, or the
// empty string for other events.
func (e Event) ErrorMessage() string {
	if e.Error == nil {
		return ""
	}
	return e.Error.Message
}
