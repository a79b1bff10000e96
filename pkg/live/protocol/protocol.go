// Package protocol defines the wire frames of the bidirectional live audio
// channel between the tutor client and the remote conversational model.
//
// The channel is a websocket carrying JSON frames. The client opens with a
// single setup frame, the server acknowledges with setup_complete, and from
// then on the client streams realtime audio input while the server streams
// model turns containing inline audio and text.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/laoshi/pkg/audio"
)

const (
	// DefaultModel is the realtime-capable conversational model.
	DefaultModel = "models/gemini-2.0-flash-exp"

	// DefaultEndpoint is the bidi generation websocket endpoint. The API key
	// is appended as a query parameter at dial time.
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	ModalityAudio = "AUDIO"
	ModalityText  = "TEXT"

	// InputSampleRateHz is the sample rate of outbound microphone audio.
	InputSampleRateHz = 16000
	// OutputSampleRateHz is the sample rate of inbound model audio.
	OutputSampleRateHz = 24000
)

// DecodeError reports a malformed inbound frame.
type DecodeError struct {
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

// Content is one speaker turn: an ordered list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Part is a single piece of turn content, either text or inline binary data.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *audio.Blob `json:"inlineData,omitempty"`
}

// PrebuiltVoiceConfig names one of the server's stock voices.
type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName,omitempty"`
}

// VoiceConfig selects the synthesis voice for audio responses.
type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

// SpeechConfig configures server-side speech synthesis.
type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

// GenerationConfig shapes model output for the session.
type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

// SetupPayload is the session configuration sent in the opening frame.
type SetupPayload struct {
	Model             string            `json:"model"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
}

// ClientSetup is the first frame on every connection.
type ClientSetup struct {
	Setup SetupPayload `json:"setup"`
}

// NewSetup builds the opening frame for an audio tutor session.
func NewSetup(model, voiceName, systemInstruction string) ClientSetup {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	setup := SetupPayload{
		Model: model,
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{ModalityAudio},
		},
	}
	if voiceName = strings.TrimSpace(voiceName); voiceName != "" {
		setup.GenerationConfig.SpeechConfig = &SpeechConfig{
			VoiceConfig: &VoiceConfig{
				PrebuiltVoiceConfig: &PrebuiltVoiceConfig{VoiceName: voiceName},
			},
		}
	}
	if systemInstruction = strings.TrimSpace(systemInstruction); systemInstruction != "" {
		setup.SystemInstruction = &Content{
			Parts: []Part{{Text: systemInstruction}},
		}
	}
	return ClientSetup{Setup: setup}
}

// RealtimeInputPayload carries streamed media chunks toward the model.
type RealtimeInputPayload struct {
	MediaChunks []audio.Blob `json:"mediaChunks"`
}

// ClientRealtimeInput is a streamed audio frame from the client.
type ClientRealtimeInput struct {
	RealtimeInput RealtimeInputPayload `json:"realtimeInput"`
}

// NewRealtimeAudio wraps one encoded audio blob as a realtime input frame.
func NewRealtimeAudio(blob audio.Blob) ClientRealtimeInput {
	return ClientRealtimeInput{
		RealtimeInput: RealtimeInputPayload{MediaChunks: []audio.Blob{blob}},
	}
}

// SetupComplete acknowledges the client setup frame.
type SetupComplete struct{}

// ServerContent is one increment of a model turn.
type ServerContent struct {
	ModelTurn    *Content `json:"modelTurn,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
}

// ServerMessage is the envelope of every inbound frame. Exactly one field is
// set per frame.
type ServerMessage struct {
	SetupComplete *SetupComplete `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
}

// DecodeServerMessage parses one inbound text frame.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Message: fmt.Sprintf("decode server frame: %v", err)}
	}
	return &msg, nil
}

// AudioBlobs extracts the inline audio blobs of a server content frame in
// part order.
func (c *ServerContent) AudioBlobs() []audio.Blob {
	if c == nil || c.ModelTurn == nil {
		return nil
	}
	var blobs []audio.Blob
	for _, part := range c.ModelTurn.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			blobs = append(blobs, *part.InlineData)
		}
	}
	return blobs
}

// TextParts extracts the non-empty text parts of a server content frame in
// part order.
func (c *ServerContent) TextParts() []string {
	if c == nil || c.ModelTurn == nil {
		return nil
	}
	var texts []string
	for _, part := range c.ModelTurn.Parts {
		if strings.TrimSpace(part.Text) != "" {
			texts = append(texts, part.Text)
		}
	}
	return texts
}
