// Package ws implements the WebSocket surface: the wire protocol, the
// connection manager, the inbound message handlers, and the outbound
// projector that enriches every message with run metadata and enforces the
// one-chat.complete-per-run contract.
package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound message types.
const (
	TypeAuth            = "auth"
	TypeChatTyped       = "chat.typed"
	TypeVoiceStart      = "voice.start"
	TypeVoiceChunk      = "voice.chunk"
	TypeVoiceEnd        = "voice.end"
	TypeSetPipelineMode = "settings.setPipelineMode"
	TypeSetModelChoice  = "settings.setModelChoice"
	TypeHistory         = "history"
	TypeSessionUpdate   = "session.update"
	TypeSessionEnd      = "session.end"
	TypePing            = "ping"
)

// Outbound message types.
const (
	TypeAuthSuccess  = "auth.success"
	TypeAuthError    = "auth.error"
	TypeChatToken    = "chat.token"
	TypeChatComplete = "chat.complete"
	TypeVoiceComplete = "voice.complete"
	TypeVoiceError   = "voice.error"
	TypeAudioChunk   = "audio.chunk"
	TypeStatusUpdate = "status.update"
	TypeHistoryList  = "history.list"
	TypeError        = "error"
	TypePong         = "pong"
)

// Error codes carried by outbound error messages.
const (
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Pipeline modes selectable per connection.
const (
	ModeFast           = "fast"
	ModeAccurate       = "accurate"
	ModeAccurateFiller = "accurate_filler"
)

// Metadata is stamped onto every projected outbound message.
type Metadata struct {
	RequestID     string `json:"request_id,omitempty"`
	PipelineRunID string `json:"pipeline_run_id,omitempty"`
	OrgID         string `json:"org_id,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// Message is the wire envelope in both directions.
type Message struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata *Metadata       `json:"metadata,omitempty"`
}

// NewMessage builds an outbound message, encoding payload to JSON.
func NewMessage(msgType string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("ws: encode %s payload: %w", msgType, err)
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// ─── Inbound payloads ───

// AuthPayload carries the client's credentials.
type AuthPayload struct {
	Token     string `json:"token"`
	Platform  string `json:"platform,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ChatTypedPayload starts a typed chat turn.
type ChatTypedPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	MessageID string `json:"messageId"`
	RequestID string `json:"requestId"`
	Content   string `json:"content"`
}

// VoiceStartPayload arms the per-connection recorder.
type VoiceStartPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Format    string `json:"format,omitempty"`
}

// VoiceChunkPayload appends base64 audio to the recorder.
type VoiceChunkPayload struct {
	Data string `json:"data"`
}

// VoiceEndPayload finalizes the recording and runs the voice pipeline.
type VoiceEndPayload struct {
	MessageID string `json:"messageId"`
	RequestID string `json:"requestId,omitempty"`
}

// SetPipelineModePayload switches the connection's pipeline mode.
type SetPipelineModePayload struct {
	Mode string `json:"mode"`
}

// SetModelChoicePayload switches the connection's model choice.
type SetModelChoicePayload struct {
	Choice string `json:"choice"`
}

// HistoryPayload requests recent interactions for the session.
type HistoryPayload struct {
	Limit int `json:"limit,omitempty"`
}

// SessionUpdatePayload updates the session's routing state. Absent fields are
// left unchanged.
type SessionUpdatePayload struct {
	Topology string         `json:"topology,omitempty"`
	Behavior string         `json:"behavior,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// ─── Outbound payloads ───

// AuthSuccessPayload confirms authentication.
type AuthSuccessPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	OrgID     string `json:"orgId,omitempty"`
}

// ErrorPayload reports a typed error to the client.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// ChatTokenPayload delivers one streamed token.
type ChatTokenPayload struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

// ChatCompletePayload delivers the final assistant message. Sent at most once
// per pipeline run.
type ChatCompletePayload struct {
	SessionID     string `json:"sessionId"`
	MessageID     string `json:"messageId"`
	Content       string `json:"content"`
	Role          string `json:"role"`
	RequestID     string `json:"requestId"`
	PipelineRunID string `json:"pipelineRunId"`
}

// VoiceCompletePayload delivers the voice turn result.
type VoiceCompletePayload struct {
	MessageID   string `json:"messageId"`
	Transcript  string `json:"transcript"`
	Response    string `json:"response"`
	AudioFormat string `json:"audioFormat,omitempty"`
}

// AudioChunkPayload delivers one synthesised audio chunk, base64 encoded.
type AudioChunkPayload struct {
	Data  string `json:"data"`
	Final bool   `json:"final"`
}

// StatusUpdatePayload reports pipeline progress.
type StatusUpdatePayload struct {
	Service  string         `json:"service"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// nowStamp formats a metadata timestamp.
func nowStamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
