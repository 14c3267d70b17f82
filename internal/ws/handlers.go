package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/halyard-ai/halyard/internal/orchestrator"
	"github.com/halyard-ai/halyard/internal/providercall"
	"github.com/halyard-ai/halyard/internal/stages"
	"github.com/halyard-ai/halyard/internal/store"
	"github.com/halyard-ai/halyard/pkg/stage"
)

// dispatch routes one inbound frame. Authentication is required for
// everything except auth and ping.
func (m *Manager) dispatch(ctx context.Context, c *Conn, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.sendError(ctx, c, CodeInvalidPayload, "malformed message", "")
		return
	}

	switch msg.Type {
	case TypePing:
		m.send(ctx, c, TypePong, nil, Metadata{})
		return
	case TypeAuth:
		m.handleAuth(ctx, c, msg.Payload)
		return
	}

	if _, _, ok := c.snapshotIdentity(); !ok {
		m.sendError(ctx, c, CodeNotAuthenticated, "authenticate first", "")
		return
	}

	switch msg.Type {
	case TypeChatTyped:
		m.handleChatTyped(ctx, c, msg.Payload)
	case TypeVoiceStart:
		m.handleVoiceStart(ctx, c, msg.Payload)
	case TypeVoiceChunk:
		m.handleVoiceChunk(ctx, c, msg.Payload)
	case TypeVoiceEnd:
		m.handleVoiceEnd(ctx, c, msg.Payload)
	case TypeSetPipelineMode:
		m.handleSetPipelineMode(ctx, c, msg.Payload)
	case TypeSetModelChoice:
		m.handleSetModelChoice(ctx, c, msg.Payload)
	case TypeHistory:
		m.handleHistory(ctx, c, msg.Payload)
	case TypeSessionUpdate:
		m.handleSessionUpdate(ctx, c, msg.Payload)
	case TypeSessionEnd:
		m.handleSessionEnd(ctx, c)
	default:
		m.sendError(ctx, c, CodeInvalidPayload, "unknown message type: "+msg.Type, "")
	}
}

// send projects one outbound message onto the connection. Delivery failures
// are already logged by the projector.
func (m *Manager) send(ctx context.Context, c *Conn, msgType string, payload any, meta Metadata) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		m.log.Error("outbound message encode failed", "type", msgType, "error", err)
		return
	}
	_ = m.projector.Project(ctx, c.write, c.orgID(), msg, meta)
}

func (m *Manager) sendError(ctx context.Context, c *Conn, code, text, requestID string) {
	m.send(ctx, c, TypeError, ErrorPayload{Code: code, Message: text, RequestID: requestID}, Metadata{RequestID: requestID})
}

// ─── Auth ───

func (m *Manager) handleAuth(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p AuthPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Token == "" {
		m.send(ctx, c, TypeAuthError, ErrorPayload{Code: CodeInvalidPayload, Message: "token required"}, Metadata{})
		return
	}

	ident, err := m.auth.Verify(ctx, p.Token)
	if err != nil {
		m.log.Warn("authentication rejected", "connection_id", c.id, "error", err)
		m.send(ctx, c, TypeAuthError, ErrorPayload{Code: CodeNotAuthenticated, Message: "invalid token"}, Metadata{})
		return
	}

	user, err := m.users.UpsertUser(ctx, store.User{
		ID:           ident.UserID,
		AuthProvider: "workos",
		AuthSubject:  ident.UserID,
		Email:        ident.Email,
	})
	if err != nil {
		m.log.Error("user upsert failed", "user_id", ident.UserID, "error", err)
		m.sendError(ctx, c, CodeInternal, "authentication failed", "")
		return
	}
	if ident.OrgID != "" {
		org, err := m.users.UpsertOrganization(ctx, store.Organization{
			ID:          ident.OrgID,
			WorkOSOrgID: ident.OrgID,
			Name:        ident.Name,
		})
		if err != nil {
			m.log.Error("organization upsert failed", "org_id", ident.OrgID, "error", err)
		} else if err := m.users.UpsertMembership(ctx, store.OrganizationMembership{
			UserID: user.ID,
			OrgID:  org.ID,
			Role:   "member",
		}); err != nil {
			m.log.Error("membership upsert failed", "user_id", user.ID, "org_id", org.ID, "error", err)
		}
	}

	sessionID := p.SessionID
	if sessionID != "" {
		if _, err := m.sessions.GetSession(ctx, sessionID); errors.Is(err, store.ErrNotFound) {
			sessionID = ""
		} else if err != nil {
			m.sendError(ctx, c, CodeInternal, "session lookup failed", "")
			return
		}
	}
	if sessionID == "" {
		sess, err := m.sessions.CreateSession(ctx, store.Session{ID: uuid.NewString(), UserID: user.ID})
		if err != nil {
			m.log.Error("session create failed", "user_id", user.ID, "error", err)
			m.sendError(ctx, c, CodeInternal, "session create failed", "")
			return
		}
		sessionID = sess.ID
	}

	c.mu.Lock()
	c.authenticated = true
	c.identity = ident
	c.sessionID = sessionID
	c.platform = p.Platform
	c.mu.Unlock()

	m.log.Info("client authenticated", "connection_id", c.id,
		"user_id", user.ID, "org_id", ident.OrgID, "session_id", sessionID)
	m.send(ctx, c, TypeAuthSuccess, AuthSuccessPayload{
		UserID:    user.ID,
		SessionID: sessionID,
		OrgID:     ident.OrgID,
	}, Metadata{OrgID: ident.OrgID})
}

// ─── Chat ───

func (m *Manager) handleChatTyped(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p ChatTypedPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Content == "" || p.RequestID == "" {
		m.sendError(ctx, c, CodeInvalidPayload, "content and requestId required", p.RequestID)
		return
	}

	ident, sessionID, _ := c.snapshotIdentity()
	if p.SessionID != "" {
		sessionID = p.SessionID
	}

	snap, err := m.buildSnapshot(ctx, c, ident, sessionID, stage.ChannelText, p.RequestID, p.Content, p.MessageID)
	if err != nil {
		m.log.Error("snapshot build failed", "session_id", sessionID, "error", err)
		m.sendError(ctx, c, CodeInternal, "could not start pipeline", p.RequestID)
		return
	}
	meta := Metadata{RequestID: p.RequestID, PipelineRunID: snap.PipelineRunID, OrgID: ident.OrgID}

	outcome := m.runner.Execute(ctx, m.buildRequest(ctx, c, snap, meta, nil))
	switch outcome.Status {
	case orchestrator.OutcomeCancelled:
		m.send(ctx, c, TypeStatusUpdate, StatusUpdatePayload{
			Service: "pipeline", Status: "listening",
			Metadata: map[string]any{"reason": outcome.CancelReason},
		}, meta)
		return
	case orchestrator.OutcomeFailed:
		if !outcome.Canned {
			m.send(ctx, c, TypeStatusUpdate, StatusUpdatePayload{
				Service: "pipeline", Status: "error",
				Metadata: map[string]any{"stage": outcome.FailedStage},
			}, meta)
			return
		}
	}

	messageID := outcome.AssistantMessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	m.send(ctx, c, TypeChatComplete, ChatCompletePayload{
		SessionID:     sessionID,
		MessageID:     messageID,
		Content:       outcome.Response,
		Role:          "assistant",
		RequestID:     p.RequestID,
		PipelineRunID: snap.PipelineRunID,
	}, meta)
	m.projector.CheckRunCompleted(ctx, snap.PipelineRunID)

	if outcome.Status == orchestrator.OutcomeCompleted && !outcome.Canned {
		m.triggerSummary(ctx, c, snap)
	}
}

// ─── Voice ───

func (m *Manager) handleVoiceStart(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p VoiceStartPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.sendError(ctx, c, CodeInvalidPayload, "malformed voice.start", "")
		return
	}
	c.mu.Lock()
	c.recording = true
	c.voiceFormat = p.Format
	c.voiceBuf.Reset()
	c.mu.Unlock()

	m.send(ctx, c, TypeStatusUpdate, StatusUpdatePayload{Service: "voice", Status: "recording"}, Metadata{OrgID: c.orgID()})
}

func (m *Manager) handleVoiceChunk(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p VoiceChunkPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.sendError(ctx, c, CodeInvalidPayload, "malformed voice.chunk", "")
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		m.sendError(ctx, c, CodeInvalidPayload, "audio chunk is not valid base64", "")
		return
	}
	c.mu.Lock()
	if c.recording {
		c.voiceBuf.Write(decoded)
	}
	recording := c.recording
	c.mu.Unlock()
	if !recording {
		m.sendError(ctx, c, CodeInvalidPayload, "voice.chunk before voice.start", "")
	}
}

func (m *Manager) handleVoiceEnd(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p VoiceEndPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.sendError(ctx, c, CodeInvalidPayload, "malformed voice.end", "")
		return
	}

	c.mu.Lock()
	recording := c.recording
	audio := append([]byte(nil), c.voiceBuf.Bytes()...)
	c.recording = false
	c.voiceBuf.Reset()
	c.mu.Unlock()
	if !recording {
		m.sendError(ctx, c, CodeInvalidPayload, "voice.end before voice.start", p.RequestID)
		return
	}

	requestID := p.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ident, sessionID, _ := c.snapshotIdentity()
	snap, err := m.buildSnapshot(ctx, c, ident, sessionID, stage.ChannelVoice, requestID, "", p.MessageID)
	if err != nil {
		m.log.Error("snapshot build failed", "session_id", sessionID, "error", err)
		m.sendError(ctx, c, CodeInternal, "could not start pipeline", requestID)
		return
	}
	meta := Metadata{RequestID: requestID, PipelineRunID: snap.PipelineRunID, OrgID: ident.OrgID}

	outcome := m.runner.Execute(ctx, m.buildRequest(ctx, c, snap, meta, audio))
	switch outcome.Status {
	case orchestrator.OutcomeCancelled:
		// Empty or unusable audio is not an error to the client; the
		// assistant simply keeps listening.
		m.send(ctx, c, TypeStatusUpdate, StatusUpdatePayload{
			Service: "voice", Status: "listening",
			Metadata: map[string]any{"reason": outcome.CancelReason},
		}, meta)
		return
	case orchestrator.OutcomeFailed:
		if !outcome.Canned {
			m.send(ctx, c, TypeVoiceError, ErrorPayload{
				Code: CodeInternal, Message: "voice pipeline failed", RequestID: requestID,
			}, meta)
			return
		}
	}

	m.send(ctx, c, TypeVoiceComplete, VoiceCompletePayload{
		MessageID:   p.MessageID,
		Transcript:  outcome.Transcript,
		Response:    outcome.Response,
		AudioFormat: c.voiceFormat,
	}, meta)

	if outcome.Status == orchestrator.OutcomeCompleted && !outcome.Canned {
		m.triggerSummary(ctx, c, snap)
	}
}

// ─── Settings, history, session ───

func (m *Manager) handleSetPipelineMode(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p SetPipelineModePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.sendError(ctx, c, CodeInvalidPayload, "malformed settings.setPipelineMode", "")
		return
	}
	switch p.Mode {
	case ModeFast, ModeAccurate, ModeAccurateFiller:
	default:
		m.sendError(ctx, c, CodeInvalidPayload, "unknown pipeline mode: "+p.Mode, "")
		return
	}
	c.mu.Lock()
	c.mode = p.Mode
	c.mu.Unlock()
	m.send(ctx, c, TypeStatusUpdate, StatusUpdatePayload{
		Service: "settings", Status: "updated",
		Metadata: map[string]any{"pipeline_mode": p.Mode},
	}, Metadata{OrgID: c.orgID()})
}

func (m *Manager) handleSetModelChoice(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p SetModelChoicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.sendError(ctx, c, CodeInvalidPayload, "malformed settings.setModelChoice", "")
		return
	}
	if _, ok := m.providers.Models[p.Choice]; !ok {
		m.sendError(ctx, c, CodeInvalidPayload, "unknown model choice: "+p.Choice, "")
		return
	}
	c.mu.Lock()
	c.modelChoice = p.Choice
	c.mu.Unlock()
	m.send(ctx, c, TypeStatusUpdate, StatusUpdatePayload{
		Service: "settings", Status: "updated",
		Metadata: map[string]any{"model_choice": p.Choice},
	}, Metadata{OrgID: c.orgID()})
}

func (m *Manager) handleHistory(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p HistoryPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			m.sendError(ctx, c, CodeInvalidPayload, "malformed history request", "")
			return
		}
	}
	limit := p.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	_, sessionID, _ := c.snapshotIdentity()
	interactions, err := m.sessions.ListInteractions(ctx, sessionID, time.Time{}, limit)
	if err != nil {
		m.sendError(ctx, c, CodeInternal, "history load failed", "")
		return
	}
	items := make([]map[string]any, 0, len(interactions))
	for _, it := range interactions {
		items = append(items, map[string]any{
			"messageId": it.MessageID,
			"role":      it.Role,
			"content":   it.Content,
			"createdAt": nowStamp(it.CreatedAt),
		})
	}
	m.send(ctx, c, TypeHistoryList, map[string]any{
		"sessionId": sessionID,
		"messages":  items,
	}, Metadata{OrgID: c.orgID()})
}

// handleSessionUpdate applies a client-driven change to the session's routing
// state. Each present field is validated by the session-state service; absent
// fields keep their stored values.
func (m *Manager) handleSessionUpdate(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p SessionUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.sendError(ctx, c, CodeInvalidPayload, "malformed session.update", "")
		return
	}
	if p.Topology == "" && p.Behavior == "" && len(p.Config) == 0 {
		m.sendError(ctx, c, CodeInvalidPayload, "session.update with no fields", "")
		return
	}

	_, sessionID, _ := c.snapshotIdentity()
	var (
		state store.SessionState
		err   error
	)
	if p.Topology != "" {
		if state, err = m.states.SetTopology(ctx, sessionID, stage.Topology(p.Topology)); err != nil {
			m.sendError(ctx, c, CodeInvalidPayload, "unknown topology: "+p.Topology, "")
			return
		}
	}
	if p.Behavior != "" {
		if state, err = m.states.SetBehavior(ctx, sessionID, stage.Behavior(p.Behavior)); err != nil {
			m.sendError(ctx, c, CodeInvalidPayload, "unknown behavior: "+p.Behavior, "")
			return
		}
	}
	if len(p.Config) > 0 {
		if state, err = m.states.SetConfig(ctx, sessionID, p.Config); err != nil {
			m.sendError(ctx, c, CodeInternal, "session config update failed", "")
			return
		}
	}

	m.send(ctx, c, TypeStatusUpdate, StatusUpdatePayload{
		Service: "session", Status: "updated",
		Metadata: map[string]any{
			"topology": string(state.Topology),
			"behavior": string(state.Behavior),
		},
	}, Metadata{OrgID: c.orgID()})
}

func (m *Manager) handleSessionEnd(ctx context.Context, c *Conn) {
	_, sessionID, _ := c.snapshotIdentity()
	if err := m.sessions.EndSession(ctx, sessionID); err != nil {
		m.sendError(ctx, c, CodeInternal, "session end failed", "")
		return
	}
	m.send(ctx, c, TypeStatusUpdate, StatusUpdatePayload{Service: "session", Status: "ended"}, Metadata{OrgID: c.orgID()})
}

// ─── Run assembly ───

// buildSnapshot resolves the session's routing state, applies the
// connection's pipeline mode, and seeds the message history.
func (m *Manager) buildSnapshot(ctx context.Context, c *Conn, ident Identity, sessionID string, channel stage.Channel, requestID, inputText, interactionID string) (*stage.Snapshot, error) {
	state, err := m.states.Resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	history, err := m.sessions.ListInteractions(ctx, sessionID, time.Time{}, m.cfg.HistoryTurns)
	if err != nil {
		return nil, err
	}
	msgs := make([]stage.Message, 0, len(history))
	for _, it := range history {
		msgs = append(msgs, stage.Message{Role: it.Role, Content: it.Content})
	}

	return stage.NewSnapshot(stage.Snapshot{
		PipelineRunID: uuid.NewString(),
		RequestID:     requestID,
		SessionID:     sessionID,
		UserID:        ident.UserID,
		OrgID:         ident.OrgID,
		InteractionID: interactionID,
		Topology:      topologyFor(channel, mode, state.Topology),
		Channel:       channel,
		Behavior:      state.Behavior,
		Messages:      msgs,
		InputText:     inputText,
	}), nil
}

// topologyFor maps the connection's pipeline mode onto the channel. The
// session-state topology is the fallback when the mode is unset.
func topologyFor(channel stage.Channel, mode string, fallback stage.Topology) stage.Topology {
	accurate := mode == ModeAccurate || mode == ModeAccurateFiller
	switch channel {
	case stage.ChannelVoice:
		if accurate {
			return stage.TopologyVoiceAccurate
		}
		if mode == ModeFast {
			return stage.TopologyVoiceFast
		}
	default:
		if accurate {
			return stage.TopologyChatAccurate
		}
		if mode == ModeFast {
			return stage.TopologyChatFast
		}
	}
	if fallback.IsValid() {
		return fallback
	}
	if channel == stage.ChannelVoice {
		return stage.TopologyVoiceFast
	}
	return stage.TopologyChatFast
}

// buildRequest wires the provider ports and the client delivery callbacks for
// one run.
func (m *Manager) buildRequest(ctx context.Context, c *Conn, snap *stage.Snapshot, meta Metadata, audio []byte) orchestrator.Request {
	c.mu.Lock()
	choice := c.modelChoice
	mode := c.mode
	c.mu.Unlock()

	primary := m.providers.Models[choice]
	if primary == nil {
		primary = m.providers.Models[m.providers.DefaultModel]
	}
	values := map[string]any{
		stages.PortCallLogger: m.providers.CallLogger,
		stages.PortSessions:   m.sessions,
	}
	if primary != nil {
		values[stages.PortLLMProvider] = primary
	}
	if m.providers.Backup != nil {
		values[stages.PortLLMBackupProvider] = m.providers.Backup
	}
	if m.providers.STT != nil {
		values[stages.PortSTTProvider] = m.providers.STT
	}
	if snap.Channel == stage.ChannelVoice && m.providers.TTS != nil {
		values[stages.PortTTSProvider] = m.providers.TTS
		values[stages.PortVoice] = m.providers.Voice
	}
	if m.providers.Embeddings != nil {
		values[stages.PortEmbeddings] = m.providers.Embeddings
	}
	if m.providers.Index != nil {
		values[stages.PortSemanticIndex] = m.providers.Index
	}

	// Without an embeddings provider the accurate topologies run unenriched.
	var skip []string
	if m.providers.Embeddings == nil || m.providers.Index == nil {
		skip = append(skip, stages.StageEnrich)
	}

	sessionID := snap.SessionID
	ports := stage.Ports{
		SendStatus: func(service, status string, data map[string]any) {
			m.send(ctx, c, TypeStatusUpdate, StatusUpdatePayload{
				Service: service, Status: status, Metadata: data,
			}, meta)
		},
		SendToken: func(token string) {
			m.send(ctx, c, TypeChatToken, ChatTokenPayload{SessionID: sessionID, Token: token}, meta)
		},
		SendAudio: func(chunk []byte, final bool) {
			m.send(ctx, c, TypeAudioChunk, AudioChunkPayload{
				Data:  base64.StdEncoding.EncodeToString(chunk),
				Final: final,
			}, meta)
		},
		AudioInput: audio,
	}

	cfg := map[string]any{}
	if mode == ModeAccurateFiller {
		cfg["filler_audio"] = true
	}
	if m.summaries != nil {
		if text, err := m.summaries.Latest(ctx, snap.SessionID); err != nil {
			m.log.Warn("latest summary load failed", "session_id", snap.SessionID, "error", err)
		} else if text != "" {
			cfg["session_summary"] = text
		}
	}
	return orchestrator.Request{
		Snapshot:   snap,
		Callbacks:  ports,
		PortValues: values,
		Config:     cfg,
		SkipStages: skip,
		Intent:     "conversation",
	}
}

// summaryTranscriptTurns is how many recent interactions accompany the
// summary status update.
const summaryTranscriptTurns = 30

// triggerSummary bumps the session turn counter and generates the rolling
// summary when due. A generated summary is announced to the client together
// with a slice of the recent transcript. Failures never surface to the
// client.
func (m *Manager) triggerSummary(ctx context.Context, c *Conn, snap *stage.Snapshot) {
	if m.summaries == nil {
		return
	}
	sum, err := m.summaries.CheckAndTrigger(ctx, providercall.Meta{
		PipelineRunID: snap.PipelineRunID,
		SessionID:     snap.SessionID,
		UserID:        snap.UserID,
		Service:       snap.Topology.Service(),
	})
	if err != nil {
		m.log.Error("summary generation failed", "session_id", snap.SessionID, "error", err)
		return
	}
	if sum == nil {
		return
	}

	var transcript []map[string]any
	recent, err := m.sessions.ListInteractions(ctx, snap.SessionID, time.Time{}, summaryTranscriptTurns)
	if err != nil {
		m.log.Error("summary transcript load failed", "session_id", snap.SessionID, "error", err)
	} else {
		transcript = make([]map[string]any, 0, len(recent))
		for _, it := range recent {
			transcript = append(transcript, map[string]any{
				"messageId": it.MessageID,
				"role":      it.Role,
				"content":   it.Content,
			})
		}
	}

	m.send(ctx, c, TypeStatusUpdate, StatusUpdatePayload{
		Service: "summary", Status: "updated",
		Metadata: map[string]any{
			"version":    sum.Version,
			"transcript": transcript,
		},
	}, Metadata{PipelineRunID: snap.PipelineRunID, OrgID: snap.OrgID})
}
