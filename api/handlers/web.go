package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilrelay/gateway/api"
	"github.com/veilrelay/gateway/privacy"
	"github.com/veilrelay/gateway/router"
	"github.com/veilrelay/gateway/session"
	"github.com/veilrelay/gateway/types"
)

// WebHandler serves the Web API (§6): session lifecycle plus connect and
// generate, used by the first-party UI. Unlike the Direct API, a turn
// against generate always rotates the session's bound endpoint afterward
// (§4.2 single-turn completion — see DESIGN.md's CompleteStatelessTurn
// resolution), so the UI sees a fresh candidate each turn.
type WebHandler struct {
	sessions *session.Manager
	router   *router.Router
	privacy  *privacy.Pipeline
	logger   *zap.Logger
}

// NewWebHandler builds a WebHandler.
func NewWebHandler(sessions *session.Manager, r *router.Router, p *privacy.Pipeline, logger *zap.Logger) *WebHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebHandler{sessions: sessions, router: r, privacy: p, logger: logger}
}

// =============================================================================
// Session lifecycle
// =============================================================================

// HandleInitializeSession handles POST /web/initialize-session.
func (h *WebHandler) HandleInitializeSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticatedUserID(w, r, h.logger)
	if !ok {
		return
	}

	var req api.InitializeSessionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.UserID != 0 && req.UserID != userID {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "user_id does not match the authenticated user", h.logger)
		return
	}

	sessionID, err := h.sessions.Initialize(r.Context(), userID)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, api.Response{
		Success:   true,
		Data:      api.InitializeSessionResponse{SessionID: sessionID},
		Timestamp: time.Now(),
	})
}

// HandleUpdateSessionModels handles PUT /web/session/models.
func (h *WebHandler) HandleUpdateSessionModels(w http.ResponseWriter, r *http.Request) {
	var req api.SessionModelsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if !ValidateID(req.SessionID) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "invalid session_id", h.logger)
		return
	}
	if !validModelList(req.SelectedModels) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "selected_models must be a non-empty list of valid provider/model strings", h.logger)
		return
	}

	ctx := r.Context()
	needsDisconnect, message, err := h.sessions.UpdateModels(ctx, req.SessionID, req.SelectedModels)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}
	candidates, err := h.sessions.GetCandidates(ctx, req.SessionID)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}

	WriteSuccess(w, api.SessionModelsResponse{
		AvailableEndpoints: toEndpointSummaries(candidates),
		NeedsDisconnection: needsDisconnect,
		Message:            message,
	})
}

// HandleSessionEndpoints handles GET /web/session/{id}/endpoints.
func (h *WebHandler) HandleSessionEndpoints(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !ValidateID(sessionID) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "invalid session id", h.logger)
		return
	}

	candidates, err := h.sessions.GetCandidates(r.Context(), sessionID)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.SessionEndpointsResponse{Endpoints: toEndpointSummaries(candidates)})
}

// HandleChooseEndpoint handles POST /web/session/{id}/choose-endpoint.
func (h *WebHandler) HandleChooseEndpoint(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !ValidateID(sessionID) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "invalid session id", h.logger)
		return
	}

	var req api.ChooseEndpointRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	if req.EndpointID != nil && !ValidateID(*req.EndpointID) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "invalid endpoint_id", h.logger)
		return
	}

	chosen, err := h.sessions.ChooseEndpoint(r.Context(), sessionID, req.EndpointID)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}

	WriteSuccess(w, api.ChooseEndpointResponse{
		SelectedProvider: chosen.Provider,
		SelectedModel:    chosen.Model,
		EndpointID:       chosen.EndpointID,
		APIKeyHash:       chosen.KeyHash,
	})
}

// HandleSessionStatus handles GET /web/session/{id}. An expired session
// reports the special session-expired payload (§7); an invalid one reports
// 404 (the suspicious-access record is written inside CheckStatus).
func (h *WebHandler) HandleSessionStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticatedUserID(w, r, h.logger)
	if !ok {
		return
	}
	sessionID := r.PathValue("id")
	if !ValidateID(sessionID) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "invalid session id", h.logger)
		return
	}

	status, err := h.sessions.CheckStatus(r.Context(), userID, sessionID, r.RemoteAddr)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}

	switch status {
	case types.SessionActive:
		WriteSuccess(w, api.SessionStatusResponse{Status: "active"})
	case types.SessionExpired:
		// §7: session-expired carries a special payload beyond the usual
		// envelope so the client knows to create a new session rather
		// than retry.
		WriteJSON(w, http.StatusGone, api.Response{
			Success: false,
			Error: &api.ErrorInfo{
				Code:       string(types.ErrSessionExpired),
				Message:    "session_expired",
				Action:     "create_new_session",
				HTTPStatus: http.StatusGone,
			},
			Timestamp: time.Now(),
		})
	default:
		WriteErrorMessage(w, http.StatusNotFound, types.ErrSessionNotFound, "session not found", h.logger)
	}
}

// HandleEndSession handles POST /web/end-session.
func (h *WebHandler) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if !ValidateID(req.SessionID) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "invalid session_id", h.logger)
		return
	}

	if err := h.sessions.End(r.Context(), req.SessionID); err != nil {
		writeSessionError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// generate / connect
// =============================================================================

// emitFunc sends one JSON-marshalable frame over whichever transport the
// caller is using (SSE for generate, a websocket text message for connect).
type emitFunc func(v any) error

// HandleGenerate handles POST /web/generate. Non-streaming calls return a
// single QueryResponse; streaming calls emit status chunks interleaved with
// content chunks, terminated by [DONE].
func (h *WebHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req api.GenerateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if !ValidateID(req.SessionID) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "invalid session_id", h.logger)
		return
	}
	if err := ValidateMessages(req.Messages); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, err.Error(), h.logger)
		return
	}

	ctx := r.Context()

	if !req.Stream {
		result, score, err := h.generateTurn(ctx, req, nil)
		if err != nil {
			writeSessionError(w, err, h.logger)
			return
		}
		model := result.Model
		if result.Provider != "" {
			model = result.Provider + "/" + result.Model
		}
		WriteJSON(w, http.StatusOK, api.QueryResponse{
			TurnID: uuid.NewString(),
			Choices: []api.ChatChoice{{
				Index:        0,
				Message:      api.ChatMessage{Role: "assistant", Content: result.Content},
				FinishReason: "stop",
			}},
			MetaData: api.MetaData{
				EndpointID:     result.EndpointID,
				Model:          model,
				TokenUsage:     toAPIUsage(result.Usage),
				TotalTokenUsed: result.Usage.TotalTokens,
				TemporalMixing: temporalMixingOf(result),
				PrivacyScore:   score,
			},
		})
		return
	}

	PrepareSSE(w)
	_, _, err := h.generateTurn(ctx, req, func(v any) error { return WriteSSEChunk(w, v) })
	if err != nil {
		h.logger.Warn("generate stream failed", zap.Error(err))
	}
	WriteSSEDone(w)
}

// HandleConnect upgrades to a websocket duplex channel (§6: connect) and
// processes a stream of GenerateRequest frames, emitting the same status
// and content chunks generate's SSE path does, one text message per frame.
func (h *WebHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		var req api.GenerateRequest
		if err := wsReadJSON(ctx, conn, &req); err != nil {
			return
		}
		if !ValidateID(req.SessionID) || ValidateMessages(req.Messages) != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, "invalid generate request")
			return
		}

		emit := func(v any) error { return wsWriteJSON(ctx, conn, v) }
		if _, _, err := h.generateTurn(ctx, req, emit); err != nil {
			h.logger.Warn("connect turn failed", zap.Error(err))
			_ = conn.Close(websocket.StatusInternalError, "generate failed")
			return
		}
	}
}

// generateTurn implements one generate turn shared by HandleGenerate and
// HandleConnect: privacy processing, dispatch against the session's bound
// endpoint, optional streaming emission, and single-turn rotation
// afterward. emit is nil for a non-streaming call.
func (h *WebHandler) generateTurn(ctx context.Context, req api.GenerateRequest, emit emitFunc) (*router.RouteResult, float64, error) {
	endpoint, err := h.sessions.GetBoundEndpointInstance(ctx, req.SessionID)
	if err != nil {
		return nil, 0, err
	}
	if endpoint == nil {
		return nil, 0, types.NewError(types.ErrEndpointExpired, "session has no bound endpoint; choose one first").WithKeyID(req.SessionID)
	}
	candidates, err := h.sessions.GetCandidates(ctx, req.SessionID)
	if err != nil {
		return nil, 0, err
	}
	boundEndpointID, ok := resolveCandidateID(candidates, endpoint.Provider(), endpoint.Model())
	if !ok {
		return nil, 0, types.NewError(types.ErrEndpointExpired, "bound endpoint is no longer a current candidate").WithKeyID(req.SessionID)
	}

	messages := toTypeMessages(req.Messages)
	privacyParams := privacy.RequestParams{
		Messages:  messages,
		PII:       req.PIIRemoval,
		Obfuscate: req.Obfuscate,
		SessionID: req.SessionID,
	}
	processed, meta, err := h.privacy.ProcessRequest(ctx, privacyParams)
	if err != nil {
		return nil, 0, err
	}
	if emit != nil {
		_ = emit(api.StatusChunk{Type: api.StatusPrivacy, Message: privacyStatusMessage(meta)})
		_ = emit(api.StatusChunk{Type: api.StatusThinking})
	}

	routeParams := router.RouteParams{
		Messages:   processed,
		Streaming:  emit != nil,
		EndpointID: &boundEndpointID,
	}

	if emit != nil {
		_ = emit(api.StatusChunk{Type: api.StatusResponseStarting})
	}
	result, err := h.router.Route(ctx, routeParams)
	if err != nil {
		return nil, 0, err
	}

	transform := identityTransform
	if meta.Obfuscated {
		transform = func(content string) string {
			out, derr := h.privacy.ProcessResponse(ctx, req.SessionID, true, content)
			if derr != nil {
				h.logger.Warn("deobfuscation failed", zap.Error(derr))
				return content
			}
			return out
		}
	}

	if emit != nil && result.Stream != nil {
		id := uuid.NewString()
		created := time.Now().Unix()
		model := result.Model
		if result.Provider != "" {
			model = result.Provider + "/" + result.Model
		}
		for ev := range result.Stream {
			if ev.Err != nil {
				h.logger.Warn("stream chunk error", zap.Error(ev.Err))
				break
			}
			var finishReason *string
			if ev.Chunk.FinishReason != "" {
				fr := ev.Chunk.FinishReason
				finishReason = &fr
			}
			_ = emit(api.ChatCompletionChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []api.ChatChunkChoice{{
					Index:        0,
					Delta:        api.ChunkDelta{Content: transform(ev.Chunk.Content)},
					FinishReason: finishReason,
				}},
			})
		}
	} else {
		result.Content = transform(result.Content)
	}

	score := privacy.Score(meta.PIIDetected, meta.Obfuscated, len(req.Messages))

	if err := h.sessions.CompleteStatelessTurn(ctx, req.SessionID); err != nil {
		h.logger.Warn("single-turn rotation failed", zap.String("session_id", req.SessionID), zap.Error(err))
	} else if emit != nil {
		_ = emit(api.StatusChunk{Type: api.StatusEndpointsRefreshed})
		_ = emit(api.StatusChunk{Type: api.StatusSessionDisconnected})
	}

	return result, score, nil
}

// wsReadJSON reads one JSON text message, mirroring the teacher's
// WebSocketStreamConnection.ReadChunk.
func wsReadJSON(ctx context.Context, conn *websocket.Conn, dst any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("websocket read: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal websocket frame: %w", err)
	}
	return nil
}

// wsWriteJSON writes one JSON text message, mirroring the teacher's
// WebSocketStreamConnection.WriteChunk.
func wsWriteJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal websocket frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func privacyStatusMessage(meta privacy.RequestMetadata) string {
	switch {
	case meta.PIIDetected && meta.Obfuscated:
		return "pii scrubbed and content obfuscated"
	case meta.PIIDetected:
		return "pii scrubbed"
	case meta.Obfuscated:
		return "content obfuscated"
	default:
		return "no privacy transforms applied"
	}
}
