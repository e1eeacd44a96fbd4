package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilrelay/gateway/api"
	"github.com/veilrelay/gateway/driver"
	"github.com/veilrelay/gateway/privacy"
	"github.com/veilrelay/gateway/router"
	"github.com/veilrelay/gateway/session"
	"github.com/veilrelay/gateway/types"
)

// defaultDecoyCount is the number of decoy prompts minted alongside a real
// query when a caller requests decoy:true (§8 scenario B: "1 real + 2
// decoys").
const defaultDecoyCount = 2

// DirectHandler serves the Direct API (§6): create-session, stateless-query,
// stateful-query. Every call is Bearer-JWT authenticated upstream; handlers
// read the authenticated user id from the request context.
type DirectHandler struct {
	sessions *session.Manager
	router   *router.Router
	privacy  *privacy.Pipeline
	logger   *zap.Logger
}

// NewDirectHandler builds a DirectHandler.
func NewDirectHandler(sessions *session.Manager, r *router.Router, p *privacy.Pipeline, logger *zap.Logger) *DirectHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectHandler{sessions: sessions, router: r, privacy: p, logger: logger}
}

func authenticatedUserID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int64, bool) {
	userID, ok := types.UserID(r.Context())
	if !ok {
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthenticated, "missing authenticated user", logger)
		return 0, false
	}
	return userID, true
}

// writeSessionError classifies err (a *types.Error produced by session or
// router, or a bare error) and writes the matching Response envelope.
func writeSessionError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if apiErr, ok := err.(*types.Error); ok {
		WriteError(w, apiErr, logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternal, err.Error()).WithCause(err), logger)
}

func toTypeMessages(messages []api.Message) []types.Message {
	out := make([]types.Message, len(messages))
	for i, m := range messages {
		out[i] = types.Message{Role: types.Role(m.Role), Content: m.Content}
	}
	return out
}

func toAPIUsage(u types.Usage) api.Usage {
	return api.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Estimated:        u.Estimated,
	}
}

func toEndpointSummaries(records []types.EndpointRecord) []api.EndpointSummary {
	out := make([]api.EndpointSummary, len(records))
	for i, e := range records {
		out[i] = api.EndpointSummary{EndpointID: e.ID, Provider: e.Provider, Model: e.Model}
	}
	return out
}

func temporalMixingOf(result *router.RouteResult) *api.TemporalMixing {
	if !result.Metadata.Active || result.Metadata.TotalQueries <= 1 {
		return nil
	}
	return &api.TemporalMixing{Active: true, TotalQueries: result.Metadata.TotalQueries}
}

// =============================================================================
// POST /api/v1/create-session
// =============================================================================

// HandleCreateSession creates a session, a candidate endpoint list, and
// binds it to one endpoint chosen at random (§6).
func (h *DirectHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSessionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if !ValidateUserID(req.UserID) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "user_id out of range", h.logger)
		return
	}
	if !validModelList(req.Models) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "models must be a non-empty list of valid provider/model strings", h.logger)
		return
	}

	ctx := r.Context()
	sessionID, err := h.sessions.Initialize(ctx, req.UserID)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}
	if _, _, err := h.sessions.UpdateModels(ctx, sessionID, req.Models); err != nil {
		writeSessionError(w, err, h.logger)
		return
	}
	chosen, err := h.sessions.ChooseEndpoint(ctx, sessionID, nil)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}
	candidates, err := h.sessions.GetCandidates(ctx, sessionID)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, api.Response{
		Success: true,
		Data: api.CreateSessionResponse{
			SessionID:          sessionID,
			EndpointID:         chosen.EndpointID,
			Provider:           chosen.Provider,
			Model:              chosen.Model,
			APIKeyHash:         chosen.KeyHash,
			AvailableEndpoints: toEndpointSummaries(candidates),
		},
		Timestamp: time.Now(),
	})
}

func validModelList(models []string) bool {
	if len(models) == 0 {
		return false
	}
	for _, m := range models {
		if !ValidateModelString(m) {
			return false
		}
	}
	return true
}

// =============================================================================
// POST /api/v1/stateless-query
// =============================================================================

// HandleStatelessQuery resolves an ad-hoc endpoint via the router's own
// models branch (§4.3) — no Session Manager involvement, so each call
// rotates to a fresh key on its own (see DESIGN.md's CompleteStatelessTurn
// resolution).
func (h *DirectHandler) HandleStatelessQuery(w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticatedUserID(w, r, h.logger)
	if !ok {
		return
	}

	var req api.StatelessQueryRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := ValidateMessages(req.Messages); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, err.Error(), h.logger)
		return
	}
	if !validModelList(req.Models) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "models must be a non-empty list of valid provider/model strings", h.logger)
		return
	}
	if req.Obfuscate {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "obfuscate requires a session; use stateful-query or the web API", h.logger)
		return
	}

	ctx := r.Context()
	messages := toTypeMessages(req.Messages)

	privacyParams := privacy.RequestParams{
		Messages:  messages,
		PII:       req.PIIRemoval,
		Decoy:     req.Decoy,
		Stateless: true,
	}
	processed, _, err := h.privacy.ProcessRequest(ctx, privacyParams)
	if err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternal, err.Error(), h.logger)
		return
	}

	var decoys []string
	if req.Decoy {
		decoys, err = h.privacy.GenerateDecoys(privacyParams, defaultDecoyCount)
		if err != nil {
			WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternal, err.Error(), h.logger)
			return
		}
	}

	routeParams := router.RouteParams{
		UserID:    userID,
		Messages:  processed,
		Streaming: req.Stream,
		Stateless: true,
		Models:    req.Models,
		Decoys:    decoys,
	}

	if req.Stream {
		result, err := h.router.Route(ctx, routeParams)
		if err != nil {
			writeSessionError(w, err, h.logger)
			return
		}
		h.streamResult(w, r, result, "", identityTransform)
		return
	}

	result, err := h.router.Route(ctx, routeParams)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}
	h.writeQueryResult(w, result, "", 0)
}

// =============================================================================
// POST /api/v1/stateful-query
// =============================================================================

// HandleStatefulQuery dispatches against a session's bound endpoint,
// preserving continuity across turns — the session is never invalidated
// after a turn (see DESIGN.md's CompleteStatelessTurn resolution). An
// omitted session_id auto-creates one using the request's own models as the
// default model list; the new id is returned in meta_data.session_id so the
// caller can continue it on the next call.
func (h *DirectHandler) HandleStatefulQuery(w http.ResponseWriter, r *http.Request) {
	userID, ok := authenticatedUserID(w, r, h.logger)
	if !ok {
		return
	}

	var req api.StatefulQueryRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := ValidateMessages(req.Messages); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, err.Error(), h.logger)
		return
	}
	if req.SessionID != "" && !ValidateID(req.SessionID) {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "invalid session_id", h.logger)
		return
	}

	ctx := r.Context()
	sessionID := req.SessionID
	autoCreated := false

	if sessionID == "" {
		if !validModelList(req.Models) {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "models must be a non-empty list of valid provider/model strings when session_id is omitted", h.logger)
			return
		}
		id, err := h.sessions.Initialize(ctx, userID)
		if err != nil {
			writeSessionError(w, err, h.logger)
			return
		}
		if _, _, err := h.sessions.UpdateModels(ctx, id, req.Models); err != nil {
			writeSessionError(w, err, h.logger)
			return
		}
		if _, err := h.sessions.ChooseEndpoint(ctx, id, nil); err != nil {
			writeSessionError(w, err, h.logger)
			return
		}
		sessionID = id
		autoCreated = true
	}

	endpoint, err := h.sessions.GetBoundEndpointInstance(ctx, sessionID)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}
	if endpoint == nil {
		WriteErrorMessage(w, http.StatusGone, types.ErrEndpointExpired, "session has no bound endpoint; choose one first", h.logger)
		return
	}

	boundEndpointID, err := h.boundEndpointID(ctx, sessionID, endpoint)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}

	messages := toTypeMessages(req.Messages)
	privacyParams := privacy.RequestParams{
		Messages:  messages,
		PII:       req.PIIRemoval,
		Obfuscate: req.Obfuscate,
		Stateless: false,
		SessionID: sessionID,
	}
	processed, meta, err := h.privacy.ProcessRequest(ctx, privacyParams)
	if err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternal, err.Error(), h.logger)
		return
	}

	routeParams := router.RouteParams{
		UserID:     userID,
		Messages:   processed,
		Streaming:  req.Stream,
		Stateless:  false,
		EndpointID: &boundEndpointID,
	}

	reportedSessionID := ""
	if autoCreated {
		reportedSessionID = sessionID
	}
	score := privacy.Score(meta.PIIDetected, meta.Obfuscated, len(req.Messages))
	transform := identityTransform
	if meta.Obfuscated {
		transform = func(content string) string {
			out, derr := h.privacy.ProcessResponse(ctx, sessionID, true, content)
			if derr != nil {
				h.logger.Warn("deobfuscation failed", zap.Error(derr))
				return content
			}
			return out
		}
	}

	if req.Stream {
		result, err := h.router.Route(ctx, routeParams)
		if err != nil {
			writeSessionError(w, err, h.logger)
			return
		}
		h.streamResult(w, r, result, reportedSessionID, transform)
		return
	}

	result, err := h.router.Route(ctx, routeParams)
	if err != nil {
		writeSessionError(w, err, h.logger)
		return
	}
	result.Content = transform(result.Content)
	h.writeQueryResult(w, result, reportedSessionID, score)
}

// boundEndpointID recovers the candidate id matching the session's bound
// driver instance, since GetBoundEndpointInstance only returns the driver.
func (h *DirectHandler) boundEndpointID(ctx context.Context, sessionID string, endpoint driver.Driver) (string, error) {
	candidates, err := h.sessions.GetCandidates(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if id, ok := resolveCandidateID(candidates, endpoint.Provider(), endpoint.Model()); ok {
		return id, nil
	}
	return "", types.NewError(types.ErrEndpointExpired, "bound endpoint is no longer a current candidate").WithKeyID(sessionID)
}

// =============================================================================
// Shared response assembly
// =============================================================================

func identityTransform(content string) string { return content }

func (h *DirectHandler) writeQueryResult(w http.ResponseWriter, result *router.RouteResult, sessionID string, privacyScore float64) {
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
			SessionID:      sessionID,
			PrivacyScore:   privacyScore,
		},
	})
}

// streamResult frames result.Stream as OpenAI-shaped chat.completion.chunk
// SSE events, applying transform to each chunk's content (deobfuscation is
// safe per-chunk since the baseline obfuscator's transform is idempotent
// over substrings) and writing a terminal [DONE] frame.
func (h *DirectHandler) streamResult(w http.ResponseWriter, r *http.Request, result *router.RouteResult, sessionID string, transform func(string) string) {
	if result.Stream == nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternal, "router returned no stream for a streaming request", h.logger)
		return
	}

	if sessionID != "" {
		w.Header().Set("X-Session-Id", sessionID)
	}
	PrepareSSE(w)
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
		chunk := api.ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []api.ChatChunkChoice{{
				Index:        0,
				Delta:        api.ChunkDelta{Content: transform(ev.Chunk.Content)},
				FinishReason: finishReason,
			}},
		}
		if err := WriteSSEChunk(w, chunk); err != nil {
			h.logger.Warn("sse write failed", zap.Error(err))
			return
		}
	}
	WriteSSEDone(w)
}
