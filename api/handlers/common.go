package handlers

import (
	"encoding/json"
	"fmt"
	"html"
	"mime"
	"net/http"
	"regexp"
	"time"

	"github.com/veilrelay/gateway/api"
	"github.com/veilrelay/gateway/types"
	"go.uber.org/zap"
)

// =============================================================================
// Response envelope
// =============================================================================

// Response is a type alias for api.Response, the canonical envelope.
type Response = api.Response

// ErrorInfo is a type alias for api.ErrorInfo.
type ErrorInfo = api.ErrorInfo

// =============================================================================
// Response helpers
// =============================================================================

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful Response envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// WriteError writes a Response envelope built from a *types.Error.
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	errorInfo := &ErrorInfo{
		Code:       string(err.Code),
		Message:    err.Message,
		Retryable:  err.Retryable,
		HTTPStatus: status,
	}

	if logger != nil {
		logger.Error("api error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Bool("retryable", err.Retryable),
			zap.Error(err.Cause),
		)
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     errorInfo,
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage writes a Response built from a fresh *types.Error.
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// mapErrorCodeToHTTPStatus mirrors types.NewError's default table; kept here
// so handlers can classify an error before a *types.Error exists (e.g. a
// raw validation failure not yet wrapped).
func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidInput:
		return http.StatusBadRequest
	case types.ErrUnauthenticated:
		return http.StatusUnauthorized
	case types.ErrSessionNotFound:
		return http.StatusNotFound
	case types.ErrSessionExpired, types.ErrEndpointExpired:
		return http.StatusGone
	case types.ErrNoKeys, types.ErrUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrUpstreamFailure:
		return http.StatusBadGateway
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// Request decoding and validation (§6)
// =============================================================================

// DecodeJSONBody decodes a JSON request body, rejecting bodies over 1 MB and
// unknown fields.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil {
		err := types.NewError(types.ErrInvalidInput, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrInvalidInput, "invalid JSON body").
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType validates the request's Content-Type is application/json.
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteError(w, types.NewError(types.ErrInvalidInput, "Content-Type must be application/json"), logger)
		return false
	}
	return true
}

// idPattern matches §6's session/endpoint id shape.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// modelSidePattern matches each side of a §6 model string (provider or model).
var modelSidePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

const (
	maxUserID     = 1_000_000_000
	maxContentLen = 50_000
	maxMessages   = 100
)

// ValidateID reports whether id matches §6's id pattern.
func ValidateID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidateUserID reports whether userID is in §6's valid range [1, 1e9).
func ValidateUserID(userID int64) bool {
	return userID >= 1 && userID < maxUserID
}

// ValidateModelString reports whether m is exactly one "/" with each side
// matching §6's model-string pattern.
func ValidateModelString(m string) bool {
	provider, model, ok := splitModelString(m)
	if !ok {
		return false
	}
	return modelSidePattern.MatchString(provider) && modelSidePattern.MatchString(model)
}

func splitModelString(m string) (provider, model string, ok bool) {
	idx := -1
	for i := 0; i < len(m); i++ {
		if m[i] == '/' {
			if idx != -1 {
				return "", "", false
			}
			idx = i
		}
	}
	if idx <= 0 || idx == len(m)-1 {
		return "", "", false
	}
	return m[:idx], m[idx+1:], true
}

// SanitizeContent HTML-escapes content for safe logging and storage, per
// §6's content-field rule. The escaped result can be longer than the input.
func SanitizeContent(content string) string {
	return html.EscapeString(content)
}

// resolveCandidateID finds the candidate endpoint id matching a bound
// driver's (provider, model), since GetBoundEndpointInstance only returns
// the driver instance itself.
func resolveCandidateID(candidates []types.EndpointRecord, provider, model string) (string, bool) {
	for _, c := range candidates {
		if c.Provider == provider && c.Model == model {
			return c.ID, true
		}
	}
	return "", false
}

// ValidateMessages validates a message slice against §6's shape rules:
// at most 100 entries, each with a role in {system, user, assistant} and
// content length <= 50000.
func ValidateMessages(messages []api.Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	if len(messages) > maxMessages {
		return fmt.Errorf("messages array exceeds %d entries", maxMessages)
	}
	for i, m := range messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
		if len(m.Content) > maxContentLen {
			return fmt.Errorf("message %d: content exceeds %d characters", i, maxContentLen)
		}
	}
	return nil
}

// =============================================================================
// SSE helpers (§6)
// =============================================================================

// WriteSSEChunk writes one "data: <json>\n\n" frame and flushes it.
func WriteSSEChunk(w http.ResponseWriter, chunk any) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// WriteSSEDone writes the terminal "data: [DONE]\n\n" frame.
func WriteSSEDone(w http.ResponseWriter) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// PrepareSSE sets the response headers SSE framing requires.
func PrepareSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// =============================================================================
// Response writer wrapper
// =============================================================================

// ResponseWriter wraps http.ResponseWriter to capture the status code.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter creates a ResponseWriter.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for SSE streaming support.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
