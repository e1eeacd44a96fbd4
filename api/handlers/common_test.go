package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilrelay/gateway/api"
	"github.com/veilrelay/gateway/types"
	"go.uber.org/zap"
)

// =============================================================================
// Response envelope tests
// =============================================================================

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name       string
		data       any
		wantStatus int
	}{
		{
			name:       "simple object",
			data:       map[string]string{"message": "hello"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "array",
			data:       []int{1, 2, 3},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.wantStatus, tt.data)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"key": "value"}

	WriteSuccess(w, data)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            *types.Error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "invalid input",
			err:            types.NewError(types.ErrInvalidInput, "model is required"),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   string(types.ErrInvalidInput),
		},
		{
			name:           "session not found",
			err:            types.NewError(types.ErrSessionNotFound, "session not found"),
			expectedStatus: http.StatusNotFound,
			expectedCode:   string(types.ErrSessionNotFound),
		},
		{
			name:           "rate limited",
			err:            types.NewError(types.ErrRateLimited, "too many requests"),
			expectedStatus: http.StatusTooManyRequests,
			expectedCode:   string(types.ErrRateLimited),
		},
		{
			name:           "internal error",
			err:            types.NewError(types.ErrInternal, "unexpected failure"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   string(types.ErrInternal),
		},
		{
			name:           "no keys",
			err:            types.NewError(types.ErrNoKeys, "no keys available"),
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   string(types.ErrNoKeys),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp Response
			err := json.NewDecoder(w.Body).Decode(&resp)
			require.NoError(t, err)

			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			assert.NotNil(t, resp.Error)
			assert.Equal(t, tt.expectedCode, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestDecodeJSONBody(t *testing.T) {
	logger := zap.NewNop()

	type TestStruct struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}

	tests := []struct {
		name      string
		body      string
		wantErr   bool
		checkFunc func(*testing.T, *TestStruct)
	}{
		{
			name: "valid JSON",
			body: `{"name":"test","value":123}`,
			checkFunc: func(t *testing.T, ts *TestStruct) {
				assert.Equal(t, "test", ts.Name)
				assert.Equal(t, 123, ts.Value)
			},
		},
		{
			name:    "invalid JSON",
			body:    `{"name":"test",}`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			body:    `{"name":"test","unknown":"field"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tt.body))

			var result TestStruct
			err := DecodeJSONBody(w, r, &result, logger)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				if tt.checkFunc != nil {
					tt.checkFunc(t, &result)
				}
			}
		})
	}
}

func TestValidateContentType(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name        string
		contentType string
		want        bool
	}{
		{
			name:        "valid application/json",
			contentType: "application/json",
			want:        true,
		},
		{
			name:        "valid with charset",
			contentType: "application/json; charset=utf-8",
			want:        true,
		},
		{
			name:        "valid with uppercase charset",
			contentType: "application/json; charset=UTF-8",
			want:        true,
		},
		{
			name:        "valid with extra whitespace",
			contentType: "application/json;  charset=utf-8",
			want:        true,
		},
		{
			name:        "invalid text/plain",
			contentType: "text/plain",
			want:        false,
		},
		{
			name:        "empty",
			contentType: "",
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", nil)
			r.Header.Set("Content-Type", tt.contentType)

			result := ValidateContentType(w, r, logger)
			assert.Equal(t, tt.want, result)
		})
	}
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := NewResponseWriter(w)

	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.False(t, rw.Written)

	rw.WriteHeader(http.StatusCreated)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)
	assert.True(t, rw.Written)

	rw.WriteHeader(http.StatusBadRequest)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)

	n, err := rw.Write([]byte("test"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code       types.ErrorCode
		wantStatus int
	}{
		{types.ErrInvalidInput, http.StatusBadRequest},
		{types.ErrUnauthenticated, http.StatusUnauthorized},
		{types.ErrSessionNotFound, http.StatusNotFound},
		{types.ErrSessionExpired, http.StatusGone},
		{types.ErrEndpointExpired, http.StatusGone},
		{types.ErrNoKeys, http.StatusServiceUnavailable},
		{types.ErrUpstreamFailure, http.StatusBadGateway},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrUnavailable, http.StatusServiceUnavailable},
		{"unknown-code", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			status := mapErrorCodeToHTTPStatus(tt.code)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestDecodeJSONBody_MaxBodySize(t *testing.T) {
	logger := zap.NewNop()

	type TestStruct struct {
		Name string `json:"name"`
	}

	oversized := `{"name":"` + strings.Repeat("x", 2<<20) + `"}`

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(oversized))

	var result TestStruct
	err := DecodeJSONBody(w, r, &result, logger)

	assert.Error(t, err, "body exceeding 1 MB should be rejected")
}

func TestDecodeJSONBody_WithinLimit(t *testing.T) {
	logger := zap.NewNop()

	type TestStruct struct {
		Name string `json:"name"`
	}

	body := `{"name":"small"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))

	var result TestStruct
	err := DecodeJSONBody(w, r, &result, logger)

	assert.NoError(t, err)
	assert.Equal(t, "small", result.Name)
}

// =============================================================================
// §6 validation helper tests
// =============================================================================

func TestValidateID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"sess_abc123", true},
		{"a", true},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
		{"", false},
		{"has space", false},
		{"has/slash", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateID(tt.id))
		})
	}
}

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		userID int64
		want   bool
	}{
		{1, true},
		{999_999_999, true},
		{1_000_000_000, false},
		{0, false},
		{-1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidateUserID(tt.userID))
	}
}

func TestValidateModelString(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"openai/gpt-4o", true},
		{"anthropic/claude-3.5-sonnet", true},
		{"no-slash", false},
		{"too/many/slashes", false},
		{"/missing-provider", false},
		{"missing-model/", false},
		{"bad provider/model", false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateModelString(tt.model))
		})
	}
}

func TestSanitizeContent(t *testing.T) {
	assert.Equal(t, "&lt;script&gt;", SanitizeContent("<script>"))
}

func TestValidateMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []api.Message
		wantErr  bool
	}{
		{
			name:     "empty",
			messages: nil,
			wantErr:  true,
		},
		{
			name:     "valid",
			messages: []api.Message{{Role: "user", Content: "hi"}},
			wantErr:  false,
		},
		{
			name:     "invalid role",
			messages: []api.Message{{Role: "bot", Content: "hi"}},
			wantErr:  true,
		},
		{
			name:     "content too long",
			messages: []api.Message{{Role: "user", Content: strings.Repeat("x", maxContentLen+1)}},
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessages(tt.messages)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateMessages_TooMany(t *testing.T) {
	messages := make([]api.Message, maxMessages+1)
	for i := range messages {
		messages[i] = api.Message{Role: "user", Content: "hi"}
	}
	assert.Error(t, ValidateMessages(messages))
}

// =============================================================================
// SSE helper tests
// =============================================================================

func TestWriteSSEChunk(t *testing.T) {
	w := httptest.NewRecorder()
	chunk := api.ChatCompletionChunk{
		ID:     "chatcmpl-1",
		Object: "chat.completion.chunk",
		Model:  "openai/gpt-4o",
	}

	err := WriteSSEChunk(w, chunk)
	require.NoError(t, err)
	assert.Contains(t, w.Body.String(), "data: ")
	assert.Contains(t, w.Body.String(), "chatcmpl-1")
	assert.True(t, strings.HasSuffix(w.Body.String(), "\n\n"))
}

func TestWriteSSEDone(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSSEDone(w)
	assert.Equal(t, "data: [DONE]\n\n", w.Body.String())
}

func TestPrepareSSE(t *testing.T) {
	w := httptest.NewRecorder()
	PrepareSSE(w)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
}
