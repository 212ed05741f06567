package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aescanero/comfyrt/pkg/client"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	state       client.State
	polling     bool
	submitErr   error
	priority    int
	workflow    client.Workflow
	interrupted int
}

func (f *fakeSession) ClientID() string    { return "sid-1" }
func (f *fakeSession) State() client.State { return f.state }
func (f *fakeSession) Polling() bool       { return f.polling }

func (f *fakeSession) Submit(ctx context.Context, priority int, wf client.Workflow, authToken string) (*client.PromptResponse, error) {
	f.priority = priority
	f.workflow = wf
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &client.PromptResponse{PromptID: "p-1", Number: 4}, nil
}

func (f *fakeSession) Interrupt(ctx context.Context) error {
	f.interrupted++
	return nil
}

func newTestServer(sess *fakeSession, token string) *Server {
	gin.SetMode(gin.TestMode)
	return NewServer(&Config{
		Session:   sess,
		Gatherer:  prometheus.NewRegistry(),
		AuthToken: token,
	})
}

func do(t *testing.T, s *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	sess := &fakeSession{state: client.StateOpen}
	s := newTestServer(sess, "")

	w := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	sess.state = client.StateReconnecting
	w = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	sess.state = client.StateDisconnected
	sess.polling = true
	w = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetSession(t *testing.T) {
	s := newTestServer(&fakeSession{state: client.StateOpen}, "")

	w := do(t, s, http.MethodGet, "/api/v1/session", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sid-1", resp.ClientID)
	assert.Equal(t, "open", resp.State)
	assert.False(t, resp.Polling)
}

func TestSubmitPrompt(t *testing.T) {
	sess := &fakeSession{}
	s := newTestServer(sess, "")

	w := do(t, s, http.MethodPost, "/api/v1/prompts", `{"prompt":{"1":{}},"front":true}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp PromptSubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "p-1", resp.PromptID)
	assert.Equal(t, 4, resp.Number)
	assert.Equal(t, client.PriorityFront, sess.priority)
	assert.JSONEq(t, `{"1":{}}`, string(sess.workflow.Output))
}

func TestSubmitPromptValidation(t *testing.T) {
	s := newTestServer(&fakeSession{}, "")

	w := do(t, s, http.MethodPost, "/api/v1/prompts", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/prompts", `{"prompt":{},"front":true,"number":3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitPromptRejected(t *testing.T) {
	sess := &fakeSession{submitErr: &client.PromptExecutionError{StatusCode: 400}}
	s := newTestServer(sess, "")

	w := do(t, s, http.MethodPost, "/api/v1/prompts", `{"prompt":{"1":{}}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "PROMPT_REJECTED")

	sess.submitErr = errors.New("connection refused")
	w = do(t, s, http.MethodPost, "/api/v1/prompts", `{"prompt":{"1":{}}}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "SUBMISSION_FAILED")
}

func TestInterrupt(t *testing.T) {
	sess := &fakeSession{}
	s := newTestServer(sess, "")

	w := do(t, s, http.MethodPost, "/api/v1/interrupt", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, sess.interrupted)
}

func TestAuthToken(t *testing.T) {
	s := newTestServer(&fakeSession{state: client.StateOpen}, "secret")

	w := do(t, s, http.MethodGet, "/api/v1/session", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/session", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/session", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, w.Code)

	// health stays open without a token
	w = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsUsesGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "comfyrt_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := NewServer(&Config{Session: &fakeSession{}, Gatherer: reg})
	w := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "comfyrt_test_total 1")
}

type fakeStreamer struct{ called bool }

func (f *fakeStreamer) HandleEvents(c *gin.Context) {
	f.called = true
	c.String(http.StatusOK, string(protocol.KindStatus))
}

func TestSetupWebSocket(t *testing.T) {
	s := newTestServer(&fakeSession{}, "")
	streamer := &fakeStreamer{}
	s.SetupWebSocket(streamer)

	w := do(t, s, http.MethodGet, "/api/v1/events/ws", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, streamer.called)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(&fakeSession{}, "")

	w := do(t, s, http.MethodOptions, "/api/v1/prompts", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
