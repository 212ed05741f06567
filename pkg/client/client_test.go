package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	storage "github.com/aescanero/comfyrt/pkg/adapters/storage/memory"
	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	*httptest.Server

	mu      sync.Mutex
	headers http.Header
	prompts []map[string]any
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/comfy/ws", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.headers = r.Header.Clone()
		s.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":0}},"sid":"sid-42"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/comfy/api/prompt", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		_ = json.Unmarshal(body, &decoded)
		s.mu.Lock()
		s.prompts = append(s.prompts, decoded)
		s.mu.Unlock()

		if _, bad := decoded["prompt"].(map[string]any)["bad"]; bad {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad input","node_errors":{}}`))
			return
		}
		_, _ = w.Write([]byte(`{"prompt_id":"` + decoded["prompt_id"].(string) + `","number":3}`))
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newClient(t *testing.T, s *server, opts Options) *Client {
	t.Helper()
	opts.BaseURL = s.URL + "/comfy"
	opts.ReconnectDelay = 10 * time.Millisecond
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientAdoptsSessionAndSubmitsWithIt(t *testing.T) {
	s := newServer(t)
	c := newClient(t, s, Options{User: "alice", Token: "tok"})

	statuses := make(chan ports.Event, 8)
	c.On(protocol.KindStatus, func(e ports.Event) { statuses <- e })
	queued := make(chan ports.Event, 8)
	c.On(protocol.KindPromptQueued, func(e ports.Event) { queued <- e })

	c.Start()

	select {
	case <-statuses:
	case <-time.After(2 * time.Second):
		t.Fatal("no status event")
	}
	assert.Equal(t, "sid-42", c.ClientID())
	assert.Equal(t, StateOpen, c.State())

	s.mu.Lock()
	assert.Equal(t, "alice", s.headers.Get("Comfy-User"))
	s.mu.Unlock()

	resp, err := c.Submit(context.Background(), PriorityDefault, Workflow{
		Output: json.RawMessage(`{"1":{}}`),
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Number)
	assert.Equal(t, c.LastPromptID(), resp.PromptID)

	s.mu.Lock()
	require.Len(t, s.prompts, 1)
	assert.Equal(t, "sid-42", s.prompts[0]["client_id"])
	s.mu.Unlock()

	select {
	case e := <-queued:
		assert.Equal(t, 0, e.Payload.(*protocol.PromptQueuedMessage).Number)
	default:
		t.Fatal("promptQueued not published")
	}
}

func TestClientRejectedSubmission(t *testing.T) {
	s := newServer(t)
	c := newClient(t, s, Options{})

	_, err := c.Submit(context.Background(), PriorityFront, Workflow{
		Output: json.RawMessage(`{"bad":{}}`),
	}, "")
	var perr *PromptExecutionError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Error(), "bad input")
}

func TestClientRecoversPersistedSession(t *testing.T) {
	s := newServer(t)
	tabs := storage.NewStore()
	require.NoError(t, tabs.Set(context.Background(), "studio", "earlier"))

	c := newClient(t, s, Options{Instance: "studio", TabStore: tabs})
	assert.Equal(t, "earlier", c.InitialClientID())
	assert.Equal(t, "", c.ClientID())
}

func TestOffStopsDelivery(t *testing.T) {
	s := newServer(t)
	c := newClient(t, s, Options{})

	var calls int
	id := c.On(protocol.KindGraphCleared, func(ports.Event) { calls++ })
	c.Events().Signal(protocol.KindGraphCleared)
	c.Off(protocol.KindGraphCleared, id)
	c.Events().Signal(protocol.KindGraphCleared)

	assert.Equal(t, 1, calls)
	assert.True(t, c.Events().Subscribed(protocol.KindGraphCleared))
}

func TestDeriveRealtimeURL(t *testing.T) {
	tests := []struct {
		base, path, want string
		wantErr          bool
	}{
		{"http://127.0.0.1:8188", "", "ws://127.0.0.1:8188/ws", false},
		{"https://host/comfy/", "", "wss://host/comfy/ws", false},
		{"http://host", "/socket", "ws://host/socket", false},
		{"ftp://host", "", "", true},
	}

	for _, tt := range tests {
		got, err := deriveRealtimeURL(tt.base, tt.path)
		if tt.wantErr {
			assert.Error(t, err, tt.base)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
