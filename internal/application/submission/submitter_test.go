package submission

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aescanero/comfyrt/pkg/adapters/events/memory"
	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	code        int
	answer      string
	err         error
	bodies      []map[string]any
	interrupted []string
}

func (f *fakeAPI) PostPrompt(ctx context.Context, body any) (int, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return 0, nil, err
	}
	f.bodies = append(f.bodies, decoded)
	if f.err != nil {
		return 0, nil, f.err
	}
	return f.code, []byte(f.answer), nil
}

func (f *fakeAPI) Interrupt(ctx context.Context, promptID string) error {
	f.interrupted = append(f.interrupted, promptID)
	return nil
}

type staticID string

func (s staticID) CurrentID() string { return string(s) }

var testWorkflow = Workflow{
	Output:   json.RawMessage(`{"1":{"class_type":"KSampler","inputs":{}}}`),
	Workflow: json.RawMessage(`{"nodes":[]}`),
}

func TestSubmitBuildsRequestBody(t *testing.T) {
	api := &fakeAPI{code: http.StatusOK, answer: `{"prompt_id":"server","number":7}`}
	s := NewSubmitter(api, staticID("sid-1"), nil, nil, nil)

	resp, err := s.Submit(context.Background(), PriorityDefault, testWorkflow, "secret")
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Number)
	assert.Equal(t, "server", resp.PromptID)

	require.Len(t, api.bodies, 1)
	body := api.bodies[0]
	assert.Equal(t, "sid-1", body["client_id"])
	assert.Equal(t, s.LastPromptID(), body["prompt_id"])
	assert.NotContains(t, body, "front")
	assert.NotContains(t, body, "number")

	extra := body["extra_data"].(map[string]any)
	assert.Equal(t, "secret", extra["auth_token_comfy_org"])
	pnginfo := extra["extra_pnginfo"].(map[string]any)
	assert.Contains(t, pnginfo, "workflow")

	prompt := body["prompt"].(map[string]any)
	assert.Contains(t, prompt, "1")
}

func TestSubmitPlacement(t *testing.T) {
	api := &fakeAPI{code: http.StatusOK, answer: `{}`}
	s := NewSubmitter(api, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := s.Submit(ctx, PriorityFront, testWorkflow, "")
	require.NoError(t, err)
	_, err = s.Submit(ctx, 5, testWorkflow, "")
	require.NoError(t, err)

	assert.Equal(t, true, api.bodies[0]["front"])
	assert.NotContains(t, api.bodies[0], "number")

	assert.Equal(t, float64(5), api.bodies[1]["number"])
	assert.NotContains(t, api.bodies[1], "front")
}

func TestSubmitWithoutSessionSendsEmptyClientID(t *testing.T) {
	api := &fakeAPI{code: http.StatusOK, answer: `{}`}
	s := NewSubmitter(api, staticID(""), nil, nil, nil)

	_, err := s.Submit(context.Background(), PriorityDefault, testWorkflow, "")
	require.NoError(t, err)

	assert.Equal(t, "", api.bodies[0]["client_id"])
	extra := api.bodies[0]["extra_data"].(map[string]any)
	assert.NotContains(t, extra, "auth_token_comfy_org")
}

func TestSubmitGeneratesFreshPromptIDs(t *testing.T) {
	api := &fakeAPI{code: http.StatusOK, answer: `{}`}
	s := NewSubmitter(api, nil, nil, nil, nil)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		resp, err := s.Submit(context.Background(), PriorityDefault, testWorkflow, "")
		require.NoError(t, err)
		assert.False(t, seen[resp.PromptID], "prompt id reused")
		seen[resp.PromptID] = true
	}
}

func TestSubmitRejectionReturnsPromptExecutionError(t *testing.T) {
	api := &fakeAPI{
		code:   http.StatusBadRequest,
		answer: `{"error":"bad input","node_errors":{"A":{"class_type":"Foo","errors":[{"message":"m","details":"d"}]}}}`,
	}
	s := NewSubmitter(api, nil, nil, nil, nil)

	_, err := s.Submit(context.Background(), PriorityDefault, testWorkflow, "")
	require.Error(t, err)

	var perr *PromptExecutionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusBadRequest, perr.StatusCode)
	assert.Contains(t, perr.Error(), "bad input")
	assert.Contains(t, perr.Error(), "Foo:")
	assert.Contains(t, perr.Error(), "m: d")
	assert.Equal(t, "bad input\nFoo:\n    - m: d", perr.Error())
}

func TestPromptExecutionErrorObjectForm(t *testing.T) {
	var resp PromptResponse
	require.NoError(t, json.Unmarshal([]byte(`{
		"error": {"type": "prompt_outputs_failed_validation", "message": "Prompt outputs failed validation", "details": "x"},
		"node_errors": {
			"9": {"class_type": "SaveImage", "errors": [{"message": "Required input is missing", "details": "images"}]},
			"3": {"class_type": "KSampler", "errors": [{"message": "Value too low", "details": "steps"}, {"message": "Bad", "details": "cfg"}]}
		}
	}`), &resp))

	err := &PromptExecutionError{StatusCode: http.StatusBadRequest, Response: resp}
	assert.Equal(t,
		"Prompt outputs failed validation: x"+
			"\nKSampler:\n    - Value too low: steps\n    - Bad: cfg"+
			"\nSaveImage:\n    - Required input is missing: images",
		err.Error())
}

func TestPromptExecutionErrorWithoutBody(t *testing.T) {
	err := &PromptExecutionError{StatusCode: http.StatusInternalServerError}
	assert.Contains(t, err.Error(), "500")
}

func TestSubmitTransportFailure(t *testing.T) {
	api := &fakeAPI{err: errors.New("connection refused")}
	s := NewSubmitter(api, nil, nil, nil, nil)

	_, err := s.Submit(context.Background(), PriorityDefault, testWorkflow, "")
	require.Error(t, err)
	var perr *PromptExecutionError
	assert.False(t, errors.As(err, &perr))
}

func TestSubmitRequiresOutput(t *testing.T) {
	s := NewSubmitter(&fakeAPI{}, nil, nil, nil, nil)
	_, err := s.Submit(context.Background(), PriorityDefault, Workflow{}, "")
	assert.Error(t, err)
}

func TestSubmitPublishesPromptQueued(t *testing.T) {
	d := memory.NewDispatcher(nil)
	var got []ports.Event
	d.Subscribe(protocol.KindPromptQueued, func(e ports.Event) { got = append(got, e) })

	s := NewSubmitter(&fakeAPI{code: http.StatusOK, answer: `{}`}, nil, d, nil, nil)
	_, err := s.Submit(context.Background(), PriorityFront, testWorkflow, "")
	require.NoError(t, err)

	require.Len(t, got, 1)
	queued := got[0].Payload.(*protocol.PromptQueuedMessage)
	assert.Equal(t, -1, queued.Number)
	assert.Equal(t, 1, queued.BatchCount)
}

func TestInterruptTargetsLastPrompt(t *testing.T) {
	api := &fakeAPI{code: http.StatusOK, answer: `{}`}
	s := NewSubmitter(api, nil, nil, nil, nil)

	require.NoError(t, s.Interrupt(context.Background()))
	_, err := s.Submit(context.Background(), PriorityDefault, testWorkflow, "")
	require.NoError(t, err)
	require.NoError(t, s.Interrupt(context.Background()))

	assert.Equal(t, []string{"", s.LastPromptID()}, api.interrupted)
}
