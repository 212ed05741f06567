package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue placement values for Submit
const (
	PriorityFront   = -1
	PriorityDefault = 0
)

// PromptAPI is the REST surface the submitter talks to
type PromptAPI interface {
	PostPrompt(ctx context.Context, body any) (int, []byte, error)
	Interrupt(ctx context.Context, promptID string) error
}

// ClientIDSource supplies the current session identifier
type ClientIDSource interface {
	CurrentID() string
}

// Workflow is what gets executed: the executable graph and, optionally,
// the editor document it came from.
type Workflow struct {
	Output   json.RawMessage `json:"output" yaml:"output"`
	Workflow json.RawMessage `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

type extraPNGInfo struct {
	Workflow json.RawMessage `json:"workflow,omitempty"`
}

type extraData struct {
	AuthToken    string       `json:"auth_token_comfy_org,omitempty"`
	ExtraPNGInfo extraPNGInfo `json:"extra_pnginfo"`
}

// requestBody is the JSON body of POST /prompt
type requestBody struct {
	ClientID  string          `json:"client_id"`
	PromptID  string          `json:"prompt_id"`
	Prompt    json.RawMessage `json:"prompt"`
	ExtraData extraData       `json:"extra_data"`
	Front     bool            `json:"front,omitempty"`
	Number    int             `json:"number,omitempty"`
}

// Submitter posts prompts on behalf of one client
type Submitter struct {
	api        PromptAPI
	identity   ClientIDSource
	dispatcher ports.EventDispatcher
	metrics    ports.MetricsCollector
	logger     *zap.Logger

	mu           sync.RWMutex
	lastPromptID string
}

// NewSubmitter creates a new submitter. identity, dispatcher and metrics
// may be nil.
func NewSubmitter(api PromptAPI, identity ClientIDSource, dispatcher ports.EventDispatcher, metrics ports.MetricsCollector, logger *zap.Logger) *Submitter {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		api:        api,
		identity:   identity,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}
}

// Submit queues a prompt. priority -1 places it at the front of the
// queue, 0 uses default placement and any other value requests that
// position. A rejected prompt returns *PromptExecutionError.
func (s *Submitter) Submit(ctx context.Context, priority int, wf Workflow, authToken string) (*PromptResponse, error) {
	if len(wf.Output) == 0 {
		return nil, fmt.Errorf("workflow output is required")
	}

	promptID := uuid.NewString()
	s.mu.Lock()
	s.lastPromptID = promptID
	s.mu.Unlock()

	body := requestBody{
		ClientID: s.clientID(),
		PromptID: promptID,
		Prompt:   wf.Output,
		ExtraData: extraData{
			AuthToken:    authToken,
			ExtraPNGInfo: extraPNGInfo{Workflow: wf.Workflow},
		},
	}
	switch priority {
	case PriorityFront:
		body.Front = true
	case PriorityDefault:
	default:
		body.Number = priority
	}

	start := time.Now()
	code, raw, err := s.api.PostPrompt(ctx, body)
	if err != nil {
		s.metrics.RecordSubmission("failed", time.Since(start))
		s.logger.Error("failed to submit prompt",
			zap.String("prompt_id", promptID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to submit prompt: %w", err)
	}

	var resp PromptResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil && code == http.StatusOK {
			s.metrics.RecordSubmission("failed", time.Since(start))
			return nil, fmt.Errorf("failed to decode prompt response: %w", err)
		}
	}

	if code != http.StatusOK {
		s.metrics.RecordSubmission("rejected", time.Since(start))
		perr := &PromptExecutionError{StatusCode: code, Response: resp}
		s.logger.Warn("prompt rejected",
			zap.String("prompt_id", promptID),
			zap.Int("status", code),
			zap.String("error", perr.Error()))
		return nil, perr
	}

	s.metrics.RecordSubmission("accepted", time.Since(start))
	if resp.PromptID == "" {
		resp.PromptID = promptID
	}
	s.logger.Info("prompt queued",
		zap.String("prompt_id", resp.PromptID),
		zap.Int("number", resp.Number),
		zap.Int("priority", priority))

	if s.dispatcher != nil {
		s.dispatcher.Publish(protocol.KindPromptQueued, &protocol.PromptQueuedMessage{
			Number:     priority,
			BatchCount: 1,
		})
	}

	return &resp, nil
}

// LastPromptID returns the id generated by the most recent Submit
func (s *Submitter) LastPromptID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPromptID
}

// Interrupt stops the most recently submitted prompt. With no prior
// submission it interrupts whatever is running.
func (s *Submitter) Interrupt(ctx context.Context) error {
	promptID := s.LastPromptID()
	if err := s.api.Interrupt(ctx, promptID); err != nil {
		return fmt.Errorf("failed to interrupt prompt: %w", err)
	}
	s.logger.Info("prompt interrupted", zap.String("prompt_id", promptID))
	return nil
}

func (s *Submitter) clientID() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.CurrentID()
}
