// Package client is the entry point for talking to a compute server in
// real time. A Client is built explicitly with New and owns its realtime
// channel, session identity, event dispatcher and REST collaborators.
//
// Example usage:
//
//	c, err := client.New(client.Options{BaseURL: "http://127.0.0.1:8188"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	c.On(protocol.KindProgress, func(e ports.Event) {
//	    p := e.Payload.(*protocol.ProgressMessage)
//	    fmt.Printf("%d/%d\n", p.Value, p.Max)
//	})
//	c.Start()
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aescanero/comfyrt/internal/application/connection"
	"github.com/aescanero/comfyrt/internal/application/session"
	"github.com/aescanero/comfyrt/internal/application/submission"
	"github.com/aescanero/comfyrt/pkg/adapters/comfyapi"
	"github.com/aescanero/comfyrt/pkg/adapters/events/memory"
	storage "github.com/aescanero/comfyrt/pkg/adapters/storage/memory"
	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"go.uber.org/zap"
)

// Re-exported so callers outside this module can name them
type (
	State                = connection.State
	Workflow             = submission.Workflow
	PromptResponse       = submission.PromptResponse
	PromptExecutionError = submission.PromptExecutionError
)

// Connection states
const (
	StateDisconnected = connection.StateDisconnected
	StateConnecting   = connection.StateConnecting
	StateOpen         = connection.StateOpen
	StateReconnecting = connection.StateReconnecting
)

// Queue placement values for Submit
const (
	PriorityFront   = submission.PriorityFront
	PriorityDefault = submission.PriorityDefault
)

// Options configures a Client. Only BaseURL is required.
type Options struct {
	// BaseURL is the server's HTTP base including any API base path,
	// e.g. http://127.0.0.1:8188 or https://host/comfy
	BaseURL string
	// RealtimeURL overrides the realtime endpoint derived from BaseURL
	RealtimeURL string
	// WSPath is appended to BaseURL when deriving the realtime endpoint
	WSPath string
	User   string
	Token  string

	// Instance keys the persisted session identifier
	Instance string
	// NameStore and TabStore persist the session identifier. Nil stores
	// are replaced with in-memory ones.
	NameStore ports.KeyValueStore
	TabStore  ports.KeyValueStore

	ReconnectDelay time.Duration
	PollInterval   time.Duration
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Dispatcher ports.EventDispatcher
	Metrics    ports.MetricsCollector
	Logger     *zap.Logger
}

// Client is one realtime session with a compute server
type Client struct {
	api        *comfyapi.Client
	dispatcher ports.EventDispatcher
	identity   *session.Identity
	manager    *connection.Manager
	submitter  *submission.Submitter
	logger     *zap.Logger
}

// New builds a client. Nothing touches the network until Start.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics ports.MetricsCollector = ports.NopMetrics{}
	if opts.Metrics != nil {
		metrics = opts.Metrics
	}

	realtimeURL := opts.RealtimeURL
	if realtimeURL == "" {
		derived, err := deriveRealtimeURL(opts.BaseURL, opts.WSPath)
		if err != nil {
			return nil, err
		}
		realtimeURL = derived
	}

	api, err := comfyapi.NewClient(&comfyapi.Config{
		BaseURL:    opts.BaseURL,
		User:       opts.User,
		Token:      opts.Token,
		Timeout:    opts.RequestTimeout,
		HTTPClient: opts.HTTPClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = memory.NewDispatcher(logger)
	}

	instance := opts.Instance
	if instance == "" {
		instance = "default"
	}
	names := opts.NameStore
	if names == nil {
		names = storage.NewStore()
	}
	tabs := opts.TabStore
	if tabs == nil {
		tabs = storage.NewStore()
	}
	identity := session.NewIdentity(context.Background(), instance, names, tabs, logger)

	header := http.Header{}
	if opts.User != "" {
		header.Set(comfyapi.HeaderUser, opts.User)
	}
	if opts.Token != "" {
		header.Set(comfyapi.HeaderToken, opts.Token)
	}

	manager, err := connection.NewManager(&connection.Config{
		URL:            realtimeURL,
		Header:         header,
		ReconnectDelay: opts.ReconnectDelay,
		PollInterval:   opts.PollInterval,
		PollTimeout:    opts.RequestTimeout,
		Dispatcher:     dispatcher,
		Identity:       identity,
		Status:         api,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	return &Client{
		api:        api,
		dispatcher: dispatcher,
		identity:   identity,
		manager:    manager,
		submitter:  submission.NewSubmitter(api, identity, dispatcher, metrics, logger),
		logger:     logger,
	}, nil
}

// Start opens the realtime channel. Calling it again while a channel is
// held does nothing.
func (c *Client) Start() {
	c.manager.Start()
}

// Close tears down the realtime channel and any background loops
func (c *Client) Close() error {
	return c.manager.Close()
}

// On subscribes handler to kind
func (c *Client) On(kind protocol.Kind, handler ports.EventHandler) ports.SubscriptionID {
	return c.dispatcher.Subscribe(kind, handler)
}

// Off removes a handler registered with On
func (c *Client) Off(kind protocol.Kind, id ports.SubscriptionID) {
	c.dispatcher.Unsubscribe(kind, id)
}

// Submit queues a prompt; see submission.Submitter.Submit
func (c *Client) Submit(ctx context.Context, priority int, wf Workflow, authToken string) (*PromptResponse, error) {
	return c.submitter.Submit(ctx, priority, wf, authToken)
}

// Interrupt stops the most recently submitted prompt
func (c *Client) Interrupt(ctx context.Context) error {
	return c.submitter.Interrupt(ctx)
}

// LastPromptID returns the id of the most recent submission
func (c *Client) LastPromptID() string {
	return c.submitter.LastPromptID()
}

// ClientID returns the session identifier assigned by the server, or ""
func (c *Client) ClientID() string {
	return c.identity.CurrentID()
}

// InitialClientID returns the identifier recovered at construction, or ""
func (c *Client) InitialClientID() string {
	return c.identity.InitialID()
}

// State returns the realtime channel state
func (c *Client) State() State {
	return c.manager.State()
}

// Polling reports whether the status polling fallback is active
func (c *Client) Polling() bool {
	return c.manager.Polling()
}

// API returns the REST client
func (c *Client) API() *comfyapi.Client {
	return c.api
}

// Events returns the event dispatcher
func (c *Client) Events() ports.EventDispatcher {
	return c.dispatcher
}

func deriveRealtimeURL(baseURL, wsPath string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("base URL must use http or https, got %q", u.Scheme)
	}
	if wsPath == "" {
		wsPath = "/ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + wsPath
	u.RawQuery = ""
	return u.String(), nil
}
