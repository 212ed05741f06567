package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Kind identifies the semantic type of a message or event
type Kind string

// Kinds originating from the compute server
const (
	KindStatus               Kind = "status"
	KindExecuting            Kind = "executing"
	KindExecutionStart       Kind = "execution_start"
	KindExecutionSuccess     Kind = "execution_success"
	KindExecutionError       Kind = "execution_error"
	KindExecutionInterrupted Kind = "execution_interrupted"
	KindExecutionCached      Kind = "execution_cached"
	KindProgress             Kind = "progress"
	KindExecuted             Kind = "executed"
	KindLogs                 Kind = "logs"
	KindPreview              Kind = "b_preview"
)

// Kinds originating from the client side
const (
	KindGraphChanged Kind = "graphChanged"
	KindPromptQueued Kind = "promptQueued"
	KindGraphCleared Kind = "graphCleared"
	KindReconnecting Kind = "reconnecting"
	KindReconnected  Kind = "reconnected"
)

var knownKinds = map[Kind]bool{
	KindStatus:               true,
	KindExecuting:            true,
	KindExecutionStart:       true,
	KindExecutionSuccess:     true,
	KindExecutionError:       true,
	KindExecutionInterrupted: true,
	KindExecutionCached:      true,
	KindProgress:             true,
	KindExecuted:             true,
	KindLogs:                 true,
	KindPreview:              true,
	KindGraphChanged:         true,
	KindPromptQueued:         true,
	KindGraphCleared:         true,
	KindReconnecting:         true,
	KindReconnected:          true,
}

// signalKinds carry no payload
var signalKinds = map[Kind]bool{
	KindGraphCleared: true,
	KindReconnecting: true,
	KindReconnected:  true,
}

// IsKnown reports whether kind is part of the static message union
func IsKnown(kind Kind) bool {
	return knownKinds[kind]
}

// IsSignal reports whether kind is published without a payload
func IsSignal(kind Kind) bool {
	return signalKinds[kind]
}

// KnownKinds returns every kind in the static union.
func KnownKinds() []Kind {
	kinds := make([]Kind, 0, len(knownKinds))
	for k := range knownKinds {
		kinds = append(kinds, k)
	}
	return kinds
}

// Message is one decoded frame. Exactly one of Data and Preview is set.
type Message struct {
	Kind    Kind
	Data    json.RawMessage
	Preview *Preview
}

// Preview is an image produced while a node is executing
type Preview struct {
	MIME string
	Data []byte
}

// ExecInfo describes the server queue
type ExecInfo struct {
	QueueRemaining int `json:"queue_remaining"`
}

// Status is the payload delivered to status subscribers. A nil *Status
// means no status is available (socket lost or a failed poll).
type Status struct {
	ExecInfo ExecInfo `json:"exec_info"`
}

// StatusMessage is the wire shape of a status frame
type StatusMessage struct {
	Status *Status `json:"status,omitempty"`
	SID    string  `json:"sid,omitempty"`
}

// ExecutingMessage is the wire shape of an executing frame. Node is nil
// when the prompt has finished.
type ExecutingMessage struct {
	Node        *string `json:"node"`
	DisplayNode *string `json:"display_node,omitempty"`
	PromptID    string  `json:"prompt_id"`
}

// ProgressMessage reports step progress for a node
type ProgressMessage struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
}

// ExecutedMessage carries a node's outputs
type ExecutedMessage struct {
	Node        string                     `json:"node"`
	DisplayNode string                     `json:"display_node"`
	PromptID    string                     `json:"prompt_id"`
	Output      map[string]json.RawMessage `json:"output"`
	Merge       bool                       `json:"merge,omitempty"`
}

// ExecutionStartMessage marks the beginning of a prompt execution
type ExecutionStartMessage struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}

// ExecutionSuccessMessage marks a successful prompt execution
type ExecutionSuccessMessage struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}

// ExecutionCachedMessage lists nodes whose outputs were reused
type ExecutionCachedMessage struct {
	PromptID  string   `json:"prompt_id"`
	Timestamp int64    `json:"timestamp"`
	Nodes     []string `json:"nodes"`
}

// ExecutionInterruptedMessage marks a prompt stopped by the user
type ExecutionInterruptedMessage struct {
	PromptID  string   `json:"prompt_id"`
	Timestamp int64    `json:"timestamp"`
	NodeID    string   `json:"node_id"`
	NodeType  string   `json:"node_type"`
	Executed  []string `json:"executed"`
}

// ExecutionErrorMessage describes a node failure during execution
type ExecutionErrorMessage struct {
	PromptID         string                     `json:"prompt_id"`
	Timestamp        int64                      `json:"timestamp"`
	NodeID           string                     `json:"node_id"`
	NodeType         string                     `json:"node_type"`
	Executed         []string                   `json:"executed"`
	ExceptionMessage string                     `json:"exception_message"`
	ExceptionType    string                     `json:"exception_type"`
	Traceback        []string                   `json:"traceback"`
	CurrentInputs    map[string]json.RawMessage `json:"current_inputs"`
	CurrentOutputs   map[string]json.RawMessage `json:"current_outputs"`
}

// LogEntry is one server log line
type LogEntry struct {
	T string `json:"t"`
	M string `json:"m"`
}

// TerminalSize is the server terminal geometry
type TerminalSize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// LogsMessage streams server log entries
type LogsMessage struct {
	Size    *TerminalSize `json:"size,omitempty"`
	Entries []LogEntry    `json:"entries"`
}

// PromptQueuedMessage is published after a local submission
type PromptQueuedMessage struct {
	Number     int `json:"number"`
	BatchCount int `json:"batchCount"`
}

// DecodePayload converts a message into the value handed to subscribers.
//
// status yields *Status (nil when absent), executing yields the display
// node id falling back to the node id (nil when both are absent), known
// kinds yield their typed message, and any other kind yields the raw data.
func DecodePayload(msg *Message) (any, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	if msg.Preview != nil {
		return msg.Preview, nil
	}

	switch msg.Kind {
	case KindStatus:
		var m StatusMessage
		if err := unmarshalData(msg, &m); err != nil {
			return nil, err
		}
		if m.Status == nil {
			return nil, nil
		}
		return m.Status, nil
	case KindExecuting:
		var m ExecutingMessage
		if err := unmarshalData(msg, &m); err != nil {
			return nil, err
		}
		node := m.NodeID()
		if node == nil {
			return nil, nil
		}
		return node, nil
	case KindExecutionStart:
		return decodeAs[ExecutionStartMessage](msg)
	case KindExecutionSuccess:
		return decodeAs[ExecutionSuccessMessage](msg)
	case KindExecutionError:
		return decodeAs[ExecutionErrorMessage](msg)
	case KindExecutionInterrupted:
		return decodeAs[ExecutionInterruptedMessage](msg)
	case KindExecutionCached:
		return decodeAs[ExecutionCachedMessage](msg)
	case KindProgress:
		return decodeAs[ProgressMessage](msg)
	case KindExecuted:
		return decodeAs[ExecutedMessage](msg)
	case KindLogs:
		return decodeAs[LogsMessage](msg)
	case KindPromptQueued:
		return decodeAs[PromptQueuedMessage](msg)
	default:
		return msg.Data, nil
	}
}

// NodeID returns the node shown to the user for this frame
func (m *ExecutingMessage) NodeID() *string {
	if m.DisplayNode != nil && *m.DisplayNode != "" {
		return m.DisplayNode
	}
	return m.Node
}

func decodeAs[T any](msg *Message) (*T, error) {
	var v T
	if err := unmarshalData(msg, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func unmarshalData(msg *Message, v any) error {
	if len(msg.Data) == 0 || strings.TrimSpace(string(msg.Data)) == "null" {
		return nil
	}
	if err := sonic.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", msg.Kind, err)
	}
	return nil
}
