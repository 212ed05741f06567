package submission

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// PromptResponse is the server's answer to a prompt request
type PromptResponse struct {
	PromptID   string               `json:"prompt_id,omitempty"`
	Number     int                  `json:"number,omitempty"`
	NodeErrors map[string]NodeError `json:"node_errors,omitempty"`
	Error      *ResponseError       `json:"error,omitempty"`
}

// NodeError collects the validation failures of one graph node
type NodeError struct {
	ClassType        string        `json:"class_type"`
	Errors           []ErrorReason `json:"errors"`
	DependentOutputs []string      `json:"dependent_outputs,omitempty"`
}

// ErrorReason is a single validation failure
type ErrorReason struct {
	Type      string          `json:"type,omitempty"`
	Message   string          `json:"message"`
	Details   string          `json:"details"`
	ExtraInfo json.RawMessage `json:"extra_info,omitempty"`
}

// ResponseError is the top-level error of a rejected prompt. The server
// sends either a bare string or an object.
type ResponseError struct {
	Text    string
	Type    string
	Message string
	Details string
}

// UnmarshalJSON accepts both the string and the object form
func (e *ResponseError) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*e = ResponseError{Text: text}
		return nil
	}

	var obj struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid error field: %w", err)
	}
	*e = ResponseError{Type: obj.Type, Message: obj.Message, Details: obj.Details}
	return nil
}

// MarshalJSON writes the form the value was read in
func (e ResponseError) MarshalJSON() ([]byte, error) {
	if e.Text != "" {
		return json.Marshal(e.Text)
	}
	return json.Marshal(map[string]string{
		"type":    e.Type,
		"message": e.Message,
		"details": e.Details,
	})
}

func (e *ResponseError) String() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Message + ": " + e.Details
}

// PromptExecutionError is returned when the server rejects a prompt. It
// carries the full structured response.
type PromptExecutionError struct {
	StatusCode int
	Response   PromptResponse
}

// Error renders the top-level error followed by each failed node and its
// individual failures.
func (e *PromptExecutionError) Error() string {
	var b strings.Builder
	if e.Response.Error != nil {
		b.WriteString(e.Response.Error.String())
	}

	ids := make([]string, 0, len(e.Response.NodeErrors))
	for id := range e.Response.NodeErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		nodeErr := e.Response.NodeErrors[id]
		b.WriteString("\n" + nodeErr.ClassType + ":")
		for _, reason := range nodeErr.Errors {
			b.WriteString("\n    - " + reason.Message + ": " + reason.Details)
		}
	}

	if b.Len() == 0 {
		return fmt.Sprintf("prompt execution failed with status %d", e.StatusCode)
	}
	return b.String()
}
