// Package submission posts prompts to the compute server.
//
// Each submission gets a fresh prompt id and carries the current session
// identifier so that execution events for it reach this client. Rejected
// prompts surface as *PromptExecutionError and are never retried.
package submission
