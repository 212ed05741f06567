package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aescanero/comfyrt/pkg/client"
	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// outcome is a terminal execution event for one prompt
type outcome struct {
	kind     protocol.Kind
	promptID string
	detail   string
}

func newSubmitCmd() *cobra.Command {
	var (
		front          bool
		number         int
		wait           bool
		authToken      string
		connectTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <file.json|file.yaml>",
		Short: "Queue a prompt and optionally follow it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if front && number != 0 {
				return fmt.Errorf("--front and --number are mutually exclusive")
			}
			priority := number
			if front {
				priority = client.PriorityFront
			}

			wf, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			out := cmd.OutOrStdout()
			var outcomes chan outcome
			if wait {
				outcomes = track(a.client, out)
				a.client.Start()
				if err := waitForSession(ctx, a.client, connectTimeout); err != nil {
					return err
				}
			}

			resp, err := a.client.Submit(ctx, priority, wf, authToken)
			if err != nil {
				var perr *client.PromptExecutionError
				if errors.As(err, &perr) {
					fmt.Fprintln(cmd.ErrOrStderr(), perr.Error())
					return fmt.Errorf("prompt rejected with status %d", perr.StatusCode)
				}
				return err
			}
			fmt.Fprintf(out, "queued %s (number %d)\n", resp.PromptID, resp.Number)

			if !wait {
				return nil
			}
			return waitForOutcome(ctx, a, resp.PromptID, outcomes, out)
		},
	}

	cmd.Flags().BoolVar(&front, "front", false, "place the prompt at the front of the queue")
	cmd.Flags().IntVar(&number, "number", 0, "explicit queue position")
	cmd.Flags().BoolVar(&wait, "wait", false, "stream progress until the prompt finishes")
	cmd.Flags().StringVar(&authToken, "auth-token", "", "token forwarded to API nodes")
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "how long to wait for a realtime session with --wait")
	return cmd
}

// track subscribes before submission so no event for the prompt is missed
func track(c *client.Client, out io.Writer) chan outcome {
	outcomes := make(chan outcome, 16)
	report := func(o outcome) {
		select {
		case outcomes <- o:
		default:
		}
	}

	c.On(protocol.KindExecuting, func(e ports.Event) {
		if node, ok := e.Payload.(*string); ok && node != nil {
			fmt.Fprintf(out, "executing node %s\n", *node)
		}
	})
	c.On(protocol.KindProgress, func(e ports.Event) {
		if p, ok := e.Payload.(*protocol.ProgressMessage); ok {
			fmt.Fprintf(out, "node %s: %d/%d\n", p.Node, p.Value, p.Max)
		}
	})
	c.On(protocol.KindExecutionSuccess, func(e ports.Event) {
		if m, ok := e.Payload.(*protocol.ExecutionSuccessMessage); ok {
			report(outcome{kind: e.Kind, promptID: m.PromptID})
		}
	})
	c.On(protocol.KindExecutionError, func(e ports.Event) {
		if m, ok := e.Payload.(*protocol.ExecutionErrorMessage); ok {
			report(outcome{
				kind:     e.Kind,
				promptID: m.PromptID,
				detail:   fmt.Sprintf("node %s (%s): %s", m.NodeID, m.NodeType, m.ExceptionMessage),
			})
		}
	})
	c.On(protocol.KindExecutionInterrupted, func(e ports.Event) {
		if m, ok := e.Payload.(*protocol.ExecutionInterruptedMessage); ok {
			report(outcome{kind: e.Kind, promptID: m.PromptID, detail: "node " + m.NodeID})
		}
	})

	return outcomes
}

// waitForSession blocks until the server has assigned a session id, so
// execution events for the prompt are routed to this client.
func waitForSession(ctx context.Context, c *client.Client, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for c.ClientID() == "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("no realtime session after %s (state %s)", timeout, c.State())
		case <-ticker.C:
		}
	}
	return nil
}

func waitForOutcome(ctx context.Context, a *app, promptID string, outcomes <-chan outcome, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("interrupting prompt", zap.String("prompt_id", promptID))
			interruptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := a.client.Interrupt(interruptCtx); err != nil {
				a.logger.Error("failed to interrupt prompt", zap.Error(err))
			}
			return ctx.Err()

		case o := <-outcomes:
			if o.promptID != promptID {
				continue
			}
			switch o.kind {
			case protocol.KindExecutionSuccess:
				fmt.Fprintf(out, "prompt %s finished\n", promptID)
				return nil
			case protocol.KindExecutionError:
				return fmt.Errorf("prompt %s failed: %s", promptID, o.detail)
			default:
				return fmt.Errorf("prompt %s interrupted at %s", promptID, o.detail)
			}
		}
	}
}
