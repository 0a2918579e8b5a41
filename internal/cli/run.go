package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/autopilot/pkg/agent"
	"github.com/harun/autopilot/pkg/events"
	"github.com/harun/autopilot/pkg/hooks"
)

var (
	runSession string
	runQuiet   bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one prompt against a session",
	Long: `Run one prompt through the agent loop and print its events as they
happen. The session keeps history between runs, so repeated runs with the
same --session continue the same conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runSession, "session", "s", "default", "session id")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "print only the final answer")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	prompt := strings.Join(args, " ")
	if err := a.filter.CheckPrompt(prompt); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var sink events.Sink = events.NopSink{}
	if !runQuiet {
		sink = newPrinter(out, cmd.ErrOrStderr())
	}

	result, err := a.runner.Run(ctx, agent.Job{
		SessionID: runSession,
		Prompt:    prompt,
	}, sink)
	if err != nil {
		if ctx.Err() != nil {
			_ = a.hooks.Trigger(context.WithoutCancel(ctx), hooks.EventJobCancelled, map[string]interface{}{"session_id": runSession})
			return fmt.Errorf("run interrupted: %w", context.Cause(ctx))
		}
		_ = a.hooks.Trigger(ctx, hooks.EventJobFailed, map[string]interface{}{"session_id": runSession, "error": err.Error()})
		return err
	}
	_ = a.hooks.Trigger(ctx, hooks.EventJobCompleted, map[string]interface{}{
		"job_id":     result.JobID,
		"session_id": result.SessionID,
		"result":     result.Text,
		"iterations": result.Iterations,
	})

	if result.Kind == agent.ResultAnswer || runQuiet {
		fmt.Fprintln(out, result.Text)
	}
	return nil
}

// printer renders job events for a terminal.
type printer struct {
	out io.Writer
	err io.Writer
}

func newPrinter(out, errOut io.Writer) *printer {
	return &printer{out: out, err: errOut}
}

func (p *printer) Publish(e events.Event) {
	switch e.Type {
	case events.TypeToolStream:
		if e.Data == nil {
			return
		}
		w := p.out
		if e.Data.Type == events.StreamStderr {
			w = p.err
		}
		fmt.Fprint(w, e.Data.Content)
	case events.TypeStatus:
		fmt.Fprintf(p.err, "» %s\n", e.Content)
	case events.TypeCanvasOutput:
		fmt.Fprintf(p.out, "--- canvas (%s) ---\n%s\n---\n", e.ContentType, e.Content)
	case events.TypeError:
		fmt.Fprintf(p.err, "error: %s\n", e.Content)
	}
}
