package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/autopilot/pkg/statestore"
)

var (
	stateSession string
	stateJSON    bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and manage saved project state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the project and tasks of a session",
	Args:  cobra.NoArgs,
	RunE:  runStateShow,
}

var stateClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the project state and recovery points of a session",
	Args:  cobra.NoArgs,
	RunE:  runStateClear,
}

var statePointsCmd = &cobra.Command{
	Use:   "points",
	Short: "List the recovery points of a session",
	Args:  cobra.NoArgs,
	RunE:  runStatePoints,
}

var stateRestoreCmd = &cobra.Command{
	Use:   "restore [point-id]",
	Short: "Restore a session from a recovery point",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRestore,
}

var stateSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions with saved state",
	Args:  cobra.NoArgs,
	RunE:  runStateSessions,
}

func init() {
	for _, c := range []*cobra.Command{stateShowCmd, stateClearCmd, statePointsCmd, stateRestoreCmd} {
		c.Flags().StringVarP(&stateSession, "session", "s", "default", "session id")
		stateCmd.AddCommand(c)
	}
	stateCmd.PersistentFlags().BoolVar(&stateJSON, "json", false, "print JSON")
	stateCmd.AddCommand(stateSessionsCmd)
	rootCmd.AddCommand(stateCmd)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStateShow(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.store.Session(stateSession).LoadState(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if stateJSON {
		return printJSON(out, snap)
	}
	if snap == nil || snap.Project == nil {
		fmt.Fprintf(out, "No project state for session %s\n", stateSession)
		return nil
	}
	writeSnapshot(out, snap.Project, snap.Tasks)
	fmt.Fprintf(out, "Last activity: %s\n", snap.LastActivity.Format(time.RFC3339))
	return nil
}

func writeSnapshot(out io.Writer, project *statestore.Project, tasks []statestore.Task) {
	fmt.Fprintf(out, "Project: %s (%s)\n", project.Name, project.Status)
	fmt.Fprintf(out, "Progress: %d%% (%d/%d tasks)\n", project.Progress, project.CompletedTaskCount, project.TaskCount)
	if len(tasks) == 0 {
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tTASK")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, t.Content)
	}
	tw.Flush()
}

func runStateClear(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.Close()

	ss := a.store.Session(stateSession)
	if err := ss.ClearState(cmd.Context()); err != nil {
		return err
	}
	n, err := ss.ClearRecoveryPoints(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared state and %d recovery points for session %s\n", n, stateSession)
	return nil
}

func runStatePoints(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.Close()

	points, err := a.store.Session(stateSession).GetRecoveryPoints(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if stateJSON {
		return printJSON(out, points)
	}
	if len(points) == 0 {
		fmt.Fprintf(out, "No recovery points for session %s\n", stateSession)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tTASKS\tDESCRIPTION")
	for _, p := range points {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.ID, p.Timestamp.Format(time.RFC3339), len(p.Tasks), p.Description)
	}
	return tw.Flush()
}

func runStateRestore(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.Close()

	point, err := a.store.Session(stateSession).Rollback(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if stateJSON {
		return printJSON(out, point)
	}
	fmt.Fprintf(out, "Restored session %s from %q\n", stateSession, point.Description)
	if point.Project != nil {
		writeSnapshot(out, point.Project, point.Tasks)
	}
	return nil
}

func runStateSessions(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.store.ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if stateJSON {
		return printJSON(out, sessions)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tPOINTS\tLAST ACTIVITY")
	for _, s := range sessions {
		last := "-"
		if !s.LastActivity.IsZero() {
			last = s.LastActivity.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", s.SessionID, s.HasState, s.RecoveryPoints, last)
	}
	return tw.Flush()
}
