package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/autopilot/pkg/provider"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Show provider key health",
	Long: `Sync the configured provider keys into the key store and show their
failure counts and disabled state, in failover order.`,
	Args: cobra.NoArgs,
	RunE: runKeys,
}

func init() {
	rootCmd.AddCommand(keysCmd)
}

func runKeys(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	keys, err := a.selector.Keys(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No provider keys configured")
		return nil
	}

	now := time.Now()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tKEY\tPRIORITY\tFAILURES\tSTATE")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", k.Provider, k.ID, k.Priority, k.FailureCount, keyState(k, now))
	}
	return tw.Flush()
}

func keyState(k provider.Key, now time.Time) string {
	switch {
	case k.Disabled && k.DisabledReason != "":
		return "disabled (" + k.DisabledReason + ")"
	case k.Disabled:
		return "disabled"
	case !k.Usable(now):
		return "cooling down until " + k.DisabledUntil.Format(time.RFC3339)
	default:
		return "ok"
	}
}
