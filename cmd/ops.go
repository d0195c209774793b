package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/warden"
)

// errOperationFailed makes the process exit non-zero after an error
// outcome has been printed.
var errOperationFailed = errors.New("operation failed")

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func reportOutcome(cmd *cobra.Command, out warden.Outcome) error {
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if out.Kind == warden.KindError {
		return fmt.Errorf("%w: %s", errOperationFailed, out.Code)
	}
	return nil
}

func addTriggerFlag(cmd *cobra.Command, trigger *string) {
	cmd.Flags().StringVar(trigger, "trigger", "", "who asked for the operation: admin, rest, cron (empty for manual)")
}

func newPurgeCmd() *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Purge the whole cache",
		Long:  "Stops a running preload, if any, and deletes every cache entry outside the protected directories.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return reportOutcome(cmd, appInstance.Service().PurgeAll(cmd.Context(), warden.ParseTrigger(trigger)))
		},
	}
	addTriggerFlag(cmd, &trigger)
	return cmd
}

func newPurgeURLCmd() *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "purge-url <url>",
		Short: "Purge one page from the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return reportOutcome(cmd, appInstance.Service().PurgeURL(cmd.Context(), warden.ParseTrigger(trigger), args[0]))
		},
	}
	addTriggerFlag(cmd, &trigger)
	return cmd
}

func newPreloadCmd() *cobra.Command {
	var (
		trigger string
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "preload",
		Short: "Purge the cache and start a full preload",
		Long: `Purges the cache and starts a detached wget crawl of the site.
Without --wait the command returns once the crawl is running; run "wait"
later (for example from cron) to send the completion notice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out := appInstance.Service().Preload(cmd.Context(), warden.ParseTrigger(trigger))
			if err := reportOutcome(cmd, out); err != nil || !wait || out.Run == nil {
				return err
			}
			return runWait(cmd, appInstance)
		},
	}
	addTriggerFlag(cmd, &trigger)
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the preload ends and finalize it")
	return cmd
}

func newPreloadURLCmd() *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "preload-url <url>",
		Short: "Preload one page and its requisites",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return reportOutcome(cmd, appInstance.Service().PreloadURL(cmd.Context(), warden.ParseTrigger(trigger), args[0]))
		},
	}
	addTriggerFlag(cmd, &trigger)
	return cmd
}

func newWaitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait",
		Short: "Wait for the running preload to end and finalize it",
		Long: `Polls the preload lease until the crawl exits. A finished desktop pass is
followed by the mobile pass when enabled. After the last pass the temporary
crawl directory is removed and the completion notice is sent. A cancelled
preload ends the wait without side effects.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runWait(cmd, appInstance)
		},
	}
}

func runWait(cmd *cobra.Command, appInstance App) error {
	out, err := appInstance.Waiter().WaitAndFinalize(cmd.Context())
	if err != nil {
		return fmt.Errorf("wait for preload: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func newProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Print preload progress as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := appInstance.Service().Progress(cmd.Context())
			if err != nil {
				return fmt.Errorf("read progress: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func newCachedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cached",
		Short: "List cached pages with their categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			list, err := appInstance.Service().Cached(cmd.Context())
			if err != nil {
				return fmt.Errorf("list cached pages: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
}
