package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes and pull remote updates",
	Long: `Sync runs one push-then-pull cycle. Queued local mutations go out
first, then remote changes since the last sync are applied. Divergent
versions are resolved and the losing side archived.`,
	Example: `  clinsync sync
  clinsync sync --push-only
  clinsync sync --watch`,
	RunE: runSync,
}

var (
	syncPushOnly bool
	syncPullOnly bool
	syncWatch    bool
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVar(&syncPushOnly, "push-only", false,
		"Push queued changes without pulling")
	syncCmd.Flags().BoolVar(&syncPullOnly, "pull-only", false,
		"Pull remote changes without pushing")
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false,
		"After syncing, stay connected and apply live changes")
	syncCmd.MarkFlagsMutuallyExclusive("push-only", "pull-only")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		printWarning("\nSync interrupted, cancelling...")
		cancel()
	}()

	switch {
	case syncPushOnly:
		result, err := apiClient.Sync.Push(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Pushed %d, failed %d, conflicts %d\n",
			result.SuccessCount, result.FailureCount, result.ConflictCount)

	case syncPullOnly:
		result, err := apiClient.Sync.Pull(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Applied %d, skipped %d, conflicts %d\n",
			result.AppliedCount, result.SkippedCount, result.ConflictCount)

	default:
		result, err := apiClient.Sync.SyncNow(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(result)
		}

		fmt.Printf("\nSync summary:\n")
		fmt.Printf("   Pushed:    %d (%d failed)\n", result.Push.SuccessCount, result.Push.FailureCount)
		fmt.Printf("   Pulled:    %d (%d skipped)\n", result.Pull.AppliedCount, result.Pull.SkippedCount)
		fmt.Printf("   Conflicts: %d\n", result.Push.ConflictCount+result.Pull.ConflictCount)
		fmt.Printf("   Duration:  %s\n", result.Duration.Round(time.Millisecond))

		for _, c := range append(result.Push.Conflicts, result.Pull.Conflicts...) {
			printWarning("   conflict %s: %s (%s)", c.EntityID, c.Resolution, c.Reason)
		}
	}

	if syncWatch {
		printSuccess("Sync completed, watching for changes...")
		if err := apiClient.Sync.Watch(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}

	if !jsonOutput {
		printSuccess("Sync completed")
	}
	return nil
}
