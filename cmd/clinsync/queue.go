package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the outbound sync queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, failures and last sync time",
	RunE:  runQueueStatus,
}

var queueResetCmd = &cobra.Command{
	Use:   "reset [note-id...]",
	Short: "Return terminally failed items to pending",
	Long: `Reset clears the retry count on items that exhausted their retries
so the next sync attempts them again. Use after fixing the underlying
problem (connectivity, rejected content).

With note IDs, only the named notes are reset; without arguments every
failed item is reset.`,
	RunE: runQueueReset,
}

var resetUser string

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueResetCmd)

	queueResetCmd.Flags().StringVarP(&resetUser, "user", "u", "",
		"Operator performing the reset (required)")
	_ = queueResetCmd.MarkFlagRequired("user")
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	status, err := apiClient.Queue.Status(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(status)
	}

	fmt.Printf("Sync queue:\n")
	fmt.Printf("   Pending:    %d\n", status.PendingCount)
	fmt.Printf("   Processing: %d\n", status.ProcessingCount)

	if status.FailedCount > 0 {
		color.Red("   Failed:     %d (run 'clinsync queue reset' after fixing the cause)", status.FailedCount)
	} else {
		fmt.Printf("   Failed:     0\n")
	}

	if !status.OldestPendingAt.IsZero() {
		fmt.Printf("   Oldest pending: %s\n", status.OldestPendingAt.Local().Format(time.RFC822))
	}
	if status.LastSyncAt.IsZero() {
		printWarning("   Last sync:  never")
	} else {
		fmt.Printf("   Last sync:  %s\n", status.LastSyncAt.Local().Format(time.RFC822))
	}
	return nil
}

func runQueueReset(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		for _, noteID := range args {
			if err := apiClient.Queue.ResetFailedEntity(cmd.Context(), "clinical_note", noteID, resetUser); err != nil {
				return err
			}
			printSuccess("Reset %s to pending", noteID)
		}
		return nil
	}

	count, err := apiClient.Queue.ResetFailed(cmd.Context(), resetUser)
	if err != nil {
		return err
	}
	if count == 0 {
		fmt.Println("No failed items to reset")
		return nil
	}
	printSuccess("Reset %d failed item(s) to pending", count)
	return nil
}
