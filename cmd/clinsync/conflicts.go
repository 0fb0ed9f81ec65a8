package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Review the conflict archive",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived conflicts awaiting review",
	RunE:  runConflictsList,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Mark an archived conflict as reviewed",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsResolve,
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	conflicts, err := apiClient.ListUnresolvedConflicts(cmd.Context())
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(conflicts)
	}

	if len(conflicts) == 0 {
		printSuccess("No unresolved conflicts")
		return nil
	}

	fmt.Printf("%d unresolved conflict(s):\n\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Printf("  %s\n", c.ID)
		fmt.Printf("     Entity:     %s %s\n", c.EntityType, c.EntityID)
		fmt.Printf("     Detected:   %s\n", c.DetectedAt.Local().Format(time.RFC822))
		fmt.Printf("     Resolution: %s\n", c.Resolution)
		fmt.Printf("     Reason:     %s\n\n", c.Reason)
	}
	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	if err := apiClient.MarkConflictResolved(cmd.Context(), args[0]); err != nil {
		return err
	}
	printSuccess("Conflict %s marked as reviewed", args[0])
	return nil
}
