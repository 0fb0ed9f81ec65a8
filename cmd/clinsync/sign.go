package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clinsync/clinsync/internal/models"
)

var signCmd = &cobra.Command{
	Use:   "sign <note-id>",
	Short: "Sign a note, locking its content",
	Long: `Sign computes the note's content hash and stamps the signature.
Compliance checks run first: a hard stop blocks signing, warnings
require --force to override. A signed note can only be amended
through addenda.`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <note-id>",
	Short: "Verify a signed note's content against its signature",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

var addendumCmd = &cobra.Command{
	Use:   "addendum <note-id>",
	Short: "Append an addendum to a signed note",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddendum,
}

var (
	signUser        string
	signForce       bool
	addendumUser    string
	addendumContent string
)

func init() {
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(addendumCmd)

	signCmd.Flags().StringVarP(&signUser, "user", "u", "",
		"Signing clinician (required)")
	signCmd.Flags().BoolVarP(&signForce, "force", "f", false,
		"Sign despite warnings (hard stops still block)")
	_ = signCmd.MarkFlagRequired("user")

	addendumCmd.Flags().StringVarP(&addendumUser, "user", "u", "",
		"Authoring clinician (required)")
	addendumCmd.Flags().StringVarP(&addendumContent, "content", "m", "",
		"Addendum text (required)")
	_ = addendumCmd.MarkFlagRequired("user")
	_ = addendumCmd.MarkFlagRequired("content")
}

func runSign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	noteID := args[0]

	note, err := apiClient.GetNote(ctx, noteID)
	if err != nil {
		return err
	}

	findings := []models.RuleResult{}

	eligibility, err := apiClient.Rules.ValidateSignatureEligibility(ctx, noteID)
	if err != nil {
		return err
	}
	findings = append(findings, eligibility)

	units, err := apiClient.Rules.ValidateEightMinuteRule(ctx, note.VisitMinutes, note.BilledUnits)
	if err != nil {
		return err
	}
	findings = append(findings, units)

	frequency, err := apiClient.Rules.ValidateProgressNoteFrequency(ctx, note.PatientID, note.ServiceDate)
	if err != nil {
		return err
	}
	findings = append(findings, frequency)

	warnings := 0
	for _, f := range findings {
		if f.IsValid {
			continue
		}
		if f.Blocking() {
			printError("BLOCKED [%s]: %s", f.RuleID, f.Message)
			return fmt.Errorf("compliance hard stop: %s", f.RuleID)
		}
		printWarning("WARNING [%s]: %s", f.RuleID, f.Message)
		warnings++
	}

	if warnings > 0 && !signForce {
		return fmt.Errorf("%d warning(s); re-run with --force to sign anyway", warnings)
	}

	result, err := apiClient.SignNote(ctx, noteID, signUser)
	if err != nil {
		return err
	}

	printSuccess("Note %s signed by %s", noteID, signUser)
	fmt.Printf("   Hash:      %s\n", result.Hash)
	fmt.Printf("   Signed at: %s\n", result.SignedAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	noteID := args[0]

	valid, err := apiClient.Signatures.Verify(cmd.Context(), noteID)
	if err != nil {
		return err
	}
	if !valid {
		printError("Signature INVALID: content of note %s no longer matches its hash", noteID)
		return fmt.Errorf("signature verification failed")
	}

	printSuccess("Signature valid for note %s", noteID)
	return nil
}

func runAddendum(cmd *cobra.Command, args []string) error {
	noteID := args[0]

	id, err := apiClient.Signatures.CreateAddendum(cmd.Context(), noteID, addendumContent, addendumUser)
	if err != nil {
		return err
	}

	printSuccess("Addendum %s added to note %s", id, noteID)
	return nil
}
