package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	attestType     string
	attestAttester string
	attestScope    string
	attestStatus   string
	attestFindings []string
)

var attestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Record a compliance attestation over the audit chain",
	Long: `Verify the audit chain, record a compliance attestation bound to the
current chain head, and print the attestation report (head hash, chain
bounds, verification result).

Examples:
  # Attest a compliant chain
  governd attest --type soc2 --attester auditor@example.com --status compliant

  # Attest with findings
  governd attest --type internal --attester ops --status non_compliant \
    --finding "entry 14 flagged during recovery"`,
	RunE: runAttest,
}

func init() {
	attestCmd.Flags().StringVar(&attestType, "type", "", "attestation type (required)")
	attestCmd.Flags().StringVar(&attestAttester, "attester", "", "attesting party (required)")
	attestCmd.Flags().StringVar(&attestScope, "scope", "full chain", "scope of the attestation")
	attestCmd.Flags().StringVar(&attestStatus, "status", "compliant", "compliance status")
	attestCmd.Flags().StringArrayVar(&attestFindings, "finding", nil, "finding to record (repeatable)")
	_ = attestCmd.MarkFlagRequired("type")
	_ = attestCmd.MarkFlagRequired("attester")
}

func runAttest(cmd *cobra.Command, args []string) error {
	c, err := buildCore()
	if err != nil {
		return err
	}
	defer c.close()

	ctx := cmd.Context()

	att, err := c.chain.Attest(ctx, attestType, attestAttester, attestScope, attestStatus, attestFindings)
	if err != nil {
		return fmt.Errorf("failed to record attestation: %w", err)
	}

	report, err := c.chain.BuildReport(ctx)
	if err != nil {
		return fmt.Errorf("failed to build attestation report: %w", err)
	}

	out, err := json.MarshalIndent(map[string]any{
		"attestation": att,
		"report":      report,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
