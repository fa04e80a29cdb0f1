package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var verifySnapshotID string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit chain and snapshots",
	Long: `Walk the full audit chain, confirming every entry's content hash and its
link to the previous entry, and report the first broken index if any. With
--snapshot, additionally recompute and check a snapshot's content hash.

Examples:
  # Verify the audit chain
  governd verify

  # Verify the chain and one snapshot
  governd verify --snapshot 2f9c41d8-...`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifySnapshotID, "snapshot", "", "snapshot ID to verify")
}

type verifyResult struct {
	ChainValid    bool   `json:"chain_valid"`
	FirstBroken   int    `json:"first_broken"`
	ChainLength   uint64 `json:"chain_length"`
	FlaggedOnOpen int    `json:"flagged_on_open"`
	SnapshotID    string `json:"snapshot_id,omitempty"`
	SnapshotValid *bool  `json:"snapshot_valid,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	c, err := buildCore()
	if err != nil {
		return err
	}
	defer c.close()

	ctx := cmd.Context()

	valid, firstBroken, err := c.chain.VerifyChain(ctx)
	if err != nil {
		return fmt.Errorf("chain verification failed: %w", err)
	}
	length, _ := c.chain.Head()

	result := verifyResult{
		ChainValid:    valid,
		FirstBroken:   firstBroken,
		ChainLength:   length,
		FlaggedOnOpen: c.chain.Flagged(),
	}

	if verifySnapshotID != "" {
		snapValid, err := c.store.Verify(ctx, verifySnapshotID)
		if err != nil {
			return fmt.Errorf("snapshot verification failed: %w", err)
		}
		result.SnapshotID = verifySnapshotID
		result.SnapshotValid = &snapValid
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !valid {
		return fmt.Errorf("audit chain broken at index %d", firstBroken)
	}
	if result.SnapshotValid != nil && !*result.SnapshotValid {
		return fmt.Errorf("snapshot %s failed hash verification", verifySnapshotID)
	}
	return nil
}
