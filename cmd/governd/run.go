package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/governd/internal/review"
)

var runCmd = &cobra.Command{
	Use:   "run [input-file]",
	Short: "Execute one governed pipeline run",
	Long: `Execute a pipeline run in the foreground and print its report as JSON.
The input state is read from a file, or from stdin when the argument is "-"
or omitted. A run with configured gates blocks until each review resolves,
so the SLA scheduler runs for the duration of the command.

Examples:
  # Run with input from a file
  governd run input.json

  # Run with input from stdin
  echo '{"doc":"a"}' | governd run -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	var input []byte
	var err error

	if len(args) == 0 || args[0] == "-" {
		input, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		input, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read input file %s: %w", args[0], err)
		}
	}
	if len(input) == 0 {
		input = []byte(`{}`)
	}
	if !json.Valid(input) {
		return fmt.Errorf("input is not valid JSON")
	}

	c, err := buildCore()
	if err != nil {
		return err
	}
	defer c.close()

	for _, p := range c.cfg.Pipeline.Phases {
		c.runner.RegisterBody(p, passthroughBody{})
	}

	scheduler := review.NewScheduler(c.reviews, c.cfg.Server.SLASweepInterval, c.logger)
	scheduler.Start(cmd.Context())
	defer scheduler.Stop()

	report, runErr := c.runner.Run(cmd.Context(), json.RawMessage(input))
	if report != nil {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	if runErr != nil {
		return fmt.Errorf("run halted: %w", runErr)
	}
	return nil
}
