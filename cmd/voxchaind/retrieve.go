package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/voxchain/internal/config"
)

var (
	retrieveOS   string
	retrieveK    int
	retrieveJSON bool
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <utterance>",
	Short: "Show the command templates that would ground a plan",
	Long: `Rank the template library against an utterance the way the planner
does before prompting the model.

Examples:
  voxchaind retrieve "open the calculator"
  voxchaind retrieve --os "Ubuntu 22.04" -k 3 "list the files here"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithFile(configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		k := retrieveK
		if k <= 0 {
			k = cfg.Retrieval.Candidates
		}

		lib, index, err := newIndex(cfg, zap.NewNop())
		if err != nil {
			return err
		}
		defer lib.Close()

		matches, err := index.Retrieve(cmd.Context(), strings.Join(args, " "), retrieveOS, k)
		if err != nil {
			return fmt.Errorf("retrieving templates: %w", err)
		}

		out := cmd.OutOrStdout()
		if retrieveJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(matches)
		}
		if len(matches) == 0 {
			fmt.Fprintln(out, "no templates for", retrieveOS)
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tMETHOD\tCOMMAND\tDESCRIPTION")
		for _, m := range matches {
			fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\n", m.Score, m.Method, m.Command, m.Description)
		}
		return w.Flush()
	},
}

func init() {
	retrieveCmd.Flags().StringVar(&retrieveOS, "os", "Windows 11", "target operating system label")
	retrieveCmd.Flags().IntVarP(&retrieveK, "top", "k", 0, "number of templates (default retrieval.candidates)")
	retrieveCmd.Flags().BoolVar(&retrieveJSON, "json", false, "print matches as JSON")
}
