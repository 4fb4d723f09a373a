package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyRun   string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs from the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if DB == nil {
			return errors.New("run history needs a database: pass --db or set VEIL_DB / POSTGRES_HOST")
		}
		if historyRun != "" {
			m, err := DB.Detections(cmd.Context(), historyRun)
			if err != nil {
				return fmt.Errorf("load detections of run %s: %w", historyRun, err)
			}
			printDetections(cmd.OutOrStdout(), m)
			return nil
		}

		runs, err := DB.ListRuns(cmd.Context(), historyLimit)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		printRuns(cmd.OutOrStdout(), runs)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs to show (0 = all)")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Show the stored detections of one run instead of the run list")
	rootCmd.AddCommand(historyCmd)
}

func printRuns(out io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN\tINPUT\tSTATE\tFRAMES\tFACES\tSTARTED")
	fmt.Fprintln(w, "---\t-----\t-----\t------\t-----\t-------")

	for _, r := range runs {
		state := r.State
		if r.Error != "" {
			state += " (error)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", r.ID, r.Input, state, r.Frames, r.Faces, r.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func printDetections(out io.Writer, m types.Manifest) {
	if len(m) == 0 {
		fmt.Fprintln(out, "No detections stored for this run.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tFACES\tBOXES")
	fmt.Fprintln(w, "-----\t-----\t-----")
	for _, name := range m.Frames() {
		boxes := m[name]
		parts := make([]string, len(boxes))
		for i, b := range boxes {
			parts[i] = fmt.Sprintf("(%d,%d)-(%d,%d)", b.X1, b.Y1, b.X2, b.Y2)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", name, len(boxes), strings.Join(parts, " "))
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d faces on %d frames\n", m.Faces(), len(m))
}
