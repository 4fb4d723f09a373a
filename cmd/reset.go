package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset [--history] [--files <input_video_path> <output_frame_directory>]",
	Short: "Reset run state (database history, intermediate frames, run record)",
	Long: `Clears stored state. --history drops the run history tables. --files removes the
frame directory, the blurred frame directory, the manifest and the run record
derived from the given input, so the next run starts from scratch. The output
video is never removed.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if resetFiles {
			return cobra.ExactArgs(2)(cmd, args)
		}
		return cobra.NoArgs(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !resetDB && !resetFiles {
			return errors.New("nothing to reset: pass --history and/or --files")
		}

		reader := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()

		if resetDB {
			if DB == nil {
				return errors.New("no database configured: pass --db or set VEIL_DB / POSTGRES_HOST")
			}
			if resetYes || confirm(out, reader, "⚠️  Are you sure you want to DROP all run history tables?") {
				fmt.Fprintln(out, "🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					return fmt.Errorf("reset database: %w", err)
				}
			}
		}

		if resetFiles {
			paths := pipeline.DerivePaths(args[0], args[1], cfg.OutDir)
			if resetYes || confirm(out, reader, fmt.Sprintf("⚠️  Are you sure you want to delete the frames, manifest and run record of %s?", paths.Base)) {
				fmt.Fprintln(out, "🗑️  Clearing intermediate files...")
				removeFiles(out, paths)
			}
		}

		fmt.Fprintln(out, "✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "history", false, "Drop the run history tables")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Remove frames, manifest and run record of a video")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().StringVar(&cfg.OutDir, "out-dir", cfg.OutDir, "Directory holding the manifest and run record")
	rootCmd.AddCommand(resetCmd)
}

func confirm(out io.Writer, r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeFiles(out io.Writer, paths pipeline.Paths) {
	for _, dir := range []string{paths.FrameDir, paths.BlurDir} {
		if err := os.RemoveAll(dir); err != nil {
			fmt.Fprintf(out, "⚠️  Failed to remove %s: %v\n", dir, err)
		}
	}
	for _, f := range []string{paths.Manifest, paths.RunState} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(out, "⚠️  Failed to remove %s: %v\n", f, err)
		}
	}
}
