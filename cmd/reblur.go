package cmd

import (
	"github.com/spf13/cobra"
)

var reblurCmd = &cobra.Command{
	Use:   "reblur <input_video_path> <output_frame_directory>",
	Short: "Blur again from the stored manifest, without running detection",
	Long: `reblur loads <base>_bboxes.json and applies the current blur settings to the
frames in the frame directory (extracting them again if they were cleaned up),
then reassembles the video. The detector is never started.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPipeline(cmd.Context(), modeReblur, args[0], args[1])
	},
}

func init() {
	addTranscodeFlags(reblurCmd)
	addBlurFlags(reblurCmd)
	rootCmd.AddCommand(reblurCmd)
}
