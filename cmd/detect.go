package cmd

import (
	"github.com/spf13/cobra"
)

var detectCmd = &cobra.Command{
	Use:   "detect <input_video_path> <output_frame_directory>",
	Short: "Extract frames and write the detection manifest without blurring",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPipeline(cmd.Context(), modeDetect, args[0], args[1])
	},
}

func init() {
	addTranscodeFlags(detectCmd)
	addDetectFlags(detectCmd)
	rootCmd.AddCommand(detectCmd)
}
