package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/logger"
	"github.com/andresmejia3/veil/internal/metrics"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// cfg starts from the environment (and an optional .env); flags override it.
	cfg, cfgErr = loadConfig()

	// DB is the run history store, nil when history is disabled.
	DB *store.Store
	// log is the process logger, built once flags are parsed.
	log = zap.NewNop()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "veil <input_video_path> <output_frame_directory>",
	Short: "Blur every face in a video",
	Long: `veil extracts the frames of a video, detects faces on each frame, blurs them
and reassembles the result as <base>_blurfaces.mp4. Detections are stored in
<base>_bboxes.json so the blur can be re-applied without detecting again.`,
	Version:       Version, // This enables the --version flag
	Args:          cobra.ExactArgs(2),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPipeline(cmd.Context(), modeFull, args[0], args[1])
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgErr != nil {
			return fmt.Errorf("invalid environment configuration: %w", cfgErr)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		l, err := logger.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		log = l

		metrics.Serve(cmd.Context(), cfg.MetricsAddr, log)

		if dsn := cfg.DSN(); dsn != "" {
			// Use the command's context (which will be cancellable) for the connection
			DB, err = store.New(cmd.Context(), dsn)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		log.Sync()
	},
}

func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &config.Config{}, fmt.Errorf("load .env: %w", err)
	}
	c, err := config.Load()
	if err != nil {
		return &config.Config{}, err
	}
	return c, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		utils.ShowError(os.Stderr, describe(err), err, nil)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "PostgreSQL connection string for run history (default: built from POSTGRES_* when POSTGRES_HOST is set)")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	pf.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address (e.g. :9090)")

	addPipelineFlags(rootCmd)
}
