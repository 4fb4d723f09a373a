package cmd

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"os"

	"github.com/andresmejia3/veil/internal/blur"
	"github.com/andresmejia3/veil/internal/detect"
	"github.com/andresmejia3/veil/internal/frames"
	"github.com/andresmejia3/veil/internal/manifest"
	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/andresmejia3/veil/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type mode int

const (
	modeFull mode = iota
	modeDetect
	modeReblur
)

func addTranscodeFlags(c *cobra.Command) {
	f := c.Flags()
	f.StringVar(&cfg.OutDir, "out-dir", cfg.OutDir, "Directory for the manifest, run record and output video")
	f.BoolVar(&cfg.Fresh, "fresh", cfg.Fresh, "Ignore any previous run record and start from scratch")
	f.StringVar(&cfg.FFmpegBin, "ffmpeg", cfg.FFmpegBin, "ffmpeg binary")
	f.StringVar(&cfg.FFprobeBin, "ffprobe", cfg.FFprobeBin, "ffprobe binary")
	f.DurationVar(&cfg.TranscodeTimeout, "transcode-timeout", cfg.TranscodeTimeout, "Upper bound for each ffmpeg/ffprobe invocation")
	f.IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "Number of parallel detection/blur workers")
}

func addDetectFlags(c *cobra.Command) {
	f := c.Flags()
	f.StringVar(&cfg.Detector, "detector", cfg.Detector, "Face detector: python (RetinaFace worker) or cascade (OpenCV, needs -tags gocv)")
	f.StringVar(&cfg.PythonBin, "python", cfg.PythonBin, "Python interpreter for the detector worker")
	f.StringVar(&cfg.WorkerScript, "worker-script", cfg.WorkerScript, "Path to the detector worker script")
	f.DurationVar(&cfg.DetectorTimeout, "detector-timeout", cfg.DetectorTimeout, "Timeout for a worker to process a single frame")
	f.Float64VarP(&cfg.DetectionThreshold, "detection-threshold", "D", cfg.DetectionThreshold, "Face detection confidence threshold")
	f.StringVar(&cfg.CascadeFile, "cascade", cfg.CascadeFile, "Haar cascade file for the cascade detector")
}

func addBlurFlags(c *cobra.Command) {
	f := c.Flags()
	f.StringVar(&cfg.BlurStyle, "style", cfg.BlurStyle, "Redaction style: gauss, box, pixel, black")
	f.IntVarP(&cfg.BlurRadius, "radius", "r", cfg.BlurRadius, "Blur sigma (gauss), kernel radius (box) or block size (pixel)")
	f.BoolVar(&cfg.Outline, "outline", cfg.Outline, "Draw an outline around each detected face before blurring")
	f.IntVar(&cfg.OutlineWidth, "outline-width", cfg.OutlineWidth, "Outline width in pixels")
	f.IntVar(&cfg.JPEGQuality, "jpeg-quality", cfg.JPEGQuality, "JPEG quality of blurred frames (1-100)")
	f.BoolVar(&cfg.KeepFrames, "keep-frames", cfg.KeepFrames, "Keep extracted and blurred frames after the video is written")
	f.Float64Var(&cfg.FPS, "fps", cfg.FPS, "Output frame rate (default: probed from the input, 30 if unknown)")
}

func addPipelineFlags(c *cobra.Command) {
	addTranscodeFlags(c)
	addDetectFlags(c)
	addBlurFlags(c)
}

// detectorFactory picks the detector backend named in the configuration.
func detectorFactory() (detect.Factory, error) {
	switch cfg.Detector {
	case "python":
		return worker.PythonFactory(worker.Options{
			Python:      cfg.PythonBin,
			Script:      cfg.WorkerScript,
			Threshold:   cfg.DetectionThreshold,
			ReadTimeout: cfg.DetectorTimeout,
		}), nil
	case "cascade":
		return worker.CascadeFactory(cfg.CascadeFile), nil
	default:
		return nil, fmt.Errorf("unknown detector %q", cfg.Detector)
	}
}

func redactOptions() blur.Options {
	return blur.Options{
		Style:        cfg.BlurStyle,
		Radius:       cfg.BlurRadius,
		Outline:      cfg.Outline,
		OutlineWidth: cfg.OutlineWidth,
		OutlineColor: color.NRGBA{R: 255, A: 255},
	}
}

func newFrameStore() *frames.Store {
	return frames.New(frames.Options{
		FFmpeg:  cfg.FFmpegBin,
		FFprobe: cfg.FFprobeBin,
		Timeout: cfg.TranscodeTimeout,
		Logger:  log,
	})
}

// buildPipeline wires the stages from the current configuration.
func buildPipeline(m mode, fs *frames.Store) (*pipeline.Pipeline, error) {
	opts := pipeline.Options{
		Transcoder: fs,
		Blurrer: blur.NewStage(blur.StageOptions{
			Workers:     cfg.Workers,
			Redact:      redactOptions(),
			JPEGQuality: cfg.JPEGQuality,
			Logger:      log,
			Progress:    os.Stderr,
		}),
		Logger:     log,
		FPS:        cfg.FPS,
		KeepFrames: cfg.KeepFrames,
		Fresh:      cfg.Fresh,
	}

	if m != modeReblur {
		factory, err := detectorFactory()
		if err != nil {
			return nil, err
		}
		opts.Detector = detect.NewStage(detect.Options{
			Workers:  cfg.Workers,
			Factory:  factory,
			Logger:   log,
			Progress: os.Stderr,
		})
	}
	if DB != nil {
		opts.Recorder = DB
	}
	return pipeline.New(opts), nil
}

func runPipeline(ctx context.Context, m mode, input, frameDir string) error {
	if _, err := utils.RequireBinary(cfg.FFmpegBin); err != nil {
		return err
	}
	fs := newFrameStore()
	p, err := buildPipeline(m, fs)
	if err != nil {
		return err
	}
	paths := pipeline.DerivePaths(input, frameDir, cfg.OutDir)

	if n := fs.CountFrames(ctx, input); n > 0 {
		fmt.Fprintf(os.Stderr, "📼 Processing %s (~%d frames)\n", input, n)
	} else {
		fmt.Fprintf(os.Stderr, "📼 Processing %s\n", input)
	}
	if m != modeReblur {
		fmt.Fprintf(os.Stderr, "⚙️  Spawning %d %s detector worker(s)...\n", cfg.Workers, cfg.Detector)
	}

	var rec *pipeline.RunRecord
	switch m {
	case modeDetect:
		rec, err = p.Detect(ctx, paths)
	case modeReblur:
		rec, err = p.Reblur(ctx, paths)
	default:
		rec, err = p.Run(ctx, paths)
	}
	if err != nil {
		if rec != nil {
			log.Error("run failed", zap.String("run_id", rec.RunID), zap.String("state", string(rec.State)), zap.Error(err))
			fmt.Fprintf(os.Stderr, "\n💾 Progress saved in %s; re-run the same command to resume.\n", paths.RunState)
		}
		return err
	}

	fmt.Fprintf(os.Stderr, "\n🗂️  Detections: %s\n", paths.Manifest)
	if m == modeDetect {
		fmt.Fprintf(os.Stderr, "🏁 Detection complete (%d frames). Run `veil reblur` or `veil` to blur.\n", rec.Frames)
		return nil
	}
	fmt.Fprintf(os.Stderr, "🏁 Done. %d frames at %.3g fps -> %s\n", rec.Frames, rec.FPS, paths.Output)
	return nil
}

// describe picks the headline of the error box.
func describe(err error) string {
	var (
		exErr      *frames.ExtractionError
		asErr      *frames.AssemblyError
		corruptErr *manifest.CorruptError
		missingErr *blur.MissingEntriesError
		stageErr   *pipeline.StageError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return "Interrupted"
	case errors.As(err, &exErr):
		return "Frame extraction failed"
	case errors.As(err, &asErr):
		return "Video reassembly failed"
	case errors.As(err, &corruptErr):
		return "Detection manifest is corrupt"
	case errors.As(err, &missingErr):
		return "Detection manifest does not cover every frame"
	case errors.As(err, &stageErr):
		return fmt.Sprintf("Stage '%s' failed", stageErr.Stage)
	default:
		return "Command failed"
	}
}
