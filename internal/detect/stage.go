package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/frames"
	"github.com/andresmejia3/veil/internal/metrics"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// Options configures a detection Stage.
type Options struct {
	Workers int
	Factory Factory
	Logger  *zap.Logger
	// Progress receives the progress bar. Nil disables it.
	Progress io.Writer
}

// Stage fans frames out to a bounded pool of detectors and collects the results into a manifest.
type Stage struct {
	workers  int
	factory  Factory
	log      *zap.Logger
	progress io.Writer
}

func NewStage(opts Options) *Stage {
	s := &Stage{workers: opts.Workers, factory: opts.Factory, log: opts.Logger, progress: opts.Progress}
	if s.workers < 1 {
		s.workers = 1
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.progress == nil {
		s.progress = io.Discard
	}
	return s
}

// Run detects faces on every frame in frameDir. The returned manifest has exactly
// one entry per frame; frames whose detection failed map to an empty list.
// Only cancellation and detectors that cannot be (re)started abort the run.
func (s *Stage) Run(ctx context.Context, frameDir string) (types.Manifest, error) {
	if s.factory == nil {
		return nil, errors.New("detect: no detector factory configured")
	}
	names, err := frames.ListFrames(frameDir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: %w", frameDir, frames.ErrNoFrames)
	}
	start := time.Now()
	defer metrics.ObserveStage("detect", start)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		fatalOnce sync.Once
		fatalErr  error
	)
	fail := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	workers := s.workers
	if workers > len(names) {
		workers = len(names)
	}
	s.log.Info("detection started", zap.String("dir", frameDir), zap.Int("frames", len(names)), zap.Int("workers", workers))

	tasks := make(chan types.FrameTask, workers)
	results := make(chan Result, workers*2)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := s.work(ctx, id, tasks, results); err != nil {
				fail(err)
			}
		}(i)
	}

	go func() {
		defer close(tasks)
		for i, name := range names {
			task := types.FrameTask{Index: i + 1, Name: name, Path: filepath.Join(frameDir, name)}
			select {
			case tasks <- task:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	bar := progressbar.NewOptions(len(names),
		progressbar.OptionSetDescription("🔍 Detecting faces"),
		progressbar.OptionSetWriter(s.progress),
		progressbar.OptionShowCount(),
	)

	// Single collector: the manifest has exactly one writer.
	m := make(types.Manifest, len(names))
	failures := 0
	for res := range results {
		if res.Err != nil {
			failures++
			metrics.DetectionFailuresTotal.Inc()
			s.log.Warn("detection failed, recording no faces",
				zap.String("frame", res.Frame),
				zap.Error(res.Err),
			)
		}
		m[res.Frame] = res.Boxes
		metrics.FramesProcessedTotal.WithLabelValues("detect").Inc()
		metrics.FacesDetectedTotal.Add(float64(len(res.Boxes)))
		bar.Add(1)
	}
	bar.Finish()

	if fatalErr != nil {
		return nil, fatalErr
	}
	if len(m) != len(names) {
		// Only reachable when the caller's context was cancelled.
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("detection interrupted after %d of %d frames: %w", len(m), len(names), err)
		}
		return nil, fmt.Errorf("detection incomplete: %d of %d frames", len(m), len(names))
	}

	s.log.Info("detection finished",
		zap.Int("frames", len(m)),
		zap.Int("faces", m.Faces()),
		zap.Int("failed", failures),
		zap.Duration("took", time.Since(start)),
	)
	return m, nil
}

// work owns one detector for the lifetime of the stage, replacing it when it breaks.
func (s *Stage) work(ctx context.Context, id int, tasks <-chan types.FrameTask, results chan<- Result) error {
	det, err := s.factory(ctx, id)
	if err != nil {
		return fmt.Errorf("start detector %d: %w", id, err)
	}
	defer func() {
		if det != nil {
			det.Close()
		}
	}()

	for task := range tasks {
		if err := ctx.Err(); err != nil {
			return nil
		}

		boxes, err := det.Detect(ctx, task.Path)
		res := Result{Index: task.Index, Frame: task.Name, Boxes: boxes}
		if err != nil {
			res.Boxes = []types.BoundingBox{}
			res.Err = &DetectionError{Frame: task.Name, Err: err}
		}
		if res.Boxes == nil {
			res.Boxes = []types.BoundingBox{}
		}

		if err != nil && errors.Is(err, ErrDetectorBroken) && ctx.Err() == nil {
			s.log.Warn("detector broken, restarting", zap.Int("worker", id), zap.Error(err))
			det.Close()
			det = nil
			metrics.DetectorRestartsTotal.Inc()
			if det, err = s.factory(ctx, id); err != nil {
				det = nil
				return fmt.Errorf("restart detector %d: %w", id, err)
			}
		}

		select {
		case results <- res:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
