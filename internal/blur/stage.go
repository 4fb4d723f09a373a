package blur

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/frames"
	"github.com/andresmejia3/veil/internal/metrics"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/disintegration/imaging"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// DefaultJPEGQuality keeps re-encoding loss low before the frames go back through x264.
const DefaultJPEGQuality = 95

// MissingEntriesError lists frames on disk the manifest has no entry for.
// Blurring them with no boxes would silently leak faces, so it is fatal.
type MissingEntriesError struct {
	Frames []string
}

func (e *MissingEntriesError) Error() string {
	shown := e.Frames
	if len(shown) > 5 {
		shown = shown[:5]
	}
	return fmt.Sprintf("manifest has no entry for %d frame(s): %s", len(e.Frames), strings.Join(shown, ", "))
}

// StageOptions configures a blur Stage.
type StageOptions struct {
	Workers     int
	Redact      Options
	JPEGQuality int
	Logger      *zap.Logger
	// Progress receives the progress bar. Nil disables it.
	Progress io.Writer
}

// Stage redacts a whole frame directory into a sibling directory.
type Stage struct {
	workers  int
	redact   Options
	quality  int
	log      *zap.Logger
	progress io.Writer
}

func NewStage(opts StageOptions) *Stage {
	s := &Stage{
		workers:  opts.Workers,
		redact:   opts.Redact,
		quality:  opts.JPEGQuality,
		log:      opts.Logger,
		progress: opts.Progress,
	}
	if s.workers < 1 {
		s.workers = 1
	}
	if s.quality <= 0 {
		s.quality = DefaultJPEGQuality
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.progress == nil {
		s.progress = io.Discard
	}
	return s
}

// Run writes a redacted copy of every frame in frameDir to blurDir under the same filename.
// Frame files already in blurDir are removed first.
func (s *Stage) Run(ctx context.Context, frameDir, blurDir string, m types.Manifest) error {
	if err := s.redact.Validate(); err != nil {
		return err
	}
	names, err := frames.ListFrames(frameDir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("%s: %w", frameDir, frames.ErrNoFrames)
	}

	var missing []string
	onDisk := make(map[string]bool, len(names))
	for _, name := range names {
		onDisk[name] = true
		if _, ok := m[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingEntriesError{Frames: missing}
	}
	var extra []string
	for name := range m {
		if !onDisk[name] {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		s.log.Warn("manifest lists frames that are not on disk", zap.Int("count", len(extra)), zap.Strings("frames", extra))
	}

	if err := os.MkdirAll(blurDir, 0755); err != nil {
		return fmt.Errorf("create blurred frame directory %s: %w", blurDir, err)
	}
	if n, err := frames.ClearFrames(blurDir); err != nil {
		return err
	} else if n > 0 {
		s.log.Info("removed stale blurred frames", zap.String("dir", blurDir), zap.Int("count", n))
	}

	start := time.Now()
	defer metrics.ObserveStage("blur", start)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		firstErr error
		errOnce  sync.Once
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	bar := progressbar.NewOptions(len(names),
		progressbar.OptionSetDescription("🌫️  Blurring faces"),
		progressbar.OptionSetWriter(s.progress),
		progressbar.OptionShowCount(),
	)

	workers := min(s.workers, len(names))
	tasks := make(chan types.FrameTask, workers)
	done := make(chan string, workers*2)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				if ctx.Err() != nil {
					return
				}
				if err := s.blurFrame(task, blurDir, m[task.Name]); err != nil {
					fail(err)
					return
				}
				select {
				case done <- task.Name:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for i, name := range names {
			select {
			case tasks <- types.FrameTask{Index: i + 1, Name: name, Path: filepath.Join(frameDir, name)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	written := 0
	for range done {
		written++
		metrics.FramesProcessedTotal.WithLabelValues("blur").Inc()
		bar.Add(1)
	}
	bar.Finish()

	if firstErr != nil {
		return firstErr
	}
	if written != len(names) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("blur interrupted after %d of %d frames: %w", written, len(names), err)
		}
		return errors.New("blur incomplete")
	}

	s.log.Info("blur finished",
		zap.String("dir", blurDir),
		zap.Int("frames", written),
		zap.String("style", s.redact.Style),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// blurFrame decodes one frame, redacts it and writes it atomically under the same name.
func (s *Stage) blurFrame(task types.FrameTask, blurDir string, boxes []types.BoundingBox) error {
	src, err := imaging.Open(task.Path)
	if err != nil {
		return fmt.Errorf("decode frame %s: %w", task.Path, err)
	}
	out := Apply(src, boxes, s.redact)

	dst := filepath.Join(blurDir, task.Name)
	err = utils.WriteFileAtomic(dst, 0644, func(w io.Writer) error {
		return imaging.Encode(w, out, imaging.JPEG, imaging.JPEGQuality(s.quality))
	})
	if err != nil {
		return fmt.Errorf("write blurred frame %s: %w", dst, err)
	}
	return nil
}
