package frames

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/andresmejia3/veil/internal/utils"
	"go.uber.org/zap"
)

// Ext is the image format frames are extracted to and reassembled from.
const Ext = "jpg"

// pattern is the printf-style template handed to ffmpeg for both directions.
const pattern = "frame_%06d." + Ext

var frameRe = regexp.MustCompile(`^frame_(\d{6,})\.` + Ext + `$`)

// ErrNoFrames is returned when a directory holds no frame images.
var ErrNoFrames = errors.New("no frames found")

// FrameName returns the canonical filename for the 1-based frame index.
func FrameName(index int) string {
	return fmt.Sprintf(pattern, index)
}

// ParseIndex extracts the frame index from a canonical frame filename.
func ParseIndex(name string) (int, bool) {
	m := frameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// Options configures the external transcoder used by a Store.
type Options struct {
	FFmpeg  string
	FFprobe string
	// Timeout bounds every ffmpeg/ffprobe invocation. Zero means no limit.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Store owns the on-disk frame sequences of a run and the ffmpeg calls that produce and consume them.
type Store struct {
	ffmpeg  string
	ffprobe string
	timeout time.Duration
	log     *zap.Logger
}

// New creates a Store. Empty binary names fall back to "ffmpeg" and "ffprobe".
func New(opts Options) *Store {
	s := &Store{ffmpeg: opts.FFmpeg, ffprobe: opts.FFprobe, timeout: opts.Timeout, log: opts.Logger}
	if s.ffmpeg == "" {
		s.ffmpeg = "ffmpeg"
	}
	if s.ffprobe == "" {
		s.ffprobe = "ffprobe"
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// withTimeout derives the context for one external process.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Extract decodes videoPath into frameDir as frame_000001.jpg, frame_000002.jpg, ...
// frameDir is created if needed. Frame files left in it by earlier runs are removed
// first; other files are left alone.
func (s *Store) Extract(ctx context.Context, videoPath, frameDir string) ([]string, error) {
	info, err := os.Stat(videoPath)
	if err != nil {
		return nil, &ExtractionError{Video: videoPath, Err: err}
	}
	if info.IsDir() {
		return nil, &ExtractionError{Video: videoPath, Err: fmt.Errorf("%s is a directory, expected a video file", videoPath)}
	}
	if err := os.MkdirAll(frameDir, 0755); err != nil {
		return nil, &ExtractionError{Video: videoPath, Err: fmt.Errorf("create frame directory: %w", err)}
	}
	if n, err := ClearFrames(frameDir); err != nil {
		return nil, &ExtractionError{Video: videoPath, Err: err}
	} else if n > 0 {
		s.log.Info("removed stale frames", zap.String("dir", frameDir), zap.Int("count", n))
	}

	pctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cmd := utils.NewSafeCommand(pctx, s.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-i", videoPath,
		"-qscale:v", "2",
		"-start_number", "1",
		filepath.Join(frameDir, pattern),
	)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := pctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return nil, &ExtractionError{Video: videoPath, Output: cmd.Logs(), Err: err}
	}

	names, err := s.ListFrames(frameDir)
	if err != nil {
		return nil, &ExtractionError{Video: videoPath, Err: err}
	}
	if len(names) == 0 {
		return nil, &ExtractionError{Video: videoPath, Output: cmd.Logs(), Err: ErrNoFrames}
	}
	if err := ValidateSequence(names); err != nil {
		return nil, &ExtractionError{Video: videoPath, Err: err}
	}

	s.log.Info("frames extracted",
		zap.String("video", videoPath),
		zap.String("dir", frameDir),
		zap.Int("count", len(names)),
		zap.Duration("took", time.Since(start)),
	)
	return names, nil
}

// ListFrames returns the frame filenames in frameDir in processing (frame index) order.
// Files not matching the frame naming convention are ignored.
func (s *Store) ListFrames(frameDir string) ([]string, error) {
	return ListFrames(frameDir)
}

// ListFrames is the receiver-less form used by stages that do not own a Store.
func ListFrames(frameDir string) ([]string, error) {
	entries, err := os.ReadDir(frameDir)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := ParseIndex(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sortByIndex(names)
	return names, nil
}

// sortByIndex orders frame names numerically, so frame_1000000.jpg follows frame_999999.jpg.
func sortByIndex(names []string) {
	type entry struct {
		idx  int
		name string
	}
	entries := make([]entry, len(names))
	for i, name := range names {
		idx, _ := ParseIndex(name)
		entries[i] = entry{idx, name}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].idx != entries[j].idx {
			return entries[i].idx < entries[j].idx
		}
		return entries[i].name < entries[j].name
	})
	for i, e := range entries {
		names[i] = e.name
	}
}

// ClearFrames deletes the frame files in dir and returns how many were removed.
// A missing dir is not an error.
func ClearFrames(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("clear frames: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := ParseIndex(e.Name()); !ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return n, fmt.Errorf("clear frames: %w", err)
		}
		n++
	}
	return n, nil
}

// ValidateSequence checks that sorted frame names carry indices exactly 1..N.
func ValidateSequence(names []string) error {
	for i, name := range names {
		idx, ok := ParseIndex(name)
		if !ok {
			return fmt.Errorf("unexpected file %q in frame sequence", name)
		}
		if idx != i+1 {
			return fmt.Errorf("frame sequence broken at position %d: expected %s, found %s", i+1, FrameName(i+1), name)
		}
	}
	return nil
}

// Reassemble encodes the frames in frameDir into an H.264 video at the given frame rate.
// The container is chosen by ffmpeg from the extension of outputPath.
func (s *Store) Reassemble(ctx context.Context, frameDir, outputPath string, fps float64) error {
	if fps <= 0 {
		return &AssemblyError{Dir: frameDir, Output: outputPath, Err: fmt.Errorf("invalid frame rate %v", fps)}
	}
	names, err := s.ListFrames(frameDir)
	if err != nil {
		return &AssemblyError{Dir: frameDir, Output: outputPath, Err: err}
	}
	if len(names) == 0 {
		return &AssemblyError{Dir: frameDir, Output: outputPath, Err: ErrNoFrames}
	}
	if err := ValidateSequence(names); err != nil {
		return &AssemblyError{Dir: frameDir, Output: outputPath, Err: err}
	}
	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &AssemblyError{Dir: frameDir, Output: outputPath, Err: fmt.Errorf("create output directory: %w", err)}
		}
	}

	pctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cmd := utils.NewSafeCommand(pctx, s.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-start_number", "1",
		"-i", filepath.Join(frameDir, pattern),
		"-c:v", "libx264",
		"-crf", "18",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		// libx264 with yuv420p rejects odd dimensions
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		outputPath,
	)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := pctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return &AssemblyError{Dir: frameDir, Output: outputPath, Logs: cmd.Logs(), Err: err}
	}

	s.log.Info("video reassembled",
		zap.String("output", outputPath),
		zap.Int("frames", len(names)),
		zap.Float64("fps", fps),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
