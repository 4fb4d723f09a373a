// Package pipeline sequences extraction, detection, blurring and reassembly
// into one resumable batch run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/veil/internal/frames"
	"github.com/andresmejia3/veil/internal/manifest"
	"github.com/andresmejia3/veil/internal/metrics"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"go.uber.org/zap"
)

// DefaultFPS is used when the source frame rate cannot be probed.
const DefaultFPS = 30.0

// Transcoder moves between a video file and a frame directory.
type Transcoder interface {
	Extract(ctx context.Context, videoPath, frameDir string) ([]string, error)
	Reassemble(ctx context.Context, frameDir, outputPath string, fps float64) error
	ProbeFPS(ctx context.Context, videoPath string) (float64, error)
}

// Detector produces the manifest for a frame directory.
type Detector interface {
	Run(ctx context.Context, frameDir string) (types.Manifest, error)
}

// Blurrer writes redacted copies of a frame directory.
type Blurrer interface {
	Run(ctx context.Context, frameDir, blurDir string, m types.Manifest) error
}

// Recorder mirrors run progress into persistent history. Failures are logged, never fatal.
type Recorder interface {
	EnsureVideoMetadata(ctx context.Context, videoID, path string) error
	BeginRun(ctx context.Context, runID, videoID, input string) error
	UpdateRunState(ctx context.Context, runID, state string, frames int, fps float64, errMsg string) error
	InsertDetections(ctx context.Context, runID string, m types.Manifest) error
}

// Options wires the stages of a Pipeline.
type Options struct {
	Transcoder Transcoder
	Detector   Detector
	Blurrer    Blurrer
	// Recorder is optional.
	Recorder Recorder
	Logger   *zap.Logger

	// FPS overrides the probed frame rate when positive.
	FPS        float64
	KeepFrames bool
	// Fresh ignores any existing run record.
	Fresh bool
}

type Pipeline struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{opts: opts, log: log}
}

// StageError records which stage a run failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s failed: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// run carries the mutable state of one invocation.
type run struct {
	p     *Pipeline
	paths Paths
	rec   *RunRecord
	// redo is set once a stage has actually executed; every later stage must then run too.
	redo     bool
	manifest types.Manifest
}

// Run executes the whole pipeline, resuming after the last completed stage of a
// previous run on the same input when its record allows.
func (p *Pipeline) Run(ctx context.Context, paths Paths) (*RunRecord, error) {
	r, err := p.begin(ctx, paths)
	if err != nil {
		return nil, err
	}
	steps := []func(context.Context) error{r.extract, r.detect, r.blur, r.reassemble, r.cleanup}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return r.rec, err
		}
	}
	return r.rec, nil
}

// Detect extracts frames and writes the manifest, then stops at DETECTED.
func (p *Pipeline) Detect(ctx context.Context, paths Paths) (*RunRecord, error) {
	r, err := p.begin(ctx, paths)
	if err != nil {
		return nil, err
	}
	for _, step := range []func(context.Context) error{r.extract, r.detect} {
		if err := step(ctx); err != nil {
			return r.rec, err
		}
	}
	return r.rec, nil
}

// Reblur redacts again from the stored manifest without running detection.
// Frames are re-extracted when they are no longer on disk.
func (p *Pipeline) Reblur(ctx context.Context, paths Paths) (*RunRecord, error) {
	m, err := manifest.Load(paths.Manifest)
	if err != nil {
		return nil, &StageError{Stage: "load manifest", Err: err}
	}
	r, err := p.begin(ctx, paths)
	if err != nil {
		return nil, err
	}
	r.manifest = m

	ok, err := r.reuseFrames(ctx)
	if err != nil {
		return r.rec, err
	}
	if !ok {
		r.redo = true
		if err := r.extract(ctx); err != nil {
			return r.rec, err
		}
	}
	r.redo = true
	if err := r.transition(ctx, StateDetected); err != nil {
		return r.rec, err
	}
	for _, step := range []func(context.Context) error{r.blur, r.reassemble, r.cleanup} {
		if err := step(ctx); err != nil {
			return r.rec, err
		}
	}
	return r.rec, nil
}

// begin loads or creates the run record.
func (p *Pipeline) begin(ctx context.Context, paths Paths) (*run, error) {
	videoID, err := utils.GenerateVideoID(paths.Input)
	if err != nil {
		return nil, &StageError{Stage: "extract", Err: &frames.ExtractionError{Video: paths.Input, Err: err}}
	}

	var rec *RunRecord
	if !p.opts.Fresh {
		prev, err := LoadRecord(paths.RunState)
		switch {
		case err != nil:
			p.log.Warn("ignoring unreadable run state", zap.String("path", paths.RunState), zap.Error(err))
		case prev == nil:
		case prev.VideoID != videoID:
			p.log.Info("run state belongs to a different video, starting fresh", zap.String("path", paths.RunState))
		case prev.State.Terminal():
		default:
			rec = prev
			rec.Error = ""
			p.log.Info("resuming run", zap.String("run_id", rec.RunID), zap.String("state", string(rec.State)))
		}
	}

	fresh := rec == nil
	if fresh {
		rec = NewRunRecord(videoID, paths.Input)
	}
	if err := SaveRecord(paths.RunState, rec); err != nil {
		return nil, err
	}

	r := &run{p: p, paths: paths, rec: rec}
	if h := p.opts.Recorder; h != nil {
		if err := h.EnsureVideoMetadata(ctx, videoID, paths.Input); err != nil {
			p.log.Warn("history: video metadata not recorded", zap.Error(err))
		}
		if fresh {
			if err := h.BeginRun(ctx, r.rec.RunID, videoID, paths.Input); err != nil {
				p.log.Warn("history: run not recorded", zap.Error(err))
			}
		}
	}
	return r, nil
}

// transition persists a completed stage.
func (r *run) transition(ctx context.Context, s State) error {
	r.rec.State = s
	r.rec.UpdatedAt = time.Now().UTC()
	r.rec.Error = ""
	if err := SaveRecord(r.paths.RunState, r.rec); err != nil {
		return err
	}
	r.record(ctx)
	return nil
}

// fail stores the error in the record and wraps it with the stage name.
func (r *run) fail(ctx context.Context, stage string, err error) error {
	r.rec.Error = err.Error()
	r.rec.UpdatedAt = time.Now().UTC()
	if saveErr := SaveRecord(r.paths.RunState, r.rec); saveErr != nil {
		r.p.log.Warn("could not persist failure", zap.Error(saveErr))
	}
	r.record(ctx)
	return &StageError{Stage: stage, Err: err}
}

func (r *run) record(ctx context.Context) {
	if r.p.opts.Recorder == nil {
		return
	}
	// History must outlive a cancelled run context.
	ctx = context.WithoutCancel(ctx)
	if err := r.p.opts.Recorder.UpdateRunState(ctx, r.rec.RunID, string(r.rec.State), r.rec.Frames, r.rec.FPS, r.rec.Error); err != nil {
		r.p.log.Warn("history: state not recorded", zap.Error(err))
	}
}

// done reports whether s was completed by a previous invocation and can be skipped.
func (r *run) done(s State) bool {
	return !r.redo && r.rec.State.AtLeast(s)
}

func (r *run) extract(ctx context.Context) error {
	if r.done(StateExtracted) {
		if ok, err := r.reuseFrames(ctx); ok || err != nil {
			return err
		}
		r.p.log.Warn("extracted frames missing or incomplete, extracting again", zap.String("dir", r.paths.FrameDir))
	}
	r.redo = true

	start := time.Now()
	names, err := r.p.opts.Transcoder.Extract(ctx, r.paths.Input, r.paths.FrameDir)
	if err != nil {
		return r.fail(ctx, "extract", err)
	}
	metrics.ObserveStage("extract", start)
	metrics.FramesExtractedTotal.Add(float64(len(names)))
	r.rec.Frames = len(names)

	if err := r.ensureFPS(ctx); err != nil {
		return err
	}
	return r.transition(ctx, StateExtracted)
}

// reuseFrames adopts a complete frame sequence already on disk.
func (r *run) reuseFrames(ctx context.Context) (bool, error) {
	names, err := frames.ListFrames(r.paths.FrameDir)
	if err != nil || len(names) == 0 || frames.ValidateSequence(names) != nil {
		return false, nil
	}
	r.p.log.Info("reusing extracted frames", zap.String("dir", r.paths.FrameDir), zap.Int("frames", len(names)))
	r.rec.Frames = len(names)
	return true, r.ensureFPS(ctx)
}

// ensureFPS settles the output frame rate once per run: override, then record, then probe.
func (r *run) ensureFPS(ctx context.Context) error {
	if r.p.opts.FPS > 0 {
		r.rec.FPS = r.p.opts.FPS
		return nil
	}
	if r.rec.FPS > 0 {
		return nil
	}
	fps, err := r.p.opts.Transcoder.ProbeFPS(ctx, r.paths.Input)
	if err != nil || fps <= 0 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.fail(ctx, "extract", ctxErr)
		}
		r.p.log.Warn("could not determine source frame rate, using default",
			zap.Float64("fps", DefaultFPS), zap.Error(err))
		fps = DefaultFPS
	}
	r.rec.FPS = fps
	return nil
}

func (r *run) detect(ctx context.Context) error {
	if r.done(StateDetected) {
		m, err := manifest.Load(r.paths.Manifest)
		if err == nil {
			r.p.log.Info("reusing manifest", zap.String("path", r.paths.Manifest), zap.Int("faces", m.Faces()))
			r.manifest = m
			return nil
		}
		r.p.log.Warn("stored manifest unusable, detecting again", zap.Error(err))
	}
	r.redo = true

	m, err := r.p.opts.Detector.Run(ctx, r.paths.FrameDir)
	if err != nil {
		return r.fail(ctx, "detect", err)
	}
	if err := manifest.Save(r.paths.Manifest, m); err != nil {
		return r.fail(ctx, "detect", err)
	}
	r.manifest = m

	if h := r.p.opts.Recorder; h != nil {
		if err := h.InsertDetections(context.WithoutCancel(ctx), r.rec.RunID, m); err != nil {
			r.p.log.Warn("history: detections not recorded", zap.Error(err))
		}
	}
	return r.transition(ctx, StateDetected)
}

func (r *run) blur(ctx context.Context) error {
	if r.done(StateBlurred) {
		names, err := frames.ListFrames(r.paths.BlurDir)
		if err == nil && len(names) == r.rec.Frames && frames.ValidateSequence(names) == nil {
			r.p.log.Info("reusing blurred frames", zap.String("dir", r.paths.BlurDir))
			return nil
		}
		r.p.log.Warn("blurred frames missing or incomplete, blurring again", zap.String("dir", r.paths.BlurDir))
	}
	r.redo = true

	if err := r.p.opts.Blurrer.Run(ctx, r.paths.FrameDir, r.paths.BlurDir, r.manifest); err != nil {
		return r.fail(ctx, "blur", err)
	}
	return r.transition(ctx, StateBlurred)
}

func (r *run) reassemble(ctx context.Context) error {
	if r.done(StateReassembled) {
		if info, err := os.Stat(r.paths.Output); err == nil && info.Size() > 0 {
			r.p.log.Info("reusing output video", zap.String("path", r.paths.Output))
			return nil
		}
	}
	r.redo = true

	names, err := frames.ListFrames(r.paths.BlurDir)
	if err != nil {
		return r.fail(ctx, "reassemble", err)
	}
	if len(names) != r.rec.Frames {
		return r.fail(ctx, "reassemble", fmt.Errorf("%s holds %d frames, expected %d", r.paths.BlurDir, len(names), r.rec.Frames))
	}

	start := time.Now()
	if err := r.p.opts.Transcoder.Reassemble(ctx, r.paths.BlurDir, r.paths.Output, r.rec.FPS); err != nil {
		return r.fail(ctx, "reassemble", err)
	}
	metrics.ObserveStage("reassemble", start)
	return r.transition(ctx, StateReassembled)
}

// cleanup removes intermediate frame directories. Failures are logged and never
// fail a run whose output video already exists.
func (r *run) cleanup(ctx context.Context) error {
	if r.p.opts.KeepFrames {
		r.p.log.Info("keeping intermediate frames", zap.String("frames", r.paths.FrameDir), zap.String("blurred", r.paths.BlurDir))
	} else {
		for _, dir := range []string{r.paths.FrameDir, r.paths.BlurDir} {
			if err := os.RemoveAll(dir); err != nil {
				r.p.log.Warn("cleanup failed", zap.String("dir", dir), zap.Error(err))
			}
		}
	}
	if err := r.transition(ctx, StateCleanedUp); err != nil {
		r.p.log.Warn("could not persist final state", zap.Error(err))
	}
	return nil
}

// IsStage reports whether err came from the named stage.
func IsStage(err error, stage string) bool {
	var se *StageError
	return errors.As(err, &se) && se.Stage == stage
}
