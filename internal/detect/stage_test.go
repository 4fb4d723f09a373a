package detect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/andresmejia3/veil/internal/frames"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDetector answers from a per-frame table keyed by filename.
type scriptedDetector struct {
	boxes  map[string][]types.BoundingBox
	errs   map[string]error
	closed atomic.Bool
	calls  *atomic.Int32
}

func (d *scriptedDetector) Detect(ctx context.Context, framePath string) ([]types.BoundingBox, error) {
	if d.calls != nil {
		d.calls.Add(1)
	}
	name := filepath.Base(framePath)
	if err, ok := d.errs[name]; ok {
		return nil, err
	}
	return d.boxes[name], nil
}

func (d *scriptedDetector) Close() error {
	d.closed.Store(true)
	return nil
}

func makeFrames(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 1; i <= n; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, frames.FrameName(i)), []byte("jpeg"), 0644))
	}
	return dir
}

func TestRunBuildsManifest(t *testing.T) {
	dir := makeFrames(t, 3)
	face := types.BoundingBox{X1: 10, Y1: 10, X2: 50, Y2: 50}
	det := &scriptedDetector{boxes: map[string][]types.BoundingBox{"frame_000002.jpg": {face}}}

	s := NewStage(Options{Factory: func(ctx context.Context, id int) (Detector, error) { return det, nil }})
	m, err := s.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, types.Manifest{
		"frame_000001.jpg": {},
		"frame_000002.jpg": {face},
		"frame_000003.jpg": {},
	}, m)
	assert.True(t, det.closed.Load(), "detector should be closed when the stage ends")
}

func TestRunIsolatesFailingFrame(t *testing.T) {
	dir := makeFrames(t, 5)
	face := types.BoundingBox{X1: 1, Y1: 1, X2: 4, Y2: 4}
	newDet := func(ctx context.Context, id int) (Detector, error) {
		return &scriptedDetector{
			boxes: map[string][]types.BoundingBox{
				"frame_000002.jpg": {face},
				"frame_000003.jpg": {face},
				"frame_000004.jpg": {face, face},
			},
			errs: map[string]error{"frame_000003.jpg": errors.New("model exploded")},
		}, nil
	}

	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			m, err := NewStage(Options{Workers: workers, Factory: newDet}).Run(context.Background(), dir)
			require.NoError(t, err)
			require.Len(t, m, 5)
			assert.Empty(t, m["frame_000003.jpg"])
			assert.NotNil(t, m["frame_000003.jpg"])
			assert.Len(t, m["frame_000002.jpg"], 1)
			assert.Len(t, m["frame_000004.jpg"], 2, "frames after the failure are unaffected")
		})
	}
}

func TestRunManifestIndependentOfWorkerCount(t *testing.T) {
	dir := makeFrames(t, 12)
	newDet := func(ctx context.Context, id int) (Detector, error) {
		boxes := map[string][]types.BoundingBox{}
		for i := 1; i <= 12; i += 3 {
			boxes[frames.FrameName(i)] = []types.BoundingBox{{X1: i, Y1: i, X2: i + 5, Y2: i + 5}}
		}
		return &scriptedDetector{boxes: boxes}, nil
	}

	serial, err := NewStage(Options{Workers: 1, Factory: newDet}).Run(context.Background(), dir)
	require.NoError(t, err)
	parallel, err := NewStage(Options{Workers: 4, Factory: newDet}).Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, serial, parallel)
}

func TestRunRestartsBrokenDetector(t *testing.T) {
	dir := makeFrames(t, 4)
	var spawned atomic.Int32
	factory := func(ctx context.Context, id int) (Detector, error) {
		n := spawned.Add(1)
		d := &scriptedDetector{}
		if n == 1 {
			d.errs = map[string]error{"frame_000002.jpg": fmt.Errorf("%w: pipe closed", ErrDetectorBroken)}
		}
		return d, nil
	}

	m, err := NewStage(Options{Factory: factory}).Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, m, 4)
	assert.Equal(t, int32(2), spawned.Load(), "broken detector should be replaced once")
}

func TestRunFailsWhenRestartFails(t *testing.T) {
	dir := makeFrames(t, 3)
	var spawned atomic.Int32
	factory := func(ctx context.Context, id int) (Detector, error) {
		if spawned.Add(1) > 1 {
			return nil, errors.New("python3 not found")
		}
		return &scriptedDetector{errs: map[string]error{"frame_000001.jpg": ErrDetectorBroken}}, nil
	}

	_, err := NewStage(Options{Factory: factory}).Run(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart detector")
}

func TestRunFailsWhenDetectorCannotStart(t *testing.T) {
	dir := makeFrames(t, 2)
	factory := func(ctx context.Context, id int) (Detector, error) {
		return nil, errors.New("no model")
	}
	_, err := NewStage(Options{Workers: 2, Factory: factory}).Run(context.Background(), dir)
	require.Error(t, err)
}

// blockingDetector cancels the run while the first frame is being processed.
type blockingDetector struct {
	once   sync.Once
	cancel context.CancelFunc
	calls  atomic.Int32
}

func (d *blockingDetector) Detect(ctx context.Context, framePath string) ([]types.BoundingBox, error) {
	d.calls.Add(1)
	d.once.Do(d.cancel)
	return nil, nil
}

func (d *blockingDetector) Close() error { return nil }

func TestRunHonoursCancellation(t *testing.T) {
	dir := makeFrames(t, 50)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	det := &blockingDetector{cancel: cancel}

	_, err := NewStage(Options{Factory: func(context.Context, int) (Detector, error) { return det, nil }}).Run(ctx, dir)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, det.calls.Load(), int32(50))
}

func TestRunEmptyDirectory(t *testing.T) {
	s := NewStage(Options{Factory: func(context.Context, int) (Detector, error) { return &scriptedDetector{}, nil }})
	_, err := s.Run(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, frames.ErrNoFrames)
}

func TestDetectionErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := error(&DetectionError{Frame: "frame_000001.jpg", Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "frame_000001.jpg")
}
