package blur

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/veil/internal/frames"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFrames(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 1; i <= n; i++ {
		require.NoError(t, imaging.Save(checker(64, 64), filepath.Join(dir, frames.FrameName(i))))
	}
	return dir
}

func TestStageWritesEveryFrameUnderSameName(t *testing.T) {
	frameDir := writeFrames(t, 3)
	blurDir := filepath.Join(t.TempDir(), "blur_frames")
	m := types.Manifest{
		"frame_000001.jpg": {},
		"frame_000002.jpg": {{X1: 10, Y1: 10, X2: 50, Y2: 50}},
		"frame_000003.jpg": {},
	}

	s := NewStage(StageOptions{Workers: 2, Redact: DefaultOptions()})
	require.NoError(t, s.Run(context.Background(), frameDir, blurDir, m))

	src, err := frames.ListFrames(frameDir)
	require.NoError(t, err)
	dst, err := frames.ListFrames(blurDir)
	require.NoError(t, err)
	assert.Equal(t, src, dst)

	entries, err := os.ReadDir(blurDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temp files should be left behind")

	img, err := imaging.Open(filepath.Join(blurDir, "frame_000002.jpg"))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
}

func TestStageClearsStaleBlurredFrames(t *testing.T) {
	frameDir := writeFrames(t, 2)
	blurDir := writeFrames(t, 5)
	require.NoError(t, os.WriteFile(filepath.Join(blurDir, "notes.txt"), []byte("keep"), 0644))
	m := types.Manifest{"frame_000001.jpg": {}, "frame_000002.jpg": {}}

	require.NoError(t, NewStage(StageOptions{Workers: 2, Redact: DefaultOptions()}).Run(context.Background(), frameDir, blurDir, m))

	dst, err := frames.ListFrames(blurDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"frame_000001.jpg", "frame_000002.jpg"}, dst)
	_, err = os.Stat(filepath.Join(blurDir, "notes.txt"))
	assert.NoError(t, err, "non-frame files are left alone")
}

func TestStageIsIdempotent(t *testing.T) {
	frameDir := writeFrames(t, 4)
	m := types.Manifest{
		"frame_000001.jpg": {{X1: 0, Y1: 0, X2: 20, Y2: 20}},
		"frame_000002.jpg": {},
		"frame_000003.jpg": {{X1: 30, Y1: 30, X2: 90, Y2: 90}, {X1: 5, Y1: 40, X2: 25, Y2: 60}},
		"frame_000004.jpg": {},
	}

	first := filepath.Join(t.TempDir(), "a")
	second := filepath.Join(t.TempDir(), "b")
	require.NoError(t, NewStage(StageOptions{Workers: 1, Redact: DefaultOptions()}).Run(context.Background(), frameDir, first, m))
	require.NoError(t, NewStage(StageOptions{Workers: 3, Redact: DefaultOptions()}).Run(context.Background(), frameDir, second, m))

	for i := 1; i <= 4; i++ {
		a, err := os.ReadFile(filepath.Join(first, frames.FrameName(i)))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(second, frames.FrameName(i)))
		require.NoError(t, err)
		assert.Equal(t, a, b, "frame %d differs between runs", i)
	}
}

func TestStageMissingManifestEntryIsFatal(t *testing.T) {
	frameDir := writeFrames(t, 3)
	blurDir := filepath.Join(t.TempDir(), "blur")
	m := types.Manifest{"frame_000001.jpg": {}, "frame_000003.jpg": {}}

	err := NewStage(StageOptions{Redact: DefaultOptions()}).Run(context.Background(), frameDir, blurDir, m)
	var missing *MissingEntriesError
	require.True(t, errors.As(err, &missing), "expected MissingEntriesError, got %v", err)
	assert.Equal(t, []string{"frame_000002.jpg"}, missing.Frames)

	_, statErr := os.Stat(blurDir)
	assert.True(t, os.IsNotExist(statErr), "nothing should be written when the manifest is incomplete")
}

func TestStageIgnoresExtraManifestEntries(t *testing.T) {
	frameDir := writeFrames(t, 1)
	m := types.Manifest{"frame_000001.jpg": {}, "frame_000099.jpg": {}}
	require.NoError(t, NewStage(StageOptions{Redact: DefaultOptions()}).Run(context.Background(), frameDir, t.TempDir(), m))
}

func TestStageUndecodableFrame(t *testing.T) {
	frameDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(frameDir, frames.FrameName(1)), []byte("not a jpeg"), 0644))

	err := NewStage(StageOptions{Redact: DefaultOptions()}).Run(context.Background(), frameDir, t.TempDir(), types.Manifest{"frame_000001.jpg": {}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode frame")
}

func TestStageCancelled(t *testing.T) {
	frameDir := writeFrames(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := types.Manifest{"frame_000001.jpg": {}, "frame_000002.jpg": {}, "frame_000003.jpg": {}}
	err := NewStage(StageOptions{Redact: DefaultOptions()}).Run(ctx, frameDir, t.TempDir(), m)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStageRejectsInvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.Style = "swirl"
	err := NewStage(StageOptions{Redact: opts}).Run(context.Background(), t.TempDir(), t.TempDir(), nil)
	assert.Error(t, err)
}
