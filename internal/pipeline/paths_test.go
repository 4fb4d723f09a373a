package pipeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivePaths(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		frameDir string
		outDir   string
		want     Paths
	}{
		{
			name:     "defaults to working directory",
			input:    "clips/party.mp4",
			frameDir: "work/frames/",
			outDir:   "",
			want: Paths{
				Input:    "clips/party.mp4",
				Base:     "party",
				FrameDir: filepath.Join("work", "frames"),
				BlurDir:  filepath.Join("work", "blur_frames"),
				Manifest: "party_bboxes.json",
				Output:   "party_blurfaces.mp4",
				RunState: "party_run.json",
			},
		},
		{
			name:     "base stops at first dot",
			input:    "/data/cam.front.2024.mov",
			frameDir: "f",
			outDir:   "/out",
			want: Paths{
				Input:    "/data/cam.front.2024.mov",
				Base:     "cam",
				FrameDir: "f",
				BlurDir:  "blur_f",
				Manifest: filepath.Join("/out", "cam_bboxes.json"),
				Output:   filepath.Join("/out", "cam_blurfaces.mp4"),
				RunState: filepath.Join("/out", "cam_run.json"),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DerivePaths(tt.input, tt.frameDir, tt.outDir))
		})
	}
}

func TestStateOrder(t *testing.T) {
	assert.True(t, StateDetected.AtLeast(StateExtracted))
	assert.True(t, StateDetected.AtLeast(StateDetected))
	assert.False(t, StateExtracted.AtLeast(StateBlurred))
	assert.False(t, State("BOGUS").AtLeast(StateExtracted))
	assert.True(t, StateCleanedUp.Terminal())
	assert.False(t, StateReassembled.Terminal())
}

func TestRunRecordPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "video_run.json")

	missing, err := LoadRecord(path)
	require.NoError(t, err)
	assert.Nil(t, missing)

	rec := NewRunRecord("abc123", "video.mp4")
	rec.State = StateBlurred
	rec.Frames = 42
	rec.FPS = 29.97
	require.NoError(t, SaveRecord(path, rec))

	got, err := LoadRecord(path)
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, got.RunID)
	assert.Equal(t, StateBlurred, got.State)
	assert.Equal(t, 42, got.Frames)
	assert.WithinDuration(t, rec.StartedAt, got.StartedAt, time.Millisecond)
}

func TestLoadRecordRejectsUnknownState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	rec := NewRunRecord("id", "in.mp4")
	rec.State = "HALF_DONE"
	require.NoError(t, SaveRecord(path, rec))

	_, err := LoadRecord(path)
	assert.Error(t, err)
}
