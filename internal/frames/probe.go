package frames

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/andresmejia3/veil/internal/utils"
	"go.uber.org/zap"
)

// ffprobeOutput is the subset of `ffprobe -of json` we read.
type ffprobeOutput struct {
	Streams []struct {
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

func (s *Store) probe(ctx context.Context, path string, args ...string) (*ffprobeOutput, error) {
	pctx, cancel := s.withTimeout(ctx)
	defer cancel()

	full := append([]string{"-v", "error", "-select_streams", "v:0"}, args...)
	full = append(full, "-of", "json", path)
	cmd := utils.NewSafeCommand(pctx, s.ffprobe, full...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w: %s", path, err, cmd.Logs())
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return nil, fmt.Errorf("ffprobe: no video stream in %s", path)
	}
	return &res, nil
}

// ProbeFPS returns the native frame rate of the first video stream.
func (s *Store) ProbeFPS(ctx context.Context, videoPath string) (float64, error) {
	res, err := s.probe(ctx, videoPath, "-show_entries", "stream=r_frame_rate,avg_frame_rate")
	if err != nil {
		return 0, err
	}
	st := res.Streams[0]
	if fps, err := ParseRate(st.RFrameRate); err == nil {
		return fps, nil
	}
	return ParseRate(st.AvgFrameRate)
}

// ParseRate parses ffprobe rates such as "30000/1001" or "25".
func ParseRate(rate string) (float64, error) {
	rate = strings.TrimSpace(rate)
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", rate, err)
	}
	d := 1.0
	if found {
		d, err = strconv.ParseFloat(den, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid frame rate %q: %w", rate, err)
		}
	}
	if n <= 0 || d <= 0 {
		return 0, fmt.Errorf("invalid frame rate %q", rate)
	}
	return n / d, nil
}

// CountFrames estimates the number of frames in a video for status output.
// It returns 0 if the count fails.
func (s *Store) CountFrames(ctx context.Context, videoPath string) int {
	// 1. Fast Path: Check Container Metadata
	// This is instant but might return "N/A" or be inaccurate for VFR.
	if res, err := s.probe(ctx, videoPath, "-show_entries", "stream=nb_frames"); err == nil {
		if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
			return count
		}
	}

	// 2. Slow Path: Count Packets (Fallback)
	s.log.Info("metadata missing, counting packets", zap.String("video", videoPath))
	res, err := s.probe(ctx, videoPath, "-count_packets", "-show_entries", "stream=nb_read_packets")
	if err != nil {
		s.log.Warn("ffprobe failed, progress will be estimated", zap.Error(err))
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		s.log.Warn("ffprobe integer parse error", zap.Error(err))
		return 0
	}
	return count
}
