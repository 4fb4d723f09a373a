package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/veil/internal/utils"
	"github.com/google/uuid"
)

// State is the last stage a run completed.
type State string

const (
	StateInit        State = "INIT"
	StateExtracted   State = "EXTRACTED"
	StateDetected    State = "DETECTED"
	StateBlurred     State = "BLURRED"
	StateReassembled State = "REASSEMBLED"
	StateCleanedUp   State = "CLEANED_UP"
)

var stateOrder = map[State]int{
	StateInit:        0,
	StateExtracted:   1,
	StateDetected:    2,
	StateBlurred:     3,
	StateReassembled: 4,
	StateCleanedUp:   5,
}

// AtLeast reports whether s is at or past other. Unknown states rank as INIT.
func (s State) AtLeast(other State) bool {
	return stateOrder[s] >= stateOrder[other]
}

// Terminal reports whether no work remains for the run.
func (s State) Terminal() bool { return s == StateCleanedUp }

// RunRecord is the durable state of one pipeline run, rewritten after every transition.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	VideoID   string    `json:"video_id"`
	Input     string    `json:"input"`
	State     State     `json:"state"`
	Frames    int       `json:"frames"`
	FPS       float64   `json:"fps"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// NewRunRecord starts a fresh record in INIT.
func NewRunRecord(videoID, input string) *RunRecord {
	now := time.Now().UTC()
	return &RunRecord{
		RunID:     uuid.NewString(),
		VideoID:   videoID,
		Input:     input,
		State:     StateInit,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// SaveRecord writes rec to path atomically.
func SaveRecord(path string, rec *RunRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	err := utils.WriteFileAtomic(path, 0644, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	})
	if err != nil {
		return fmt.Errorf("save run state %s: %w", path, err)
	}
	return nil
}

// LoadRecord reads a run record. A missing file returns (nil, nil).
func LoadRecord(path string) (*RunRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run state: %w", err)
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("run state %s is unreadable: %w", path, err)
	}
	if _, ok := stateOrder[rec.State]; !ok {
		return nil, fmt.Errorf("run state %s has unknown state %q", path, rec.State)
	}
	return &rec, nil
}
