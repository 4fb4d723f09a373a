// Package manifest persists the frame → bounding boxes mapping that separates
// detection from blurring. A stored manifest lets the blur stage be re-run with
// different parameters without touching the detector.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
)

// ErrCorrupt is matched by every CorruptError.
var ErrCorrupt = errors.New("manifest corrupt")

// CorruptError reports a stored manifest that does not have the frame → list-of-boxes shape.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("manifest %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

// storedBox uses pointers so a missing coordinate can be told apart from zero.
type storedBox struct {
	X1 *int `json:"x1"`
	Y1 *int `json:"y1"`
	X2 *int `json:"x2"`
	Y2 *int `json:"y2"`
}

// Save writes m to path in one atomic step. Frames without faces are stored as [].
func Save(path string, m types.Manifest) error {
	out := make(map[string][]types.BoundingBox, len(m))
	for name, boxes := range m {
		if boxes == nil {
			boxes = []types.BoundingBox{}
		}
		out[name] = boxes
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("save manifest: %w", err)
		}
	}
	err := utils.WriteFileAtomic(path, 0644, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		return enc.Encode(out)
	})
	if err != nil {
		return fmt.Errorf("save manifest %s: %w", path, err)
	}
	return nil
}

// Load reads a manifest written by Save (or by any tool producing the same shape).
func Load(path string) (types.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	return m, nil
}

// Decode validates and converts raw manifest JSON.
func Decode(data []byte) (types.Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw map[string][]storedBox
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("top-level value must be an object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after manifest object")
	}

	m := make(types.Manifest, len(raw))
	for name, boxes := range raw {
		out := make([]types.BoundingBox, 0, len(boxes))
		for i, b := range boxes {
			if b.X1 == nil || b.Y1 == nil || b.X2 == nil || b.Y2 == nil {
				return nil, fmt.Errorf("frame %s box %d: missing coordinate", name, i)
			}
			out = append(out, types.BoundingBox{X1: *b.X1, Y1: *b.Y1, X2: *b.X2, Y2: *b.Y2})
		}
		m[name] = out
	}
	return m, nil
}
