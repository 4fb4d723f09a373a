// Package detect runs face detection over an extracted frame sequence and
// builds the manifest consumed by the blur stage.
package detect

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/veil/internal/types"
)

// ErrDetectorBroken marks errors after which a Detector can no longer be used,
// such as a crashed worker process or a timed out pipe read. The stage replaces
// the detector through its Factory when it sees one.
var ErrDetectorBroken = errors.New("detector broken")

// Detector finds faces on a single frame image.
// Implementations are not required to be safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, framePath string) ([]types.BoundingBox, error)
	Close() error
}

// Factory builds the detector owned by worker id.
type Factory func(ctx context.Context, id int) (Detector, error)

// Result is the outcome of detection on one frame. A non-nil Err means the
// frame is recorded with no faces.
type Result struct {
	Index int
	Frame string
	Boxes []types.BoundingBox
	Err   error
}

// DetectionError describes a frame the detector could not process.
type DetectionError struct {
	Frame string
	Err   error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection failed on %s: %v", e.Frame, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }
