package worker

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/veil/internal/detect"
	"github.com/andresmejia3/veil/internal/types"
)

// PythonDetector adapts a PythonWorker to detect.Detector by shipping frame files over the pipe.
type PythonDetector struct {
	w *PythonWorker
}

// NewPythonDetector wraps an already running worker.
func NewPythonDetector(w *PythonWorker) *PythonDetector {
	return &PythonDetector{w: w}
}

func (d *PythonDetector) Detect(ctx context.Context, framePath string) ([]types.BoundingBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(framePath)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return d.w.ProcessFrame(data)
}

func (d *PythonDetector) Close() error {
	return d.w.Close()
}

// PythonFactory spawns one python/worker.py process per detection worker.
func PythonFactory(opts Options) detect.Factory {
	return func(ctx context.Context, id int) (detect.Detector, error) {
		w, err := NewPythonWorker(ctx, id, opts)
		if err != nil {
			return nil, err
		}
		return NewPythonDetector(w), nil
	}
}
