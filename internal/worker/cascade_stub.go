//go:build !gocv

package worker

import (
	"context"
	"errors"

	"github.com/andresmejia3/veil/internal/detect"
)

// ErrNoGoCV is returned when the cascade detector is requested from a build without OpenCV.
var ErrNoGoCV = errors.New("cascade detector unavailable: rebuild with -tags gocv (requires OpenCV 4)")

func CascadeFactory(cascadeFile string) detect.Factory {
	return func(ctx context.Context, id int) (detect.Detector, error) {
		return nil, ErrNoGoCV
	}
}
