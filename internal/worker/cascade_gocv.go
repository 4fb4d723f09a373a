//go:build gocv

package worker

import (
	"context"
	"fmt"
	"image"

	"github.com/andresmejia3/veil/internal/detect"
	"github.com/andresmejia3/veil/internal/types"
	"gocv.io/x/gocv"
)

// CascadeDetector runs an OpenCV Haar cascade in-process. A classifier is not
// safe for concurrent use, so every detection worker owns its own.
type CascadeDetector struct {
	classifier gocv.CascadeClassifier
	minSize    image.Point
}

func NewCascadeDetector(cascadeFile string) (*CascadeDetector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cascadeFile) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade file %s", cascadeFile)
	}
	return &CascadeDetector{classifier: classifier, minSize: image.Pt(24, 24)}, nil
}

func (d *CascadeDetector) Detect(ctx context.Context, framePath string) ([]types.BoundingBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := gocv.IMRead(framePath, gocv.IMReadColor)
	if img.Empty() {
		img.Close()
		return nil, fmt.Errorf("cannot decode frame %s", framePath)
	}
	defer img.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	rects := d.classifier.DetectMultiScaleWithParams(gray, 1.1, 5, 0, d.minSize, image.Point{})
	boxes := make([]types.BoundingBox, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, types.FromRect(r))
	}
	return boxes, nil
}

func (d *CascadeDetector) Close() error {
	return d.classifier.Close()
}

// CascadeFactory builds one classifier per detection worker.
func CascadeFactory(cascadeFile string) detect.Factory {
	return func(ctx context.Context, id int) (detect.Detector, error) {
		return NewCascadeDetector(cascadeFile)
	}
}
