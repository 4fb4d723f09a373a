package types

import (
	"image"
	"sort"
)

// BoundingBox is a face region in the pixel space of the frame it was detected on.
// (X1,Y1) is inclusive, (X2,Y2) is exclusive, matching image.Rectangle.
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Rect converts the box to an image.Rectangle. Inverted boxes are canonicalized.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// FromRect builds a box from a rectangle reported by a detector.
func FromRect(r image.Rectangle) BoundingBox {
	return BoundingBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

// Manifest maps a frame filename (e.g. "frame_000001.jpg") to the faces found on it.
type Manifest map[string][]BoundingBox

// Faces returns the total number of boxes across all frames.
func (m Manifest) Faces() int {
	n := 0
	for _, boxes := range m {
		n += len(boxes)
	}
	return n
}

// Frames returns the frame names sorted by name.
func (m Manifest) Frames() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FrameTask represents a single frame handed to a stage worker
type FrameTask struct {
	Index int
	Name  string
	Path  string
}
