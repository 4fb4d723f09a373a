package types

import (
	"image"
	"reflect"
	"testing"
)

func TestManifestFramesAndFaces(t *testing.T) {
	m := Manifest{
		"frame_000010.jpg": {{X1: 1, Y1: 1, X2: 5, Y2: 5}},
		"frame_000002.jpg": {},
		"frame_000001.jpg": {{X1: 0, Y1: 0, X2: 2, Y2: 2}, {X1: 3, Y1: 3, X2: 4, Y2: 4}},
	}
	want := []string{"frame_000001.jpg", "frame_000002.jpg", "frame_000010.jpg"}
	if got := m.Frames(); !reflect.DeepEqual(got, want) {
		t.Errorf("Frames() = %v, want %v", got, want)
	}
	if got := m.Faces(); got != 3 {
		t.Errorf("Faces() = %d, want 3", got)
	}
	if got := (Manifest{}).Frames(); len(got) != 0 {
		t.Errorf("Frames() of empty manifest = %v", got)
	}
}

func TestBoundingBoxRect(t *testing.T) {
	b := BoundingBox{X1: 10, Y1: 20, X2: 50, Y2: 60}
	r := b.Rect()
	if r != image.Rect(10, 20, 50, 60) || r.Dx() != 40 || r.Dy() != 40 {
		t.Errorf("Rect() = %v", r)
	}
	if FromRect(r) != b {
		t.Errorf("FromRect(Rect()) = %+v, want %+v", FromRect(r), b)
	}
	if got := (BoundingBox{X1: 50, Y1: 60, X2: 10, Y2: 20}).Rect(); got != r {
		t.Errorf("inverted box not canonicalized: %v", got)
	}
}
