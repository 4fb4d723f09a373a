// Package blur redacts face regions on extracted frames.
package blur

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/disintegration/imaging"
)

// Redaction styles.
const (
	StyleGauss = "gauss"
	StyleBox   = "box"
	StylePixel = "pixel"
	StyleBlack = "black"
)

// DefaultRadius is the Gaussian sigma applied when none is configured.
const DefaultRadius = 20

// Options controls how each face region is redacted.
type Options struct {
	Style string
	// Radius is the Gaussian sigma for gauss, the kernel radius for box and the block size for pixel.
	Radius       int
	Outline      bool
	OutlineWidth int
	OutlineColor color.NRGBA
}

// DefaultOptions mirrors the defaults of the command line.
func DefaultOptions() Options {
	return Options{
		Style:        StyleGauss,
		Radius:       DefaultRadius,
		OutlineWidth: 2,
		OutlineColor: color.NRGBA{R: 255, A: 255},
	}
}

// Validate rejects styles and sizes Apply cannot honour.
func (o Options) Validate() error {
	switch o.Style {
	case StyleGauss, StyleBox, StylePixel, StyleBlack:
	default:
		return fmt.Errorf("unknown redaction style %q", o.Style)
	}
	if o.Radius < 1 {
		return fmt.Errorf("redaction radius must be at least 1, got %d", o.Radius)
	}
	if o.Outline && o.OutlineWidth < 1 {
		return fmt.Errorf("outline width must be at least 1, got %d", o.OutlineWidth)
	}
	return nil
}

// Clamp intersects a detector box with the frame bounds. It reports false when
// nothing of the box lies inside the frame.
func Clamp(box types.BoundingBox, bounds image.Rectangle) (image.Rectangle, bool) {
	r := box.Rect().Intersect(bounds)
	return r, !r.Empty()
}

// Apply returns a copy of img with every box redacted, in order. Pixels outside
// the clamped boxes are copied unchanged. img itself is never modified.
func Apply(img image.Image, boxes []types.BoundingBox, opts Options) *image.NRGBA {
	dst := imaging.Clone(img)
	for _, box := range boxes {
		rect, ok := Clamp(box, dst.Bounds())
		if !ok {
			continue
		}
		if opts.Outline {
			drawOutline(dst, rect, opts.OutlineWidth, opts.OutlineColor)
		}
		redactRegion(dst, rect, opts.Style, opts.Radius)
	}
	return dst
}

// drawOutline paints a border of the given width just inside rect.
func drawOutline(img *image.NRGBA, rect image.Rectangle, width int, c color.NRGBA) {
	if width < 1 {
		return
	}
	inner := rect.Inset(width)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			if !image.Pt(x, y).In(inner) {
				img.SetNRGBA(x, y, c)
			}
		}
	}
}

// redactRegion rewrites the pixels of rect, which must already lie inside img.
func redactRegion(img *image.NRGBA, rect image.Rectangle, style string, strength int) {
	switch style {
	case StyleBlack:
		fillBlack(img, rect)
	case StyleBox:
		boxBlur(img, rect, strength)
	case StylePixel:
		pixelate(img, rect, strength)
	default:
		gaussianBlur(img, rect, strength)
	}
}

// gaussianBlur blurs the crop only, so colours never bleed in from outside the box.
func gaussianBlur(img *image.NRGBA, rect image.Rectangle, sigma int) {
	if sigma < 1 {
		sigma = DefaultRadius
	}
	crop := imaging.Crop(img, rect)
	blurred := imaging.Blur(crop, float64(sigma))
	draw.Draw(img, rect, blurred, image.Point{}, draw.Src)
}

func fillBlack(img *image.NRGBA, rect image.Rectangle) {
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = 0
			pix[off+1] = 0
			pix[off+2] = 0
			pix[off+3] = 255
		}
	}
}

func pixelate(img *image.NRGBA, rect image.Rectangle, blockSize int) {
	if blockSize < 1 {
		blockSize = 1
	}
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y

	for y := rect.Min.Y; y < rect.Max.Y; y += blockSize {
		for x := rect.Min.X; x < rect.Max.X; x += blockSize {
			// Get color of top-left pixel
			srcOff := (y-imgMinY)*stride + (x-imgMinX)*4
			r, g, b, a := pix[srcOff], pix[srcOff+1], pix[srcOff+2], pix[srcOff+3]

			x2 := min(x+blockSize, rect.Max.X)
			y2 := min(y+blockSize, rect.Max.Y)

			for by := y; by < y2; by++ {
				rowStart := (by - imgMinY) * stride
				for bx := x; bx < x2; bx++ {
					dstOff := rowStart + (bx-imgMinX)*4
					pix[dstOff] = r
					pix[dstOff+1] = g
					pix[dstOff+2] = b
					pix[dstOff+3] = a
				}
			}
		}
	}
}

// blurBufferPool recycles scratch buffers for the box blur.
var blurBufferPool = sync.Pool{
	New: func() interface{} { return make([]uint8, 0, 1024*1024) }, // Start with 1MB capacity
}

// colSumsPool recycles column accumulators for the box blur.
var colSumsPool = sync.Pool{
	New: func() interface{} { return make([]uint32, 0, 1024) },
}

// boxBlur is a separable sliding-window blur: O(pixels) regardless of radius.
// Samples past the edge of rect are clamped to the edge, never read from outside.
func boxBlur(img *image.NRGBA, rect image.Rectangle, radius int) {
	if radius < 1 {
		radius = 1
	}
	w, h := rect.Dx(), rect.Dy()

	neededSize := w * h * 4
	bufPtr := blurBufferPool.Get().([]uint8)
	if cap(bufPtr) < neededSize {
		bufPtr = make([]uint8, neededSize)
	}
	buf := bufPtr[:neededSize]
	defer blurBufferPool.Put(bufPtr)

	stride := img.Stride
	pix := img.Pix
	minX, minY := rect.Min.X, rect.Min.Y
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	count := uint32(2*radius + 1)

	// 1. Horizontal Pass: Read from Image -> Write to Buffer
	for y := 0; y < h; y++ {
		rowStart := (minY + y - imgMinY) * stride
		bufRowStart := y * w * 4

		var rSum, gSum, bSum uint32
		for k := -radius; k <= radius; k++ {
			px := clampInt(k, 0, w-1)
			off := rowStart + (minX+px-imgMinX)*4
			rSum += uint32(pix[off])
			gSum += uint32(pix[off+1])
			bSum += uint32(pix[off+2])
		}

		for x := 0; x < w; x++ {
			bufOff := bufRowStart + x*4
			buf[bufOff] = uint8(rSum / count)
			buf[bufOff+1] = uint8(gSum / count)
			buf[bufOff+2] = uint8(bSum / count)
			buf[bufOff+3] = 255

			// Slide Window: Subtract leaving pixel, Add entering pixel
			offRemove := rowStart + (minX+clampInt(x-radius, 0, w-1)-imgMinX)*4
			offAdd := rowStart + (minX+clampInt(x+radius+1, 0, w-1)-imgMinX)*4

			rSum = rSum - uint32(pix[offRemove]) + uint32(pix[offAdd])
			gSum = gSum - uint32(pix[offRemove+1]) + uint32(pix[offAdd+1])
			bSum = bSum - uint32(pix[offRemove+2]) + uint32(pix[offAdd+2])
		}
	}

	// 2. Vertical Pass: Read from Buffer -> Write to Image, row by row for cache locality.
	neededCols := w * 3
	csPtr := colSumsPool.Get().([]uint32)
	if cap(csPtr) < neededCols {
		csPtr = make([]uint32, neededCols)
	}
	colSums := csPtr[:neededCols]
	// Must zero out recycled buffer
	clear(colSums)
	defer colSumsPool.Put(csPtr)

	for k := -radius; k <= radius; k++ {
		rowOffset := clampInt(k, 0, h-1) * w * 4
		for x := 0; x < w; x++ {
			off := rowOffset + x*4
			colSums[x*3] += uint32(buf[off])
			colSums[x*3+1] += uint32(buf[off+1])
			colSums[x*3+2] += uint32(buf[off+2])
		}
	}

	for y := 0; y < h; y++ {
		dstRowOff := (minY + y - imgMinY) * stride
		offRemoveRow := clampInt(y-radius, 0, h-1) * w * 4
		offAddRow := clampInt(y+radius+1, 0, h-1) * w * 4

		for x := 0; x < w; x++ {
			dstOff := dstRowOff + (minX+x-imgMinX)*4
			pix[dstOff] = uint8(colSums[x*3] / count)
			pix[dstOff+1] = uint8(colSums[x*3+1] / count)
			pix[dstOff+2] = uint8(colSums[x*3+2] / count)

			offRemove := offRemoveRow + x*4
			offAdd := offAddRow + x*4
			colSums[x*3] = colSums[x*3] - uint32(buf[offRemove]) + uint32(buf[offAdd])
			colSums[x*3+1] = colSums[x*3+1] - uint32(buf[offRemove+1]) + uint32(buf[offAdd+1])
			colSums[x*3+2] = colSums[x*3+2] - uint32(buf[offRemove+2]) + uint32(buf[offAdd+2])
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
