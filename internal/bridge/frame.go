package bridge

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

const (
	previewWidth  = 384
	previewHeight = 216

	// emptyPixelStride is the sampling stride of the empty-frame check:
	// every 16th pixel in each axis is inspected.
	emptyPixelStride = 16
)

// isEmptyFrame reports whether a strided sample of the frame is entirely
// black. It is a cheap heuristic for an unresponsive sender that keeps
// acknowledging receives but no longer draws anything.
func isEmptyFrame(img *image.RGBA) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y += emptyPixelStride {
		for x := b.Min.X; x < b.Max.X; x += emptyPixelStride {
			i := img.PixOffset(x, y)
			if img.Pix[i] != 0 || img.Pix[i+1] != 0 || img.Pix[i+2] != 0 {
				return false
			}
		}
	}
	return true
}

// scaleRGBA returns a copy of src resized to width x height using bilinear
// interpolation.
func scaleRGBA(src *image.RGBA, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}
