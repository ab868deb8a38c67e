package bridge

import "image"

// ResolutionSource selects the source's own geometry as the output geometry.
const ResolutionSource = "source"

// resolutionCatalog maps resolution keys to fixed output targets.
var resolutionCatalog = map[string]image.Point{
	"480p":  {X: 854, Y: 480},
	"720p":  {X: 1280, Y: 720},
	"1080p": {X: 1920, Y: 1080},
	"1440p": {X: 2560, Y: 1440},
	"2160p": {X: 3840, Y: 2160},
}

// ResolutionModes returns the accepted resolution mode keys, the catalog
// entries plus ResolutionSource, in ascending size order.
func ResolutionModes() []string {
	return []string{ResolutionSource, "480p", "720p", "1080p", "1440p", "2160p"}
}

// ValidResolutionMode reports whether mode is a catalog key or ResolutionSource.
func ValidResolutionMode(mode string) bool {
	if mode == ResolutionSource {
		return true
	}
	_, ok := resolutionCatalog[mode]
	return ok
}

// Resolve computes the output geometry for a source of the given size under
// the given resolution mode. The source size is an upper bound: when the
// source is smaller than the catalog target in either dimension, the source
// size is returned unchanged (never upscale). Unknown modes fall back to the
// source size.
func Resolve(srcWidth, srcHeight int, mode string) (int, int) {
	if mode == ResolutionSource {
		return srcWidth, srcHeight
	}

	target, ok := resolutionCatalog[mode]
	if !ok {
		return srcWidth, srcHeight
	}

	if srcWidth > 0 && srcHeight > 0 && (srcWidth < target.X || srcHeight < target.Y) {
		return srcWidth, srcHeight
	}
	return target.X, target.Y
}
