package ocr

import (
	"image"
	"math"
)

// Rect converts the region into a crop rectangle after scaling by
// (scaleX, scaleY). Left and top are floored and never negative; width and
// height are floored and at least one pixel.
func (r Region) Rect(scaleX, scaleY float64) image.Rectangle {
	left := clampMin(math.Floor(r.X*scaleX), 0)
	top := clampMin(math.Floor(r.Y*scaleY), 0)
	width := clampMin(math.Floor(r.Width*scaleX), 1)
	height := clampMin(math.Floor(r.Height*scaleY), 1)

	return image.Rect(left, top, left+width, top+height)
}

// ScaleFor returns the factors mapping original-image pixels onto the
// prepared image.
func ScaleFor(prepared *PreparedImage) (float64, float64) {
	sx, sy := 1.0, 1.0
	if prepared.OriginalMetadata.Width > 0 {
		sx = float64(prepared.Metadata.Width) / float64(prepared.OriginalMetadata.Width)
	}
	if prepared.OriginalMetadata.Height > 0 {
		sy = float64(prepared.Metadata.Height) / float64(prepared.OriginalMetadata.Height)
	}
	return sx, sy
}

func clampMin(v float64, min int) int {
	// NaN and -Inf both land here
	if !(v >= float64(min)) {
		return min
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}
