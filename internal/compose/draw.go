package compose

import (
	"image"
	"image/color"

	"github.com/pipcast/pipcast/internal/media"
)

var (
	frameWhite  = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	handleAlpha = uint32(0x99) // semi-opaque resize affordance
)

// drawComposite renders one output picture: background full-canvas, a
// 2 px white frame around the PiP region, the PiP inset, and the resize
// handle square at the inset's bottom-right corner. pip may be nil (the
// inset source has no frame this tick), in which case only the
// background is drawn.
func drawComposite(dst *image.RGBA, bg, pip *image.RGBA, x, y, w, h int) {
	if bg != nil {
		scaleInto(dst, bg, dst.Bounds())
	}
	if pip == nil {
		return
	}

	strokeRect(dst, x-1, y-1, w+2, h+2, 2, frameWhite)
	scaleInto(dst, pip, image.Rect(x, y, x+w, y+h))
	fillRectAlpha(dst,
		x+w-media.ResizeHandleSize, y+h-media.ResizeHandleSize,
		media.ResizeHandleSize, media.ResizeHandleSize,
		frameWhite, handleAlpha)
}

// scaleInto draws src scaled to the destination rectangle using
// nearest-neighbor sampling. Rectangles are clipped to dst bounds.
func scaleInto(dst, src *image.RGBA, rect image.Rectangle) {
	target := rect.Intersect(dst.Bounds())
	if target.Empty() {
		return
	}
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	rw, rh := rect.Dx(), rect.Dy()
	if sw == 0 || sh == 0 || rw == 0 || rh == 0 {
		return
	}

	for dy := target.Min.Y; dy < target.Max.Y; dy++ {
		sy := sb.Min.Y + (dy-rect.Min.Y)*sh/rh
		srcRow := src.PixOffset(sb.Min.X, sy)
		dstRow := dst.PixOffset(target.Min.X, dy)
		for dx := target.Min.X; dx < target.Max.X; dx++ {
			sx := (dx - rect.Min.X) * sw / rw
			si := srcRow + sx*4
			di := dstRow + (dx-target.Min.X)*4
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
}

// strokeRect draws a rectangle outline of the given thickness, clipped.
func strokeRect(dst *image.RGBA, x, y, w, h, thickness int, c color.RGBA) {
	fillRect(dst, x, y, w, thickness, c)             // top
	fillRect(dst, x, y+h-thickness, w, thickness, c) // bottom
	fillRect(dst, x, y, thickness, h, c)             // left
	fillRect(dst, x+w-thickness, y, thickness, h, c) // right
}

func fillRect(dst *image.RGBA, x, y, w, h int, c color.RGBA) {
	target := image.Rect(x, y, x+w, y+h).Intersect(dst.Bounds())
	for dy := target.Min.Y; dy < target.Max.Y; dy++ {
		i := dst.PixOffset(target.Min.X, dy)
		for dx := target.Min.X; dx < target.Max.X; dx++ {
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = c.A
			i += 4
		}
	}
}

// fillRectAlpha blends a solid color over the destination at the given
// source alpha (0-255).
func fillRectAlpha(dst *image.RGBA, x, y, w, h int, c color.RGBA, alpha uint32) {
	target := image.Rect(x, y, x+w, y+h).Intersect(dst.Bounds())
	inv := 255 - alpha
	for dy := target.Min.Y; dy < target.Max.Y; dy++ {
		i := dst.PixOffset(target.Min.X, dy)
		for dx := target.Min.X; dx < target.Max.X; dx++ {
			dst.Pix[i+0] = uint8((uint32(c.R)*alpha + uint32(dst.Pix[i+0])*inv) / 255)
			dst.Pix[i+1] = uint8((uint32(c.G)*alpha + uint32(dst.Pix[i+1])*inv) / 255)
			dst.Pix[i+2] = uint8((uint32(c.B)*alpha + uint32(dst.Pix[i+2])*inv) / 255)
			dst.Pix[i+3] = 0xff
			i += 4
		}
	}
}
