package room

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// RasterMask produces the binary inpainting mask handed to the renderer next
// to the compiled prompt: white pixels may be regenerated, black pixels are
// locked. Coordinates are image percent with y growing downward.
type RasterMask struct {
	Width  int
	Height int
	// Labels draws anchor ids in grey for debugging; never send a labelled
	// mask to the renderer.
	Labels bool
}

// NewRasterMask creates a mask sized for the fixed 16:9 camera aspect ratio
func NewRasterMask(width int) *RasterMask {
	if width <= 0 {
		width = 1024
	}
	return &RasterMask{Width: width, Height: width * 9 / 16}
}

// Render builds the mask. With an edit region only that rectangle is white;
// otherwise every anchor footprint is white, matching the EDITABLE anchor set
// of the region-mask block. Texture-only regions stay black because their
// geometry is locked.
func (m *RasterMask) Render(g *CanonicalGeometry, anchors []FurnitureAnchor, edit *EditRegion) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))

	if edit != nil {
		m.fillPercent(img, edit.X, edit.Y, edit.Width, edit.Height)
		return img
	}

	for _, a := range anchors {
		x := a.Position.X - a.BoundingBox.Width/2
		// floor-plan y grows north, image y grows down
		y := 100 - (a.Position.Y + a.BoundingBox.Height/2)
		m.fillPercent(img, x, y, a.BoundingBox.Width, a.BoundingBox.Height)
	}

	if m.Labels {
		for _, a := range anchors {
			px := int(a.Position.X / 100 * float64(m.Width))
			py := int((100 - a.Position.Y) / 100 * float64(m.Height))
			drawLabel(img, px, py, a.ID)
		}
	}
	return img
}

// EncodePNG renders the mask and writes it as PNG
func (m *RasterMask) EncodePNG(w io.Writer, g *CanonicalGeometry, anchors []FurnitureAnchor, edit *EditRegion) error {
	return png.Encode(w, m.Render(g, anchors, edit))
}

func (m *RasterMask) fillPercent(img *image.Gray, x, y, w, h float64) {
	x0 := clampInt(int(math.Floor(x/100*float64(m.Width))), 0, m.Width)
	y0 := clampInt(int(math.Floor(y/100*float64(m.Height))), 0, m.Height)
	x1 := clampInt(int(math.Ceil((x+w)/100*float64(m.Width))), 0, m.Width)
	y1 := clampInt(int(math.Ceil((y+h)/100*float64(m.Height))), 0, m.Height)
	for py := y0; py < y1; py++ {
		for px := x0; px < x1; px++ {
			img.SetGray(px, py, color.Gray{Y: 255})
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

// drawLabel renders text centered on (x, y)
func drawLabel(img *image.Gray, x, y int, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Gray{Y: 128}),
		Face: face,
	}
	adv := d.MeasureString(text)
	d.Dot = fixed.Point26_6{X: fixed.I(x) - adv/2, Y: fixed.I(y + 4)}
	d.DrawString(text)
}
