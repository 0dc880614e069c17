package room

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// MaskColors controls how locked and editable regions are painted
type MaskColors struct {
	Floor    color.RGBA
	Wall     color.RGBA
	Window   color.RGBA
	Door     color.RGBA
	Occupied color.RGBA
	Free     color.RGBA
	Edit     color.RGBA
}

// DefaultMaskColors returns the preview palette: locked structure in greys
// and blues, editable anchors in green, the edit region in orange.
func DefaultMaskColors() MaskColors {
	return MaskColors{
		Floor:    color.RGBA{225, 225, 225, 255},
		Wall:     color.RGBA{40, 40, 40, 255},
		Window:   color.RGBA{70, 130, 180, 255},
		Door:     color.RGBA{139, 90, 43, 255},
		Occupied: color.RGBA{46, 139, 87, 255},
		Free:     color.RGBA{144, 238, 144, 255},
		Edit:     color.RGBA{255, 140, 0, 255},
	}
}

// DefaultMaxPixels bounds the longer side of a PNG preview
const DefaultMaxPixels = 4096

// MaskRenderer draws a top-down region mask preview of a canonical geometry.
// Canvas units are millimeters; Scale converts room units to canvas units.
type MaskRenderer struct {
	Geometry   *CanonicalGeometry
	Anchors    []FurnitureAnchor
	EditRegion *EditRegion
	Colors     MaskColors
	Scale      float64           // canvas mm per room unit
	Padding    float64           // canvas mm around the plan
	WallWidth  float64           // stroke width of walls in canvas mm
	Resolution canvas.Resolution // PNG output resolution
	MaxPixels  int               // longer PNG side; Resolution is lowered to fit, <= 0 disables
}

// NewMaskRenderer creates a renderer with default settings. The anchor list
// defaults to the geometry's own anchors.
func NewMaskRenderer(g *CanonicalGeometry, anchors []FurnitureAnchor, edit *EditRegion) *MaskRenderer {
	if anchors == nil && g != nil {
		anchors = g.Anchors
	}
	return &MaskRenderer{
		Geometry:   g,
		Anchors:    anchors,
		EditRegion: edit,
		Colors:     DefaultMaskColors(),
		Scale:      100.0, // 1 m -> 10 cm of canvas
		Padding:    50.0,
		WallWidth:  8.0,
		Resolution: canvas.DPI(96),
		MaxPixels:  DefaultMaxPixels,
	}
}

func (r *MaskRenderer) size() (float64, float64) {
	d := r.Geometry.Dimensions
	return d.Width*r.Scale + 2*r.Padding, d.Depth*r.Scale + 2*r.Padding
}

func (r *MaskRenderer) check() error {
	if r.Geometry == nil {
		return fmt.Errorf("render mask: geometry is nil")
	}
	if !(r.Scale > 0) || math.IsInf(r.Scale, 0) {
		return fmt.Errorf("render mask: scale must be positive, got %v", r.Scale)
	}
	if r.Padding < 0 {
		return fmt.Errorf("render mask: padding must not be negative, got %v", r.Padding)
	}
	return nil
}

// pngResolution returns r.Resolution, lowered so that the longer side of a
// width x height mm canvas rasterizes to at most MaxPixels
func (r *MaskRenderer) pngResolution(width, height float64) canvas.Resolution {
	res := r.Resolution
	longest := math.Max(width, height)
	if r.MaxPixels > 0 && longest*res.DPMM() > float64(r.MaxPixels) {
		res = canvas.DPMM(float64(r.MaxPixels) / longest)
	}
	return res
}

// RenderToSVG writes the mask preview as SVG
func (r *MaskRenderer) RenderToSVG(w io.Writer) error {
	if err := r.check(); err != nil {
		return err
	}
	width, height := r.size()
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the mask preview as PNG at r.Resolution, or lower when
// the image would exceed MaxPixels on its longer side
func (r *MaskRenderer) RenderToPNG(w io.Writer) error {
	if err := r.check(); err != nil {
		return err
	}
	if !(r.Resolution > 0) {
		return fmt.Errorf("render mask: resolution must be positive, got %v dpmm", float64(r.Resolution))
	}
	width, height := r.size()
	res := r.pngResolution(width, height)
	if int(width*res.DPMM()+0.5) < 1 || int(height*res.DPMM()+0.5) < 1 {
		return fmt.Errorf("render mask: resolution %v dpmm rasterizes to an empty image", res.DPMM())
	}
	rast := rasterizer.New(width, height, res, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, width, height)
	return png.Encode(w, rast)
}

// canvasRenderer is satisfied by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *MaskRenderer) renderToCanvas(renderer canvasRenderer, width, height float64) {
	g := r.Geometry
	d := g.Dimensions

	toCanvas := func(x, y float64) (float64, float64) {
		return x*r.Scale + r.Padding, y*r.Scale + r.Padding
	}

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	// Floor (locked boundary)
	floorStyle := canvas.DefaultStyle
	floorStyle.Fill = canvas.Paint{Color: r.Colors.Floor}
	floorStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	floor := &canvas.Path{}
	for i, p := range g.FloorPolygon {
		cx, cy := toCanvas(p.X, p.Y)
		if i == 0 {
			floor.MoveTo(cx, cy)
		} else {
			floor.LineTo(cx, cy)
		}
	}
	floor.Close()
	renderer.RenderPath(floor, floorStyle, canvas.Identity)

	// Anchors (editable slots)
	for _, a := range r.Anchors {
		fill := r.Colors.Free
		if a.Occupied {
			fill = r.Colors.Occupied
		}
		st := canvas.DefaultStyle
		st.Fill = canvas.Paint{Color: fill}
		st.Stroke = canvas.Paint{Color: canvas.Black}
		st.StrokeWidth = 1.0
		st.Dashes = []float64{4.0, 2.0}

		bw := a.BoundingBox.Width / 100 * d.Width * r.Scale
		bh := a.BoundingBox.Height / 100 * d.Depth * r.Scale
		c := PercentToRoom(a.Position, d)
		cx, cy := toCanvas(c.X, c.Y)
		box := canvas.Rectangle(bw, bh).Translate(cx-bw/2, cy-bh/2)
		renderer.RenderPath(box, st, canvas.Identity)
	}

	// Walls (locked)
	wallStyle := canvas.DefaultStyle
	wallStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	wallStyle.Stroke = canvas.Paint{Color: r.Colors.Wall}
	wallStyle.StrokeWidth = r.WallWidth
	for _, w := range CardinalWalls {
		if !g.HasWall(w) {
			continue
		}
		a, b := wallSegment(w, d)
		x1, y1 := toCanvas(a[0], a[1])
		x2, y2 := toCanvas(b[0], b[1])
		p := &canvas.Path{}
		p.MoveTo(x1, y1)
		p.LineTo(x2, y2)
		renderer.RenderPath(p, wallStyle, canvas.Identity)
	}

	// Openings drawn over their wall
	drawOpenings := func(openings []Opening, c color.RGBA) {
		st := canvas.DefaultStyle
		st.Fill = canvas.Paint{Color: canvas.Transparent}
		st.Stroke = canvas.Paint{Color: c}
		st.StrokeWidth = r.WallWidth * 1.5
		for _, o := range openings {
			seg := OpeningSegment(o, d)
			x1, y1 := toCanvas(seg[0][0], seg[0][1])
			x2, y2 := toCanvas(seg[1][0], seg[1][1])
			p := &canvas.Path{}
			p.MoveTo(x1, y1)
			p.LineTo(x2, y2)
			renderer.RenderPath(p, st, canvas.Identity)
		}
	}
	drawOpenings(g.Windows, r.Colors.Window)
	drawOpenings(g.Doors, r.Colors.Door)

	// Edit region is in image percent with y growing downward
	if r.EditRegion != nil {
		e := r.EditRegion
		ew := e.Width / 100 * width
		eh := e.Height / 100 * height
		ex := e.X / 100 * width
		ey := height - (e.Y/100*height + eh)

		st := canvas.DefaultStyle
		st.Fill = canvas.Paint{Color: color.RGBA{R: r.Colors.Edit.R / 2, G: r.Colors.Edit.G / 2, B: r.Colors.Edit.B / 2, A: 128}}
		st.Stroke = canvas.Paint{Color: r.Colors.Edit}
		st.StrokeWidth = 2.0
		renderer.RenderPath(canvas.Rectangle(ew, eh).Translate(ex, ey), st, canvas.Identity)
	}
}
