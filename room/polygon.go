package room

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// lShapeFraction sizes both rectangles of an L-shaped room relative to the
// full width/depth. The notch always sits at the far (north-east) corner.
const lShapeFraction = 0.6

// FloorPolygon is an open ring of floor corners in room units, listed
// counter-clockwise starting at the south-west corner (0,0).
type FloorPolygon []Point2D

// Ring converts the polygon to a closed orb.Ring
func (fp FloorPolygon) Ring() orb.Ring {
	ring := make(orb.Ring, 0, len(fp)+1)
	for _, p := range fp {
		ring = append(ring, orb.Point{p.X, p.Y})
	}
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring
}

// Area returns the enclosed floor area in square room units
func (fp FloorPolygon) Area() float64 {
	if len(fp) < 3 {
		return 0
	}
	a := planar.Area(fp.Ring())
	if a < 0 {
		return -a
	}
	return a
}

// Bound returns the axis-aligned bounds of the polygon
func (fp FloorPolygon) Bound() orb.Bound {
	return fp.Ring().Bound()
}

// Contains reports whether p lies inside the floor or on its boundary
func (fp FloorPolygon) Contains(p Point2D) bool {
	if len(fp) < 3 {
		return false
	}
	pt := orb.Point{p.X, p.Y}
	ring := fp.Ring()
	if planar.RingContains(ring, pt) {
		return true
	}
	// RingContains excludes the boundary; anchors flush against a wall count as inside
	for i := 0; i < len(ring)-1; i++ {
		if onSegment(ring[i], ring[i+1], pt) {
			return true
		}
	}
	return false
}

func onSegment(a, b, p orb.Point) bool {
	const eps = 1e-9
	cross := (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
	if cross > eps || cross < -eps {
		return false
	}
	minX, maxX := a[0], b[0]
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	minY, maxY := a[1], b[1]
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	return p[0] >= minX-eps && p[0] <= maxX+eps && p[1] >= minY-eps && p[1] <= maxY+eps
}

// GenerateFloorPolygon builds the floor outline for a room shape.
// Rectangular and square rooms get four corners, L-shaped rooms six.
// Every other shape falls back to the rectangle.
func GenerateFloorPolygon(shape Shape, d Dimensions) FloorPolygon {
	w, dep := d.Width, d.Depth
	if shape == ShapeLShaped {
		nx := w * lShapeFraction
		ny := dep * lShapeFraction
		return FloorPolygon{
			{X: 0, Y: 0},
			{X: w, Y: 0},
			{X: w, Y: ny},
			{X: nx, Y: ny},
			{X: nx, Y: dep},
			{X: 0, Y: dep},
		}
	}
	return FloorPolygon{
		{X: 0, Y: 0},
		{X: w, Y: 0},
		{X: w, Y: dep},
		{X: 0, Y: dep},
	}
}

// PercentToRoom converts a floor-plan percent coordinate to room units
func PercentToRoom(p Percent2D, d Dimensions) Point2D {
	return Point2D{X: p.X / 100 * d.Width, Y: p.Y / 100 * d.Depth}
}

// AnchorsOutsideFloor returns the ids of anchors whose centers fall outside
// the floor polygon, which happens when the analyzer places a zone inside
// the notch of an L-shaped room.
func AnchorsOutsideFloor(g *CanonicalGeometry) []string {
	var out []string
	for _, a := range g.Anchors {
		if !g.FloorPolygon.Contains(PercentToRoom(a.Position, g.Dimensions)) {
			out = append(out, a.ID)
		}
	}
	return out
}
