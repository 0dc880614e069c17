package room

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// wallSegment returns the wall's endpoints in room units. North and south
// walls run west to east, east and west walls run south to north; opening
// positions are measured from the first endpoint.
func wallSegment(w WallPosition, d Dimensions) (orb.Point, orb.Point) {
	switch w {
	case WallNorth:
		return orb.Point{0, d.Depth}, orb.Point{d.Width, d.Depth}
	case WallSouth:
		return orb.Point{0, 0}, orb.Point{d.Width, 0}
	case WallEast:
		return orb.Point{d.Width, 0}, orb.Point{d.Width, d.Depth}
	default:
		return orb.Point{0, 0}, orb.Point{0, d.Depth}
	}
}

func lerp(a, b orb.Point, t float64) orb.Point {
	return orb.Point{a[0] + (b[0]-a[0])*t, a[1] + (b[1]-a[1])*t}
}

// OpeningSegment returns the stretch of wall covered by an opening
func OpeningSegment(o Opening, d Dimensions) orb.LineString {
	a, b := wallSegment(o.Wall, d)
	return orb.LineString{
		lerp(a, b, o.Position/100),
		lerp(a, b, (o.Position+o.Width)/100),
	}
}

// ToFeatureCollection exports a canonical geometry as GeoJSON in room units:
// the floor polygon, one LineString per wall and opening, and one Point per
// anchor center.
func ToFeatureCollection(g *CanonicalGeometry) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if g == nil {
		return fc
	}

	floor := geojson.NewFeature(orb.Polygon{g.FloorPolygon.Ring()})
	floor.ID = "floor"
	floor.Properties["kind"] = "floor"
	floor.Properties["roomShape"] = string(g.RoomShape)
	floor.Properties["area"] = g.FloorPolygon.Area()
	fc.Append(floor)

	for _, w := range CardinalWalls {
		wn, ok := g.WallNormals[w]
		if !ok {
			continue
		}
		a, b := wallSegment(w, g.Dimensions)
		f := geojson.NewFeature(orb.LineString{a, b})
		f.ID = "wall_" + string(w)
		f.Properties["kind"] = "wall"
		f.Properties["wall"] = string(w)
		f.Properties["length"] = wn.Length
		f.Properties["normal"] = []float64{wn.Normal.X, wn.Normal.Y, wn.Normal.Z}
		fc.Append(f)
	}

	addOpenings := func(kind string, openings []Opening) {
		for _, o := range openings {
			f := geojson.NewFeature(OpeningSegment(o, g.Dimensions))
			f.ID = o.ID
			f.Properties["kind"] = kind
			f.Properties["wall"] = string(o.Wall)
			f.Properties["position"] = o.Position
			f.Properties["width"] = o.Width
			f.Properties["height"] = o.Height
			if o.Style != "" {
				f.Properties["style"] = o.Style
			}
			fc.Append(f)
		}
	}
	addOpenings("window", g.Windows)
	addOpenings("door", g.Doors)

	for _, a := range g.Anchors {
		c := PercentToRoom(a.Position, g.Dimensions)
		f := geojson.NewFeature(orb.Point{c.X, c.Y})
		f.ID = a.ID
		f.Properties["kind"] = "anchor"
		f.Properties["name"] = a.Name
		f.Properties["occupied"] = a.Occupied
		if a.OccupiedBy != "" {
			f.Properties["occupiedBy"] = a.OccupiedBy
		}
		f.Properties["boundingBox"] = []float64{a.BoundingBox.Width, a.BoundingBox.Height}
		f.Properties["allowedCategories"] = a.AllowedCategories
		fc.Append(f)
	}

	return fc
}
