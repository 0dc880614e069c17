package room

import (
	"fmt"
	"math"
)

// Fixed camera convention: isometric view from the south-east corner looking
// north-west. Depth and edge narratives depend on it holding for every room.
const (
	cameraPitch       = -45.0
	cameraYaw         = 225.0
	cameraRoll        = 0.0
	cameraFOV         = 60.0
	cameraAspectRatio = "16:9"
)

// Canonicalizer turns raw analyses into CanonicalGeometry. It holds no state
// beyond its policy and is safe for concurrent use.
type Canonicalizer struct {
	ShapePolicy ShapePolicy
}

// NewCanonicalizer creates a canonicalizer with the given shape policy
func NewCanonicalizer(policy ShapePolicy) *Canonicalizer {
	return &Canonicalizer{ShapePolicy: policy}
}

// Normalize validates the analysis and derives the canonical geometry using
// the rectangular fallback for unknown shapes.
func Normalize(a *GeometryAnalysis) (*CanonicalGeometry, error) {
	return NewCanonicalizer(FallbackRectangular).Normalize(a)
}

// Normalize validates a raw analysis and derives ids, camera, wall normals,
// floor polygon and furniture anchors. The input is not modified.
func (c *Canonicalizer) Normalize(a *GeometryAnalysis) (*CanonicalGeometry, error) {
	if err := validateAnalysis(a, c.ShapePolicy); err != nil {
		return nil, err
	}

	anchors, err := GenerateFurnitureAnchors(a.FurnitureZones)
	if err != nil {
		return nil, err
	}

	walls := make([]Wall, len(a.Walls))
	for i, w := range a.Walls {
		walls[i] = Wall{
			Position: w.Position,
			Length:   w.Length,
			Features: append([]string(nil), w.Features...),
		}
	}

	zones := make([]FurnitureZone, len(a.FurnitureZones))
	for i, z := range a.FurnitureZones {
		zones[i] = z
		zones[i].SuggestedItems = append([]string(nil), z.SuggestedItems...)
	}

	return &CanonicalGeometry{
		RoomShape:      a.RoomShape,
		Dimensions:     a.Dimensions,
		Walls:          walls,
		Windows:        AssignOpeningIDs("window", a.Windows),
		Doors:          AssignOpeningIDs("door", a.Doors),
		FurnitureZones: zones,
		Camera:         BuildCameraMatrix(a.Dimensions),
		WallNormals:    CalculateWallNormals(a.Walls),
		FloorPolygon:   GenerateFloorPolygon(a.RoomShape, a.Dimensions),
		Anchors:        anchors,
	}, nil
}

// AssignOpeningIDs copies openings and gives each the id {kind}_{wall}_{index},
// where index counts appearances on that wall in input order.
func AssignOpeningIDs(kind string, openings []Opening) []Opening {
	out := make([]Opening, len(openings))
	perWall := make(map[WallPosition]int)
	for i, o := range openings {
		idx := perWall[o.Wall]
		perWall[o.Wall] = idx + 1
		o.ID = fmt.Sprintf("%s_%s_%d", kind, o.Wall, idx)
		out[i] = o
	}
	return out
}

// BuildCameraMatrix derives the camera from room dimensions alone.
// Position is (0.8*width, 0.8*depth, 0.6*diagonal).
func BuildCameraMatrix(d Dimensions) CameraMatrix {
	diag := math.Sqrt(d.Width*d.Width + d.Depth*d.Depth)
	return CameraMatrix{
		Position: Vec3{
			X: 0.8 * d.Width,
			Y: 0.8 * d.Depth,
			Z: 0.6 * diag,
		},
		Rotation:    Rotation{Pitch: cameraPitch, Yaw: cameraYaw, Roll: cameraRoll},
		FOV:         cameraFOV,
		AspectRatio: cameraAspectRatio,
		ViewType:    ViewIsometric,
	}
}

// cardinalNormals point from each wall into the room
var cardinalNormals = map[WallPosition]Vec3{
	WallNorth: {X: 0, Y: 1, Z: 0},
	WallSouth: {X: 0, Y: -1, Z: 0},
	WallEast:  {X: -1, Y: 0, Z: 0},
	WallWest:  {X: 1, Y: 0, Z: 0},
}

// CalculateWallNormals maps each present wall to its normal and length.
// Walls missing from the input are omitted, never synthesized.
func CalculateWallNormals(walls []Wall) map[WallPosition]WallNormal {
	normals := make(map[WallPosition]WallNormal, len(walls))
	for _, w := range walls {
		n, ok := cardinalNormals[w.Position]
		if !ok {
			continue
		}
		normals[w.Position] = WallNormal{Normal: n, Length: w.Length}
	}
	return normals
}

// AnchorID returns the anchor id derived from a zone name
func AnchorID(zoneName string) string {
	return "anchor_" + zoneName
}

// GenerateFurnitureAnchors creates one unoccupied anchor per zone, centered in
// the zone's bounding box. Duplicate zone names collide on anchor id and are
// rejected.
func GenerateFurnitureAnchors(zones []FurnitureZone) ([]FurnitureAnchor, error) {
	anchors := make([]FurnitureAnchor, 0, len(zones))
	seen := make(map[string]bool, len(zones))
	for i, z := range zones {
		id := AnchorID(z.Name)
		if seen[id] {
			return nil, invalid(fmt.Sprintf("furnitureZones[%d].name", i), "duplicate zone name %q", z.Name)
		}
		seen[id] = true

		categories := append([]string{}, z.SuggestedItems...)
		anchors = append(anchors, FurnitureAnchor{
			ID:    id,
			Name:  z.Name,
			Label: z.Label,
			Position: Percent2D{
				X: (z.XStart + z.XEnd) / 2,
				Y: (z.YStart + z.YEnd) / 2,
			},
			Rotation: normalizeDegrees(z.Rotation),
			BoundingBox: BoundingBox{
				Width:  z.XEnd - z.XStart,
				Height: z.YEnd - z.YStart,
			},
			AllowedCategories: categories,
		})
	}
	return anchors, nil
}

func normalizeDegrees(d float64) float64 {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// CloneAnchors deep-copies an anchor list
func CloneAnchors(anchors []FurnitureAnchor) []FurnitureAnchor {
	if anchors == nil {
		return nil
	}
	out := make([]FurnitureAnchor, len(anchors))
	for i, a := range anchors {
		out[i] = a
		out[i].AllowedCategories = append([]string{}, a.AllowedCategories...)
	}
	return out
}
