package room

// Shape is the room outline reported by the layout analyzer.
type Shape string

const (
	ShapeRectangular Shape = "rectangular"
	ShapeSquare      Shape = "square"
	ShapeLShaped     Shape = "L-shaped"
	ShapeIrregular   Shape = "irregular"
)

// WallPosition names one of the four cardinal walls.
type WallPosition string

const (
	WallNorth WallPosition = "north"
	WallSouth WallPosition = "south"
	WallEast  WallPosition = "east"
	WallWest  WallPosition = "west"
)

// CardinalWalls is the fixed iteration order used for every derived artifact
// and compiled block. Output determinism depends on it.
var CardinalWalls = []WallPosition{WallNorth, WallSouth, WallEast, WallWest}

// Valid reports whether w is one of the four cardinal walls.
func (w WallPosition) Valid() bool {
	switch w {
	case WallNorth, WallSouth, WallEast, WallWest:
		return true
	}
	return false
}

// Dimensions are the room extents in the analysis unit (usually meters)
type Dimensions struct {
	Width  float64 `json:"width" yaml:"width"`
	Depth  float64 `json:"depth" yaml:"depth"`
	Height float64 `json:"height" yaml:"height"`
	Unit   string  `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Wall is one cardinal wall as read by the analyzer
type Wall struct {
	Position WallPosition `json:"position"`
	Length   float64      `json:"length"`
	Features []string     `json:"features,omitempty"`
}

// Opening is a window or door placed on a wall. All geometry is in percent:
// Position is the offset of the opening's left edge along the wall, Width its
// extent along the wall, Height its vertical extent relative to wall height,
// and Elevation the distance of its bottom edge above the floor.
type Opening struct {
	ID        string       `json:"id,omitempty"`
	Wall      WallPosition `json:"wall"`
	Position  float64      `json:"position"`
	Width     float64      `json:"width"`
	Height    float64      `json:"height"`
	Elevation float64      `json:"elevation,omitempty"`
	Style     string       `json:"style,omitempty"` // "casement", "sliding", "swing", ...
}

// FurnitureZone is an analyzer-suggested area for furniture, in percent of
// the floor plan (x grows east, y grows north).
type FurnitureZone struct {
	Name           string   `json:"name"`
	Label          string   `json:"label"`
	XStart         float64  `json:"xStart"`
	XEnd           float64  `json:"xEnd"`
	YStart         float64  `json:"yStart"`
	YEnd           float64  `json:"yEnd"`
	Rotation       float64  `json:"rotation,omitempty"`
	SuggestedItems []string `json:"suggestedItems,omitempty"`
}

// GeometryAnalysis is the raw, untrusted reading produced by the vision model.
// Windows and doors carry no ids and values are not range checked.
type GeometryAnalysis struct {
	RoomShape      Shape           `json:"roomShape"`
	Dimensions     Dimensions      `json:"dimensions"`
	Walls          []Wall          `json:"walls"`
	Windows        []Opening       `json:"windows"`
	Doors          []Opening       `json:"doors"`
	FurnitureZones []FurnitureZone `json:"furnitureZones"`
}

// Vec3 is a 3D vector or position
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Rotation holds camera Euler angles in degrees
type Rotation struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// ViewIsometric is the only view type the canonicalizer emits.
const ViewIsometric = "isometric"

// CameraMatrix fixes the render viewpoint for a room.
type CameraMatrix struct {
	Position    Vec3     `json:"position"`
	Rotation    Rotation `json:"rotation"`
	FOV         float64  `json:"fov"`
	AspectRatio string   `json:"aspectRatio"`
	ViewType    string   `json:"viewType"`
}

// WallNormal is the inward-facing unit normal of a wall plus its length
type WallNormal struct {
	Normal Vec3    `json:"normal"`
	Length float64 `json:"length"`
}

// Point2D is a floor-plan coordinate in room units
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Percent2D is a floor-plan coordinate in percent of width/depth
type Percent2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoundingBox is an anchor footprint in percent of width/depth
type BoundingBox struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FurnitureAnchor is a fixed placement slot derived from a furniture zone.
// Only Occupied and OccupiedBy change after creation.
type FurnitureAnchor struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Label             string      `json:"label,omitempty"`
	Position          Percent2D   `json:"position"`
	Rotation          float64     `json:"rotation"`
	BoundingBox       BoundingBox `json:"boundingBox"`
	AllowedCategories []string    `json:"allowedCategories"`
	Occupied          bool        `json:"occupied"`
	OccupiedBy        string      `json:"occupiedBy,omitempty"`
}

// CanonicalGeometry is the validated, id-stable description of a room.
// RoomShape, Dimensions, Walls, Windows and Doors never change after creation.
type CanonicalGeometry struct {
	RoomShape      Shape                       `json:"roomShape"`
	Dimensions     Dimensions                  `json:"dimensions"`
	Walls          []Wall                      `json:"walls"`
	Windows        []Opening                   `json:"windows"`
	Doors          []Opening                   `json:"doors"`
	FurnitureZones []FurnitureZone             `json:"furnitureZones"`
	Camera         CameraMatrix                `json:"camera"`
	WallNormals    map[WallPosition]WallNormal `json:"wallNormals"`
	FloorPolygon   FloorPolygon                `json:"floorPolygon"`
	Anchors        []FurnitureAnchor           `json:"anchors"`
}

// Anchor returns the anchor with the given id
func (g *CanonicalGeometry) Anchor(id string) (*FurnitureAnchor, bool) {
	for i := range g.Anchors {
		if g.Anchors[i].ID == id {
			return &g.Anchors[i], true
		}
	}
	return nil, false
}

// OpeningsOnWall returns windows and doors attached to wall w, windows first,
// each group in canonical order.
func (g *CanonicalGeometry) OpeningsOnWall(w WallPosition) (windows, doors []Opening) {
	for _, o := range g.Windows {
		if o.Wall == w {
			windows = append(windows, o)
		}
	}
	for _, o := range g.Doors {
		if o.Wall == w {
			doors = append(doors, o)
		}
	}
	return windows, doors
}

// HasWall reports whether the analysis included wall w
func (g *CanonicalGeometry) HasWall(w WallPosition) bool {
	_, ok := g.WallNormals[w]
	return ok
}

// Placement assigns a catalog item to an anchor for one render pass
type Placement struct {
	AnchorID string `json:"anchorId"`
	ItemID   string `json:"itemId,omitempty"`
	ItemName string `json:"itemName"`
	Category string `json:"category,omitempty"`
}

// EditRegion is a rectangle in image percent selected for re-generation
type EditRegion struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ControlSignals are the six compiled blocks plus the banner-delimited prompt.
// They are output only and never fed back into canonicalization.
type ControlSignals struct {
	DepthMap              string `json:"depthMap"`
	EdgeMap               string `json:"edgeMap"`
	RegionMask            string `json:"regionMask"`
	StructuralConstraints string `json:"structuralConstraints"`
	FurniturePlacement    string `json:"furniturePlacement"`
	LockingDirective      string `json:"lockingDirective"`
	Compiled              string `json:"compiled"`
}
