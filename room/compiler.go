package room

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Banner and block headers of the compiled prompt. The renderer parses on
// these exact strings in this exact order: changing any of them is a breaking
// change for every consumer.
const (
	BannerBegin = "=== ROOM CONTROL SIGNALS BEGIN ==="
	BannerEnd   = "=== ROOM CONTROL SIGNALS END ==="

	HeaderDepthMap              = "### [1] DEPTH MAP ###"
	HeaderEdgeMap               = "### [2] EDGE MAP ###"
	HeaderRegionMask            = "### [3] REGION MASK ###"
	HeaderStructuralConstraints = "### [4] STRUCTURAL CONSTRAINTS ###"
	HeaderFurniturePlacement    = "### [5] FURNITURE PLACEMENT ###"
	HeaderLockingDirective      = "### [6] LOCKING DIRECTIVE ###"
)

// PlacementTolerance is the maximum drift, in percent, of a generated item's
// center from its anchor coordinate.
const PlacementTolerance = 2.0

// Line prefixes of the region-mask block
const (
	LockedPrefix   = "- LOCKED "
	EditablePrefix = "- EDITABLE "
)

var (
	nearWalls = []WallPosition{WallSouth, WallEast}
	farWalls  = []WallPosition{WallNorth, WallWest}
)

// Compile turns canonical geometry, the current anchor list and a placement
// manifest into control signals. With a non-nil editRegion the region mask
// switches to targeted-edit mode. Identical inputs always produce identical
// output.
func Compile(g *CanonicalGeometry, anchors []FurnitureAnchor, placements []Placement, editRegion *EditRegion) ControlSignals {
	occ := resolveOccupancy(anchors, placements)

	s := ControlSignals{
		DepthMap:              compileDepthMap(g),
		EdgeMap:               compileEdgeMap(g),
		RegionMask:            compileRegionMask(g, anchors, occ, editRegion),
		StructuralConstraints: compileStructuralConstraints(g),
		FurniturePlacement:    compileFurniturePlacement(anchors, occ),
		LockingDirective:      compileLockingDirective(g, anchors, occ, editRegion),
	}
	s.Compiled = AssemblePrompt(s)
	return s
}

// CompileFull compiles and returns only the banner-delimited prompt
func CompileFull(g *CanonicalGeometry, anchors []FurnitureAnchor, placements []Placement, editRegion *EditRegion) string {
	return Compile(g, anchors, placements, editRegion).Compiled
}

// AssemblePrompt joins the six blocks between the fixed banners
func AssemblePrompt(s ControlSignals) string {
	var b strings.Builder
	b.WriteString(BannerBegin)
	b.WriteString("\n")
	for _, blk := range []struct {
		header string
		body   string
	}{
		{HeaderDepthMap, s.DepthMap},
		{HeaderEdgeMap, s.EdgeMap},
		{HeaderRegionMask, s.RegionMask},
		{HeaderStructuralConstraints, s.StructuralConstraints},
		{HeaderFurniturePlacement, s.FurniturePlacement},
		{HeaderLockingDirective, s.LockingDirective},
	} {
		b.WriteString(blk.header)
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(blk.body, "\n"))
		b.WriteString("\n")
	}
	b.WriteString(BannerEnd)
	b.WriteString("\n")
	return b.String()
}

// occupant describes what sits on an occupied anchor for this render pass
type occupant struct {
	item     string
	category string
}

// resolveOccupancy merges anchor occupancy with the placement manifest. An
// anchor is occupied when it is flagged occupied or the manifest places an
// item on it; the first manifest entry for an anchor wins. Manifest entries
// for unknown anchors are ignored.
func resolveOccupancy(anchors []FurnitureAnchor, placements []Placement) map[string]occupant {
	known := make(map[string]bool, len(anchors))
	for _, a := range anchors {
		known[a.ID] = true
	}

	occ := make(map[string]occupant)
	for _, p := range placements {
		if !known[p.AnchorID] {
			continue
		}
		if _, dup := occ[p.AnchorID]; dup {
			continue
		}
		item := p.ItemName
		if item == "" {
			item = p.ItemID
		}
		occ[p.AnchorID] = occupant{item: item, category: p.Category}
	}
	for _, a := range anchors {
		if !a.Occupied {
			continue
		}
		if o, ok := occ[a.ID]; ok {
			if o.item == "" {
				o.item = a.OccupiedBy
				occ[a.ID] = o
			}
			continue
		}
		occ[a.ID] = occupant{item: a.OccupiedBy}
	}
	for id, o := range occ {
		if o.item == "" {
			o.item = "unspecified item"
			occ[id] = o
		}
	}
	return occ
}

func compileDepthMap(g *CanonicalGeometry) string {
	var b strings.Builder
	cam := g.Camera
	line(&b, "Camera: %s view from the south-east corner looking north-west (pitch %s, yaw %s, fov %s).",
		cam.ViewType, num(cam.Rotation.Pitch), num(cam.Rotation.Yaw), num(cam.FOV))
	line(&b, "Room volume: %s x %s x %s %s (width x depth x height).",
		num(g.Dimensions.Width), num(g.Dimensions.Depth), num(g.Dimensions.Height), unit(g.Dimensions))

	line(&b, "NEAR walls (closest to camera, partially visible):")
	writeDepthWalls(&b, g, nearWalls)
	line(&b, "FAR walls (farthest from camera, fully visible):")
	writeDepthWalls(&b, g, farWalls)

	line(&b, "Openings (local depth recesses in their wall plane):")
	n := 0
	for _, w := range CardinalWalls {
		windows, doors := g.OpeningsOnWall(w)
		for _, o := range windows {
			line(&b, "- %s on %s wall (%s): recessed window, %s%%-%s%% along wall, %s%%-%s%% of wall height",
				o.ID, w, depthOf(w), exact(o.Position), exact(o.Position+o.Width), exact(o.Elevation), exact(o.Elevation+o.Height))
			n++
		}
		for _, o := range doors {
			line(&b, "- %s on %s wall (%s): recessed doorway, %s%%-%s%% along wall, floor to %s%% of wall height",
				o.ID, w, depthOf(w), exact(o.Position), exact(o.Position+o.Width), exact(o.Elevation+o.Height))
			n++
		}
	}
	if n == 0 {
		line(&b, "- (none)")
	}
	line(&b, "Floor: single flat plane, depth increasing from the south-east corner toward the north-west corner.")
	return b.String()
}

func writeDepthWalls(b *strings.Builder, g *CanonicalGeometry, walls []WallPosition) {
	n := 0
	for _, w := range walls {
		wn, ok := g.WallNormals[w]
		if !ok {
			continue
		}
		line(b, "- %s wall: length %s %s, plane %s", w, num(wn.Length), unit(g.Dimensions), wallPlane(w, g.Dimensions))
		n++
	}
	if n == 0 {
		line(b, "- (none)")
	}
}

func depthOf(w WallPosition) string {
	if w == WallSouth || w == WallEast {
		return "near"
	}
	return "far"
}

func wallPlane(w WallPosition, d Dimensions) string {
	switch w {
	case WallNorth:
		return "y=" + num(d.Depth)
	case WallSouth:
		return "y=0"
	case WallEast:
		return "x=" + num(d.Width)
	default:
		return "x=0"
	}
}

var cornerWalls = []struct {
	name string
	a, b WallPosition
}{
	{"north-east", WallNorth, WallEast},
	{"north-west", WallNorth, WallWest},
	{"south-east", WallSouth, WallEast},
	{"south-west", WallSouth, WallWest},
}

func compileEdgeMap(g *CanonicalGeometry) string {
	var b strings.Builder
	line(&b, "Room boundary edges:")
	for _, w := range CardinalWalls {
		if !g.HasWall(w) {
			continue
		}
		line(&b, "- floor-wall edge: %s wall", w)
		line(&b, "- wall-ceiling edge: %s wall", w)
	}
	for _, c := range cornerWalls {
		if g.HasWall(c.a) && g.HasWall(c.b) {
			line(&b, "- vertical corner edge: %s", c.name)
		}
	}

	line(&b, "Floor outline (%s, %d vertices):", unit(g.Dimensions), len(g.FloorPolygon))
	for i, p := range g.FloorPolygon {
		q := g.FloorPolygon[(i+1)%len(g.FloorPolygon)]
		line(&b, "- edge %d: (%s, %s) -> (%s, %s)", i+1, num(p.X), num(p.Y), num(q.X), num(q.Y))
	}

	line(&b, "Opening rectangles (percent of wall length x wall height):")
	n := 0
	for _, w := range CardinalWalls {
		windows, doors := g.OpeningsOnWall(w)
		for _, o := range windows {
			line(&b, "- %s wall: window %s %s", w, o.ID, rect(o))
			n++
		}
		for _, o := range doors {
			line(&b, "- %s wall: door %s %s", w, o.ID, rect(o))
			n++
		}
	}
	if n == 0 {
		line(&b, "- (none)")
	}
	return b.String()
}

func rect(o Opening) string {
	return fmt.Sprintf("x=%s%%..%s%% y=%s%%..%s%% (w=%s%%, h=%s%%)",
		exact(o.Position), exact(o.Position+o.Width), exact(o.Elevation), exact(o.Elevation+o.Height), exact(o.Width), exact(o.Height))
}

func compileRegionMask(g *CanonicalGeometry, anchors []FurnitureAnchor, occ map[string]occupant, edit *EditRegion) string {
	var b strings.Builder
	if edit != nil {
		line(&b, "MODE: targeted edit (inpaint only the edit region)")
	} else {
		line(&b, "MODE: full scene")
	}

	line(&b, "LOCKED regions (must be preserved exactly):")
	for _, w := range CardinalWalls {
		if g.HasWall(w) {
			line(&b, "%swall %s", LockedPrefix, w)
		}
	}
	for _, o := range g.Windows {
		line(&b, "%swindow %s (%s wall, %s)", LockedPrefix, o.ID, o.Wall, rect(o))
	}
	for _, o := range g.Doors {
		line(&b, "%sdoor %s (%s wall, %s)", LockedPrefix, o.ID, o.Wall, rect(o))
	}
	line(&b, "%sfloor boundary", LockedPrefix)
	line(&b, "%sceiling", LockedPrefix)

	if edit != nil {
		for _, a := range anchors {
			line(&b, "%sanchor %s", LockedPrefix, anchorMaskDesc(a, occ))
		}
		line(&b, "%sfloor texture", LockedPrefix)
		line(&b, "%swall texture", LockedPrefix)

		line(&b, "EDITABLE regions (may be regenerated):")
		line(&b, "%sregion x=%s%%, y=%s%%, w=%s%%, h=%s%%", EditablePrefix,
			exact(edit.X), exact(edit.Y), exact(edit.Width), exact(edit.Height))
		area := edit.Width * edit.Height / 100
		line(&b, "Inpainting strength: %s (edit region covers %s%% of the image)",
			strconv.FormatFloat(InpaintingStrength(*edit), 'f', 2, 64), num(area))
		return b.String()
	}

	line(&b, "EDITABLE regions (may be generated):")
	for _, a := range anchors {
		line(&b, "%sanchor %s", EditablePrefix, anchorMaskDesc(a, occ))
	}
	line(&b, "%sfloor surface (texture only, boundary stays locked)", EditablePrefix)
	line(&b, "%swall surfaces (texture only, geometry stays locked)", EditablePrefix)
	return b.String()
}

func anchorMaskDesc(a FurnitureAnchor, occ map[string]occupant) string {
	state := "available"
	if o, ok := occ[a.ID]; ok {
		state = "occupied: " + o.item
	}
	return fmt.Sprintf("%s [%s] center (%s%%, %s%%) box %s%% x %s%%",
		a.ID, state, num(a.Position.X), num(a.Position.Y), num(a.BoundingBox.Width), num(a.BoundingBox.Height))
}

// InpaintingStrength recommends a denoising strength for a targeted edit,
// lower for larger regions.
func InpaintingStrength(r EditRegion) float64 {
	area := r.Width * r.Height / 100
	switch {
	case area <= 10:
		return 0.85
	case area <= 30:
		return 0.7
	default:
		return 0.55
	}
}

func compileStructuralConstraints(g *CanonicalGeometry) string {
	var b strings.Builder
	cam := g.Camera
	u := unit(g.Dimensions)
	line(&b, "Room shape: %s", g.RoomShape)
	line(&b, "Dimensions: width %s, depth %s, height %s (%s)",
		num(g.Dimensions.Width), num(g.Dimensions.Depth), num(g.Dimensions.Height), u)
	line(&b, "Floor area: %s square %s", num(g.FloorPolygon.Area()), u)
	line(&b, "Window count: exactly %d", len(g.Windows))
	line(&b, "Door count: exactly %d", len(g.Doors))
	line(&b, "Camera position: (%s, %s, %s)", num(cam.Position.X), num(cam.Position.Y), num(cam.Position.Z))
	line(&b, "Camera rotation: pitch %s, yaw %s, roll %s", num(cam.Rotation.Pitch), num(cam.Rotation.Yaw), num(cam.Rotation.Roll))
	line(&b, "Camera field of view: %s", num(cam.FOV))
	line(&b, "Aspect ratio: %s", cam.AspectRatio)
	line(&b, "View type: %s", cam.ViewType)
	line(&b, "These values must not change between renders of this geometry.")
	return b.String()
}

func compileFurniturePlacement(anchors []FurnitureAnchor, occ map[string]occupant) string {
	var b strings.Builder
	line(&b, "Rule: each item's center must stay within %s%% of its listed coordinate and must not exceed its bounding box.",
		num(PlacementTolerance))
	n := 0
	for _, a := range anchors {
		o, ok := occ[a.ID]
		if !ok {
			continue
		}
		item := o.item
		if o.category != "" {
			item += " (" + o.category + ")"
		}
		line(&b, "- %s: %s at center (%s%%, %s%%), bounding box %s%% x %s%%, rotation %s",
			a.ID, item, num(a.Position.X), num(a.Position.Y), num(a.BoundingBox.Width), num(a.BoundingBox.Height), num(a.Rotation))
		n++
	}
	if n == 0 {
		line(&b, "- (no occupied anchors)")
	}
	return b.String()
}

func compileLockingDirective(g *CanonicalGeometry, anchors []FurnitureAnchor, occ map[string]occupant, edit *EditRegion) string {
	var b strings.Builder
	if edit != nil {
		line(&b, "LOCKED: walls, windows=%d, doors=%d, floor boundary, ceiling, camera, all anchors, all textures, everything outside the edit region",
			len(g.Windows), len(g.Doors))
		line(&b, "UNLOCKED: edit region x=%s%% y=%s%% w=%s%% h=%s%%",
			exact(edit.X), exact(edit.Y), exact(edit.Width), exact(edit.Height))
		return b.String()
	}

	line(&b, "LOCKED: walls, windows=%d, doors=%d, floor boundary, ceiling, camera, depth layout, edge layout",
		len(g.Windows), len(g.Doors))
	var ids []string
	for _, a := range anchors {
		if _, ok := occ[a.ID]; ok {
			ids = append(ids, a.ID)
		}
	}
	furniture := "none"
	if len(ids) > 0 {
		furniture = strings.Join(ids, ", ")
	}
	line(&b, "UNLOCKED: furniture at [%s], floor texture, wall texture", furniture)
	return b.String()
}

func line(b *strings.Builder, format string, args ...interface{}) {
	fmt.Fprintf(b, format, args...)
	b.WriteByte('\n')
}

// exact formats a percent value from the input as given. Snapping to nine
// decimals drops float noise from sums like position+width.
func exact(v float64) string {
	r := math.Round(v*1e9) / 1e9
	if r == 0 {
		r = 0
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

// num formats a derived value with at most two decimals and no trailing zeros
func num(v float64) string {
	r := math.Round(v*100) / 100
	if r == 0 {
		r = 0 // normalizes -0
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

func unit(d Dimensions) string {
	if d.Unit == "" {
		return "units"
	}
	return d.Unit
}
