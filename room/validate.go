package room

import (
	"fmt"
	"math"
	"strings"
)

// ShapePolicy decides what happens to room shapes the floor polygon
// generator has no dedicated path for.
type ShapePolicy int

const (
	// FallbackRectangular treats unknown shapes (including "irregular") as
	// rectangles. This matches what the analyzer has always received.
	FallbackRectangular ShapePolicy = iota
	// RejectUnsupported fails validation for anything other than
	// rectangular, square or L-shaped rooms.
	RejectUnsupported
)

// ParseShapePolicy maps a config value to a ShapePolicy
func ParseShapePolicy(s string) (ShapePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fallback", "fallback-rectangular":
		return FallbackRectangular, nil
	case "reject", "reject-unsupported":
		return RejectUnsupported, nil
	}
	return FallbackRectangular, fmt.Errorf("unknown shape policy %q", s)
}

func validPercent(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 100
}

func validLength(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// validateAnalysis checks every untrusted value before anything is derived.
// The first failure wins; field paths use the analyzer's JSON names.
func validateAnalysis(a *GeometryAnalysis, policy ShapePolicy) error {
	if a == nil {
		return invalid("analysis", "missing")
	}

	if policy == RejectUnsupported {
		switch a.RoomShape {
		case ShapeRectangular, ShapeSquare, ShapeLShaped:
		default:
			return invalid("roomShape", "unsupported shape %q", a.RoomShape)
		}
	}

	d := a.Dimensions
	if !validLength(d.Width) {
		return invalid("dimensions.width", "must be a positive number, got %v", d.Width)
	}
	if !validLength(d.Depth) {
		return invalid("dimensions.depth", "must be a positive number, got %v", d.Depth)
	}
	if !validLength(d.Height) {
		return invalid("dimensions.height", "must be a positive number, got %v", d.Height)
	}

	seenWalls := make(map[WallPosition]bool, len(a.Walls))
	for i, w := range a.Walls {
		if !w.Position.Valid() {
			return invalid(fmt.Sprintf("walls[%d].position", i), "unknown wall %q", w.Position)
		}
		if seenWalls[w.Position] {
			return invalid(fmt.Sprintf("walls[%d].position", i), "duplicate wall %q", w.Position)
		}
		seenWalls[w.Position] = true
		if math.IsNaN(w.Length) || w.Length < 0 {
			return invalid(fmt.Sprintf("walls[%d].length", i), "must not be negative, got %v", w.Length)
		}
	}

	if err := validateOpenings("windows", a.Windows); err != nil {
		return err
	}
	if err := validateOpenings("doors", a.Doors); err != nil {
		return err
	}

	names := make(map[string]int, len(a.FurnitureZones))
	for i, z := range a.FurnitureZones {
		field := fmt.Sprintf("furnitureZones[%d]", i)
		if strings.TrimSpace(z.Name) == "" {
			return invalid(field+".name", "must not be empty")
		}
		if prev, ok := names[z.Name]; ok {
			return invalid(field+".name", "duplicate zone name %q (also furnitureZones[%d]); anchor id anchor_%s would collide", z.Name, prev, z.Name)
		}
		names[z.Name] = i

		for _, f := range []struct {
			name string
			v    float64
		}{
			{"xStart", z.XStart}, {"xEnd", z.XEnd}, {"yStart", z.YStart}, {"yEnd", z.YEnd},
		} {
			if !validPercent(f.v) {
				return invalid(field+"."+f.name, "percent out of range [0,100]: %v", f.v)
			}
		}
		if z.XStart > z.XEnd {
			return invalid(field+".xStart", "xStart %v exceeds xEnd %v", z.XStart, z.XEnd)
		}
		if z.YStart > z.YEnd {
			return invalid(field+".yStart", "yStart %v exceeds yEnd %v", z.YStart, z.YEnd)
		}
	}

	return nil
}

func validateOpenings(kind string, openings []Opening) error {
	for i, o := range openings {
		field := fmt.Sprintf("%s[%d]", kind, i)
		if !o.Wall.Valid() {
			return invalid(field+".wall", "unknown wall %q", o.Wall)
		}
		for _, f := range []struct {
			name string
			v    float64
		}{
			{"position", o.Position}, {"width", o.Width}, {"height", o.Height}, {"elevation", o.Elevation},
		} {
			if !validPercent(f.v) {
				return invalid(field+"."+f.name, "percent out of range [0,100]: %v", f.v)
			}
		}
	}
	return nil
}

// ValidateEditRegion checks that an edit rectangle lies inside the image.
func ValidateEditRegion(r EditRegion) error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"x", r.X}, {"y", r.Y}, {"width", r.Width}, {"height", r.Height},
	} {
		if !validPercent(f.v) {
			return invalid("editRegion."+f.name, "percent out of range [0,100]: %v", f.v)
		}
	}
	if r.Width == 0 || r.Height == 0 {
		return invalid("editRegion", "rectangle has zero area")
	}
	if r.X+r.Width > 100 || r.Y+r.Height > 100 {
		return invalid("editRegion", "rectangle extends past the image edge")
	}
	return nil
}
