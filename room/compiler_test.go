package room

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linesWithPrefix(block, prefix string) []string {
	var out []string
	for _, l := range strings.Split(block, "\n") {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

func countContaining(lines []string, sub string) int {
	n := 0
	for _, l := range lines {
		if strings.Contains(l, sub) {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Compile
// ---------------------------------------------------------------------------

func TestCompile_Deterministic(t *testing.T) {
	g := mustNormalize(t, sampleAnalysis())
	placements := []Placement{{AnchorID: "anchor_sofa", ItemID: "sofa-1", ItemName: "grey sofa", Category: "sofa"}}

	first := Compile(g, g.Anchors, placements, nil)
	for i := 0; i < 5; i++ {
		again := Compile(mustNormalize(t, sampleAnalysis()), g.Anchors, placements, nil)
		assert.Equal(t, first, again)
	}
}

func TestCompile_BannerAndBlockOrder(t *testing.T) {
	g := mustNormalize(t, sampleAnalysis())
	out := CompileFull(g, g.Anchors, nil, nil)

	require.True(t, strings.HasPrefix(out, BannerBegin+"\n"))
	require.True(t, strings.HasSuffix(out, BannerEnd+"\n"))

	last := -1
	for _, h := range []string{
		HeaderDepthMap,
		HeaderEdgeMap,
		HeaderRegionMask,
		HeaderStructuralConstraints,
		HeaderFurniturePlacement,
		HeaderLockingDirective,
	} {
		idx := strings.Index(out, h)
		require.NotEqual(t, -1, idx, "missing header %s", h)
		assert.Greater(t, idx, last, "header %s out of order", h)
		assert.Equal(t, 1, strings.Count(out, h))
		last = idx
	}
}

func TestCompile_BlocksMatchAssembledPrompt(t *testing.T) {
	g := mustNormalize(t, sampleAnalysis())
	s := Compile(g, g.Anchors, nil, nil)

	for _, body := range []string{s.DepthMap, s.EdgeMap, s.RegionMask, s.StructuralConstraints, s.FurniturePlacement, s.LockingDirective} {
		assert.NotEmpty(t, body)
		assert.Contains(t, s.Compiled, strings.TrimRight(body, "\n"))
	}
	assert.Equal(t, AssemblePrompt(s), s.Compiled)
}

func TestCompile_LocksEveryOpening(t *testing.T) {
	tests := []struct {
		name    string
		windows int
		doors   int
	}{
		{"none", 0, 0},
		{"two windows one door", 2, 1},
		{"five windows three doors", 5, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := sampleAnalysis()
			a.Windows = nil
			a.Doors = nil
			for i := 0; i < tt.windows; i++ {
				a.Windows = append(a.Windows, Opening{Wall: CardinalWalls[i%4], Position: 10, Width: 10, Height: 40, Elevation: 30})
			}
			for i := 0; i < tt.doors; i++ {
				a.Doors = append(a.Doors, Opening{Wall: CardinalWalls[i%4], Position: 60, Width: 10, Height: 70})
			}
			g := mustNormalize(t, a)

			for _, edit := range []*EditRegion{nil, {X: 0, Y: 0, Width: 50, Height: 50}} {
				s := Compile(g, g.Anchors, nil, edit)
				locked := linesWithPrefix(s.RegionMask, LockedPrefix)
				assert.Equal(t, tt.windows, countContaining(locked, LockedPrefix+"window "))
				assert.Equal(t, tt.doors, countContaining(locked, LockedPrefix+"door "))
				for _, w := range g.Windows {
					assert.Equal(t, 1, countContaining(locked, w.ID))
				}
				for _, d := range g.Doors {
					assert.Equal(t, 1, countContaining(locked, d.ID))
				}
			}
		})
	}
}

func TestCompile_EditRegion(t *testing.T) {
	g := mustNormalize(t, sampleAnalysis())
	require.Len(t, g.Windows, 2)
	require.Len(t, g.Doors, 1)
	require.Len(t, g.Anchors, 3)

	anchors := CloneAnchors(g.Anchors)
	anchors[0].Occupied = true
	anchors[0].OccupiedBy = "sofa-1"
	anchors[1].Occupied = true
	anchors[1].OccupiedBy = "tv-1"

	edit := &EditRegion{X: 20, Y: 30, Width: 10, Height: 10}
	s := Compile(g, anchors, nil, edit)

	editable := linesWithPrefix(s.RegionMask, EditablePrefix)
	require.Len(t, editable, 1, "edit region must be the only editable region")
	assert.Equal(t, "- EDITABLE region x=20%, y=30%, w=10%, h=10%", editable[0])

	locked := linesWithPrefix(s.RegionMask, LockedPrefix)
	assert.Equal(t, 2, countContaining(locked, "window "))
	assert.Equal(t, 1, countContaining(locked, "door "))
	assert.Equal(t, 0, countContaining(locked, "region x=20%"))
	for _, a := range anchors {
		assert.Equal(t, 1, countContaining(locked, a.ID), "anchor %s must be locked", a.ID)
	}

	assert.Contains(t, s.RegionMask, "MODE: targeted edit")
	assert.Contains(t, s.RegionMask, "Inpainting strength: 0.85")
	assert.Contains(t, s.LockingDirective, "UNLOCKED: edit region x=20% y=30% w=10% h=10%")
}

func TestCompile_FullSceneMask(t *testing.T) {
	g := mustNormalize(t, sampleAnalysis())
	anchors := CloneAnchors(g.Anchors)
	anchors[2].Occupied = true
	anchors[2].OccupiedBy = "armchair"

	s := Compile(g, anchors, nil, nil)
	editable := linesWithPrefix(s.RegionMask, EditablePrefix)

	assert.Equal(t, 1, countContaining(editable, "anchor_sofa [available]"))
	assert.Equal(t, 1, countContaining(editable, "anchor_reading [occupied: armchair]"))
	assert.Equal(t, 1, countContaining(editable, "floor surface (texture only"))
	assert.Equal(t, 1, countContaining(editable, "wall surfaces (texture only"))
	assert.Contains(t, s.RegionMask, "MODE: full scene")
	assert.NotContains(t, s.RegionMask, "Inpainting strength")
}

func TestCompile_PlacementManifest(t *testing.T) {
	g := mustNormalize(t, sampleAnalysis())

	t.Run("placement implies occupancy", func(t *testing.T) {
		s := Compile(g, g.Anchors, []Placement{
			{AnchorID: "anchor_tv", ItemName: "oak stand", Category: "tv_stand"},
		}, nil)
		assert.Contains(t, s.FurniturePlacement, "- anchor_tv: oak stand (tv_stand) at center (75%, 87.5%), bounding box 30% x 15%, rotation 0")
		assert.Contains(t, s.LockingDirective, "furniture at [anchor_tv]")
	})

	t.Run("unknown anchors ignored", func(t *testing.T) {
		s := Compile(g, g.Anchors, []Placement{{AnchorID: "anchor_ghost", ItemName: "chair"}}, nil)
		assert.NotContains(t, s.Compiled, "anchor_ghost")
		assert.Contains(t, s.FurniturePlacement, "- (no occupied anchors)")
		assert.Contains(t, s.LockingDirective, "furniture at [none]")
	})

	t.Run("first placement wins", func(t *testing.T) {
		s := Compile(g, g.Anchors, []Placement{
			{AnchorID: "anchor_sofa", ItemName: "first"},
			{AnchorID: "anchor_sofa", ItemName: "second"},
		}, nil)
		assert.Contains(t, s.FurniturePlacement, "anchor_sofa: first ")
		assert.NotContains(t, s.FurniturePlacement, "second")
	})

	t.Run("item id fallback", func(t *testing.T) {
		s := Compile(g, g.Anchors, []Placement{{AnchorID: "anchor_sofa", ItemID: "sku-42"}}, nil)
		assert.Contains(t, s.FurniturePlacement, "anchor_sofa: sku-42 ")
	})

	t.Run("occupied without occupant", func(t *testing.T) {
		anchors := CloneAnchors(g.Anchors)
		anchors[0].Occupied = true
		s := Compile(g, anchors, nil, nil)
		assert.Contains(t, s.FurniturePlacement, "anchor_sofa: unspecified item ")
	})
}

func TestCompile_StructuralConstraints(t *testing.T) {
	g := mustNormalize(t, sampleAnalysis())
	s := Compile(g, g.Anchors, nil, nil)

	assert.Contains(t, s.StructuralConstraints, "Window count: exactly 2")
	assert.Contains(t, s.StructuralConstraints, "Door count: exactly 1")
	assert.Contains(t, s.StructuralConstraints, "Floor area: 80 square m")
	assert.Contains(t, s.StructuralConstraints, "Camera position: (8, 6.4, 7.68)")
	assert.Contains(t, s.StructuralConstraints, "Camera rotation: pitch -45, yaw 225, roll 0")
	assert.Contains(t, s.StructuralConstraints, "Aspect ratio: 16:9")
}

func TestCompile_DepthAndEdgeMaps(t *testing.T) {
	a := sampleAnalysis()
	a.Walls = a.Walls[:2] // north and south only
	g := mustNormalize(t, a)
	s := Compile(g, g.Anchors, nil, nil)

	assert.Contains(t, s.DepthMap, "- south wall: length 10 m, plane y=0")
	assert.Contains(t, s.DepthMap, "- north wall: length 10 m, plane y=8")
	assert.NotContains(t, s.DepthMap, "east wall: length")
	assert.Contains(t, s.DepthMap, "window_north_0 on north wall (far): recessed window, 20%-35% along wall, 30%-80% of wall height")
	assert.Contains(t, s.DepthMap, "door_south_0 on south wall (near): recessed doorway")

	assert.Contains(t, s.EdgeMap, "- floor-wall edge: north wall")
	assert.NotContains(t, s.EdgeMap, "vertical corner edge", "no corner without two adjacent walls")
	assert.Contains(t, s.EdgeMap, "- edge 4: (0, 8) -> (0, 0)")
	assert.Contains(t, s.EdgeMap, "- north wall: window window_north_1 x=60%..75% y=30%..80% (w=15%, h=50%)")
}

func TestInpaintingStrength(t *testing.T) {
	tests := []struct {
		region EditRegion
		want   float64
	}{
		{EditRegion{Width: 10, Height: 10}, 0.85},
		{EditRegion{Width: 50, Height: 50}, 0.55},
		{EditRegion{Width: 40, Height: 50}, 0.7},
		{EditRegion{Width: 100, Height: 100}, 0.55},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InpaintingStrength(tt.region), "%+v", tt.region)
	}
}

func TestValidateEditRegion(t *testing.T) {
	assert.NoError(t, ValidateEditRegion(EditRegion{X: 20, Y: 30, Width: 10, Height: 10}))
	assert.NoError(t, ValidateEditRegion(EditRegion{X: 0, Y: 0, Width: 100, Height: 100}))
	assert.ErrorIs(t, ValidateEditRegion(EditRegion{X: 95, Y: 0, Width: 10, Height: 10}), ErrValidation)
	assert.ErrorIs(t, ValidateEditRegion(EditRegion{X: 10, Y: 10, Width: 0, Height: 10}), ErrValidation)
	assert.ErrorIs(t, ValidateEditRegion(EditRegion{X: -1, Y: 10, Width: 5, Height: 10}), ErrValidation)
}

func TestCompile_OpeningsKeepInputPrecision(t *testing.T) {
	a := sampleAnalysis()
	a.Windows[0].Position = 33.333
	a.Windows[0].Width = 12.5
	a.Windows[0].Elevation = 27.125
	g := mustNormalize(t, a)
	edit := &EditRegion{X: 12.345, Y: 30, Width: 10, Height: 10}
	s := Compile(g, g.Anchors, nil, edit)

	assert.Contains(t, s.EdgeMap, "window window_north_0 x=33.333%..45.833% y=27.125%..77.125% (w=12.5%, h=50%)")
	assert.Contains(t, s.DepthMap, "recessed window, 33.333%-45.833% along wall, 27.125%-77.125% of wall height")
	assert.Contains(t, s.RegionMask, "x=12.345%")
	assert.Contains(t, s.StructuralConstraints, "Camera position: (8, 6.4, 7.68)", "derived values stay rounded")
}

func TestExact(t *testing.T) {
	assert.Equal(t, "33.333", exact(33.333))
	assert.Equal(t, "0.3", exact(0.1+0.2))
	assert.Equal(t, "45.833", exact(33.333+12.5))
	assert.Equal(t, "0", exact(-0.0000000001))
	assert.Equal(t, "100", exact(100))
}

func TestNum(t *testing.T) {
	assert.Equal(t, "7.68", num(7.6837))
	assert.Equal(t, "7.69", num(7.6851))
	assert.Equal(t, "0", num(-0.001))
	assert.Equal(t, "-45", num(-45))
	assert.Equal(t, "12.5", num(12.5))
}
