package store

import (
	"time"

	"github.com/kwv/roomcanon/room"
)

// Record is one stored geometry. Its identity is (OwnerID, Key), where Key
// is the hash of LayoutReference. Geometry is never modified after the
// record is created; occupancy lives in Anchors and compiled output in
// Signals.
type Record struct {
	ID              string                  `json:"id"`
	OwnerID         string                  `json:"ownerId"`
	Key             string                  `json:"key"`
	LayoutReference string                  `json:"layoutReference"`
	Geometry        *room.CanonicalGeometry `json:"geometry"`
	Anchors         []room.FurnitureAnchor  `json:"anchors"`
	// Signals is a compile cache. It is never fed back into the canonicalizer.
	Signals   *room.ControlSignals `json:"signals,omitempty"`
	Version   int64                `json:"version"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// AnchorUpdate sets the occupancy of a single anchor
type AnchorUpdate struct {
	AnchorID   string `json:"anchorId"`
	Occupied   bool   `json:"occupied"`
	OccupiedBy string `json:"occupiedBy,omitempty"`
}

// Clone returns a deep copy so callers can never mutate backend state
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Geometry = cloneGeometry(r.Geometry)
	c.Anchors = room.CloneAnchors(r.Anchors)
	if r.Signals != nil {
		s := *r.Signals
		c.Signals = &s
	}
	return &c
}

func cloneGeometry(g *room.CanonicalGeometry) *room.CanonicalGeometry {
	if g == nil {
		return nil
	}
	c := *g
	c.Walls = make([]room.Wall, len(g.Walls))
	for i, w := range g.Walls {
		c.Walls[i] = w
		c.Walls[i].Features = append([]string(nil), w.Features...)
	}
	c.Windows = append([]room.Opening(nil), g.Windows...)
	c.Doors = append([]room.Opening(nil), g.Doors...)
	c.FurnitureZones = make([]room.FurnitureZone, len(g.FurnitureZones))
	for i, z := range g.FurnitureZones {
		c.FurnitureZones[i] = z
		c.FurnitureZones[i].SuggestedItems = append([]string(nil), z.SuggestedItems...)
	}
	c.WallNormals = make(map[room.WallPosition]room.WallNormal, len(g.WallNormals))
	for k, v := range g.WallNormals {
		c.WallNormals[k] = v
	}
	c.FloorPolygon = append(room.FloorPolygon(nil), g.FloorPolygon...)
	c.Anchors = room.CloneAnchors(g.Anchors)
	return &c
}

// applyAnchorUpdates overwrites occupancy fields of matching anchors and
// returns the ids that matched nothing
func applyAnchorUpdates(anchors []room.FurnitureAnchor, updates []AnchorUpdate) []string {
	index := make(map[string]int, len(anchors))
	for i, a := range anchors {
		index[a.ID] = i
	}
	var ignored []string
	for _, u := range updates {
		i, ok := index[u.AnchorID]
		if !ok {
			ignored = append(ignored, u.AnchorID)
			continue
		}
		anchors[i].Occupied = u.Occupied
		if u.Occupied {
			anchors[i].OccupiedBy = u.OccupiedBy
		} else {
			anchors[i].OccupiedBy = ""
		}
	}
	return ignored
}
