package room

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// ParseAnalysisFile reads and parses an analyzer JSON file
func ParseAnalysisFile(path string) (*GeometryAnalysis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return ParseAnalysisJSON(data)
}

// ParseAnalysisJSON decodes analyzer JSON. It only checks the document shape;
// value ranges are enforced later by Normalize.
func ParseAnalysisJSON(data []byte) (*GeometryAnalysis, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("parsing JSON: empty document")
	}
	var a GeometryAnalysis
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return &a, nil
}

// ParsePlacementsJSON decodes a placement manifest (a JSON array of placements)
func ParsePlacementsJSON(data []byte) ([]Placement, error) {
	var p []Placement
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing placements: %w", err)
	}
	return p, nil
}

// ParsePlacementsFile reads a placement manifest from disk
func ParsePlacementsFile(path string) ([]Placement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading placements file: %w", err)
	}
	return ParsePlacementsJSON(data)
}

// Summary is a short human-readable digest of a canonical geometry
type Summary struct {
	Shape         Shape
	Dimensions    Dimensions
	WallCount     int
	WindowCount   int
	DoorCount     int
	AnchorCount   int
	OccupiedCount int
	FloorArea     float64
}

// Summarize extracts counts and floor area from a canonical geometry
func Summarize(g *CanonicalGeometry) Summary {
	s := Summary{
		Shape:       g.RoomShape,
		Dimensions:  g.Dimensions,
		WallCount:   len(g.Walls),
		WindowCount: len(g.Windows),
		DoorCount:   len(g.Doors),
		AnchorCount: len(g.Anchors),
		FloorArea:   g.FloorPolygon.Area(),
	}
	for _, a := range g.Anchors {
		if a.Occupied {
			s.OccupiedCount++
		}
	}
	return s
}
