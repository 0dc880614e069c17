package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kwv/roomcanon/room"
)

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHashFunc selects the cache-key hash (default HashRolling)
func WithHashFunc(h HashFunc) Option {
	return func(s *Store) {
		if h != nil {
			s.hash = h
		}
	}
}

// WithCanonicalizer sets the canonicalizer used by Store (default: rectangular fallback)
func WithCanonicalizer(c *room.Canonicalizer) Option {
	return func(s *Store) {
		if c != nil {
			s.canon = c
		}
	}
}

// Store is the content-addressed geometry store. Every operation is one
// read-modify-write against one record; it holds no lock of its own, so
// concurrent unconditional writers to the same record are last-write-wins.
// Use UpdateAnchorOccupancyIf when that is not acceptable.
type Store struct {
	backend Backend
	canon   *room.Canonicalizer
	hash    HashFunc
	log     *zap.Logger
	now     func() time.Time
	newID   func() string
}

// New creates a Store on top of backend
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		canon:   room.NewCanonicalizer(room.FallbackRectangular),
		hash:    HashRolling,
		log:     zap.NewNop(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hash returns the cache key for a layout reference
func (s *Store) Hash(layoutReference string) string {
	return s.hash(layoutReference)
}

func requireOwner(ownerID string) error {
	switch strings.TrimSpace(ownerID) {
	case "":
		return &room.ValidationError{Field: "ownerId", Reason: "must not be empty"}
	case ".", "..":
		return &room.ValidationError{Field: "ownerId", Reason: fmt.Sprintf("%q is reserved", ownerID)}
	}
	return nil
}

// Get looks a record up by id first, then by the hash of a layout reference.
// A miss returns (nil, false, nil).
func (s *Store) Get(ctx context.Context, ownerID, idOrReference string) (*Record, bool, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, false, err
	}

	rec, err := s.backend.LoadByID(ctx, ownerID, idOrReference)
	if err != nil {
		return nil, false, fmt.Errorf("get geometry: %w", err)
	}
	if rec == nil {
		rec, err = s.backend.LoadByKey(ctx, ownerID, s.hash(idOrReference))
		if err != nil {
			return nil, false, fmt.Errorf("get geometry: %w", err)
		}
	}
	if rec == nil {
		s.log.Debug("geometry cache miss", zap.String("owner", ownerID), zap.String("ref", idOrReference))
		return nil, false, nil
	}
	return rec, true, nil
}

// Store canonicalizes analysis and upserts it under (hash(layoutReference),
// ownerID). An existing record keeps its id and creation time but is
// otherwise replaced in full: anchors start unoccupied again and any cached
// control signals are dropped. Storing identical inputs twice leaves one
// record with identical structural fields.
func (s *Store) Store(ctx context.Context, ownerID, layoutReference string, analysis *room.GeometryAnalysis) (*Record, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}

	g, err := s.canon.Normalize(analysis)
	if err != nil {
		return nil, err
	}
	if outside := room.AnchorsOutsideFloor(g); len(outside) > 0 {
		s.log.Warn("anchors outside floor polygon",
			zap.String("owner", ownerID),
			zap.String("shape", string(g.RoomShape)),
			zap.Strings("anchors", outside))
	}

	key := s.hash(layoutReference)
	existing, err := s.backend.LoadByKey(ctx, ownerID, key)
	if err != nil {
		return nil, fmt.Errorf("store geometry: %w", err)
	}

	now := s.now().UTC()
	rec := &Record{
		ID:              s.newID(),
		OwnerID:         ownerID,
		Key:             key,
		LayoutReference: layoutReference,
		Geometry:        g,
		Anchors:         room.CloneAnchors(g.Anchors),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if existing != nil {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		rec.Version = existing.Version + 1
	}

	if err := s.backend.Put(ctx, rec, AnyVersion); err != nil {
		return nil, fmt.Errorf("store geometry: %w", err)
	}

	s.log.Info("geometry stored",
		zap.String("owner", ownerID),
		zap.String("id", rec.ID),
		zap.String("key", key),
		zap.Int64("version", rec.Version),
		zap.Bool("replaced", existing != nil))
	return rec.Clone(), nil
}

// loadForUpdate fetches a record by id for a mutating operation
func (s *Store) loadForUpdate(ctx context.Context, op, ownerID, recordID string) (*Record, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	rec, err := s.backend.LoadByID(ctx, ownerID, recordID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%s %s: %w", op, recordID, ErrNotFound)
	}
	return rec, nil
}

// UpdateAnchorOccupancy overwrites occupied/occupiedBy of the addressed
// anchors and leaves every other anchor field alone. Unknown anchor ids are
// skipped and returned so callers can spot stale client state.
func (s *Store) UpdateAnchorOccupancy(ctx context.Context, ownerID, recordID string, updates []AnchorUpdate) (*Record, []string, error) {
	return s.updateAnchors(ctx, ownerID, recordID, AnyVersion, updates)
}

// UpdateAnchorOccupancyIf is UpdateAnchorOccupancy guarded by a version
// check. It returns ErrVersionConflict if the record is no longer at
// expectedVersion.
func (s *Store) UpdateAnchorOccupancyIf(ctx context.Context, ownerID, recordID string, expectedVersion int64, updates []AnchorUpdate) (*Record, []string, error) {
	if expectedVersion < 0 {
		return nil, nil, &room.ValidationError{Field: "version", Reason: "must not be negative"}
	}
	return s.updateAnchors(ctx, ownerID, recordID, expectedVersion, updates)
}

func (s *Store) updateAnchors(ctx context.Context, ownerID, recordID string, ifVersion int64, updates []AnchorUpdate) (*Record, []string, error) {
	const op = "update anchor occupancy"
	rec, err := s.loadForUpdate(ctx, op, ownerID, recordID)
	if err != nil {
		return nil, nil, err
	}
	if ifVersion != AnyVersion && rec.Version != ifVersion {
		return nil, nil, fmt.Errorf("%s %s: at version %d, expected %d: %w", op, recordID, rec.Version, ifVersion, ErrVersionConflict)
	}

	ignored := applyAnchorUpdates(rec.Anchors, updates)
	prev := rec.Version
	rec.Version++
	rec.UpdatedAt = s.now().UTC()

	put := AnyVersion
	if ifVersion != AnyVersion {
		put = prev
	}
	if err := s.backend.Put(ctx, rec, put); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, nil, fmt.Errorf("%s %s: %w", op, recordID, err)
		}
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	if len(ignored) > 0 {
		s.log.Warn("ignored updates for unknown anchors",
			zap.String("owner", ownerID),
			zap.String("id", recordID),
			zap.Strings("anchors", ignored))
	}
	s.log.Debug("anchor occupancy updated",
		zap.String("id", recordID),
		zap.Int("updates", len(updates)),
		zap.Int64("version", rec.Version))
	return rec.Clone(), ignored, nil
}

// AttachControlSignals caches compiled output on the record
func (s *Store) AttachControlSignals(ctx context.Context, ownerID, recordID string, signals room.ControlSignals) (*Record, error) {
	const op = "attach control signals"
	rec, err := s.loadForUpdate(ctx, op, ownerID, recordID)
	if err != nil {
		return nil, err
	}

	rec.Signals = &signals
	rec.Version++
	rec.UpdatedAt = s.now().UTC()
	if err := s.backend.Put(ctx, rec, AnyVersion); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Debug("control signals attached",
		zap.String("id", recordID),
		zap.Int("bytes", len(signals.Compiled)))
	return rec.Clone(), nil
}

// List returns all records of an owner, newest first
func (s *Store) List(ctx context.Context, ownerID string) ([]*Record, error) {
	if err := requireOwner(ownerID); err != nil {
		return nil, err
	}
	recs, err := s.backend.List(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list geometries: %w", err)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}
