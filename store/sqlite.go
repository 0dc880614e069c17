package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kwv/roomcanon/room"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists records in a single SQLite table. Geometry, anchors
// and signals are stored as JSON text columns.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend opens (or creates) the database at path
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, persistErr("open", fmt.Errorf("creating directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, persistErr("open", fmt.Errorf("opening database: %w", err))
	}
	// one connection: keeps ":memory:" a single database and serializes writers
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db, path: path}
	if err := b.initialize(); err != nil {
		_ = db.Close()
		return nil, persistErr("open", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS geometry_records (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		cache_key TEXT NOT NULL,
		layout_reference TEXT NOT NULL,
		geometry TEXT NOT NULL,
		anchors TEXT NOT NULL,
		signals TEXT,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(owner_id, cache_key)
	);`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating geometry_records table: %w", err)
	}
	index := `CREATE INDEX IF NOT EXISTS idx_geometry_records_owner ON geometry_records(owner_id, created_at);`
	if _, err := b.db.Exec(index); err != nil {
		return fmt.Errorf("creating owner index: %w", err)
	}
	return nil
}

const selectColumns = `id, owner_id, cache_key, layout_reference, geometry, anchors, signals, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                     Record
		geometryJSON, anchorsJS string
		signalsJSON             sql.NullString
		created, updated        int64
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Key, &rec.LayoutReference,
		&geometryJSON, &anchorsJS, &signalsJSON, &rec.Version, &created, &updated)
	if err != nil {
		return nil, err
	}

	var g room.CanonicalGeometry
	if err := json.Unmarshal([]byte(geometryJSON), &g); err != nil {
		return nil, fmt.Errorf("decoding geometry of %s: %w", rec.ID, err)
	}
	rec.Geometry = &g
	if err := json.Unmarshal([]byte(anchorsJS), &rec.Anchors); err != nil {
		return nil, fmt.Errorf("decoding anchors of %s: %w", rec.ID, err)
	}
	if signalsJSON.Valid {
		var s room.ControlSignals
		if err := json.Unmarshal([]byte(signalsJSON.String), &s); err != nil {
			return nil, fmt.Errorf("decoding signals of %s: %w", rec.ID, err)
		}
		rec.Signals = &s
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return &rec, nil
}

func (b *SQLiteBackend) queryOne(ctx context.Context, where string, args ...interface{}) (*Record, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM geometry_records WHERE `+where, args...)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// LoadByKey implements Backend
func (b *SQLiteBackend) LoadByKey(ctx context.Context, ownerID, key string) (*Record, error) {
	rec, err := b.queryOne(ctx, `owner_id = ? AND cache_key = ?`, ownerID, key)
	return rec, persistErr("load", err)
}

// LoadByID implements Backend
func (b *SQLiteBackend) LoadByID(ctx context.Context, ownerID, id string) (*Record, error) {
	rec, err := b.queryOne(ctx, `owner_id = ? AND id = ?`, ownerID, id)
	return rec, persistErr("load", err)
}

// Put implements Backend
func (b *SQLiteBackend) Put(ctx context.Context, rec *Record, ifVersion int64) error {
	geometryJSON, err := json.Marshal(rec.Geometry)
	if err != nil {
		return persistErr("put", fmt.Errorf("encoding geometry: %w", err))
	}
	anchors := rec.Anchors
	if anchors == nil {
		anchors = []room.FurnitureAnchor{}
	}
	anchorsJSON, err := json.Marshal(anchors)
	if err != nil {
		return persistErr("put", fmt.Errorf("encoding anchors: %w", err))
	}
	var signals sql.NullString
	if rec.Signals != nil {
		data, err := json.Marshal(rec.Signals)
		if err != nil {
			return persistErr("put", fmt.Errorf("encoding signals: %w", err))
		}
		signals = sql.NullString{String: string(data), Valid: true}
	}

	if ifVersion != AnyVersion {
		res, err := b.db.ExecContext(ctx,
			`UPDATE geometry_records SET
			 id = ?, layout_reference = ?, geometry = ?, anchors = ?, signals = ?,
			 version = ?, created_at = ?, updated_at = ?
			 WHERE owner_id = ? AND cache_key = ? AND version = ?`,
			rec.ID, rec.LayoutReference, string(geometryJSON), string(anchorsJSON), signals,
			rec.Version, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
			rec.OwnerID, rec.Key, ifVersion,
		)
		if err != nil {
			return persistErr("put", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return persistErr("put", err)
		}
		if n == 0 {
			return ErrVersionConflict
		}
		return nil
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO geometry_records (`+selectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner_id, cache_key) DO UPDATE SET
		 id = excluded.id,
		 layout_reference = excluded.layout_reference,
		 geometry = excluded.geometry,
		 anchors = excluded.anchors,
		 signals = excluded.signals,
		 version = excluded.version,
		 created_at = excluded.created_at,
		 updated_at = excluded.updated_at`,
		rec.ID, rec.OwnerID, rec.Key, rec.LayoutReference, string(geometryJSON), string(anchorsJSON), signals,
		rec.Version, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	return persistErr("put", err)
}

// List implements Backend
func (b *SQLiteBackend) List(ctx context.Context, ownerID string) ([]*Record, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM geometry_records WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, persistErr("list", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, persistErr("list", err)
		}
		out = append(out, rec)
	}
	return out, persistErr("list", rows.Err())
}

// Close implements Backend
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
