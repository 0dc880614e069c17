package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/roomcanon/room"
)

func testRecord(t *testing.T, owner, key, id string) *Record {
	t.Helper()
	g, err := room.Normalize(sampleAnalysis())
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Record{
		ID:              id,
		OwnerID:         owner,
		Key:             key,
		LayoutReference: "ref-" + key,
		Geometry:        g,
		Anchors:         room.CloneAnchors(g.Anchors),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ---------------------------------------------------------------------------
// Backend contract
// ---------------------------------------------------------------------------

func TestBackend_ConditionalPut(t *testing.T) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := mk(t)
			defer b.Close()

			rec := testRecord(t, "o", "k", "id-1")
			assert.ErrorIs(t, b.Put(ctx, rec, 1), ErrVersionConflict, "conditional put needs an existing record")
			require.NoError(t, b.Put(ctx, rec, AnyVersion))

			rec.Version = 2
			require.NoError(t, b.Put(ctx, rec, 1))
			rec.Version = 3
			assert.ErrorIs(t, b.Put(ctx, rec, 1), ErrVersionConflict)

			got, err := b.LoadByKey(ctx, "o", "k")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, int64(2), got.Version)
		})
	}
}

func TestBackend_UpsertReplacesID(t *testing.T) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := mk(t)
			defer b.Close()

			require.NoError(t, b.Put(ctx, testRecord(t, "o", "k", "id-1"), AnyVersion))
			require.NoError(t, b.Put(ctx, testRecord(t, "o", "k", "id-2"), AnyVersion))

			old, err := b.LoadByID(ctx, "o", "id-1")
			require.NoError(t, err)
			assert.Nil(t, old)

			cur, err := b.LoadByID(ctx, "o", "id-2")
			require.NoError(t, err)
			require.NotNil(t, cur)

			all, err := b.List(ctx, "o")
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestBackend_MissReturnsNil(t *testing.T) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := mk(t)
			defer b.Close()

			rec, err := b.LoadByKey(ctx, "o", "nope")
			assert.NoError(t, err)
			assert.Nil(t, rec)
			rec, err = b.LoadByID(ctx, "o", "nope")
			assert.NoError(t, err)
			assert.Nil(t, rec)
			recs, err := b.List(ctx, "nobody")
			assert.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

// ---------------------------------------------------------------------------
// MemoryBackend
// ---------------------------------------------------------------------------

func TestMemoryBackend_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryBackend(WithTTL(time.Minute))
	m.now = func() time.Time { return now }

	require.NoError(t, m.Put(ctx, testRecord(t, "o", "k", "id-1"), AnyVersion))

	now = now.Add(59 * time.Second)
	rec, err := m.LoadByKey(ctx, "o", "k")
	require.NoError(t, err)
	assert.NotNil(t, rec)

	now = now.Add(2 * time.Second)
	rec, err = m.LoadByID(ctx, "o", "id-1")
	require.NoError(t, err)
	assert.Nil(t, rec, "expired record must be gone")
	assert.Equal(t, 0, m.Len())

	assert.ErrorIs(t, m.Put(ctx, testRecord(t, "o", "k", "id-1"), 1), ErrVersionConflict)
}

func TestMemoryBackend_TTLSweptByList(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryBackend(WithTTL(time.Minute))
	m.now = func() time.Time { return now }

	require.NoError(t, m.Put(ctx, testRecord(t, "o", "a", "id-a"), AnyVersion))
	now = now.Add(45 * time.Second)
	require.NoError(t, m.Put(ctx, testRecord(t, "o", "b", "id-b"), AnyVersion))
	now = now.Add(30 * time.Second)

	recs, err := m.List(ctx, "o")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "id-b", recs[0].ID)
	assert.Equal(t, 1, m.Len())
}

func TestMemoryBackend_LRUEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(WithMaxEntries(2))

	require.NoError(t, m.Put(ctx, testRecord(t, "o", "a", "id-a"), AnyVersion))
	require.NoError(t, m.Put(ctx, testRecord(t, "o", "b", "id-b"), AnyVersion))

	// touch a so b becomes least recently used
	rec, err := m.LoadByKey(ctx, "o", "a")
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.NoError(t, m.Put(ctx, testRecord(t, "o", "c", "id-c"), AnyVersion))
	assert.Equal(t, 2, m.Len())

	rec, _ = m.LoadByID(ctx, "o", "id-b")
	assert.Nil(t, rec, "b should have been evicted")
	rec, _ = m.LoadByID(ctx, "o", "id-a")
	assert.NotNil(t, rec)
	rec, _ = m.LoadByID(ctx, "o", "id-c")
	assert.NotNil(t, rec)
}

// ---------------------------------------------------------------------------
// FileBackend
// ---------------------------------------------------------------------------

func TestFileBackend_Layout(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	require.NoError(t, b.Put(context.Background(), testRecord(t, "team/7", "abc", "id-1"), AnyVersion))

	_, err = os.Stat(filepath.Join(dir, "team%2F7", "abc.json"))
	assert.NoError(t, err, "owner ids are path-escaped")

	leftovers, err := filepath.Glob(filepath.Join(dir, "team%2F7", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFileBackend_DotOwnersStayInsideDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "store")
	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "other.json"), []byte("{not json"), 0644))

	for _, owner := range []string{"..", ".", "..."} {
		require.NoError(t, b.Put(ctx, testRecord(t, owner, "abc", "id-"+owner), AnyVersion), owner)

		got, err := b.LoadByKey(ctx, owner, "abc")
		require.NoError(t, err, owner)
		require.NotNil(t, got, owner)
		assert.Equal(t, owner, got.OwnerID)

		recs, err := b.List(ctx, owner)
		require.NoError(t, err, owner)
		assert.Len(t, recs, 1, owner)
	}

	_, err = os.Stat(filepath.Join(root, "abc.json"))
	assert.True(t, os.IsNotExist(err), "record escaped the store directory")
	_, err = os.Stat(filepath.Join(dir, "abc.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "%2E%2E", "abc.json"))
	assert.NoError(t, err)

	recs, err := b.List(ctx, "o")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFileSegment(t *testing.T) {
	tests := []struct{ in, want string }{
		{"owner-1", "owner-1"},
		{"team/7", "team%2F7"},
		{".", "%2E"},
		{"..", "%2E%2E"},
		{"a.b", "a.b"},
		{"", "%"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fileSegment(tt.in), tt.in)
	}
}

func TestFileBackend_CorruptRecord(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "o"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "o", "k.json"), []byte("{not json"), 0644))

	_, err = b.LoadByKey(context.Background(), "o", "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)

	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "load", pe.Op)

	// surfaces through the Store wrapped, not swallowed
	s := New(b)
	_, _, err = s.Get(context.Background(), "o", "anything")
	assert.ErrorIs(t, err, ErrPersistence)
}

// ---------------------------------------------------------------------------
// SQLiteBackend
// ---------------------------------------------------------------------------

func TestSQLiteBackend_InMemory(t *testing.T) {
	b, err := NewSQLiteBackend(":memory:")
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	rec := testRecord(t, "o", "k", "id-1")
	rec.Signals = &room.ControlSignals{DepthMap: "d", Compiled: "all"}
	require.NoError(t, b.Put(ctx, rec, AnyVersion))

	got, err := b.LoadByID(ctx, "o", "id-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "all", got.Signals.Compiled)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, rec.Geometry.Windows[1].ID, got.Geometry.Windows[1].ID)
}

func TestSQLiteBackend_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "geometry.db")
	b, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	require.NoError(t, b.Put(context.Background(), testRecord(t, "o", "k", "id-1"), AnyVersion))
	require.NoError(t, b.Close())

	b, err = NewSQLiteBackend(path)
	require.NoError(t, err)
	defer b.Close()
	got, err := b.LoadByKey(context.Background(), "o", "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "id-1", got.ID)
}

func TestPersistenceError(t *testing.T) {
	cause := errors.New("disk full")
	err := persistErr("put", cause)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "put: disk full")
	assert.NoError(t, persistErr("put", nil))
}
