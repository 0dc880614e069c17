package main

import (
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/roomcanon/notify"
	"github.com/kwv/roomcanon/room"
	"github.com/kwv/roomcanon/store"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type testServer struct {
	t    *testing.T
	app  *App
	http *fiber.App
}

func newTestServer(t *testing.T, mock *notify.MockClient) *testServer {
	app := newTestApp(t, mock)
	return &testServer{t: t, app: app, http: newHTTPServer(app)}
}

// do sends a request as owner (no header when owner is empty) and returns
// status and body
func (s *testServer) do(method, path, owner string, body interface{}) (int, []byte, http.Header) {
	s.t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	case []byte:
		r = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(s.t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	resp, err := s.http.Test(req)
	require.NoError(s.t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	return resp.StatusCode, data, resp.Header
}

func (s *testServer) storeRecord(owner string) *store.Record {
	s.t.Helper()
	status, body, _ := s.do(http.MethodPost, "/geometries", owner, storeRequest{
		LayoutReference: "floorplans/living.png",
		Analysis:        testAnalysis(),
	})
	require.Equal(s.t, http.StatusCreated, status, string(body))
	var rec store.Record
	require.NoError(s.t, json.Unmarshal(body, &rec))
	return &rec
}

func decodeError(t *testing.T, body []byte) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e), string(body))
	return e
}

// ---------------------------------------------------------------------------
// health and auth
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	status, body, _ := s.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)

	var h map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "ok", h["status"])
	assert.Equal(t, "memory", h["backend"])
	assert.Equal(t, false, h["mqtt"])
}

func TestOwnerHeaderRequired(t *testing.T) {
	s := newTestServer(t, nil)
	for _, path := range []string{"/geometries/abc", "/owners/o/geometries"} {
		status, body, _ := s.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, status, path)
		assert.Contains(t, decodeError(t, body).Error, OwnerHeader)
	}
}

func TestReservedOwnerRejected(t *testing.T) {
	s := newTestServer(t, nil)
	for _, owner := range []string{"..", "."} {
		status, body, _ := s.do(http.MethodPost, "/geometries", owner, storeRequest{
			LayoutReference: "floorplans/living.png",
			Analysis:        testAnalysis(),
		})
		assert.Equal(t, http.StatusBadRequest, status, owner)
		assert.Equal(t, "ownerId", decodeError(t, body).Field, owner)
	}
}

// ---------------------------------------------------------------------------
// store and get
// ---------------------------------------------------------------------------

func TestStoreAndGet(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.storeRecord("owner-1")

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "window_north_0", rec.Geometry.Windows[0].ID)
	assert.Equal(t, "door_south_0", rec.Geometry.Doors[0].ID)
	assert.Equal(t, s.app.Store.Hash("floorplans/living.png"), rec.Key)

	// by id
	status, body, _ := s.do(http.MethodGet, "/geometries/"+rec.ID, "owner-1", nil)
	require.Equal(t, http.StatusOK, status)
	var got store.Record
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, rec.ID, got.ID)

	// by escaped layout reference
	status, body, _ = s.do(http.MethodGet, "/geometries/floorplans%2Fliving.png", "owner-1", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, rec.ID, got.ID)

	// other owners never see it
	status, _, _ = s.do(http.MethodGet, "/geometries/"+rec.ID, "owner-2", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStoreAgainReplaces(t *testing.T) {
	s := newTestServer(t, nil)
	first := s.storeRecord("owner-1")

	status, body, _ := s.do(http.MethodPost, "/geometries", "owner-1", storeRequest{
		LayoutReference: "floorplans/living.png",
		Analysis:        testAnalysis(),
	})
	require.Equal(t, http.StatusOK, status)
	var second store.Record
	require.NoError(t, json.Unmarshal(body, &second))
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2), second.Version)
}

func TestStoreValidation(t *testing.T) {
	s := newTestServer(t, nil)

	bad := testAnalysis()
	bad.Windows[0].Position = 140
	tests := []struct {
		name   string
		body   interface{}
		status int
		field  string
	}{
		{"empty body", nil, http.StatusBadRequest, ""},
		{"malformed JSON", "{", http.StatusBadRequest, ""},
		{"missing reference", storeRequest{Analysis: testAnalysis()}, http.StatusBadRequest, "layoutReference"},
		{"missing analysis without analyzer", storeRequest{LayoutReference: "r"}, http.StatusBadRequest, "analysis"},
		{"out of range window", storeRequest{LayoutReference: "r", Analysis: bad}, http.StatusBadRequest, "windows[0].position"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body, _ := s.do(http.MethodPost, "/geometries", "owner-1", tt.body)
			assert.Equal(t, tt.status, status, string(body))
			assert.Equal(t, tt.field, decodeError(t, body).Field)
		})
	}
}

func TestStoreViaAnalyzer(t *testing.T) {
	analysis := testAnalysisJSON(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(analysis)
	}))
	defer srv.Close()

	s := newTestServer(t, nil)
	s.app.Config.Analyzer.URL = srv.URL

	status, body, _ := s.do(http.MethodPost, "/geometries", "owner-1", storeRequest{LayoutReference: "plans/a.png"})
	require.Equal(t, http.StatusCreated, status, string(body))
	var rec store.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "plans/a.png", rec.LayoutReference)
	assert.Len(t, rec.Anchors, 2)
}

func TestList(t *testing.T) {
	s := newTestServer(t, nil)
	s.storeRecord("owner-1")

	status, body, _ := s.do(http.MethodGet, "/owners/owner-1/geometries", "owner-1", nil)
	require.Equal(t, http.StatusOK, status)
	var recs []store.Record
	require.NoError(t, json.Unmarshal(body, &recs))
	assert.Len(t, recs, 1)

	status, body, _ = s.do(http.MethodGet, "/owners/owner-2/geometries", "owner-2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, "[]", string(body))

	status, _, _ = s.do(http.MethodGet, "/owners/owner-1/geometries", "owner-2", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

// ---------------------------------------------------------------------------
// anchors
// ---------------------------------------------------------------------------

func TestPatchAnchors(t *testing.T) {
	mock := notify.NewMockClient()
	mock.SetConnected(true)
	s := newTestServer(t, mock)
	rec := s.storeRecord("owner-1")

	status, body, _ := s.do(http.MethodPatch, "/geometries/"+rec.ID+"/anchors", "owner-1", anchorsRequest{
		Updates: []store.AnchorUpdate{
			{AnchorID: "anchor_sofa", Occupied: true, OccupiedBy: "sofa-1"},
			{AnchorID: "anchor_bed", Occupied: true},
		},
	})
	require.Equal(t, http.StatusOK, status, string(body))

	var resp anchorsResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, []string{"anchor_bed"}, resp.Ignored)
	assert.Equal(t, int64(2), resp.Record.Version)
	assert.True(t, resp.Record.Anchors[0].Occupied)
	assert.False(t, resp.Record.Geometry.Anchors[0].Occupied, "canonical anchors stay unoccupied")

	msgs := mock.GetPublishedMessages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasSuffix(msgs[0].Topic, "/anchors"))
}

func TestPatchAnchorsConditional(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.storeRecord("owner-1")
	path := "/geometries/" + rec.ID + "/anchors"

	stale := int64(7)
	status, body, _ := s.do(http.MethodPatch, path, "owner-1", anchorsRequest{
		Updates:         []store.AnchorUpdate{{AnchorID: "anchor_tv", Occupied: true}},
		ExpectedVersion: &stale,
	})
	assert.Equal(t, http.StatusConflict, status, string(body))

	current := rec.Version
	status, body, _ = s.do(http.MethodPatch, path, "owner-1", anchorsRequest{
		Updates:         []store.AnchorUpdate{{AnchorID: "anchor_tv", Occupied: true}},
		ExpectedVersion: &current,
	})
	assert.Equal(t, http.StatusOK, status, string(body))

	negative := int64(-3)
	status, _, _ = s.do(http.MethodPatch, path, "owner-1", anchorsRequest{ExpectedVersion: &negative})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPatchAnchorsNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	status, _, _ := s.do(http.MethodPatch, "/geometries/nope/anchors", "owner-1",
		anchorsRequest{Updates: []store.AnchorUpdate{{AnchorID: "a"}}})
	assert.Equal(t, http.StatusNotFound, status)
}

// ---------------------------------------------------------------------------
// compile and signals
// ---------------------------------------------------------------------------

func TestCompileAndSignals(t *testing.T) {
	mock := notify.NewMockClient()
	mock.SetConnected(true)
	s := newTestServer(t, mock)
	rec := s.storeRecord("owner-1")

	status, _, _ := s.do(http.MethodGet, "/geometries/"+rec.ID+"/signals", "owner-1", nil)
	assert.Equal(t, http.StatusNotFound, status, "nothing compiled yet")

	status, body, _ := s.do(http.MethodPost, "/geometries/"+rec.ID+"/compile", "owner-1", compileRequest{
		EditRegion: &room.EditRegion{X: 20, Y: 30, Width: 10, Height: 10},
	})
	require.Equal(t, http.StatusOK, status, string(body))
	var compiled signalsResponse
	require.NoError(t, json.Unmarshal(body, &compiled))
	assert.Equal(t, rec.ID, compiled.RecordID)
	assert.Equal(t, int64(2), compiled.Version)
	assert.Contains(t, compiled.Signals.RegionMask, "Inpainting strength: 0.85")

	status, body, _ = s.do(http.MethodGet, "/geometries/"+rec.ID+"/signals", "owner-1", nil)
	require.Equal(t, http.StatusOK, status)
	var cached signalsResponse
	require.NoError(t, json.Unmarshal(body, &cached))
	assert.Equal(t, compiled.Signals, cached.Signals)

	status, body, hdr := s.do(http.MethodGet, "/geometries/"+rec.ID+"/signals?format=text", "owner-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(hdr.Get("Content-Type"), "text/plain"))
	assert.Equal(t, compiled.Signals.Compiled, string(body))

	assert.Len(t, mock.GetPublishedMessages(), 1)
}

func TestCompileWithoutBody(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.storeRecord("owner-1")

	status, body, _ := s.do(http.MethodPost, "/geometries/"+rec.ID+"/compile", "owner-1", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var compiled signalsResponse
	require.NoError(t, json.Unmarshal(body, &compiled))
	assert.Contains(t, compiled.Signals.FurniturePlacement, "(no occupied anchors)")
}

func TestCompileBadEditRegion(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.storeRecord("owner-1")

	status, body, _ := s.do(http.MethodPost, "/geometries/"+rec.ID+"/compile", "owner-1", compileRequest{
		EditRegion: &room.EditRegion{X: 95, Y: 0, Width: 10, Height: 10},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "editRegion", decodeError(t, body).Field)
}

// ---------------------------------------------------------------------------
// exports
// ---------------------------------------------------------------------------

func TestGeoJSON(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.storeRecord("owner-1")

	status, body, hdr := s.do(http.MethodGet, "/geometries/"+rec.ID+"/geojson", "owner-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/geo+json", hdr.Get("Content-Type"))

	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	require.NoError(t, json.Unmarshal(body, &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.NotEmpty(t, fc.Features)
}

func TestMaskEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.storeRecord("owner-1")
	base := "/geometries/" + rec.ID

	status, body, hdr := s.do(http.MethodGet, base+"/mask.svg", "owner-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "image/svg+xml", hdr.Get("Content-Type"))
	assert.Contains(t, string(body), "<svg")

	status, body, hdr = s.do(http.MethodGet, base+"/mask.png?edit=10,10,20,20", "owner-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "image/png", hdr.Get("Content-Type"))
	_, err := png.Decode(bytes.NewReader(body))
	assert.NoError(t, err)

	status, body, _ = s.do(http.MethodGet, base+"/inpaint.png?width=160", "owner-1", nil)
	require.Equal(t, http.StatusOK, status)
	img, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 160, img.Bounds().Dx())
	assert.Equal(t, 90, img.Bounds().Dy())

	status, _, _ = s.do(http.MethodGet, base+"/inpaint.png?width=abc", "owner-1", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body, _ = s.do(http.MethodGet, base+"/mask.svg?edit=1,2,3", "owner-1", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "editRegion", decodeError(t, body).Field)
}

// ---------------------------------------------------------------------------
// error mapping
// ---------------------------------------------------------------------------

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&room.ValidationError{Field: "x"}, http.StatusBadRequest},
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrVersionConflict, http.StatusConflict},
		{&store.PersistenceError{Op: "put", Err: io.ErrUnexpectedEOF}, http.StatusInternalServerError},
		{fiber.NewError(http.StatusTeapot, "tea"), http.StatusTeapot},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}
