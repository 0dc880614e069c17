package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/tdewolff/canvas"
	"go.uber.org/zap"

	"github.com/kwv/roomcanon/room"
	"github.com/kwv/roomcanon/store"
)

// OwnerHeader carries the caller's owner id on every geometry request
const OwnerHeader = "X-Owner-ID"

const ownerKey = "ownerID"

// errorResponse is the JSON body of every failed request
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// storeRequest is the body of POST /geometries. Without an analysis the
// configured analyzer is asked for one.
type storeRequest struct {
	LayoutReference string                 `json:"layoutReference"`
	Analysis        *room.GeometryAnalysis `json:"analysis,omitempty"`
}

// anchorsRequest is the body of PATCH /geometries/:id/anchors
type anchorsRequest struct {
	Updates         []store.AnchorUpdate `json:"updates"`
	ExpectedVersion *int64               `json:"expectedVersion,omitempty"`
}

type anchorsResponse struct {
	Record  *store.Record `json:"record"`
	Ignored []string      `json:"ignored"`
}

// compileRequest is the body of POST /geometries/:id/compile
type compileRequest struct {
	Placements []room.Placement `json:"placements,omitempty"`
	EditRegion *room.EditRegion `json:"editRegion,omitempty"`
}

type signalsResponse struct {
	RecordID string              `json:"recordId"`
	Version  int64               `json:"version"`
	Signals  room.ControlSignals `json:"signals"`
}

// newHTTPServer creates the fiber app with all endpoints
func newHTTPServer(a *App) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "roomcanon",
		ErrorHandler: errorHandler(a.Log),
		BodyLimit:    4 << 20,
	})

	app.Use(recover.New())
	app.Use(requestLogger(a.Log.Named("http")))

	app.Get("/health", a.handleHealth)

	geometries := app.Group("/geometries", requireOwner)
	geometries.Post("/", a.handleStore)
	geometries.Get("/:ref", a.handleGet)
	geometries.Patch("/:id/anchors", a.handleAnchors)
	geometries.Post("/:id/compile", a.handleCompile)
	geometries.Get("/:id/signals", a.handleSignals)
	geometries.Get("/:id/geojson", a.handleGeoJSON)
	geometries.Get("/:id/mask.svg", a.handleMaskSVG)
	geometries.Get("/:id/mask.png", a.handleMaskPNG)
	geometries.Get("/:id/inpaint.png", a.handleInpaintMask)

	app.Get("/owners/:owner/geometries", requireOwner, a.handleList)

	return app
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, room.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}

func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := statusFor(err)
		resp := errorResponse{Error: err.Error()}

		var ve *room.ValidationError
		if errors.As(err, &ve) {
			resp.Field = ve.Field
		}
		if status >= fiber.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Error(err))
			if errors.Is(err, store.ErrPersistence) {
				resp.Error = "geometry store unavailable"
			}
		}
		return c.Status(status).JSON(resp)
	}
}

// requestLogger logs one line per request at debug level
func requestLogger(log *zap.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.Debug("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)))
		return err
	}
}

func requireOwner(c fiber.Ctx) error {
	owner := strings.TrimSpace(c.Get(OwnerHeader))
	if owner == "" {
		return fiber.NewError(fiber.StatusUnauthorized, OwnerHeader+" header required")
	}
	c.Locals(ownerKey, owner)
	return c.Next()
}

func ownerOf(c fiber.Ctx) string {
	owner, _ := c.Locals(ownerKey).(string)
	return owner
}

// param returns a path parameter with percent escapes decoded, so layout
// references containing slashes can be addressed as %2F
func param(c fiber.Ctx, name string) (string, error) {
	v, err := url.PathUnescape(c.Params(name))
	if err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("malformed %s: %v", name, err))
	}
	return v, nil
}

func decodeBody(c fiber.Ctx, v interface{}) error {
	body := c.Body()
	if len(bytes.TrimSpace(body)) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "body required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON payload: "+err.Error())
	}
	return nil
}

// loadRecord resolves :id (or a layout reference) for the calling owner
func (a *App) loadRecord(c fiber.Ctx, name string) (*store.Record, error) {
	ref, err := param(c, name)
	if err != nil {
		return nil, err
	}
	rec, found, err := a.Store.Get(c.Context(), ownerOf(c), ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("geometry %q: %w", ref, store.ErrNotFound)
	}
	return rec, nil
}

func (a *App) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now(),
		"backend":   a.Config.Store.Backend,
		"mqtt":      a.MQTT != nil && a.MQTT.IsConnected(),
	})
}

func (a *App) handleStore(c fiber.Ctx) error {
	var req storeRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.LayoutReference) == "" {
		return &room.ValidationError{Field: "layoutReference", Reason: "must not be empty"}
	}

	var (
		rec *store.Record
		err error
	)
	if req.Analysis == nil {
		if a.Config.Analyzer.URL == "" {
			return &room.ValidationError{Field: "analysis", Reason: "missing and no analyzer is configured"}
		}
		rec, err = a.Ingest(c.Context(), ownerOf(c), req.LayoutReference)
	} else {
		rec, err = a.Store.Store(c.Context(), ownerOf(c), req.LayoutReference, req.Analysis)
	}
	if err != nil {
		return err
	}

	status := fiber.StatusCreated
	if rec.Version > 1 {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(rec)
}

func (a *App) handleGet(c fiber.Ctx) error {
	rec, err := a.loadRecord(c, "ref")
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

func (a *App) handleList(c fiber.Ctx) error {
	owner, err := param(c, "owner")
	if err != nil {
		return err
	}
	if owner != ownerOf(c) {
		return fiber.NewError(fiber.StatusForbidden, "cannot list another owner's geometries")
	}
	recs, err := a.Store.List(c.Context(), owner)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []*store.Record{}
	}
	return c.JSON(recs)
}

func (a *App) handleAnchors(c fiber.Ctx) error {
	id, err := param(c, "id")
	if err != nil {
		return err
	}
	var req anchorsRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}

	var (
		rec     *store.Record
		ignored []string
	)
	if req.ExpectedVersion != nil {
		rec, ignored, err = a.Store.UpdateAnchorOccupancyIf(c.Context(), ownerOf(c), id, *req.ExpectedVersion, req.Updates)
	} else {
		rec, ignored, err = a.Store.UpdateAnchorOccupancy(c.Context(), ownerOf(c), id, req.Updates)
	}
	if err != nil {
		return err
	}

	a.publishAnchors(rec, ignored)
	if ignored == nil {
		ignored = []string{}
	}
	return c.JSON(anchorsResponse{Record: rec, Ignored: ignored})
}

func (a *App) handleCompile(c fiber.Ctx) error {
	id, err := param(c, "id")
	if err != nil {
		return err
	}
	var req compileRequest
	if len(bytes.TrimSpace(c.Body())) > 0 {
		if err := decodeBody(c, &req); err != nil {
			return err
		}
	}

	rec, err := a.Compile(c.Context(), ownerOf(c), id, req.Placements, req.EditRegion)
	if err != nil {
		return err
	}
	return c.JSON(signalsResponse{RecordID: rec.ID, Version: rec.Version, Signals: *rec.Signals})
}

func (a *App) handleSignals(c fiber.Ctx) error {
	rec, err := a.loadRecord(c, "id")
	if err != nil {
		return err
	}
	if rec.Signals == nil {
		return fiber.NewError(fiber.StatusNotFound, "no control signals compiled for this geometry")
	}
	if c.Query("format") == "text" {
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.SendString(rec.Signals.Compiled)
	}
	return c.JSON(signalsResponse{RecordID: rec.ID, Version: rec.Version, Signals: *rec.Signals})
}

func (a *App) handleGeoJSON(c fiber.Ctx) error {
	rec, err := a.loadRecord(c, "id")
	if err != nil {
		return err
	}
	fc := room.ToFeatureCollection(rec.Geometry)
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding GeoJSON: %w", err)
	}
	c.Set(fiber.HeaderContentType, "application/geo+json")
	return c.Send(data)
}

// editRegionQuery parses ?edit=x,y,w,h
func editRegionQuery(c fiber.Ctx) (*room.EditRegion, error) {
	raw := c.Query("edit")
	if raw == "" {
		return nil, nil
	}
	return parseEditRegion(raw)
}

func (a *App) maskRenderer(c fiber.Ctx) (*room.MaskRenderer, error) {
	rec, err := a.loadRecord(c, "id")
	if err != nil {
		return nil, err
	}
	edit, err := editRegionQuery(c)
	if err != nil {
		return nil, err
	}
	r := room.NewMaskRenderer(rec.Geometry, rec.Anchors, edit)
	r.Scale = a.Config.Render.Scale
	r.Resolution = canvas.DPI(a.Config.Render.DPI)
	r.MaxPixels = a.Config.Render.MaxPixels
	return r, nil
}

func (a *App) handleMaskSVG(c fiber.Ctx) error {
	r, err := a.maskRenderer(c)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "image/svg+xml")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	return c.Send(buf.Bytes())
}

func (a *App) handleMaskPNG(c fiber.Ctx) error {
	r, err := a.maskRenderer(c)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := r.RenderToPNG(&buf); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "image/png")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	return c.Send(buf.Bytes())
}

// handleInpaintMask serves the binary inpainting mask. ?width overrides the
// configured width, ?labels=true draws anchor ids for debugging.
func (a *App) handleInpaintMask(c fiber.Ctx) error {
	rec, err := a.loadRecord(c, "id")
	if err != nil {
		return err
	}
	edit, err := editRegionQuery(c)
	if err != nil {
		return err
	}

	width := a.Config.Render.MaskWidth
	if w := c.Query("width"); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil || n < 16 || n > 8192 {
			return fiber.NewError(fiber.StatusBadRequest, "width must be an integer in [16, 8192]")
		}
		width = n
	}

	mask := room.NewRasterMask(width)
	mask.Labels = a.Config.Render.Labels || c.Query("labels") == "true"

	var buf bytes.Buffer
	if err := mask.EncodePNG(&buf, rec.Geometry, rec.Anchors, edit); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "image/png")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	return c.Send(buf.Bytes())
}
