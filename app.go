package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/roomcanon/analyzer"
	"github.com/kwv/roomcanon/config"
	"github.com/kwv/roomcanon/notify"
	"github.com/kwv/roomcanon/room"
	"github.com/kwv/roomcanon/store"
)

// occupancyTimeout bounds one MQTT-triggered store update
const occupancyTimeout = 5 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config    *config.Config
	Log       *zap.Logger
	Store     *store.Store
	MQTT      *notify.Client
	Publisher *notify.Publisher

	// fetch is analyzer.Fetch; replaced in tests
	fetch func(ctx context.Context, url string, opts ...analyzer.Option) (*room.GeometryAnalysis, error)
}

// NewApp opens the configured store backend. MQTT is started separately by
// StartMQTT.
func NewApp(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	backend, err := openBackend(cfg.Store)
	if err != nil {
		return nil, err
	}
	hash, err := store.ParseHashFunc(cfg.Store.Hash)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	policy, err := room.ParseShapePolicy(cfg.Store.ShapePolicy)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	log.Info("geometry store ready",
		zap.String("backend", cfg.Store.Backend),
		zap.String("path", cfg.Store.Path))

	return &App{
		Config: cfg,
		Log:    log,
		Store: store.New(backend,
			store.WithLogger(log.Named("store")),
			store.WithHashFunc(hash),
			store.WithCanonicalizer(room.NewCanonicalizer(policy))),
		fetch: analyzer.Fetch,
	}, nil
}

func openBackend(cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		var opts []store.MemoryOption
		if cfg.TTL > 0 {
			opts = append(opts, store.WithTTL(cfg.TTL))
		}
		if cfg.MaxEntries > 0 {
			opts = append(opts, store.WithMaxEntries(cfg.MaxEntries))
		}
		return store.NewMemoryBackend(opts...), nil
	case config.BackendFile:
		return store.NewFileBackend(cfg.Path)
	case config.BackendSQLite:
		return store.NewSQLiteBackend(cfg.Path)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// StartMQTT connects to the broker when one is configured. Without a broker
// the app runs with MQTT disabled and Publisher stays nil.
func (a *App) StartMQTT() error {
	client, err := notify.NewClient(a.Config.MQTT, a.handleOccupancy, a.Log.Named("mqtt"))
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	if client == nil {
		return nil
	}
	a.MQTT = client
	a.Publisher = client.Publisher()
	client.Start()
	return nil
}

// handleOccupancy applies an occupancy message from MQTT and republishes the
// resulting anchor list
func (a *App) handleOccupancy(ownerID, recordID string, msg notify.OccupancyMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), occupancyTimeout)
	defer cancel()

	var (
		rec     *store.Record
		ignored []string
		err     error
	)
	if msg.ExpectedVersion != nil {
		rec, ignored, err = a.Store.UpdateAnchorOccupancyIf(ctx, ownerID, recordID, *msg.ExpectedVersion, msg.Updates)
	} else {
		rec, ignored, err = a.Store.UpdateAnchorOccupancy(ctx, ownerID, recordID, msg.Updates)
	}
	if err != nil {
		a.Log.Warn("occupancy update rejected",
			zap.String("owner", ownerID),
			zap.String("record", recordID),
			zap.Error(err))
		return
	}

	a.publishAnchors(rec, ignored)
}

func (a *App) publishAnchors(rec *store.Record, ignored []string) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishAnchors(rec, ignored); err != nil {
		a.Log.Warn("publishing anchors failed", zap.String("record", rec.ID), zap.Error(err))
	}
}

// Ingest fetches the analysis for layoutReference from the configured
// analyzer and stores it
func (a *App) Ingest(ctx context.Context, ownerID, layoutReference string) (*store.Record, error) {
	if a.Config.Analyzer.URL == "" {
		return nil, fmt.Errorf("ingest: analyzer.url is not configured")
	}
	if strings.TrimSpace(layoutReference) == "" {
		return nil, &room.ValidationError{Field: "layoutReference", Reason: "must not be empty"}
	}

	analysis, err := a.fetch(ctx, analyzerURL(a.Config.Analyzer.URL, layoutReference),
		analyzer.WithTimeout(a.Config.Analyzer.Timeout),
		analyzer.WithMaxRetries(a.Config.Analyzer.MaxRetries),
		analyzer.WithLogger(a.Log.Named("analyzer")))
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", layoutReference, err)
	}
	return a.Store.Store(ctx, ownerID, layoutReference, analysis)
}

// analyzerURL appends the layout reference as a query parameter
func analyzerURL(base, layoutReference string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "layoutReference=" + url.QueryEscape(layoutReference)
}

// Compile compiles control signals for a stored record using its current
// anchor occupancy, caches them on the record and publishes the prompt
func (a *App) Compile(ctx context.Context, ownerID, recordID string, placements []room.Placement, edit *room.EditRegion) (*store.Record, error) {
	if edit != nil {
		if err := room.ValidateEditRegion(*edit); err != nil {
			return nil, err
		}
	}

	rec, found, err := a.Store.Get(ctx, ownerID, recordID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("compile %s: %w", recordID, store.ErrNotFound)
	}

	signals := room.Compile(rec.Geometry, rec.Anchors, placements, edit)
	rec, err = a.Store.AttachControlSignals(ctx, ownerID, rec.ID, signals)
	if err != nil {
		return nil, err
	}

	if a.Publisher != nil {
		if err := a.Publisher.PublishSignals(rec); err != nil {
			a.Log.Warn("publishing signals failed", zap.String("record", rec.ID), zap.Error(err))
		}
	}
	return rec, nil
}

// Serve runs the HTTP server and the MQTT connection until ctx is cancelled
// or the listener fails
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("HTTP server: %w", err)
	}
	if err := a.StartMQTT(); err != nil {
		_ = ln.Close()
		return err
	}

	server := newHTTPServer(a)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Log.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		if err := server.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Log.Info("shutting down")

		if a.MQTT != nil {
			a.MQTT.Disconnect()
			a.MQTT.Wait()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.ShutdownWithContext(shutdownCtx)
		// a listener closed before serving began makes Listener return at once
		_ = ln.Close()
		if err != nil {
			return fmt.Errorf("HTTP shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close disconnects MQTT and releases the store backend
func (a *App) Close() error {
	if a.MQTT != nil {
		a.MQTT.Disconnect()
	}
	return a.Store.Close()
}
