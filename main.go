package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tdewolff/canvas"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kwv/roomcanon/config"
	"github.com/kwv/roomcanon/room"
	"github.com/kwv/roomcanon/store"
)

// Version is set at build time via -ldflags
var Version = "dev"

const defaultConfigFile = "config.yaml"

// cliOptions holds the persistent flags shared by every command
type cliOptions struct {
	configFile string
	verbose    bool
	log        *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{log: zap.NewNop()}

	root := &cobra.Command{
		Use:   "roomcanon",
		Short: "Canonical room geometry and control-signal compiler",
		Long: `roomcanon turns layout-analyzer readings of a room into canonical,
id-stable geometry, keeps it in a content-addressed store, and compiles
structured control signals for the image-generation pipeline.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := zap.NewProductionConfig()
			if opts.verbose {
				cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			log, err := cfg.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			opts.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = opts.log.Sync()
		},
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", defaultConfigFile, "Path to configuration file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(
		newCanonicalizeCmd(opts),
		newCompileCmd(opts),
		newRenderMaskCmd(opts),
		newHashCmd(opts),
		newIngestCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// loadConfig reads the config file. A missing default config.yaml is not an
// error; an explicitly named file must exist.
func (o *cliOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if _, err := os.Stat(o.configFile); errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg := config.Default()
		cfg.ApplyEnv()
		o.log.Debug("no config file, using defaults", zap.String("path", o.configFile))
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	o.log.Debug("loaded config", zap.String("path", o.configFile))
	return cfg, nil
}

// normalizeFile parses and canonicalizes an analysis file using the
// configured shape policy
func (o *cliOptions) normalizeFile(cfg *config.Config, path string) (*room.CanonicalGeometry, error) {
	policy, err := room.ParseShapePolicy(cfg.Store.ShapePolicy)
	if err != nil {
		return nil, err
	}
	a, err := room.ParseAnalysisFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	g, err := room.NewCanonicalizer(policy).Normalize(a)
	if err != nil {
		return nil, err
	}
	if outside := room.AnchorsOutsideFloor(g); len(outside) > 0 {
		o.log.Warn("anchors outside floor polygon", zap.Strings("anchors", outside))
	}
	return g, nil
}

// parseEditRegion parses "x,y,w,h" in image percent
func parseEditRegion(s string) (*room.EditRegion, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, &room.ValidationError{Field: "editRegion", Reason: fmt.Sprintf("want x,y,w,h, got %q", s)}
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, &room.ValidationError{Field: "editRegion", Reason: fmt.Sprintf("%q is not a number", p)}
		}
		v[i] = f
	}
	r := &room.EditRegion{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	if err := room.ValidateEditRegion(*r); err != nil {
		return nil, err
	}
	return r, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCanonicalizeCmd(opts *cliOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "canonicalize <analysis.json>",
		Short: "Validate an analysis and print its canonical geometry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			g, err := opts.normalizeFile(cfg, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				return writeJSON(out, g)
			case "geojson":
				return writeJSON(out, room.ToFeatureCollection(g))
			case "summary":
				s := room.Summarize(g)
				fmt.Fprintf(out, "Shape: %s\n", s.Shape)
				fmt.Fprintf(out, "Dimensions: %gx%gx%g %s\n", s.Dimensions.Width, s.Dimensions.Depth, s.Dimensions.Height, s.Dimensions.Unit)
				fmt.Fprintf(out, "Floor area: %.2f\n", s.FloorArea)
				fmt.Fprintf(out, "Walls: %d, Windows: %d, Doors: %d\n", s.WallCount, s.WindowCount, s.DoorCount)
				fmt.Fprintf(out, "Anchors: %d (%d occupied)\n", s.AnchorCount, s.OccupiedCount)
				for _, a := range g.Anchors {
					fmt.Fprintf(out, "  %s at (%g%%, %g%%)\n", a.ID, a.Position.X, a.Position.Y)
				}
				return nil
			}
			return fmt.Errorf("unknown format %q (json, geojson or summary)", format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: json, geojson or summary")
	return cmd
}

func newCompileCmd(opts *cliOptions) *cobra.Command {
	var placementsFile, edit, block string
	cmd := &cobra.Command{
		Use:   "compile <analysis.json>",
		Short: "Compile control signals for an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			g, err := opts.normalizeFile(cfg, args[0])
			if err != nil {
				return err
			}

			var placements []room.Placement
			if placementsFile != "" {
				if placements, err = room.ParsePlacementsFile(placementsFile); err != nil {
					return err
				}
			}
			var region *room.EditRegion
			if edit != "" {
				if region, err = parseEditRegion(edit); err != nil {
					return err
				}
			}

			s := room.Compile(g, g.Anchors, placements, region)
			out := cmd.OutOrStdout()
			switch block {
			case "", "all":
				_, err = io.WriteString(out, s.Compiled)
			case "json":
				err = writeJSON(out, s)
			case "depth":
				_, err = io.WriteString(out, s.DepthMap)
			case "edge":
				_, err = io.WriteString(out, s.EdgeMap)
			case "mask":
				_, err = io.WriteString(out, s.RegionMask)
			case "constraints":
				_, err = io.WriteString(out, s.StructuralConstraints)
			case "placement":
				_, err = io.WriteString(out, s.FurniturePlacement)
			case "locking":
				_, err = io.WriteString(out, s.LockingDirective)
			default:
				return fmt.Errorf("unknown block %q", block)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&placementsFile, "placements", "p", "", "Placement manifest JSON file")
	cmd.Flags().StringVarP(&edit, "edit", "e", "", "Edit region in image percent: x,y,w,h")
	cmd.Flags().StringVarP(&block, "block", "b", "all",
		"Output: all, json, depth, edge, mask, constraints, placement or locking")
	return cmd
}

func newRenderMaskCmd(opts *cliOptions) *cobra.Command {
	var format, output, edit string
	var width int
	var labels bool
	cmd := &cobra.Command{
		Use:   "render-mask <analysis.json>",
		Short: "Render the region mask as SVG/PNG preview or binary inpainting mask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			g, err := opts.normalizeFile(cfg, args[0])
			if err != nil {
				return err
			}
			var region *room.EditRegion
			if edit != "" {
				if region, err = parseEditRegion(edit); err != nil {
					return err
				}
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating output: %w", err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}

			switch format {
			case "svg", "png":
				r := room.NewMaskRenderer(g, nil, region)
				r.Scale = cfg.Render.Scale
				r.Resolution = canvas.DPI(cfg.Render.DPI)
				r.MaxPixels = cfg.Render.MaxPixels
				if format == "svg" {
					err = r.RenderToSVG(w)
				} else {
					err = r.RenderToPNG(w)
				}
			case "mask":
				if width == 0 {
					width = cfg.Render.MaskWidth
				}
				m := room.NewRasterMask(width)
				m.Labels = labels || cfg.Render.Labels
				err = m.EncodePNG(w, g, nil, region)
			default:
				return fmt.Errorf("unknown format %q (svg, png or mask)", format)
			}
			if err != nil {
				return err
			}
			if output != "" && output != "-" {
				opts.log.Info("mask written", zap.String("path", output), zap.String("format", format))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "svg", "Output format: svg, png or mask")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	cmd.Flags().StringVarP(&edit, "edit", "e", "", "Edit region in image percent: x,y,w,h")
	cmd.Flags().IntVar(&width, "width", 0, "Binary mask width in pixels (default from config)")
	cmd.Flags().BoolVar(&labels, "labels", false, "Draw anchor ids on the binary mask")
	return cmd
}

func newHashCmd(opts *cliOptions) *cobra.Command {
	var algo string
	cmd := &cobra.Command{
		Use:   "hash <layoutReference>...",
		Short: "Print the cache key for layout references",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("algo") {
				cfg, err := opts.loadConfig(cmd)
				if err != nil {
					return err
				}
				algo = cfg.Store.Hash
			}
			h, err := store.ParseHashFunc(algo)
			if err != nil {
				return err
			}
			for _, ref := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", h(ref), ref)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&algo, "algo", "rolling", "Hash: rolling or sha256")
	return cmd
}

func newIngestCmd(opts *cliOptions) *cobra.Command {
	var owner, analysisFile string
	cmd := &cobra.Command{
		Use:   "ingest <layoutReference>",
		Short: "Fetch an analysis (or read --file) and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, opts.log)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var rec *store.Record
			if analysisFile != "" {
				a, err := room.ParseAnalysisFile(analysisFile)
				if err != nil {
					return err
				}
				rec, err = app.Store.Store(ctx, owner, args[0], a)
				if err != nil {
					return err
				}
			} else if rec, err = app.Ingest(ctx, owner, args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\tversion %d\t%s\n", rec.ID, rec.Version, rec.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner id")
	cmd.Flags().StringVar(&analysisFile, "file", "", "Read the analysis from a file instead of the analyzer")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and MQTT bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.HTTP.Listen = listen
			}
			app, err := NewApp(cfg, opts.log)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts.log.Info("roomcanon starting", zap.String("version", Version))
			return app.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides http.listen)")
	return cmd
}
