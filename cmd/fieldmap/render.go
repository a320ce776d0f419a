package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/fieldmap/internal/colormap"
	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/fsutil"
	"github.com/banshee-data/fieldmap/internal/geo"
	"github.com/banshee-data/fieldmap/internal/ingest"
	"github.com/banshee-data/fieldmap/internal/pipeline"
	"github.com/banshee-data/fieldmap/internal/security"
	"github.com/banshee-data/fieldmap/internal/video"
)

// inputFlags are shared by the offline render commands.
type inputFlags struct {
	input    string
	boundary string
	colormap string
	min, max float64
}

func (f *inputFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.input, "input", "i", "", "measurement CSV (long or wide layout)")
	fl.StringVarP(&f.boundary, "boundary", "b", "", "boundary GeoJSON; defaults to render.boundary")
	fl.StringVar(&f.colormap, "colormap", "", "colour table name")
	fl.Float64Var(&f.min, "min", 0, "fixed colour scale minimum (requires --max)")
	fl.Float64Var(&f.max, "max", 0, "fixed colour scale maximum (requires --min)")
	_ = cmd.MarkFlagRequired("input")
	cmd.MarkFlagsRequiredTogether("min", "max")
}

// load reads the samples and boundary and resolves the colour range.
func (f *inputFlags) load(cmd *cobra.Command, cc *cliContext) ([]field.Sample, *geo.Boundary, *field.GlobalRange, error) {
	boundaryPath := f.boundary
	if boundaryPath == "" {
		boundaryPath = cc.Config.Render.Boundary
	}
	if boundaryPath == "" {
		return nil, nil, nil, errors.New("--boundary is required when render.boundary is not configured")
	}
	b, err := geo.Load(fsutil.OSFileSystem{}, boundaryPath)
	if err != nil {
		return nil, nil, nil, err
	}

	in, err := os.Open(f.input)
	if err != nil {
		return nil, nil, nil, err
	}
	defer in.Close()
	samples, st, err := ingest.ParseCSV(in)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %w", f.input, err)
	}
	logf("%s: %d samples over %d timestamps, %d rows dropped", f.input, st.Rows, len(st.Timestamps), st.Dropped)

	var rng *field.GlobalRange
	if cmd.Flags().Changed("min") {
		rng = &field.GlobalRange{Min: f.min, Max: f.max}
	}
	return samples, b, rng, nil
}

func newHeatmapCmd() *cobra.Command {
	var in inputFlags
	var out, method string
	var resolution int
	cmd := &cobra.Command{
		Use:   "heatmap",
		Short: "Render one PNG per timestamp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := getCLIContext(cmd)
			if err != nil {
				return err
			}
			samples, b, rng, err := in.load(cmd, cc)
			if err != nil {
				return err
			}
			opts, err := cc.Config.PipelineOptions()
			if err != nil {
				return err
			}
			if method == "" {
				method = cc.Config.Render.Method
			}
			res, err := pipeline.NewRenderer(opts, nil, nil).Heatmaps(cmd.Context(), pipeline.HeatmapRequest{
				Samples:    samples,
				Range:      rng,
				Method:     method,
				Colormap:   in.colormap,
				Resolution: resolution,
				Boundary:   b,
			})
			if err != nil {
				return err
			}
			return writeHeatmaps(cmd, out, res)
		},
	}
	in.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", ".", "output directory")
	cmd.Flags().StringVar(&method, "method", "", "interpolation method (idw, kde, rbf, gp); defaults to render.method")
	cmd.Flags().IntVar(&resolution, "resolution", 0, "grid cells per side; defaults to render.heatmap_resolution")
	return cmd
}

func writeHeatmaps(cmd *cobra.Command, dir string, res pipeline.HeatmapResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, label := range res.Order {
		png, err := base64.StdEncoding.DecodeString(res.Images[label])
		if err != nil {
			return fmt.Errorf("decode %s: %w", label, err)
		}
		path := filepath.Join(dir, security.SanitizeFilename(label)+".png")
		if err := os.WriteFile(path, png, 0o644); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	for _, sk := range res.Skipped {
		fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %s\n", sk.Timestamp, sk.Reason)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %d heatmaps, range [%g, %g]\n", len(res.Order), res.GlobalMin, res.GlobalMax)
	return nil
}

func newAnimateCmd() *cobra.Command {
	var in inputFlags
	var out, parameter, mode, encoder string
	var fps, fpt, resolution int
	cmd := &cobra.Command{
		Use:   "animate",
		Short: "Encode an animation across every timestamp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := getCLIContext(cmd)
			if err != nil {
				return err
			}
			samples, b, rng, err := in.load(cmd, cc)
			if err != nil {
				return err
			}
			opts, err := cc.Config.PipelineOptions()
			if err != nil {
				return err
			}
			if encoder == "" && out != "" {
				encoder = strings.TrimPrefix(strings.ToLower(filepath.Ext(out)), ".")
			}
			if encoder != "" {
				if opts.Encoder, err = video.ByName(encoder); err != nil {
					return err
				}
				if ff, ok := opts.Encoder.(*video.FFmpegEncoder); ok {
					ff.Path, ff.CRF, ff.Preset = cc.Config.Animation.FFmpegPath, cc.Config.Animation.CRF, cc.Config.Animation.Preset
				}
			}
			if out == "" {
				out = video.SuggestedFilename(parameter, opts.Encoder.Ext())
			}
			if mode == "" {
				mode = cc.Config.Animation.Mode
			}
			if fps == 0 {
				fps = cc.Config.Animation.FPS
			}
			if fpt == 0 {
				fpt = cc.Config.Animation.FramesPerTransition
			}
			colors := in.colormap
			if colors == "" {
				colors = cc.Config.Animation.Colormap
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			res, err := pipeline.NewRenderer(opts, nil, nil).Animate(cmd.Context(), pipeline.AnimationRequest{
				Parameter:           parameter,
				Samples:             samples,
				Range:               rng,
				FPS:                 fps,
				FramesPerTransition: fpt,
				Colormap:            colors,
				Mode:                mode,
				Resolution:          resolution,
				Boundary:            b,
			}, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(out)
				return err
			}
			for _, sk := range res.Skipped {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %s\n", sk.Timestamp, sk.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %d frames from %d timestamps (%s)\n", out, res.Frames, res.Slices, res.Mode)
			return nil
		},
	}
	in.register(cmd)
	fl := cmd.Flags()
	fl.StringVarP(&out, "out", "o", "", "output file; the extension picks the encoder when --encoder is unset")
	fl.StringVar(&parameter, "parameter", "", "parameter name used for the default file name")
	fl.StringVar(&mode, "mode", "", "animation mode (sequence, blend); defaults to animation.mode")
	fl.StringVar(&encoder, "encoder", "", "encoder (mp4, gif, png); defaults to animation.encoder")
	fl.IntVar(&fps, "fps", 0, "frames per second; defaults to animation.fps")
	fl.IntVar(&fpt, "frames-per-transition", 0, "frames between adjacent timestamps; defaults to animation.frames_per_transition")
	fl.IntVar(&resolution, "resolution", 0, "grid cells per side; defaults to render.animation_resolution")
	return cmd
}

func newLegendCmd() *cobra.Command {
	var lo, hi float64
	var name, label, out string
	var width, height int
	cmd := &cobra.Command{
		Use:   "legend",
		Short: "Render a colour bar PNG",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := getCLIContext(cmd)
			if err != nil {
				return err
			}
			if name == "" {
				name = cc.Config.Render.Colormap
			}
			table, ok := colormap.Lookup(name)
			if !ok {
				return fmt.Errorf("unknown colormap %q (want one of %s)", name, strings.Join(colormap.Names(), ", "))
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			err = colormap.Legend(f, field.GlobalRange{Min: lo, Max: hi}, table, label, width, height)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(out)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.Float64Var(&lo, "min", 0, "scale minimum")
	fl.Float64Var(&hi, "max", 0, "scale maximum")
	fl.StringVar(&name, "colormap", "", "colour table name; defaults to render.colormap")
	fl.StringVar(&label, "label", "", "axis label")
	fl.StringVarP(&out, "out", "o", "legend.png", "output file")
	fl.IntVar(&width, "width", 160, "width in pixels")
	fl.IntVar(&height, "height", 480, "height in pixels")
	_ = cmd.MarkFlagRequired("min")
	_ = cmd.MarkFlagRequired("max")
	return cmd
}
