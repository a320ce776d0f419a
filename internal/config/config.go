// Package config loads fieldmap settings from a file, FIELDMAP_*
// environment variables and built-in defaults, in that order of
// precedence after the environment.
package config

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/paulmach/orb"
	"github.com/spf13/viper"

	"github.com/banshee-data/fieldmap/internal/colormap"
	"github.com/banshee-data/fieldmap/internal/monitoring"
	"github.com/banshee-data/fieldmap/internal/pipeline"
	"github.com/banshee-data/fieldmap/internal/spatial"
	"github.com/banshee-data/fieldmap/internal/units"
	"github.com/banshee-data/fieldmap/internal/temporal"
	"github.com/banshee-data/fieldmap/internal/video"
)

var logf, opsf = monitoring.Prefixed("config")

// envPrefix maps nested keys like render.method to FIELDMAP_RENDER_METHOD.
const envPrefix = "FIELDMAP"

// maxFileSize bounds config files read from disk.
const maxFileSize = 1 * 1024 * 1024

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Render    RenderConfig    `mapstructure:"render"`
	Animation AnimationConfig `mapstructure:"animation"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
	// Workers bounds parallel per-timestamp work.
	Workers int `mapstructure:"workers"`
}

type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// UploadDir receives boundary files posted to /api/boundary.
	UploadDir string `mapstructure:"upload_dir"`
}

type RenderConfig struct {
	Method              string  `mapstructure:"method"`
	Power               float64 `mapstructure:"power"`
	Sigma               float64 `mapstructure:"sigma"`
	BandwidthKm         float64 `mapstructure:"bandwidth_km"`
	LengthScale         float64 `mapstructure:"length_scale"`
	NoiseLevel          float64 `mapstructure:"noise_level"`
	Alpha               float64 `mapstructure:"alpha"`
	HeatmapResolution   int     `mapstructure:"heatmap_resolution"`
	AnimationResolution int     `mapstructure:"animation_resolution"`
	Colormap            string  `mapstructure:"colormap"`
	Width               int     `mapstructure:"width"`
	// SolidFill is a #rrggbb colour for the clip rectangle zone.
	SolidFill string `mapstructure:"solid_fill"`
	// ClipRect is [min_lon, min_lat, max_lon, max_lat]; empty disables it.
	ClipRect []float64 `mapstructure:"clip_rect"`
	Smooth   bool      `mapstructure:"smooth"`
	// Boundary is the default boundary file.
	Boundary string `mapstructure:"boundary"`
}

type AnimationConfig struct {
	FPS                 int           `mapstructure:"fps"`
	FramesPerTransition int           `mapstructure:"frames_per_transition"`
	Colormap            string        `mapstructure:"colormap"`
	Mode                string        `mapstructure:"mode"`
	Encoder             string        `mapstructure:"encoder"`
	FFmpegPath          string        `mapstructure:"ffmpeg_path"`
	CRF                 int           `mapstructure:"crf"`
	Preset              string        `mapstructure:"preset"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"`
	Path           string `mapstructure:"path"`
	DSN            string `mapstructure:"dsn"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.upload_dir", "uploads")

	v.SetDefault("render.method", spatial.MethodIDW)
	v.SetDefault("render.power", spatial.DefaultPower)
	v.SetDefault("render.sigma", spatial.DefaultSigma)
	v.SetDefault("render.bandwidth_km", spatial.DefaultBandwidthKm)
	v.SetDefault("render.length_scale", spatial.DefaultLengthScale)
	v.SetDefault("render.noise_level", spatial.DefaultNoiseLevel)
	v.SetDefault("render.alpha", spatial.DefaultAlpha)
	v.SetDefault("render.heatmap_resolution", 400)
	v.SetDefault("render.animation_resolution", 300)
	v.SetDefault("render.colormap", colormap.DefaultTable)
	v.SetDefault("render.width", 900)
	v.SetDefault("render.solid_fill", "#006400")
	v.SetDefault("render.clip_rect", []float64{})
	v.SetDefault("render.smooth", false)
	v.SetDefault("render.boundary", "")

	v.SetDefault("animation.fps", pipeline.DefaultFPS)
	v.SetDefault("animation.frames_per_transition", pipeline.DefaultFramesPerTransition)
	v.SetDefault("animation.colormap", "viridis")
	v.SetDefault("animation.mode", pipeline.ModeSequence)
	v.SetDefault("animation.encoder", "ffmpeg")
	v.SetDefault("animation.ffmpeg_path", "ffmpeg")
	v.SetDefault("animation.crf", 23)
	v.SetDefault("animation.preset", "medium")
	v.SetDefault("animation.timeout", 10*time.Minute)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "fieldmap.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("workers", runtime.GOMAXPROCS(0))
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the built-in configuration with environment overrides.
func Default() *Config {
	cfg, err := unmarshal(newViper())
	if err != nil {
		// Only an invalid FIELDMAP_* override can fail here.
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load reads path (YAML, JSON or TOML by extension), applies FIELDMAP_*
// overrides and defaults for omitted keys, and validates the result. An
// empty path loads defaults and the environment only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		if err := checkFile(path); err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}
	return unmarshal(v)
}

func checkFile(path string) error {
	cleanPath := filepath.Clean(path)
	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".yaml", ".yml", ".json", ".toml":
	default:
		return fmt.Errorf("config file must be .yaml, .json or .toml, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	return nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Watch reloads path whenever it changes on disk and passes each valid
// result to onChange. Invalid edits are logged and ignored.
func Watch(path string, onChange func(*Config)) error {
	if err := checkFile(path); err != nil {
		return err
	}
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := unmarshal(v)
		if err != nil {
			opsf("ignoring change to %s: %v", e.Name, err)
			return
		}
		logf("reloaded %s", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if _, err := spatial.New(c.Render.Method, spatial.Params{}); err != nil {
		return fmt.Errorf("render.method: %w", err)
	}
	if c.Render.Power <= 0 {
		return fmt.Errorf("render.power must be positive, got %g", c.Render.Power)
	}
	if c.Render.BandwidthKm < 0 {
		return fmt.Errorf("render.bandwidth_km must be non-negative, got %g", c.Render.BandwidthKm)
	}
	if c.Render.HeatmapResolution < 2 || c.Render.AnimationResolution < 2 {
		return fmt.Errorf("render resolutions must be at least 2, got %d and %d",
			c.Render.HeatmapResolution, c.Render.AnimationResolution)
	}
	if c.Render.Width < 1 {
		return fmt.Errorf("render.width must be positive, got %d", c.Render.Width)
	}
	for _, name := range []string{c.Render.Colormap, c.Animation.Colormap} {
		if _, ok := colormap.Lookup(name); !ok {
			return fmt.Errorf("unknown colormap %q (want one of %s)", name, strings.Join(colormap.Names(), ", "))
		}
	}
	if _, err := c.SolidFillColor(); err != nil {
		return err
	}
	if _, err := c.ClipBound(); err != nil {
		return err
	}
	if c.Animation.FPS < 1 || c.Animation.FPS > video.MaxFPS {
		return fmt.Errorf("animation.fps must be between 1 and %d, got %d", video.MaxFPS, c.Animation.FPS)
	}
	if c.Animation.FramesPerTransition < 1 || c.Animation.FramesPerTransition > temporal.MaxFramesPerTransition {
		return fmt.Errorf("animation.frames_per_transition must be between 1 and %d, got %d",
			temporal.MaxFramesPerTransition, c.Animation.FramesPerTransition)
	}
	switch c.Animation.Mode {
	case pipeline.ModeSequence, pipeline.ModeBlend:
	default:
		return fmt.Errorf("animation.mode must be %q or %q, got %q", pipeline.ModeSequence, pipeline.ModeBlend, c.Animation.Mode)
	}
	if _, err := video.ByName(c.Animation.Encoder); err != nil {
		return fmt.Errorf("animation.encoder: %w", err)
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required when the cache is enabled")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if _, err := monitoring.NewLogger(c.Log.Level, c.Log.Format); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// BandwidthDegrees returns the KDE bandwidth floored and converted to degrees.
func (c *Config) BandwidthDegrees() float64 {
	return units.BandwidthDegrees(c.Render.BandwidthKm)
}

// SolidFillColor parses render.solid_fill.
func (c *Config) SolidFillColor() (color.NRGBA, error) {
	var r, g, b uint8
	s := c.Render.SolidFill
	if len(s) != 7 || s[0] != '#' {
		return color.NRGBA{}, fmt.Errorf("render.solid_fill must be #rrggbb, got %q", s)
	}
	if _, err := fmt.Sscanf(s[1:], "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.NRGBA{}, fmt.Errorf("render.solid_fill must be #rrggbb, got %q", s)
	}
	return color.NRGBA{R: r, G: g, B: b, A: 0xff}, nil
}

// ClipBound returns render.clip_rect as a bound, or nil when unset.
func (c *Config) ClipBound() (*orb.Bound, error) {
	r := c.Render.ClipRect
	if len(r) == 0 {
		return nil, nil
	}
	if len(r) != 4 || !(r[0] < r[2]) || !(r[1] < r[3]) {
		return nil, fmt.Errorf("render.clip_rect must be [min_lon, min_lat, max_lon, max_lat], got %v", r)
	}
	return &orb.Bound{Min: orb.Point{r[0], r[1]}, Max: orb.Point{r[2], r[3]}}, nil
}

// Encoder builds the configured animation encoder.
func (c *Config) Encoder() (video.Encoder, error) {
	enc, err := video.ByName(c.Animation.Encoder)
	if err != nil {
		return nil, err
	}
	if ff, ok := enc.(*video.FFmpegEncoder); ok {
		ff.Path = c.Animation.FFmpegPath
		ff.CRF = c.Animation.CRF
		ff.Preset = c.Animation.Preset
	}
	return enc, nil
}

// PipelineOptions converts the render settings for pipeline.NewRenderer.
func (c *Config) PipelineOptions() (pipeline.Options, error) {
	enc, err := c.Encoder()
	if err != nil {
		return pipeline.Options{}, err
	}
	clip, err := c.ClipBound()
	if err != nil {
		return pipeline.Options{}, err
	}
	fill, err := c.SolidFillColor()
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		Workers:             c.Workers,
		HeatmapResolution:   c.Render.HeatmapResolution,
		AnimationResolution: c.Render.AnimationResolution,
		FrameWidth:          c.Render.Width,
		Colormap:            c.Render.Colormap,
		Params: spatial.Params{
			Power:       c.Render.Power,
			Sigma:       c.Render.Sigma,
			BandwidthKm: c.Render.BandwidthKm,
			LengthScale: c.Render.LengthScale,
			NoiseLevel:  c.Render.NoiseLevel,
			Alpha:       c.Render.Alpha,
		},
		ClipRect:  clip,
		SolidFill: fill,
		Smooth:    c.Render.Smooth,
		Encoder:   enc,
	}, nil
}
