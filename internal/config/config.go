// Package config loads the gazegrid configuration from a YAML file, a .env
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ayusman/gazegrid/internal/geometry"
	"github.com/ayusman/gazegrid/internal/grid"
)

// Environment variables that override file values.
const (
	EnvDB       = "GAZEGRID_DB"
	EnvAddr     = "GAZEGRID_ADDR"
	EnvLogLevel = "GAZEGRID_LOG_LEVEL"
)

// DefaultInterval is the time between automatic capture requests.
const DefaultInterval = 700 * time.Millisecond

type Camera struct {
	DeviceID int `yaml:"device_id"`
	Width    int `yaml:"frame_width"`
	Height   int `yaml:"frame_height"`
	// PermitTimeoutUs bounds the wait for the device permit, in microseconds.
	PermitTimeoutUs int `yaml:"permit_timeout_us"`
}

type Grid struct {
	Arity        int `yaml:"grid_arity"`
	ScreenWidth  int `yaml:"screen_width"`
	ScreenHeight int `yaml:"screen_height"`
}

type Detection struct {
	AutoStart           bool   `yaml:"auto_start"`
	IntervalMs          int    `yaml:"capture_interval"`
	MaxTrackedFrames    int    `yaml:"max_tracked_frames"`
	RedetectOnTrackLoss bool   `yaml:"redetect_on_track_loss"`
	CascadePath         string `yaml:"cascade"`
	ProfileCascadePath  string `yaml:"profile_cascade"`
	LandmarkService     string `yaml:"landmark_service"`
	Python              string `yaml:"python"`
}

type Models struct {
	Grid4  string `yaml:"grid_4"`
	Grid6  string `yaml:"grid_6"`
	Grid9  string `yaml:"grid_9"`
	Output string `yaml:"output"`
}

type Store struct {
	Path string `yaml:"path"`
	// Diagnostics records every pass, not only estimates.
	Diagnostics bool `yaml:"diagnostics"`
	// RetentionDays prunes older estimates at startup. Zero keeps all.
	RetentionDays int `yaml:"retention_days"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the full application configuration.
type Config struct {
	Camera    Camera    `yaml:"camera"`
	Grid      Grid      `yaml:"grid"`
	Detection Detection `yaml:"detection"`
	Models    Models    `yaml:"models"`
	Store     Store     `yaml:"store"`
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
}

// DataDir returns the per-user data directory, ~/.gazegrid.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gazegrid"
	}
	return filepath.Join(home, ".gazegrid")
}

// Default returns a Config populated with standard defaults.
func Default() *Config {
	return &Config{
		Camera: Camera{
			Width:           640,
			Height:          480,
			PermitTimeoutUs: 2500,
		},
		Grid: Grid{Arity: int(grid.DefaultArity)},
		Detection: Detection{
			IntervalMs:       int(DefaultInterval / time.Millisecond),
			MaxTrackedFrames: 30,
			CascadePath:      "data/haarcascade_frontalface_default.xml",
		},
		Models: Models{
			Grid4:  "models/gaze_grid4.pb",
			Grid6:  "models/gaze_grid6.pb",
			Grid9:  "models/gaze_grid9.pb",
			Output: "prob",
		},
		Store:  Store{Path: filepath.Join(DataDir(), "gazegrid.db")},
		Server: Server{Addr: ":8080"},
		Log:    Log{Level: "info"},
	}
}

// Validate normalizes out-of-range values and rejects settings that have no
// sensible fallback.
func (c *Config) Validate() error {
	if c.Camera.DeviceID < 0 {
		return fmt.Errorf("camera device id %d is negative", c.Camera.DeviceID)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		c.Camera.Width, c.Camera.Height = 640, 480
	}
	if c.Camera.PermitTimeoutUs <= 0 {
		c.Camera.PermitTimeoutUs = 2500
	}

	if !grid.Arity(c.Grid.Arity).Valid() {
		return fmt.Errorf("grid_arity must be one of 4, 6 or 9, got %d", c.Grid.Arity)
	}
	if c.Grid.ScreenWidth < 0 || c.Grid.ScreenHeight < 0 {
		c.Grid.ScreenWidth, c.Grid.ScreenHeight = 0, 0
	}

	if c.Detection.IntervalMs <= 0 {
		c.Detection.IntervalMs = int(DefaultInterval / time.Millisecond)
	}
	if c.Detection.MaxTrackedFrames < 0 {
		c.Detection.MaxTrackedFrames = 0
	}

	if c.Models.Output == "" {
		c.Models.Output = "prob"
	}
	if len(c.ModelPaths()) == 0 {
		return errors.New("no classifier models configured")
	}
	if c.Models.pathFor(grid.Arity(c.Grid.Arity)) == "" {
		return fmt.Errorf("no classifier model configured for grid_arity %d", c.Grid.Arity)
	}

	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(DataDir(), "gazegrid.db")
	}
	if c.Store.RetentionDays < 0 {
		c.Store.RetentionDays = 0
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// ApplyEnv overrides file values with the GAZEGRID_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvDB); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Interval returns the automatic capture interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Detection.IntervalMs) * time.Millisecond
}

// PermitTimeout returns the device permit wait.
func (c *Config) PermitTimeout() time.Duration {
	return time.Duration(c.Camera.PermitTimeoutUs) * time.Microsecond
}

// Retention returns how long estimates are kept, or 0 to keep them all.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Store.RetentionDays) * 24 * time.Hour
}

// FrameSize returns the requested capture size.
func (c *Config) FrameSize() geometry.Size {
	return geometry.Size{Width: c.Camera.Width, Height: c.Camera.Height}
}

// Screen returns the screen size regions are mapped onto. Zero means the
// frame size is used.
func (c *Config) Screen() geometry.Size {
	return geometry.Size{Width: c.Grid.ScreenWidth, Height: c.Grid.ScreenHeight}
}

// ModelPaths returns the configured model file for each arity.
func (c *Config) ModelPaths() map[grid.Arity]string {
	paths := make(map[grid.Arity]string)
	for _, a := range grid.Arities {
		if p := c.Models.pathFor(a); p != "" {
			paths[a] = p
		}
	}
	return paths
}

func (m Models) pathFor(a grid.Arity) string {
	switch a {
	case grid.Arity4:
		return m.Grid4
	case grid.Arity6:
		return m.Grid6
	case grid.Arity9:
		return m.Grid9
	default:
		return ""
	}
}

// LoadEnv loads .env files into the environment. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Load reads the configuration at path. A missing file yields the defaults.
// Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path in YAML.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
