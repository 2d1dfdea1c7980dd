package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Workspace  WorkspaceConfig  `toml:"workspace"`
	Ports      PortsConfig      `toml:"ports"`
	Cache      CacheConfig      `toml:"cache"`
	Process    ProcessConfig    `toml:"process"`
	Preview    PreviewConfig    `toml:"preview"`
	Generation GenerationConfig `toml:"generation"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Store      StoreConfig      `toml:"store"`
}

type ServerConfig struct {
	Addr                 string `toml:"addr"`
	EventsPollIntervalMS int    `toml:"events_poll_interval_ms"`
	ShutdownTimeoutMS    int    `toml:"shutdown_timeout_ms"`
	CleanupSecret        string `toml:"cleanup_secret"`
}

type WorkspaceConfig struct {
	Root         string `toml:"root"`
	MaxAgeHours  int    `toml:"max_age_hours"`
	Keep         int    `toml:"keep"`
	GraceMinutes int    `toml:"grace_minutes"`
}

type PortsConfig struct {
	Base int `toml:"base"`
	Span int `toml:"span"`
}

type CacheConfig struct {
	Dir              string   `toml:"dir"`
	InstallCommand   []string `toml:"install_command"`
	InstallTimeoutMS int      `toml:"install_timeout_ms"`
}

type ProcessConfig struct {
	RunCommand     []string `toml:"run_command"`
	ReapCommand    []string `toml:"reap_command"`
	LogBufferBytes int      `toml:"log_buffer_bytes"`
	StopGraceMS    int      `toml:"stop_grace_ms"`
}

type PreviewConfig struct {
	Host             string `toml:"host"`
	Attempts         int    `toml:"attempts"`
	BaseDelayMS      int    `toml:"base_delay_ms"`
	MaxDelayMS       int    `toml:"max_delay_ms"`
	AttemptTimeoutMS int    `toml:"attempt_timeout_ms"`
}

type GenerationConfig struct {
	BaseURL     string  `toml:"base_url"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	TimeoutMS   int     `toml:"timeout_ms"`
	APIKey      string  `toml:"-"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	ServiceName  string `toml:"service_name"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

type StoreConfig struct {
	Path          string `toml:"path"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

// Dir is the per-root directory holding config.toml and the database.
const Dir = ".drafthouse"

func Default() Config {
	return Config{
		Server:    ServerConfig{Addr: "127.0.0.1:8710", EventsPollIntervalMS: 1000, ShutdownTimeoutMS: 10000},
		Workspace: WorkspaceConfig{Root: ".drafts", MaxAgeHours: 12, Keep: 5, GraceMinutes: 30},
		Ports:     PortsConfig{Base: 3001, Span: 100},
		Cache: CacheConfig{
			Dir:              ".template-cache",
			InstallCommand:   []string{"npm", "install", "--prefer-offline", "--no-audit", "--no-fund"},
			InstallTimeoutMS: 10 * 60 * 1000,
		},
		Process: ProcessConfig{
			RunCommand:     []string{"npm", "run", "dev"},
			ReapCommand:    []string{"pkill", "-f", "next dev.*{port}"},
			LogBufferBytes: 64 << 10,
			StopGraceMS:    3000,
		},
		Preview:    PreviewConfig{Host: "127.0.0.1", Attempts: 5, BaseDelayMS: 1000, MaxDelayMS: 8000, AttemptTimeoutMS: 10000},
		Generation: GenerationConfig{Model: "gpt-4o-mini", Temperature: 0.2, TimeoutMS: 120000},
		Telemetry:  TelemetryConfig{Enabled: false, ServiceName: "drafthouse", OTLPEndpoint: "http://127.0.0.1:4318"},
		Store:      StoreConfig{Path: filepath.ToSlash(filepath.Join(Dir, "drafthouse.db")), BusyTimeoutMS: 5000},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(root, Dir, "config.toml")
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}
	if err := validate(parsed); err != nil {
		res.ParseError = err
		return res
	}

	res.Config = merge(Default(), parsed)
	return res
}

func validate(cfg Config) error {
	if cfg.Ports.Base < 0 || cfg.Ports.Base > 65535 {
		return fmt.Errorf("%w: ports.base out of range: %d", ErrInvalid, cfg.Ports.Base)
	}
	if cfg.Ports.Span < 0 || cfg.Ports.Base+cfg.Ports.Span > 65536 {
		return fmt.Errorf("%w: ports.span out of range: %d", ErrInvalid, cfg.Ports.Span)
	}
	if cfg.Workspace.Keep < 0 {
		return fmt.Errorf("%w: workspace.keep must not be negative", ErrInvalid)
	}
	if cfg.Preview.Attempts < 0 {
		return fmt.Errorf("%w: preview.attempts must not be negative", ErrInvalid)
	}
	return nil
}

func merge(def Config, cfg Config) Config {
	// Server
	if cfg.Server.Addr != "" {
		def.Server.Addr = cfg.Server.Addr
	}
	if cfg.Server.EventsPollIntervalMS != 0 {
		def.Server.EventsPollIntervalMS = cfg.Server.EventsPollIntervalMS
	}
	if cfg.Server.ShutdownTimeoutMS != 0 {
		def.Server.ShutdownTimeoutMS = cfg.Server.ShutdownTimeoutMS
	}
	if cfg.Server.CleanupSecret != "" {
		def.Server.CleanupSecret = cfg.Server.CleanupSecret
	}
	// Workspace
	if cfg.Workspace.Root != "" {
		def.Workspace.Root = cfg.Workspace.Root
	}
	if cfg.Workspace.MaxAgeHours != 0 {
		def.Workspace.MaxAgeHours = cfg.Workspace.MaxAgeHours
	}
	if cfg.Workspace.Keep != 0 {
		def.Workspace.Keep = cfg.Workspace.Keep
	}
	if cfg.Workspace.GraceMinutes != 0 {
		def.Workspace.GraceMinutes = cfg.Workspace.GraceMinutes
	}
	// Ports
	if cfg.Ports.Base != 0 {
		def.Ports.Base = cfg.Ports.Base
	}
	if cfg.Ports.Span != 0 {
		def.Ports.Span = cfg.Ports.Span
	}
	// Cache
	if cfg.Cache.Dir != "" {
		def.Cache.Dir = cfg.Cache.Dir
	}
	if len(cfg.Cache.InstallCommand) != 0 {
		def.Cache.InstallCommand = cfg.Cache.InstallCommand
	}
	if cfg.Cache.InstallTimeoutMS != 0 {
		def.Cache.InstallTimeoutMS = cfg.Cache.InstallTimeoutMS
	}
	// Process
	if len(cfg.Process.RunCommand) != 0 {
		def.Process.RunCommand = cfg.Process.RunCommand
	}
	if len(cfg.Process.ReapCommand) != 0 {
		def.Process.ReapCommand = cfg.Process.ReapCommand
	}
	if cfg.Process.LogBufferBytes != 0 {
		def.Process.LogBufferBytes = cfg.Process.LogBufferBytes
	}
	if cfg.Process.StopGraceMS != 0 {
		def.Process.StopGraceMS = cfg.Process.StopGraceMS
	}
	// Preview
	if cfg.Preview.Host != "" {
		def.Preview.Host = cfg.Preview.Host
	}
	if cfg.Preview.Attempts != 0 {
		def.Preview.Attempts = cfg.Preview.Attempts
	}
	if cfg.Preview.BaseDelayMS != 0 {
		def.Preview.BaseDelayMS = cfg.Preview.BaseDelayMS
	}
	if cfg.Preview.MaxDelayMS != 0 {
		def.Preview.MaxDelayMS = cfg.Preview.MaxDelayMS
	}
	if cfg.Preview.AttemptTimeoutMS != 0 {
		def.Preview.AttemptTimeoutMS = cfg.Preview.AttemptTimeoutMS
	}
	// Generation
	if cfg.Generation.BaseURL != "" {
		def.Generation.BaseURL = cfg.Generation.BaseURL
	}
	if cfg.Generation.Model != "" {
		def.Generation.Model = cfg.Generation.Model
	}
	if cfg.Generation.Temperature != 0 {
		def.Generation.Temperature = cfg.Generation.Temperature
	}
	if cfg.Generation.TimeoutMS != 0 {
		def.Generation.TimeoutMS = cfg.Generation.TimeoutMS
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.ServiceName != "" {
		def.Telemetry.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	// Store
	if cfg.Store.Path != "" {
		def.Store.Path = cfg.Store.Path
	}
	if cfg.Store.BusyTimeoutMS != 0 {
		def.Store.BusyTimeoutMS = cfg.Store.BusyTimeoutMS
	}
	return def
}

// ApplyEnv overlays environment variables onto cfg. lookup is usually os.LookupEnv.
func ApplyEnv(cfg Config, lookup func(string) (string, bool)) Config {
	if v, ok := lookup("DRAFTHOUSE_ADDR"); ok && v != "" {
		cfg.Server.Addr = v
	}
	if v, ok := lookup("CLEANUP_SECRET"); ok && v != "" {
		cfg.Server.CleanupSecret = v
	}
	if v, ok := lookup("DRAFTHOUSE_WORKSPACE_ROOT"); ok && v != "" {
		cfg.Workspace.Root = v
	}
	if v, ok := lookup("GENERATION_API_KEY"); ok {
		cfg.Generation.APIKey = v
	}
	if v, ok := lookup("GENERATION_BASE_URL"); ok && v != "" {
		cfg.Generation.BaseURL = v
	}
	if v, ok := lookup("GENERATION_MODEL"); ok && v != "" {
		cfg.Generation.Model = v
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v, ok := lookup("DRAFTHOUSE_TELEMETRY"); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.Enabled = b
		}
	}
	return cfg
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c ServerConfig) EventsPollInterval() time.Duration { return ms(c.EventsPollIntervalMS) }
func (c ServerConfig) ShutdownTimeout() time.Duration    { return ms(c.ShutdownTimeoutMS) }

func (c WorkspaceConfig) MaxAge() time.Duration { return time.Duration(c.MaxAgeHours) * time.Hour }
func (c WorkspaceConfig) Grace() time.Duration  { return time.Duration(c.GraceMinutes) * time.Minute }

func (c CacheConfig) InstallTimeout() time.Duration { return ms(c.InstallTimeoutMS) }
func (c ProcessConfig) StopGrace() time.Duration    { return ms(c.StopGraceMS) }

func (c PreviewConfig) BaseDelay() time.Duration      { return ms(c.BaseDelayMS) }
func (c PreviewConfig) MaxDelay() time.Duration       { return ms(c.MaxDelayMS) }
func (c PreviewConfig) AttemptTimeout() time.Duration { return ms(c.AttemptTimeoutMS) }

func (c GenerationConfig) Timeout() time.Duration { return ms(c.TimeoutMS) }
func (c StoreConfig) BusyTimeout() time.Duration  { return ms(c.BusyTimeoutMS) }
