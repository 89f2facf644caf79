package ops

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrMajorFrame   = errors.New("schedule.majorFrame must be > 0")
	ErrTaskInterval = errors.New("task interval must be > 0 and not exceed the major frame")
	ErrChannelName  = errors.New("channel name must not be empty")
	ErrPriors       = errors.New("ensemble.priors must be 3 non-negative weights summing to 1")
	ErrFeedKind     = errors.New("feed.kind must be synthetic or binance")
)

// Duration wraps time.Duration for YAML strings like "100ms".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ScheduleConfig mirrors the schedule section.
type ScheduleConfig struct {
	MajorFrame        Duration `yaml:"majorFrame"`
	IngestInterval    Duration `yaml:"ingestInterval"`
	SignalInterval    Duration `yaml:"signalInterval"`
	ControlInterval   Duration `yaml:"controlInterval"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	CountersInterval  Duration `yaml:"countersInterval"`
	CPUAffinity       []int    `yaml:"cpuAffinity"`
	RTPriority        int      `yaml:"rtPriority"`
	SpinThreshold     Duration `yaml:"spinThreshold"`
}

// PoolConfig mirrors the allocator section.
type PoolConfig struct {
	BlockCount int `yaml:"blockCount"`
	BlockSize  int `yaml:"blockSize"`
}

// ChannelConfig sizes one shared channel.
type ChannelConfig struct {
	Name     string `yaml:"name"`
	Capacity int    `yaml:"capacity"`
}

// ChannelsConfig names the three shared channels.
type ChannelsConfig struct {
	MarketData ChannelConfig `yaml:"marketData"`
	Signal     ChannelConfig `yaml:"signal"`
	Control    ChannelConfig `yaml:"control"`
}

// ModelConfig mirrors the volatility model section.
type ModelConfig struct {
	Omega       float64           `yaml:"omega"`
	Alpha       float64           `yaml:"alpha"`
	Beta        float64           `yaml:"beta"`
	MaxHistory  int               `yaml:"maxHistory"`
	Calibration CalibrationConfig `yaml:"calibration"`
}

// CalibrationConfig bounds the background calibration.
type CalibrationConfig struct {
	MaxIterations int      `yaml:"maxIterations"`
	Tolerance     float64  `yaml:"tolerance"`
	MinReturns    int      `yaml:"minReturns"`
	Interval      Duration `yaml:"interval"`
}

// EnsembleConfig mirrors the ensemble section.
type EnsembleConfig struct {
	Priors         []float64 `yaml:"priors"`
	RealizedWindow int       `yaml:"realizedWindow"`
	Horizon        int       `yaml:"horizon"`
}

// FeedConfig selects and parameterizes the market data source.
type FeedConfig struct {
	Kind     string `yaml:"kind"`
	Symbol   string `yaml:"symbol"`
	SymbolID uint32 `yaml:"symbolId"`
	Scale    int64  `yaml:"scale"`
	QueueLen int    `yaml:"queueLen"`
}

// ArchiveConfig enables the optional Postgres history store.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ObsConfig configures the diagnostics endpoint.
type ObsConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// Config is the process configuration, immutable after Load.
type Config struct {
	Schedule ScheduleConfig `yaml:"schedule"`
	Pool     PoolConfig     `yaml:"pool"`
	Channels ChannelsConfig `yaml:"channels"`
	Model    ModelConfig    `yaml:"model"`
	Ensemble EnsembleConfig `yaml:"ensemble"`
	Feed     FeedConfig     `yaml:"feed"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Obs      ObsConfig      `yaml:"obs"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Schedule: ScheduleConfig{
			MajorFrame:        Duration(100 * time.Millisecond),
			IngestInterval:    Duration(10 * time.Millisecond),
			SignalInterval:    Duration(50 * time.Millisecond),
			ControlInterval:   Duration(20 * time.Millisecond),
			HeartbeatInterval: Duration(100 * time.Millisecond),
			CountersInterval:  Duration(100 * time.Millisecond),
			SpinThreshold:     Duration(100 * time.Microsecond),
		},
		Pool: PoolConfig{BlockCount: 1024, BlockSize: 512},
		Channels: ChannelsConfig{
			MarketData: ChannelConfig{Name: "qv.marketdata", Capacity: 1024},
			Signal:     ChannelConfig{Name: "qv.signal", Capacity: 256},
			Control:    ChannelConfig{Name: "qv.control", Capacity: 64},
		},
		Model: ModelConfig{
			Omega:      0.00001,
			Alpha:      0.08,
			Beta:       0.90,
			MaxHistory: 1000,
			Calibration: CalibrationConfig{
				MaxIterations: 200,
				Tolerance:     1e-8,
				MinReturns:    250,
				Interval:      Duration(time.Minute),
			},
		},
		Ensemble: EnsembleConfig{
			Priors:         []float64{0.7, 0.2, 0.1},
			RealizedWindow: 20,
			Horizon:        5,
		},
		Feed: FeedConfig{
			Kind:     "synthetic",
			Symbol:   "BTCUSDT",
			SymbolID: 1,
			Scale:    100_000_000,
			QueueLen: 4096,
		},
		Obs: ObsConfig{ListenAddr: ":9110"},
	}
}

// Load reads a YAML config file over the defaults and validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the construction-time invariants. A violation here
// is fatal: the process refuses to start rather than run with an
// undefined cadence or an unstable model.
func (c Config) Validate() error {
	frame := c.Schedule.MajorFrame.Std()
	if frame <= 0 {
		return ErrMajorFrame
	}
	intervals := map[string]time.Duration{
		"ingestInterval":    c.Schedule.IngestInterval.Std(),
		"signalInterval":    c.Schedule.SignalInterval.Std(),
		"controlInterval":   c.Schedule.ControlInterval.Std(),
		"heartbeatInterval": c.Schedule.HeartbeatInterval.Std(),
		"countersInterval":  c.Schedule.CountersInterval.Std(),
	}
	for name, iv := range intervals {
		if iv <= 0 || iv > frame {
			return fmt.Errorf("%w: %s=%v frame=%v", ErrTaskInterval, name, iv, frame)
		}
	}
	if c.Pool.BlockCount <= 0 || c.Pool.BlockSize <= 0 {
		return fmt.Errorf("pool sizes must be > 0: count=%d size=%d", c.Pool.BlockCount, c.Pool.BlockSize)
	}
	for _, ch := range []ChannelConfig{c.Channels.MarketData, c.Channels.Signal, c.Channels.Control} {
		if ch.Name == "" {
			return ErrChannelName
		}
		if ch.Capacity <= 0 || ch.Capacity&(ch.Capacity-1) != 0 {
			return fmt.Errorf("channel %s capacity must be a power of two: %d", ch.Name, ch.Capacity)
		}
	}
	if c.Model.MaxHistory <= 0 {
		return fmt.Errorf("model.maxHistory must be > 0: %d", c.Model.MaxHistory)
	}
	if c.Model.Omega <= 0 || c.Model.Alpha < 0 || c.Model.Beta < 0 || c.Model.Alpha+c.Model.Beta >= 1 {
		return fmt.Errorf("model prior coefficients violate stationarity: omega=%g alpha=%g beta=%g",
			c.Model.Omega, c.Model.Alpha, c.Model.Beta)
	}
	if len(c.Ensemble.Priors) != 3 {
		return ErrPriors
	}
	sum := 0.0
	for _, w := range c.Ensemble.Priors {
		if w < 0 {
			return ErrPriors
		}
		sum += w
	}
	if sum < 1-1e-6 || sum > 1+1e-6 {
		return ErrPriors
	}
	if c.Ensemble.RealizedWindow < 2 {
		return fmt.Errorf("ensemble.realizedWindow must be > 1: %d", c.Ensemble.RealizedWindow)
	}
	if c.Ensemble.Horizon < 1 {
		return fmt.Errorf("ensemble.horizon must be >= 1: %d", c.Ensemble.Horizon)
	}
	switch c.Feed.Kind {
	case "synthetic", "binance":
	default:
		return fmt.Errorf("%w: %q", ErrFeedKind, c.Feed.Kind)
	}
	return nil
}
