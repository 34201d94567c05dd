// ABOUTME: Bridge configuration from defaults, a YAML file, environment and command-line flags
// ABOUTME: Later sources win: defaults < file < SQUEEZE2DIRETTA_* environment < flags
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/cometdom/Squeeze2Diretta/internal/bridge"
	"github.com/cometdom/Squeeze2Diretta/pkg/discovery"
	"github.com/cometdom/Squeeze2Diretta/pkg/sink"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SQUEEZE2DIRETTA_"

// Config is the complete bridge configuration
type Config struct {
	Target   TargetConfig        `yaml:"target"`
	Transfer sink.TransferConfig `yaml:"transfer"`
	Bridge   BridgeConfig        `yaml:"bridge"`
	Decoder  DecoderConfig       `yaml:"squeezelite"`
	Logging  LoggingConfig       `yaml:"logging"`
	Metrics  MetricsConfig       `yaml:"metrics"`

	TUI     bool   `yaml:"tui"`
	Capture string `yaml:"capture"`

	// Command-line only
	List       bool   `yaml:"-"`
	Help       bool   `yaml:"-"`
	ConfigFile string `yaml:"-"`
}

// TargetConfig selects the rendering target
type TargetConfig struct {
	// Index is 1-based as shown by --list
	Index   int    `yaml:"index"`
	Addr    string `yaml:"addr"`
	Service string `yaml:"service"`

	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
}

// BridgeConfig tunes the pump and format transitions
type BridgeConfig struct {
	BufferSeconds float64                 `yaml:"buffer_seconds"`
	IdlePause     time.Duration           `yaml:"idle_pause"`
	MaxResync     int                     `yaml:"max_resync"`
	Transition    bridge.TransitionConfig `yaml:"transition"`
}

// DecoderConfig describes the squeezelite process
type DecoderConfig struct {
	Path         string        `yaml:"path"`
	Server       string        `yaml:"server"`
	Name         string        `yaml:"name"`
	MAC          string        `yaml:"mac"`
	Model        string        `yaml:"model"`
	Codecs       string        `yaml:"codecs"`
	Rates        string        `yaml:"rates"`
	SampleFormat int           `yaml:"sample_format"`
	GracePeriod  time.Duration `yaml:"grace_period"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Verbose bool   `yaml:"verbose"`
	Format  string `yaml:"format"`
	File    string `yaml:"file"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Target: TargetConfig{
			Index:            1,
			Service:          discovery.DefaultService,
			DiscoveryTimeout: discovery.DefaultTimeout,
			ConnectTimeout:   sink.DefaultConnectTimeout,
		},
		Transfer: sink.DefaultTransferConfig(),
		Bridge: BridgeConfig{
			BufferSeconds: 2.0,
			MaxResync:     bridge.DefaultMaxResync,
			Transition:    bridge.DefaultTransitionConfig(),
		},
		Decoder: DecoderConfig{
			Path:         "squeezelite",
			Name:         "squeeze2diretta",
			Model:        "SqueezeLite",
			SampleFormat: 24,
			GracePeriod:  3 * time.Second,
		},
		Logging: LoggingConfig{Format: "text"},
	}
}

// Parse builds the configuration for args (without the program name).
// lookupEnv is normally os.LookupEnv.
func Parse(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	// First pass only finds --config and --help
	first := Default()
	ffs := newFlagSet(&first)
	ffs.SetOutput(io.Discard)
	if err := ffs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if first.Help {
		cfg.Help = true
		return &cfg, nil
	}

	path := first.ConfigFile
	if path == "" {
		path, _ = lookupEnv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	fs := newFlagSet(&cfg)
	fs.SetOutput(io.Discard)

	var envErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if envErr != nil || ffs.Changed(f.Name) {
			return
		}
		if v, ok := lookupEnv(EnvName(f.Name)); ok {
			if err := fs.Set(f.Name, v); err != nil {
				envErr = fmt.Errorf("%s: %w", EnvName(f.Name), err)
			}
		}
	})
	if envErr != nil {
		return nil, envErr
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.ConfigFile = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// EnvName returns the environment variable overriding a flag
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Usage writes the flag help to w
func Usage(w io.Writer, program string) {
	cfg := Default()
	fs := newFlagSet(&cfg)
	fmt.Fprintf(w, "Usage: %s [options]\n\n", program)
	fmt.Fprintln(w, "Bridges squeezelite output to a Diretta-style network rendering target.")
	fmt.Fprintln(w)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, "\nEvery option can also be set as %s<OPTION>, for example %s.\n", EnvPrefix, EnvName("cycle-time"))
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("squeeze2diretta", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.BoolVarP(&cfg.List, "list", "l", cfg.List, "list rendering targets and exit")
	fs.IntVarP(&cfg.Target.Index, "target", "t", cfg.Target.Index, "rendering target `number` from --list")
	fs.StringVar(&cfg.Target.Addr, "target-addr", cfg.Target.Addr, "connect to `host:port` instead of discovering")
	fs.Float64VarP(&cfg.Bridge.BufferSeconds, "buffer", "b", cfg.Bridge.BufferSeconds, "target buffer in `seconds`")

	fs.IntVar(&cfg.Transfer.ThreadMode, "thread-mode", cfg.Transfer.ThreadMode, "transfer thread mode bitmask")
	fs.Var(micros{&cfg.Transfer.CycleTime}, "cycle-time", "transfer cycle max time in `µs`")
	fs.Var(micros{&cfg.Transfer.CycleMinTime}, "cycle-min-time", "transfer cycle min time in `µs`")
	fs.Var(micros{&cfg.Transfer.InfoCycle}, "info-cycle", "info packet cycle time in `µs`")
	fs.IntVar(&cfg.Transfer.MTU, "mtu", cfg.Transfer.MTU, "network MTU in `bytes`")

	fs.StringVar(&cfg.Decoder.Path, "squeezelite", cfg.Decoder.Path, "squeezelite binary `path`")
	fs.StringVarP(&cfg.Decoder.Server, "server", "s", cfg.Decoder.Server, "LMS `server[:port]` (default: autodiscovery)")
	fs.StringVarP(&cfg.Decoder.Name, "name", "n", cfg.Decoder.Name, "player `name`")
	fs.StringVarP(&cfg.Decoder.MAC, "mac", "m", cfg.Decoder.MAC, "player MAC `address`")
	fs.StringVarP(&cfg.Decoder.Model, "model", "M", cfg.Decoder.Model, "player model `name`")
	fs.StringVarP(&cfg.Decoder.Codecs, "codecs", "c", cfg.Decoder.Codecs, "restrict codecs (`list`)")
	fs.StringVarP(&cfg.Decoder.Rates, "rates", "r", cfg.Decoder.Rates, "supported sample `rates`")
	fs.IntVarP(&cfg.Decoder.SampleFormat, "sample-format", "a", cfg.Decoder.SampleFormat, "sample format: 16, 24 or 32")

	fs.DurationVar(&cfg.Bridge.IdlePause, "idle-pause", cfg.Bridge.IdlePause, "pause the target after this much decoder silence (0 disables)")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config `file`")
	fs.StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr, "serve Prometheus metrics on `addr`")
	fs.BoolVar(&cfg.TUI, "tui", cfg.TUI, "show the interactive status screen")
	fs.StringVar(&cfg.Capture, "capture", cfg.Capture, "also write delivered PCM as WAV files into `dir`")
	fs.StringVar(&cfg.Logging.File, "log-file", cfg.Logging.File, "write logs to `file` instead of stderr")
	fs.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "log format: text or json")
	fs.BoolVarP(&cfg.Logging.Verbose, "verbose", "v", cfg.Logging.Verbose, "verbose logging")
	fs.BoolVarP(&cfg.Help, "help", "h", false, "show this help")

	return fs
}

// micros is a flag value holding a duration written as whole microseconds
type micros struct {
	d *time.Duration
}

func (m micros) String() string {
	if m.d == nil {
		return "0"
	}
	return strconv.FormatInt(int64(*m.d/time.Microsecond), 10)
}

func (m micros) Set(s string) error {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return errors.New("expected whole microseconds")
	}
	*m.d = time.Duration(v) * time.Microsecond
	return nil
}

func (m micros) Type() string {
	return "int"
}

// TargetIndex returns the 0-based target index
func (c *Config) TargetIndex() int {
	return c.Target.Index - 1
}

// DecoderArgs returns squeezelite's arguments: raw output on stdout plus passthrough options
func (c *Config) DecoderArgs() []string {
	d := c.Decoder
	args := []string{
		"-o", "-",
		"-a", strconv.Itoa(d.SampleFormat),
		"-n", d.Name,
		"-M", d.Model,
	}
	if d.Server != "" {
		args = append(args, "-s", d.Server)
	}
	if d.MAC != "" {
		args = append(args, "-m", d.MAC)
	}
	if d.Codecs != "" {
		args = append(args, "-c", d.Codecs)
	}
	if d.Rates != "" {
		args = append(args, "-r", d.Rates)
	}
	return args
}

// Validate performs validation of the whole configuration
func (c *Config) Validate() error {
	if err := c.Target.Validate(); err != nil {
		return fmt.Errorf("target config: %w", err)
	}
	if err := c.Transfer.Validate(); err != nil {
		return fmt.Errorf("transfer config: %w", err)
	}
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}
	if err := c.Decoder.Validate(); err != nil {
		return fmt.Errorf("squeezelite config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates target selection
func (t *TargetConfig) Validate() error {
	if t.Index < 1 {
		return fmt.Errorf("target number must be at least 1, got %d", t.Index)
	}
	if t.DiscoveryTimeout <= 0 {
		return fmt.Errorf("discovery_timeout must be positive")
	}
	if t.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	return nil
}

// Validate validates bridge tuning
func (b *BridgeConfig) Validate() error {
	if b.BufferSeconds <= 0 || b.BufferSeconds > 60 {
		return fmt.Errorf("buffer must be between 0 and 60 seconds, got %g", b.BufferSeconds)
	}
	if b.IdlePause < 0 {
		return fmt.Errorf("idle_pause must not be negative")
	}
	if b.MaxResync < 1 {
		return fmt.Errorf("max_resync must be at least 1, got %d", b.MaxResync)
	}
	return b.Transition.Validate()
}

// Validate validates the decoder settings
func (d *DecoderConfig) Validate() error {
	if d.Path == "" {
		return fmt.Errorf("squeezelite path cannot be empty")
	}
	switch d.SampleFormat {
	case 16, 24, 32:
	default:
		return fmt.Errorf("sample format must be 16, 24 or 32, got %d", d.SampleFormat)
	}
	if d.Name == "" {
		return fmt.Errorf("player name cannot be empty")
	}
	if d.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive")
	}
	return nil
}

// Validate validates logging settings
func (l *LoggingConfig) Validate() error {
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", l.Format)
	}
	return nil
}
