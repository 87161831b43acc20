package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/spf13/viper"

	"github.com/satindergrewal/duplex/internal/audio"
	"github.com/satindergrewal/duplex/internal/codec"
)

// EnvPrefix namespaces environment overrides, e.g. DUPLEX_NET_LOCAL_PORT.
const EnvPrefix = "DUPLEX"

// Config holds all runtime configuration. Values come from defaults, then
// an optional YAML file, then DUPLEX_* environment variables, then flags.
type Config struct {
	Audio   AudioConfig   `mapstructure:"audio"`
	Codec   CodecConfig   `mapstructure:"codec"`
	Net     NetConfig     `mapstructure:"net"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Log     LogConfig     `mapstructure:"log"`
}

type AudioConfig struct {
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	FrameSize  int    `mapstructure:"frame_size"` // samples per channel
	Input      string `mapstructure:"input"`      // capture device name, or "default"
	Output     string `mapstructure:"output"`     // playback device name, or "default"
	File       string `mapstructure:"file"`       // play this file instead of capturing
}

type CodecConfig struct {
	Bitrate     int    `mapstructure:"bitrate"`
	Complexity  int    `mapstructure:"complexity"`
	Application string `mapstructure:"application"`
}

type NetConfig struct {
	LocalPort  int    `mapstructure:"local_port"`
	RemoteHost string `mapstructure:"remote_host"`
	RemotePort int    `mapstructure:"remote_port"`
}

type MonitorConfig struct {
	Listen string `mapstructure:"listen"` // empty disables the monitor
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
	Output string `mapstructure:"output"` // stdout, stderr or a file path
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("audio.sample_rate", audio.DefaultSampleRate)
	v.SetDefault("audio.channels", audio.DefaultChannels)
	v.SetDefault("audio.frame_size", audio.DefaultFrameSize)
	v.SetDefault("audio.input", "default")
	v.SetDefault("audio.output", "default")
	v.SetDefault("audio.file", "")

	v.SetDefault("codec.bitrate", codec.DefaultBitrate)
	v.SetDefault("codec.complexity", codec.DefaultComplexity)
	v.SetDefault("codec.application", string(codec.AppVoIP))

	v.SetDefault("net.local_port", 12345)
	v.SetDefault("net.remote_host", "")
	v.SetDefault("net.remote_port", 0)

	v.SetDefault("monitor.listen", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
}

// Load reads file, if given, and decodes the merged configuration.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Format is the session audio format.
func (c Config) Format() audio.Format {
	return audio.Format{SampleRate: c.Audio.SampleRate, Channels: c.Audio.Channels, FrameSize: c.Audio.FrameSize}
}

// CodecSettings is the encoder tuning.
func (c Config) CodecSettings() codec.Config {
	return codec.Config{
		Application: codec.Application(c.Codec.Application),
		Bitrate:     c.Codec.Bitrate,
		Complexity:  c.Codec.Complexity,
	}
}

// Validate checks everything a session needs before any component is
// built. network requires a usable remote endpoint.
func (c Config) Validate(network bool) error {
	var errs []error
	if err := c.Format().Validate(); err != nil {
		errs = append(errs, err)
	}

	switch codec.Application(strings.ToLower(c.Codec.Application)) {
	case codec.AppVoIP, codec.AppAudio, codec.AppLowDelay:
	default:
		errs = append(errs, fmt.Errorf("codec.application %q: want voip, audio or lowdelay", c.Codec.Application))
	}
	if c.Codec.Bitrate < 6000 || c.Codec.Bitrate > 510000 {
		errs = append(errs, fmt.Errorf("codec.bitrate %d: want 6000-510000", c.Codec.Bitrate))
	}
	if c.Codec.Complexity < 0 || c.Codec.Complexity > 10 {
		errs = append(errs, fmt.Errorf("codec.complexity %d: want 0-10", c.Codec.Complexity))
	}

	if network {
		if c.Net.LocalPort < 0 || c.Net.LocalPort > 65535 {
			errs = append(errs, fmt.Errorf("net.local_port %d out of range", c.Net.LocalPort))
		}
		if _, err := netip.ParseAddr(c.Net.RemoteHost); err != nil {
			errs = append(errs, fmt.Errorf("net.remote_host %q: not an IP address", c.Net.RemoteHost))
		}
		if c.Net.RemotePort <= 0 || c.Net.RemotePort > 65535 {
			errs = append(errs, fmt.Errorf("net.remote_port %d out of range", c.Net.RemotePort))
		}
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
}
