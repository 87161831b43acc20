package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/satindergrewal/duplex/internal/config"
)

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	v      *viper.Viper
	file   string
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:           "duplex",
		Short:         "Two-way real-time voice over UDP",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.file)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = initLogger(cfg.Log)
			slog.SetDefault(a.logger)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.file, "config", "", "YAML config file")
	flags.Int("sample-rate", a.v.GetInt("audio.sample_rate"), "Sample rate in Hz")
	flags.Int("channels", a.v.GetInt("audio.channels"), "Channel count (1 or 2)")
	flags.Int("frame-size", a.v.GetInt("audio.frame_size"), "Samples per channel per frame")
	flags.String("input", a.v.GetString("audio.input"), "Capture device name")
	flags.String("output", a.v.GetString("audio.output"), "Playback device name")
	flags.String("file", a.v.GetString("audio.file"), "Send this audio file instead of the microphone")
	flags.Int("bitrate", a.v.GetInt("codec.bitrate"), "Opus bitrate in bits per second")
	flags.Int("complexity", a.v.GetInt("codec.complexity"), "Opus complexity 0-10")
	flags.String("application", a.v.GetString("codec.application"), "Opus application: voip, audio or lowdelay")
	flags.String("monitor", a.v.GetString("monitor.listen"), "Serve status, metrics and listen-in on this address")
	flags.String("log-level", a.v.GetString("log.level"), "Log level: debug, info, warn, error")
	flags.String("log-format", a.v.GetString("log.format"), "Log format: text or json")
	flags.String("log-output", a.v.GetString("log.output"), "Log output: stdout, stderr or a file path")

	for key, flag := range map[string]string{
		"audio.sample_rate": "sample-rate",
		"audio.channels":    "channels",
		"audio.frame_size":  "frame-size",
		"audio.input":       "input",
		"audio.output":      "output",
		"audio.file":        "file",
		"codec.bitrate":     "bitrate",
		"codec.complexity":  "complexity",
		"codec.application": "application",
		"monitor.listen":    "monitor",
		"log.level":         "log-level",
		"log.format":        "log-format",
		"log.output":        "log-output",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	root.AddCommand(
		loopbackCmd(a),
		callCmd(a),
		devicesCmd(a),
	)
	return root
}
