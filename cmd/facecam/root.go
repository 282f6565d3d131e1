package main

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"facecam-go/internal/config"
	"facecam-go/internal/logging"
)

// Version is the application version.
const Version = "0.1.0"

// flagValues holds the command line overrides. Only flags the user set are applied.
type flagValues struct {
	configPath   string
	envFile      string
	backend      string
	source       string
	device       string
	inputFormat  string
	zmqEndpoint  string
	port         int
	rawLogDir    string
	mqttBroker   string
	mqttEncoding string
	maxInFlight  int
	renderEvery  time.Duration
	drawLabels   bool
	rejectStale  bool
	debug        bool
}

type app struct {
	flags  flagValues
	cfg    config.AppConfig
	logger *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "facecam",
		Short:         "Real-time webcam face analysis client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	f := root.PersistentFlags()
	f.StringVarP(&a.flags.configPath, "config", "c", "", "Path to a YAML config file")
	f.StringVar(&a.flags.envFile, "env-file", ".env", "Environment file to load before reading FACECAM_* variables")
	f.StringVarP(&a.flags.backend, "backend", "b", "", "Inference backend base URL")
	f.StringVarP(&a.flags.source, "source", "s", "", "Frame source: simulator, ffmpeg or zmq")
	f.StringVar(&a.flags.device, "device", "", "Camera device or video file for the ffmpeg source")
	f.StringVar(&a.flags.inputFormat, "input-format", "", "ffmpeg input format (v4l2, avfoundation, dshow; empty for files)")
	f.StringVar(&a.flags.zmqEndpoint, "zmq-endpoint", "", "ZMQ endpoint for the zmq source")
	f.IntVarP(&a.flags.port, "port", "p", 0, "HTTP port for the preview UI (0 disables it)")
	f.StringVar(&a.flags.rawLogDir, "raw-log-dir", "", "Record every socket frame to a raw log in this directory")
	f.StringVar(&a.flags.mqttBroker, "mqtt-broker", "", "Mirror the overlay to this MQTT broker")
	f.StringVar(&a.flags.mqttEncoding, "mqtt-encoding", "", "MQTT payload encoding: json or msgpack")
	f.IntVar(&a.flags.maxInFlight, "max-in-flight", 0, "Outstanding requests per capability before ticks are skipped (0 = unlimited)")
	f.DurationVar(&a.flags.renderEvery, "render-interval", 0, "Render tick period")
	f.BoolVar(&a.flags.drawLabels, "draw-labels", false, "Draw the labels above the region")
	f.BoolVar(&a.flags.rejectStale, "reject-stale", false, "Ignore responses older than the last applied one")
	f.BoolVar(&a.flags.debug, "debug", false, "Debug logging")

	runCmd := newRunCmd(a)
	root.Args = cobra.NoArgs
	root.RunE = runCmd.RunE
	root.AddCommand(runCmd, newBackendCmd(a), newConfigCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := godotenv.Load(a.flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return err
	}
	applyFlags(cmd, a.flags, &cfg)
	if err := config.Validate(&cfg); err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.NewLogger("facecam", cfg.Debug)
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func applyFlags(cmd *cobra.Command, f flagValues, cfg *config.AppConfig) {
	changed := cmd.Flags().Changed
	if changed("backend") {
		cfg.Backend = f.backend
	}
	if changed("source") {
		cfg.Source = f.source
	}
	if changed("device") {
		cfg.Device = f.device
	}
	if changed("input-format") {
		cfg.InputFormat = f.inputFormat
	}
	if changed("zmq-endpoint") {
		cfg.ZMQEndpoint = f.zmqEndpoint
	}
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("raw-log-dir") {
		cfg.RawLogDir = f.rawLogDir
	}
	if changed("mqtt-broker") {
		cfg.MQTTBroker = f.mqttBroker
	}
	if changed("mqtt-encoding") {
		cfg.MQTTEncoding = f.mqttEncoding
	}
	if changed("max-in-flight") {
		cfg.MaxInFlight = f.maxInFlight
	}
	if changed("render-interval") {
		cfg.RenderInterval = f.renderEvery
	}
	if changed("draw-labels") {
		cfg.DrawLabels = f.drawLabels
	}
	if changed("reject-stale") {
		cfg.RejectStale = f.rejectStale
	}
	if changed("debug") {
		cfg.Debug = f.debug
	}
}
