package main

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"facecam-go/internal/capture"
	"facecam-go/internal/channel"
	"facecam-go/internal/config"
	"facecam-go/internal/mirror"
	"facecam-go/internal/output"
	"facecam-go/internal/overlay"
	"facecam-go/internal/probe"
	"facecam-go/internal/server"
	"facecam-go/internal/session"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Capture, render and stream frames to the inference backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), a.cfg, a.logger, openSource)
		},
	}
}

// sourceOpener starts a frame source. The source stops once ctx is cancelled.
type sourceOpener func(ctx context.Context, cfg config.AppConfig, logger *zap.SugaredLogger) (capture.Source, error)

func openSource(ctx context.Context, cfg config.AppConfig, logger *zap.SugaredLogger) (capture.Source, error) {
	switch cfg.Source {
	case "simulator":
		return capture.NewSimulator(ctx, clock.New(), cfg.SimWidth, cfg.SimHeight, cfg.SimFrameRate), nil
	case "ffmpeg":
		return capture.NewFFmpegSource(ctx, logger.Named("ffmpeg"), cfg.InputFormat, cfg.Device)
	case "zmq":
		return capture.NewZMQSource(ctx, logger.Named("zmq"), cfg.ZMQEndpoint)
	}
	return nil, fmt.Errorf("%w: unknown source %q", config.ErrInvalidConfig, cfg.Source)
}

func run(ctx context.Context, cfg config.AppConfig, logger *zap.SugaredLogger, open sourceOpener) (err error) {
	sessionID := uuid.NewString()
	logger = logger.With("session", sessionID[:8])

	// Sources stop on their own context; cancel it before Close on every return path.
	srcCtx, stopSource := context.WithCancel(ctx)
	src, err := open(srcCtx, cfg, logger)
	if err != nil {
		stopSource()
		return fmt.Errorf("failed to open %s source: %w", cfg.Source, err)
	}
	defer func() {
		stopSource()
		err = multierr.Append(err, src.Close())
	}()

	var recorder channel.Recorder
	if cfg.RawLogDir != "" {
		writer, rerr := output.NewRawLogWriter(cfg.RawLogDir, "session", cfg.Backend)
		if rerr != nil {
			return fmt.Errorf("failed to start raw log: %w", rerr)
		}
		defer func() { err = multierr.Append(err, writer.Close()) }()
		recorder = writer
		logger.Infow("recording session", "path", writer.Path())
	}

	sess, err := session.New(session.Options{Config: cfg, Source: src, Recorder: recorder}, logger.Named("session"))
	if err != nil {
		return err
	}

	var mqttMirror *mirror.Mirror
	if cfg.MQTTBroker != "" {
		mqttMirror = mirror.New(cfg.MQTTBroker, cfg.MQTTPrefix, cfg.MQTTEncoding, "facecam-"+sessionID, logger.Named("mqtt"))
		if merr := mqttMirror.Connect(ctx); merr != nil {
			logger.Warnw("mqtt mirror unavailable, continuing without it", "error", merr)
			mqttMirror = nil
		} else {
			defer func() { err = multierr.Append(err, mqttMirror.Close()) }()
		}
	}

	var probeMu sync.Mutex
	var backendStatus probe.Status

	uiMessages := make(chan any, 16)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Run(ctx)
	})
	g.Go(func() error {
		sess.WatchOverlay(ctx, cfg.UIRate, func(snap overlay.Snapshot) {
			ui := snap.UI()
			select {
			case uiMessages <- ui:
			default:
			}
			if mqttMirror != nil {
				if perr := mqttMirror.Publish(ui); perr != nil {
					logger.Debugw("overlay mirror publish failed", "error", perr)
				}
			}
		})
		return nil
	})
	if cfg.ProbeRate > 0 {
		g.Go(func() error {
			probe.Poll(ctx, clock.New(), cfg.Backend, cfg.ProbePath, cfg.ProbeRate, func(s probe.Status) {
				probeMu.Lock()
				prev := backendStatus
				backendStatus = s
				probeMu.Unlock()
				if prev.State != s.State {
					logger.Infow("backend probe", "state", s.State, "latency", s.Latency)
				}
			})
			return nil
		})
	}
	if cfg.Port > 0 {
		hooks := server.Hooks{
			Snapshot: func() any { return sess.Overlay().Snapshot().UI() },
			Canvas: func(ctx context.Context) (image.Image, bool) {
				return sess.Snapshot(ctx)
			},
			Status: func() map[string]any {
				probeMu.Lock()
				bs := backendStatus
				probeMu.Unlock()
				return statusPayload(sessionID, sess.Stats(), src, bs, mqttMirror)
			},
		}
		g.Go(func() error {
			logger.Infow("starting preview UI", "url", fmt.Sprintf("http://localhost:%d", cfg.Port))
			return server.Run(ctx, cfg, uiMessages, hooks)
		})
	}

	return g.Wait()
}

func statusPayload(sessionID string, st session.Stats, src capture.Source, backend probe.Status, m *mirror.Mirror) map[string]any {
	samplers := make(map[string]any, len(st.Samplers))
	for c, s := range st.Samplers {
		samplers[string(c)] = s
	}
	responses := make(map[string]any, len(st.Responses))
	for c, r := range st.Responses {
		responses[string(c)] = r
	}
	payload := map[string]any{
		"session":         sessionID,
		"connected":       st.Connected,
		"overlay_version": st.OverlayVersion,
		"render":          st.Render,
		"transport":       st.Transport,
		"samplers":        samplers,
		"responses":       responses,
		"backend": map[string]any{
			"state":     backend.State,
			"reachable": backend.Reachable(),
			"latency":   backend.Latency.String(),
			"checked":   backend.Checked,
			"counts":    backend.Counts,
		},
	}
	if s, ok := src.(interface{ Stats() capture.Stats }); ok {
		payload["source"] = s.Stats()
	}
	if m != nil {
		payload["mqtt"] = m.Stats()
	}
	return payload
}
