package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"facecam-go/internal/backend"
)

func newBackendCmd(a *app) *cobra.Command {
	var (
		port       int
		delay      time.Duration
		requestAck bool
	)
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Serve a model-free stand-in for the inference backend",
		Long: "Serves the same Socket.IO namespaces and events as the inference backend. " +
			"Regions come from skin-toned pixels and labels are derived from them, which " +
			"is enough to exercise the client against the simulator source.",
		RunE: func(cmd *cobra.Command, args []string) error {
			routes := make([]backend.Route, 0, len(a.cfg.Capabilities))
			for _, cc := range a.cfg.Enabled() {
				routes = append(routes, backend.Route{
					Capability:    cc.Capability,
					Namespace:     cc.Namespace,
					RequestEvent:  cc.RequestEvent,
					ResponseEvent: cc.ResponseEvent,
				})
			}
			srv := backend.New(backend.Options{
				Responder:  backend.DemoResponder(routes),
				RequestAck: requestAck,
				Delay:      delay,
			}, a.logger.Named("backend"))

			httpServer := &http.Server{
				Addr:              net.JoinHostPort("", strconv.Itoa(port)),
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
				a.logger.Infow("backend stopped", "counts", srv.Counts().String())
			}()
			a.logger.Infow("serving stand-in backend", "port", port, "capabilities", len(routes))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "listen", 5000, "Port to listen on")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay added before every reply")
	cmd.Flags().BoolVar(&requestAck, "ack", false, "Ask the client to acknowledge every reply")
	return cmd
}
