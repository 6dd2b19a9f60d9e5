package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskboard/gateway"
	"github.com/vinayprograms/taskboard/render"
	"github.com/vinayprograms/taskboard/shutdown"
	"github.com/vinayprograms/taskboard/store"
	"github.com/vinayprograms/taskboard/surface"
	"github.com/vinayprograms/taskboard/transport"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var origins []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller: action events from the bus and JSON-RPC over WebSocket",
		Long: `Run the lifecycle controller until SIGINT or SIGTERM.

Chat adapters publish action events on <subject_prefix>.actions and
receive the result as a reply. Operators and adapters can also call the
JSON-RPC methods on rpc.listen + rpc.path.

Examples:
  taskboard serve
  taskboard serve -c /etc/taskboard/taskboard.toml --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, origins)
		},
	}
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "allowed WebSocket Origin (repeatable); any origin when unset")
	return cmd
}

func runServe(opts *rootOptions, origins []string) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.coord.HandleSignals()
	if err := a.openController(ctx); err != nil {
		a.close()
		return err
	}

	listener := gateway.NewListener(a.bus, a.ctl, gateway.ListenerConfig{
		Subject: a.cfg.ActionSubject(),
		Queue:   a.cfg.Actions.Queue,
	}, gateway.WithLogger(a.log), gateway.WithTracer(a.tracer))
	if err := listener.Start(ctx); err != nil {
		a.close()
		return err
	}
	a.coord.Register("actions", shutdown.PhaseIngress, shutdown.Stopper(listener.Stop))

	if a.cfg.RPC.Listen != "" {
		if err := a.serveRPC(origins); err != nil {
			a.close()
			return err
		}
	}

	a.log.Info("taskboard_started", map[string]interface{}{
		"version": version,
		"store":   a.cfg.Store.Driver,
		"surface": a.cfg.Surface.Mode,
		"actions": a.cfg.ActionSubject(),
	})

	<-a.coord.Done()
	return a.coord.Err()
}

// serveRPC starts the JSON-RPC endpoint. A listen failure after startup
// shuts the whole process down.
func (a *app) serveRPC(origins []string) error {
	token := a.creds.GatewayToken()
	if token == "" {
		a.log.Warn("rpc_unauthenticated", map[string]interface{}{"listen": a.cfg.RPC.Listen})
	}

	rpc := transport.NewServer(gateway.NewMethods(a.ctl), transport.WithServerLogger(a.log))
	handler := transport.NewWebSocketHandler(rpc,
		transport.WithToken(token),
		transport.WithOrigins(origins...),
		transport.WithHandlerLogger(a.log),
	)

	mux := http.NewServeMux()
	mux.Handle(a.cfg.RPC.Path, handler)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", a.cfg.RPC.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.RPC.Listen, err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("rpc_serve_failed", map[string]interface{}{"error": err.Error()})
			a.coord.Trigger()
		}
	}()

	a.coord.Register("rpc", shutdown.PhaseIngress, shutdown.Func(srv.Shutdown))
	a.coord.Register("rpc-sessions", shutdown.PhaseDrain, shutdown.Func(handler.Close))
	a.log.Info("rpc_listening", map[string]interface{}{"addr": ln.Addr().String(), "path": a.cfg.RPC.Path})
	return nil
}

func newSurfaceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "surface",
		Short: "Answer surface requests from the bus with a logging in-memory surface",
		Long: `Stand in for a chat gateway during development. Posts and deletes
requested by a controller running with surface.mode = "bus" are kept in
memory and logged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			a.coord.HandleSignals()
			if err := a.openBus(); err != nil {
				a.close()
				return err
			}

			backend := &loggingSurface{MemorySurface: surface.NewMemorySurface(), app: a}
			responder := surface.NewResponder(a.bus, a.subjects, backend, surface.WithResponderLogger(a.log))
			if err := responder.Start(context.Background()); err != nil {
				a.close()
				return err
			}
			a.coord.Register("responder", shutdown.PhaseDrain, shutdown.Stopper(responder.Stop))
			a.log.Info("surface_ready", map[string]interface{}{"prefix": a.subjects.Prefix})

			<-a.coord.Done()
			return a.coord.Err()
		},
	}
}

// loggingSurface logs every post and delete it keeps.
type loggingSurface struct {
	*surface.MemorySurface
	app *app
}

func (s *loggingSurface) Post(ctx context.Context, channelID string, content render.Content) (store.MessageRef, error) {
	ref, err := s.MemorySurface.Post(ctx, channelID, content)
	if err != nil {
		return ref, err
	}
	fields := map[string]interface{}{"channel": channelID, "ref": string(ref)}
	if content.Embed != nil {
		fields["title"] = content.Embed.Title
	} else {
		fields["text"] = content.Text
	}
	s.app.log.Info("surface_post", fields)
	return ref, nil
}

func (s *loggingSurface) Delete(ctx context.Context, ref store.MessageRef) error {
	err := s.MemorySurface.Delete(ctx, ref)
	if err == nil {
		s.app.log.Info("surface_delete", map[string]interface{}{"ref": string(ref)})
	}
	return err
}
