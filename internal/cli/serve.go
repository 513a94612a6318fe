package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tillberg/autorestart"

	"github.com/phantom-sec/phantom/internal/config"
	"github.com/phantom-sec/phantom/internal/gateway"
	"github.com/phantom-sec/phantom/internal/hooks"
	"github.com/phantom-sec/phantom/internal/notify/irc"
)

func newServeCmd() *cobra.Command {
	var (
		port        int
		bind        string
		autoRestart bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway: HTTP/WebSocket API over the engine",
		Long: "Serve the plugin catalog, run API and live execution events over HTTP and WebSocket.\n" +
			"SIGHUP rescans the plugin sources; SIGINT or SIGTERM drains in-flight runs and exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if autoRestart {
				go autorestart.RestartOnChange()
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}
			if issues := config.Validate(&cfg); len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			// Load raw config for RPC access
			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				raw = make(map[string]any)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if cfg.Reporter.IRC != nil {
				n := irc.New(*cfg.Reporter.IRC, log)
				a.hooks.On(hooks.EventAll, "irc", n.Handler())
				go n.Start(ctx)
				defer func() {
					st := n.Status()
					log.Info().Int64("sent", st.Sent).Int64("skipped", st.Skipped).Str("lastError", st.LastError).Msg("irc reporter stopped")
				}()
			}

			go a.watchReload(ctx)

			srv := gateway.New(cfg, log,
				gateway.WithConfigRaw(raw),
				gateway.WithHooks(a.hooks),
				gateway.WithPlugins(a.registry),
				gateway.WithRunner(a.engine),
				gateway.WithSessions(a.sessions),
			)
			if err := srv.Start(ctx); err != nil {
				return err
			}

			if err := a.sessions.SaveAll(); err != nil {
				log.Warn().Err(err).Msg("saving sessions on shutdown")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")
	cmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "re-exec when the binary changes on disk")

	return cmd
}

// watchReload rescans plugin sources on every SIGHUP until ctx is done.
func (a *app) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.reload(ctx); err != nil {
				a.log.Warn().Err(err).Msg("plugin reload finished with errors")
			}
			a.log.Info().Int("plugins", a.registry.Count()).Msg("plugins reloaded")
		}
	}
}
