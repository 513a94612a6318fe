package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/phantom-sec/phantom/internal/config"
	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/version"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show phantom status and configuration summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "phantom %s (commit %s)\n\n", version.Version, version.Commit)

			// Show paths
			fmt.Fprintf(w, "Config:   %s\n", paths.Config)
			fmt.Fprintf(w, "Data:     %s\n", paths.Data)
			fmt.Fprintf(w, "Plugins:  %s\n", paths.Plugins)
			fmt.Fprintf(w, "Logs:     %s\n", paths.Logs)
			fmt.Fprintln(w)

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(w, "Config:   error loading: %v\n", err)
				return nil
			}

			e := cfg.Engine
			fmt.Fprintf(w, "Engine:   capacity=%d timeout=%s grace=%s cleanup=%s\n",
				e.Capacity, orNone(e.DefaultTimeout.String(), e.DefaultTimeout == 0), e.CancelGrace, e.CleanupTimeout)

			store := cfg.Session.Store
			fmt.Fprintf(w, "Session:  store=%s", store)
			if store == "file" {
				dir := cfg.Session.Dir
				if dir == "" {
					dir = paths.Sessions
				}
				fmt.Fprintf(w, " dir=%s", dir)
			} else {
				fmt.Fprintf(w, " db=%s", paths.Database())
			}
			fmt.Fprintln(w)

			fmt.Fprintf(w, "Gateway:  port=%d bind=%s auth=%s\n", cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode)

			if irc := cfg.Reporter.IRC; irc != nil {
				fmt.Fprintf(w, "IRC:      server=%s nick=%s channels=%s tls=%v\n",
					irc.Server, irc.Nick, strings.Join(irc.Channels, ","), irc.UseTLS)
			} else {
				fmt.Fprintln(w, "IRC:      (not configured)")
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(w, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(w, "  - %s: %s\n", issue.Path, issue.Message)
				}
				return nil
			}

			// Plugins
			reg, ws := newRegistry(cmd.Context(), cfg, log)
			if ws != nil {
				defer ws.Close(cmd.Context())
			}
			var counts []string
			for _, c := range domain.AllCategories {
				if n := len(reg.Descriptors(c)); n > 0 {
					counts = append(counts, fmt.Sprintf("%s=%d", c, n))
				}
			}
			fmt.Fprintf(w, "Plugins:  %d loaded", reg.Count())
			if len(counts) > 0 {
				fmt.Fprintf(w, " (%s)", strings.Join(counts, " "))
			}
			fmt.Fprintln(w)
			if len(cfg.Plugins.Disabled) > 0 {
				fmt.Fprintf(w, "Disabled: %s\n", strings.Join(cfg.Plugins.Disabled, ", "))
			}

			// Sessions
			persister, db, err := openPersister(cfg, log)
			if err != nil {
				fmt.Fprintf(w, "Sessions: error opening store: %v\n", err)
				return nil
			}
			if db != nil {
				defer db.Close()
			}
			list, err := persister.List()
			if err != nil {
				fmt.Fprintf(w, "Sessions: error listing: %v\n", err)
				return nil
			}
			fmt.Fprintf(w, "Sessions: %d saved\n", len(list))
			return nil
		},
	}

	return cmd
}

func orNone(s string, none bool) string {
	if none {
		return "none"
	}
	return s
}
