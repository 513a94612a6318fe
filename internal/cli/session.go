package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/session"
	"github.com/phantom-sec/phantom/internal/store"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions"},
		Short:   "Inspect, export and search recorded sessions",
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionExportCmd())
	cmd.AddCommand(newSessionSearchCmd())
	cmd.AddCommand(newSessionDeleteCmd())
	return cmd
}

// sessionStore is the configured store opened for one session command.
type sessionStore struct {
	sessions  *session.Manager
	persister session.Persister
	db        *store.DB // nil with the file store
}

func openSessions() (*sessionStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	persister, db, err := openPersister(cfg, log)
	if err != nil {
		return nil, err
	}
	return &sessionStore{
		sessions:  session.NewManager(persister, log),
		persister: persister,
		db:        db,
	}, nil
}

func (s *sessionStore) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func newSessionListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openSessions()
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := st.sessions.List()
			if err != nil {
				return err
			}
			if asJSON {
				if list == nil {
					list = []session.Summary{}
				}
				return writeJSON(cmd.OutOrStdout(), list)
			}
			printSessionTable(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print summaries as JSON")
	return cmd
}

func printSessionTable(w io.Writer, list []session.Summary) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENTRIES\tTARGETS\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", s.ID, s.Name, s.Entries, s.Targets, s.UpdatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

// resultFilter combines the show filters; empty fields match everything.
type resultFilter struct {
	status   string
	pluginID string
	target   string
}

func (f resultFilter) predicate() func(domain.ExecutionResult) bool {
	var preds []func(domain.ExecutionResult) bool
	if f.status != "" {
		preds = append(preds, session.ByStatus(domain.Status(f.status)))
	}
	if f.pluginID != "" {
		preds = append(preds, session.ByPlugin(f.pluginID))
	}
	if f.target != "" {
		preds = append(preds, session.ByTarget(f.target))
	}
	return func(r domain.ExecutionResult) bool {
		for _, p := range preds {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

func newSessionShowCmd() *cobra.Command {
	var (
		filter resultFilter
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's results, optionally filtered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch domain.Status(filter.status) {
			case "", domain.StatusSuccess, domain.StatusFailed, domain.StatusTimedOut, domain.StatusCancelled:
			default:
				return fmt.Errorf("unknown status %q", filter.status)
			}

			st, err := openSessions()
			if err != nil {
				return err
			}
			defer st.Close()

			sess, err := st.sessions.Resolve(args[0])
			if err != nil {
				return err
			}

			var results []domain.ExecutionResult
			for r := range sess.Query(filter.predicate()) {
				results = append(results, r)
			}

			if asJSON {
				if results == nil {
					results = []domain.ExecutionResult{}
				}
				return writeJSON(cmd.OutOrStdout(), runOutput{SessionID: sess.ID(), Results: results})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Session: %s\n", sess.ID())
			fmt.Fprintf(w, "Name:    %s\n", sess.Name())
			fmt.Fprintf(w, "Created: %s\n", sess.CreatedAt().Local().Format(time.DateTime))
			fmt.Fprintf(w, "Targets: %d\n\n", len(sess.Targets()))
			if len(results) == 0 {
				fmt.Fprintln(w, "No matching results.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tPLUGIN\tTARGET\tSTATUS\tDURATION\tERROR")
			for i, r := range results {
				errText := ""
				if r.Error != nil {
					errText = string(r.Error.Kind) + ": " + r.Error.Message
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, r.PluginID, r.Target, r.Status,
					r.Duration.Round(time.Millisecond), errText)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&filter.status, "status", "", "only results with this status")
	cmd.Flags().StringVar(&filter.pluginID, "plugin", "", "only results from this plugin")
	cmd.Flags().StringVar(&filter.target, "target", "", "only results for this target")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func newSessionExportCmd() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session as JSON or a markdown report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openSessions()
			if err != nil {
				return err
			}
			defer st.Close()

			sess, err := st.sessions.Resolve(args[0])
			if err != nil {
				return err
			}
			data, err := session.Export(sess.Snapshot(), format)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return fmt.Errorf("writing export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported session %s to %s\n", sess.ID(), output)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", session.FormatJSON, "export format (json, markdown)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newSessionSearchCmd() *cobra.Command {
	var (
		sessionRef string
		limit      int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over stored results (sqlite store)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openSessions()
			if err != nil {
				return err
			}
			defer st.Close()
			if st.db == nil {
				return fmt.Errorf("search needs the sqlite session store (session.store: sqlite)")
			}

			findings := store.NewFindingStore(st.db)
			var found []store.Finding
			if sessionRef != "" {
				var sess *session.Session
				if sess, err = st.sessions.Resolve(sessionRef); err != nil {
					return err
				}
				found, err = findings.SearchBySession(sess.ID(), args[0], limit)
			} else {
				found, err = findings.Search(args[0], limit)
			}
			if err != nil {
				return err
			}

			if asJSON {
				if found == nil {
					found = []store.Finding{}
				}
				return writeJSON(cmd.OutOrStdout(), found)
			}
			w := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(w, "No matches.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tPLUGIN\tTARGET\tSTATUS\tMATCH")
			for _, f := range found {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(f.SessionID), f.PluginID, f.Target, f.Status, f.Snippet)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&sessionRef, "session", "", "restrict to one session (id or unique prefix)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of matches")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print matches as JSON")
	return cmd
}

func newSessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openSessions()
			if err != nil {
				return err
			}
			defer st.Close()

			sess, err := st.sessions.Resolve(args[0])
			if err != nil {
				return err
			}
			d, ok := st.persister.(interface{ Delete(id string) error })
			if !ok {
				return fmt.Errorf("session store does not support delete")
			}
			if err := d.Delete(sess.ID()); err != nil {
				return err
			}
			st.sessions.Forget(sess.ID())
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", sess.ID())
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
