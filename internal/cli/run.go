package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/session"
)

// Exit codes for run. A batch exits with the highest code among its results.
const (
	exitSuccess   = 0
	exitInternal  = 1
	exitFailed    = 2
	exitTimedOut  = 3
	exitCancelled = 4
)

func statusExitCode(st domain.Status) int {
	switch st {
	case domain.StatusSuccess:
		return exitSuccess
	case domain.StatusTimedOut:
		return exitTimedOut
	case domain.StatusCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

func batchExitCode(results []domain.ExecutionResult) int {
	code := exitSuccess
	for _, r := range results {
		code = max(code, statusExitCode(r.Status))
	}
	return code
}

// parseOptions turns key=value flags into plugin options. Values are typed
// the same way config set types them.
func parseOptions(kvs []string) (map[string]any, error) {
	opts := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid option %q (want key=value)", kv)
		}
		opts[k] = parseValue(v)
	}
	return opts, nil
}

func buildRequests(pluginID string, targets []string, opts map[string]any, timeout time.Duration) []domain.ExecutionRequest {
	reqs := make([]domain.ExecutionRequest, len(targets))
	for i, t := range targets {
		reqs[i] = domain.ExecutionRequest{
			PluginID: pluginID,
			Target:   t,
			Options:  maps.Clone(opts),
			Timeout:  timeout,
		}
	}
	return reqs
}

type runOutput struct {
	SessionID string                   `json:"session_id"`
	Results   []domain.ExecutionResult `json:"results"`
}

func printResults(w io.Writer, sessionID string, results []domain.ExecutionResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runOutput{SessionID: sessionID, Results: results})
	}

	for _, r := range results {
		fmt.Fprintf(w, "[%s] %s -> %s (%s)\n", r.Status, r.PluginID, r.Target, r.Duration.Round(time.Millisecond))
		if r.Error != nil {
			fmt.Fprintf(w, "  %s: %s\n", r.Error.Kind, r.Error.Message)
			if r.Error.Cause != "" {
				fmt.Fprintf(w, "  cause: %s\n", r.Error.Cause)
			}
		}
		if len(r.Data) > 0 {
			data, err := json.MarshalIndent(r.Data, "  ", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  %s\n", data)
		}
	}
	fmt.Fprintf(w, "\nSession %s (%d result(s))\n", sessionID, len(results))
	return nil
}

func newRunCmd() *cobra.Command {
	var (
		options    []string
		timeout    time.Duration
		sessionRef string
		name       string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "run <plugin-id> <target>...",
		Short: "Run a plugin against one or more targets",
		Long: "Run a plugin against each target concurrently, record the results in a session and save it.\n" +
			"Exit status: 0 success, 2 failed, 3 timed out, 4 cancelled; a batch reports its worst result.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			if timeout < 0 {
				return fmt.Errorf("--timeout must not be negative")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			var sess *session.Session
			if sessionRef != "" {
				if sess, err = a.sessions.Resolve(sessionRef); err != nil {
					return fmt.Errorf("resuming session: %w", err)
				}
				if name != "" {
					sess.SetName(name)
				}
			} else {
				if name == "" {
					name = args[0]
				}
				sess = a.sessions.Create(name)
			}

			results := a.engine.SubmitAll(ctx, sess, buildRequests(args[0], args[1:], opts, timeout))

			saveErr := a.sessions.Save(sess.ID())
			if err := printResults(cmd.OutOrStdout(), sess.ID(), results, asJSON); err != nil {
				return err
			}
			if saveErr != nil {
				return fmt.Errorf("saving session: %w", saveErr)
			}

			if code := batchExitCode(results); code != exitSuccess {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "plugin option as key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-execution timeout (default from engine config)")
	cmd.Flags().StringVar(&sessionRef, "session", "", "append to an existing session (id or unique prefix)")
	cmd.Flags().StringVar(&name, "name", "", "session name")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")

	return cmd
}
