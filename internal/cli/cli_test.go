package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/session"
	"github.com/phantom-sec/phantom/internal/store"
	"github.com/phantom-sec/phantom/internal/version"
)

const md5Hash = "5f4dcc3b5aa765d61d8327deb882cf99"

// execute runs the root command in a fresh PHANTOM_HOME-scoped invocation.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "silent"}, args...))
	err := runRoot(cmd)
	return out.String(), err
}

func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("PHANTOM_HOME", home)
	return home
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}

func TestParseOptions(t *testing.T) {
	got, err := parseOptions([]string{"port=443", "verbose=true", "name=web-01", "ratio=0.5", " spaced =x", "empty="})
	require.NoError(t, err)
	want := map[string]any{
		"port":    443,
		"verbose": true,
		"name":    "web-01",
		"ratio":   0.5,
		"spaced":  "x",
		"empty":   "",
	}
	assert.Empty(t, cmp.Diff(want, got))

	for _, bad := range []string{"novalue", "=x", "  =x"} {
		_, err := parseOptions([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestBuildRequests_ClonesOptions(t *testing.T) {
	opts := map[string]any{"k": "v"}
	reqs := buildRequests("p", []string{"a", "b"}, opts, time.Second)
	require.Len(t, reqs, 2)
	reqs[0].Options["k"] = "changed"
	assert.Equal(t, "v", reqs[1].Options["k"])
	assert.Equal(t, "v", opts["k"])
	assert.Equal(t, "b", reqs[1].Target)
	assert.Equal(t, time.Second, reqs[1].Timeout)
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, exitSuccess, statusExitCode(domain.StatusSuccess))
	assert.Equal(t, exitFailed, statusExitCode(domain.StatusFailed))
	assert.Equal(t, exitTimedOut, statusExitCode(domain.StatusTimedOut))
	assert.Equal(t, exitCancelled, statusExitCode(domain.StatusCancelled))

	batch := []domain.ExecutionResult{
		{Status: domain.StatusSuccess},
		{Status: domain.StatusTimedOut},
		{Status: domain.StatusFailed},
	}
	assert.Equal(t, exitTimedOut, batchExitCode(batch))
	assert.Equal(t, exitSuccess, batchExitCode(nil))

	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 3, ExitCode(&ExitError{Code: 3}))
	assert.Equal(t, exitInternal, ExitCode(errors.New("boom")))
}

func TestPrintResults(t *testing.T) {
	results := []domain.ExecutionResult{
		{PluginID: "ping", Target: "h1", Status: domain.StatusSuccess, Duration: 1500 * time.Microsecond, Data: map[string]any{"alive": true}},
		{PluginID: "ping", Target: "h2", Status: domain.StatusFailed,
			Error: domain.NewExecError(domain.ErrExecutionError, "unreachable", errors.New("no route"))},
	}
	var buf bytes.Buffer
	require.NoError(t, printResults(&buf, "sess-1", results, false))
	out := buf.String()
	assert.Contains(t, out, "[success] ping -> h1 (2ms)")
	assert.Contains(t, out, `"alive": true`)
	assert.Contains(t, out, "ExecutionError: unreachable")
	assert.Contains(t, out, "cause: no route")
	assert.Contains(t, out, "Session sess-1 (2 result(s))")

	buf.Reset()
	require.NoError(t, printResults(&buf, "sess-1", results, true))
	got := decode[runOutput](t, buf.String())
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Len(t, got.Results, 2)
}

func TestResultFilter(t *testing.T) {
	r := domain.ExecutionResult{PluginID: "ping", Target: "h1", Status: domain.StatusFailed}
	assert.True(t, resultFilter{}.predicate()(r))
	assert.True(t, resultFilter{status: "failed", pluginID: "ping"}.predicate()(r))
	assert.False(t, resultFilter{status: "failed", target: "h2"}.predicate()(r))
}

func TestCLI_Version(t *testing.T) {
	withHome(t)
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "phantom "+version.Version)

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)
	assert.Equal(t, version.Get(), decode[version.BuildInfo](t, out))
}

func TestCLI_Plugins(t *testing.T) {
	withHome(t)

	out, err := execute(t, "plugins", "list", "--json")
	require.NoError(t, err)
	descs := decode[[]domain.PluginDescriptor](t, out)
	var ids []string
	for _, d := range descs {
		ids = append(ids, d.ID)
	}
	assert.Contains(t, ids, "hash-identify")

	out, err = execute(t, "plugins", "list", "--category", "crypto")
	require.NoError(t, err)
	assert.Contains(t, out, "hash-identify")
	assert.NotContains(t, out, "dns-lookup")

	_, err = execute(t, "plugins", "list", "--category", "bogus")
	assert.ErrorContains(t, err, "unknown category")

	out, err = execute(t, "plugins", "info", "hash-identify")
	require.NoError(t, err)
	assert.Contains(t, out, "Category:    crypto")

	_, err = execute(t, "plugins", "info", "nope")
	assert.Error(t, err)
}

func TestCLI_RunAndInspectSession(t *testing.T) {
	withHome(t)

	out, err := execute(t, "run", "hash-identify", md5Hash, "--json")
	require.NoError(t, err)
	run := decode[runOutput](t, out)
	require.Len(t, run.Results, 1)
	res := run.Results[0]
	assert.Equal(t, domain.StatusSuccess, res.Status)
	assert.Equal(t, md5Hash, res.Target)
	assert.Contains(t, res.Data["candidates"], "MD5")

	// Append to the same session by prefix.
	out, err = execute(t, "run", "hash-identify", "not-a-hash!", "--session", run.SessionID[:13], "--json")
	require.NoError(t, err)
	assert.Equal(t, run.SessionID, decode[runOutput](t, out).SessionID)

	out, err = execute(t, "session", "list", "--json")
	require.NoError(t, err)
	list := decode[[]session.Summary](t, out)
	require.Len(t, list, 1)
	assert.Equal(t, "hash-identify", list[0].Name)
	assert.Equal(t, 2, list[0].Entries)
	assert.Equal(t, 2, list[0].Targets)

	out, err = execute(t, "session", "show", run.SessionID, "--target", md5Hash, "--json")
	require.NoError(t, err)
	shown := decode[runOutput](t, out)
	require.Len(t, shown.Results, 1)
	assert.Equal(t, md5Hash, shown.Results[0].Target)

	out, err = execute(t, "session", "show", run.SessionID)
	require.NoError(t, err)
	assert.Contains(t, out, "Name:    hash-identify")
	assert.Contains(t, out, "not-a-hash!")

	_, err = execute(t, "session", "show", run.SessionID, "--status", "weird")
	assert.ErrorContains(t, err, "unknown status")

	out, err = execute(t, "session", "export", run.SessionID, "--format", "markdown")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# Session hash-identify"), out)

	file := filepath.Join(t.TempDir(), "report.json")
	_, err = execute(t, "session", "export", run.SessionID, "-o", file)
	require.NoError(t, err)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	snap := decode[session.Snapshot](t, string(data))
	assert.Equal(t, run.SessionID, snap.ID)
	assert.Len(t, snap.Results, 2)

	out, err = execute(t, "session", "search", "MD5", "--json")
	require.NoError(t, err)
	found := decode[[]store.Finding](t, out)
	require.NotEmpty(t, found)
	assert.Equal(t, run.SessionID, found[0].SessionID)
	assert.Equal(t, "hash-identify", found[0].PluginID)

	out, err = execute(t, "session", "search", "MD5", "--session", run.SessionID, "--json")
	require.NoError(t, err)
	assert.NotEmpty(t, decode[[]store.Finding](t, out))

	_, err = execute(t, "session", "delete", run.SessionID)
	require.NoError(t, err)
	out, err = execute(t, "session", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions found.")
}

func TestCLI_RunUnknownPlugin(t *testing.T) {
	withHome(t)

	out, err := execute(t, "run", "nope", "example.com")
	require.Error(t, err)
	assert.Equal(t, exitFailed, ExitCode(err))
	assert.Contains(t, out, "[failed] nope -> example.com")
	assert.Contains(t, out, string(domain.ErrUnknownPlugin))

	_, err = execute(t, "run", "hash-identify", md5Hash, "-o", "broken")
	assert.ErrorContains(t, err, "invalid option")
	assert.Equal(t, exitInternal, ExitCode(err))
}

func TestCLI_FailedRunClosesLogFile(t *testing.T) {
	home := withHome(t)

	_, err := execute(t, "config", "set", "logging.file", filepath.Join(home, "logs", "phantom.log"))
	require.NoError(t, err)

	_, err = execute(t, "run", "nope", "example.com")
	require.Error(t, err)
	assert.Nil(t, logCloser, "log file left open after a failed run")
}

func TestCLI_FileStore(t *testing.T) {
	home := withHome(t)

	_, err := execute(t, "config", "set", "session.store", "file")
	require.NoError(t, err)
	out, err := execute(t, "config", "get", "session.store")
	require.NoError(t, err)
	assert.Equal(t, "file\n", out)

	out, err = execute(t, "run", "hash-identify", md5Hash, "--name", "audit", "--json")
	require.NoError(t, err)
	run := decode[runOutput](t, out)

	_, err = os.Stat(filepath.Join(home, "sessions", run.SessionID+".json"))
	require.NoError(t, err)

	out, err = execute(t, "session", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "audit")

	_, err = execute(t, "session", "search", "MD5")
	assert.ErrorContains(t, err, "sqlite")
}

func TestCLI_Config(t *testing.T) {
	withHome(t)

	out, err := execute(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Config OK")

	_, err = execute(t, "config", "set", "engine.capacity", "8")
	require.NoError(t, err)
	out, err = execute(t, "config", "get", "engine.capacity")
	require.NoError(t, err)
	assert.Equal(t, "8\n", out)

	_, err = execute(t, "config", "unset", "engine.capacity")
	require.NoError(t, err)
	_, err = execute(t, "config", "get", "engine.capacity")
	assert.ErrorContains(t, err, "not found")

	_, err = execute(t, "config", "set", "session.store", "tape")
	require.NoError(t, err)
	out, err = execute(t, "config", "validate")
	assert.Equal(t, exitInternal, ExitCode(err))
	assert.Contains(t, out, "session.store")

	_, err = execute(t, "run", "hash-identify", md5Hash)
	assert.ErrorContains(t, err, "config validation failed")
}

func TestCLI_Status(t *testing.T) {
	withHome(t)

	_, err := execute(t, "run", "hash-identify", md5Hash)
	require.NoError(t, err)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Session:  store=sqlite")
	assert.Contains(t, out, "crypto=")
	assert.Contains(t, out, "Sessions: 1 saved")
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"8", 8},
		{"2.5", 2.5},
		{"true", true},
		{"file", "file"},
		{"1.0.0", "1.0.0"},
		{"[whois, ping]", []any{"whois", "ping"}},
		{"a: b", "a: b"},
		{"", ""},
		{"~", "~"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseValue(tt.in), "%q", tt.in)
	}
}

func TestPrintValue(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printValue(&buf, 8))
	require.NoError(t, printValue(&buf, "loopback"))
	require.NoError(t, printValue(&buf, map[string]any{"port": 18790}))
	assert.Equal(t, "8\nloopback\nport: 18790\n", buf.String())
}
