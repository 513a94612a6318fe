// Package irc posts execution events to IRC channels using the girc library.
package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lrstanley/girc"

	"github.com/phantom-sec/phantom/internal/config"
	"github.com/phantom-sec/phantom/internal/hooks"
	"github.com/phantom-sec/phantom/internal/logging"
	"github.com/phantom-sec/phantom/internal/version"
)

const (
	maxLineLen     = 400
	reconnectDelay = 15 * time.Second
)

var errNotConnected = errors.New("irc: not connected")

// DefaultEvents are posted when the config names none.
var DefaultEvents = []string{hooks.EventPluginCompleted, hooks.EventPluginFailed}

// Notifier is a reporter sink that announces events in IRC channels.
type Notifier struct {
	cfg    config.IRCConfig
	events []string
	log    *logging.Logger

	mu      sync.RWMutex
	client  *girc.Client
	running bool
	lastErr string

	sent    atomic.Int64
	skipped atomic.Int64
}

// New creates an IRC notifier from configuration.
func New(cfg config.IRCConfig, log *logging.Logger) *Notifier {
	events := cfg.Events
	if len(events) == 0 {
		events = DefaultEvents
	}
	return &Notifier{
		cfg:    cfg,
		events: events,
		log:    log.Sub("irc"),
	}
}

// Status reports the connection state of the notifier.
type Status struct {
	Connected bool   `json:"connected"`
	Running   bool   `json:"running"`
	LastError string `json:"last_error,omitempty"`
	Sent      int64  `json:"sent"`
	Skipped   int64  `json:"skipped"`
}

// Status returns the current runtime status.
func (n *Notifier) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Status{
		Connected: n.client != nil && n.client.IsConnected(),
		Running:   n.running,
		LastError: n.lastErr,
		Sent:      n.sent.Load(),
		Skipped:   n.skipped.Load(),
	}
}

func (n *Notifier) port() int {
	if n.cfg.Port != 0 {
		return n.cfg.Port
	}
	if n.cfg.UseTLS {
		return 6697
	}
	return 6667
}

func (n *Notifier) gircConfig() girc.Config {
	gircCfg := girc.Config{
		Server:  n.cfg.Server,
		Port:    n.port(),
		Nick:    n.cfg.Nick,
		User:    n.cfg.Nick,
		Name:    "phantom notifier",
		SSL:     n.cfg.UseTLS,
		Version: "phantom/" + version.Version,
	}
	if n.cfg.UseTLS {
		gircCfg.TLSConfig = &tls.Config{
			ServerName: n.cfg.Server,
		}
	}
	if n.cfg.SASL && n.cfg.Password != "" {
		gircCfg.SASL = &girc.SASLPlain{
			User: n.cfg.Nick,
			Pass: n.cfg.Password,
		}
	} else if n.cfg.Password != "" {
		gircCfg.ServerPass = n.cfg.Password
	}
	return gircCfg
}

// Start connects to the IRC server and stays connected, reconnecting
// after failures, until ctx is done.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	n.running = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.running = false
		n.mu.Unlock()
	}()

	for {
		err := n.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.log.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("IRC connection lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (n *Notifier) connect(ctx context.Context) error {
	client := girc.New(n.gircConfig())
	client.Handlers.Add(girc.CONNECTED, n.onConnected)
	client.Handlers.Add(girc.DISCONNECTED, func(*girc.Client, girc.Event) {
		n.log.Warn().Msg("disconnected from IRC")
	})

	n.mu.Lock()
	n.client = client
	n.lastErr = ""
	n.mu.Unlock()

	n.log.Info().
		Str("server", n.cfg.Server).
		Int("port", n.port()).
		Str("nick", n.cfg.Nick).
		Strs("channels", n.cfg.Channels).
		Bool("tls", n.cfg.UseTLS).
		Msg("connecting to IRC")

	// Connect blocks until the connection ends.
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Connect()
	}()

	select {
	case err := <-errCh:
		if err == nil {
			err = errors.New("connection closed")
		}
		n.mu.Lock()
		n.lastErr = err.Error()
		n.mu.Unlock()
		return fmt.Errorf("irc connect: %w", err)
	case <-ctx.Done():
		if client.IsConnected() {
			client.Quit("phantom shutting down")
		}
		client.Close()
		<-errCh
		return ctx.Err()
	}
}

func (n *Notifier) onConnected(c *girc.Client, _ girc.Event) {
	n.log.Info().Str("nick", c.GetNick()).Msg("connected to IRC")
	for _, ch := range n.cfg.Channels {
		c.Cmd.Join(ch)
		n.log.Debug().Str("channel", ch).Msg("joining channel")
	}
}

// Wants reports whether the notifier posts events named event.
func (n *Notifier) Wants(event string) bool {
	return slices.Contains(n.events, hooks.EventAll) || slices.Contains(n.events, event)
}

// Handler returns the hooks handler that posts events.
func (n *Notifier) Handler() hooks.Handler {
	return func(_ context.Context, ev hooks.Event) error {
		if !n.Wants(ev.Event) {
			return nil
		}
		err := n.Post(FormatEvent(ev))
		if errors.Is(err, errNotConnected) {
			n.skipped.Add(1)
			n.log.Debug().Str("event", ev.Event).Msg("IRC not connected, event skipped")
			return nil
		}
		return err
	}
}

// Post sends text to every configured channel.
func (n *Notifier) Post(text string) error {
	n.mu.RLock()
	client := n.client
	n.mu.RUnlock()
	if client == nil || !client.IsConnected() {
		return errNotConnected
	}

	lines := splitMessage(text, maxLineLen)
	for _, ch := range n.cfg.Channels {
		for _, line := range lines {
			client.Cmd.Message(ch, line)
		}
	}
	n.sent.Add(1)
	return nil
}

// FormatEvent renders ev as one IRC line with girc color codes.
func FormatEvent(ev hooks.Event) string {
	status, _ := ev.Detail["status"].(string)
	var b strings.Builder
	switch ev.Event {
	case hooks.EventPluginCompleted:
		b.WriteString("{green}[ok]{r} ")
	case hooks.EventPluginFailed:
		if status == "timed_out" || status == "cancelled" {
			b.WriteString("{orange}[" + status + "]{r} ")
		} else {
			b.WriteString("{red}[failed]{r} ")
		}
	default:
		b.WriteString("[" + ev.Event + "] ")
	}

	if ev.PluginID != "" {
		b.WriteString("{b}" + ev.PluginID + "{b}")
	}
	if ev.Target != "" {
		b.WriteString(" -> " + ev.Target)
	}
	if ms, ok := detailInt(ev.Detail["duration_ms"]); ok {
		fmt.Fprintf(&b, " (%dms)", ms)
	}
	if kind, _ := ev.Detail["error_kind"].(string); kind != "" {
		b.WriteString(" " + kind)
		if msg, _ := ev.Detail["error"].(string); msg != "" {
			b.WriteString(": " + msg)
		}
	}
	if sid, _ := ev.Detail["session_id"].(string); sid != "" && len(sid) >= 8 {
		b.WriteString(" session " + sid[:8])
	}
	return girc.Fmt(b.String())
}

func detailInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	}
	return 0, false
}

// splitMessage breaks text into IRC-sized lines. Each newline starts a new
// line; lines longer than maxLen are split at the byte boundary.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for line := range strings.SplitSeq(text, "\n") {
		for len(line) > maxLen {
			chunks = append(chunks, line[:maxLen])
			line = line[maxLen:]
		}
		if line != "" {
			chunks = append(chunks, line)
		}
	}
	return chunks
}
