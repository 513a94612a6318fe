package builtin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/plugin"
)

var whoisDescriptor = domain.PluginDescriptor{
	ID:          "whois",
	Name:        "WHOIS Lookup",
	Version:     "1.0.3",
	Category:    domain.CategoryRecon,
	Description: "Query WHOIS for registrar, registrant and name server details",
	Author:      "phantom",
}

type whoisFetch func(target string, timeout time.Duration) (string, error)

func defaultWhoisFetch(target string, timeout time.Duration) (string, error) {
	return whois.NewClient().SetTimeout(timeout).Whois(target)
}

type whoisLookup struct {
	plugin.Base
	fetch whoisFetch
}

func newWhois(fetch whoisFetch) *whoisLookup {
	if fetch == nil {
		fetch = defaultWhoisFetch
	}
	return &whoisLookup{fetch: fetch}
}

func (p *whoisLookup) Describe() domain.PluginDescriptor { return whoisDescriptor.Clone() }

// Options:
//
//	timeout  network timeout, default 15s
//	raw      include the raw response
func (p *whoisLookup) Execute(ctx context.Context, target string, opts map[string]any) (map[string]any, error) {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		return nil, errors.New("empty target")
	}
	timeout := optDuration(opts, "timeout", 15*time.Second)

	// The whois client has no context support; run it aside so
	// cancellation is honored promptly.
	type reply struct {
		raw string
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		raw, err := p.fetch(target, timeout)
		ch <- reply{raw, err}
	}()

	var raw string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("whois %s: %w", target, r.err)
		}
		raw = r.raw
	}

	out := parseWhois(target, raw)
	if optBool(opts, "raw", false) {
		out["raw"] = raw
	}
	return out, nil
}

func parseWhois(target, raw string) map[string]any {
	out := map[string]any{
		"domain":     target,
		"registered": true,
	}

	parsed, err := whoisparser.Parse(raw)
	if errors.Is(err, whoisparser.ErrNotFoundDomain) {
		out["registered"] = false
		return out
	}
	if err != nil {
		manualWhois(raw, out)
		out["parser"] = "fallback"
		return out
	}

	if parsed.Registrar != nil && parsed.Registrar.Name != "" {
		out["registrar"] = parsed.Registrar.Name
	}
	if c := parsed.Registrant; c != nil {
		setNonEmpty(out, "registrant_org", c.Organization)
		setNonEmpty(out, "registrant_email", c.Email)
		setNonEmpty(out, "registrant_country", c.Country)
	}
	if d := parsed.Domain; d != nil {
		setNonEmpty(out, "created", d.CreatedDate)
		setNonEmpty(out, "expires", d.ExpirationDate)
		setNonEmpty(out, "updated", d.UpdatedDate)
		if len(d.Status) > 0 {
			out["status"] = d.Status
		}
		if len(d.NameServers) > 0 {
			out["name_servers"] = d.NameServers
		}
	}
	return out
}

// manualWhois scrapes common "Key: value" lines when the parser cannot
// handle a registry's format.
func manualWhois(raw string, out map[string]any) {
	var ns []string
	for line := range strings.SplitSeq(raw, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "registrar":
			out["registrar"] = value
		case "registrant organization":
			out["registrant_org"] = value
		case "registrant email":
			out["registrant_email"] = value
		case "creation date", "created":
			out["created"] = value
		case "registry expiry date", "expiration date", "expires":
			out["expires"] = value
		case "name server", "nserver":
			ns = append(ns, strings.ToLower(value))
		}
	}
	if len(ns) > 0 {
		slices.Sort(ns)
		out["name_servers"] = slices.Compact(ns)
	}
}

func setNonEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
