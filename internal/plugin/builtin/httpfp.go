package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/plugin"
)

var httpDescriptor = domain.PluginDescriptor{
	ID:          "http-fingerprint",
	Name:        "HTTP Fingerprint",
	Version:     "0.9.1",
	Category:    domain.CategoryWeb,
	Description: "Fetch a page and report server headers, title and detected technologies",
	Author:      "phantom",
}

const maxBodyBytes = 2 << 20

// techSignature matches a technology by header value, generator meta tag
// or script source substring.
type techSignature struct {
	name    string
	headers map[string]string
	meta    string
	script  string
}

var techSignatures = []techSignature{
	{name: "nginx", headers: map[string]string{"Server": "nginx"}},
	{name: "Apache", headers: map[string]string{"Server": "apache"}},
	{name: "Caddy", headers: map[string]string{"Server": "caddy"}},
	{name: "Cloudflare", headers: map[string]string{"Server": "cloudflare", "Cf-Ray": ""}},
	{name: "PHP", headers: map[string]string{"X-Powered-By": "php"}},
	{name: "Express", headers: map[string]string{"X-Powered-By": "express"}},
	{name: "ASP.NET", headers: map[string]string{"X-Aspnet-Version": "", "X-Powered-By": "asp.net"}},
	{name: "WordPress", meta: "wordpress", script: "wp-content"},
	{name: "Drupal", meta: "drupal", headers: map[string]string{"X-Drupal-Cache": ""}},
	{name: "Joomla", meta: "joomla"},
	{name: "Hugo", meta: "hugo"},
	{name: "jQuery", script: "jquery"},
	{name: "React", script: "react"},
	{name: "Next.js", script: "/_next/", headers: map[string]string{"X-Powered-By": "next.js"}},
}

var securityHeaders = []string{
	"Strict-Transport-Security",
	"Content-Security-Policy",
	"X-Frame-Options",
	"X-Content-Type-Options",
	"Referrer-Policy",
}

type httpFingerprint struct {
	plugin.Base
	client *http.Client
}

func newHTTPFingerprint(client *http.Client) *httpFingerprint {
	return &httpFingerprint{client: client}
}

func (p *httpFingerprint) Describe() domain.PluginDescriptor { return httpDescriptor.Clone() }

// Options:
//
//	user_agent  request User-Agent
func (p *httpFingerprint) Execute(ctx context.Context, target string, opts map[string]any) (map[string]any, error) {
	u, err := targetURL(target)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", optString(opts, "user_agent", "phantom/1.0"))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing body: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	generator, _ := doc.Find(`meta[name="generator"]`).Attr("content")
	var scripts []string
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			scripts = append(scripts, src)
		}
	})

	headers := map[string]any{}
	for _, h := range []string{"Server", "X-Powered-By", "Content-Type"} {
		if v := resp.Header.Get(h); v != "" {
			headers[h] = v
		}
	}
	var missing []string
	for _, h := range securityHeaders {
		if resp.Header.Get(h) == "" {
			missing = append(missing, h)
		}
	}

	out := map[string]any{
		"url":          resp.Request.URL.String(),
		"status_code":  resp.StatusCode,
		"headers":      headers,
		"technologies": detectTech(resp.Header, generator, scripts),
	}
	if title != "" {
		out["title"] = title
	}
	if generator != "" {
		out["generator"] = generator
	}
	if len(missing) > 0 {
		out["missing_security_headers"] = missing
	}
	return out, nil
}

func targetURL(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errors.New("empty target")
	}
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("target has no host")
	}
	return u.String(), nil
}

func detectTech(h http.Header, generator string, scripts []string) []string {
	generator = strings.ToLower(generator)
	found := []string{}
	for _, sig := range techSignatures {
		if sig.matches(h, generator, scripts) {
			found = append(found, sig.name)
		}
	}
	slices.Sort(found)
	return found
}

func (s techSignature) matches(h http.Header, generator string, scripts []string) bool {
	for name, want := range s.headers {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if want == "" || strings.Contains(strings.ToLower(v), want) {
			return true
		}
	}
	if s.meta != "" && strings.Contains(generator, s.meta) {
		return true
	}
	if s.script != "" {
		for _, src := range scripts {
			if strings.Contains(strings.ToLower(src), s.script) {
				return true
			}
		}
	}
	return false
}
