package builtin

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/digitalocean/godo"
	"golang.org/x/oauth2"

	"github.com/phantom-sec/phantom/internal/domain"
)

var doDescriptor = domain.PluginDescriptor{
	ID:           "do-inventory",
	Name:         "DigitalOcean Inventory",
	Version:      "1.0.0",
	Category:     domain.CategoryCloud,
	Description:  "List droplets and flag firewall rules open to the internet",
	Author:       "phantom",
	Dependencies: []string{"DigitalOcean API token"},
}

// tokenSource implements oauth2.TokenSource for a static API token.
type tokenSource struct {
	accessToken string
}

func (t *tokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: t.accessToken}, nil
}

type doInventory struct {
	token   string
	baseURL string
	client  *godo.Client
}

func newDOInventory(token, baseURL string) *doInventory {
	return &doInventory{token: token, baseURL: baseURL}
}

func (p *doInventory) Describe() domain.PluginDescriptor { return doDescriptor.Clone() }

// Initialize refuses when no token is configured.
func (p *doInventory) Initialize(ctx context.Context) (bool, error) {
	if p.token == "" {
		return false, nil
	}
	var opts []godo.ClientOpt
	if p.baseURL != "" {
		base := p.baseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, godo.SetBaseURL(base))
	}
	client, err := godo.New(oauth2.NewClient(context.WithoutCancel(ctx), &tokenSource{accessToken: p.token}), opts...)
	if err != nil {
		return false, fmt.Errorf("creating digitalocean client: %w", err)
	}
	p.client = client
	return true, nil
}

// Execute inventories droplets. The target is a droplet tag, or "*" for
// the whole account.
func (p *doInventory) Execute(ctx context.Context, target string, _ map[string]any) (map[string]any, error) {
	tag := strings.TrimSpace(target)
	if tag == "*" || strings.EqualFold(tag, "all") {
		tag = ""
	}

	droplets, err := p.listDroplets(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("listing droplets: %w", err)
	}
	firewalls, err := p.listFirewalls(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing firewalls: %w", err)
	}

	inScope := make(map[int]bool, len(droplets))
	hosts := make([]any, 0, len(droplets))
	for _, d := range droplets {
		inScope[d.ID] = true
		host := map[string]any{
			"id":     d.ID,
			"name":   d.Name,
			"status": d.Status,
		}
		if d.Region != nil {
			host["region"] = d.Region.Slug
		}
		if ip, err := d.PublicIPv4(); err == nil && ip != "" {
			host["public_ipv4"] = ip
		}
		if len(d.Tags) > 0 {
			host["tags"] = d.Tags
		}
		hosts = append(hosts, host)
	}

	var exposed []any
	for _, fw := range firewalls {
		if tag != "" && !slices.Contains(fw.Tags, tag) && !slices.ContainsFunc(fw.DropletIDs, func(id int) bool { return inScope[id] }) {
			continue
		}
		for _, rule := range fw.InboundRules {
			if rule.Sources == nil || !openToInternet(rule.Sources.Addresses) {
				continue
			}
			exposed = append(exposed, map[string]any{
				"firewall": fw.Name,
				"protocol": rule.Protocol,
				"ports":    rule.PortRange,
			})
		}
	}

	out := map[string]any{
		"scope":     scopeName(tag),
		"droplets":  hosts,
		"firewalls": len(firewalls),
	}
	if len(exposed) > 0 {
		out["exposed_rules"] = exposed
	}
	return out, nil
}

func (p *doInventory) Cleanup(context.Context) error {
	p.client = nil
	return nil
}

func (p *doInventory) listDroplets(ctx context.Context, tag string) ([]godo.Droplet, error) {
	opt := &godo.ListOptions{PerPage: 200}
	var all []godo.Droplet
	for {
		var (
			droplets []godo.Droplet
			resp     *godo.Response
			err      error
		)
		if tag != "" {
			droplets, resp, err = p.client.Droplets.ListByTag(ctx, tag, opt)
		} else {
			droplets, resp, err = p.client.Droplets.List(ctx, opt)
		}
		if err != nil {
			return nil, err
		}
		all = append(all, droplets...)

		if resp.Links == nil || resp.Links.IsLastPage() {
			return all, nil
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return all, nil
		}
		opt.Page = page + 1
	}
}

func (p *doInventory) listFirewalls(ctx context.Context) ([]godo.Firewall, error) {
	opt := &godo.ListOptions{PerPage: 200}
	var all []godo.Firewall
	for {
		firewalls, resp, err := p.client.Firewalls.List(ctx, opt)
		if err != nil {
			return nil, err
		}
		all = append(all, firewalls...)

		if resp.Links == nil || resp.Links.IsLastPage() {
			return all, nil
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return all, nil
		}
		opt.Page = page + 1
	}
}

func openToInternet(addrs []string) bool {
	return slices.Contains(addrs, "0.0.0.0/0") || slices.Contains(addrs, "::/0")
}

func scopeName(tag string) string {
	if tag == "" {
		return "account"
	}
	return "tag:" + tag
}
