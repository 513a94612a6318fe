// Package builtin holds the plugins compiled into the phantom binary.
package builtin

import (
	"context"
	"net/http"
	"time"

	"github.com/phantom-sec/phantom/internal/plugin"
)

// SourceName is the discovery source name of compiled-in plugins.
const SourceName = "builtin"

// Options configures the built-in plugins.
type Options struct {
	// Resolvers are DNS servers (host:port) used by dns-lookup.
	Resolvers []string

	// HTTPClient is used by http-fingerprint. Nil means a client with a
	// 15 second timeout.
	HTTPClient *http.Client

	// DigitalOceanToken enables do-inventory.
	DigitalOceanToken string

	// DigitalOceanURL overrides the API base URL.
	DigitalOceanURL string
}

// Source serves the built-in plugins.
type Source struct {
	opts Options
}

// NewSource creates the built-in source.
func NewSource(opts Options) *Source {
	if len(opts.Resolvers) == 0 {
		opts.Resolvers = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Source{opts: opts}
}

// Name returns "builtin".
func (s *Source) Name() string { return SourceName }

// Discover returns one loader per built-in plugin.
func (s *Source) Discover(context.Context) ([]plugin.Loader, error) {
	return []plugin.Loader{
		plugin.FuncLoader{Desc: dnsDescriptor, NewFunc: func() (plugin.Plugin, error) {
			return newDNSLookup(s.opts.Resolvers), nil
		}},
		plugin.FuncLoader{Desc: whoisDescriptor, NewFunc: func() (plugin.Plugin, error) {
			return newWhois(nil), nil
		}},
		plugin.FuncLoader{Desc: httpDescriptor, NewFunc: func() (plugin.Plugin, error) {
			return newHTTPFingerprint(s.opts.HTTPClient), nil
		}},
		plugin.FuncLoader{Desc: fileHashDescriptor, NewFunc: func() (plugin.Plugin, error) {
			return &fileHash{}, nil
		}},
		plugin.FuncLoader{Desc: hashIDDescriptor, NewFunc: func() (plugin.Plugin, error) {
			return &hashIdentify{}, nil
		}},
		plugin.FuncLoader{Desc: doDescriptor, NewFunc: func() (plugin.Plugin, error) {
			return newDOInventory(s.opts.DigitalOceanToken, s.opts.DigitalOceanURL), nil
		}},
	}, nil
}
