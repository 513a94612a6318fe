package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/plugin"
)

var dnsDescriptor = domain.PluginDescriptor{
	ID:          "dns-lookup",
	Name:        "DNS Lookup",
	Version:     "1.2.0",
	Category:    domain.CategoryRecon,
	Description: "Resolve A, AAAA, CNAME, MX, NS and TXT records for a domain",
	Author:      "phantom",
}

var dnsTypes = map[string]uint16{
	"A":     dns.TypeA,
	"AAAA":  dns.TypeAAAA,
	"CNAME": dns.TypeCNAME,
	"MX":    dns.TypeMX,
	"NS":    dns.TypeNS,
	"TXT":   dns.TypeTXT,
	"SOA":   dns.TypeSOA,
}

type dnsLookup struct {
	plugin.Base
	resolvers []string
	client    *dns.Client
}

func newDNSLookup(resolvers []string) *dnsLookup {
	return &dnsLookup{resolvers: resolvers}
}

func (p *dnsLookup) Describe() domain.PluginDescriptor { return dnsDescriptor.Clone() }

func (p *dnsLookup) Initialize(context.Context) (bool, error) {
	if len(p.resolvers) == 0 {
		return false, nil
	}
	p.client = &dns.Client{Timeout: 5 * time.Second}
	return true, nil
}

// Options:
//
//	types    list of record types, default A,AAAA,CNAME,MX,NS,TXT
//	resolver single resolver host:port overriding the configured list
//	timeout  per-query timeout
func (p *dnsLookup) Execute(ctx context.Context, target string, opts map[string]any) (map[string]any, error) {
	domainName := strings.TrimSuffix(strings.TrimSpace(target), ".")
	if domainName == "" {
		return nil, errors.New("empty domain")
	}
	resolvers := p.resolvers
	if r := optString(opts, "resolver", ""); r != "" {
		resolvers = []string{r}
	}
	p.client.Timeout = optDuration(opts, "timeout", p.client.Timeout)

	types := optStrings(opts, "types", []string{"A", "AAAA", "CNAME", "MX", "NS", "TXT"})
	records := make(map[string]any, len(types))
	var errs []error
	for _, name := range types {
		name = strings.ToUpper(name)
		qtype, ok := dnsTypes[name]
		if !ok {
			return nil, fmt.Errorf("unsupported record type %q", name)
		}
		answers, err := p.query(ctx, resolvers, domainName, qtype)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if len(answers) > 0 {
			records[name] = answers
		}
	}
	if len(records) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	out := map[string]any{
		"domain":  domainName,
		"records": records,
	}
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		out["errors"] = msgs
	}
	return out, nil
}

// query tries each resolver in turn and returns the first usable answer.
func (p *dnsLookup) query(ctx context.Context, resolvers []string, name string, qtype uint16) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, resolver := range resolvers {
		r, _, err := p.client.ExchangeContext(ctx, m, resolver)
		if err != nil {
			lastErr = err
			continue
		}
		if r.Rcode == dns.RcodeNameError {
			return nil, nil
		}
		if r.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s returned %s", resolver, dns.RcodeToString[r.Rcode])
			continue
		}
		return answerStrings(r.Answer, qtype), nil
	}
	return nil, lastErr
}

func answerStrings(rrs []dns.RR, qtype uint16) []string {
	var out []string
	for _, rr := range rrs {
		if rr.Header().Rrtype != qtype {
			continue
		}
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		case *dns.CNAME:
			out = append(out, strings.TrimSuffix(v.Target, "."))
		case *dns.MX:
			out = append(out, fmt.Sprintf("%d %s", v.Preference, strings.TrimSuffix(v.Mx, ".")))
		case *dns.NS:
			out = append(out, strings.TrimSuffix(v.Ns, "."))
		case *dns.TXT:
			out = append(out, strings.Join(v.Txt, ""))
		case *dns.SOA:
			out = append(out, fmt.Sprintf("%s %s %d", strings.TrimSuffix(v.Ns, "."), strings.TrimSuffix(v.Mbox, "."), v.Serial))
		}
	}
	return out
}
