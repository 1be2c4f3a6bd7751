package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/relaymint/spf/spf/dnsmsg"
)

// resolver issues one dnsmsg.Question at a time against a fixed set of
// nameservers, retrying each server in turn before giving up. It returns
// the raw *mdns.Msg (via dnsmsg.FromMsg) rather than parsed values, since
// the evaluator wants the full answer/additional sections.
type resolver struct {
	client      *mdns.Client
	nameservers []string
	retries     int
}

func newResolver(nameservers []string, timeout time.Duration, retries int) *resolver {
	if len(nameservers) == 0 {
		nameservers = systemNameservers()
	}
	return &resolver{
		client:      &mdns.Client{Timeout: timeout},
		nameservers: nameservers,
		retries:     retries,
	}
}

func systemNameservers() []string {
	cfg, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if !strings.Contains(s, ":") {
			s += ":53"
		}
		servers = append(servers, s)
	}
	return servers
}

// resolve answers q, returning either a dnsmsg.Message or a dnsmsg.Failure,
// matching the Response contract (*spf.Response) the evaluator expects.
func (r *resolver) resolve(ctx context.Context, q dnsmsg.Question) (dnsmsg.Message, *dnsmsg.Failure) {
	m := new(mdns.Msg)
	m.SetQuestion(ensureAbsolute(q.Name), uint16(q.Type))
	m.RecursionDesired = true

	var lastErr error
	for i := 0; i <= r.retries; i++ {
		for _, server := range r.nameservers {
			select {
			case <-ctx.Done():
				return nil, &dnsmsg.Failure{Question: q, Reason: ctx.Err()}
			default:
			}
			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = fmt.Errorf("%s via %s: %w", q, server, err)
				continue
			}
			return dnsmsg.FromMsg(q, resp), nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return nil, &dnsmsg.Failure{Question: q, Reason: lastErr}
}

func ensureAbsolute(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
