package dnscache

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"mailverifier/retry"
)

// MX is a mail exchanger host with its preference.
type MX struct {
	Host string
	Pref uint16
}

// Resolver answers the record types the verification pipeline needs.
// A missing domain or an empty answer is not an error: implementations return
// an empty slice. Errors are reserved for transport failures, timeouts and
// SERVFAIL-style answers and are marked retryable.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]MX, error)
	LookupA(ctx context.Context, domain string) ([]string, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

const fallbackServer = "8.8.8.8:53"

// DNSResolver queries nameservers directly with miekg/dns.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewDNSResolver builds a resolver for server ("host:port"). An empty server
// means the nameservers listed in /etc/resolv.conf, falling back to a public
// resolver when that file is unusable.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	var servers []string
	if server != "" {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		servers = []string{server}
	} else if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(servers) == 0 {
		servers = []string{fallbackServer}
	}

	return &DNSResolver{
		client:  &dns.Client{Timeout: timeout},
		servers: servers,
	}
}

func (r *DNSResolver) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	answers, err := r.query(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	var records []MX
	for _, rr := range answers {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		host := strings.TrimSuffix(mx.Mx, ".")
		// RFC 7505 null MX: the domain accepts no mail.
		if host == "" {
			continue
		}
		records = append(records, MX{Host: strings.ToLower(host), Pref: mx.Preference})
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})
	return records, nil
}

func (r *DNSResolver) LookupA(ctx context.Context, domain string) ([]string, error) {
	answers, err := r.query(ctx, domain, dns.TypeA)
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, rr := range answers {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}

func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	answers, err := r.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var txts []string
	for _, rr := range answers {
		if t, ok := rr.(*dns.TXT); ok {
			txts = append(txts, strings.Join(t.Txt, ""))
		}
	}
	return txts, nil
}

func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err == nil && resp.Truncated {
			tcp := *r.client
			tcp.Net = "tcp"
			resp, _, err = tcp.ExchangeContext(ctx, msg, server)
		}
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp.Answer, nil
		case dns.RcodeNameError:
			return nil, nil
		default:
			lastErr = fmt.Errorf("%s answered %s", server, dns.RcodeToString[resp.Rcode])
		}
	}

	return nil, retry.MarkRetryable(fmt.Errorf("%s lookup for %s: %w", dns.TypeToString[qtype], name, lastErr))
}
