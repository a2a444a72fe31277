package emf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// ResolverConfig selects the DNS servers used to find the agent host. With
// no servers configured only the system resolver is used.
type ResolverConfig struct {
	UDPServers    []string // e.g. ["1.1.1.1:53", "8.8.8.8:53"]
	TLSServers    []string // e.g. ["1.1.1.1:853", "9.9.9.9:853"]
	DoHEndpoints  []string // e.g. ["https://cloudflare-dns.com/dns-query"]
	CacheTTL      time.Duration
	Timeout       time.Duration
	DisableSystem bool
	Logger        *zap.Logger
}

// Resolver looks up the agent host over every configured DNS path at once and
// takes the first good answer. Answers are cached for CacheTTL.
type Resolver struct {
	cfg    ResolverConfig
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]dnsCacheEntry
}

type dnsCacheEntry struct {
	ips []string
	ttl time.Time
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	cfg.CacheTTL = pickDuration(cfg.CacheTTL, 10*time.Minute)
	cfg.Timeout = pickDuration(cfg.Timeout, 800*time.Millisecond)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]dnsCacheEntry),
	}
}

// LookupHost returns the IPv4 addresses of host. IP literals are returned as is.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}

	r.mu.Lock()
	ce, ok := r.cache[host]
	r.mu.Unlock()
	if ok && time.Now().Before(ce.ttl) {
		return ce.ips, nil
	}

	ips, err := r.resolveFastest(ctx, host)
	if err != nil {
		r.logger.Warn("dns lookup failed", zap.String("host", host), zap.Error(err))
		return nil, err
	}

	r.mu.Lock()
	r.cache[host] = dnsCacheEntry{ips: ips, ttl: time.Now().Add(r.cfg.CacheTTL)}
	r.mu.Unlock()
	return ips, nil
}

// LookupAddr returns the PTR names for ip.
func (r *Resolver) LookupAddr(ctx context.Context, ip string) ([]string, error) {
	if len(r.cfg.UDPServers) == 0 {
		return net.DefaultResolver.LookupAddr(ctx, ip)
	}
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return nil, err
	}

	var firstErr error
	for _, srv := range r.cfg.UDPServers {
		msg, err := exchange(ctx, "udp", srv, arpa, dns.TypePTR, r.cfg.Timeout)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		names := make([]string, 0, len(msg.Answer))
		for _, ans := range msg.Answer {
			if ptr, ok := ans.(*dns.PTR); ok {
				names = append(names, ptr.Ptr)
			}
		}
		return names, nil
	}
	return nil, firstErr
}

// Flush drops cached answers, forcing the next lookup to hit the network.
func (r *Resolver) Flush() {
	r.mu.Lock()
	r.cache = make(map[string]dnsCacheEntry)
	r.mu.Unlock()
}

// dnsRoute is one way of reaching a name server: plain UDP, DNS over TLS
// ("tcp-tls") or DNS over HTTPS ("https").
type dnsRoute struct {
	network string
	server  string
}

func (r *Resolver) routes() []dnsRoute {
	routes := make([]dnsRoute, 0, len(r.cfg.UDPServers)+len(r.cfg.TLSServers)+len(r.cfg.DoHEndpoints))
	for _, srv := range r.cfg.UDPServers {
		routes = append(routes, dnsRoute{"udp", srv})
	}
	for _, srv := range r.cfg.TLSServers {
		routes = append(routes, dnsRoute{"tcp-tls", srv})
	}
	for _, ep := range r.cfg.DoHEndpoints {
		routes = append(routes, dnsRoute{"https", ep})
	}
	return routes
}

// resolveFastest races every route and the system resolver; the first
// non-empty answer wins.
func (r *Resolver) resolveFastest(ctx context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type answer struct {
		ips []string
		err error
	}
	routes := r.routes()
	pending := len(routes)
	if !r.cfg.DisableSystem {
		pending++
	}
	if pending == 0 {
		return nil, fmt.Errorf("no dns resolvers configured")
	}
	answers := make(chan answer, pending)

	for _, rt := range routes {
		rt := rt
		go func() {
			resp, err := exchange(ctx, rt.network, rt.server, host, dns.TypeA, r.cfg.Timeout)
			if err != nil {
				answers <- answer{err: err}
				return
			}
			answers <- answer{ips: aRecords(resp)}
		}()
	}
	if !r.cfg.DisableSystem {
		go func() {
			found, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
			ips := make([]string, 0, len(found))
			for _, ip := range found {
				ips = append(ips, ip.String())
			}
			answers <- answer{ips, err}
		}()
	}

	var firstErr error
	for ; pending > 0; pending-- {
		select {
		case a := <-answers:
			if a.err == nil && len(a.ips) > 0 {
				return a.ips, nil
			}
			if firstErr == nil {
				firstErr = a.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no dns result for %s", host)
	}
	return nil, firstErr
}

// exchange asks server one question over network and only returns answers
// with a NOERROR rcode.
func exchange(ctx context.Context, network, server, name string, qtype uint16, timeout time.Duration) (*dns.Msg, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), qtype)

	var (
		resp *dns.Msg
		err  error
	)
	if network == "https" {
		resp, err = exchangeHTTPS(ctx, server, q, timeout)
	} else {
		c := &dns.Client{Net: network, Timeout: timeout}
		resp, _, err = c.ExchangeContext(ctx, q, server)
	}
	switch {
	case err != nil:
		return nil, fmt.Errorf("%s dns %s: %w", network, server, err)
	case resp == nil:
		return nil, fmt.Errorf("%s dns %s: empty response", network, server)
	case resp.Rcode != dns.RcodeSuccess:
		return nil, fmt.Errorf("%s dns %s: %s", network, server, dns.RcodeToString[resp.Rcode])
	}
	return resp, nil
}

// exchangeHTTPS posts q in wire format to a DoH endpoint.
func exchangeHTTPS(ctx context.Context, endpoint string, q *dns.Msg, timeout time.Duration) (*dns.Msg, error) {
	wire, err := q.Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, err
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(body); err != nil {
		return nil, err
	}
	return msg, nil
}

func aRecords(msg *dns.Msg) []string {
	ips := make([]string, 0, len(msg.Answer))
	for _, ans := range msg.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func trimDot(name string) string {
	return strings.TrimSuffix(name, ".")
}
