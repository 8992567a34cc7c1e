// Package egress enforces the outbound network allowlist. Every hostname a
// tool wants to reach is checked against the workspace's policy pack before
// any connection is dialed; the default is deny. SafeClient is the only
// sanctioned network path for tool code running in-process.
package egress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aegisrun/aegis/internal/policy"

	aegisotel "github.com/aegisrun/aegis/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/aegisrun/aegis/internal/egress")

// Options scope a check to the tool and connector making the request.
type Options struct {
	ConnectorID string
	ToolID      string
}

// Decision is the outcome of an allowlist check.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	MatchedRule string `json:"matched_rule,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// BlockedError reports a request denied before any dial.
type BlockedError struct {
	Host   string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("egress blocked for %s: %s", e.Host, e.Reason)
}

// Check decides whether host may be reached under pack. Precedence, first
// match wins:
//
//  1. loopback hosts are always allowed;
//  2. a non-loopback IP literal is allowed only by an exact entry in the
//     global list (wildcards never match IPs);
//  3. a tool-scoped list, when defined, is authoritative — even when empty;
//  4. a connector-scoped list, when defined, is authoritative;
//  5. the global list;
//  6. default deny.
//
// Matching is case-insensitive. A "*.suffix" entry matches exactly one
// extra label; plain entries match exactly.
func Check(host string, pack *policy.Pack, opts Options) Decision {
	host = strings.ToLower(strings.TrimSpace(host))
	// IPv6 literals arrive bracketed in URLs ("[::1]"); unwrap before the
	// loopback and IP checks, which expect the bare address.
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" {
		return Decision{Allowed: false, Reason: "empty host"}
	}

	if isLoopback(host) {
		return Decision{Allowed: true, MatchedRule: "loopback"}
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, entry := range pack.Allowlists.EgressDomains {
			if strings.EqualFold(strings.TrimSpace(entry), host) {
				return Decision{Allowed: true, MatchedRule: entry}
			}
		}
		return Decision{Allowed: false, Reason: "IP literals require an exact global allowlist entry"}
	}

	if list, ok := pack.Allowlists.EgressByTool[opts.ToolID]; ok && opts.ToolID != "" {
		return matchList(host, list, "tool "+opts.ToolID)
	}
	if list, ok := pack.Allowlists.EgressByConnector[opts.ConnectorID]; ok && opts.ConnectorID != "" {
		return matchList(host, list, "connector "+opts.ConnectorID)
	}
	return matchList(host, pack.Allowlists.EgressDomains, "global")
}

func matchList(host string, list []string, scope string) Decision {
	for _, entry := range list {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			label, rest, found := strings.Cut(host, ".")
			if found && rest == suffix && label != "" {
				return Decision{Allowed: true, MatchedRule: entry}
			}
			continue
		}
		if host == entry {
			return Decision{Allowed: true, MatchedRule: entry}
		}
	}
	return Decision{Allowed: false, Reason: fmt.Sprintf("no %s allowlist entry matches %s", scope, host)}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// SafeClient performs HTTP requests only to allowlisted hosts. The check
// runs before any dial; a denial returns *BlockedError.
type SafeClient struct {
	pack   *policy.Pack
	opts   Options
	client *http.Client
}

// NewSafeClient builds a client scoped to one pack, tool, and connector.
// proxyURL, when non-empty, routes all allowed traffic through the proxy.
func NewSafeClient(pack *policy.Pack, opts Options, proxyURL string) (*SafeClient, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing egress proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	return &SafeClient{pack: pack, opts: opts, client: &http.Client{Transport: transport}}, nil
}

// Do checks the request's hostname and, on allow, performs the request.
func (c *SafeClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, span := tracer.Start(ctx, "egress.fetch")
	defer span.End()

	host := req.URL.Hostname()
	decision := Check(host, c.pack, c.opts)
	span.SetAttributes(
		attribute.String("egress.host", host),
		attribute.Bool("egress.allowed", decision.Allowed),
	)
	if !decision.Allowed {
		log.Warn().Str("host", host).Str("tool_id", c.opts.ToolID).
			Str("reason", decision.Reason).Msg("egress_blocked")
		return nil, &BlockedError{Host: host, Reason: decision.Reason}
	}
	return c.client.Do(req.WithContext(ctx))
}

// Get is a convenience wrapper around Do.
func (c *SafeClient) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building egress request: %w", err)
	}
	return c.Do(ctx, req)
}

// IsBlocked reports whether err is an egress denial.
func IsBlocked(err error) bool {
	var blocked *BlockedError
	return errors.As(err, &blocked)
}
